// Package relay ties the mailbox, the session registry and the delivery
// strategies into the operations exposed to transports: Post a signal, Poll
// for pending signals, or Subscribe a live connection.
//
// The relay never inspects payloads beyond the configured validator and never
// creates PeerConnections.
package relay
