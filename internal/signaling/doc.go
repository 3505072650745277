// Package signaling exposes the relay over HTTP and WebSocket.
//
//   - POST /signal                : submit one signal
//   - GET  /signal/{participant}  : long-poll a participant's mailbox
//   - GET  /signal/ws             : push delivery and submission over a WebSocket
//   - GET  /webrtc/ice            : ICE servers for call UIs
//
// WebSocket frames are JSON text frames by default. Clients that offer the
// aero-signal.v1.msgpack subprotocol get MessagePack binary frames instead.
package signaling
