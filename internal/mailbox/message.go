package mailbox

import (
	"encoding/json"
	"time"
)

// ParticipantID is the stable identifier of a call endpoint (a user id, not a
// transient connection id). It keys the mailbox.
type ParticipantID string

// Kind is the type of a signaling message.
type Kind string

const (
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
	KindEnd          Kind = "end"
	KindReject       Kind = "reject"
)

// Valid reports whether k is one of the known signaling kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate, KindEnd, KindReject:
		return true
	default:
		return false
	}
}

// Terminal reports whether k ends a call negotiation.
func (k Kind) Terminal() bool {
	return k == KindEnd || k == KindReject
}

// Message is a single relayed signaling message. It is immutable once
// enqueued; Payload is opaque to the relay.
type Message struct {
	ID        string          `json:"id"`
	From      ParticipantID   `json:"from"`
	To        ParticipantID   `json:"to"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}
