// Package session tracks the negotiation state of each pair of participants.
//
// A session is keyed by the unordered pair of participants and is created by
// the first offer between them. The state machine decides whether each
// message is relayed; it never rewrites messages.
package session

import (
	"errors"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/mailbox"
)

type State string

const (
	StateIdle       State = "idle"
	StateHaveOffer  State = "have-offer"
	StateHaveAnswer State = "have-answer"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
	StateRejected   State = "rejected"
)

func (s State) Terminal() bool {
	return s == StateEnded || s == StateRejected
}

var (
	// ErrOutOfOrder marks a message that does not fit the current negotiation
	// (an answer with no matching offer, or an offer from the callee while the
	// caller's offer is outstanding). It is not relayed.
	ErrOutOfOrder = errors.New("session: out-of-order message")

	// ErrSessionEnded marks a message for a pair whose session has ended and
	// is still within its grace period. It is not relayed.
	ErrSessionEnded = errors.New("session: session ended")

	// ErrTooManySessions is returned when an offer would exceed the live
	// session limit.
	ErrTooManySessions = errors.New("session: too many sessions")
)

// Key identifies the unordered pair {A, B}; A sorts before B.
type Key struct {
	A mailbox.ParticipantID
	B mailbox.ParticipantID
}

func KeyFor(x, y mailbox.ParticipantID) Key {
	if y < x {
		x, y = y, x
	}
	return Key{A: x, B: y}
}

func (k Key) String() string { return string(k.A) + "|" + string(k.B) }

type Session struct {
	Key      Key
	State    State
	Caller   mailbox.ParticipantID
	Callee   mailbox.ParticipantID
	LastKind mailbox.Kind

	CreatedAt time.Time
	UpdatedAt time.Time
	EndedAt   time.Time
}

// Transition applies msg to cur (nil when the pair has no session) and
// returns the resulting session, which is nil when none should exist, plus
// whether msg must be relayed. A non-nil error is one of ErrOutOfOrder or
// ErrSessionEnded, in which case relay is false and next equals cur.
func Transition(cur *Session, msg mailbox.Message, now time.Time) (next *Session, relay bool, err error) {
	if cur == nil || cur.State == StateIdle {
		return fromIdle(msg, now)
	}
	if cur.State.Terminal() {
		return cur, false, ErrSessionEnded
	}

	s := *cur
	s.LastKind = msg.Kind
	s.UpdatedAt = now

	switch msg.Kind {
	case mailbox.KindICECandidate:
		// Candidates trickle in both directions in every live state.
	case mailbox.KindOffer:
		switch {
		case cur.State == StateHaveOffer && msg.From == cur.Caller:
			// Retried offer.
		case cur.State == StateHaveOffer:
			return cur, false, ErrOutOfOrder
		default:
			// Renegotiation; the offerer becomes the caller.
			s.State = StateHaveOffer
			s.Caller = msg.From
			s.Callee = msg.To
		}
	case mailbox.KindAnswer:
		if cur.State != StateHaveOffer || msg.From != cur.Callee || msg.To != cur.Caller {
			return cur, false, ErrOutOfOrder
		}
		s.State = StateHaveAnswer
	case mailbox.KindEnd:
		s.State = StateEnded
		s.EndedAt = now
	case mailbox.KindReject:
		if cur.State == StateHaveOffer {
			s.State = StateRejected
		} else {
			s.State = StateEnded
		}
		s.EndedAt = now
	default:
		return cur, false, ErrOutOfOrder
	}
	return &s, true, nil
}

func fromIdle(msg mailbox.Message, now time.Time) (*Session, bool, error) {
	switch msg.Kind {
	case mailbox.KindOffer:
		return &Session{
			Key:       KeyFor(msg.From, msg.To),
			State:     StateHaveOffer,
			Caller:    msg.From,
			Callee:    msg.To,
			LastKind:  msg.Kind,
			CreatedAt: now,
			UpdatedAt: now,
		}, true, nil
	case mailbox.KindICECandidate, mailbox.KindEnd, mailbox.KindReject:
		return nil, true, nil
	default:
		return nil, false, ErrOutOfOrder
	}
}
