package signalclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
)

// Sender submits signals. *Client and *Stream implement it.
type Sender interface {
	Send(ctx context.Context, sub relay.Submission) (Ack, error)
}

// Peer is one side of a call with a single remote participant. It builds
// typed submissions and tells apart the signals that belong to the call.
type Peer struct {
	Sender Sender
	Self   mailbox.ParticipantID
	Remote mailbox.ParticipantID
}

func (p Peer) Offer(ctx context.Context, desc webrtc.SessionDescription) (Ack, error) {
	return p.send(ctx, mailbox.KindOffer, desc)
}

func (p Peer) Answer(ctx context.Context, desc webrtc.SessionDescription) (Ack, error) {
	return p.send(ctx, mailbox.KindAnswer, desc)
}

func (p Peer) Candidate(ctx context.Context, c webrtc.ICECandidateInit) (Ack, error) {
	return p.send(ctx, mailbox.KindICECandidate, c)
}

func (p Peer) End(ctx context.Context, reason string) (Ack, error) {
	return p.send(ctx, mailbox.KindEnd, endPayload{Reason: reason})
}

func (p Peer) Reject(ctx context.Context, reason string) (Ack, error) {
	return p.send(ctx, mailbox.KindReject, endPayload{Reason: reason})
}

// Accepts reports whether msg was sent by the remote participant to us. A
// participant can be in several calls; everything else belongs to another
// one.
func (p Peer) Accepts(msg mailbox.Message) bool {
	return msg.From == p.Remote && msg.To == p.Self
}

type endPayload struct {
	Reason string `json:"reason,omitempty"`
}

func (p Peer) send(ctx context.Context, kind mailbox.Kind, payload any) (Ack, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Ack{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return p.Sender.Send(ctx, relay.Submission{
		From:    p.Self,
		To:      p.Remote,
		Kind:    kind,
		Payload: raw,
	})
}

// SessionDescription decodes an offer or answer payload.
func SessionDescription(msg mailbox.Message) (webrtc.SessionDescription, error) {
	if msg.Kind != mailbox.KindOffer && msg.Kind != mailbox.KindAnswer {
		return webrtc.SessionDescription{}, fmt.Errorf("%s is not a session description", msg.Kind)
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(msg.Payload, &desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decode %s: %w", msg.Kind, err)
	}
	return desc, nil
}

// Candidate decodes an ice-candidate payload.
func Candidate(msg mailbox.Message) (webrtc.ICECandidateInit, error) {
	if msg.Kind != mailbox.KindICECandidate {
		return webrtc.ICECandidateInit{}, fmt.Errorf("%s is not a candidate", msg.Kind)
	}
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Payload, &c); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("decode candidate: %w", err)
	}
	return c, nil
}
