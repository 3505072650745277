// Package delivery surfaces mailbox contents to recipients.
//
// Two strategies share one mailbox: Push streams messages to live
// connections as they are enqueued, Pull answers long-poll requests. Whichever
// drains a message first is the only one to deliver it.
package delivery

import (
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/mailbox"
)

// Strategy is the common surface of Push and Pull.
type Strategy interface {
	// Name identifies the strategy in logs and metrics.
	Name() string

	// Attached reports whether p currently has a live consumer on this
	// strategy.
	Attached(p mailbox.ParticipantID) bool
}

// Observer is told about every batch of messages handed to a consumer.
type Observer func(msgs []mailbox.Message)

var (
	_ Strategy = (*Push)(nil)
	_ Strategy = (*Pull)(nil)
)
