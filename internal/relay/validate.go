package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/mailbox"
)

// MaxParticipantIDLen bounds participant ids in bytes.
const MaxParticipantIDLen = 256

// PayloadValidator inspects the payload of a well-formed submission. A nil
// validator treats payloads as opaque JSON.
type PayloadValidator func(kind mailbox.Kind, payload json.RawMessage) error

// Submission is an unvalidated signal as received from a transport.
type Submission struct {
	From    mailbox.ParticipantID `json:"from"`
	To      mailbox.ParticipantID `json:"to"`
	Kind    mailbox.Kind          `json:"kind"`
	Payload json.RawMessage       `json:"payload"`

	// Principal is the authenticated identity of the sender, if any. When set,
	// From must equal it.
	Principal mailbox.ParticipantID `json:"-"`
}

// ValidateParticipantID reports whether id can be used as a mailbox key and
// URL path segment.
func ValidateParticipantID(id mailbox.ParticipantID) error {
	if id == "" {
		return fmt.Errorf("empty participant id")
	}
	if len(id) > MaxParticipantIDLen {
		return fmt.Errorf("participant id longer than %d bytes", MaxParticipantIDLen)
	}
	if !utf8.ValidString(string(id)) {
		return fmt.Errorf("participant id is not valid utf-8")
	}
	for _, r := range string(id) {
		if r == '/' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("participant id contains %q", r)
		}
	}
	return nil
}

func (s Submission) validate(payloads PayloadValidator) error {
	if s.From == "" {
		return invalid("missing from")
	}
	if s.To == "" {
		return invalid("missing to")
	}
	if err := ValidateParticipantID(s.From); err != nil {
		return invalid("from: " + err.Error())
	}
	if err := ValidateParticipantID(s.To); err != nil {
		return invalid("to: " + err.Error())
	}
	if s.From == s.To {
		return invalid("from and to are the same participant")
	}
	if s.Kind == "" {
		return invalid("missing kind")
	}
	if !s.Kind.Valid() {
		return invalid(fmt.Sprintf("unknown kind %q", s.Kind))
	}

	payload := bytes.TrimSpace(s.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return invalid("missing payload")
	}
	if !json.Valid(payload) {
		return invalid("payload is not valid JSON")
	}
	if payloads != nil {
		if err := payloads(s.Kind, payload); err != nil {
			return invalid(fmt.Sprintf("payload: %v", err))
		}
	}
	return nil
}
