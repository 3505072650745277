package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
)

// PayloadValidatorFor returns the relay payload validator for mode. Opaque
// mode returns nil: payloads only need to be JSON.
func PayloadValidatorFor(mode config.PayloadValidation) relay.PayloadValidator {
	if mode == config.PayloadValidationWebRTC {
		return ValidateWebRTCPayload
	}
	return nil
}

// ValidateWebRTCPayload checks that offer/answer payloads are
// RTCSessionDescriptionInit values with parseable SDP and that ice-candidate
// payloads are RTCIceCandidateInit values with a parseable candidate line.
// end and reject payloads are not inspected.
func ValidateWebRTCPayload(kind mailbox.Kind, payload json.RawMessage) error {
	switch kind {
	case mailbox.KindOffer, mailbox.KindAnswer:
		return validateSessionDescription(kind, payload)
	case mailbox.KindICECandidate:
		return validateCandidate(payload)
	default:
		return nil
	}
}

func validateSessionDescription(kind mailbox.Kind, payload json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return fmt.Errorf("invalid session description: %w", err)
	}
	want := webrtc.SDPTypeOffer
	if kind == mailbox.KindAnswer {
		want = webrtc.SDPTypeAnswer
	}
	if desc.Type != want {
		return fmt.Errorf("session description type %q does not match kind %q", desc.Type, kind)
	}
	if strings.TrimSpace(desc.SDP) == "" {
		return errors.New("missing sdp")
	}
	if _, err := desc.Unmarshal(); err != nil {
		return fmt.Errorf("invalid sdp: %w", err)
	}
	return nil
}

func validateCandidate(payload json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &init); err != nil {
		return fmt.Errorf("invalid candidate: %w", err)
	}
	// An empty candidate is the end-of-candidates marker.
	raw := strings.TrimSpace(init.Candidate)
	if raw == "" {
		return nil
	}
	if _, err := ice.UnmarshalCandidate(strings.TrimPrefix(raw, "candidate:")); err != nil {
		return fmt.Errorf("invalid candidate: %w", err)
	}
	return nil
}
