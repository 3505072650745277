package signaling

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/session"
)

type postResponse struct {
	OK          bool              `json:"ok"`
	ID          string            `json:"id"`
	Disposition relay.Disposition `json:"disposition"`
	State       session.State     `json:"state,omitempty"`
}

type pollResponse struct {
	Messages []mailbox.Message `json:"messages"`
}

func (s *Server) handlePostSignal(w http.ResponseWriter, r *http.Request) {
	authRes, err := s.authorizer.Authorize(r, nil)
	if err != nil {
		s.incMetric(metrics.AuthFailure)
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", unauthorizedMessage(err))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxMessageBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "message_too_large", "signal exceeds the size limit")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid_message", "failed to read request body")
		return
	}

	var sub relay.Submission
	if err := decodeJSON(body, &sub); err != nil {
		s.incMetric(metrics.SignalInvalid)
		writeJSONError(w, http.StatusBadRequest, "invalid_message", "invalid JSON body: "+err.Error())
		return
	}
	sub.Principal = authRes.Participant

	// An authenticated caller is limited on its own identity and may not spend
	// another participant's budget by claiming its from. Without a principal
	// the claimed sender is the only key there is.
	limitKey := string(sub.From)
	if sub.Principal != "" {
		if sub.From != sub.Principal {
			status, code, msg := submissionError(relay.ErrForbiddenSender)
			writeJSONError(w, status, code, msg)
			return
		}
		limitKey = string(sub.Principal)
	}
	if !s.senders.Allow(limitKey) {
		s.incMetric(metrics.DropReasonRateLimited)
		writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return
	}

	res, err := s.relay.Post(r.Context(), sub)
	if err != nil {
		status, code, msg := submissionError(err)
		writeJSONError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusAccepted, postResponse{
		OK:          true,
		ID:          res.ID,
		Disposition: res.Disposition,
		State:       res.State,
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	participant := mailbox.ParticipantID(r.PathValue("participant"))
	if err := relay.ValidateParticipantID(participant); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_participant", err.Error())
		return
	}

	timeout, err := s.pollTimeout(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_timeout", err.Error())
		return
	}

	authRes, err := s.authorizer.Authorize(r, nil)
	if err != nil {
		s.incMetric(metrics.AuthFailure)
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", unauthorizedMessage(err))
		return
	}
	if authRes.Participant != "" && authRes.Participant != participant {
		writeJSONError(w, http.StatusForbidden, "forbidden_participant", "credential is not valid for this participant")
		return
	}

	msgs, err := s.relay.Poll(r.Context(), participant, timeout)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The client went away; nobody is left to answer.
			return
		}
		status, code, msg := submissionError(err)
		writeJSONError(w, status, code, msg)
		return
	}
	if msgs == nil {
		msgs = []mailbox.Message{}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, pollResponse{Messages: msgs})
}

// pollTimeout reads timeoutMs. Values above the relay's maximum are clamped to
// it; 0 returns whatever is queued without waiting.
func (s *Server) pollTimeout(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("timeoutMs")
	if raw == "" {
		return s.pollDefaultTimeout, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return 0, errors.New("timeoutMs must be a non-negative integer")
	}
	if limit := s.relay.Pull().MaxTimeout(); limit > 0 && ms > limit.Milliseconds() {
		return limit, nil
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// submissionError maps relay errors to HTTP status and wire error codes. The
// WebSocket transport reuses the codes.
func submissionError(err error) (status int, code, message string) {
	switch {
	case errors.Is(err, relay.ErrInvalidMessage):
		return http.StatusBadRequest, "invalid_message", err.Error()
	case errors.Is(err, relay.ErrForbiddenSender):
		return http.StatusForbidden, "forbidden_sender", "from does not match the authenticated participant"
	case errors.Is(err, session.ErrTooManySessions):
		return http.StatusServiceUnavailable, "too_many_sessions", "too many active sessions"
	case errors.Is(err, relay.ErrClosed):
		return http.StatusServiceUnavailable, "shutting_down", "relay is shutting down"
	default:
		return http.StatusInternalServerError, "internal_error", "internal error"
	}
}
