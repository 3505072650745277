package signaling

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/mailbox"
)

// AuthResult carries the identity established for a request or WebSocket.
type AuthResult struct {
	// Participant is the identity the credential is bound to. Empty means the
	// caller may act as any participant (AUTH_MODE=none or api_key).
	Participant mailbox.ParticipantID
}

// Authorizer checks a request's credentials. For WebSockets, authMsg is the
// first {type:"auth"} frame, or nil when authorizing the upgrade request
// itself.
type Authorizer interface {
	Authorize(r *http.Request, authMsg *auth.WireAuthMessage) (AuthResult, error)
}

type AllowAllAuthorizer struct{}

func (AllowAllAuthorizer) Authorize(*http.Request, *auth.WireAuthMessage) (AuthResult, error) {
	return AuthResult{}, nil
}

// AuthAuthorizer enforces AUTH_MODE=none|api_key|jwt.
//
// Credential sources, in order: the WebSocket auth frame, the Authorization or
// X-API-Key header, then the apiKey/token query parameters.
type AuthAuthorizer struct {
	mode     config.AuthMode
	verifier auth.Verifier
}

func NewAuthAuthorizer(cfg config.Config) (AuthAuthorizer, error) {
	if cfg.AuthMode == config.AuthModeNone {
		return AuthAuthorizer{mode: cfg.AuthMode}, nil
	}
	v, err := auth.NewVerifier(cfg)
	if err != nil {
		return AuthAuthorizer{}, err
	}
	return AuthAuthorizer{mode: cfg.AuthMode, verifier: v}, nil
}

func (a AuthAuthorizer) Authorize(r *http.Request, authMsg *auth.WireAuthMessage) (AuthResult, error) {
	if a.mode == config.AuthModeNone {
		return AuthResult{}, nil
	}
	if a.verifier == nil {
		return AuthResult{}, errors.New("auth verifier not configured")
	}

	cred, err := a.credential(r, authMsg)
	if err != nil {
		return AuthResult{}, err
	}
	p, err := a.verifier.Verify(cred)
	if err != nil {
		return AuthResult{}, err
	}
	return AuthResult{Participant: mailbox.ParticipantID(p.Participant)}, nil
}

func (a AuthAuthorizer) credential(r *http.Request, authMsg *auth.WireAuthMessage) (string, error) {
	if authMsg != nil {
		cred, err := auth.CredentialFromAuthMessage(a.mode, *authMsg)
		if err == nil || !IsAuthMissing(err) {
			return strings.TrimSpace(cred), err
		}
	}
	return auth.CredentialFromRequest(a.mode, r)
}

// IsAuthMissing reports whether err represents missing credentials (as opposed
// to invalid credentials).
func IsAuthMissing(err error) bool {
	return errors.Is(err, auth.ErrMissingCredentials)
}

// IsUnauthorized reports whether err should be treated as an authentication failure.
func IsUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, auth.ErrMissingCredentials) || errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrUnsupportedJWT)
}

func unauthorizedMessage(err error) string {
	if err == nil || IsUnauthorized(err) {
		return "unauthorized"
	}
	return fmt.Sprintf("authorization failed: %v", err)
}
