// Package auth verifies the credentials signaling clients present and maps
// them to the participant they may act as.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Principal is an authenticated caller. Participant is empty when the
// credential does not name one (API keys are shared by all participants).
type Principal struct {
	Participant string
}

type Verifier interface {
	Verify(credential string) (Principal, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeAPIKey:
		return NewAPIKeyVerifier(cfg.APIKey), nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromRequest extracts a credential from headers or the query
// string. Each mode accepts the other's transport as an alias so clients can
// keep one code path: Authorization (Bearer or ApiKey), X-API-Key, then the
// apiKey/token query parameters.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey, config.AuthModeJWT:
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
	if cred := credentialFromAuthorization(r.Header.Get("Authorization")); cred != "" {
		return cred, nil
	}
	if cred := strings.TrimSpace(r.Header.Get("X-API-Key")); cred != "" {
		return cred, nil
	}
	return CredentialFromQuery(mode, r.URL.Query())
}

func credentialFromAuthorization(header string) string {
	scheme, value, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok {
		return ""
	}
	switch strings.ToLower(scheme) {
	case "bearer", "apikey":
		return strings.TrimSpace(value)
	default:
		return ""
	}
}

func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	primary, alias := "apiKey", "token"
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
	case config.AuthModeJWT:
		primary, alias = alias, primary
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
	if cred := q.Get(primary); cred != "" {
		return cred, nil
	}
	if cred := q.Get(alias); cred != "" {
		return cred, nil
	}
	return "", ErrMissingCredentials
}

// WireAuthMessage is the first-frame auth message on the signaling WebSocket.
type WireAuthMessage struct {
	Type   string `json:"type" msgpack:"type"`
	APIKey string `json:"apiKey,omitempty" msgpack:"apiKey,omitempty"`
	Token  string `json:"token,omitempty" msgpack:"token,omitempty"`
}

func CredentialFromAuthMessage(mode config.AuthMode, msg WireAuthMessage) (string, error) {
	switch mode {
	case config.AuthModeAPIKey:
		if msg.APIKey != "" {
			return msg.APIKey, nil
		}
		if msg.Token != "" {
			return msg.Token, nil
		}
		return "", ErrMissingCredentials
	case config.AuthModeJWT:
		if msg.Token != "" {
			return msg.Token, nil
		}
		if msg.APIKey != "" {
			return msg.APIKey, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}
