package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

// maxJWTLen bounds tokens before any decoding; real signaling tokens are a
// few hundred bytes.
const maxJWTLen = 8 * 1024

// signalClaims binds a token to a participant through "sub", or "id" for
// issuers that predate it.
type signalClaims struct {
	jwt.RegisteredClaims
	Participant string `json:"id,omitempty"`
}

func (c signalClaims) participant() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.Participant
}

// JWTVerifier accepts HS256 tokens with an exp claim signed by a shared
// secret.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), now: time.Now}
}

func (v *JWTVerifier) Verify(token string) (Principal, error) {
	if token == "" || len(token) > maxJWTLen {
		return Principal{}, ErrInvalidCredentials
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	var claims signalClaims
	_, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenSignatureInvalid) && isAlgMismatch(token):
		return Principal{}, ErrUnsupportedJWT
	default:
		return Principal{}, ErrInvalidCredentials
	}

	p := claims.participant()
	if p == "" {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{Participant: p}, nil
}

// isAlgMismatch reports whether the token is well formed but signed with an
// algorithm other than HS256.
func isAlgMismatch(token string) bool {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false
	}
	return parsed.Method.Alg() != jwt.SigningMethodHS256.Alg()
}
