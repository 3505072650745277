package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"
)

// APIKeyVerifier accepts any of a set of shared keys. Several keys are
// configured as a comma-separated list so a key can be rotated without
// disconnecting clients still holding the old one. API keys never name a
// participant.
type APIKeyVerifier struct {
	digests [][sha256.Size]byte
}

func NewAPIKeyVerifier(keys string) APIKeyVerifier {
	var v APIKeyVerifier
	for _, k := range SplitAPIKeys(keys) {
		v.digests = append(v.digests, sha256.Sum256([]byte(k)))
	}
	return v
}

// SplitAPIKeys returns the non-blank entries of a comma-separated key list.
func SplitAPIKeys(keys string) []string {
	var out []string
	for _, k := range strings.Split(keys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// Verify compares digests so neither the key length nor which configured
// key matched is observable through timing.
func (v APIKeyVerifier) Verify(apiKey string) (Principal, error) {
	if apiKey == "" || len(v.digests) == 0 {
		return Principal{}, ErrInvalidCredentials
	}
	got := sha256.Sum256([]byte(apiKey))
	match := 0
	for i := range v.digests {
		match |= subtle.ConstantTimeCompare(got[:], v.digests[i][:])
	}
	if match != 1 {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{}, nil
}
