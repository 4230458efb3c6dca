package stream

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyValidator checks client tokens against a set of bcrypt hashes, the
// the same scheme used for stored credentials rather
// than comparing plaintext secrets.
type APIKeyValidator struct {
	hashes [][]byte
}

// NewAPIKeyValidator builds a validator from a list of bcrypt hashes
// (typically loaded from config, never from plaintext keys on disk).
func NewAPIKeyValidator(bcryptHashes []string) *APIKeyValidator {
	v := &APIKeyValidator{}
	for _, h := range bcryptHashes {
		v.hashes = append(v.hashes, []byte(h))
	}
	return v
}

// Validate reports whether token matches any configured hash.
func (v *APIKeyValidator) Validate(token string) bool {
	if token == "" {
		return false
	}
	for _, h := range v.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(token)) == nil {
			return true
		}
	}
	return false
}

// HashAPIKey is the admin-side helper used to mint a new key's stored
// hash; plaintext keys are never persisted.
func HashAPIKey(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("stream: hash api key: %w", err)
	}
	return string(hash), nil
}

// staticTokenValidator is a constant-time fixed-token validator, used for
// single-operator deployments and tests where bcrypt's cost is unwanted
// overhead.
type staticTokenValidator struct {
	token []byte
}

// NewStaticTokenValidator compares tokens to a single fixed secret in
// constant time.
func NewStaticTokenValidator(token string) AuthValidator {
	return &staticTokenValidator{token: []byte(token)}
}

func (v *staticTokenValidator) Validate(token string) bool {
	if len(token) != len(v.token) {
		return false
	}
	return subtle.ConstantTimeCompare(v.token, []byte(token)) == 1
}
