// Package auth verifies the shared service token presented by upstream callers.
package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingToken = errors.New("missing service token")
	ErrInvalidToken = errors.New("invalid service token")
)

// Verifier checks bearer tokens against a bcrypt hash. A zero Verifier accepts
// every request.
type Verifier struct {
	hash []byte
}

func NewVerifier(bcryptHash string) (*Verifier, error) {
	bcryptHash = strings.TrimSpace(bcryptHash)
	if bcryptHash == "" {
		return &Verifier{}, nil
	}
	if _, err := bcrypt.Cost([]byte(bcryptHash)); err != nil {
		return nil, fmt.Errorf("parse service token hash: %w", err)
	}
	return &Verifier{hash: []byte(bcryptHash)}, nil
}

func (v *Verifier) Enabled() bool {
	return v != nil && len(v.hash) > 0
}

// VerifyHeader validates an Authorization header value of the form "Bearer <token>".
func (v *Verifier) VerifyHeader(header string) error {
	if !v.Enabled() {
		return nil
	}
	token, ok := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return ErrMissingToken
	}
	return v.Verify(token)
}

func (v *Verifier) Verify(token string) error {
	if !v.Enabled() {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(token)); err != nil {
		return ErrInvalidToken
	}
	return nil
}

// HashServiceToken produces the value stored in SERVICE_TOKEN_HASH.
func HashServiceToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash service token: %w", err)
	}
	return string(hash), nil
}

// Fingerprint identifies a token in logs without revealing it.
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum[:6])
}
