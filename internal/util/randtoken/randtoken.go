// Package randtoken generates opaque URL-safe random tokens for state,
// nonce and PKCE verifiers.
package randtoken

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// New returns a base64url token built from n random bytes.
func New(n int) (string, error) {
	if n <= 0 {
		n = 32
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("randtoken: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// MustNew panics on entropy failure. Only for tests and init paths.
func MustNew(n int) string {
	s, err := New(n)
	if err != nil {
		panic(err)
	}
	return s
}
