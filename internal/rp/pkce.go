package rp

import (
	"crypto/sha256"
	"encoding/base64"
)

// S256Challenge derives the PKCE code challenge from a verifier:
// base64url(SHA-256(verifier)), no padding (RFC 7636 §4.2).
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
