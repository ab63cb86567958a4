// Package secretbox provides AES-256-GCM field-level encryption for secrets
// at rest (provider tokens, client secrets). Output format is
// base64(nonce)|base64(ciphertext).
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	nonceSize = 12 // GCM standard nonce (96 bits)
	keyLength = 32 // AES-256
	sep       = "|"
)

var (
	ErrBadKey        = errors.New("secretbox: master key must be 32 bytes")
	ErrBadCiphertext = errors.New("secretbox: malformed ciphertext")
)

// Box encrypts and decrypts short strings with a fixed master key.
type Box struct {
	key []byte
}

// New creates a Box from a base64 (std) encoded 32-byte master key.
func New(masterKeyB64 string) (*Box, error) {
	k, err := base64.StdEncoding.DecodeString(strings.TrimSpace(masterKeyB64))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	if len(k) != keyLength {
		return nil, ErrBadKey
	}
	return &Box{key: k}, nil
}

// Encrypt seals plaintext and returns base64(nonce)|base64(ciphertext).
func (b *Box) Encrypt(plaintext string) (string, error) {
	aesgcm, err := b.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secretbox: nonce: %w", err)
	}
	ct := aesgcm.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(nonce) + sep + base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt opens a value produced by Encrypt.
func (b *Box) Decrypt(value string) (string, error) {
	parts := strings.SplitN(value, sep, 2)
	if len(parts) != 2 {
		return "", ErrBadCiphertext
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return "", ErrBadCiphertext
	}
	ct, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrBadCiphertext
	}
	aesgcm, err := b.aead()
	if err != nil {
		return "", err
	}
	pt, err := aesgcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("secretbox: open: %w", err)
	}
	return string(pt), nil
}

func (b *Box) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, fmt.Errorf("secretbox: %w", err)
	}
	return cipher.NewGCM(block)
}
