// Package secret seals provider auth tokens before they are written to the
// local database.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// Box encrypts and decrypts short secrets with a fixed 32-byte key.
type Box struct {
	key [32]byte
}

// NewBox creates a Box from a 64 character hex key
func NewBox(hexKey string) (*Box, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid secrets key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("secrets key must be 32 bytes, got %d", len(raw))
	}

	b := &Box{}
	copy(b.key[:], raw)
	return b, nil
}

// Seal encrypts plaintext. The empty string seals to the empty string so that
// unset tokens stay unset in the database.
func (b *Box) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &b.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal
func (b *Box) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed value: %w", err)
	}
	if len(data) < nonceSize+secretbox.Overhead {
		return "", errors.New("sealed value too short")
	}

	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])

	plain, ok := secretbox.Open(nil, data[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", errors.New("failed to decrypt sealed value")
	}
	return string(plain), nil
}
