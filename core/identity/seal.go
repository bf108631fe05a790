package identity

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	secretSize = 32
	nonceSize  = 24
)

var (
	// ErrSealedTooShort is returned when opening a payload shorter than a nonce.
	ErrSealedTooShort = errors.New("identity: sealed content too short")
	// ErrOpenFailed is returned when sealed content does not authenticate
	// under the derived secret.
	ErrOpenFailed = errors.New("identity: sealed content did not authenticate")
	// ErrInvalidSecretSize is returned when the shared secret is not 32 bytes.
	ErrInvalidSecretSize = errors.New("identity: shared secret must be 32 bytes")
)

// Seal encrypts content with secretbox under the X25519 shared secret
// derived between two nodes, used to keep a non-broadcast MESSAGE's
// content opaque to any relay forwarding it on the originator's
// behalf. The nonce is prepended to the returned ciphertext.
func Seal(sharedSecret, content []byte) ([]byte, error) {
	key, err := sealKey(sharedSecret)
	if err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("identity: seal nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], content, &nonce, key), nil
}

// Open reverses Seal using the same shared secret.
func Open(sharedSecret, sealed []byte) ([]byte, error) {
	key, err := sealKey(sharedSecret)
	if err != nil {
		return nil, err
	}
	if len(sealed) < nonceSize {
		return nil, ErrSealedTooShort
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrOpenFailed
	}
	return plain, nil
}

func sealKey(sharedSecret []byte) (*[secretSize]byte, error) {
	if len(sharedSecret) != secretSize {
		return nil, ErrInvalidSecretSize
	}
	var key [secretSize]byte
	copy(key[:], sharedSecret)
	return &key, nil
}
