// Package identity provides the Ed25519 node identity used to sign
// PEER_ANNOUNCE payloads, and the X25519 ECDH sealing used to keep
// non-broadcast MESSAGE content opaque to relaying nodes.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

var (
	ErrInvalidPubKeySize  = errors.New("identity: invalid public key size, expected 32 bytes")
	ErrInvalidPrivKeySize = errors.New("identity: invalid private key size, expected 64 bytes")
	ErrInvalidSignature   = errors.New("identity: signature verification failed")
)

// KeyPair is a node's Ed25519 identity, used both to sign announcements
// and, after conversion to X25519, to seal private message content.
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// Generate creates a fresh Ed25519 key pair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key pair: %w", err)
	}
	return &KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// FromPrivateKey reconstructs a KeyPair from a stored 64-byte seed+public key.
func FromPrivateKey(privKey []byte) (*KeyPair, error) {
	if len(privKey) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivKeySize
	}
	priv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(priv, privKey)
	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// Sign produces an Ed25519 signature over an arbitrary message, used
// by the announce package to authenticate a PeerAnnouncement payload.
func (kp *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.PrivateKey, message)
}

// Verify checks an Ed25519 signature against a public key.
func Verify(pubKey ed25519.PublicKey, message, signature []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pubKey, message, signature)
}

// x25519FromEd25519Public converts an Ed25519 public key to its
// Montgomery (X25519) form for Diffie-Hellman.
func x25519FromEd25519Public(edPub []byte) ([]byte, error) {
	point, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return nil, fmt.Errorf("identity: invalid ed25519 public key: %w", err)
	}
	return point.BytesMontgomery(), nil
}

// x25519FromEd25519Private converts an Ed25519 private key to its
// X25519 scalar per RFC 8032: SHA-512 the seed, then clamp.
func x25519FromEd25519Private(edPriv ed25519.PrivateKey) ([]byte, error) {
	if len(edPriv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivKeySize
	}
	seed := edPriv.Seed()
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return h[:32], nil
}

// SharedSecret derives a 32-byte X25519 ECDH shared secret between
// this key pair's private key and a remote node's Ed25519 public key.
// The result is symmetric: both sides derive the same secret from
// their own private key and the other's public key.
func (kp *KeyPair) SharedSecret(remotePub ed25519.PublicKey) ([]byte, error) {
	if len(remotePub) != ed25519.PublicKeySize {
		return nil, ErrInvalidPubKeySize
	}
	localX, err := x25519FromEd25519Private(kp.PrivateKey)
	if err != nil {
		return nil, err
	}
	remoteX, err := x25519FromEd25519Public(remotePub)
	if err != nil {
		return nil, err
	}
	secret, err := curve25519.X25519(localX, remoteX)
	if err != nil {
		return nil, fmt.Errorf("identity: ecdh: %w", err)
	}
	return secret, nil
}
