// Package did implements did:key identifiers derived from Ed25519 key
// material. The DID string is a one-way derivation of the public key, so a
// DID can be handed out freely while the private key stays in the vault.
package did

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// Errors
var (
	ErrInvalidDID = errors.New("invalid DID")
)

const didKeyPrefix = "did:key:z"

// multicodecEd25519Pub is the varint multicodec prefix for an Ed25519
// public key (0xed), as used by the did:key method.
var multicodecEd25519Pub = []byte{0xed, 0x01}

// KeyMaterial is a freshly generated Ed25519 keypair. PrivateKey is the
// 64-byte seed||pub form and is what gets stored in the vault.
type KeyMaterial struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKey creates new Ed25519 key material.
func GenerateKey() (*KeyMaterial, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &KeyMaterial{PublicKey: pub, PrivateKey: priv}, nil
}

// FromKey derives the did:key identifier for an Ed25519 public key.
func FromKey(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: public key must be %d bytes, got %d",
			ErrInvalidDID, ed25519.PublicKeySize, len(pub))
	}

	payload := make([]byte, 0, len(multicodecEd25519Pub)+len(pub))
	payload = append(payload, multicodecEd25519Pub...)
	payload = append(payload, pub...)

	return didKeyPrefix + base58.Encode(payload), nil
}

// PublicKey recovers the Ed25519 public key embedded in a did:key string.
func PublicKey(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, didKeyPrefix) {
		return nil, fmt.Errorf("%w: %q is not a did:key identifier", ErrInvalidDID, did)
	}

	payload, err := base58.Decode(strings.TrimPrefix(did, didKeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDID, err)
	}
	if len(payload) != len(multicodecEd25519Pub)+ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: unexpected payload length %d", ErrInvalidDID, len(payload))
	}
	if payload[0] != multicodecEd25519Pub[0] || payload[1] != multicodecEd25519Pub[1] {
		return nil, fmt.Errorf("%w: unsupported key multicodec 0x%02x%02x",
			ErrInvalidDID, payload[0], payload[1])
	}

	return ed25519.PublicKey(payload[2:]), nil
}
