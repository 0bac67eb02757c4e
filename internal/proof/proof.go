// Package proof implements proof-of-possession signatures used as per-action
// authorization tokens. A proof is an ECDSA signature over the SHA-256 digest
// of an application-chosen message, produced with a secp256k1 key derived
// deterministically from the DID's vaulted Ed25519 key material.
//
// The cross-curve derivation (hashing the Ed25519 seed into a secp256k1
// scalar) weakens the key's security margin relative to a native secp256k1
// keypair, but it keeps every existing DID and proof verifiable; see
// DESIGN.md for the tradeoff.
package proof

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	logging "github.com/ipfs/go-log/v2"

	"github.com/datamarketnetwork/dmn-server/internal/vault"
)

var log = logging.Logger("dmn-proof")

// Errors
var (
	ErrInvalidKeyMaterial = errors.New("invalid key material for proof generation")
)

// clockSkew is how far into the future an embedded timestamp may sit before
// VerifyFresh rejects it.
const clockSkew = time.Minute

// Proof is an ephemeral proof-of-possession signature. It is produced per
// call, serialized as JSON, and consumed once by the verifier.
type Proof struct {
	R       string `json:"r"`
	S       string `json:"s"`
	Message string `json:"message"`
}

// Engine generates and verifies proofs using keys from the vault.
type Engine struct {
	vault *vault.Vault
}

// NewEngine creates a proof engine backed by the given vault.
func NewEngine(v *vault.Vault) *Engine {
	return &Engine{vault: v}
}

// Message builds the canonical freshness-carrying proof message.
func Message(address, context string, now time.Time) string {
	return fmt.Sprintf("%s:%s:%d", address, context, now.Unix())
}

// Generate signs the SHA-256 digest of message with the signing key derived
// from the DID's vaulted key material and returns the serialized proof.
// vault.ErrNoKeyForDID is propagated when the DID has no stored key.
func (e *Engine) Generate(did, message string) (string, error) {
	material, err := e.vault.Retrieve(did)
	if err != nil {
		return "", err
	}

	key, err := signingKey(material)
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256([]byte(message))
	sig, err := ethcrypto.Sign(digest[:], key)
	if err != nil {
		return "", fmt.Errorf("failed to sign proof message: %w", err)
	}

	p := Proof{
		R:       "0x" + new(big.Int).SetBytes(sig[:32]).Text(16),
		S:       "0x" + new(big.Int).SetBytes(sig[32:64]).Text(16),
		Message: message,
	}
	out, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to serialize proof: %w", err)
	}

	log.Debugf("Generated proof for %s", did)
	return string(out), nil
}

// PublicKeyFor returns the uncompressed secp256k1 public key (65 bytes) that
// verifies proofs generated for the DID.
func (e *Engine) PublicKeyFor(did string) ([]byte, error) {
	material, err := e.vault.Retrieve(did)
	if err != nil {
		return nil, err
	}
	key, err := signingKey(material)
	if err != nil {
		return nil, err
	}
	return ethcrypto.FromECDSAPub(&key.PublicKey), nil
}

// Verify checks a serialized proof against a secp256k1 public key (33-byte
// compressed or 65-byte uncompressed). It returns false on any malformed
// input and never errors: a false result is an authorization denial, not an
// exceptional condition.
func Verify(proofJSON string, publicKey []byte) bool {
	p, sig, ok := decode(proofJSON)
	if !ok {
		return false
	}
	digest := sha256.Sum256([]byte(p.Message))
	return ethcrypto.VerifySignature(publicKey, digest[:], sig)
}

// VerifyFresh verifies the proof signature and additionally enforces a
// max-age window on the timestamp embedded in the canonical
// "address:context:unixTimestamp" message. A captured proof stops being
// replayable once its timestamp ages out.
func VerifyFresh(proofJSON string, publicKey []byte, maxAge time.Duration, now time.Time) bool {
	p, _, ok := decode(proofJSON)
	if !ok {
		return false
	}

	parts := strings.Split(p.Message, ":")
	if len(parts) < 3 {
		return false
	}
	ts, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return false
	}
	issued := time.Unix(ts, 0)
	if issued.After(now.Add(clockSkew)) || now.Sub(issued) > maxAge {
		return false
	}

	return Verify(proofJSON, publicKey)
}

// decode parses a serialized proof into its struct and 64-byte r||s form.
func decode(proofJSON string) (Proof, []byte, bool) {
	var p Proof
	if err := json.Unmarshal([]byte(proofJSON), &p); err != nil {
		return Proof{}, nil, false
	}

	r, okR := new(big.Int).SetString(strings.TrimPrefix(p.R, "0x"), 16)
	s, okS := new(big.Int).SetString(strings.TrimPrefix(p.S, "0x"), 16)
	if !okR || !okS || r.Sign() <= 0 || s.Sign() <= 0 || r.BitLen() > 256 || s.BitLen() > 256 {
		return Proof{}, nil, false
	}

	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return p, sig, true
}

// signingKey derives the secp256k1 signing key from vaulted Ed25519 key
// material by hashing the 32-byte seed into a scalar.
func signingKey(material []byte) (*ecdsa.PrivateKey, error) {
	if len(material) < ed25519.SeedSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKeyMaterial, len(material))
	}
	scalar := sha256.Sum256(material[:ed25519.SeedSize])
	key, err := ethcrypto.ToECDSA(scalar[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	return key, nil
}
