// Package identity implements nonce-based wallet authentication and DID
// binding. A wallet connects, receives a single-use challenge nonce, and
// authenticates by signing the challenge with its wallet key; the first
// successful authentication lazily creates and binds a DID whose private key
// lives in the vault.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	logging "github.com/ipfs/go-log/v2"

	"github.com/datamarketnetwork/dmn-server/internal/did"
	"github.com/datamarketnetwork/dmn-server/internal/vault"
)

var log = logging.Logger("dmn-identity")

// Errors
var (
	ErrInvalidAddress       = errors.New("invalid wallet address")
	ErrNotConnected         = errors.New("wallet not connected")
	ErrAuthenticationFailed = errors.New("wallet authentication failed")
)

const nonceBytes = 32 // 256 bits of entropy per challenge

// challengeTemplate is the canonical challenge string the wallet signs.
const challengeTemplate = "Authenticate to Data Marketplace with nonce: %s"

// Session tracks one wallet's authentication state.
type Session struct {
	Address       string
	Nonce         string
	Authenticated bool
	DID           string // empty until first successful authentication
}

// Registry is the wallet session state machine. The authenticate
// check-then-rotate sequence runs under a single mutex so two concurrent
// attempts against the same nonce cannot both succeed.
type Registry struct {
	mu       sync.Mutex
	vault    *vault.Vault
	sessions map[string]*Session // keyed by lowercase address
}

// NewRegistry creates a registry backed by the given vault.
func NewRegistry(v *vault.Vault) *Registry {
	return &Registry{
		vault:    v,
		sessions: make(map[string]*Session),
	}
}

// Challenge returns the canonical challenge string for a nonce. Exposed so
// wallets (and tests) construct exactly the message the registry verifies.
func Challenge(nonce string) string {
	return fmt.Sprintf(challengeTemplate, nonce)
}

// Connect validates the wallet address, issues a fresh challenge nonce, and
// stores an unauthenticated session. Reconnecting resets the session.
func (r *Registry) Connect(address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	nonce, err := newNonce()
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.sessions[strings.ToLower(address)] = &Session{
		Address: address,
		Nonce:   nonce,
	}
	r.mu.Unlock()

	log.Debugf("Wallet connected: %s", address)
	return nonce, nil
}

// Authenticate verifies a wallet signature over the current challenge. On
// success the session is marked authenticated, a DID is bound (created on
// first success), and the nonce is rotated so the signature cannot be
// replayed. On failure the nonce is left unchanged so the wallet may retry.
func (r *Registry) Authenticate(address, signatureHex string) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[strings.ToLower(address)]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrNotConnected, address)
	}

	recovered, err := recoverSigner(Challenge(s.Nonce), signatureHex)
	if err != nil {
		log.Warnf("Authentication failed for %s: %v", address, err)
		return "", "", fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	if !strings.EqualFold(recovered.Hex(), address) {
		log.Warnf("Authentication failed for %s: signer mismatch (recovered %s)", address, recovered.Hex())
		return "", "", fmt.Errorf("%w: signature does not match address", ErrAuthenticationFailed)
	}

	s.Authenticated = true

	// Bind a DID on first successful authentication; immutable thereafter.
	if s.DID == "" {
		boundDID, err := r.createDID()
		if err != nil {
			return "", "", err
		}
		s.DID = boundDID
		log.Infof("Bound DID %s to wallet %s", boundDID, address)
	}

	// Rotate the nonce so the signature just presented can never be
	// replayed for a second authentication.
	newNonceVal, err := newNonce()
	if err != nil {
		return "", "", err
	}
	s.Nonce = newNonceVal

	log.Infof("Wallet authenticated: %s", address)
	return s.DID, s.Nonce, nil
}

// Authenticated reports whether the wallet has an authenticated session.
func (r *Registry) Authenticated(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[strings.ToLower(address)]
	return ok && s.Authenticated
}

// DID returns the DID bound to an authenticated wallet.
func (r *Registry) DID(address string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[strings.ToLower(address)]
	if !ok || !s.Authenticated {
		return "", fmt.Errorf("%w: %s", ErrNotConnected, address)
	}
	return s.DID, nil
}

// Session returns a copy of the wallet's session, if any.
func (r *Registry) Session(address string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[strings.ToLower(address)]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// createDID generates key material, stores it in the vault, and returns the
// derived DID. Caller must hold r.mu.
func (r *Registry) createDID() (string, error) {
	km, err := did.GenerateKey()
	if err != nil {
		return "", err
	}
	id, err := did.FromKey(km.PublicKey)
	if err != nil {
		return "", err
	}
	if err := r.vault.Store(id, km.PrivateKey); err != nil {
		return "", err
	}
	return id, nil
}

// recoverSigner recovers the wallet address from a 65-byte recoverable
// secp256k1 signature over the EIP-191 personal-message hash of msg.
func recoverSigner(msg, signatureHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("signature is not valid hex: %v", err)
	}
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d",
			ethcrypto.SignatureLength, len(sig))
	}

	// Wallets emit V as 27/28; recovery wants 0/1.
	if sig[ethcrypto.RecoveryIDOffset] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[ethcrypto.RecoveryIDOffset] -= 27
	}

	hash := personalMessageHash(msg)
	pub, err := ethcrypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("signature recovery failed: %v", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// personalMessageHash hashes msg per the EIP-191 personal-sign convention.
func personalMessageHash(msg string) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)
	return ethcrypto.Keccak256([]byte(prefixed))
}

func newNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
