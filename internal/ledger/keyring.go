package ledger

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrNoSigner is returned when the keyring holds no key for an address.
var ErrNoSigner = errors.New("no signing key for address")

// Keyring resolves wallet signing keys for addresses the gateway submits
// transactions from.
type Keyring struct {
	mu   sync.RWMutex
	keys map[common.Address]*ecdsa.PrivateKey
}

// NewKeyring builds a keyring from hex-encoded secp256k1 private keys. Each
// key's address is derived from the key itself, never trusted from input.
func NewKeyring(hexKeys []string) (*Keyring, error) {
	k := &Keyring{keys: make(map[common.Address]*ecdsa.PrivateKey)}
	for _, h := range hexKeys {
		if _, err := k.Add(h); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// Add parses a hex private key and registers it, returning its address.
func (k *Keyring) Add(hexKey string) (common.Address, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signing key: %w", err)
	}
	addr := ethcrypto.PubkeyToAddress(key.PublicKey)

	k.mu.Lock()
	k.keys[addr] = key
	k.mu.Unlock()
	return addr, nil
}

// SignerFor returns the private key for an address.
func (k *Keyring) SignerFor(addr common.Address) (*ecdsa.PrivateKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSigner, addr.Hex())
	}
	return key, nil
}

// Addresses lists the addresses the keyring can sign for.
func (k *Keyring) Addresses() []common.Address {
	k.mu.RLock()
	defer k.mu.RUnlock()
	addrs := make([]common.Address, 0, len(k.keys))
	for a := range k.keys {
		addrs = append(addrs, a)
	}
	return addrs
}
