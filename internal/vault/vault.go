// Package vault provides the encrypted-at-rest key vault mapping DIDs to
// their private key material. Entries are sealed with AES-256-GCM under a
// key derived from the vault master secret via Argon2id, and the full map is
// persisted to disk on every write.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/crypto/argon2"
)

var log = logging.Logger("dmn-vault")

// Errors
var (
	ErrNoKeyForDID = errors.New("no key stored for DID")
	ErrEncryption  = errors.New("failed to encrypt key material")
	ErrDecryption  = errors.New("failed to decrypt key material - wrong master secret?")
	ErrCorruptFile = errors.New("vault file is corrupt")
)

const (
	// Argon2id parameters for deriving the vault cipher key.
	argon2Time    = 3
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32

	saltSize  = 32
	nonceSize = 12

	vaultVersion = 1
)

// entry is one sealed key, base64 in the persisted JSON file.
type entry struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// fileFormat is the persisted vault layout. The salt is generated once per
// vault and reused so the cipher key derivation is stable across restarts.
type fileFormat struct {
	Version int              `json:"version"`
	Salt    string           `json:"salt"`
	Entries map[string]entry `json:"entries"`
}

// Vault is an encrypted DID -> private key store backed by a single file.
type Vault struct {
	mu      sync.Mutex
	path    string
	key     []byte // derived cipher key
	salt    []byte
	entries map[string]entry
}

// Open loads the vault at path, creating an empty one if the file does not
// exist. The master secret never touches disk; only the derived-key salt is
// persisted.
func Open(path, masterSecret string) (*Vault, error) {
	v := &Vault{
		path:    path,
		entries: make(map[string]entry),
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		v.salt = make([]byte, saltSize)
		if _, err := rand.Read(v.salt); err != nil {
			return nil, fmt.Errorf("failed to generate vault salt: %w", err)
		}
		log.Infof("Created new key vault at %s", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read vault file: %w", err)
	default:
		var f fileFormat
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
		}
		if f.Version != vaultVersion {
			return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptFile, f.Version)
		}
		v.salt, err = base64.StdEncoding.DecodeString(f.Salt)
		if err != nil || len(v.salt) != saltSize {
			return nil, fmt.Errorf("%w: bad salt", ErrCorruptFile)
		}
		if f.Entries != nil {
			v.entries = f.Entries
		}
		log.Infof("Loaded key vault with %d entries", len(v.entries))
	}

	v.key = argon2.IDKey([]byte(masterSecret), v.salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return v, nil
}

// Store seals keyMaterial for did and persists the full vault map. A second
// Store for the same DID replaces the previous entry.
func (v *Vault) Store(did string, keyMaterial []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	// The DID is bound as additional data so a ciphertext cannot be
	// silently remapped to a different DID in the vault file.
	sealed := gcm.Seal(nil, nonce, keyMaterial, []byte(did))

	v.entries[did] = entry{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}

	if err := v.persist(); err != nil {
		delete(v.entries, did)
		return err
	}

	log.Debugf("Stored key material for %s", did)
	return nil
}

// Retrieve decrypts and returns the key material for did.
func (v *Vault) Retrieve(did string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.entries[did]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoKeyForDID, did)
	}

	nonce, err := base64.StdEncoding.DecodeString(e.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: bad nonce encoding", ErrDecryption)
	}
	sealed, err := base64.StdEncoding.DecodeString(e.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext encoding", ErrDecryption)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, []byte(did))
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// Has reports whether a key is stored for did.
func (v *Vault) Has(did string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.entries[did]
	return ok
}

// DIDs returns the stored DIDs in sorted order.
func (v *Vault) DIDs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	dids := make([]string, 0, len(v.entries))
	for did := range v.entries {
		dids = append(dids, did)
	}
	sort.Strings(dids)
	return dids
}

// persist writes the full vault map to disk as an all-or-nothing overwrite.
// Caller must hold v.mu.
func (v *Vault) persist() error {
	f := fileFormat{
		Version: vaultVersion,
		Salt:    base64.StdEncoding.EncodeToString(v.salt),
		Entries: v.entries,
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal vault: %w", err)
	}

	if dir := filepath.Dir(v.path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create vault directory: %w", err)
		}
	}

	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write vault file: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		return fmt.Errorf("failed to replace vault file: %w", err)
	}
	return nil
}
