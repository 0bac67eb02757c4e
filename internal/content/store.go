// Package content provides content-addressed storage for static asset
// payloads. Payloads are keyed by CIDv1 over their raw bytes, so a content
// reference recorded in a listing always resolves to exactly the bytes that
// were listed.
package content

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	mh "github.com/multiformats/go-multihash"
)

var log = logging.Logger("dmn-content")

// ErrNotFound is returned when no payload exists for a CID.
var ErrNotFound = errors.New("content not found")

// Store persists and retrieves content-addressed payloads.
type Store interface {
	// Put stores data and returns its CID string.
	Put(data []byte) (string, error)
	// Get returns the payload for a CID string.
	Get(ref string) ([]byte, error)
	// Has reports whether a payload exists for a CID string.
	Has(ref string) bool
	// Delete removes the payload for a CID string. Deleting absent content
	// is a no-op.
	Delete(ref string) error
}

// FSStore keeps one file per CID under a root directory.
type FSStore struct {
	root string
}

// NewFSStore creates (if needed) and opens a filesystem content store.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create content directory: %w", err)
	}
	return &FSStore{root: root}, nil
}

// CIDFor computes the CIDv1 (raw codec, sha2-256) for a payload.
func CIDFor(data []byte) (cid.Cid, error) {
	hash := sha256.Sum256(data)
	multihash, err := mh.Encode(hash[:], mh.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, multihash), nil
}

// Put stores data under its CID. Storing the same bytes twice is a no-op.
func (s *FSStore) Put(data []byte) (string, error) {
	c, err := CIDFor(data)
	if err != nil {
		return "", err
	}
	ref := c.String()

	path := filepath.Join(s.root, ref)
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write content: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize content: %w", err)
	}

	log.Debugf("Stored %d bytes as %s", len(data), ref)
	return ref, nil
}

// Get returns the payload for a CID string, verifying the bytes still match
// the CID before returning them.
func (s *FSStore) Get(ref string) ([]byte, error) {
	c, err := cid.Decode(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid content reference %q: %w", ref, err)
	}

	data, err := os.ReadFile(filepath.Join(s.root, c.String()))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}

	got, err := CIDFor(data)
	if err != nil {
		return nil, err
	}
	if !got.Equals(c) {
		return nil, fmt.Errorf("content for %s failed verification (got %s)", ref, got)
	}
	return data, nil
}

// Has reports whether a payload exists for a CID string.
func (s *FSStore) Has(ref string) bool {
	c, err := cid.Decode(ref)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(s.root, c.String()))
	return err == nil
}

// Delete removes the payload for a CID string.
func (s *FSStore) Delete(ref string) error {
	c, err := cid.Decode(ref)
	if err != nil {
		return fmt.Errorf("invalid content reference %q: %w", ref, err)
	}
	err = os.Remove(filepath.Join(s.root, c.String()))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete content: %w", err)
	}
	return nil
}
