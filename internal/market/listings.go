package market

import (
	"database/sql"
	"fmt"
	"math/big"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// AssetKind distinguishes static content from live streams.
type AssetKind string

const (
	KindStatic AssetKind = "static"
	KindStream AssetKind = "stream"
)

// Listing is the off-chain catalog row for a marketplace asset. The ledger
// owns the authoritative ownership and price; the listing carries the
// metadata the contract has no room for.
type Listing struct {
	AssetID     uint64
	Owner       string
	Name        string
	Description string
	Price       *big.Int
	Kind        AssetKind
	ContentRef  string
	StreamID    string
	CreatedAt   time.Time
}

// ListingStore persists asset listings in SQLite.
type ListingStore struct {
	db *sql.DB
}

// OpenListingStore opens (or creates) the listings database at path.
func OpenListingStore(path string) (*ListingStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open listings database: %w", err)
	}
	ls := &ListingStore{db: db}
	if err := ls.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize listings store: %w", err)
	}
	return ls, nil
}

func (ls *ListingStore) initDB() error {
	_, err := ls.db.Exec(`
		CREATE TABLE IF NOT EXISTS listings (
			asset_id INTEGER PRIMARY KEY,
			owner TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			price TEXT NOT NULL,
			kind TEXT NOT NULL,
			content_ref TEXT,
			stream_id TEXT,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	_, err = ls.db.Exec(`CREATE INDEX IF NOT EXISTS idx_listings_owner ON listings(owner)`)
	return err
}

// Put inserts or replaces a listing.
func (ls *ListingStore) Put(l *Listing) error {
	price := "0"
	if l.Price != nil {
		price = l.Price.String()
	}
	_, err := ls.db.Exec(
		"INSERT OR REPLACE INTO listings (asset_id, owner, name, description, price, kind, content_ref, stream_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		l.AssetID, l.Owner, l.Name, l.Description, price, string(l.Kind), l.ContentRef, l.StreamID, l.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store listing %d: %w", l.AssetID, err)
	}
	return nil
}

// Get returns the listing for an asset ID.
func (ls *ListingStore) Get(assetID uint64) (*Listing, error) {
	var l Listing
	var price, kind string
	var createdAt int64

	err := ls.db.QueryRow(
		"SELECT asset_id, owner, name, description, price, kind, content_ref, stream_id, created_at FROM listings WHERE asset_id = ?",
		assetID,
	).Scan(&l.AssetID, &l.Owner, &l.Name, &l.Description, &price, &kind, &l.ContentRef, &l.StreamID, &createdAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrAssetNotFound, assetID)
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	l.Price, _ = new(big.Int).SetString(price, 10)
	l.Kind = AssetKind(kind)
	l.CreatedAt = time.Unix(createdAt, 0)
	return &l, nil
}

// Delete removes a listing.
func (ls *ListingStore) Delete(assetID uint64) error {
	_, err := ls.db.Exec("DELETE FROM listings WHERE asset_id = ?", assetID)
	return err
}

// SetOwner updates the cached owner hint for a listing.
func (ls *ListingStore) SetOwner(assetID uint64, owner string) error {
	_, err := ls.db.Exec("UPDATE listings SET owner = ? WHERE asset_id = ?", owner, assetID)
	return err
}

// List returns all listings ordered by asset ID.
func (ls *ListingStore) List() ([]*Listing, error) {
	rows, err := ls.db.Query(
		"SELECT asset_id, owner, name, description, price, kind, content_ref, stream_id, created_at FROM listings ORDER BY asset_id",
	)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var out []*Listing
	for rows.Next() {
		var l Listing
		var price, kind string
		var createdAt int64
		if err := rows.Scan(&l.AssetID, &l.Owner, &l.Name, &l.Description, &price, &kind, &l.ContentRef, &l.StreamID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan listing: %w", err)
		}
		l.Price, _ = new(big.Int).SetString(price, 10)
		l.Kind = AssetKind(kind)
		l.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &l)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (ls *ListingStore) Close() error {
	return ls.db.Close()
}
