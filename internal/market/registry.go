// Package market maintains the off-chain asset catalog and mediates every
// catalog mutation through the ledger. On-chain state is authoritative for
// ownership; local rows are descriptive metadata and hints only.
package market

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("dmn-market")

// Errors
var (
	ErrAssetNotFound     = errors.New("asset not found")
	ErrOwnershipMismatch = errors.New("caller does not own asset on ledger")
	ErrConsistency       = errors.New("ledger state inconsistent with catalog")
	ErrNotPurchasable    = errors.New("stream assets are subscribed, not purchased")
)

// Gateway is the slice of the transaction gateway the registry drives.
type Gateway interface {
	SubmitAssetCreation(ctx context.Context, owner common.Address, contentRef string, price *big.Int) (uint64, common.Hash, error)
	SubmitPurchase(ctx context.Context, buyer common.Address, assetID uint64, proof string) (common.Hash, error)
	SubmitRemoval(ctx context.Context, owner common.Address, assetID uint64) (common.Hash, error)
	CheckOwnership(ctx context.Context, assetID uint64, claimant common.Address) (bool, error)
	GetOwner(ctx context.Context, assetID uint64) (common.Address, error)
}

// Registry couples the listing catalog to the ledger gateway. Every write to
// the catalog is gated on a confirmed ledger transaction, and every access
// decision re-reads ownership from the ledger.
type Registry struct {
	gateway  Gateway
	listings *ListingStore
}

// NewRegistry creates a registry over a listing store and gateway.
func NewRegistry(gateway Gateway, listings *ListingStore) *Registry {
	return &Registry{gateway: gateway, listings: listings}
}

// AddRequest describes a new asset to register.
type AddRequest struct {
	Owner       common.Address
	Name        string
	Description string
	Price       *big.Int
	Kind        AssetKind
	ContentRef  string
	StreamID    string
}

// Add registers an asset on the ledger and, only after the creation is
// confirmed and the on-chain owner reads back as the caller, records the
// listing locally. A mined creation whose owner does not match is reported
// as ErrConsistency and leaves the catalog untouched.
func (r *Registry) Add(ctx context.Context, req AddRequest) (*Listing, error) {
	assetID, txHash, err := r.gateway.SubmitAssetCreation(ctx, req.Owner, req.ContentRef, req.Price)
	if err != nil {
		return nil, err
	}

	owner, err := r.gateway.GetOwner(ctx, assetID)
	if err != nil {
		return nil, fmt.Errorf("failed to read back owner for asset %d: %w", assetID, err)
	}
	if owner != req.Owner {
		return nil, fmt.Errorf("%w: asset %d created by tx %s but ledger owner is %s",
			ErrConsistency, assetID, txHash.Hex(), owner.Hex())
	}

	listing := &Listing{
		AssetID:     assetID,
		Owner:       strings.ToLower(req.Owner.Hex()),
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
		Kind:        req.Kind,
		ContentRef:  req.ContentRef,
		StreamID:    req.StreamID,
		CreatedAt:   time.Now(),
	}
	if err := r.listings.Put(listing); err != nil {
		return nil, err
	}

	log.Infof("Listed asset %d (%s) for %s", assetID, listing.Name, listing.Owner)
	return listing, nil
}

// Get returns the local listing for an asset.
func (r *Registry) Get(assetID uint64) (*Listing, error) {
	return r.listings.Get(assetID)
}

// List returns all local listings.
func (r *Registry) List() ([]*Listing, error) {
	return r.listings.List()
}

// Access authorizes claimant to consume an asset. Ownership is read fresh
// from the ledger on every call; the cached owner column is never consulted
// for the decision.
func (r *Registry) Access(ctx context.Context, assetID uint64, claimant common.Address) (*Listing, error) {
	listing, err := r.listings.Get(assetID)
	if err != nil {
		return nil, err
	}

	owns, err := r.gateway.CheckOwnership(ctx, assetID, claimant)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ownership of asset %d: %w", assetID, err)
	}
	if !owns {
		return nil, fmt.Errorf("%w: asset %d, claimant %s", ErrOwnershipMismatch, assetID, claimant.Hex())
	}
	return listing, nil
}

// Purchase buys an asset for buyer. The possession proof is forwarded to the
// contract. On confirmation the cached owner hint is refreshed from the
// ledger; a hint refresh failure is logged but does not fail the purchase,
// since the ledger transfer already happened.
func (r *Registry) Purchase(ctx context.Context, assetID uint64, buyer common.Address, proof string) (common.Hash, error) {
	listing, err := r.listings.Get(assetID)
	if err != nil {
		return common.Hash{}, err
	}
	if listing.Kind == KindStream {
		return common.Hash{}, fmt.Errorf("%w: asset %d", ErrNotPurchasable, assetID)
	}

	txHash, err := r.gateway.SubmitPurchase(ctx, buyer, assetID, proof)
	if err != nil {
		return txHash, err
	}

	owner, err := r.gateway.GetOwner(ctx, assetID)
	if err != nil {
		log.Warnf("Purchase of asset %d confirmed but owner refresh failed: %v", assetID, err)
		return txHash, nil
	}
	if err := r.listings.SetOwner(assetID, strings.ToLower(owner.Hex())); err != nil {
		log.Warnf("Failed to update owner hint for asset %d: %v", assetID, err)
	}
	return txHash, nil
}

// Delete delists an asset. The caller must match both the local listing and
// the current ledger owner; the local row is removed only after the removal
// transaction confirms.
func (r *Registry) Delete(ctx context.Context, assetID uint64, caller common.Address) error {
	listing, err := r.listings.Get(assetID)
	if err != nil {
		return err
	}
	if listing.Owner != strings.ToLower(caller.Hex()) {
		return fmt.Errorf("%w: asset %d listed for %s", ErrOwnershipMismatch, assetID, listing.Owner)
	}

	owner, err := r.gateway.GetOwner(ctx, assetID)
	if err != nil {
		return fmt.Errorf("failed to verify owner of asset %d: %w", assetID, err)
	}
	if owner != caller {
		return fmt.Errorf("%w: asset %d, caller %s, ledger owner %s",
			ErrOwnershipMismatch, assetID, caller.Hex(), owner.Hex())
	}

	txHash, err := r.gateway.SubmitRemoval(ctx, caller, assetID)
	if err != nil {
		return err
	}
	if err := r.listings.Delete(assetID); err != nil {
		return fmt.Errorf("removal tx %s confirmed but local delete failed: %w", txHash.Hex(), err)
	}

	log.Infof("Delisted asset %d (tx %s)", assetID, txHash.Hex())
	return nil
}
