// Package node composes the marketplace subsystems into one boundary: wallet
// authentication, possession proofs, the ledger gateway, the asset catalog,
// content storage, and live streams. Callers outside internal/ talk to the
// Node, never to the subsystems directly.
package node

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"

	"github.com/datamarketnetwork/dmn-server/internal/config"
	"github.com/datamarketnetwork/dmn-server/internal/content"
	"github.com/datamarketnetwork/dmn-server/internal/identity"
	"github.com/datamarketnetwork/dmn-server/internal/ledger"
	"github.com/datamarketnetwork/dmn-server/internal/market"
	"github.com/datamarketnetwork/dmn-server/internal/proof"
	"github.com/datamarketnetwork/dmn-server/internal/stream"
	"github.com/datamarketnetwork/dmn-server/internal/vault"
)

var log = logging.Logger("dmn-node")

// Errors
var (
	ErrNotAuthenticated = errors.New("wallet not authenticated")
	ErrInvalidProof     = errors.New("possession proof failed verification")
	ErrStreamsDisabled  = errors.New("stream networking disabled")
	ErrNotStream        = errors.New("asset is not a stream")
	ErrNotStatic        = errors.New("asset is not static content")
)

// Node is the marketplace boundary.
type Node struct {
	cfg *config.Config

	vault    *vault.Vault
	identity *identity.Registry
	proofs   *proof.Engine
	keyring  *ledger.Keyring
	gateway  *ledger.Gateway
	market   *market.Registry
	listings *market.ListingStore
	content  content.Store
	bus      stream.Bus
	host     host.Host

	proofMaxAge time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// New dials the configured ledger endpoint and assembles a node.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	client, err := ledger.Dial(ctx, cfg.Ledger.RPCURL)
	if err != nil {
		return nil, err
	}
	return NewWithClient(ctx, cfg, client)
}

// NewWithClient assembles a node over an existing ledger client. Stream
// networking is started only when listen addresses are configured.
func NewWithClient(ctx context.Context, cfg *config.Config, client ledger.Client) (*Node, error) {
	ctx, cancel := context.WithCancel(ctx)
	n := &Node{
		cfg:         cfg,
		proofMaxAge: cfg.Auth.ProofMaxAgeDuration(),
		ctx:         ctx,
		cancel:      cancel,
	}

	v, err := vault.Open(cfg.Vault.Path, cfg.Vault.MasterSecret)
	if err != nil {
		cancel()
		return nil, err
	}
	n.vault = v
	n.identity = identity.NewRegistry(v)
	n.proofs = proof.NewEngine(v)

	n.keyring, err = ledger.NewKeyring(cfg.Ledger.Keyring)
	if err != nil {
		cancel()
		return nil, err
	}

	if !common.IsHexAddress(cfg.Ledger.ContractAddress) {
		cancel()
		return nil, fmt.Errorf("invalid marketplace contract address: %q", cfg.Ledger.ContractAddress)
	}
	n.gateway = ledger.NewGateway(client, n.keyring, common.HexToAddress(cfg.Ledger.ContractAddress), ledger.Options{
		GasLimit:       cfg.Ledger.GasLimit,
		ConfirmTimeout: cfg.Ledger.ConfirmTimeoutDuration(),
		PollInterval:   cfg.Ledger.PollIntervalDuration(),
	})

	n.listings, err = market.OpenListingStore(cfg.Assets.DBPath)
	if err != nil {
		cancel()
		return nil, err
	}
	n.market = market.NewRegistry(n.gateway, n.listings)

	n.content, err = content.NewFSStore(cfg.Content.Path)
	if err != nil {
		n.listings.Close()
		cancel()
		return nil, err
	}

	if len(cfg.Streams.Listen) > 0 {
		bus, h, err := stream.NewBus(ctx, cfg.Streams.Listen, cfg.Streams.MaxConns, n.validateEnvelope)
		if err != nil {
			n.listings.Close()
			cancel()
			return nil, err
		}
		n.bus = bus
		n.host = h
	}

	log.Infof("Marketplace node ready (contract %s)", cfg.Ledger.ContractAddress)
	return n, nil
}

// Close shuts the node down.
func (n *Node) Close() error {
	n.cancel()
	if n.bus != nil {
		n.bus.Close()
	}
	if n.host != nil {
		n.host.Close()
	}
	return n.listings.Close()
}

// Keyring exposes the signing keyring for setup tooling.
func (n *Node) Keyring() *ledger.Keyring {
	return n.keyring
}

// Vault exposes the key vault for inspection tooling.
func (n *Node) Vault() *vault.Vault {
	return n.vault
}

// Connect opens an authentication session for a wallet and returns the nonce
// the wallet must sign.
func (n *Node) Connect(address string) (string, error) {
	return n.identity.Connect(address)
}

// Authenticate verifies a wallet's signed challenge and returns the bound
// DID plus the next nonce.
func (n *Node) Authenticate(address, signatureHex string) (string, string, error) {
	return n.identity.Authenticate(address, signatureHex)
}

// requireAuth resolves an authenticated wallet to its DID and address.
func (n *Node) requireAuth(address string) (string, common.Address, error) {
	didStr, err := n.identity.DID(address)
	if err != nil {
		return "", common.Address{}, fmt.Errorf("%w: %s", ErrNotAuthenticated, address)
	}
	return didStr, common.HexToAddress(address), nil
}

// CreateAssetRequest describes an asset to list.
type CreateAssetRequest struct {
	Name        string
	Description string
	Price       *big.Int
	Kind        market.AssetKind
	Payload     []byte // static assets: the content to store
	StreamID    string // stream assets: the stream identifier
}

// CreateAsset stores static content (if any), registers the asset on the
// ledger, and lists it. The caller must hold an authenticated session.
func (n *Node) CreateAsset(ctx context.Context, address string, req CreateAssetRequest) (*market.Listing, error) {
	_, owner, err := n.requireAuth(address)
	if err != nil {
		return nil, err
	}

	contentRef := ""
	switch req.Kind {
	case market.KindStatic:
		contentRef, err = n.content.Put(req.Payload)
		if err != nil {
			return nil, err
		}
	case market.KindStream:
		if req.StreamID == "" {
			return nil, errors.New("stream asset requires a stream id")
		}
		contentRef = stream.TopicName(req.StreamID)
	default:
		return nil, fmt.Errorf("unknown asset kind %q", req.Kind)
	}

	return n.market.Add(ctx, market.AddRequest{
		Owner:       owner,
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
		Kind:        req.Kind,
		ContentRef:  contentRef,
		StreamID:    req.StreamID,
	})
}

// Purchase buys an asset for an authenticated wallet. A fresh possession
// proof is generated from the buyer's vaulted DID key, self-verified, and
// forwarded to the contract.
func (n *Node) Purchase(ctx context.Context, address string, assetID uint64) (common.Hash, error) {
	didStr, buyer, err := n.requireAuth(address)
	if err != nil {
		return common.Hash{}, err
	}

	msg := proof.Message(address, "purchase", time.Now())
	proofJSON, err := n.proofs.Generate(didStr, msg)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to generate possession proof: %w", err)
	}
	pub, err := n.proofs.PublicKeyFor(didStr)
	if err != nil {
		return common.Hash{}, err
	}
	if !proof.VerifyFresh(proofJSON, pub, n.proofMaxAge, time.Now()) {
		return common.Hash{}, fmt.Errorf("%w: self-check for %s", ErrInvalidProof, didStr)
	}

	return n.market.Purchase(ctx, assetID, buyer, proofJSON)
}

// AccessGrant is the result of a successful asset access check.
type AccessGrant struct {
	Listing *market.Listing
	Payload []byte // static assets only
}

// AccessAsset authorizes the wallet against current ledger state and, for
// static assets, returns the content bytes.
func (n *Node) AccessAsset(ctx context.Context, address string, assetID uint64) (*AccessGrant, error) {
	_, claimant, err := n.requireAuth(address)
	if err != nil {
		return nil, err
	}

	listing, err := n.market.Access(ctx, assetID, claimant)
	if err != nil {
		return nil, err
	}

	grant := &AccessGrant{Listing: listing}
	if listing.Kind == market.KindStatic {
		grant.Payload, err = n.content.Get(listing.ContentRef)
		if err != nil {
			return nil, err
		}
	}
	return grant, nil
}

// DeleteAsset delists an asset owned by the wallet. Static content is
// removed from the store after the delisting confirms.
func (n *Node) DeleteAsset(ctx context.Context, address string, assetID uint64) error {
	_, owner, err := n.requireAuth(address)
	if err != nil {
		return err
	}

	listing, err := n.market.Get(assetID)
	if err != nil {
		return err
	}
	if err := n.market.Delete(ctx, assetID, owner); err != nil {
		return err
	}
	if listing.Kind == market.KindStatic {
		if err := n.content.Delete(listing.ContentRef); err != nil {
			log.Warnf("Asset %d delisted but content cleanup failed: %v", assetID, err)
		}
	}
	return nil
}

// WithdrawRevenue withdraws the wallet's pending sale revenue.
func (n *Node) WithdrawRevenue(ctx context.Context, address string) (common.Hash, bool, error) {
	_, addr, err := n.requireAuth(address)
	if err != nil {
		return common.Hash{}, false, err
	}
	return n.gateway.WithdrawRevenue(ctx, addr)
}

// ListAssets returns the local catalog.
func (n *Node) ListAssets() ([]*market.Listing, error) {
	return n.market.List()
}

// PublishStream publishes a payload to a stream asset the wallet owns on the
// ledger. Each envelope carries the publisher's DID and a fresh possession
// proof.
func (n *Node) PublishStream(ctx context.Context, address string, assetID uint64, payload []byte) error {
	if n.bus == nil {
		return ErrStreamsDisabled
	}
	didStr, owner, err := n.requireAuth(address)
	if err != nil {
		return err
	}

	listing, err := n.market.Access(ctx, assetID, owner)
	if err != nil {
		return err
	}
	if listing.Kind != market.KindStream {
		return fmt.Errorf("%w: asset %d", ErrNotStream, assetID)
	}

	now := time.Now()
	proofJSON, err := n.proofs.Generate(didStr, proof.Message(address, "stream:"+listing.StreamID, now))
	if err != nil {
		return fmt.Errorf("failed to generate stream proof: %w", err)
	}

	return n.bus.Publish(ctx, &stream.Envelope{
		StreamID:    listing.StreamID,
		DID:         didStr,
		Proof:       proofJSON,
		Payload:     payload,
		PublishedAt: now,
	})
}

// SubscribeStream subscribes the wallet to a stream asset it owns on the
// ledger, delivering envelopes to handler. It returns a subscription ID for
// UnsubscribeStream.
func (n *Node) SubscribeStream(ctx context.Context, address string, assetID uint64, handler stream.Handler) (string, error) {
	if n.bus == nil {
		return "", ErrStreamsDisabled
	}
	_, claimant, err := n.requireAuth(address)
	if err != nil {
		return "", err
	}

	listing, err := n.market.Access(ctx, assetID, claimant)
	if err != nil {
		return "", err
	}
	if listing.Kind != market.KindStream {
		return "", fmt.Errorf("%w: asset %d", ErrNotStream, assetID)
	}

	return n.bus.Subscribe(listing.StreamID, handler)
}

// UnsubscribeStream cancels a stream subscription.
func (n *Node) UnsubscribeStream(subID string) error {
	if n.bus == nil {
		return ErrStreamsDisabled
	}
	return n.bus.Unsubscribe(subID)
}

// validateEnvelope vets incoming stream envelopes. Signature verification
// needs the publisher's vaulted key material, so it runs only for DIDs this
// node holds; foreign envelopes are still required to carry provenance.
func (n *Node) validateEnvelope(env *stream.Envelope) error {
	if env.DID == "" || env.Proof == "" {
		return errors.New("envelope missing provenance")
	}
	if age := time.Since(env.PublishedAt); age > n.proofMaxAge || age < -time.Minute {
		return fmt.Errorf("envelope outside freshness window (%s)", age)
	}
	if pub, err := n.proofs.PublicKeyFor(env.DID); err == nil {
		if !proof.VerifyFresh(env.Proof, pub, n.proofMaxAge, time.Now()) {
			return errors.New("invalid possession proof")
		}
	}
	return nil
}
