// Package ledger implements the transaction gateway: it builds, signs,
// submits, and confirms marketplace transactions on the distributed ledger,
// decodes emitted events, and serves read-only ownership and price checks.
// The ledger is the source of truth for asset ownership; everything local is
// a cache.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("dmn-ledger")

// Errors
var (
	ErrInsufficientBalance = errors.New("insufficient balance for purchase")
	ErrExecutionFailed     = errors.New("ledger transaction execution failed")
	ErrConfirmationTimeout = errors.New("timed out waiting for transaction confirmation")
	ErrConsistency         = errors.New("ledger state inconsistent with expected outcome")
)

const (
	defaultGasLimit       = 500_000
	defaultConfirmTimeout = 90 * time.Second
	defaultPollInterval   = 500 * time.Millisecond
)

// Options tune gateway transaction behavior. Zero values take defaults.
type Options struct {
	GasLimit       uint64
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// Gateway sequences, signs, submits, and confirms ledger transactions.
//
// All submissions for one signing address are serialized so sequence numbers
// are used exactly once, in increasing order, with no gaps; submissions for
// different addresses proceed in parallel. Mutating calls are at-most-once:
// the gateway never resubmits on an ambiguous timeout, since the prior
// attempt's fate is unknown until the caller reconciles against chain state.
type Gateway struct {
	client   Client
	keyring  *Keyring
	contract common.Address

	gasLimit       uint64
	confirmTimeout time.Duration
	pollInterval   time.Duration

	chainMu sync.Mutex
	chainID *big.Int

	lockMu    sync.Mutex
	addrLocks map[common.Address]*sync.Mutex
}

// NewGateway creates a gateway for the marketplace contract at contract.
func NewGateway(client Client, keyring *Keyring, contract common.Address, opts Options) *Gateway {
	if opts.GasLimit == 0 {
		opts.GasLimit = defaultGasLimit
	}
	if opts.ConfirmTimeout == 0 {
		opts.ConfirmTimeout = defaultConfirmTimeout
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Gateway{
		client:         client,
		keyring:        keyring,
		contract:       contract,
		gasLimit:       opts.GasLimit,
		confirmTimeout: opts.ConfirmTimeout,
		pollInterval:   opts.PollInterval,
		addrLocks:      make(map[common.Address]*sync.Mutex),
	}
}

// SubmitAssetCreation registers a new asset on the ledger and returns the
// ledger-assigned asset ID decoded from the AssetAdded event. A transaction
// that mines without emitting the event is a failure: "mined but unindexed"
// is never success.
func (g *Gateway) SubmitAssetCreation(ctx context.Context, owner common.Address, contentRef string, price *big.Int) (uint64, common.Hash, error) {
	calldata, err := MarketABI.Pack("addDataAsset", contentRef, price)
	if err != nil {
		return 0, common.Hash{}, fmt.Errorf("failed to encode creation call: %w", err)
	}

	receipt, txHash, err := g.submit(ctx, owner, calldata, nil)
	if err != nil {
		return 0, txHash, err
	}

	assetID, ok := g.decodeAssetAdded(receipt)
	if !ok {
		return 0, txHash, fmt.Errorf("%w: creation tx %s mined without AssetAdded event", ErrConsistency, txHash.Hex())
	}

	log.Infof("Asset %d created by %s (tx %s)", assetID, owner.Hex(), txHash.Hex())
	return assetID, txHash, nil
}

// SubmitPurchase buys an asset. The price is re-read from the ledger
// immediately before building the transaction so a stale cached price is
// never paid, and the buyer's balance is checked client-side before any
// broadcast (no sequence number is consumed on an underfunded attempt).
func (g *Gateway) SubmitPurchase(ctx context.Context, buyer common.Address, assetID uint64, proof string) (common.Hash, error) {
	price, err := g.AssetPrice(ctx, assetID)
	if err != nil {
		return common.Hash{}, err
	}

	balance, err := g.client.BalanceAt(ctx, buyer)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to read buyer balance: %w", err)
	}
	if balance.Cmp(price) < 0 {
		return common.Hash{}, fmt.Errorf("%w: have %s, asset costs %s", ErrInsufficientBalance, balance, price)
	}

	calldata, err := MarketABI.Pack("purchaseDataAsset", new(big.Int).SetUint64(assetID), proof)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode purchase call: %w", err)
	}

	_, txHash, err := g.submit(ctx, buyer, calldata, price)
	if err != nil {
		return txHash, err
	}

	log.Infof("Asset %d purchased by %s for %s (tx %s)", assetID, buyer.Hex(), price, txHash.Hex())
	return txHash, nil
}

// SubmitRemoval delists an asset on the ledger.
func (g *Gateway) SubmitRemoval(ctx context.Context, owner common.Address, assetID uint64) (common.Hash, error) {
	calldata, err := MarketABI.Pack("removeDataAsset", new(big.Int).SetUint64(assetID))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode removal call: %w", err)
	}

	_, txHash, err := g.submit(ctx, owner, calldata, nil)
	if err != nil {
		return txHash, err
	}

	log.Infof("Asset %d removed by %s (tx %s)", assetID, owner.Hex(), txHash.Hex())
	return txHash, nil
}

// CheckOwnership asks the ledger whether claimant owns the asset.
func (g *Gateway) CheckOwnership(ctx context.Context, assetID uint64, claimant common.Address) (bool, error) {
	out, err := g.call(ctx, "checkOwnership", new(big.Int).SetUint64(assetID), claimant)
	if err != nil {
		return false, err
	}
	owns, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("%w: unexpected checkOwnership result", ErrConsistency)
	}
	return owns, nil
}

// GetOwner returns the on-chain owner of the asset.
func (g *Gateway) GetOwner(ctx context.Context, assetID uint64) (common.Address, error) {
	out, err := g.call(ctx, "getOwner", new(big.Int).SetUint64(assetID))
	if err != nil {
		return common.Address{}, err
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: unexpected getOwner result", ErrConsistency)
	}
	return owner, nil
}

// AssetPrice reads the asset's current on-chain price.
func (g *Gateway) AssetPrice(ctx context.Context, assetID uint64) (*big.Int, error) {
	out, err := g.call(ctx, "dataAssets", new(big.Int).SetUint64(assetID))
	if err != nil {
		return nil, err
	}
	price, ok := out[2].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected dataAssets result", ErrConsistency)
	}
	return price, nil
}

// WithdrawRevenue withdraws the address's pending sale revenue. When nothing
// is pending it reports nothing=true without submitting a transaction.
func (g *Gateway) WithdrawRevenue(ctx context.Context, addr common.Address) (txHash common.Hash, nothing bool, err error) {
	out, err := g.call(ctx, "pendingRevenue", addr)
	if err != nil {
		return common.Hash{}, false, err
	}
	pending, ok := out[0].(*big.Int)
	if !ok {
		return common.Hash{}, false, fmt.Errorf("%w: unexpected pendingRevenue result", ErrConsistency)
	}
	if pending.Sign() == 0 {
		log.Debugf("No revenue to withdraw for %s", addr.Hex())
		return common.Hash{}, true, nil
	}

	calldata, err := MarketABI.Pack("withdrawRevenue")
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("failed to encode withdrawal call: %w", err)
	}
	_, txHash, err = g.submit(ctx, addr, calldata, nil)
	if err != nil {
		return txHash, false, err
	}

	log.Infof("Withdrew %s revenue for %s (tx %s)", pending, addr.Hex(), txHash.Hex())
	return txHash, false, nil
}

// call executes a read-only contract method and unpacks its outputs.
func (g *Gateway) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	calldata, err := MarketABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s call: %w", method, err)
	}
	raw, err := g.client.CallContract(ctx, g.contract, calldata)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	out, err := MarketABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return out, nil
}

// submit runs the serialized fetch-sequence -> sign -> broadcast path for
// one signing address, then waits for the receipt. The per-address lock is
// released after broadcast so confirmation waits overlap while sequence
// numbers stay strictly ordered.
func (g *Gateway) submit(ctx context.Context, from common.Address, calldata []byte, value *big.Int) (*ethtypes.Receipt, common.Hash, error) {
	key, err := g.keyring.SignerFor(from)
	if err != nil {
		return nil, common.Hash{}, err
	}
	chainID, err := g.getChainID(ctx)
	if err != nil {
		return nil, common.Hash{}, err
	}
	if value == nil {
		value = new(big.Int)
	}

	lock := g.lockFor(from)
	lock.Lock()

	seq, err := g.client.SequenceNumber(ctx, from)
	if err != nil {
		lock.Unlock()
		return nil, common.Hash{}, fmt.Errorf("failed to fetch sequence number: %w", err)
	}
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		lock.Unlock()
		return nil, common.Hash{}, fmt.Errorf("failed to fetch gas price: %w", err)
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    seq,
		To:       &g.contract,
		Value:    value,
		Gas:      g.gasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		lock.Unlock()
		return nil, common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	err = g.client.SendTransaction(ctx, signed)
	lock.Unlock()
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("failed to broadcast transaction: %w", err)
	}

	txHash := signed.Hash()
	log.Debugf("Broadcast tx %s from %s (seq %d)", txHash.Hex(), from.Hex(), seq)

	receipt, err := g.waitReceipt(ctx, txHash)
	if err != nil {
		return nil, txHash, err
	}
	return receipt, txHash, nil
}

// waitReceipt polls for the transaction receipt with a bounded, cancellable
// timeout. A timeout means the transaction's fate is unknown, which is
// reported as ErrConfirmationTimeout, distinct from an observed execution
// failure.
func (g *Gateway) waitReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, g.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := g.client.TransactionReceipt(ctx, txHash)
		if err != nil {
			return nil, fmt.Errorf("failed to query receipt for %s: %w", txHash.Hex(), err)
		}
		if receipt != nil {
			if receipt.Status != ethtypes.ReceiptStatusSuccessful {
				return nil, fmt.Errorf("%w: tx %s reverted", ErrExecutionFailed, txHash.Hex())
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: tx %s", ErrConfirmationTimeout, txHash.Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// decodeAssetAdded extracts the ledger-assigned asset ID from the AssetAdded
// event in a receipt.
func (g *Gateway) decodeAssetAdded(receipt *ethtypes.Receipt) (uint64, bool) {
	eventID := MarketABI.Events["AssetAdded"].ID
	for _, l := range receipt.Logs {
		if l.Address != g.contract || len(l.Topics) < 2 || l.Topics[0] != eventID {
			continue
		}
		return new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64(), true
	}
	return 0, false
}

func (g *Gateway) getChainID(ctx context.Context) (*big.Int, error) {
	g.chainMu.Lock()
	defer g.chainMu.Unlock()
	if g.chainID != nil {
		return g.chainID, nil
	}
	id, err := g.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain id: %w", err)
	}
	g.chainID = id
	return id, nil
}

func (g *Gateway) lockFor(addr common.Address) *sync.Mutex {
	g.lockMu.Lock()
	defer g.lockMu.Unlock()
	l, ok := g.addrLocks[addr]
	if !ok {
		l = &sync.Mutex{}
		g.addrLocks[addr] = l
	}
	return l
}
