package node

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/datamarketnetwork/dmn-server/internal/config"
	"github.com/datamarketnetwork/dmn-server/internal/identity"
	"github.com/datamarketnetwork/dmn-server/internal/ledger"
	"github.com/datamarketnetwork/dmn-server/internal/market"
)

var chainID = big.NewInt(1337)

type chainAsset struct {
	owner common.Address
	ref   string
	price *big.Int
}

// fakeChain is an in-memory ledger that executes marketplace calldata.
type fakeChain struct {
	mu sync.Mutex

	contract common.Address
	assets   map[uint64]*chainAsset
	nextID   uint64
	balances map[common.Address]*big.Int
	revenue  map[common.Address]*big.Int
	sent     []*ethtypes.Transaction
	receipts map[common.Hash]*ethtypes.Receipt
}

func newFakeChain(contract common.Address) *fakeChain {
	return &fakeChain{
		contract: contract,
		assets:   make(map[uint64]*chainAsset),
		nextID:   1,
		balances: make(map[common.Address]*big.Int),
		revenue:  make(map[common.Address]*big.Int),
		receipts: make(map[common.Hash]*ethtypes.Receipt),
	}
}

func (f *fakeChain) balanceOf(addr common.Address) *big.Int {
	if b, ok := f.balances[addr]; ok {
		return b
	}
	return big.NewInt(0)
}

func (f *fakeChain) SequenceNumber(ctx context.Context, addr common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	signer := ethtypes.LatestSignerForChainID(chainID)
	var n uint64
	for _, tx := range f.sent {
		if from, err := ethtypes.Sender(signer, tx); err == nil && from == addr {
			n++
		}
	}
	return n, nil
}

func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeChain) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balanceOf(addr)), nil
}

func (f *fakeChain) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	method, err := ledger.MarketABI.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "dataAssets":
		a := f.assets[args[0].(*big.Int).Uint64()]
		if a == nil {
			return method.Outputs.Pack(common.Address{}, "", big.NewInt(0), false)
		}
		return method.Outputs.Pack(a.owner, a.ref, a.price, true)
	case "checkOwnership":
		a := f.assets[args[0].(*big.Int).Uint64()]
		return method.Outputs.Pack(a != nil && a.owner == args[1].(common.Address))
	case "getOwner":
		a := f.assets[args[0].(*big.Int).Uint64()]
		if a == nil {
			return method.Outputs.Pack(common.Address{})
		}
		return method.Outputs.Pack(a.owner)
	case "pendingRevenue":
		r := f.revenue[args[0].(common.Address)]
		if r == nil {
			r = big.NewInt(0)
		}
		return method.Outputs.Pack(r)
	}
	return nil, fmt.Errorf("unexpected call: %s", method.Name)
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(chainID), tx)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, tx)

	receipt := &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful, TxHash: tx.Hash()}
	method, err := ledger.MarketABI.MethodById(tx.Data()[:4])
	if err != nil {
		return err
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		return err
	}

	switch method.Name {
	case "addDataAsset":
		id := f.nextID
		f.nextID++
		f.assets[id] = &chainAsset{owner: from, ref: args[0].(string), price: args[1].(*big.Int)}
		ev := ledger.MarketABI.Events["AssetAdded"]
		evData, _ := ev.Inputs.NonIndexed().Pack(f.assets[id].price)
		receipt.Logs = []*ethtypes.Log{{
			Address: f.contract,
			Topics: []common.Hash{
				ev.ID,
				common.BigToHash(new(big.Int).SetUint64(id)),
				common.BytesToHash(from.Bytes()),
			},
			Data: evData,
		}}
	case "purchaseDataAsset":
		id := args[0].(*big.Int).Uint64()
		a := f.assets[id]
		if a == nil || tx.Value().Cmp(a.price) < 0 {
			receipt.Status = ethtypes.ReceiptStatusFailed
			break
		}
		f.revenue[a.owner] = new(big.Int).Add(f.revenue[a.owner], tx.Value())
		f.balances[from] = new(big.Int).Sub(f.balanceOf(from), tx.Value())
		a.owner = from
	case "removeDataAsset":
		delete(f.assets, args[0].(*big.Int).Uint64())
	case "withdrawRevenue":
		delete(f.revenue, from)
	}

	f.receipts[tx.Hash()] = receipt
	return nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipts[hash], nil
}

func (f *fakeChain) ChainID(ctx context.Context) (*big.Int, error) {
	return chainID, nil
}

// wallet bundles a secp256k1 key with its address for test scenarios.
type wallet struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newWallet(t *testing.T) wallet {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return wallet{key: key, addr: ethcrypto.PubkeyToAddress(key.PublicKey)}
}

func (w wallet) signChallenge(t *testing.T, nonce string) string {
	t.Helper()
	msg := identity.Challenge(nonce)
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)
	sig, err := ethcrypto.Sign(ethcrypto.Keccak256([]byte(prefixed)), w.key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sig[64] += 27
	return hex.EncodeToString(sig)
}

func newTestNode(t *testing.T, chain *fakeChain, wallets ...wallet) *Node {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Ledger.ContractAddress = chain.contract.Hex()
	cfg.Ledger.ConfirmTimeout = "2s"
	cfg.Ledger.PollInterval = "5ms"
	cfg.Vault.Path = filepath.Join(dir, "vault.json")
	cfg.Vault.MasterSecret = "test-secret"
	cfg.Assets.DBPath = filepath.Join(dir, "assets.db")
	cfg.Content.Path = filepath.Join(dir, "content")
	cfg.Streams.Listen = nil
	for _, w := range wallets {
		cfg.Ledger.Keyring = append(cfg.Ledger.Keyring, hex.EncodeToString(ethcrypto.FromECDSA(w.key)))
	}

	n, err := NewWithClient(context.Background(), cfg, chain)
	if err != nil {
		t.Fatalf("NewWithClient: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func authenticate(t *testing.T, n *Node, w wallet) string {
	t.Helper()
	nonce, err := n.Connect(w.addr.Hex())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	did, _, err := n.Authenticate(w.addr.Hex(), w.signChallenge(t, nonce))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	return did
}

func TestUnauthenticatedCallsRejected(t *testing.T) {
	t.Parallel()

	chain := newFakeChain(common.HexToAddress("0xc0ffee"))
	w := newWallet(t)
	n := newTestNode(t, chain, w)

	_, err := n.CreateAsset(context.Background(), w.addr.Hex(), CreateAssetRequest{Name: "x", Price: big.NewInt(1), Kind: market.KindStatic})
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if _, err := n.AccessAsset(context.Background(), w.addr.Hex(), 1); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestCreateAndAccessStaticAsset(t *testing.T) {
	t.Parallel()

	chain := newFakeChain(common.HexToAddress("0xc0ffee"))
	w := newWallet(t)
	n := newTestNode(t, chain, w)
	authenticate(t, n, w)

	payload := []byte("ephemeris batch 2026-08-30")
	listing, err := n.CreateAsset(context.Background(), w.addr.Hex(), CreateAssetRequest{
		Name:    "ephemeris",
		Price:   big.NewInt(50),
		Kind:    market.KindStatic,
		Payload: payload,
	})
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}
	if listing.AssetID != 1 || listing.ContentRef == "" {
		t.Fatalf("unexpected listing: %+v", listing)
	}

	grant, err := n.AccessAsset(context.Background(), w.addr.Hex(), listing.AssetID)
	if err != nil {
		t.Fatalf("AccessAsset: %v", err)
	}
	if string(grant.Payload) != string(payload) {
		t.Fatalf("payload mismatch: %q", grant.Payload)
	}
}

func TestPurchaseTransfersAccess(t *testing.T) {
	t.Parallel()

	chain := newFakeChain(common.HexToAddress("0xc0ffee"))
	seller, buyer := newWallet(t), newWallet(t)
	n := newTestNode(t, chain, seller, buyer)
	authenticate(t, n, seller)
	authenticate(t, n, buyer)
	chain.balances[buyer.addr] = big.NewInt(1000)

	listing, err := n.CreateAsset(context.Background(), seller.addr.Hex(), CreateAssetRequest{
		Name:    "dataset",
		Price:   big.NewInt(100),
		Kind:    market.KindStatic,
		Payload: []byte("the goods"),
	})
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}

	if _, err := n.Purchase(context.Background(), buyer.addr.Hex(), listing.AssetID); err != nil {
		t.Fatalf("Purchase: %v", err)
	}

	grant, err := n.AccessAsset(context.Background(), buyer.addr.Hex(), listing.AssetID)
	if err != nil {
		t.Fatalf("buyer access after purchase: %v", err)
	}
	if string(grant.Payload) != "the goods" {
		t.Fatalf("payload mismatch: %q", grant.Payload)
	}

	if _, err := n.AccessAsset(context.Background(), seller.addr.Hex(), listing.AssetID); !errors.Is(err, market.ErrOwnershipMismatch) {
		t.Fatalf("seller retained access after sale: %v", err)
	}

	// The sale credited the seller on chain.
	txHash, nothing, err := n.WithdrawRevenue(context.Background(), seller.addr.Hex())
	if err != nil {
		t.Fatalf("WithdrawRevenue: %v", err)
	}
	if nothing || txHash == (common.Hash{}) {
		t.Fatal("expected a withdrawal transaction")
	}
}

func TestPurchaseInsufficientBalance(t *testing.T) {
	t.Parallel()

	chain := newFakeChain(common.HexToAddress("0xc0ffee"))
	seller, buyer := newWallet(t), newWallet(t)
	n := newTestNode(t, chain, seller, buyer)
	authenticate(t, n, seller)
	authenticate(t, n, buyer)
	// buyer balance stays zero

	listing, err := n.CreateAsset(context.Background(), seller.addr.Hex(), CreateAssetRequest{
		Name:    "dataset",
		Price:   big.NewInt(100),
		Kind:    market.KindStatic,
		Payload: []byte("x"),
	})
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}

	before := len(chain.sent)
	if _, err := n.Purchase(context.Background(), buyer.addr.Hex(), listing.AssetID); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if len(chain.sent) != before {
		t.Fatal("underfunded purchase was broadcast")
	}
}

func TestDeleteAsset(t *testing.T) {
	t.Parallel()

	chain := newFakeChain(common.HexToAddress("0xc0ffee"))
	w := newWallet(t)
	n := newTestNode(t, chain, w)
	authenticate(t, n, w)

	listing, err := n.CreateAsset(context.Background(), w.addr.Hex(), CreateAssetRequest{
		Name: "temp", Price: big.NewInt(1), Kind: market.KindStatic, Payload: []byte("x"),
	})
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}

	if err := n.DeleteAsset(context.Background(), w.addr.Hex(), listing.AssetID); err != nil {
		t.Fatalf("DeleteAsset: %v", err)
	}
	if _, err := n.AccessAsset(context.Background(), w.addr.Hex(), listing.AssetID); !errors.Is(err, market.ErrAssetNotFound) {
		t.Fatalf("expected ErrAssetNotFound, got %v", err)
	}
}

func TestStreamsDisabledWithoutListenAddrs(t *testing.T) {
	t.Parallel()

	chain := newFakeChain(common.HexToAddress("0xc0ffee"))
	w := newWallet(t)
	n := newTestNode(t, chain, w)
	authenticate(t, n, w)

	if err := n.PublishStream(context.Background(), w.addr.Hex(), 1, []byte("x")); !errors.Is(err, ErrStreamsDisabled) {
		t.Fatalf("expected ErrStreamsDisabled, got %v", err)
	}
	if _, err := n.SubscribeStream(context.Background(), w.addr.Hex(), 1, nil); !errors.Is(err, ErrStreamsDisabled) {
		t.Fatalf("expected ErrStreamsDisabled, got %v", err)
	}
}

func TestDIDBoundOnceAcrossSessions(t *testing.T) {
	t.Parallel()

	chain := newFakeChain(common.HexToAddress("0xc0ffee"))
	w := newWallet(t)
	n := newTestNode(t, chain, w)

	did1 := authenticate(t, n, w)
	did2 := authenticate(t, n, w)
	if did1 != did2 {
		t.Fatalf("DID changed across authentications: %s vs %s", did1, did2)
	}
	if !n.Vault().Has(did1) {
		t.Fatal("vault missing bound DID key")
	}
}
