package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client is the narrow slice of the ledger the gateway consumes. It exists
// so the gateway can be tested against an in-memory ledger.
type Client interface {
	// SequenceNumber returns the next transaction sequence number for the
	// address, including transactions already broadcast but not yet mined.
	SequenceNumber(ctx context.Context, addr common.Address) (uint64, error)
	// SuggestGasPrice returns the ledger's current gas price.
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	// BalanceAt returns the address's current balance.
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	// CallContract executes a read-only contract call.
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	// SendTransaction broadcasts a signed transaction.
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	// TransactionReceipt returns the receipt for a transaction hash, or
	// (nil, nil) while the transaction is still pending.
	TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error)
	// ChainID returns the ledger's chain identifier.
	ChainID(ctx context.Context) (*big.Int, error)
}

// rpcClient adapts an ethclient connection to the Client interface.
type rpcClient struct {
	ec *ethclient.Client
}

// Dial connects to a ledger JSON-RPC endpoint.
func Dial(ctx context.Context, rawurl string) (Client, error) {
	ec, err := ethclient.DialContext(ctx, rawurl)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ledger at %s: %w", rawurl, err)
	}
	return &rpcClient{ec: ec}, nil
}

func (c *rpcClient) SequenceNumber(ctx context.Context, addr common.Address) (uint64, error) {
	return c.ec.PendingNonceAt(ctx, addr)
}

func (c *rpcClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.ec.SuggestGasPrice(ctx)
}

func (c *rpcClient) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	return c.ec.BalanceAt(ctx, addr, nil)
}

func (c *rpcClient) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.ec.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

func (c *rpcClient) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	return c.ec.SendTransaction(ctx, tx)
}

func (c *rpcClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	receipt, err := c.ec.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	return receipt, err
}

func (c *rpcClient) ChainID(ctx context.Context) (*big.Int, error) {
	return c.ec.ChainID(ctx)
}
