// Package ledgertest provides an in-memory ledger node for tests.
package ledgertest

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/devlongs/amm-router/internal/ledger"
	"github.com/devlongs/amm-router/pkg/types"
)

// ErrUnavailable is returned by a Node configured to fail.
var ErrUnavailable = errors.New("ledgertest: node unavailable")

type reserves struct {
	a, b *uint256.Int
}

// Node is a programmable ledger.Node. The zero value is not usable; call New.
type Node struct {
	mu sync.Mutex

	chainID  *big.Int
	reserves map[common.Address]reserves
	nonces   map[common.Address]uint64
	receipts map[common.Hash]*ethtypes.Receipt
	sent     []*ethtypes.Transaction

	// Function hooks override the default behaviour when set.
	ReservesFunc  func(pool types.Pool) (*uint256.Int, *uint256.Int, error)
	SimulateFunc  func(call ethereum.CallMsg) (ledger.SimulationResult, error)
	BroadcastFunc func(tx *ethtypes.Transaction) error
	FeeMarketFunc func() (ledger.FeeMarket, error)

	// AutoReceipt makes every broadcast immediately mined with this status.
	AutoReceipt *uint64

	GasUsed uint64
	Fees    ledger.FeeMarket

	ReserveCalls   atomic.Int64
	SimulateCalls  atomic.Int64
	BroadcastCalls atomic.Int64
	ReceiptCalls   atomic.Int64
}

// New returns a healthy node with chain id 1, 100k simulated gas and
// a 20 gwei base fee with a 1 gwei tip.
func New() *Node {
	return &Node{
		chainID:  big.NewInt(1),
		reserves: make(map[common.Address]reserves),
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*ethtypes.Receipt),
		GasUsed:  100_000,
		Fees: ledger.FeeMarket{
			BaseFee:              big.NewInt(20_000_000_000),
			SuggestedPriorityFee: big.NewInt(1_000_000_000),
		},
	}
}

// SetReserves sets the on-chain reserves of a pool in (TokenA, TokenB) order.
func (n *Node) SetReserves(pool common.Address, a, b uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reserves[pool] = reserves{a: uint256.NewInt(a), b: uint256.NewInt(b)}
}

// SetNonce sets the pending nonce of an account.
func (n *Node) SetNonce(account common.Address, nonce uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nonces[account] = nonce
}

// Mine stores a receipt with the given status for a transaction hash.
func (n *Node) Mine(hash common.Hash, status uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.receipts[hash] = &ethtypes.Receipt{TxHash: hash, Status: status, GasUsed: n.GasUsed, BlockNumber: big.NewInt(1)}
}

// Sent returns the transactions accepted by Broadcast, in order.
func (n *Node) Sent() []*ethtypes.Transaction {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*ethtypes.Transaction, len(n.sent))
	copy(out, n.sent)
	return out
}

func (n *Node) GetReserves(ctx context.Context, pool types.Pool) (*uint256.Int, *uint256.Int, error) {
	n.ReserveCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if n.ReservesFunc != nil {
		return n.ReservesFunc(pool)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.reserves[pool.ID]
	if !ok {
		return nil, nil, ErrUnavailable
	}
	return r.a, r.b, nil
}

func (n *Node) SimulateCall(ctx context.Context, call ethereum.CallMsg) (ledger.SimulationResult, error) {
	n.SimulateCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return ledger.SimulationResult{}, err
	}
	if n.SimulateFunc != nil {
		return n.SimulateFunc(call)
	}
	return ledger.SimulationResult{Success: true, GasUsed: n.GasUsed}, nil
}

func (n *Node) Broadcast(ctx context.Context, tx *ethtypes.Transaction) (common.Hash, error) {
	n.BroadcastCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	if n.BroadcastFunc != nil {
		if err := n.BroadcastFunc(tx); err != nil {
			return common.Hash{}, err
		}
	}
	n.mu.Lock()
	n.sent = append(n.sent, tx)
	status := n.AutoReceipt
	n.mu.Unlock()
	if status != nil {
		n.Mine(tx.Hash(), *status)
	}
	return tx.Hash(), nil
}

func (n *Node) GetReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	n.ReceiptCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.receipts[hash], nil
}

func (n *Node) GetFeeMarket(ctx context.Context) (ledger.FeeMarket, error) {
	if err := ctx.Err(); err != nil {
		return ledger.FeeMarket{}, err
	}
	if n.FeeMarketFunc != nil {
		return n.FeeMarketFunc()
	}
	return n.Fees, nil
}

func (n *Node) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nonces[account], nil
}

func (n *Node) ChainID() *big.Int {
	return n.chainID
}

// Status is a helper for AutoReceipt.
func Status(s uint64) *uint64 {
	return &s
}
