// Package ledger defines the capability the router consumes from a ledger node.
package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/devlongs/amm-router/pkg/types"
)

// FeeMarket is the current EIP-1559 fee data.
type FeeMarket struct {
	BaseFee              *big.Int
	SuggestedPriorityFee *big.Int
}

// SimulationResult is the outcome of a dry-run call. A revert is a result,
// not an error; errors are reserved for failing to reach the node.
type SimulationResult struct {
	Success      bool
	GasUsed      uint64
	RevertReason string
}

// Node is a remote ledger node. Every method is blocking I/O and must be
// called with a context that carries a deadline.
type Node interface {
	// GetReserves returns the pool reserves ordered as (TokenA, TokenB).
	GetReserves(ctx context.Context, pool types.Pool) (*uint256.Int, *uint256.Int, error)
	SimulateCall(ctx context.Context, call ethereum.CallMsg) (SimulationResult, error)
	Broadcast(ctx context.Context, tx *ethtypes.Transaction) (common.Hash, error)
	// GetReceipt returns nil, nil while the transaction has no receipt.
	GetReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error)
	GetFeeMarket(ctx context.Context) (FeeMarket, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	ChainID() *big.Int
}

// ReserveSource is the subset of Node the pool registry depends on.
type ReserveSource interface {
	GetReserves(ctx context.Context, pool types.Pool) (*uint256.Int, *uint256.Int, error)
}
