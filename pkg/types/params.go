package types

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TxType names the transaction families with a static gas baseline.
type TxType string

const (
	TxTypeSwap            TxType = "swap"
	TxTypeAddLiquidity    TxType = "add_liquidity"
	TxTypeRemoveLiquidity TxType = "remove_liquidity"
)

var txTypes = map[string]TxType{
	"swap":             TxTypeSwap,
	"add_liquidity":    TxTypeAddLiquidity,
	"addliquidity":     TxTypeAddLiquidity,
	"remove_liquidity": TxTypeRemoveLiquidity,
	"removeliquidity":  TxTypeRemoveLiquidity,
}

// ParseTxType resolves a transaction type name from a fixed table.
func ParseTxType(s string) (TxType, error) {
	t, ok := txTypes[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", ErrInvalidTxType.Wrapf("unknown transaction type %q", s)
	}
	return t, nil
}

// TxParams is the closed set of per-type transaction parameters.
// Implementations: SwapParams, AddLiquidityParams, RemoveLiquidityParams.
type TxParams interface {
	TxType() TxType
	isTxParams()
}

// SwapParams describes a swap for gas estimation. Hops defaults to 1.
// A non-zero Sender lets the estimate simulate the router call itself.
type SwapParams struct {
	TokenIn  common.Address
	TokenOut common.Address
	AmountIn *uint256.Int
	Hops     int
	Sender   common.Address
}

func (SwapParams) TxType() TxType { return TxTypeSwap }
func (SwapParams) isTxParams()    {}

type AddLiquidityParams struct {
	TokenA  common.Address
	TokenB  common.Address
	AmountA *uint256.Int
	AmountB *uint256.Int
}

func (AddLiquidityParams) TxType() TxType { return TxTypeAddLiquidity }
func (AddLiquidityParams) isTxParams()    {}

type RemoveLiquidityParams struct {
	TokenA    common.Address
	TokenB    common.Address
	Liquidity *uint256.Int
}

func (RemoveLiquidityParams) TxType() TxType { return TxTypeRemoveLiquidity }
func (RemoveLiquidityParams) isTxParams()    {}

// DefaultParams returns empty parameters for a transaction type.
func DefaultParams(t TxType) (TxParams, error) {
	switch t {
	case TxTypeSwap:
		return SwapParams{Hops: 1}, nil
	case TxTypeAddLiquidity:
		return AddLiquidityParams{}, nil
	case TxTypeRemoveLiquidity:
		return RemoveLiquidityParams{}, nil
	}
	return nil, ErrInvalidTxType.Wrapf("unknown transaction type %q", t)
}
