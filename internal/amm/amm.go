// Package amm prices swaps against constant-product pools.
//
// All arithmetic is unsigned 256-bit with floor division so that off-chain
// quotes match on-chain execution bit for bit.
package amm

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/devlongs/amm-router/pkg/types"
)

const (
	DefaultSlippageBps    = 50
	DefaultMaxDrainBps    = 3000
	bpsDenominator uint64 = types.BpsDenominator
)

var bps = uint256.NewInt(bpsDenominator)

// Engine holds the pricing tunables. It has no I/O and is safe for concurrent use.
type Engine struct {
	defaultSlippageBps uint32
	maxDrainBps        uint64
}

// NewEngine creates a quote engine. Zero values select the defaults.
func NewEngine(defaultSlippageBps uint32, maxDrainBps uint64) *Engine {
	if maxDrainBps == 0 || maxDrainBps > bpsDenominator {
		maxDrainBps = DefaultMaxDrainBps
	}
	return &Engine{
		defaultSlippageBps: defaultSlippageBps,
		maxDrainBps:        maxDrainBps,
	}
}

// DefaultSlippageBps returns the slippage applied when a caller gives none.
func (e *Engine) DefaultSlippageBps() uint32 {
	return e.defaultSlippageBps
}

// AmountAfterFee returns amountIn * (10000 - feeBps) / 10000.
func AmountAfterFee(amountIn *uint256.Int, feeBps uint32) *uint256.Int {
	keep := uint256.NewInt(bpsDenominator - uint64(feeBps))
	out, _ := new(uint256.Int).MulDivOverflow(amountIn, keep, bps)
	return out
}

// ConstantProductOut returns reserveOut * amountIn / (reserveIn + amountIn), floored.
func ConstantProductOut(amountIn, reserveIn, reserveOut *uint256.Int) (*uint256.Int, error) {
	denominator, overflow := new(uint256.Int).AddOverflow(reserveIn, amountIn)
	if overflow {
		return nil, types.ErrInvalidAmount.Wrap("input amount overflows pool reserves")
	}
	if denominator.IsZero() {
		return new(uint256.Int), nil
	}
	out, overflow := new(uint256.Int).MulDivOverflow(reserveOut, amountIn, denominator)
	if overflow {
		return nil, types.ErrInvalidAmount.Wrap("output overflows 256 bits")
	}
	return out, nil
}

// QuoteSingleHop prices selling amountIn of tokenIn into pool. Fee is taken
// from the input side. A zero input yields a zero output with no error.
func (e *Engine) QuoteSingleHop(pool types.Pool, tokenIn common.Address, amountIn *uint256.Int) (amountOut, feePaid *uint256.Int, err error) {
	reserveIn, reserveOut, err := pool.Reserves(tokenIn)
	if err != nil {
		return nil, nil, err
	}
	if amountIn == nil || amountIn.IsZero() {
		return new(uint256.Int), new(uint256.Int), nil
	}
	if !pool.Active() {
		return nil, nil, types.ErrInsufficientLiquidity.Wrapf("pool %s has an empty reserve", pool.ID.Hex())
	}

	afterFee := AmountAfterFee(amountIn, pool.FeeBps)
	feePaid = new(uint256.Int).Sub(amountIn, afterFee)

	amountOut, err = ConstantProductOut(afterFee, reserveIn, reserveOut)
	if err != nil {
		return nil, nil, err
	}
	if amountOut.IsZero() {
		return nil, nil, types.ErrInsufficientLiquidity.Wrapf("pool %s returns zero output for %s", pool.ID.Hex(), amountIn.Dec())
	}

	// amountOut > floor(reserveOut * maxDrainBps / 10000) is exact for integer amountOut
	limit, _ := new(uint256.Int).MulDivOverflow(reserveOut, uint256.NewInt(e.maxDrainBps), bps)
	if amountOut.Gt(limit) {
		return nil, nil, types.ErrInsufficientLiquidity.Wrapf("swap drains more than %d bps of pool %s reserve", e.maxDrainBps, pool.ID.Hex())
	}
	return amountOut, feePaid, nil
}

// SpotOut is the output at the pool's current spot price for a fee-adjusted input.
func SpotOut(pool types.Pool, tokenIn common.Address, amountIn *uint256.Int) *uint256.Int {
	reserveIn, reserveOut, err := pool.Reserves(tokenIn)
	if err != nil || reserveIn == nil || reserveIn.IsZero() {
		return new(uint256.Int)
	}
	afterFee := AmountAfterFee(amountIn, pool.FeeBps)
	out, overflow := new(uint256.Int).MulDivOverflow(afterFee, reserveOut, reserveIn)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return out
}

// PriceImpactBps returns (spotOut - realized) * 10000 / spotOut, or 0 when
// the trade fills at or above spot.
func PriceImpactBps(spotOut, realized *uint256.Int) uint64 {
	if spotOut.IsZero() || !realized.Lt(spotOut) {
		return 0
	}
	diff := new(uint256.Int).Sub(spotOut, realized)
	impact, overflow := new(uint256.Int).MulDivOverflow(diff, bps, spotOut)
	if overflow || !impact.IsUint64() {
		return bpsDenominator
	}
	return impact.Uint64()
}

// MinimumOutput returns amountOut * (10000 - slippageBps) / 10000, floored.
// This is the binding on-chain floor for the swap.
func MinimumOutput(amountOut *uint256.Int, slippageBps uint32) (*uint256.Int, error) {
	if uint64(slippageBps) >= bpsDenominator {
		return nil, types.ErrInvalidSlippage.Wrapf("%d bps", slippageBps)
	}
	keep := uint256.NewInt(bpsDenominator - uint64(slippageBps))
	out, overflow := new(uint256.Int).MulDivOverflow(amountOut, keep, bps)
	if overflow {
		return nil, types.ErrInvalidAmount.Wrap("minimum output overflows 256 bits")
	}
	return out, nil
}

// QuoteOptions tune a multi-hop quote.
type QuoteOptions struct {
	// SlippageBps overrides the engine default when non-nil.
	SlippageBps *uint32
}

// QuoteMultiHop threads each hop's output into the next hop's input.
// Price impact is measured against the first hop's spot price.
func (e *Engine) QuoteMultiHop(route *types.Route, amountIn *uint256.Int, opts QuoteOptions) (*types.Quote, error) {
	if route.Len() == 0 {
		return nil, types.ErrInvalidHops.Wrap("route is empty")
	}
	if amountIn == nil || amountIn.IsZero() {
		return nil, types.ErrInvalidAmount.Wrap("amount in must be positive")
	}
	slippage := e.defaultSlippageBps
	if opts.SlippageBps != nil {
		slippage = *opts.SlippageBps
	}
	if uint64(slippage) >= bpsDenominator {
		return nil, types.ErrInvalidSlippage.Wrapf("%d bps", slippage)
	}

	var (
		current    = amountIn
		feeTotal   = new(uint256.Int)
		hopFees    = make([]*uint256.Int, 0, len(route.Hops))
		impact     uint64
		snapshotAt time.Time
	)
	for i, hop := range route.Hops {
		out, fee, err := e.QuoteSingleHop(hop.Pool, hop.TokenIn.Address, current)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			impact = PriceImpactBps(SpotOut(hop.Pool, hop.TokenIn.Address, current), out)
		}
		if snapshotAt.IsZero() || hop.Pool.LastUpdatedAt.Before(snapshotAt) {
			snapshotAt = hop.Pool.LastUpdatedAt
		}
		hopFees = append(hopFees, fee)
		feeTotal = new(uint256.Int).Add(feeTotal, fee)
		current = out
	}

	minOut, err := MinimumOutput(current, slippage)
	if err != nil {
		return nil, err
	}
	return &types.Quote{
		InputAmount:    new(uint256.Int).Set(amountIn),
		OutputAmount:   current,
		PriceImpactBps: impact,
		FeeTotal:       feeTotal,
		HopFees:        hopFees,
		SlippageBps:    slippage,
		MinimumOutput:  minOut,
		SnapshotAt:     snapshotAt,
	}, nil
}

// UpperBound returns an upper bound on what amountIn can become after
// crossing pools at their spot prices, fee applied. Constant-product output
// never exceeds this, so a path whose bound trails the best output can be
// pruned. The bound saturates at 2^256-1 on overflow.
func UpperBound(amountIn *uint256.Int, hops []types.RouteHop) *uint256.Int {
	bound := amountIn
	for _, hop := range hops {
		reserveIn, reserveOut, err := hop.Pool.Reserves(hop.TokenIn.Address)
		if err != nil || reserveIn == nil || reserveIn.IsZero() {
			return new(uint256.Int)
		}
		scaled, overflow := new(uint256.Int).MulOverflow(bound, uint256.NewInt(bpsDenominator-uint64(hop.Pool.FeeBps)))
		if overflow {
			return new(uint256.Int).SetAllOne()
		}
		denominator, overflow := new(uint256.Int).MulOverflow(reserveIn, bps)
		if overflow {
			return new(uint256.Int).SetAllOne()
		}
		bound, overflow = new(uint256.Int).MulDivOverflow(scaled, reserveOut, denominator)
		if overflow {
			return new(uint256.Int).SetAllOne()
		}
	}
	return bound
}
