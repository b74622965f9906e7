// Package gas derives gas budgets with a fallback ladder so an estimate is
// always available, tagged with the tier that produced it.
package gas

import (
	"context"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/rs/zerolog/log"

	"github.com/devlongs/amm-router/internal/config"
	"github.com/devlongs/amm-router/internal/ledger"
	"github.com/devlongs/amm-router/internal/metrics"
	"github.com/devlongs/amm-router/pkg/types"
)

// Request describes what to estimate. Call is optional; without it only
// the static table can size the gas limit.
type Request struct {
	Params types.TxParams
	Call   *ethereum.CallMsg
}

// Estimator produces gas estimates against a ledger node.
type Estimator struct {
	node    ledger.Node
	cfg     config.GasConfig
	metrics *metrics.Metrics

	mu       sync.Mutex
	lastFees *ledger.FeeMarket
}

// NewEstimator creates an estimator. Missing static limits fall back to
// the built-in defaults.
func NewEstimator(node ledger.Node, cfg config.GasConfig, m *metrics.Metrics) *Estimator {
	if cfg.SafetyMultiplier < 1 {
		cfg.SafetyMultiplier = 1.2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.BaseFeeMultiplier == 0 {
		cfg.BaseFeeMultiplier = 2
	}
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = 12 * time.Second
	}
	if cfg.PerExtraHop == 0 {
		cfg.PerExtraHop = config.DefaultPerExtraHop
	}
	limits := config.DefaultStaticLimits()
	for name, limit := range cfg.StaticLimits {
		if limit > 0 {
			limits[name] = limit
		}
	}
	cfg.StaticLimits = limits
	if cfg.FloorMaxFeePerGas == 0 {
		cfg.FloorMaxFeePerGas = 50_000_000_000
	}
	if cfg.FloorPriorityFee == 0 {
		cfg.FloorPriorityFee = 2_000_000_000
	}
	return &Estimator{node: node, cfg: cfg, metrics: m}
}

// Estimate never fails. Each degraded input lowers the reported tier:
// a static gas limit yields GasTierStaticTable, a cached fee market
// GasTierCachedFee and the hardcoded fee floor GasTierFeeFloor.
func (e *Estimator) Estimate(ctx context.Context, req Request) types.GasEstimate {
	tier := types.GasTierLive

	gasLimit, live := e.simulate(ctx, req.Call)
	if !live {
		gasLimit = e.StaticLimit(req.Params)
		tier = types.GasTierStaticTable
	}

	baseFee, tip, feeTier := e.fees(ctx)
	if feeTier != types.GasTierLive {
		tier = feeTier
	}

	var maxFee *big.Int
	if baseFee == nil {
		maxFee = new(big.Int).SetUint64(e.cfg.FloorMaxFeePerGas)
		if maxFee.Cmp(tip) < 0 {
			maxFee.Set(tip)
		}
		baseFee = new(big.Int).Sub(maxFee, tip)
	} else {
		maxFee = new(big.Int).Mul(baseFee, new(big.Int).SetUint64(e.cfg.BaseFeeMultiplier))
		maxFee.Add(maxFee, tip)
	}

	estimate := types.GasEstimate{
		GasLimit:                  gasLimit,
		GasPrice:                  new(big.Int).Add(baseFee, tip),
		MaxFeePerGas:              maxFee,
		MaxPriorityFeePerGas:      tip,
		TotalCost:                 new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), maxFee),
		EstimatedConfirmationTime: e.cfg.BlockTime,
		Tier:                      tier,
	}
	if tier == types.GasTierFeeFloor {
		// floor fees may sit below market; expect a slower inclusion
		estimate.EstimatedConfirmationTime = 3 * e.cfg.BlockTime
	}

	e.metrics.ObserveGasEstimate(string(tier))
	log.Debug().
		Str("type", string(txType(req.Params))).
		Str("estimate", estimate.String()).
		Msg("Estimated gas")

	return estimate
}

// StaticLimit returns the table gas limit for params. Swaps pay the
// per-extra-hop surcharge for every hop after the first.
func (e *Estimator) StaticLimit(params types.TxParams) uint64 {
	switch p := params.(type) {
	case types.SwapParams:
		limit := e.cfg.StaticLimits[string(types.TxTypeSwap)]
		if p.Hops > 1 {
			limit += uint64(p.Hops-1) * e.cfg.PerExtraHop
		}
		return limit
	case types.AddLiquidityParams:
		return e.cfg.StaticLimits[string(types.TxTypeAddLiquidity)]
	case types.RemoveLiquidityParams:
		return e.cfg.StaticLimits[string(types.TxTypeRemoveLiquidity)]
	}
	return e.cfg.StaticLimits[string(types.TxTypeSwap)]
}

func (e *Estimator) simulate(ctx context.Context, call *ethereum.CallMsg) (uint64, bool) {
	if call == nil {
		return 0, false
	}
	simCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	result, err := e.node.SimulateCall(simCtx, *call)
	if err != nil {
		log.Warn().Err(err).Msg("Gas simulation failed, using static table")
		return 0, false
	}
	if !result.Success || result.GasUsed == 0 {
		log.Warn().Str("reason", result.RevertReason).Msg("Gas simulation reverted, using static table")
		return 0, false
	}

	scaled := math.Ceil(float64(result.GasUsed) * e.cfg.SafetyMultiplier)
	if scaled >= math.MaxUint64 {
		return math.MaxUint64, true
	}
	return uint64(scaled), true
}

func (e *Estimator) fees(ctx context.Context) (baseFee, tip *big.Int, tier types.GasTier) {
	feeCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	market, err := e.node.GetFeeMarket(feeCtx)
	if err == nil && market.BaseFee != nil && market.SuggestedPriorityFee != nil {
		e.mu.Lock()
		e.lastFees = &ledger.FeeMarket{
			BaseFee:              new(big.Int).Set(market.BaseFee),
			SuggestedPriorityFee: new(big.Int).Set(market.SuggestedPriorityFee),
		}
		e.mu.Unlock()
		return new(big.Int).Set(market.BaseFee), new(big.Int).Set(market.SuggestedPriorityFee), types.GasTierLive
	}

	e.mu.Lock()
	cached := e.lastFees
	e.mu.Unlock()
	if cached != nil {
		log.Warn().Err(err).Msg("Fee market unavailable, using last known fees")
		return new(big.Int).Set(cached.BaseFee), new(big.Int).Set(cached.SuggestedPriorityFee), types.GasTierCachedFee
	}

	log.Warn().Err(err).Msg("Fee market unavailable, using fee floor")
	return nil, new(big.Int).SetUint64(e.cfg.FloorPriorityFee), types.GasTierFeeFloor
}

func txType(params types.TxParams) types.TxType {
	if params == nil {
		return types.TxTypeSwap
	}
	return params.TxType()
}
