// Package trading composes routing, quoting, gas estimation and the
// transaction lifecycle into the operations the API serves.
package trading

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog/log"

	"github.com/devlongs/amm-router/internal/amm"
	"github.com/devlongs/amm-router/internal/config"
	"github.com/devlongs/amm-router/internal/dex/uniswapv2"
	"github.com/devlongs/amm-router/internal/gas"
	"github.com/devlongs/amm-router/internal/ledger"
	"github.com/devlongs/amm-router/internal/metrics"
	"github.com/devlongs/amm-router/internal/output"
	"github.com/devlongs/amm-router/internal/registry"
	"github.com/devlongs/amm-router/internal/router"
	"github.com/devlongs/amm-router/internal/txlifecycle"
	"github.com/devlongs/amm-router/pkg/types"
)

const healthTimeout = 3 * time.Second

// Deps are the components an Engine composes. All are required except Metrics.
type Deps struct {
	Node      ledger.Node
	Registry  *registry.Registry
	Router    *router.Router
	AMM       *amm.Engine
	Gas       *gas.Estimator
	Lifecycle *txlifecycle.Manager
	Logger    *output.Logger
	Metrics   *metrics.Metrics
}

// Engine is the trading context object. It is built once at startup and
// holds every tunable the request path needs.
type Engine struct {
	Deps

	routerAddress common.Address
	swapDeadline  time.Duration
	now           func() time.Time
}

// New creates the trading engine.
func New(deps Deps, cfg config.TxConfig) (*Engine, error) {
	routerAddress, err := types.ParseAddress(cfg.RouterAddress)
	if err != nil {
		return nil, err
	}
	deadline := cfg.SwapDeadline
	if deadline <= 0 {
		deadline = 20 * time.Minute
	}
	if deps.Logger == nil {
		deps.Logger = output.NewLogger()
	}
	return &Engine{
		Deps:          deps,
		routerAddress: routerAddress,
		swapDeadline:  deadline,
		now:           time.Now,
	}, nil
}

// QuoteRequest asks for the best output of a trade.
// A nil SlippageBps selects the configured default.
type QuoteRequest struct {
	TokenIn     common.Address
	TokenOut    common.Address
	AmountIn    *uint256.Int
	SlippageBps *uint32
}

// SwapRequest is a quote request executed from Sender. A non-nil
// MinimumOutput must not exceed the quoted minimum.
type SwapRequest struct {
	QuoteRequest
	MinimumOutput *uint256.Int
	Sender        common.Address
}

// SwapResult is a broadcast swap. Confirmation is Pending unless the
// engine waits for confirmation.
type SwapResult struct {
	TransactionHash common.Hash
	Route           *types.Route
	Quote           *types.Quote
	Nonce           uint64
	Attempts        int
	Gas             types.GasEstimate
	Confirmation    types.ConfirmationRecord
}

// GetQuote returns the best route and its quote.
// ErrInsufficientLiquidity means no route connects the tokens.
func (e *Engine) GetQuote(ctx context.Context, req QuoteRequest) (*router.Result, error) {
	result, err := e.quote(ctx, req)
	e.Metrics.ObserveQuote(err == nil)
	if err != nil {
		e.Logger.LogQuoteFailed(err)
		return nil, err
	}
	e.Logger.LogQuote(result.Route, result.Quote)
	return result, nil
}

func (e *Engine) quote(ctx context.Context, req QuoteRequest) (*router.Result, error) {
	if req.SlippageBps != nil && *req.SlippageBps >= types.BpsDenominator {
		return nil, types.ErrInvalidSlippage.Wrapf("%d bps", *req.SlippageBps)
	}
	result, err := e.Router.FindBestRoute(ctx, req.TokenIn, req.TokenOut, req.AmountIn, 0)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, types.ErrInsufficientLiquidity.Wrapf("no route from %s to %s", req.TokenIn.Hex(), req.TokenOut.Hex())
	}
	if req.SlippageBps == nil || *req.SlippageBps == e.AMM.DefaultSlippageBps() {
		return result, nil
	}

	// the router prices with the default tolerance
	quote, err := e.AMM.QuoteMultiHop(result.Route, req.AmountIn, amm.QuoteOptions{SlippageBps: req.SlippageBps})
	if err != nil {
		return nil, err
	}
	return &router.Result{Route: result.Route, Quote: quote}, nil
}

// ExecuteSwap quotes req and sends the swap through the router contract
// with the quote's minimum output as the binding floor. Validation and
// slippage failures return before any transaction is built.
func (e *Engine) ExecuteSwap(ctx context.Context, req SwapRequest) (*SwapResult, error) {
	result, err := e.executeSwap(ctx, req)
	if err != nil {
		e.Logger.LogSwapRejected(err)
		return nil, err
	}
	e.Logger.LogSwapSubmitted(result.TransactionHash.Hex(), result.Route, result.Quote, result.Gas)
	if result.Confirmation.Status.Terminal() {
		e.Logger.LogConfirmation(result.Confirmation)
	}
	return result, nil
}

func (e *Engine) executeSwap(ctx context.Context, req SwapRequest) (*SwapResult, error) {
	if req.TokenIn == req.TokenOut {
		return nil, types.ErrInvalidPair.Wrap("input and output tokens are the same")
	}

	best, err := e.GetQuote(ctx, req.QuoteRequest)
	if err != nil {
		return nil, err
	}
	if req.MinimumOutput != nil && req.MinimumOutput.Gt(best.Quote.MinimumOutput) {
		return nil, types.ErrSlippageExceeded.Wrapf("requested minimum %s above quoted minimum %s",
			req.MinimumOutput.Dec(), best.Quote.MinimumOutput.Dec())
	}

	data, err := e.swapCalldata(best, req.Sender)
	if err != nil {
		return nil, err
	}

	sub, record, err := e.Lifecycle.Execute(ctx, txlifecycle.Request{
		From: req.Sender,
		To:   e.routerAddress,
		Data: data,
		Params: types.SwapParams{
			TokenIn:  req.TokenIn,
			TokenOut: req.TokenOut,
			AmountIn: req.AmountIn,
			Hops:     best.Route.Len(),
		},
	})
	if err != nil {
		return nil, err
	}

	return &SwapResult{
		TransactionHash: sub.Hash,
		Route:           best.Route,
		Quote:           best.Quote,
		Nonce:           sub.Nonce,
		Attempts:        sub.Attempts,
		Gas:             sub.Gas,
		Confirmation:    record,
	}, nil
}

func (e *Engine) swapCalldata(best *router.Result, recipient common.Address) ([]byte, error) {
	tokens := best.Route.Tokens()
	path := make([]common.Address, len(tokens))
	for i, token := range tokens {
		path[i] = token.Address
	}
	swap := uniswapv2.SwapExactTokensForTokens{
		AmountIn:     best.Quote.InputAmount.ToBig(),
		AmountOutMin: best.Quote.MinimumOutput.ToBig(),
		Path:         path,
		To:           recipient,
		Deadline:     big.NewInt(e.now().Add(e.swapDeadline).Unix()),
	}
	data, err := swap.Pack()
	if err != nil {
		return nil, types.ErrInvalidHops.Wrap(err.Error())
	}
	return data, nil
}

// FindRoute returns the best route, or nil when no path connects the
// tokens within maxHops. A maxHops of zero selects the configured default.
func (e *Engine) FindRoute(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *uint256.Int, maxHops int) (*router.Result, error) {
	return e.Router.FindBestRoute(ctx, tokenIn, tokenOut, amountIn, maxHops)
}

// EstimateGasFor never fails. Params that do not match txType are
// replaced by the type's defaults. A swap without a hop count inherits
// the hop count of its best route when one can be found. A swap with a
// sender and a resolvable route is simulated against the router.
func (e *Engine) EstimateGasFor(ctx context.Context, txType types.TxType, params types.TxParams) types.GasEstimate {
	if params == nil || params.TxType() != txType {
		defaults, err := types.DefaultParams(txType)
		if err != nil {
			defaults = types.SwapParams{Hops: 1}
		}
		params = defaults
	}

	swap, ok := params.(types.SwapParams)
	if !ok {
		return e.Gas.Estimate(ctx, gas.Request{Params: params})
	}

	var best *router.Result
	simulate := swap.Sender != (common.Address{})
	if (swap.Hops <= 0 || simulate) && swap.AmountIn != nil && swap.TokenIn != swap.TokenOut {
		if res, err := e.Router.FindBestRoute(ctx, swap.TokenIn, swap.TokenOut, swap.AmountIn, 0); err == nil {
			best = res
		}
	}
	if swap.Hops <= 0 {
		swap.Hops = 1
		if best != nil {
			swap.Hops = best.Route.Len()
		}
	}

	var call *ethereum.CallMsg
	if simulate && best != nil {
		if data, err := e.swapCalldata(best, swap.Sender); err == nil {
			to := e.routerAddress
			call = &ethereum.CallMsg{From: swap.Sender, To: &to, Data: data}
		}
	}
	return e.Gas.Estimate(ctx, gas.Request{Params: swap, Call: call})
}

// TransactionStatus re-checks a submitted transaction once. It is the
// follow-up for a TimedOut confirmation; a missing receipt reads Pending.
func (e *Engine) TransactionStatus(ctx context.Context, hash common.Hash) (types.ConfirmationRecord, error) {
	record, err := e.Lifecycle.Status(ctx, hash)
	if err != nil {
		return record, err
	}
	if record.Status.Terminal() {
		e.Logger.LogConfirmation(record)
	}
	return record, nil
}

// Pools returns every registered pool with current reserves.
func (e *Engine) Pools(ctx context.Context) ([]types.Pool, error) {
	return e.Registry.ListPools(ctx)
}

// Token resolves a registered token's metadata.
func (e *Engine) Token(address common.Address) (types.Token, bool) {
	return e.Registry.Token(address)
}

// Health probes the ledger node.
func (e *Engine) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	if _, err := e.Node.GetFeeMarket(ctx); err != nil {
		log.Warn().Err(err).Msg("Health check failed")
		return types.ErrNodeUnavailable.Wrap(err.Error())
	}
	return nil
}
