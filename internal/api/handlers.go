package api

import (
	"math/big"
	"net/http"
	"regexp"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"

	"github.com/devlongs/amm-router/internal/output"
	"github.com/devlongs/amm-router/internal/trading"
	"github.com/devlongs/amm-router/pkg/types"
)

var hashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// QuoteRequest is the body of POST /v1/quote
type QuoteRequest struct {
	TokenIn     string  `json:"tokenIn" binding:"required"`
	TokenOut    string  `json:"tokenOut" binding:"required"`
	AmountIn    string  `json:"amountIn" binding:"required"`
	SlippageBps *uint32 `json:"slippageBps,omitempty"`
}

// SwapRequest is the body of POST /v1/swap
type SwapRequest struct {
	QuoteRequest
	MinimumOutput string `json:"minimumOutput,omitempty"`
	Sender        string `json:"sender" binding:"required"`
}

// RouteRequest is the body of POST /v1/route
type RouteRequest struct {
	TokenIn  string `json:"tokenIn" binding:"required"`
	TokenOut string `json:"tokenOut" binding:"required"`
	AmountIn string `json:"amountIn" binding:"required"`
	MaxHops  int    `json:"maxHops,omitempty"`
}

// GasEstimateRequest is the body of POST /v1/gas/estimate. Only the fields
// of the named transaction type are read.
type GasEstimateRequest struct {
	Type      string `json:"type" binding:"required"`
	TokenIn   string `json:"tokenIn,omitempty"`
	TokenOut  string `json:"tokenOut,omitempty"`
	AmountIn  string `json:"amountIn,omitempty"`
	Hops      int    `json:"hops,omitempty"`
	Sender    string `json:"sender,omitempty"`
	TokenA    string `json:"tokenA,omitempty"`
	TokenB    string `json:"tokenB,omitempty"`
	AmountA   string `json:"amountA,omitempty"`
	AmountB   string `json:"amountB,omitempty"`
	Liquidity string `json:"liquidity,omitempty"`
}

// HopResponse is one pool crossing
type HopResponse struct {
	Pool     string `json:"pool"`
	TokenIn  string `json:"tokenIn"`
	TokenOut string `json:"tokenOut"`
	FeeBps   uint32 `json:"feeBps"`
}

// RouteResponse is a resolved route
type RouteResponse struct {
	Path []string      `json:"path"`
	Hops []HopResponse `json:"hops"`
}

// QuoteResponse amounts are base-10 integers in the token's smallest unit;
// the *Formatted fields apply the token decimals.
type QuoteResponse struct {
	Route                  RouteResponse `json:"route"`
	AmountIn               string        `json:"amountIn"`
	AmountOut              string        `json:"amountOut"`
	AmountOutFormatted     string        `json:"amountOutFormatted"`
	MinimumOutput          string        `json:"minimumOutput"`
	MinimumOutputFormatted string        `json:"minimumOutputFormatted"`
	PriceImpactBps         uint64        `json:"priceImpactBps"`
	FeeTotal               string        `json:"feeTotal"`
	HopFees                []string      `json:"hopFees"`
	SlippageBps            uint32        `json:"slippageBps"`
	SnapshotAt             time.Time     `json:"snapshotAt"`
}

// GasEstimateResponse wei values are base-10 strings
type GasEstimateResponse struct {
	GasLimit                  uint64  `json:"gasLimit"`
	GasPrice                  string  `json:"gasPrice"`
	MaxFeePerGas              string  `json:"maxFeePerGas"`
	MaxPriorityFeePerGas      string  `json:"maxPriorityFeePerGas"`
	TotalCost                 string  `json:"totalCost"`
	EstimatedConfirmationSecs float64 `json:"estimatedConfirmationSeconds"`
	Tier                      string  `json:"tier"`
}

// SwapResponse is a broadcast swap
type SwapResponse struct {
	TransactionHash string              `json:"transactionHash"`
	Status          string              `json:"status"`
	Nonce           uint64              `json:"nonce"`
	Attempts        int                 `json:"attempts"`
	Quote           QuoteResponse       `json:"quote"`
	Gas             GasEstimateResponse `json:"gas"`
}

// RouteLookupResponse carries a null route when no path exists
type RouteLookupResponse struct {
	Route *QuoteResponse `json:"route"`
}

// TransactionStatusResponse is a receipt lookup
type TransactionStatusResponse struct {
	TransactionHash string  `json:"transactionHash"`
	Status          string  `json:"status"`
	BlockNumber     *uint64 `json:"blockNumber,omitempty"`
	GasUsed         *uint64 `json:"gasUsed,omitempty"`
}

// PoolResponse is a pool with its cached reserves
type PoolResponse struct {
	ID            string    `json:"id"`
	TokenA        string    `json:"tokenA"`
	TokenB        string    `json:"tokenB"`
	ReserveA      string    `json:"reserveA"`
	ReserveB      string    `json:"reserveB"`
	FeeBps        uint32    `json:"feeBps"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.svc.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().UTC()})
}

func (s *Server) handleQuote(c *gin.Context) {
	var req QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	q, err := parseQuote(req)
	if err != nil {
		s.fail(c, err)
		return
	}

	result, err := s.svc.GetQuote(c.Request.Context(), q)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.quoteResponse(result.Route, result.Quote))
}

func (s *Server) handleSwap(c *gin.Context) {
	var req SwapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	q, err := parseQuote(req.QuoteRequest)
	if err != nil {
		s.fail(c, err)
		return
	}
	sender, err := types.ParseAddress(req.Sender)
	if err != nil {
		s.fail(c, err)
		return
	}
	swap := trading.SwapRequest{QuoteRequest: q, Sender: sender}
	if req.MinimumOutput != "" {
		if swap.MinimumOutput, err = types.ParseAmount(req.MinimumOutput); err != nil {
			s.fail(c, err)
			return
		}
	}

	result, err := s.svc.ExecuteSwap(c.Request.Context(), swap)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SwapResponse{
		TransactionHash: result.TransactionHash.Hex(),
		Status:          string(result.Confirmation.Status),
		Nonce:           result.Nonce,
		Attempts:        result.Attempts,
		Quote:           s.quoteResponse(result.Route, result.Quote),
		Gas:             gasResponse(result.Gas),
	})
}

func (s *Server) handleRoute(c *gin.Context) {
	var req RouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	q, err := parseQuote(QuoteRequest{TokenIn: req.TokenIn, TokenOut: req.TokenOut, AmountIn: req.AmountIn})
	if err != nil {
		s.fail(c, err)
		return
	}

	result, err := s.svc.FindRoute(c.Request.Context(), q.TokenIn, q.TokenOut, q.AmountIn, req.MaxHops)
	if err != nil {
		s.fail(c, err)
		return
	}
	var resp RouteLookupResponse
	if result != nil {
		quote := s.quoteResponse(result.Route, result.Quote)
		resp.Route = &quote
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGasEstimate(c *gin.Context) {
	var req GasEstimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	txType, err := types.ParseTxType(req.Type)
	if err != nil {
		s.fail(c, err)
		return
	}
	params, err := parseTxParams(txType, req)
	if err != nil {
		s.fail(c, err)
		return
	}

	estimate := s.svc.EstimateGasFor(c.Request.Context(), txType, params)
	c.JSON(http.StatusOK, gasResponse(estimate))
}

func (s *Server) handleTransactionStatus(c *gin.Context) {
	raw := c.Param("hash")
	if !hashPattern.MatchString(raw) {
		s.fail(c, types.ErrInvalidAddress.Wrapf("transaction hash %q", raw))
		return
	}

	record, err := s.svc.TransactionStatus(c.Request.Context(), common.HexToHash(raw))
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := TransactionStatusResponse{
		TransactionHash: record.TransactionHash.Hex(),
		Status:          string(record.Status),
	}
	if r := record.Receipt; r != nil {
		gasUsed := r.GasUsed
		resp.GasUsed = &gasUsed
		if r.BlockNumber != nil {
			block := r.BlockNumber.Uint64()
			resp.BlockNumber = &block
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePools(c *gin.Context) {
	pools, err := s.svc.Pools(c.Request.Context())
	if err != nil && len(pools) == 0 {
		s.fail(c, err)
		return
	}
	resp := make([]PoolResponse, 0, len(pools))
	for _, p := range pools {
		resp = append(resp, PoolResponse{
			ID:            p.ID.Hex(),
			TokenA:        p.TokenA.String(),
			TokenB:        p.TokenB.String(),
			ReserveA:      dec(p.ReserveA),
			ReserveB:      dec(p.ReserveB),
			FeeBps:        p.FeeBps,
			LastUpdatedAt: p.LastUpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"pools": resp})
}

func parseQuote(req QuoteRequest) (trading.QuoteRequest, error) {
	tokenIn, err := types.ParseAddress(req.TokenIn)
	if err != nil {
		return trading.QuoteRequest{}, err
	}
	tokenOut, err := types.ParseAddress(req.TokenOut)
	if err != nil {
		return trading.QuoteRequest{}, err
	}
	amountIn, err := types.ParseAmount(req.AmountIn)
	if err != nil {
		return trading.QuoteRequest{}, err
	}
	return trading.QuoteRequest{TokenIn: tokenIn, TokenOut: tokenOut, AmountIn: amountIn, SlippageBps: req.SlippageBps}, nil
}

// parseTxParams reads the fields of txType. Empty fields keep their zero value.
func parseTxParams(txType types.TxType, req GasEstimateRequest) (types.TxParams, error) {
	var err error
	addr := func(s string) common.Address {
		if s == "" || err != nil {
			return common.Address{}
		}
		var a common.Address
		a, err = types.ParseAddress(s)
		return a
	}
	amount := func(s string) *uint256.Int {
		if s == "" || err != nil {
			return nil
		}
		var a *uint256.Int
		a, err = types.ParseAmount(s)
		return a
	}

	var params types.TxParams
	switch txType {
	case types.TxTypeSwap:
		params = types.SwapParams{TokenIn: addr(req.TokenIn), TokenOut: addr(req.TokenOut), AmountIn: amount(req.AmountIn), Hops: req.Hops, Sender: addr(req.Sender)}
	case types.TxTypeAddLiquidity:
		params = types.AddLiquidityParams{TokenA: addr(req.TokenA), TokenB: addr(req.TokenB), AmountA: amount(req.AmountA), AmountB: amount(req.AmountB)}
	case types.TxTypeRemoveLiquidity:
		params = types.RemoveLiquidityParams{TokenA: addr(req.TokenA), TokenB: addr(req.TokenB), Liquidity: amount(req.Liquidity)}
	default:
		return nil, types.ErrInvalidTxType.Wrapf("unknown transaction type %q", txType)
	}
	if err != nil {
		return nil, err
	}
	return params, nil
}

func (s *Server) quoteResponse(route *types.Route, quote *types.Quote) QuoteResponse {
	resp := QuoteResponse{
		Route:          routeResponse(route),
		AmountIn:       dec(quote.InputAmount),
		AmountOut:      dec(quote.OutputAmount),
		MinimumOutput:  dec(quote.MinimumOutput),
		PriceImpactBps: quote.PriceImpactBps,
		FeeTotal:       dec(quote.FeeTotal),
		HopFees:        make([]string, len(quote.HopFees)),
		SlippageBps:    quote.SlippageBps,
		SnapshotAt:     quote.SnapshotAt,
	}
	for i, fee := range quote.HopFees {
		resp.HopFees[i] = dec(fee)
	}
	if route.Len() > 0 {
		out := route.Hops[route.Len()-1].TokenOut
		if token, ok := s.svc.Token(out.Address); ok {
			out = token
		}
		resp.AmountOutFormatted = output.FormatUnits(quote.OutputAmount, out.Decimals)
		resp.MinimumOutputFormatted = output.FormatUnits(quote.MinimumOutput, out.Decimals)
	}
	return resp
}

func routeResponse(route *types.Route) RouteResponse {
	resp := RouteResponse{Hops: make([]HopResponse, 0, route.Len())}
	for _, token := range route.Tokens() {
		resp.Path = append(resp.Path, token.String())
	}
	for _, hop := range route.Hops {
		resp.Hops = append(resp.Hops, HopResponse{
			Pool:     hop.Pool.ID.Hex(),
			TokenIn:  hop.TokenIn.Address.Hex(),
			TokenOut: hop.TokenOut.Address.Hex(),
			FeeBps:   hop.Pool.FeeBps,
		})
	}
	return resp
}

func gasResponse(g types.GasEstimate) GasEstimateResponse {
	return GasEstimateResponse{
		GasLimit:                  g.GasLimit,
		GasPrice:                  bigDec(g.GasPrice),
		MaxFeePerGas:              bigDec(g.MaxFeePerGas),
		MaxPriorityFeePerGas:      bigDec(g.MaxPriorityFeePerGas),
		TotalCost:                 bigDec(g.TotalCost),
		EstimatedConfirmationSecs: g.EstimatedConfirmationTime.Seconds(),
		Tier:                      string(g.Tier),
	}
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func bigDec(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
