package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devlongs/amm-router/internal/config"
	"github.com/devlongs/amm-router/internal/metrics"
	"github.com/devlongs/amm-router/internal/router"
	"github.com/devlongs/amm-router/internal/trading"
	"github.com/devlongs/amm-router/pkg/types"
)

var (
	weth = types.Token{Address: common.HexToAddress("0x00000000000000000000000000000000000000aa"), Symbol: "WETH", Decimals: 18}
	usdc = types.Token{Address: common.HexToAddress("0x00000000000000000000000000000000000000bb"), Symbol: "USDC", Decimals: 6}

	sender = "0x00000000000000000000000000000000000000ee"
)

type fakeService struct {
	quote     func(trading.QuoteRequest) (*router.Result, error)
	swap      func(trading.SwapRequest) (*trading.SwapResult, error)
	route     func(maxHops int) (*router.Result, error)
	status    func(common.Hash) (types.ConfirmationRecord, error)
	healthErr error

	gasType   types.TxType
	gasParams types.TxParams
}

func (f *fakeService) GetQuote(_ context.Context, req trading.QuoteRequest) (*router.Result, error) {
	return f.quote(req)
}

func (f *fakeService) ExecuteSwap(_ context.Context, req trading.SwapRequest) (*trading.SwapResult, error) {
	return f.swap(req)
}

func (f *fakeService) FindRoute(_ context.Context, _, _ common.Address, _ *uint256.Int, maxHops int) (*router.Result, error) {
	return f.route(maxHops)
}

func (f *fakeService) EstimateGasFor(_ context.Context, txType types.TxType, params types.TxParams) types.GasEstimate {
	f.gasType, f.gasParams = txType, params
	return types.GasEstimate{
		GasLimit:                  250_000,
		GasPrice:                  big.NewInt(21e9),
		MaxFeePerGas:              big.NewInt(41e9),
		MaxPriorityFeePerGas:      big.NewInt(1e9),
		TotalCost:                 big.NewInt(250_000 * 41e9),
		EstimatedConfirmationTime: 12 * time.Second,
		Tier:                      types.GasTierStaticTable,
	}
}

func (f *fakeService) TransactionStatus(_ context.Context, hash common.Hash) (types.ConfirmationRecord, error) {
	return f.status(hash)
}

func (f *fakeService) Pools(context.Context) ([]types.Pool, error) {
	return []types.Pool{{
		ID: common.HexToAddress("0x0101"), TokenA: weth, TokenB: usdc, FeeBps: 30,
		ReserveA: uint256.NewInt(1_000_000), ReserveB: uint256.NewInt(2_000_000),
	}}, nil
}

func (f *fakeService) Token(address common.Address) (types.Token, bool) {
	switch address {
	case weth.Address:
		return weth, true
	case usdc.Address:
		return usdc, true
	}
	return types.Token{}, false
}

func (f *fakeService) Health(context.Context) error { return f.healthErr }

func sampleResult() *router.Result {
	pool := types.Pool{ID: common.HexToAddress("0x0101"), TokenA: weth, TokenB: usdc, FeeBps: 30}
	return &router.Result{
		Route: &types.Route{Hops: []types.RouteHop{{Pool: pool, TokenIn: weth, TokenOut: usdc}}},
		Quote: &types.Quote{
			InputAmount:    uint256.NewInt(1_000),
			OutputAmount:   uint256.NewInt(1_992_000),
			PriceImpactBps: 9,
			FeeTotal:       uint256.NewInt(3),
			HopFees:        []*uint256.Int{uint256.NewInt(3)},
			SlippageBps:    50,
			MinimumOutput:  uint256.NewInt(1_982_040),
		},
	}
}

func newTestServer(t *testing.T, svc *fakeService, mutate ...func(*config.APIConfig)) (*Server, *prometheus.Registry) {
	t.Helper()
	cfg := config.APIConfig{RequestsPerSecond: 1000, Burst: 1000, RequestTimeout: time.Second}
	for _, fn := range mutate {
		fn(&cfg)
	}
	reg := prometheus.NewRegistry()
	return NewServer(cfg, svc, nil, metrics.New(reg), reg), reg
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestQuote(t *testing.T) {
	var got trading.QuoteRequest
	svc := &fakeService{quote: func(req trading.QuoteRequest) (*router.Result, error) {
		got = req
		return sampleResult(), nil
	}}
	s, _ := newTestServer(t, svc)

	w := do(t, s, http.MethodPost, "/v1/quote", map[string]interface{}{
		"tokenIn": weth.Address.Hex(), "tokenOut": usdc.Address.Hex(), "amountIn": "1000", "slippageBps": 100,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp QuoteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "1992000", resp.AmountOut)
	assert.Equal(t, "1.992", resp.AmountOutFormatted)
	assert.Equal(t, "1.98204", resp.MinimumOutputFormatted)
	assert.Equal(t, []string{"WETH", "USDC"}, resp.Route.Path)
	assert.Equal(t, []string{"3"}, resp.HopFees)

	assert.Equal(t, weth.Address, got.TokenIn)
	assert.Equal(t, uint64(1_000), got.AmountIn.Uint64())
	require.NotNil(t, got.SlippageBps)
	assert.Equal(t, uint32(100), *got.SlippageBps)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestValidationErrors(t *testing.T) {
	svc := &fakeService{quote: func(trading.QuoteRequest) (*router.Result, error) {
		t.Fatal("service must not be called")
		return nil, nil
	}}
	s, _ := newTestServer(t, svc)

	cases := []struct {
		name string
		body map[string]interface{}
		code string
	}{
		{"missing field", map[string]interface{}{"tokenIn": weth.Address.Hex()}, ""},
		{"bad address", map[string]interface{}{"tokenIn": "0x123", "tokenOut": usdc.Address.Hex(), "amountIn": "1"}, "ammrouter:3"},
		{"bad amount", map[string]interface{}{"tokenIn": weth.Address.Hex(), "tokenOut": usdc.Address.Hex(), "amountIn": "1.5"}, "ammrouter:2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, "/v1/quote", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, string(types.KindValidation), resp.Kind)
			assert.Equal(t, tc.code, resp.Code)
		})
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{types.ErrInvalidPair.Wrap("same token"), http.StatusBadRequest},
		{types.ErrInsufficientLiquidity.Wrap("no route"), http.StatusUnprocessableEntity},
		{types.ErrSlippageExceeded.Wrap("too tight"), http.StatusConflict},
		{types.ErrPoolNotFound, http.StatusNotFound},
		{types.ErrWalletNotFound, http.StatusNotFound},
		{types.ErrSimulationReverted.Wrap("EXPIRED"), http.StatusUnprocessableEntity},
		{types.ErrBroadcast, http.StatusBadGateway},
		{types.ErrStaleData, http.StatusServiceUnavailable},
		{types.ErrNodeUnavailable, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{context.Canceled, statusClientClosedRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, body := statusFor(tc.err)
		assert.Equal(t, tc.want, status, tc.err.Error())
		assert.NotEmpty(t, body.Kind)
	}

	_, body := statusFor(errors.New("secret detail"))
	assert.Equal(t, "internal error", body.Error)
}

func TestSwap(t *testing.T) {
	var got trading.SwapRequest
	svc := &fakeService{swap: func(req trading.SwapRequest) (*trading.SwapResult, error) {
		got = req
		res := sampleResult()
		return &trading.SwapResult{
			TransactionHash: common.HexToHash("0xabc"),
			Route:           res.Route,
			Quote:           res.Quote,
			Nonce:           4,
			Attempts:        1,
			Gas:             types.GasEstimate{GasLimit: 120_000, Tier: types.GasTierLive},
			Confirmation:    types.ConfirmationRecord{Status: types.StatusTimedOut},
		}, nil
	}}
	s, _ := newTestServer(t, svc)

	w := do(t, s, http.MethodPost, "/v1/swap", map[string]interface{}{
		"tokenIn": weth.Address.Hex(), "tokenOut": usdc.Address.Hex(), "amountIn": "1000",
		"minimumOutput": "1900000", "sender": sender,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp SwapResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, common.HexToHash("0xabc").Hex(), resp.TransactionHash)
	assert.Equal(t, "timed_out", resp.Status)
	assert.Equal(t, uint64(4), resp.Nonce)
	assert.Equal(t, "live", resp.Gas.Tier)
	assert.Equal(t, "0", resp.Gas.TotalCost)

	assert.Equal(t, common.HexToAddress(sender), got.Sender)
	require.NotNil(t, got.MinimumOutput)
	assert.Equal(t, uint64(1_900_000), got.MinimumOutput.Uint64())
}

func TestSwapRejected(t *testing.T) {
	svc := &fakeService{swap: func(trading.SwapRequest) (*trading.SwapResult, error) {
		return nil, types.ErrSlippageExceeded.Wrap("requested minimum above quoted minimum")
	}}
	s, _ := newTestServer(t, svc)

	w := do(t, s, http.MethodPost, "/v1/swap", map[string]interface{}{
		"tokenIn": weth.Address.Hex(), "tokenOut": usdc.Address.Hex(), "amountIn": "1000", "sender": sender,
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(types.KindMarket), resp.Kind)
	assert.Equal(t, "ammrouter:8", resp.Code)
}

func TestSwapCancelled(t *testing.T) {
	svc := &fakeService{swap: func(trading.SwapRequest) (*trading.SwapResult, error) {
		return nil, context.Canceled
	}}
	s, _ := newTestServer(t, svc)

	w := do(t, s, http.MethodPost, "/v1/swap", map[string]interface{}{
		"tokenIn": weth.Address.Hex(), "tokenOut": usdc.Address.Hex(), "amountIn": "1000", "sender": sender,
	})
	assert.Equal(t, statusClientClosedRequest, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "request cancelled", resp.Error)
	assert.Equal(t, string(types.KindInfrastructure), resp.Kind)
}

func TestRouteLookup(t *testing.T) {
	svc := &fakeService{route: func(maxHops int) (*router.Result, error) {
		if maxHops == 1 {
			return nil, nil
		}
		return sampleResult(), nil
	}}
	s, _ := newTestServer(t, svc)
	body := map[string]interface{}{"tokenIn": weth.Address.Hex(), "tokenOut": usdc.Address.Hex(), "amountIn": "1000"}

	w := do(t, s, http.MethodPost, "/v1/route", body)
	require.Equal(t, http.StatusOK, w.Code)
	var found RouteLookupResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &found))
	require.NotNil(t, found.Route)
	assert.Len(t, found.Route.Route.Hops, 1)

	body["maxHops"] = 1
	w = do(t, s, http.MethodPost, "/v1/route", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"route":null}`, w.Body.String())
}

func TestGasEstimate(t *testing.T) {
	svc := &fakeService{}
	s, _ := newTestServer(t, svc)

	w := do(t, s, http.MethodPost, "/v1/gas/estimate", map[string]interface{}{
		"type": "addLiquidity", "tokenA": weth.Address.Hex(), "amountA": "5",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp GasEstimateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, uint64(250_000), resp.GasLimit)
	assert.Equal(t, "41000000000", resp.MaxFeePerGas)
	assert.Equal(t, float64(12), resp.EstimatedConfirmationSecs)
	assert.Equal(t, "static_table", resp.Tier)

	assert.Equal(t, types.TxTypeAddLiquidity, svc.gasType)
	params, ok := svc.gasParams.(types.AddLiquidityParams)
	require.True(t, ok)
	assert.Equal(t, weth.Address, params.TokenA)
	assert.Equal(t, uint64(5), params.AmountA.Uint64())
	assert.Nil(t, params.AmountB)

	w = do(t, s, http.MethodPost, "/v1/gas/estimate", map[string]interface{}{"type": "bridge"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "ammrouter:15")

	w = do(t, s, http.MethodPost, "/v1/gas/estimate", map[string]interface{}{"type": "swap", "tokenIn": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGasEstimateSwapSender(t *testing.T) {
	svc := &fakeService{}
	s, _ := newTestServer(t, svc)

	w := do(t, s, http.MethodPost, "/v1/gas/estimate", map[string]interface{}{
		"type": "swap", "tokenIn": weth.Address.Hex(), "tokenOut": usdc.Address.Hex(), "amountIn": "1000", "sender": sender,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	params, ok := svc.gasParams.(types.SwapParams)
	require.True(t, ok)
	assert.Equal(t, common.HexToAddress(sender), params.Sender)
	assert.Equal(t, uint64(1_000), params.AmountIn.Uint64())

	w = do(t, s, http.MethodPost, "/v1/gas/estimate", map[string]interface{}{"type": "swap", "sender": "0x12"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "ammrouter:3")
}

func TestTransactionStatus(t *testing.T) {
	hash := common.HexToHash("0x1234")
	svc := &fakeService{status: func(h common.Hash) (types.ConfirmationRecord, error) {
		return types.ConfirmationRecord{
			TransactionHash: h,
			Status:          types.StatusConfirmed,
			Receipt:         &ethtypes.Receipt{Status: 1, GasUsed: 98_000, BlockNumber: big.NewInt(19_000_000)},
		}, nil
	}}
	s, _ := newTestServer(t, svc)

	w := do(t, s, http.MethodGet, "/v1/transactions/"+hash.Hex(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp TransactionStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "confirmed", resp.Status)
	require.NotNil(t, resp.BlockNumber)
	assert.Equal(t, uint64(19_000_000), *resp.BlockNumber)
	assert.Equal(t, uint64(98_000), *resp.GasUsed)

	w = do(t, s, http.MethodGet, "/v1/transactions/0x1234", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPools(t *testing.T) {
	s, _ := newTestServer(t, &fakeService{})

	w := do(t, s, http.MethodGet, "/v1/pools", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"reserveB":"2000000"`)
	assert.Contains(t, w.Body.String(), `"tokenA":"WETH"`)
}

func TestHealthAndMetrics(t *testing.T) {
	svc := &fakeService{}
	s, _ := newTestServer(t, svc)

	w := do(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	svc.healthErr = types.ErrNodeUnavailable
	w = do(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `amm_router_api_requests_total{endpoint="/healthz",method="GET",status="503"} 1`), w.Body.String())
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, &fakeService{}, func(c *config.APIConfig) {
		c.RequestsPerSecond = 0.001
		c.Burst = 1
	})

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, s, http.MethodGet, "/healthz", nil).Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	s, _ := newTestServer(t, &fakeService{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}
