package eth

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/devlongs/amm-router/internal/config"
	"github.com/devlongs/amm-router/internal/dex/uniswapv2"
	"github.com/devlongs/amm-router/internal/ledger"
	"github.com/devlongs/amm-router/pkg/types"
)

// backend is the slice of ethclient.Client the router uses
type backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	Close()
}

var _ ledger.Node = (*Client)(nil)

// Client wraps the Ethereum client with retry logic and request pacing.
// It implements ledger.Node.
type Client struct {
	client  backend
	cfg     config.RPCConfig
	chainID *big.Int
	limiter *rate.Limiter
}

// NewClient creates a new Ethereum client
func NewClient(cfg config.RPCConfig) (*Client, error) {
	client, err := ethclient.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum node: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	log.Info().
		Str("url", cfg.URL).
		Str("chainID", chainID.String()).
		Msg("Connected to Ethereum node")

	return newClient(client, cfg, chainID), nil
}

func newClient(b backend, cfg config.RPCConfig, chainID *big.Int) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	return &Client{
		client:  b,
		cfg:     cfg,
		chainID: chainID,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Close closes the client connection
func (c *Client) Close() {
	c.client.Close()
}

// ChainID returns the chain ID
func (c *Client) ChainID() *big.Int {
	return c.chainID
}

// retry runs fn up to RetryAttempts times. Cancellation stops it early.
func retry[T any](ctx context.Context, c *Client, what string, fn func(context.Context) (T, error)) (T, error) {
	var (
		out T
		err error
	)
	for i := 0; i < c.cfg.RetryAttempts; i++ {
		if err = c.limiter.Wait(ctx); err != nil {
			return out, types.ErrNodeUnavailable.Wrapf("%s: %v", what, err)
		}
		out, err = fn(ctx)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil || i == c.cfg.RetryAttempts-1 {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msgf("Failed to %s, retrying...", what)

		select {
		case <-ctx.Done():
		case <-time.After(c.cfg.RetryDelay):
		}
	}
	return out, types.ErrNodeUnavailable.Wrapf("failed to %s after %d attempts: %v", what, c.cfg.RetryAttempts, err)
}

// GetReserves reads getReserves() and orders the result as (TokenA, TokenB)
func (c *Client) GetReserves(ctx context.Context, pool types.Pool) (*uint256.Int, *uint256.Int, error) {
	to := pool.ID
	call := ethereum.CallMsg{To: &to, Data: uniswapv2.PackGetReserves()}

	result, err := retry(ctx, c, "get reserves", func(ctx context.Context) ([]byte, error) {
		return c.client.CallContract(ctx, call, nil)
	})
	if err != nil {
		return nil, nil, err
	}

	reserve0, reserve1, err := uniswapv2.UnpackReserves(result)
	if err != nil {
		return nil, nil, types.ErrNodeUnavailable.Wrapf("pool %s: %v", pool.ID.Hex(), err)
	}
	return orderReserves(pool, reserve0, reserve1)
}

func orderReserves(pool types.Pool, reserve0, reserve1 *big.Int) (*uint256.Int, *uint256.Int, error) {
	r0, overflow0 := uint256.FromBig(reserve0)
	r1, overflow1 := uint256.FromBig(reserve1)
	if overflow0 || overflow1 {
		return nil, nil, types.ErrNodeUnavailable.Wrapf("pool %s: reserve overflow", pool.ID.Hex())
	}
	token0, _ := uniswapv2.SortTokens(pool.TokenA.Address, pool.TokenB.Address)
	if token0 == pool.TokenA.Address {
		return r0, r1, nil
	}
	return r1, r0, nil
}

// VerifyPair checks that the on-chain token0/token1 match the pool's tokens
func (c *Client) VerifyPair(ctx context.Context, pool types.Pool) error {
	to := pool.ID
	want0, want1 := uniswapv2.SortTokens(pool.TokenA.Address, pool.TokenB.Address)

	for _, check := range []struct {
		method string
		data   []byte
		want   common.Address
	}{
		{"token0", uniswapv2.PackToken0(), want0},
		{"token1", uniswapv2.PackToken1(), want1},
	} {
		call := ethereum.CallMsg{To: &to, Data: check.data}
		result, err := retry(ctx, c, "read "+check.method, func(ctx context.Context) ([]byte, error) {
			return c.client.CallContract(ctx, call, nil)
		})
		if err != nil {
			return err
		}
		got, err := uniswapv2.UnpackAddress(check.method, result)
		if err != nil {
			return types.ErrNodeUnavailable.Wrapf("pool %s: %v", pool.ID.Hex(), err)
		}
		if got != check.want {
			return types.ErrInvalidPair.Wrapf("pool %s %s is %s, configured %s", pool.ID.Hex(), check.method, got.Hex(), check.want.Hex())
		}
	}
	return nil
}

// SimulateCall dry-runs call against pending state. A revert is reported in
// the result, not as an error.
func (c *Client) SimulateCall(ctx context.Context, call ethereum.CallMsg) (ledger.SimulationResult, error) {
	var reverted *ledger.SimulationResult

	gasUsed, err := retry(ctx, c, "simulate call", func(ctx context.Context) (uint64, error) {
		gas, err := c.client.EstimateGas(ctx, call)
		if err != nil && isRevert(err) {
			reverted = &ledger.SimulationResult{RevertReason: revertReason(err)}
			return 0, nil
		}
		return gas, err
	})
	if err != nil {
		return ledger.SimulationResult{}, err
	}
	if reverted != nil {
		return *reverted, nil
	}
	return ledger.SimulationResult{Success: true, GasUsed: gasUsed}, nil
}

// Broadcast sends tx once. The outcome of a failed send is unknown so it is
// never retried here.
func (c *Client) Broadcast(ctx context.Context, tx *ethtypes.Transaction) (common.Hash, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return common.Hash{}, err
	}
	if err := c.client.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

// GetReceipt returns nil, nil while the transaction has no receipt
func (c *Client) GetReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	return retry(ctx, c, "get transaction receipt", func(ctx context.Context) (*ethtypes.Receipt, error) {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return receipt, err
	})
}

// GetFeeMarket returns the latest base fee and the suggested tip
func (c *Client) GetFeeMarket(ctx context.Context) (ledger.FeeMarket, error) {
	header, err := retry(ctx, c, "get latest header", func(ctx context.Context) (*ethtypes.Header, error) {
		return c.client.HeaderByNumber(ctx, nil)
	})
	if err != nil {
		return ledger.FeeMarket{}, err
	}

	tip, err := retry(ctx, c, "suggest gas tip", c.client.SuggestGasTipCap)
	if err != nil {
		return ledger.FeeMarket{}, err
	}

	baseFee := header.BaseFee
	if baseFee == nil {
		// pre-London chain: the legacy price stands in for the base fee
		price, err := retry(ctx, c, "suggest gas price", c.client.SuggestGasPrice)
		if err != nil {
			return ledger.FeeMarket{}, err
		}
		baseFee = price
	}
	return ledger.FeeMarket{BaseFee: baseFee, SuggestedPriorityFee: tip}, nil
}

// PendingNonce returns the account's next nonce including pending transactions
func (c *Client) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	return retry(ctx, c, "get pending nonce", func(ctx context.Context) (uint64, error) {
		return c.client.PendingNonceAt(ctx, account)
	})
}

func isRevert(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == 3 {
		return true
	}
	return strings.Contains(err.Error(), "execution reverted")
}

// revertReason decodes Error(string) revert data when the node returns it
func revertReason(err error) string {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(hexData); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason
				}
			}
		}
	}
	return err.Error()
}
