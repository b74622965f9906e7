package eth

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devlongs/amm-router/internal/config"
	"github.com/devlongs/amm-router/pkg/types"
)

type fakeBackend struct {
	call      func(ethereum.CallMsg) ([]byte, error)
	estimate  func(ethereum.CallMsg) (uint64, error)
	send      func(*ethtypes.Transaction) error
	receipt   func(common.Hash) (*ethtypes.Receipt, error)
	header    *ethtypes.Header
	tip       *big.Int
	gasPrice  *big.Int
	nonce     uint64
	calls     int
	sends     int
	receipts  int
	estimates int
}

func (f *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	return f.call(call)
}

func (f *fakeBackend) EstimateGas(_ context.Context, call ethereum.CallMsg) (uint64, error) {
	f.estimates++
	return f.estimate(call)
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *ethtypes.Transaction) error {
	f.sends++
	return f.send(tx)
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	f.receipts++
	return f.receipt(hash)
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*ethtypes.Header, error) {
	return f.header, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return f.tip, nil }
func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error)  { return f.gasPrice, nil }

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) Close() {}

func testClient(b *fakeBackend) *Client {
	return newClient(b, config.RPCConfig{RetryAttempts: 3, RetryDelay: time.Millisecond}, big.NewInt(1))
}

func word(v int64) []byte {
	return common.LeftPadBytes(big.NewInt(v).Bytes(), 32)
}

func reservesResponse(r0, r1 int64) []byte {
	out := append(word(r0), word(r1)...)
	return append(out, word(1_700_000_000)...)
}

// revertErr mimics the JSON-RPC error go-ethereum returns for a reverted call
type revertErr struct{ data string }

func (e revertErr) Error() string          { return "execution reverted" }
func (e revertErr) ErrorCode() int         { return 3 }
func (e revertErr) ErrorData() interface{} { return e.data }

func revertData(t *testing.T, reason string) string {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	return hexutil.Encode(append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...))
}

var (
	low  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	high = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

func TestGetReservesOrdering(t *testing.T) {
	cases := []struct {
		name         string
		tokenA       common.Address
		tokenB       common.Address
		wantA, wantB uint64
	}{
		{"tokenA is token0", low, high, 100, 200},
		{"tokenA is token1", high, low, 200, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := &fakeBackend{call: func(ethereum.CallMsg) ([]byte, error) {
				return reservesResponse(100, 200), nil
			}}
			c := testClient(b)
			pool := types.Pool{
				ID:     common.HexToAddress("0xaa"),
				TokenA: types.Token{Address: tc.tokenA},
				TokenB: types.Token{Address: tc.tokenB},
			}
			ra, rb, err := c.GetReserves(context.Background(), pool)
			require.NoError(t, err)
			assert.Equal(t, uint256.NewInt(tc.wantA), ra)
			assert.Equal(t, uint256.NewInt(tc.wantB), rb)
		})
	}
}

func TestReadsAreRetried(t *testing.T) {
	attempts := 0
	b := &fakeBackend{call: func(ethereum.CallMsg) ([]byte, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection reset")
		}
		return reservesResponse(1, 2), nil
	}}
	c := testClient(b)

	_, _, err := c.GetReserves(context.Background(), types.Pool{TokenA: types.Token{Address: low}, TokenB: types.Token{Address: high}})
	require.NoError(t, err)
	assert.Equal(t, 3, b.calls)
}

func TestReadsGiveUp(t *testing.T) {
	b := &fakeBackend{call: func(ethereum.CallMsg) ([]byte, error) {
		return nil, errors.New("connection refused")
	}}
	c := testClient(b)

	_, _, err := c.GetReserves(context.Background(), types.Pool{})
	require.ErrorIs(t, err, types.ErrNodeUnavailable)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, b.calls)
}

func TestReadsStopOnCancel(t *testing.T) {
	b := &fakeBackend{call: func(ethereum.CallMsg) ([]byte, error) {
		return nil, errors.New("connection refused")
	}}
	c := testClient(b)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := c.GetReserves(ctx, types.Pool{})
	require.ErrorIs(t, err, types.ErrNodeUnavailable)
	assert.Zero(t, b.calls)
}

func TestSimulateCall(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		b := &fakeBackend{estimate: func(ethereum.CallMsg) (uint64, error) { return 140_000, nil }}
		res, err := testClient(b).SimulateCall(context.Background(), ethereum.CallMsg{})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, uint64(140_000), res.GasUsed)
	})

	t.Run("revert with reason", func(t *testing.T) {
		data := revertData(t, "UniswapV2Router: EXPIRED")
		b := &fakeBackend{estimate: func(ethereum.CallMsg) (uint64, error) { return 0, revertErr{data: data} }}
		res, err := testClient(b).SimulateCall(context.Background(), ethereum.CallMsg{})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "UniswapV2Router: EXPIRED", res.RevertReason)
		assert.Equal(t, 1, b.estimates, "a revert is an answer, not a retryable failure")
	})

	t.Run("revert without data", func(t *testing.T) {
		b := &fakeBackend{estimate: func(ethereum.CallMsg) (uint64, error) {
			return 0, errors.New("execution reverted")
		}}
		res, err := testClient(b).SimulateCall(context.Background(), ethereum.CallMsg{})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "execution reverted", res.RevertReason)
	})

	t.Run("node failure", func(t *testing.T) {
		b := &fakeBackend{estimate: func(ethereum.CallMsg) (uint64, error) { return 0, errors.New("timeout") }}
		_, err := testClient(b).SimulateCall(context.Background(), ethereum.CallMsg{})
		require.ErrorIs(t, err, types.ErrNodeUnavailable)
	})
}

func TestBroadcastIsNotRetried(t *testing.T) {
	b := &fakeBackend{send: func(*ethtypes.Transaction) error { return errors.New("nonce too low") }}
	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{ChainID: big.NewInt(1), Nonce: 1})

	_, err := testClient(b).Broadcast(context.Background(), tx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce too low")
	assert.Equal(t, 1, b.sends)

	b.send = func(*ethtypes.Transaction) error { return nil }
	hash, err := testClient(b).Broadcast(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, tx.Hash(), hash)
}

func TestGetReceiptNotFound(t *testing.T) {
	b := &fakeBackend{receipt: func(common.Hash) (*ethtypes.Receipt, error) { return nil, ethereum.NotFound }}

	receipt, err := testClient(b).GetReceipt(context.Background(), common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.Nil(t, receipt)
	assert.Equal(t, 1, b.receipts)
}

func TestGetFeeMarket(t *testing.T) {
	b := &fakeBackend{
		header: &ethtypes.Header{BaseFee: big.NewInt(30e9)},
		tip:    big.NewInt(2e9),
	}
	fees, err := testClient(b).GetFeeMarket(context.Background())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(30e9), fees.BaseFee)
	assert.Equal(t, big.NewInt(2e9), fees.SuggestedPriorityFee)

	b.header = &ethtypes.Header{}
	b.gasPrice = big.NewInt(15e9)
	fees, err = testClient(b).GetFeeMarket(context.Background())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(15e9), fees.BaseFee)
}

func TestVerifyPair(t *testing.T) {
	b := &fakeBackend{call: func(call ethereum.CallMsg) ([]byte, error) {
		switch hexutil.Encode(call.Data) {
		case "0x0dfe1681":
			return common.LeftPadBytes(low.Bytes(), 32), nil
		case "0xd21220a7":
			return common.LeftPadBytes(high.Bytes(), 32), nil
		}
		return nil, errors.New("unexpected selector")
	}}
	c := testClient(b)

	pool := types.Pool{TokenA: types.Token{Address: high}, TokenB: types.Token{Address: low}}
	require.NoError(t, c.VerifyPair(context.Background(), pool))

	pool.TokenB = types.Token{Address: common.HexToAddress("0x03")}
	require.ErrorIs(t, c.VerifyPair(context.Background(), pool), types.ErrInvalidPair)
}

func TestPendingNonce(t *testing.T) {
	b := &fakeBackend{nonce: 42}
	nonce, err := testClient(b).PendingNonce(context.Background(), low)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), nonce)
}
