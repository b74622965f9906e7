package uniswapv2

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectors(t *testing.T) {
	assert.Equal(t, "0x0902f1ac", hexutil.Encode(PackGetReserves()))
	assert.Equal(t, "0x0dfe1681", hexutil.Encode(PackToken0()))
	assert.Equal(t, "0xd21220a7", hexutil.Encode(PackToken1()))
}

func TestSortTokens(t *testing.T) {
	a := common.HexToAddress("0x01")
	b := common.HexToAddress("0x02")

	t0, t1 := SortTokens(b, a)
	assert.Equal(t, a, t0)
	assert.Equal(t, b, t1)

	t0, t1 = SortTokens(a, b)
	assert.Equal(t, a, t0)
	assert.Equal(t, b, t1)
}

func TestUnpackReserves(t *testing.T) {
	var data []byte
	for _, v := range []int64{5_000, 7_000, 1} {
		data = append(data, common.LeftPadBytes(big.NewInt(v).Bytes(), 32)...)
	}
	r0, r1, err := UnpackReserves(data)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(5_000), r0)
	assert.Equal(t, big.NewInt(7_000), r1)

	_, _, err = UnpackReserves([]byte{0x01})
	require.Error(t, err)
}

func TestSwapCalldata(t *testing.T) {
	swap := SwapExactTokensForTokens{
		AmountIn:     big.NewInt(1_000),
		AmountOutMin: big.NewInt(990),
		Path:         []common.Address{common.HexToAddress("0x0a"), common.HexToAddress("0x0b"), common.HexToAddress("0x0c")},
		To:           common.HexToAddress("0xbeef"),
		Deadline:     big.NewInt(1_700_000_000),
	}
	data, err := swap.Pack()
	require.NoError(t, err)
	assert.Equal(t, "0x38ed1739", hexutil.Encode(data[:4]))

	decoded, err := UnpackSwapExactTokensForTokens(data)
	require.NoError(t, err)
	assert.Equal(t, swap, decoded)

	_, err = UnpackSwapExactTokensForTokens([]byte{0x01, 0x02, 0x03, 0x04})
	require.Error(t, err)

	swap.Path = swap.Path[:1]
	_, err = swap.Pack()
	require.Error(t, err)
}
