package uniswapv2

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const pairABIJSON = `[
	{"constant":true,"inputs":[],"name":"getReserves","outputs":[{"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},{"name":"blockTimestampLast","type":"uint32"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"token0","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"token1","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

var pairABI = mustParse(pairABIJSON)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("uniswapv2: invalid abi: %v", err))
	}
	return parsed
}

// SortTokens returns the pair's (token0, token1) ordering: lower address first.
func SortTokens(a, b common.Address) (common.Address, common.Address) {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		return b, a
	}
	return a, b
}

// PackGetReserves returns calldata for getReserves() (selector 0x0902f1ac).
func PackGetReserves() []byte {
	data, _ := pairABI.Pack("getReserves")
	return data
}

// UnpackReserves decodes a getReserves() response into (reserve0, reserve1).
func UnpackReserves(result []byte) (*big.Int, *big.Int, error) {
	out, err := pairABI.Unpack("getReserves", result)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid getReserves response: %w", err)
	}
	reserve0, ok0 := out[0].(*big.Int)
	reserve1, ok1 := out[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, fmt.Errorf("invalid getReserves response: unexpected types %T, %T", out[0], out[1])
	}
	return reserve0, reserve1, nil
}

// PackToken0 returns calldata for token0().
func PackToken0() []byte {
	data, _ := pairABI.Pack("token0")
	return data
}

// PackToken1 returns calldata for token1().
func PackToken1() []byte {
	data, _ := pairABI.Pack("token1")
	return data
}

// UnpackAddress decodes a token0()/token1() response.
func UnpackAddress(method string, result []byte) (common.Address, error) {
	out, err := pairABI.Unpack(method, result)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid %s response: %w", method, err)
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("invalid %s response: unexpected type %T", method, out[0])
	}
	return addr, nil
}
