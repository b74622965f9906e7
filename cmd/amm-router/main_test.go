package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devlongs/amm-router/pkg/types"
)

const (
	wethHex = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	usdcHex = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
)

func TestParseQuoteArgs(t *testing.T) {
	req, err := parseQuoteArgs([]string{wethHex, usdcHex, "1000"}, -1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), req.AmountIn.Uint64())
	assert.Nil(t, req.SlippageBps)

	req, err = parseQuoteArgs([]string{wethHex, usdcHex, "1000"}, 75)
	require.NoError(t, err)
	require.NotNil(t, req.SlippageBps)
	assert.Equal(t, uint32(75), *req.SlippageBps)

	tests := []struct {
		name     string
		args     []string
		slippage int
		want     error
	}{
		{"bad token in", []string{"weth", usdcHex, "1000"}, -1, types.ErrInvalidAddress},
		{"bad token out", []string{wethHex, "0x12", "1000"}, -1, types.ErrInvalidAddress},
		{"bad amount", []string{wethHex, usdcHex, "1.5"}, -1, types.ErrInvalidAmount},
		{"slippage out of range", []string{wethHex, usdcHex, "1000"}, 10_000, types.ErrInvalidSlippage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseQuoteArgs(tt.args, tt.slippage)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	require.NotNil(t, root.PersistentFlags().Lookup("config"))

	for _, name := range []string{"serve", "quote", "pools"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}
