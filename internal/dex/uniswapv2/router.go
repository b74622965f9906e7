package uniswapv2

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const routerABIJSON = `[
	{"inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"swapExactTokensForTokens","outputs":[{"name":"amounts","type":"uint256[]"}],"stateMutability":"nonpayable","type":"function"}
]`

var routerABI = mustParse(routerABIJSON)

// SwapExactTokensForTokens is the argument set of the router call of the same name
type SwapExactTokensForTokens struct {
	AmountIn     *big.Int
	AmountOutMin *big.Int
	Path         []common.Address
	To           common.Address
	Deadline     *big.Int
}

// Pack encodes the call (selector 0x38ed1739)
func (s SwapExactTokensForTokens) Pack() ([]byte, error) {
	if len(s.Path) < 2 {
		return nil, fmt.Errorf("swap path needs at least two tokens, got %d", len(s.Path))
	}
	data, err := routerABI.Pack("swapExactTokensForTokens", s.AmountIn, s.AmountOutMin, s.Path, s.To, s.Deadline)
	if err != nil {
		return nil, fmt.Errorf("failed to pack swap: %w", err)
	}
	return data, nil
}

// UnpackSwapExactTokensForTokens decodes calldata produced by Pack
func UnpackSwapExactTokensForTokens(data []byte) (SwapExactTokensForTokens, error) {
	method := routerABI.Methods["swapExactTokensForTokens"]
	if len(data) < 4 || string(data[:4]) != string(method.ID) {
		return SwapExactTokensForTokens{}, fmt.Errorf("not a swapExactTokensForTokens call")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return SwapExactTokensForTokens{}, fmt.Errorf("failed to unpack swap: %w", err)
	}
	return SwapExactTokensForTokens{
		AmountIn:     args[0].(*big.Int),
		AmountOutMin: args[1].(*big.Int),
		Path:         args[2].([]common.Address),
		To:           args[3].(common.Address),
		Deadline:     args[4].(*big.Int),
	}, nil
}
