package types

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// BpsDenominator is the basis-point scale used by fees, slippage and price impact.
const BpsDenominator = 10_000

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ParseAddress validates a hex address and converts it.
func ParseAddress(s string) (common.Address, error) {
	if !addressPattern.MatchString(s) {
		return common.Address{}, ErrInvalidAddress.Wrapf("%q", s)
	}
	return common.HexToAddress(s), nil
}

// ParseAmount parses a base-10 token amount.
func ParseAmount(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidAmount.Wrap("amount is required")
	}
	amount, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, ErrInvalidAmount.Wrapf("%q: %v", s, err)
	}
	return amount, nil
}

// Token represents an ERC20 token. Two tokens are equal iff their addresses match.
type Token struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

// Equal reports whether both tokens share an address.
func (t Token) Equal(o Token) bool {
	return t.Address == o.Address
}

func (t Token) String() string {
	if t.Symbol != "" {
		return t.Symbol
	}
	return t.Address.Hex()
}

// Pool represents a constant-product liquidity pool.
//
// Reserve integers are replaced, never mutated in place, so a copied Pool
// is a stable snapshot.
type Pool struct {
	ID            common.Address
	TokenA        Token
	TokenB        Token
	ReserveA      *uint256.Int
	ReserveB      *uint256.Int
	FeeBps        uint32
	LastUpdatedAt time.Time
}

// Active reports whether both reserves are positive.
func (p Pool) Active() bool {
	return p.ReserveA != nil && p.ReserveB != nil && !p.ReserveA.IsZero() && !p.ReserveB.IsZero()
}

// Has reports whether the pool trades the given token.
func (p Pool) Has(token common.Address) bool {
	return p.TokenA.Address == token || p.TokenB.Address == token
}

// Other returns the counterpart of token in the pool.
func (p Pool) Other(token common.Address) (Token, bool) {
	switch token {
	case p.TokenA.Address:
		return p.TokenB, true
	case p.TokenB.Address:
		return p.TokenA, true
	}
	return Token{}, false
}

// Reserves returns (reserveIn, reserveOut) for a swap selling tokenIn.
func (p Pool) Reserves(tokenIn common.Address) (*uint256.Int, *uint256.Int, error) {
	switch tokenIn {
	case p.TokenA.Address:
		return p.ReserveA, p.ReserveB, nil
	case p.TokenB.Address:
		return p.ReserveB, p.ReserveA, nil
	}
	return nil, nil, ErrInvalidPair.Wrapf("token %s is not in pool %s", tokenIn.Hex(), p.ID.Hex())
}

// Validate checks the static pool invariants.
func (p Pool) Validate() error {
	if p.TokenA.Equal(p.TokenB) {
		return ErrInvalidPair.Wrapf("pool %s trades %s against itself", p.ID.Hex(), p.TokenA)
	}
	if p.FeeBps >= BpsDenominator {
		return ErrInvalidAmount.Wrapf("pool %s fee %d bps out of range", p.ID.Hex(), p.FeeBps)
	}
	return nil
}

// RouteHop is one swap through a single pool.
type RouteHop struct {
	Pool     Pool
	TokenIn  Token
	TokenOut Token
}

// Route is an ordered, connected sequence of hops.
type Route struct {
	Hops []RouteHop
}

// Len returns the number of hops.
func (r *Route) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Hops)
}

// Tokens returns the token path, starting with the input token.
func (r *Route) Tokens() []Token {
	if r.Len() == 0 {
		return nil
	}
	tokens := make([]Token, 0, len(r.Hops)+1)
	tokens = append(tokens, r.Hops[0].TokenIn)
	for _, hop := range r.Hops {
		tokens = append(tokens, hop.TokenOut)
	}
	return tokens
}

// FeeBps returns the summed pool fees along the route.
func (r *Route) FeeBps() uint32 {
	var total uint32
	for _, hop := range r.Hops {
		total += hop.Pool.FeeBps
	}
	return total
}

// Validate checks connectivity, the hop bound and that no token repeats.
func (r *Route) Validate(maxHops int) error {
	if r.Len() == 0 {
		return ErrInvalidHops.Wrap("route is empty")
	}
	if len(r.Hops) > maxHops {
		return ErrInvalidHops.Wrapf("route has %d hops, limit %d", len(r.Hops), maxHops)
	}
	seen := map[common.Address]struct{}{r.Hops[0].TokenIn.Address: {}}
	for i, hop := range r.Hops {
		if !hop.Pool.Has(hop.TokenIn.Address) || !hop.Pool.Has(hop.TokenOut.Address) {
			return ErrInvalidPair.Wrapf("hop %d does not match pool %s", i, hop.Pool.ID.Hex())
		}
		if i > 0 && r.Hops[i-1].TokenOut.Address != hop.TokenIn.Address {
			return ErrInvalidHops.Wrapf("hop %d is not connected to hop %d", i, i-1)
		}
		if _, dup := seen[hop.TokenOut.Address]; dup {
			return ErrInvalidHops.Wrapf("token %s repeats in route", hop.TokenOut)
		}
		seen[hop.TokenOut.Address] = struct{}{}
	}
	return nil
}

func (r *Route) String() string {
	tokens := r.Tokens()
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = t.String()
	}
	return strings.Join(parts, " -> ")
}

// Quote is the priced result of a route for a given input.
// SnapshotAt is the oldest reserve snapshot the quote was computed from.
type Quote struct {
	InputAmount    *uint256.Int
	OutputAmount   *uint256.Int
	PriceImpactBps uint64
	FeeTotal       *uint256.Int
	HopFees        []*uint256.Int
	SlippageBps    uint32
	MinimumOutput  *uint256.Int
	SnapshotAt     time.Time
}

// PreparedTransaction is built once per submission attempt.
type PreparedTransaction struct {
	ChainID              *big.Int
	From                 common.Address
	To                   common.Address
	Value                *big.Int
	Data                 []byte
	Nonce                uint64
	GasLimit             uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// UnsignedTx builds the EIP-1559 transaction for signing.
func (p *PreparedTransaction) UnsignedTx() *ethtypes.Transaction {
	to := p.To
	value := p.Value
	if value == nil {
		value = new(big.Int)
	}
	return ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   p.ChainID,
		Nonce:     p.Nonce,
		GasTipCap: p.MaxPriorityFeePerGas,
		GasFeeCap: p.MaxFeePerGas,
		Gas:       p.GasLimit,
		To:        &to,
		Value:     value,
		Data:      p.Data,
	})
}

// SignedTransaction is the signed payload plus the hash of the prepared
// transaction it came from.
type SignedTransaction struct {
	Tx           *ethtypes.Transaction
	PreparedHash common.Hash
}

// Hash returns the transaction hash of the signed payload.
func (s *SignedTransaction) Hash() common.Hash {
	return s.Tx.Hash()
}

// ConfirmationStatus is the observed fate of a submitted transaction.
type ConfirmationStatus string

const (
	StatusPending   ConfirmationStatus = "pending"
	StatusConfirmed ConfirmationStatus = "confirmed"
	StatusFailed    ConfirmationStatus = "failed"
	// StatusTimedOut means unknown: no receipt was seen before the deadline.
	StatusTimedOut ConfirmationStatus = "timed_out"
)

// Terminal reports whether no further transition can happen.
// TimedOut is terminal for the poll, not for the transaction.
func (s ConfirmationStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusTimedOut
}

// ConfirmationRecord tracks a submitted transaction.
type ConfirmationRecord struct {
	TransactionHash common.Hash
	Status          ConfirmationStatus
	Receipt         *ethtypes.Receipt
}

// GasTier tags which fallback level produced an estimate.
type GasTier string

const (
	GasTierLive        GasTier = "live"
	GasTierStaticTable GasTier = "static_table"
	GasTierCachedFee   GasTier = "cached_fee"
	GasTierFeeFloor    GasTier = "fee_floor"
)

// GasEstimate is a usable gas budget. It never carries an error.
type GasEstimate struct {
	GasLimit                  uint64
	GasPrice                  *big.Int
	MaxFeePerGas              *big.Int
	MaxPriorityFeePerGas      *big.Int
	TotalCost                 *big.Int
	EstimatedConfirmationTime time.Duration
	Tier                      GasTier
}

// IsFallback reports whether any part of the estimate came from a fallback.
func (g GasEstimate) IsFallback() bool {
	return g.Tier != GasTierLive
}

func (g GasEstimate) String() string {
	return fmt.Sprintf("gas=%d maxFee=%s tip=%s tier=%s", g.GasLimit, g.MaxFeePerGas, g.MaxPriorityFeePerGas, g.Tier)
}
