package output

import (
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/devlongs/amm-router/internal/config"
	"github.com/devlongs/amm-router/pkg/types"
)

// Setup configures the global zerolog logger
func Setup(cfg config.LoggingConfig) {
	setup(cfg, os.Stderr)
}

func setup(cfg config.LoggingConfig, out io.Writer) {
	switch cfg.Format {
	case "json":
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	default:
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		})
	}

	switch cfg.Level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// Logger records trading events and keeps running totals
type Logger struct {
	mu    sync.Mutex
	stats Stats
}

// Stats tracks trading activity since start
type Stats struct {
	QuotesServed      uint64
	QuotesFailed      uint64
	SwapsSubmitted    uint64
	SwapsRejected     uint64
	Confirmed         uint64
	Failed            uint64
	TimedOut          uint64
	GasFallbacks      uint64
	TotalGasBudgetWei *big.Int
	StartTime         time.Time
}

// NewLogger creates a new trading event logger
func NewLogger() *Logger {
	return &Logger{
		stats: Stats{
			TotalGasBudgetWei: big.NewInt(0),
			StartTime:         time.Now(),
		},
	}
}

// LogQuote logs a served quote (debug level)
func (l *Logger) LogQuote(route *types.Route, quote *types.Quote) {
	l.mu.Lock()
	l.stats.QuotesServed++
	l.mu.Unlock()

	log.Debug().
		Str("route", route.String()).
		Int("hops", route.Len()).
		Str("amountIn", quote.InputAmount.Dec()).
		Str("amountOut", quote.OutputAmount.Dec()).
		Str("minimumOut", quote.MinimumOutput.Dec()).
		Uint64("impactBps", quote.PriceImpactBps).
		Uint32("slippageBps", quote.SlippageBps).
		Msg("Quote served")
}

// LogQuoteFailed counts a quote that could not be served
func (l *Logger) LogQuoteFailed(err error) {
	l.mu.Lock()
	l.stats.QuotesFailed++
	l.mu.Unlock()

	log.Debug().Err(err).Str("kind", string(types.KindOf(err))).Msg("Quote failed")
}

// LogSwapSubmitted logs a broadcast swap
func (l *Logger) LogSwapSubmitted(hash string, route *types.Route, quote *types.Quote, estimate types.GasEstimate) {
	l.mu.Lock()
	l.stats.SwapsSubmitted++
	if estimate.IsFallback() {
		l.stats.GasFallbacks++
	}
	if estimate.TotalCost != nil {
		l.stats.TotalGasBudgetWei.Add(l.stats.TotalGasBudgetWei, estimate.TotalCost)
	}
	l.mu.Unlock()

	log.Info().
		Str("txHash", hash).
		Str("route", route.String()).
		Str("amountIn", quote.InputAmount.Dec()).
		Str("minimumOut", quote.MinimumOutput.Dec()).
		Uint64("gasLimit", estimate.GasLimit).
		Str("gasTier", string(estimate.Tier)).
		Str("maxCostETH", weiToEther(estimate.TotalCost)).
		Msg("SWAP SUBMITTED")
}

// LogSwapRejected logs a swap refused before broadcast
func (l *Logger) LogSwapRejected(err error) {
	l.mu.Lock()
	l.stats.SwapsRejected++
	l.mu.Unlock()

	log.Warn().
		Err(err).
		Str("kind", string(types.KindOf(err))).
		Msg("Swap rejected")
}

// LogConfirmation counts a swap's observed outcome
func (l *Logger) LogConfirmation(record types.ConfirmationRecord) {
	l.mu.Lock()
	switch record.Status {
	case types.StatusConfirmed:
		l.stats.Confirmed++
	case types.StatusFailed:
		l.stats.Failed++
	case types.StatusTimedOut:
		l.stats.TimedOut++
	}
	l.mu.Unlock()

	log.Debug().
		Str("txHash", record.TransactionHash.Hex()).
		Str("status", string(record.Status)).
		Msg("Swap outcome")
}

// LogStats logs current statistics
func (l *Logger) LogStats() {
	s := l.GetStats()
	elapsed := time.Since(s.StartTime)

	log.Info().
		Uint64("quotesServed", s.QuotesServed).
		Uint64("quotesFailed", s.QuotesFailed).
		Uint64("swapsSubmitted", s.SwapsSubmitted).
		Uint64("swapsRejected", s.SwapsRejected).
		Uint64("confirmed", s.Confirmed).
		Uint64("failed", s.Failed).
		Uint64("timedOut", s.TimedOut).
		Uint64("gasFallbacks", s.GasFallbacks).
		Str("gasBudget", weiToEther(s.TotalGasBudgetWei)+" ETH").
		Dur("uptime", elapsed).
		Msg("AMM Router Stats")
}

// LogError logs an error
func (l *Logger) LogError(err error, context string) {
	log.Error().
		Err(err).
		Str("context", context).
		Msg("Error occurred")
}

// GetStats returns a copy of the current statistics
func (l *Logger) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.TotalGasBudgetWei = new(big.Int).Set(l.stats.TotalGasBudgetWei)
	return s
}

// weiToEther converts wei to ether string with 6 decimal places
func weiToEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}

	// 1 ETH = 10^18 wei
	ether := new(big.Float).SetInt(wei)
	divisor := new(big.Float).SetInt(big.NewInt(1e18))
	ether.Quo(ether, divisor)

	return fmt.Sprintf("%.6f", ether)
}

// FormatUnits renders a raw token amount with its decimals, e.g. 1500000 @6 -> "1.5"
func FormatUnits(amount *uint256.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	s := amount.Dec()
	if decimals == 0 {
		return s
	}
	d := int(decimals)
	if len(s) <= d {
		s = strings.Repeat("0", d+1-len(s)) + s
	}
	whole, frac := s[:len(s)-d], s[len(s)-d:]
	for len(frac) > 0 && frac[len(frac)-1] == '0' {
		frac = frac[:len(frac)-1]
	}
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}
