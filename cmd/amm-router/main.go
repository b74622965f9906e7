package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/devlongs/amm-router/internal/config"
	"github.com/devlongs/amm-router/internal/output"
	"github.com/devlongs/amm-router/internal/trading"
	"github.com/devlongs/amm-router/pkg/types"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "amm-router",
		Short:         "Multi-hop AMM swap router and transaction manager",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ./config.yaml)")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			log.Error().Err(err).Msg("Failed to load configuration")
			return nil, err
		}
		output.Setup(cfg.Logging)
		return cfg, nil
	}

	root.AddCommand(newServeCmd(load), newQuoteCmd(load), newPoolsCmd(load))
	return root
}

type loader func() (*config.Config, error)

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				select {
				case sig := <-sigCh:
					log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
					cancel()
				case <-ctx.Done():
				}
			}()

			app, err := NewApp(ctx, cfg)
			if err != nil {
				log.Error().Err(err).Msg("Failed to create router")
				return err
			}
			defer app.Close()

			if err := app.Start(ctx); err != nil {
				log.Error().Err(err).Msg("Router error")
				return err
			}
			log.Info().Msg("AMM router stopped")
			return nil
		},
	}
}

func newQuoteCmd(load loader) *cobra.Command {
	var slippage int

	cmd := &cobra.Command{
		Use:   "quote [token-in] [token-out] [amount-in]",
		Short: "Print the best route and quote for a swap",
		Long: `Find the best route for amount-in (base units) and print it as JSON.

Example:
  $ amm-router quote 0xC02a...6Cc2 0xA0b8...eB48 1000000000000000000 --slippage 50`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := parseQuoteArgs(args, slippage)
			if err != nil {
				return err
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			app, err := NewApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			result, err := app.Engine().GetQuote(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"route":          result.Route.String(),
				"amountIn":       result.Quote.InputAmount.Dec(),
				"amountOut":      result.Quote.OutputAmount.Dec(),
				"minimumOutput":  result.Quote.MinimumOutput.Dec(),
				"priceImpactBps": result.Quote.PriceImpactBps,
				"fees":           result.Quote.FeeTotal.Dec(),
			})
		},
	}
	cmd.Flags().IntVar(&slippage, "slippage", -1, "slippage tolerance in bps (default from config)")
	return cmd
}

func parseQuoteArgs(args []string, slippage int) (trading.QuoteRequest, error) {
	tokenIn, err := types.ParseAddress(args[0])
	if err != nil {
		return trading.QuoteRequest{}, err
	}
	tokenOut, err := types.ParseAddress(args[1])
	if err != nil {
		return trading.QuoteRequest{}, err
	}
	amount, err := types.ParseAmount(args[2])
	if err != nil {
		return trading.QuoteRequest{}, err
	}

	req := trading.QuoteRequest{TokenIn: tokenIn, TokenOut: tokenOut, AmountIn: amount}
	if slippage >= 0 {
		if slippage >= types.BpsDenominator {
			return trading.QuoteRequest{}, types.ErrInvalidSlippage.Wrapf("%d bps", slippage)
		}
		bps := uint32(slippage)
		req.SlippageBps = &bps
	}
	return req, nil
}

func newPoolsCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "pools",
		Short: "List configured pools with their current reserves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			app, err := NewApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			pools, err := app.Engine().Pools(cmd.Context())
			if err != nil {
				log.Warn().Err(err).Msg("Some pools could not be refreshed")
			}
			out := make([]map[string]any, 0, len(pools))
			for _, p := range pools {
				out = append(out, map[string]any{
					"address":  p.ID.Hex(),
					"tokenA":   p.TokenA.String(),
					"tokenB":   p.TokenB.String(),
					"reserveA": output.FormatUnits(p.ReserveA, p.TokenA.Decimals),
					"reserveB": output.FormatUnits(p.ReserveB, p.TokenB.Decimals),
					"feeBps":   p.FeeBps,
				})
			}
			return printJSON(cmd, out)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
