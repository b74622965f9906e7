package main

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/devlongs/amm-router/internal/amm"
	"github.com/devlongs/amm-router/internal/api"
	"github.com/devlongs/amm-router/internal/config"
	"github.com/devlongs/amm-router/internal/eth"
	"github.com/devlongs/amm-router/internal/gas"
	"github.com/devlongs/amm-router/internal/metrics"
	"github.com/devlongs/amm-router/internal/output"
	"github.com/devlongs/amm-router/internal/registry"
	"github.com/devlongs/amm-router/internal/router"
	"github.com/devlongs/amm-router/internal/trading"
	"github.com/devlongs/amm-router/internal/txlifecycle"
	"github.com/devlongs/amm-router/internal/wallet"
)

var _ api.Service = (*trading.Engine)(nil)

// App wires the node client, pool registry and trading engine together
type App struct {
	cfg      *config.Config
	client   *eth.Client
	registry *registry.Registry
	engine   *trading.Engine
	logger   *output.Logger
	metrics  *metrics.Metrics
	gatherer *prometheus.Registry
}

// NewApp connects to the node and builds every component from cfg
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	client, err := eth.NewClient(cfg.RPC)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	pools := registry.New(client, cfg.Registry, m)
	if err := pools.LoadConfig(cfg.Tokens, cfg.Pools); err != nil {
		client.Close()
		return nil, err
	}
	verifyPools(ctx, client, pools)

	keyring := wallet.NewKeyring(client)
	if err := keyring.AddKeys(cfg.Wallets.Keys...); err != nil {
		client.Close()
		return nil, err
	}

	engine := amm.NewEngine(cfg.Quote.DefaultSlippageBps, cfg.Quote.MaxReserveDrainBps)
	rt, err := router.New(pools, engine, cfg.Routing, m)
	if err != nil {
		client.Close()
		return nil, err
	}
	estimator := gas.NewEstimator(client, cfg.Gas, m)
	lifecycle := txlifecycle.NewManager(client, keyring, estimator, cfg.Tx, cfg.Gas.BlockTime, m)
	lgr := output.NewLogger()

	te, err := trading.New(trading.Deps{
		Node:      client,
		Registry:  pools,
		Router:    rt,
		AMM:       engine,
		Gas:       estimator,
		Lifecycle: lifecycle,
		Logger:    lgr,
		Metrics:   m,
	}, cfg.Tx)
	if err != nil {
		client.Close()
		return nil, err
	}

	return &App{
		cfg:      cfg,
		client:   client,
		registry: pools,
		engine:   te,
		logger:   lgr,
		metrics:  m,
		gatherer: reg,
	}, nil
}

// verifyPools warns about configured pools whose on-chain tokens disagree
func verifyPools(ctx context.Context, client *eth.Client, pools *registry.Registry) {
	list, err := pools.ListPools(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Some pools could not be loaded")
	}
	for _, pool := range list {
		if err := client.VerifyPair(ctx, pool); err != nil {
			log.Warn().Err(err).Str("pool", pool.ID.Hex()).Msg("Pool verification failed")
		}
	}
	log.Info().Int("pools", pools.Len()).Msg("Pool registry initialized")
}

// Start serves the API and logs stats until ctx is cancelled
func (a *App) Start(ctx context.Context) error {
	log.Info().Msg("Starting AMM router...")

	server := api.NewServer(a.cfg.API, a.engine, a.logger, a.metrics, a.gatherer)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(ctx)
	})
	g.Go(func() error {
		interval := a.cfg.Logging.StatsInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		statsTicker := time.NewTicker(interval)
		defer statsTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-statsTicker.C:
				a.logger.LogStats()
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Engine exposes the trading engine to one-shot commands
func (a *App) Engine() *trading.Engine {
	return a.engine
}

// Close shuts down the node connection
func (a *App) Close() {
	a.client.Close()
}
