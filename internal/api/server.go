// Package api serves the trading engine over HTTP/JSON.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/devlongs/amm-router/internal/config"
	"github.com/devlongs/amm-router/internal/metrics"
	"github.com/devlongs/amm-router/internal/output"
	"github.com/devlongs/amm-router/internal/router"
	"github.com/devlongs/amm-router/internal/trading"
	"github.com/devlongs/amm-router/pkg/types"
)

const shutdownTimeout = 10 * time.Second

// Service is what the API needs from the trading engine
type Service interface {
	GetQuote(ctx context.Context, req trading.QuoteRequest) (*router.Result, error)
	ExecuteSwap(ctx context.Context, req trading.SwapRequest) (*trading.SwapResult, error)
	FindRoute(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *uint256.Int, maxHops int) (*router.Result, error)
	EstimateGasFor(ctx context.Context, txType types.TxType, params types.TxParams) types.GasEstimate
	TransactionStatus(ctx context.Context, hash common.Hash) (types.ConfirmationRecord, error)
	Pools(ctx context.Context) ([]types.Pool, error)
	Token(address common.Address) (types.Token, bool)
	Health(ctx context.Context) error
}

// Server represents the API server
type Server struct {
	cfg     config.APIConfig
	svc     Service
	logger  *output.Logger
	metrics *metrics.Metrics
	router  *gin.Engine
	limiter *rate.Limiter
}

// NewServer creates a new API server. gatherer backs /metrics; nil uses
// the default Prometheus registry.
func NewServer(cfg config.APIConfig, svc Service, logger *output.Logger, m *metrics.Metrics, gatherer prometheus.Gatherer) *Server {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Minute
	}
	if logger == nil {
		logger = output.NewLogger()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:     cfg,
		svc:     svc,
		logger:  logger,
		metrics: m,
		router:  engine,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}

	s.setupMiddleware()
	s.setupRoutes(gatherer)

	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	// Request ID middleware
	s.router.Use(func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	})

	// Rate limiting middleware
	s.router.Use(func(c *gin.Context) {
		if !s.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "rate limit exceeded",
				Kind:  string(types.KindInfrastructure),
			})
			return
		}
		c.Next()
	})

	// Logging middleware
	s.router.Use(func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}

		log.Debug().
			Str("requestID", c.GetString("request_id")).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", duration).
			Str("ip", c.ClientIP()).
			Msg("API request")

		s.metrics.ObserveRequest(c.Request.Method, endpoint, status, duration)
	})

	// Timeout middleware
	s.router.Use(func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/v1")
	{
		v1.POST("/quote", s.handleQuote)
		v1.POST("/swap", s.handleSwap)
		v1.POST("/route", s.handleRoute)
		v1.POST("/gas/estimate", s.handleGasEstimate)
		v1.GET("/transactions/:hash", s.handleTransactionStatus)
		v1.GET("/pools", s.handlePools)
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("API server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info().Msg("Shutting down API server...")
	return srv.Shutdown(shutdownCtx)
}
