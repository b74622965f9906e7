// Package router searches the pool graph for the best swap route.
package router

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/devlongs/amm-router/internal/amm"
	"github.com/devlongs/amm-router/internal/config"
	"github.com/devlongs/amm-router/internal/metrics"
	"github.com/devlongs/amm-router/internal/registry"
	"github.com/devlongs/amm-router/pkg/types"
)

// MaxHopsLimit is the largest hop bound a caller may ask for.
const MaxHopsLimit = 5

// Result is the winning route and its quote.
type Result struct {
	Route *types.Route
	Quote *types.Quote
}

// edge is one pool crossing in a candidate path, before reserves are known.
type edge struct {
	pool     common.Address
	tokenIn  types.Token
	tokenOut types.Token
}

type path []edge

type pathKey struct {
	tokenIn, tokenOut common.Address
	maxHops           int
	version           uint64
}

// Router finds routes over a registry.
type Router struct {
	registry *registry.Registry
	engine   *amm.Engine
	cfg      config.RoutingConfig
	metrics  *metrics.Metrics
	paths    *lru.Cache[pathKey, []path]
}

// New creates a router.
func New(reg *registry.Registry, engine *amm.Engine, cfg config.RoutingConfig, m *metrics.Metrics) (*Router, error) {
	if cfg.MaxHops <= 0 || cfg.MaxHops > MaxHopsLimit {
		cfg.MaxHops = MaxHopsLimit
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.PathCacheSize <= 0 {
		cfg.PathCacheSize = 1024
	}
	cache, err := lru.New[pathKey, []path](cfg.PathCacheSize)
	if err != nil {
		return nil, err
	}
	return &Router{
		registry: reg,
		engine:   engine,
		cfg:      cfg,
		metrics:  m,
		paths:    cache,
	}, nil
}

// MaxHops returns the configured hop bound. Callers may ask for fewer hops,
// never more.
func (r *Router) MaxHops() int {
	return r.cfg.MaxHops
}

// FindBestRoute returns the route with the largest output for amountIn.
// A nil result with a nil error means no path connects the tokens within
// maxHops. A maxHops of zero, or one above the configured bound, selects
// the configured bound.
func (r *Router) FindBestRoute(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *uint256.Int, maxHops int) (*Result, error) {
	if tokenIn == tokenOut {
		return nil, types.ErrInvalidPair.Wrap("input and output tokens are the same")
	}
	if amountIn == nil || amountIn.IsZero() {
		return nil, types.ErrInvalidAmount.Wrap("amount in must be positive")
	}
	switch {
	case maxHops < 0:
		return nil, types.ErrInvalidHops.Wrapf("max hops %d", maxHops)
	case maxHops == 0 || maxHops > r.MaxHops():
		maxHops = r.MaxHops()
	}

	start := time.Now()
	candidates := r.enumerate(tokenIn, tokenOut, maxHops)
	if len(candidates) == 0 {
		return nil, nil
	}

	s := &search{router: r, amountIn: amountIn, snapshots: make(map[common.Address]snapshot)}
	result, err := s.run(ctx, candidates)
	r.metrics.ObserveRouteSearch(time.Since(start), s.pruned)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("route", result.Route.String()).
		Str("amountIn", amountIn.Dec()).
		Str("amountOut", result.Quote.OutputAmount.Dec()).
		Int("candidates", len(candidates)).
		Int("pruned", s.pruned).
		Dur("took", time.Since(start)).
		Msg("Found best route")

	return result, nil
}

// enumerate lists every simple path from tokenIn to tokenOut within maxHops,
// shortest first. Paths depend only on topology and are cached per registry version.
func (r *Router) enumerate(tokenIn, tokenOut common.Address, maxHops int) []path {
	key := pathKey{tokenIn: tokenIn, tokenOut: tokenOut, maxHops: maxHops, version: r.registry.Version()}
	if cached, ok := r.paths.Get(key); ok {
		return cached
	}

	var (
		out     []path
		current path
		visited = map[common.Address]bool{tokenIn: true}
	)
	var dfs func(token common.Address)
	dfs = func(token common.Address) {
		if len(current) == maxHops {
			return
		}
		for _, pool := range r.registry.PoolsFor(token) {
			next, ok := pool.Other(token)
			if !ok || visited[next.Address] {
				continue
			}
			from, _ := pool.Other(next.Address)
			current = append(current, edge{pool: pool.ID, tokenIn: from, tokenOut: next})
			if next.Address == tokenOut {
				out = append(out, append(path(nil), current...))
			} else {
				visited[next.Address] = true
				dfs(next.Address)
				visited[next.Address] = false
			}
			current = current[:len(current)-1]
		}
	}
	dfs(tokenIn)

	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) < len(out[j]) })
	r.paths.Add(key, out)
	return out
}

type snapshot struct {
	pool types.Pool
	err  error
}

// search holds the state of one FindBestRoute call.
type search struct {
	router   *Router
	amountIn *uint256.Int

	mu        sync.Mutex
	snapshots map[common.Address]snapshot
	best      *Result
	pruned    int
	staleErr  error
}

func (s *search) run(ctx context.Context, candidates []path) (*Result, error) {
	if err := s.snapshotAll(ctx, candidates); err != nil {
		return nil, err
	}

	var direct, multi []path
	for _, p := range candidates {
		if len(p) == 1 {
			direct = append(direct, p)
		} else {
			multi = append(multi, p)
		}
	}

	for _, p := range direct {
		s.evaluate(p)
	}
	if s.best != nil && s.best.Quote.PriceImpactBps <= s.router.cfg.DirectImpactCeilBps {
		return s.best, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.router.cfg.Workers)
	for _, p := range multi {
		p := p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s.evaluate(p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if s.best == nil {
		if s.staleErr != nil {
			return nil, s.staleErr
		}
		return nil, types.ErrInsufficientLiquidity.Wrap("no candidate route can fill the amount")
	}
	return s.best, nil
}

// snapshotAll fetches each pool used by any candidate once.
func (s *search) snapshotAll(ctx context.Context, candidates []path) error {
	ids := make(map[common.Address]struct{})
	for _, p := range candidates {
		for _, e := range p {
			ids[e.pool] = struct{}{}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.router.cfg.Workers)
	for id := range ids {
		id := id
		g.Go(func() error {
			pool, err := s.router.registry.Snapshot(gctx, id)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			s.mu.Lock()
			defer s.mu.Unlock()
			s.snapshots[id] = snapshot{pool: pool, err: err}
			if errors.Is(err, types.ErrStaleData) && s.staleErr == nil {
				s.staleErr = err
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *search) hops(p path) ([]types.RouteHop, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hops := make([]types.RouteHop, len(p))
	for i, e := range p {
		snap := s.snapshots[e.pool]
		if snap.err != nil {
			return nil, false
		}
		hops[i] = types.RouteHop{Pool: snap.pool, TokenIn: e.tokenIn, TokenOut: e.tokenOut}
	}
	return hops, true
}

func (s *search) bestOutput() *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.best == nil {
		return nil
	}
	return s.best.Quote.OutputAmount
}

// evaluate walks one path hop by hop, abandoning it as soon as the spot-price
// bound on what remains falls strictly below the best output found so far.
func (s *search) evaluate(p path) {
	hops, ok := s.hops(p)
	if !ok {
		return
	}

	current := s.amountIn
	for i, hop := range hops {
		if best := s.bestOutput(); best != nil && amm.UpperBound(current, hops[i:]).Lt(best) {
			s.mu.Lock()
			s.pruned++
			s.mu.Unlock()
			return
		}
		out, _, err := s.router.engine.QuoteSingleHop(hop.Pool, hop.TokenIn.Address, current)
		if err != nil {
			return
		}
		current = out
	}

	route := &types.Route{Hops: hops}
	quote, err := s.router.engine.QuoteMultiHop(route, s.amountIn, amm.QuoteOptions{})
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	candidate := &Result{Route: route, Quote: quote}
	if s.best == nil || better(candidate, s.best) {
		s.best = candidate
	}
}

// better orders results by output, then fewer hops, then lower summed fee,
// then pool addresses so the choice never depends on evaluation order.
func better(a, b *Result) bool {
	if c := a.Quote.OutputAmount.Cmp(b.Quote.OutputAmount); c != 0 {
		return c > 0
	}
	if a.Route.Len() != b.Route.Len() {
		return a.Route.Len() < b.Route.Len()
	}
	if fa, fb := a.Route.FeeBps(), b.Route.FeeBps(); fa != fb {
		return fa < fb
	}
	for i := range a.Route.Hops {
		if c := bytes.Compare(a.Route.Hops[i].Pool.ID.Bytes(), b.Route.Hops[i].Pool.ID.Bytes()); c != 0 {
			return c < 0
		}
	}
	return false
}
