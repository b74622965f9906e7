package registry

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/devlongs/amm-router/internal/config"
	"github.com/devlongs/amm-router/internal/ledger"
	"github.com/devlongs/amm-router/internal/metrics"
	"github.com/devlongs/amm-router/pkg/types"
)

// pairKey is an order-independent token pair.
type pairKey struct {
	lo, hi common.Address
}

func newPairKey(a, b common.Address) pairKey {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

// Registry holds known pools and their live reserves.
//
// Reads go through a TTL cache; a stale read refreshes from the ledger
// node first, with at most one refresh in flight per pool.
type Registry struct {
	source  ledger.ReserveSource
	cfg     config.RegistryConfig
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	pools     map[common.Address]types.Pool
	order     []common.Address
	pairs     map[pairKey][]common.Address
	adjacency map[common.Address][]common.Address

	group   singleflight.Group
	version atomic.Uint64
}

// New creates an empty registry.
func New(source ledger.ReserveSource, cfg config.RegistryConfig, m *metrics.Metrics) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Second
	}
	if cfg.StaleCeiling < cfg.TTL {
		cfg.StaleCeiling = 60 * time.Second
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 5 * time.Second
	}
	return &Registry{
		source:    source,
		cfg:       cfg,
		metrics:   m,
		now:       time.Now,
		pools:     make(map[common.Address]types.Pool),
		pairs:     make(map[pairKey][]common.Address),
		adjacency: make(map[common.Address][]common.Address),
	}
}

// Register adds a pool. Reserves may be nil; the first read fetches them.
// Registering a known pool again updates its metadata but may not change
// its tokens.
func (r *Registry) Register(pool types.Pool) error {
	if err := pool.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.pools[pool.ID]; exists {
		if existing.TokenA.Address != pool.TokenA.Address || existing.TokenB.Address != pool.TokenB.Address {
			return types.ErrInvalidPair.Wrapf("pool %s already registered as %s/%s", pool.ID.Hex(), existing.TokenA, existing.TokenB)
		}
		// metadata and fee may change; cached reserves survive
		if pool.ReserveA == nil || pool.ReserveB == nil {
			pool.ReserveA, pool.ReserveB, pool.LastUpdatedAt = existing.ReserveA, existing.ReserveB, existing.LastUpdatedAt
		}
		r.pools[pool.ID] = pool
		return nil
	}
	r.pools[pool.ID] = pool
	r.order = append(r.order, pool.ID)
	key := newPairKey(pool.TokenA.Address, pool.TokenB.Address)
	r.pairs[key] = append(r.pairs[key], pool.ID)
	r.adjacency[pool.TokenA.Address] = append(r.adjacency[pool.TokenA.Address], pool.ID)
	r.adjacency[pool.TokenB.Address] = append(r.adjacency[pool.TokenB.Address], pool.ID)
	r.version.Add(1)

	log.Debug().
		Str("pool", pool.ID.Hex()).
		Str("tokenA", pool.TokenA.String()).
		Str("tokenB", pool.TokenB.String()).
		Uint32("feeBps", pool.FeeBps).
		Msg("Registered pool")

	return nil
}

// LoadConfig registers the configured pools. Token metadata comes from
// tokens; a pool token missing there keeps only its address.
func (r *Registry) LoadConfig(tokens []config.TokenConfig, pools []config.PoolConfig) error {
	known := make(map[common.Address]types.Token, len(tokens))
	for _, tc := range tokens {
		addr, err := types.ParseAddress(tc.Address)
		if err != nil {
			return fmt.Errorf("token %s: %w", tc.Symbol, err)
		}
		known[addr] = types.Token{Address: addr, Symbol: tc.Symbol, Decimals: tc.Decimals}
	}
	resolve := func(s string) (types.Token, error) {
		addr, err := types.ParseAddress(s)
		if err != nil {
			return types.Token{}, err
		}
		if token, ok := known[addr]; ok {
			return token, nil
		}
		return types.Token{Address: addr}, nil
	}

	for _, pc := range pools {
		id, err := types.ParseAddress(pc.Address)
		if err != nil {
			return fmt.Errorf("pool %s: %w", pc.Address, err)
		}
		tokenA, err := resolve(pc.TokenA)
		if err != nil {
			return fmt.Errorf("pool %s token_a: %w", pc.Address, err)
		}
		tokenB, err := resolve(pc.TokenB)
		if err != nil {
			return fmt.Errorf("pool %s token_b: %w", pc.Address, err)
		}
		if err := r.Register(types.Pool{ID: id, TokenA: tokenA, TokenB: tokenB, FeeBps: pc.FeeBps}); err != nil {
			return err
		}
	}
	return nil
}

// Version changes whenever the pool topology changes.
func (r *Registry) Version() uint64 {
	return r.version.Load()
}

// Len returns the number of registered pools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// GetPool returns a fresh snapshot of the first registered pool for the pair.
func (r *Registry) GetPool(ctx context.Context, tokenA, tokenB common.Address) (types.Pool, error) {
	r.mu.RLock()
	ids := r.pairs[newPairKey(tokenA, tokenB)]
	r.mu.RUnlock()

	if len(ids) == 0 {
		return types.Pool{}, types.ErrPoolNotFound.Wrapf("%s/%s", tokenA.Hex(), tokenB.Hex())
	}
	return r.Snapshot(ctx, ids[0])
}

// ListPools returns fresh snapshots of every pool, in registration order.
// Pools that cannot be served within the staleness ceiling are skipped
// and the first such error is returned alongside the rest.
func (r *Registry) ListPools(ctx context.Context) ([]types.Pool, error) {
	r.mu.RLock()
	ids := append([]common.Address(nil), r.order...)
	r.mu.RUnlock()

	var firstErr error
	pools := make([]types.Pool, 0, len(ids))
	for _, id := range ids {
		pool, err := r.Snapshot(ctx, id)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		pools = append(pools, pool)
	}
	return pools, firstErr
}

// PoolsFor returns cached pools that trade token without refreshing them.
// Reserves may be stale; callers must Snapshot before quoting.
func (r *Registry) PoolsFor(token common.Address) []types.Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.adjacency[token]
	pools := make([]types.Pool, 0, len(ids))
	for _, id := range ids {
		pools = append(pools, r.pools[id])
	}
	sort.Slice(pools, func(i, j int) bool {
		return bytes.Compare(pools[i].ID.Bytes(), pools[j].ID.Bytes()) < 0
	})
	return pools
}

// Token looks up a token by address among registered pools.
func (r *Registry) Token(address common.Address) (types.Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.adjacency[address] {
		pool := r.pools[id]
		if pool.TokenA.Address == address {
			return pool.TokenA, true
		}
		return pool.TokenB, true
	}
	return types.Token{}, false
}

// Snapshot returns the pool, refreshing first if its reserves are older than the TTL.
func (r *Registry) Snapshot(ctx context.Context, id common.Address) (types.Pool, error) {
	pool, ok := r.cached(id)
	if !ok {
		return types.Pool{}, types.ErrPoolNotFound.Wrap(id.Hex())
	}
	if r.fresh(pool) {
		return pool, nil
	}

	refreshed, err := r.Refresh(ctx, id)
	if err == nil {
		return refreshed, nil
	}

	age := r.age(pool)
	if pool.ReserveA != nil && age <= r.cfg.StaleCeiling {
		log.Warn().
			Err(err).
			Str("pool", id.Hex()).
			Dur("age", age).
			Msg("Reserve refresh failed, serving cached snapshot")
		return pool, nil
	}
	return types.Pool{}, types.ErrStaleData.Wrapf("pool %s is %s old and refresh failed: %v", id.Hex(), age.Round(time.Millisecond), err)
}

// Refresh forces a reserve re-fetch. Concurrent refreshes of the same pool
// share one ledger call; a caller's cancellation does not abort the shared fetch.
func (r *Registry) Refresh(ctx context.Context, id common.Address) (types.Pool, error) {
	pool, ok := r.cached(id)
	if !ok {
		return types.Pool{}, types.ErrPoolNotFound.Wrap(id.Hex())
	}

	ch := r.group.DoChan(id.Hex(), func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.Background(), r.cfg.RefreshTimeout)
		defer cancel()
		return r.fetch(fetchCtx, pool)
	})

	select {
	case <-ctx.Done():
		return types.Pool{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return types.Pool{}, res.Err
		}
		return res.Val.(types.Pool), nil
	}
}

func (r *Registry) fetch(ctx context.Context, pool types.Pool) (types.Pool, error) {
	reserveA, reserveB, err := r.source.GetReserves(ctx, pool)
	if err != nil {
		r.metrics.ObserveRefresh(false)
		return types.Pool{}, types.ErrNodeUnavailable.Wrapf("reserves of %s: %v", pool.ID.Hex(), err)
	}
	r.metrics.ObserveRefresh(true)

	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.pools[pool.ID]
	current.ReserveA = reserveA
	current.ReserveB = reserveB
	current.LastUpdatedAt = r.now()
	r.pools[pool.ID] = current

	log.Debug().
		Str("pool", pool.ID.Hex()).
		Str("reserveA", reserveA.Dec()).
		Str("reserveB", reserveB.Dec()).
		Msg("Refreshed pool reserves")

	return current, nil
}

func (r *Registry) cached(id common.Address) (types.Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pool, ok := r.pools[id]
	return pool, ok
}

func (r *Registry) fresh(pool types.Pool) bool {
	return pool.ReserveA != nil && pool.ReserveB != nil && r.age(pool) <= r.cfg.TTL
}

func (r *Registry) age(pool types.Pool) time.Duration {
	if pool.LastUpdatedAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return r.now().Sub(pool.LastUpdatedAt)
}
