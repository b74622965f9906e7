package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the router service
type Config struct {
	RPC      RPCConfig
	Registry RegistryConfig
	Routing  RoutingConfig
	Quote    QuoteConfig
	Gas      GasConfig
	Tx       TxConfig
	API      APIConfig
	Logging  LoggingConfig
	Wallets  WalletsConfig
	Tokens   []TokenConfig
	Pools    []PoolConfig
}

// RPCConfig holds ledger node configuration
type RPCConfig struct {
	URL               string
	RetryAttempts     int
	RetryDelay        time.Duration
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Burst             int
}

// RegistryConfig holds pool cache settings
type RegistryConfig struct {
	TTL            time.Duration
	StaleCeiling   time.Duration
	RefreshTimeout time.Duration
}

// RoutingConfig holds route search settings
type RoutingConfig struct {
	MaxHops             int
	DirectImpactCeilBps uint64
	Workers             int
	PathCacheSize       int
}

// QuoteConfig holds pricing settings
type QuoteConfig struct {
	DefaultSlippageBps uint32
	MaxReserveDrainBps uint64
}

// GasConfig holds gas estimation settings
type GasConfig struct {
	SafetyMultiplier  float64
	Timeout           time.Duration
	StaticLimits      map[string]uint64
	PerExtraHop       uint64
	FloorMaxFeePerGas uint64 // wei
	FloorPriorityFee  uint64 // wei
	BaseFeeMultiplier uint64
	BlockTime         time.Duration
}

// TxConfig holds transaction lifecycle settings
type TxConfig struct {
	RouterAddress       string
	SwapDeadline        time.Duration
	MaxBroadcastRetries int
	CallTimeout         time.Duration
	PollInterval        time.Duration
	ConfirmationBlocks  int
	ConfirmationTimeout time.Duration
	WaitForConfirmation bool
}

// APIConfig holds HTTP boundary settings
type APIConfig struct {
	ListenAddr        string
	RequestsPerSecond float64
	Burst             int
	RequestTimeout    time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level         string
	Format        string // "json" or "console"
	StatsInterval time.Duration
}

// WalletsConfig holds signing key handles (hex private keys)
type WalletsConfig struct {
	Keys []string
}

// TokenConfig describes a known token
type TokenConfig struct {
	Address  string `mapstructure:"address"`
	Symbol   string `mapstructure:"symbol"`
	Decimals uint8  `mapstructure:"decimals"`
}

// PoolConfig describes a known pool
type PoolConfig struct {
	Address string `mapstructure:"address"`
	TokenA  string `mapstructure:"token_a"`
	TokenB  string `mapstructure:"token_b"`
	FeeBps  uint32 `mapstructure:"fee_bps"`
}

// Load reads configuration from .env, environment and config file.
// An empty path searches the default locations.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AMM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.amm-router")
		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := fromViper(v)
	cfg.Wallets.Keys = splitList(v.GetStringSlice("wallets.keys"))

	var limits map[string]uint64
	if err := v.UnmarshalKey("gas.static_limits", &limits); err != nil {
		return nil, fmt.Errorf("failed to parse gas.static_limits: %w", err)
	}
	for name, limit := range limits {
		cfg.Gas.StaticLimits[strings.ToLower(name)] = limit
	}

	if err := v.UnmarshalKey("tokens", &cfg.Tokens); err != nil {
		return nil, fmt.Errorf("failed to parse tokens: %w", err)
	}
	if err := v.UnmarshalKey("pools", &cfg.Pools); err != nil {
		return nil, fmt.Errorf("failed to parse pools: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rpc.url", "http://127.0.0.1:8545")
	v.SetDefault("rpc.retry_attempts", 3)
	v.SetDefault("rpc.retry_delay", "500ms")
	v.SetDefault("rpc.request_timeout", "10s")
	v.SetDefault("rpc.requests_per_second", 50)
	v.SetDefault("rpc.burst", 100)

	v.SetDefault("registry.ttl", "10s")
	v.SetDefault("registry.stale_ceiling", "60s")
	v.SetDefault("registry.refresh_timeout", "5s")

	v.SetDefault("routing.max_hops", 5)
	v.SetDefault("routing.direct_impact_ceiling_bps", 1000)
	v.SetDefault("routing.workers", 8)
	v.SetDefault("routing.path_cache_size", 1024)

	v.SetDefault("quote.default_slippage_bps", 50)
	v.SetDefault("quote.max_reserve_drain_bps", 3000)

	v.SetDefault("gas.safety_multiplier", 1.2)
	v.SetDefault("gas.timeout", "3s")
	v.SetDefault("gas.per_extra_hop", DefaultPerExtraHop)
	v.SetDefault("gas.floor_max_fee_per_gas", 50_000_000_000)
	v.SetDefault("gas.floor_priority_fee", 2_000_000_000)
	v.SetDefault("gas.base_fee_multiplier", 2)
	v.SetDefault("gas.block_time", "12s")

	v.SetDefault("tx.router_address", "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	v.SetDefault("tx.swap_deadline", "20m")
	v.SetDefault("tx.max_broadcast_retries", 3)
	v.SetDefault("tx.call_timeout", "10s")
	v.SetDefault("tx.poll_interval", "3s")
	v.SetDefault("tx.confirmation_blocks", 10)
	v.SetDefault("tx.confirmation_timeout", "2m")
	v.SetDefault("tx.wait_for_confirmation", true)

	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("api.requests_per_second", 100)
	v.SetDefault("api.burst", 200)
	v.SetDefault("api.request_timeout", "3m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.stats_interval", "30s")

	v.SetDefault("wallets.keys", []string{})
}

// splitList accepts both yaml lists and a comma-separated env value.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Default returns the built-in configuration without reading any source.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	return fromViper(v)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		RPC: RPCConfig{
			URL:               v.GetString("rpc.url"),
			RetryAttempts:     v.GetInt("rpc.retry_attempts"),
			RetryDelay:        v.GetDuration("rpc.retry_delay"),
			RequestTimeout:    v.GetDuration("rpc.request_timeout"),
			RequestsPerSecond: v.GetFloat64("rpc.requests_per_second"),
			Burst:             v.GetInt("rpc.burst"),
		},
		Registry: RegistryConfig{
			TTL:            v.GetDuration("registry.ttl"),
			StaleCeiling:   v.GetDuration("registry.stale_ceiling"),
			RefreshTimeout: v.GetDuration("registry.refresh_timeout"),
		},
		Routing: RoutingConfig{
			MaxHops:             v.GetInt("routing.max_hops"),
			DirectImpactCeilBps: v.GetUint64("routing.direct_impact_ceiling_bps"),
			Workers:             v.GetInt("routing.workers"),
			PathCacheSize:       v.GetInt("routing.path_cache_size"),
		},
		Quote: QuoteConfig{
			DefaultSlippageBps: v.GetUint32("quote.default_slippage_bps"),
			MaxReserveDrainBps: v.GetUint64("quote.max_reserve_drain_bps"),
		},
		Gas: GasConfig{
			SafetyMultiplier:  v.GetFloat64("gas.safety_multiplier"),
			Timeout:           v.GetDuration("gas.timeout"),
			StaticLimits:      DefaultStaticLimits(),
			PerExtraHop:       v.GetUint64("gas.per_extra_hop"),
			FloorMaxFeePerGas: v.GetUint64("gas.floor_max_fee_per_gas"),
			FloorPriorityFee:  v.GetUint64("gas.floor_priority_fee"),
			BaseFeeMultiplier: v.GetUint64("gas.base_fee_multiplier"),
			BlockTime:         v.GetDuration("gas.block_time"),
		},
		Tx: TxConfig{
			RouterAddress:       v.GetString("tx.router_address"),
			SwapDeadline:        v.GetDuration("tx.swap_deadline"),
			MaxBroadcastRetries: v.GetInt("tx.max_broadcast_retries"),
			CallTimeout:         v.GetDuration("tx.call_timeout"),
			PollInterval:        v.GetDuration("tx.poll_interval"),
			ConfirmationBlocks:  v.GetInt("tx.confirmation_blocks"),
			ConfirmationTimeout: v.GetDuration("tx.confirmation_timeout"),
			WaitForConfirmation: v.GetBool("tx.wait_for_confirmation"),
		},
		API: APIConfig{
			ListenAddr:        v.GetString("api.listen_addr"),
			RequestsPerSecond: v.GetFloat64("api.requests_per_second"),
			Burst:             v.GetInt("api.burst"),
			RequestTimeout:    v.GetDuration("api.request_timeout"),
		},
		Logging: LoggingConfig{
			Level:         v.GetString("logging.level"),
			Format:        v.GetString("logging.format"),
			StatsInterval: v.GetDuration("logging.stats_interval"),
		},
	}
}

// DefaultPerExtraHop is the static gas charged for every swap hop after
// the first.
const DefaultPerExtraHop = 80_000

// DefaultStaticLimits returns the fallback gas limit per transaction type.
func DefaultStaticLimits() map[string]uint64 {
	return map[string]uint64{
		"swap":             200_000,
		"add_liquidity":    250_000,
		"remove_liquidity": 200_000,
	}
}

// Validate rejects out-of-range tunables
func (c *Config) Validate() error {
	switch {
	case c.Routing.MaxHops < 1 || c.Routing.MaxHops > 5:
		return fmt.Errorf("routing.max_hops must be within 1..5, got %d", c.Routing.MaxHops)
	case c.Quote.DefaultSlippageBps >= 10_000:
		return fmt.Errorf("quote.default_slippage_bps must be below 10000, got %d", c.Quote.DefaultSlippageBps)
	case c.Quote.MaxReserveDrainBps == 0 || c.Quote.MaxReserveDrainBps > 10_000:
		return fmt.Errorf("quote.max_reserve_drain_bps must be within 1..10000, got %d", c.Quote.MaxReserveDrainBps)
	case c.Registry.TTL <= 0 || c.Registry.StaleCeiling < c.Registry.TTL:
		return fmt.Errorf("registry.stale_ceiling (%s) must be >= registry.ttl (%s) > 0", c.Registry.StaleCeiling, c.Registry.TTL)
	case c.Gas.SafetyMultiplier < 1:
		return fmt.Errorf("gas.safety_multiplier must be >= 1, got %v", c.Gas.SafetyMultiplier)
	case c.Tx.MaxBroadcastRetries < 1:
		return fmt.Errorf("tx.max_broadcast_retries must be >= 1, got %d", c.Tx.MaxBroadcastRetries)
	case c.Tx.PollInterval <= 0:
		return fmt.Errorf("tx.poll_interval must be positive")
	}
	for _, p := range c.Pools {
		if p.FeeBps >= 10_000 {
			return fmt.Errorf("pool %s fee_bps must be below 10000, got %d", p.Address, p.FeeBps)
		}
	}
	return nil
}
