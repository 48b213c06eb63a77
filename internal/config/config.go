// Package config defines the top-level configuration for the flasharb bot
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FLASHARB_* environment variables.
type Config struct {
	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`
	Identity string `toml:"identity"` // trading identity for risk tracking rows

	Wallet    WalletConfig    `toml:"wallet"`
	Chain     ChainConfig     `toml:"chain"`
	Loan      LoanConfig      `toml:"loan"`
	Venues    []VenueConfig   `toml:"venues"`
	Pairs     []PairConfig    `toml:"pairs"`
	Scanner   ScannerConfig   `toml:"scanner"`
	Executor  ExecutorConfig  `toml:"executor"`
	Risk      RiskConfig      `toml:"risk"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Retry     RetryConfig     `toml:"retry"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Notify    NotifyConfig    `toml:"notify"`
	Server    ServerConfig    `toml:"server"`
}

// WalletConfig holds hot-wallet credentials. Either a raw private key or an
// encrypted keystore path must be provided for live mode.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ChainConfig holds EVM RPC parameters.
type ChainConfig struct {
	RPCURL        string `toml:"rpc_url"`
	ChainID       int64  `toml:"chain_id"`
	RPCRateLimit  int    `toml:"rpc_rate_limit"` // requests per second, client-side
	RPCBurst      int    `toml:"rpc_burst"`
	WrappedNative string `toml:"wrapped_native"` // wrapped native token address, enables venue-quoted gas pricing
}

// LoanConfig holds flash-loan pool parameters.
type LoanConfig struct {
	PoolAddress     string `toml:"pool_address"`
	ReceiverAddress string `toml:"receiver_address"` // deployed arbitrage executor contract
	FallbackFeeBps  int64  `toml:"fallback_fee_bps"` // used when the pool premium read fails
}

// VenueConfig describes one liquidity venue. Kind selects the adapter:
// "router" quotes on-chain via a V2-compatible router, "aggregator" via a
// 0x-style REST API.
type VenueConfig struct {
	Name           string `toml:"name"`
	Kind           string `toml:"kind"`
	RouterAddress  string `toml:"router_address"` // router kind
	BaseURL        string `toml:"base_url"`       // aggregator kind
	APIKey         string `toml:"api_key"`
	RequestsPerMin int    `toml:"requests_per_min"` // aggregator rate limit
}

// TokenConfig describes one ERC-20 asset.
type TokenConfig struct {
	Address  string `toml:"address"`
	Symbol   string `toml:"symbol"`
	Decimals uint8  `toml:"decimals"`
}

// PairConfig is one (in, out) pair to scan. The in token is the borrowed
// reserve asset and must be the same across all pairs so daily risk
// counters share one denomination.
type PairConfig struct {
	In  TokenConfig `toml:"in"`
	Out TokenConfig `toml:"out"`
}

// ScannerConfig holds opportunity-scan parameters. Amount fields are
// decimal strings in the reserve token ("10000", "2.5").
type ScannerConfig struct {
	Interval               duration `toml:"interval"`
	LoanAmount             string   `toml:"loan_amount"`
	MinGrossProfitPct      float64  `toml:"min_gross_profit_pct"`
	MinNetProfitPct        float64  `toml:"min_net_profit_pct"`
	MinNetProfitAbs        string   `toml:"min_net_profit_abs"`
	MaxGasPriceGwei        int64    `toml:"max_gas_price_gwei"`
	SimGasPriceGwei        int64    `toml:"sim_gas_price_gwei"` // assumed gas price when no node is configured
	NativePrice            string   `toml:"native_price"`       // reserve units per native token, quote fallback
	ProbeAmount            string   `toml:"probe_amount"`       // native tokens quoted to discover the live native price
	GasUnits               uint64   `toml:"gas_units"`          // estimated units for the full flash-loan tx
	AnomalyMaxDeviationPct float64  `toml:"anomaly_max_deviation_pct"`
	HistorySize            int      `toml:"history_size"`
	MaxConcurrency         int      `toml:"max_concurrency"`
	QuoteTimeout           duration `toml:"quote_timeout"`
}

// ExecutorConfig holds trade-execution parameters.
type ExecutorConfig struct {
	ApprovalTimeout   duration `toml:"approval_timeout"`
	ConfirmTimeout    duration `toml:"confirm_timeout"`
	ReconcileWarnPct  float64  `toml:"reconcile_warn_pct"`
	ReconcileTripPct  float64  `toml:"reconcile_trip_pct"`
	SlippageBps       int64    `toml:"slippage_bps"`
	SimSlippageMaxBps int64    `toml:"sim_slippage_max_bps"`
	MaxParallel       int      `toml:"max_parallel"`
}

// RiskConfig holds pre-trade limits. Amount fields are decimal strings in
// the reserve token; MinReserveFloat is in native units (gas money).
type RiskConfig struct {
	TradingEnabled         bool    `toml:"trading_enabled"`
	MaxPositionSize        string  `toml:"max_position_size"`
	DailyLossLimit         string  `toml:"daily_loss_limit"`
	MaxLossPerTrade        string  `toml:"max_loss_per_trade"`
	GasReserveMultiplier   float64 `toml:"gas_reserve_multiplier"`
	MinReserveFloat        string  `toml:"min_reserve_float"`
	MaxConsecutiveFailures int     `toml:"max_consecutive_failures"`
}

// MonitorConfig holds background safety-monitor parameters.
type MonitorConfig struct {
	DrawdownInterval  duration `toml:"drawdown_interval"`
	MaxDrawdownPct    float64  `toml:"max_drawdown_pct"`
	BlackSwanInterval duration `toml:"black_swan_interval"`
	BlackSwanMovePct  float64  `toml:"black_swan_move_pct"`
}

// RetryConfig holds retry-queue parameters.
type RetryConfig struct {
	Interval    duration   `toml:"interval"`
	Backoff     []duration `toml:"backoff"`
	MaxAttempts int        `toml:"max_attempts"`
	DrainBatch  int        `toml:"drain_batch"`
}

// SchedulerConfig holds the periodic-task runner parameters.
type SchedulerConfig struct {
	DrainTimeout duration `toml:"drain_timeout"` // how long Stop waits for in-flight task runs
	StartJitter  duration `toml:"start_jitter"`  // max random delay before each task's first run
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for cold archives.
type S3Config struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
	RetentionDays  int      `toml:"retention_days"`
	SweepInterval  duration `toml:"sweep_interval"` // cadence of the archive-sweep task
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"` // requests per minute per client
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Durations unwraps a []duration into plain time.Durations.
func Durations(ds []duration) []time.Duration {
	out := make([]time.Duration, len(ds))
	for i, d := range ds {
		out[i] = d.Duration
	}
	return out
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Mode:     "paper",
		LogLevel: "info",
		Identity: "default",
		Chain: ChainConfig{
			ChainID:      1,
			RPCRateLimit: 20,
			RPCBurst:     40,
		},
		Loan: LoanConfig{
			FallbackFeeBps: 5,
		},
		Scanner: ScannerConfig{
			Interval:               duration{10 * time.Second},
			LoanAmount:             "10000",
			MinGrossProfitPct:      0.5,
			MinNetProfitPct:        0.8,
			MinNetProfitAbs:        "10",
			MaxGasPriceGwei:        80,
			SimGasPriceGwei:        30,
			NativePrice:            "3000",
			ProbeAmount:            "1",
			GasUnits:               550_000,
			AnomalyMaxDeviationPct: 10.0,
			HistorySize:            32,
			MaxConcurrency:         4,
			QuoteTimeout:           duration{5 * time.Second},
		},
		Executor: ExecutorConfig{
			ApprovalTimeout:   duration{90 * time.Second},
			ConfirmTimeout:    duration{120 * time.Second},
			ReconcileWarnPct:  0.5,
			ReconcileTripPct:  1.0,
			SlippageBps:       30,
			SimSlippageMaxBps: 20,
			MaxParallel:       2,
		},
		Risk: RiskConfig{
			TradingEnabled:         false,
			MaxPositionSize:        "50000",
			DailyLossLimit:         "500",
			MaxLossPerTrade:        "50",
			GasReserveMultiplier:   1.5,
			MinReserveFloat:        "0.05",
			MaxConsecutiveFailures: 3,
		},
		Monitor: MonitorConfig{
			DrawdownInterval:  duration{30 * time.Second},
			MaxDrawdownPct:    5.0,
			BlackSwanInterval: duration{15 * time.Second},
			BlackSwanMovePct:  10.0,
		},
		Retry: RetryConfig{
			Interval:    duration{1 * time.Second},
			Backoff:     []duration{{5 * time.Second}, {15 * time.Second}, {45 * time.Second}},
			MaxAttempts: 3,
			DrainBatch:  10,
		},
		Scheduler: SchedulerConfig{
			DrainTimeout: duration{10 * time.Second},
			StartJitter:  duration{2 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "flasharb",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "flasharb-data",
			ForcePathStyle: true,
			RetentionDays:  90,
			SweepInterval:  duration{1 * time.Hour},
		},
		Notify: NotifyConfig{
			Events: []string{"opportunity_found", "trade_executed", "trade_failed", "breaker_tripped", "error"},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"scan":  true,
	"paper": true,
	"live":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validVenueKinds enumerates the accepted venue adapter kinds.
var validVenueKinds = map[string]bool{
	"router":     true,
	"aggregator": true,
}

// Validate checks Config for invalid or missing values and returns a
// combined error describing every problem found. Messages double as
// operator recommendations and name the env override where one exists.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: scan, paper, live; set mode or FLASHARB_MODE)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Identity == "" {
		errs = append(errs, "identity must not be empty")
	}

	// Wallet: live mode needs a signing key.
	if strings.ToLower(c.Mode) == "live" {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: set private_key or encrypted_key_path for live mode (FLASHARB_WALLET_PRIVATE_KEY)")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set (FLASHARB_WALLET_KEY_PASSWORD)")
		}
		if c.Loan.PoolAddress == "" {
			errs = append(errs, "loan: pool_address is required for live mode")
		}
		if c.Loan.ReceiverAddress == "" {
			errs = append(errs, "loan: receiver_address (the deployed executor contract) is required for live mode")
		}
	}

	// Chain
	if c.Chain.RPCURL == "" && strings.ToLower(c.Mode) != "paper" {
		errs = append(errs, "chain: rpc_url must not be empty (set chain.rpc_url or FLASHARB_CHAIN_RPC_URL)")
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, fmt.Sprintf("chain: chain_id must be positive, got %d", c.Chain.ChainID))
	}
	if c.Chain.WrappedNative != "" && !isHexAddress(c.Chain.WrappedNative) {
		errs = append(errs, fmt.Sprintf("chain: wrapped_native %q is not a token address", c.Chain.WrappedNative))
	}

	// Venues: at least two, with valid kinds, unique names.
	if len(c.Venues) < 2 {
		errs = append(errs, fmt.Sprintf("venues: at least 2 venues are required to compare prices, got %d", len(c.Venues)))
	}
	seen := map[string]bool{}
	for i, v := range c.Venues {
		if v.Name == "" {
			errs = append(errs, fmt.Sprintf("venues[%d]: name must not be empty", i))
			continue
		}
		if seen[v.Name] {
			errs = append(errs, fmt.Sprintf("venues[%d]: duplicate name %q", i, v.Name))
		}
		seen[v.Name] = true
		if !validVenueKinds[v.Kind] {
			errs = append(errs, fmt.Sprintf("venues[%d] %s: unknown kind %q (valid: router, aggregator)", i, v.Name, v.Kind))
		}
		if v.Kind == "router" && v.RouterAddress == "" {
			errs = append(errs, fmt.Sprintf("venues[%d] %s: router_address is required for kind router", i, v.Name))
		}
		if v.Kind == "aggregator" && v.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("venues[%d] %s: base_url is required for kind aggregator", i, v.Name))
		}
	}

	// Pairs: at least one; every pair shares the same reserve (in) token so
	// daily risk counters have a single denomination.
	if len(c.Pairs) == 0 {
		errs = append(errs, "pairs: at least one pair must be configured")
	}
	for i, p := range c.Pairs {
		for leg, t := range map[string]TokenConfig{"in": p.In, "out": p.Out} {
			if !isHexAddress(t.Address) {
				errs = append(errs, fmt.Sprintf("pairs[%d].%s: address %q is not a 0x-prefixed 20-byte hex address", i, leg, t.Address))
			}
			if t.Symbol == "" {
				errs = append(errs, fmt.Sprintf("pairs[%d].%s: symbol must not be empty", i, leg))
			}
		}
		if i > 0 && p.In.Address != c.Pairs[0].In.Address {
			errs = append(errs, fmt.Sprintf("pairs[%d]: in token %s differs from pairs[0] (%s); all pairs must borrow the same reserve asset", i, p.In.Symbol, c.Pairs[0].In.Symbol))
		}
	}

	// Scanner
	if c.Scanner.Interval.Duration < time.Second {
		errs = append(errs, "scanner: interval must be >= 1s")
	}
	if c.Scanner.MinNetProfitPct <= 0 {
		errs = append(errs, "scanner: min_net_profit_pct must be > 0")
	}
	if c.Scanner.MaxGasPriceGwei <= 0 {
		errs = append(errs, "scanner: max_gas_price_gwei must be > 0")
	}
	if c.Scanner.SimGasPriceGwei <= 0 {
		errs = append(errs, "scanner: sim_gas_price_gwei must be > 0")
	}
	if c.Scanner.MaxConcurrency < 1 {
		errs = append(errs, "scanner: max_concurrency must be >= 1")
	}
	if c.Scanner.HistorySize < 4 {
		errs = append(errs, "scanner: history_size must be >= 4 for the anomaly check to have a mean")
	}

	// Executor
	if c.Executor.ReconcileWarnPct <= 0 || c.Executor.ReconcileTripPct <= 0 {
		errs = append(errs, "executor: reconcile_warn_pct and reconcile_trip_pct must be > 0")
	}
	if c.Executor.ReconcileWarnPct > c.Executor.ReconcileTripPct {
		errs = append(errs, "executor: reconcile_warn_pct must not exceed reconcile_trip_pct")
	}
	if c.Executor.MaxParallel < 1 {
		errs = append(errs, "executor: max_parallel must be >= 1")
	}

	// Risk
	if c.Risk.GasReserveMultiplier < 1.5 {
		errs = append(errs, fmt.Sprintf("risk: gas_reserve_multiplier must be >= 1.5, got %g", c.Risk.GasReserveMultiplier))
	}
	if c.Risk.MaxConsecutiveFailures < 1 || c.Risk.MaxConsecutiveFailures > 10 {
		errs = append(errs, fmt.Sprintf("risk: max_consecutive_failures must be 1-10, got %d", c.Risk.MaxConsecutiveFailures))
	}

	// Retry
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry: max_attempts must be >= 1")
	}
	if len(c.Retry.Backoff) == 0 {
		errs = append(errs, "retry: backoff must list at least one delay (e.g. [\"5s\", \"15s\", \"45s\"])")
	}
	for i, d := range c.Retry.Backoff {
		if d.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("retry: backoff[%d] must be > 0", i))
		}
		if i > 0 && d.Duration <= c.Retry.Backoff[i-1].Duration {
			errs = append(errs, "retry: backoff delays must be strictly increasing")
			break
		}
	}

	// Scheduler
	if c.Scheduler.DrainTimeout.Duration <= 0 {
		errs = append(errs, "scheduler: drain_timeout must be > 0")
	}
	if c.Scheduler.StartJitter.Duration < 0 {
		errs = append(errs, "scheduler: start_jitter must be >= 0")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must be 0..pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 only when enabled.
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when s3 is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when s3 is enabled")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isHexAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && len(s) == 42
}
