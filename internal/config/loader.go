package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies FLASHARB_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FLASHARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file. List-valued sections (venues, pairs) are TOML-only.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Mode, "FLASHARB_MODE")
	setStr(&cfg.LogLevel, "FLASHARB_LOG_LEVEL")
	setStr(&cfg.Identity, "FLASHARB_IDENTITY")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "FLASHARB_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "FLASHARB_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "FLASHARB_WALLET_KEY_PASSWORD")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "FLASHARB_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "FLASHARB_CHAIN_CHAIN_ID")
	setInt(&cfg.Chain.RPCRateLimit, "FLASHARB_CHAIN_RPC_RATE_LIMIT")
	setInt(&cfg.Chain.RPCBurst, "FLASHARB_CHAIN_RPC_BURST")
	setStr(&cfg.Chain.WrappedNative, "FLASHARB_CHAIN_WRAPPED_NATIVE")

	// ── Loan ──
	setStr(&cfg.Loan.PoolAddress, "FLASHARB_LOAN_POOL_ADDRESS")
	setStr(&cfg.Loan.ReceiverAddress, "FLASHARB_LOAN_RECEIVER_ADDRESS")
	setInt64(&cfg.Loan.FallbackFeeBps, "FLASHARB_LOAN_FALLBACK_FEE_BPS")

	// ── Scanner ──
	setDuration(&cfg.Scanner.Interval, "FLASHARB_SCANNER_INTERVAL")
	setStr(&cfg.Scanner.LoanAmount, "FLASHARB_SCANNER_LOAN_AMOUNT")
	setFloat64(&cfg.Scanner.MinGrossProfitPct, "FLASHARB_SCANNER_MIN_GROSS_PROFIT_PCT")
	setFloat64(&cfg.Scanner.MinNetProfitPct, "FLASHARB_SCANNER_MIN_NET_PROFIT_PCT")
	setStr(&cfg.Scanner.MinNetProfitAbs, "FLASHARB_SCANNER_MIN_NET_PROFIT_ABS")
	setInt64(&cfg.Scanner.MaxGasPriceGwei, "FLASHARB_SCANNER_MAX_GAS_PRICE_GWEI")
	setInt64(&cfg.Scanner.SimGasPriceGwei, "FLASHARB_SCANNER_SIM_GAS_PRICE_GWEI")
	setStr(&cfg.Scanner.NativePrice, "FLASHARB_SCANNER_NATIVE_PRICE")
	setStr(&cfg.Scanner.ProbeAmount, "FLASHARB_SCANNER_PROBE_AMOUNT")
	setUint64(&cfg.Scanner.GasUnits, "FLASHARB_SCANNER_GAS_UNITS")
	setFloat64(&cfg.Scanner.AnomalyMaxDeviationPct, "FLASHARB_SCANNER_ANOMALY_MAX_DEVIATION_PCT")
	setInt(&cfg.Scanner.HistorySize, "FLASHARB_SCANNER_HISTORY_SIZE")
	setInt(&cfg.Scanner.MaxConcurrency, "FLASHARB_SCANNER_MAX_CONCURRENCY")
	setDuration(&cfg.Scanner.QuoteTimeout, "FLASHARB_SCANNER_QUOTE_TIMEOUT")

	// ── Executor ──
	setDuration(&cfg.Executor.ApprovalTimeout, "FLASHARB_EXECUTOR_APPROVAL_TIMEOUT")
	setDuration(&cfg.Executor.ConfirmTimeout, "FLASHARB_EXECUTOR_CONFIRM_TIMEOUT")
	setFloat64(&cfg.Executor.ReconcileWarnPct, "FLASHARB_EXECUTOR_RECONCILE_WARN_PCT")
	setFloat64(&cfg.Executor.ReconcileTripPct, "FLASHARB_EXECUTOR_RECONCILE_TRIP_PCT")
	setInt64(&cfg.Executor.SlippageBps, "FLASHARB_EXECUTOR_SLIPPAGE_BPS")
	setInt64(&cfg.Executor.SimSlippageMaxBps, "FLASHARB_EXECUTOR_SIM_SLIPPAGE_MAX_BPS")
	setInt(&cfg.Executor.MaxParallel, "FLASHARB_EXECUTOR_MAX_PARALLEL")

	// ── Risk ──
	setBool(&cfg.Risk.TradingEnabled, "FLASHARB_RISK_TRADING_ENABLED")
	setStr(&cfg.Risk.MaxPositionSize, "FLASHARB_RISK_MAX_POSITION_SIZE")
	setStr(&cfg.Risk.DailyLossLimit, "FLASHARB_RISK_DAILY_LOSS_LIMIT")
	setStr(&cfg.Risk.MaxLossPerTrade, "FLASHARB_RISK_MAX_LOSS_PER_TRADE")
	setFloat64(&cfg.Risk.GasReserveMultiplier, "FLASHARB_RISK_GAS_RESERVE_MULTIPLIER")
	setStr(&cfg.Risk.MinReserveFloat, "FLASHARB_RISK_MIN_RESERVE_FLOAT")
	setInt(&cfg.Risk.MaxConsecutiveFailures, "FLASHARB_RISK_MAX_CONSECUTIVE_FAILURES")

	// ── Monitor ──
	setDuration(&cfg.Monitor.DrawdownInterval, "FLASHARB_MONITOR_DRAWDOWN_INTERVAL")
	setFloat64(&cfg.Monitor.MaxDrawdownPct, "FLASHARB_MONITOR_MAX_DRAWDOWN_PCT")
	setDuration(&cfg.Monitor.BlackSwanInterval, "FLASHARB_MONITOR_BLACK_SWAN_INTERVAL")
	setFloat64(&cfg.Monitor.BlackSwanMovePct, "FLASHARB_MONITOR_BLACK_SWAN_MOVE_PCT")

	// ── Retry ──
	setDuration(&cfg.Retry.Interval, "FLASHARB_RETRY_INTERVAL")
	setDurationSlice(&cfg.Retry.Backoff, "FLASHARB_RETRY_BACKOFF")
	setInt(&cfg.Retry.MaxAttempts, "FLASHARB_RETRY_MAX_ATTEMPTS")
	setInt(&cfg.Retry.DrainBatch, "FLASHARB_RETRY_DRAIN_BATCH")

	// ── Scheduler ──
	setDuration(&cfg.Scheduler.DrainTimeout, "FLASHARB_SCHEDULER_DRAIN_TIMEOUT")
	setDuration(&cfg.Scheduler.StartJitter, "FLASHARB_SCHEDULER_START_JITTER")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "FLASHARB_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "FLASHARB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FLASHARB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FLASHARB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FLASHARB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FLASHARB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FLASHARB_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "FLASHARB_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "FLASHARB_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "FLASHARB_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "FLASHARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FLASHARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FLASHARB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FLASHARB_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "FLASHARB_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "FLASHARB_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "FLASHARB_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "FLASHARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FLASHARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "FLASHARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FLASHARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FLASHARB_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "FLASHARB_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "FLASHARB_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.RetentionDays, "FLASHARB_S3_RETENTION_DAYS")
	setDuration(&cfg.S3.SweepInterval, "FLASHARB_S3_SWEEP_INTERVAL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "FLASHARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "FLASHARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "FLASHARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "FLASHARB_NOTIFY_EVENTS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "FLASHARB_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "FLASHARB_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "FLASHARB_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "FLASHARB_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "FLASHARB_SERVER_RATE_LIMIT")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

// setDurationSlice parses a comma-separated duration list ("5s,15s,45s").
// The override is all-or-nothing: one bad element keeps the existing value.
func setDurationSlice(dst *[]duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]duration, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d, err := time.ParseDuration(p)
		if err != nil {
			return
		}
		out = append(out, duration{d})
	}
	if len(out) > 0 {
		*dst = out
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
