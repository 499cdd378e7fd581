// Package config loads the application configuration from environment
// variables, per spec.md §6's "Configuration" table. Use Get() to obtain the
// process-wide singleton; call MustLoad() once, early in main(), so a
// misconfiguration panics at boot rather than mid-request.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           string
	Env            string
	RequestTimeout time.Duration // REQUEST_TIMEOUT_MS, default 15s
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	DSN                string
	MaxOpenConns       int
	StatementTimeout   time.Duration // DB_STATEMENT_TIMEOUT_MS, default 5s
	ConnectionTimeout  time.Duration // DB_CONNECTION_TIMEOUT_MS, default 5s
	IdleTimeout        time.Duration // DB_IDLE_TIMEOUT_MS, default 30s
	MigrationsPath     string
}

// RedisConfig holds cache connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// GameConfig holds round-engine settings.
type GameConfig struct {
	SeedMaster           string        // SEED_MASTER, optional
	BroadcastInterval    time.Duration // BROADCAST_INTERVAL_MS, default 100ms
	InterRoundGap        time.Duration // gap between crash and next round, default 5s
	AllowDegradedRounds  bool          // dev escape hatch, default false
	MinBetAmount         float64
	MaxBetAmount         float64
	SettlementWindowSecs int64 // SETTLEMENT_WINDOW_SECONDS, default 300
	MaxRoundAgeSecs      int64 // MAX_ROUND_AGE_SECONDS, default 300
}

// CashoutConfig holds bet-coordinator cashout pacing settings.
type CashoutConfig struct {
	MinIntervalMS   time.Duration // CASHOUT_MIN_INTERVAL_MS, default 1000ms
	PruneAge        time.Duration // CASHOUT_PRUNE_AGE_MS
	MaxEntries      int           // MAX_CASHOUT_ENTRIES
}

// PaymentConfig holds the external gateway and polling settings.
type PaymentConfig struct {
	CollectionsBaseURL string // mobile-money deposit gateway base URL
	DisbursementsBaseURL string // mobile-money withdraw gateway base URL
	GatewayToken       string
	MinDeposit         float64
	MaxDeposit         float64
	MinWithdraw        float64
	MaxWithdraw        float64
	PollInterval       time.Duration // default 5s
	MaxPollAttempts    int           // default 60
	RequestTimeout     time.Duration
}

// RateLimitConfig holds the auth/cashout rate limiter settings.
type RateLimitConfig struct {
	AuthWindow    time.Duration
	AuthMax       int
	PruneInterval time.Duration
	MaxEntries    int
}

// Config is the root configuration object.
type Config struct {
	Server    ServerConfig
	DB        DBConfig
	Redis     RedisConfig
	Game      GameConfig
	Cashout   CashoutConfig
	Payment   PaymentConfig
	RateLimit RateLimitConfig
}

func (c *Config) IsProd() bool { return c.Server.Env == "production" }

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide Config singleton, loading it from the
// environment on first call.
func Get() *Config {
	once.Do(func() {
		instance = load()
	})
	return instance
}

// MustLoad loads the config and panics if validation fails. Call once from
// main() so misconfiguration is caught at startup, not mid-request.
func MustLoad() *Config {
	cfg := Get()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: validation failed: %v", err))
	}
	return cfg
}

// Validate checks invariants that load() cannot enforce on its own (e.g.
// relationships between two settings).
func (c *Config) Validate() error {
	if c.Game.MinBetAmount <= 0 {
		return fmt.Errorf("MIN_BET_AMOUNT must be positive, got %v", c.Game.MinBetAmount)
	}
	if c.Game.MaxBetAmount < c.Game.MinBetAmount {
		return fmt.Errorf("MAX_BET_AMOUNT (%v) must be >= MIN_BET_AMOUNT (%v)", c.Game.MaxBetAmount, c.Game.MinBetAmount)
	}
	if c.Payment.MaxDeposit < c.Payment.MinDeposit {
		return fmt.Errorf("payment max deposit must be >= min deposit")
	}
	if c.Payment.MaxWithdraw < c.Payment.MinWithdraw {
		return fmt.Errorf("payment max withdraw must be >= min withdraw")
	}
	return nil
}

func load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            getEnv("ENVIRONMENT", "development"),
			RequestTimeout: getDurationMS("REQUEST_TIMEOUT_MS", 15000),
		},
		DB: DBConfig{
			DSN:               buildDBDSN(),
			MaxOpenConns:      getInt("DB_MAX_OPEN_CONNS", 25),
			StatementTimeout:  getDurationMS("DB_STATEMENT_TIMEOUT_MS", 5000),
			ConnectionTimeout: getDurationMS("DB_CONNECTION_TIMEOUT_MS", 5000),
			IdleTimeout:       getDurationMS("DB_IDLE_TIMEOUT_MS", 30000),
			MigrationsPath:    getEnv("MIGRATIONS_PATH", "./migrations"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_URL", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		Game: GameConfig{
			SeedMaster:           getEnv("SEED_MASTER", ""),
			BroadcastInterval:    getDurationMS("BROADCAST_INTERVAL_MS", 100),
			InterRoundGap:        getDurationMS("INTER_ROUND_GAP_MS", 5000),
			AllowDegradedRounds:  getBool("ALLOW_DEGRADED_ROUNDS", false),
			MinBetAmount:         getFloat("MIN_BET_AMOUNT", 1.0),
			MaxBetAmount:         getFloat("MAX_BET_AMOUNT", 10000.0),
			SettlementWindowSecs: int64(getInt("SETTLEMENT_WINDOW_SECONDS", 300)),
			MaxRoundAgeSecs:      int64(getInt("MAX_ROUND_AGE_SECONDS", 300)),
		},
		Cashout: CashoutConfig{
			MinIntervalMS: getDurationMS("CASHOUT_MIN_INTERVAL_MS", 1000),
			PruneAge:      getDurationMS("CASHOUT_PRUNE_AGE_MS", 600000),
			MaxEntries:    getInt("MAX_CASHOUT_ENTRIES", 100000),
		},
		Payment: PaymentConfig{
			CollectionsBaseURL:   getEnv("GATEWAY_COLLECTIONS_URL", ""),
			DisbursementsBaseURL: getEnv("GATEWAY_DISBURSEMENTS_URL", ""),
			GatewayToken:         getEnv("GATEWAY_TOKEN", ""),
			MinDeposit:           getFloat("MIN_DEPOSIT_AMOUNT", 100),
			MaxDeposit:           getFloat("MAX_DEPOSIT_AMOUNT", 1000000),
			MinWithdraw:          getFloat("MIN_WITHDRAW_AMOUNT", 100),
			MaxWithdraw:          getFloat("MAX_WITHDRAW_AMOUNT", 1000000),
			PollInterval:         getDurationMS("PAYMENT_POLL_INTERVAL_MS", 5000),
			MaxPollAttempts:      getInt("PAYMENT_MAX_POLL_ATTEMPTS", 60),
			RequestTimeout:       getDurationMS("GATEWAY_REQUEST_TIMEOUT_MS", 10000),
		},
		RateLimit: RateLimitConfig{
			AuthWindow:    getDurationMS("AUTH_RATE_LIMIT_WINDOW_MS", 60000),
			AuthMax:       getInt("AUTH_RATE_LIMIT_MAX", 10),
			PruneInterval: getDurationMS("RATE_LIMIT_PRUNE_INTERVAL_MS", 300000),
			MaxEntries:    getInt("MAX_RATE_LIMIT_ENTRIES", 100000),
		},
	}
}

func buildDBDSN() string {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		return dsn
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("DB_USERNAME", "postgres"),
		getEnv("DB_PASSWORD", "postgres"),
		getEnv("DB_HOST", "localhost"),
		getEnv("DB_PORT", "5432"),
		getEnv("DB_DATABASE", "crashdb"),
		getEnv("DB_SSLMODE", "disable"),
	)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func getFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// getDurationMS reads an env var expressed in milliseconds (matching
// spec.md §6's *_MS naming) and returns it as a time.Duration.
func getDurationMS(key string, defaultMS int64) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(defaultMS) * time.Millisecond
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Duration(defaultMS) * time.Millisecond
	}
	return time.Duration(n) * time.Millisecond
}
