package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the mirroring engine.
type Config struct {
	Port string

	// Database and durability
	DBPath        string
	IntentWALPath string

	// Signal ingestion
	MasterPollInterval time.Duration

	// Dispatch
	CycleTimeout time.Duration

	// Execution
	WorkersPerPool  int
	MaxAttempts     int
	AttemptTimeout  time.Duration
	ExchangeTestnet bool

	// Reconciliation
	ReconcileInterval time.Duration
	ReconcileAutoSync bool

	// Symbols
	SymbolsFile string

	// Auth
	JWTSecret string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the engine still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:               getEnv("PORT", "8080"),
		DBPath:             getEnv("DB_PATH", "./data/mirror.db"),
		IntentWALPath:      getEnv("INTENT_WAL_PATH", "./data/intent_wal"),
		MasterPollInterval: getEnvDuration("MASTER_POLL_INTERVAL", 2*time.Second),
		CycleTimeout:       getEnvDuration("CYCLE_TIMEOUT", 30*time.Second),
		WorkersPerPool:     getEnvInt("WORKERS_PER_POOL", 4),
		MaxAttempts:        getEnvInt("MAX_ATTEMPTS", 5),
		AttemptTimeout:     getEnvDuration("ATTEMPT_TIMEOUT", 10*time.Second),
		ExchangeTestnet:    getEnv("EXCHANGE_TESTNET", "false") == "true",
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		ReconcileAutoSync:  getEnv("RECONCILE_AUTO_SYNC", "true") == "true",
		SymbolsFile:        getEnv("SYMBOLS_FILE", "./config/symbols.yaml"),
		JWTSecret:          getEnv("JWT_SECRET", "dev-secret"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
