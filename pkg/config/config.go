package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds environment-driven runtime settings: credentials, paths and
// execution toggles. Strategy parameters live in the YAML file (see Bot).
type Config struct {
	Port string

	// Binance USDT-M futures
	BinanceAPIKey    string
	BinanceAPISecret string
	BinanceTestnet   bool

	// Execution
	DryRun               bool
	DryRunInitialBalance float64
	DryRunFeeRate        float64 // decimal (e.g. 0.0004 = 4 bps)

	// Paths
	DBPath       string
	BotConfig    string // YAML strategy/bot parameters
	EventLogPath string // JSON event log consumed by dashboards; empty disables

	// Margin asset used for sizing and PnL.
	MarginAsset string

	LogLevel string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                 getEnv("PORT", "8080"),
		BinanceAPIKey:        os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:     os.Getenv("BINANCE_API_SECRET"),
		BinanceTestnet:       getEnv("BINANCE_TESTNET", "false") == "true",
		DryRun:               getEnv("DRY_RUN", "true") == "true",
		DryRunInitialBalance: getEnvFloat("DRY_RUN_INITIAL_BALANCE", 10000.0),
		DryRunFeeRate:        getEnvFloat("DRY_RUN_FEE_RATE", 0.0004),
		DBPath:               getEnv("DB_PATH", "./data/cycletrader.db"),
		BotConfig:            getEnv("BOT_CONFIG", "./config.yaml"),
		EventLogPath:         getEnv("EVENT_LOG_PATH", ""),
		MarginAsset:          getEnv("MARGIN_ASSET", "USDT"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
