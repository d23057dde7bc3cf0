package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Gateway mode selects which exchange implementation the bot trades
// against.
const (
	ModePaper   = "paper"
	ModeBinance = "binance"
)

// Config holds all bot configuration. Loaded once at startup and
// read-only afterwards.
type Config struct {
	// Service name
	ServiceName string

	// Log level: debug, info, warn, error
	LogLevel string

	// Optional log file; when set, logs tee to stdout and the file
	LogFile string

	// Gateway mode: paper or binance
	Mode string

	// Binance credentials and endpoints
	APIKey       string
	APISecret    string
	Testnet      bool
	RecvWindowMs int

	// Symbols to trade (comma-separated in env)
	Symbols []string

	// Strategy selection
	Strategy     string
	SMAFast      int
	SMASlow      int
	OrderQty     float64
	EquityFrac   float64
	LimitOffsetPct float64

	// Risk limits
	MaxPositionQty  float64
	MaxExposure     float64
	CooldownMs      int
	StartingBalance float64

	// Engine timing
	SubmitAttempts      int
	RetryBaseDelayMs    int
	AckTimeoutMs        int
	StuckOrderTimeoutMs int

	// Journal
	DataDir string

	// Kafka brokers (comma-separated); empty disables event publishing
	KafkaBrokers string

	// Control API listen address
	APIAddr string

	// Paper gateway tuning
	PaperTickIntervalMs int
	PaperStartPrice     float64

	// Chaos injection gate; the chaos package reads its own CHAOS_*
	// tuning knobs.
	ChaosEnabled bool
}

// Load reads configuration from the environment with defaults. A .env
// file in the working directory is layered in first; real environment
// variables win over .env entries.
func Load(serviceName string) *Config {
	// godotenv.Load never overrides variables already set in the
	// process environment.
	_ = godotenv.Load()

	cfg := &Config{
		ServiceName: serviceName,
		LogLevel:    getEnvAsString("LOG_LEVEL", "info"),
		LogFile:     getEnvAsString("LOG_FILE", ""),

		Mode:         getEnvAsString("GATEWAY_MODE", ModePaper),
		APIKey:       getEnvAsString("BINANCE_API_KEY", ""),
		APISecret:    getEnvAsString("BINANCE_API_SECRET", ""),
		Testnet:      getEnvAsBool("TESTNET", true),
		RecvWindowMs: getEnvAsInt("BINANCE_RECV_WINDOW_MS", 5000),

		Symbols: splitList(getEnvAsString("SYMBOLS", "BTCUSDT")),

		Strategy:       getEnvAsString("STRATEGY", "sma-cross"),
		SMAFast:        getEnvAsInt("SMA_FAST", 5),
		SMASlow:        getEnvAsInt("SMA_SLOW", 20),
		OrderQty:       getEnvAsFloat("ORDER_QTY", 0.001),
		EquityFrac:     getEnvAsFloat("EQUITY_FRAC", 0),
		LimitOffsetPct: getEnvAsFloat("LIMIT_OFFSET_PCT", 0.05),

		MaxPositionQty:  getEnvAsFloat("MAX_POSITION_QTY", 0.01),
		MaxExposure:     getEnvAsFloat("MAX_EXPOSURE_USD", 10000),
		CooldownMs:      getEnvAsInt("ORDER_COOLDOWN_MS", 0),
		StartingBalance: getEnvAsFloat("STARTING_BALANCE_USD", 10000),

		SubmitAttempts:      getEnvAsInt("SUBMIT_ATTEMPTS", 3),
		RetryBaseDelayMs:    getEnvAsInt("RETRY_BASE_DELAY_MS", 250),
		AckTimeoutMs:        getEnvAsInt("ACK_TIMEOUT_MS", 5000),
		StuckOrderTimeoutMs: getEnvAsInt("STUCK_ORDER_TIMEOUT_MS", 30000),

		DataDir: getEnvAsString("DATA_DIR", "./data"),

		KafkaBrokers: getEnvAsString("KAFKA_BROKERS", ""),

		APIAddr: getEnvAsString("API_ADDR", ":8080"),

		PaperTickIntervalMs: getEnvAsInt("PAPER_TICK_INTERVAL_MS", 500),
		PaperStartPrice:     getEnvAsFloat("PAPER_START_PRICE", 50000),

		ChaosEnabled: getEnvAsBool("CHAOS_ENABLED", false),
	}

	return cfg
}

// Validate returns the first fatal configuration problem. The bot must
// not start trading with an invalid configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModePaper, ModeBinance:
	default:
		return fmt.Errorf("GATEWAY_MODE must be %q or %q, got %q", ModePaper, ModeBinance, c.Mode)
	}
	if c.Mode == ModeBinance {
		if c.APIKey == "" || c.APISecret == "" {
			return fmt.Errorf("BINANCE_API_KEY and BINANCE_API_SECRET are required in binance mode")
		}
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("SYMBOLS must list at least one symbol")
	}
	for _, s := range c.Symbols {
		if s == "" {
			return fmt.Errorf("SYMBOLS contains an empty entry")
		}
	}
	if c.OrderQty <= 0 && c.EquityFrac <= 0 {
		return fmt.Errorf("one of ORDER_QTY or EQUITY_FRAC must be positive")
	}
	if c.EquityFrac < 0 || c.EquityFrac > 1 {
		return fmt.Errorf("EQUITY_FRAC must be in [0, 1], got %v", c.EquityFrac)
	}
	if c.MaxPositionQty <= 0 {
		return fmt.Errorf("MAX_POSITION_QTY must be positive, got %v", c.MaxPositionQty)
	}
	if c.MaxExposure <= 0 {
		return fmt.Errorf("MAX_EXPOSURE_USD must be positive, got %v", c.MaxExposure)
	}
	if c.SubmitAttempts < 1 {
		return fmt.Errorf("SUBMIT_ATTEMPTS must be at least 1, got %d", c.SubmitAttempts)
	}
	if c.RetryBaseDelayMs <= 0 {
		return fmt.Errorf("RETRY_BASE_DELAY_MS must be positive, got %d", c.RetryBaseDelayMs)
	}
	if c.AckTimeoutMs <= 0 {
		return fmt.Errorf("ACK_TIMEOUT_MS must be positive, got %d", c.AckTimeoutMs)
	}
	if c.StuckOrderTimeoutMs < c.AckTimeoutMs {
		return fmt.Errorf("STUCK_ORDER_TIMEOUT_MS (%d) must be >= ACK_TIMEOUT_MS (%d)",
			c.StuckOrderTimeoutMs, c.AckTimeoutMs)
	}
	if c.SMAFast >= c.SMASlow && c.Strategy == "sma-cross" {
		return fmt.Errorf("SMA_FAST (%d) must be less than SMA_SLOW (%d)", c.SMAFast, c.SMASlow)
	}
	return nil
}

// RetryBaseDelay returns the initial backoff between submit attempts.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

// AckTimeout returns how long a submitted order may wait for an ack
// before the engine queries its status.
func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMs) * time.Millisecond
}

// StuckOrderTimeout returns the ceiling after which an unresolved order
// is forcibly reconciled.
func (c *Config) StuckOrderTimeout() time.Duration {
	return time.Duration(c.StuckOrderTimeoutMs) * time.Millisecond
}

// Cooldown returns the minimum interval between accepted orders on one
// symbol. Zero disables the check.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownMs) * time.Millisecond
}

// Brokers splits KafkaBrokers into a trimmed list. Empty when event
// publishing is disabled.
func (c *Config) Brokers() []string {
	if c.KafkaBrokers == "" {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "y", "yes":
		return true
	case "0", "false", "n", "no":
		return false
	default:
		return defaultValue
	}
}
