package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	LogLevel string

	// Solana configuration
	SolanaRPCURL string

	// Asset configuration. Decimals are always fetched on-chain; only
	// the mint addresses are configured.
	CollateralMint string
	DebtMint       string

	// Oracle configuration
	PythPriceAccount string
	PriceFallbackURL string

	// External instruction services
	LendingAPIURL   string
	JupiterQuoteURL string

	// Optional sinks. Empty values disable the corresponding feature.
	NATSURL     string
	DatabaseURL string

	// Explorer link base, e.g. "https://solscan.io/tx/"
	ExplorerBaseURL string

	// Swap configuration
	SlippageBps int

	// RPC guard configuration
	RPCSpacing    time.Duration
	RPCMaxRetries int
}

// Well-known mainnet defaults.
const (
	DefaultCollateralMint   = "So11111111111111111111111111111111111111112"
	DefaultDebtMint         = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	DefaultPythPriceAccount = "H6ARHf6YXhGYeQfUzQNGk6rDNnLBQKrenN712K4AQJEG"
	DefaultPriceFallbackURL = "https://api.jup.ag/price/v2"
	DefaultJupiterQuoteURL  = "https://quote-api.jup.ag/v6"
	DefaultExplorerBaseURL  = "https://solscan.io/tx/"
)

// Load reads configuration from environment variables. Parse failures
// (durations, integers, equal mints) error out; presence of the
// required URLs is checked by Validate, so commands that only need a
// slice of the configuration can load it and supply the rest
// themselves.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")

	cfg.CollateralMint = getEnvOrDefault("COLLATERAL_MINT", DefaultCollateralMint)
	cfg.DebtMint = getEnvOrDefault("DEBT_MINT", DefaultDebtMint)
	if cfg.CollateralMint == cfg.DebtMint {
		errs = append(errs, fmt.Errorf("COLLATERAL_MINT and DEBT_MINT must be different"))
	}

	cfg.PythPriceAccount = getEnvOrDefault("PYTH_PRICE_ACCOUNT", DefaultPythPriceAccount)
	cfg.PriceFallbackURL = getEnvOrDefault("PRICE_FALLBACK_URL", DefaultPriceFallbackURL)

	cfg.LendingAPIURL = os.Getenv("LENDING_API_URL")
	cfg.JupiterQuoteURL = getEnvOrDefault("JUPITER_QUOTE_URL", DefaultJupiterQuoteURL)

	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	cfg.ExplorerBaseURL = getEnvOrDefault("EXPLORER_BASE_URL", DefaultExplorerBaseURL)

	slippage, err := parseInt("SLIPPAGE_BPS", 50)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.SlippageBps = slippage
	}

	spacing, err := parseDuration("RPC_SPACING", "200ms")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RPCSpacing = spacing
	}

	maxRetries, err := parseInt("RPC_MAX_RETRIES", 2)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RPCMaxRetries = maxRetries
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is Load plus Validate, panicking on either failure. Useful
// for initialization paths where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}
	if c.LendingAPIURL == "" {
		errs = append(errs, fmt.Errorf("LendingAPIURL is required"))
	}
	if c.CollateralMint == "" {
		errs = append(errs, fmt.Errorf("CollateralMint is required"))
	}
	if c.DebtMint == "" {
		errs = append(errs, fmt.Errorf("DebtMint is required"))
	}
	if c.SlippageBps < 0 || c.SlippageBps > 10_000 {
		errs = append(errs, fmt.Errorf("SlippageBps must be between 0 and 10000"))
	}
	if c.RPCMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("RPCMaxRetries cannot be negative"))
	}
	if c.RPCSpacing < 0 {
		errs = append(errs, fmt.Errorf("RPCSpacing cannot be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
