package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	os.Setenv("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com")
	os.Setenv("LENDING_API_URL", "https://lend.example.com")
	defer cleanupEnv()

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "https://api.mainnet-beta.solana.com", cfg.SolanaRPCURL)
	assert.Equal(t, "https://lend.example.com", cfg.LendingAPIURL)
	assert.Equal(t, "info", cfg.LogLevel) // Default
	assert.Equal(t, DefaultCollateralMint, cfg.CollateralMint)
	assert.Equal(t, DefaultDebtMint, cfg.DebtMint)
	assert.Equal(t, DefaultPythPriceAccount, cfg.PythPriceAccount)
	assert.Equal(t, 50, cfg.SlippageBps)
	assert.Equal(t, 200*time.Millisecond, cfg.RPCSpacing)
	assert.Equal(t, 2, cfg.RPCMaxRetries)
}

func TestLoad_MissingURLsAreDeferredToValidate(t *testing.T) {
	defer cleanupEnv()

	// Load itself tolerates missing URLs so commands can fill them in
	// from flags; Validate is what enforces their presence.
	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Empty(t, cfg.SolanaRPCURL)
	assert.Empty(t, cfg.LendingAPIURL)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SolanaRPCURL is required")
	assert.Contains(t, err.Error(), "LendingAPIURL is required")
}

func TestMustLoad_PanicsOnMissingURLs(t *testing.T) {
	defer cleanupEnv()

	assert.Panics(t, func() { MustLoad() })
}

func TestLoad_SameMints(t *testing.T) {
	os.Setenv("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com")
	os.Setenv("LENDING_API_URL", "https://lend.example.com")
	os.Setenv("COLLATERAL_MINT", "So11111111111111111111111111111111111111112")
	os.Setenv("DEBT_MINT", "So11111111111111111111111111111111111111112")
	defer cleanupEnv()

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "must be different")
}

func TestLoad_InvalidSlippage(t *testing.T) {
	os.Setenv("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com")
	os.Setenv("LENDING_API_URL", "https://lend.example.com")
	os.Setenv("SLIPPAGE_BPS", "not-a-number")
	defer cleanupEnv()

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "invalid integer")
}

func TestLoad_InvalidSpacing(t *testing.T) {
	os.Setenv("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com")
	os.Setenv("LENDING_API_URL", "https://lend.example.com")
	os.Setenv("RPC_SPACING", "fast")
	defer cleanupEnv()

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoad_CustomValues(t *testing.T) {
	os.Setenv("SOLANA_RPC_URL", "https://rpc.example.com")
	os.Setenv("LENDING_API_URL", "https://lend.example.com")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("SLIPPAGE_BPS", "100")
	os.Setenv("RPC_SPACING", "500ms")
	os.Setenv("NATS_URL", "nats://localhost:4222")
	os.Setenv("DATABASE_URL", "postgres://localhost/lendloop")
	defer cleanupEnv()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 100, cfg.SlippageBps)
	assert.Equal(t, 500*time.Millisecond, cfg.RPCSpacing)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	assert.Equal(t, "postgres://localhost/lendloop", cfg.DatabaseURL)
}

func TestValidate_SlippageOutOfRange(t *testing.T) {
	cfg := &Config{
		SolanaRPCURL:   "https://rpc.example.com",
		LendingAPIURL:  "https://lend.example.com",
		CollateralMint: DefaultCollateralMint,
		DebtMint:       DefaultDebtMint,
		SlippageBps:    20_000,
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SlippageBps")
}

func cleanupEnv() {
	vars := []string{
		"SOLANA_RPC_URL", "LENDING_API_URL", "LOG_LEVEL",
		"COLLATERAL_MINT", "DEBT_MINT", "PYTH_PRICE_ACCOUNT",
		"PRICE_FALLBACK_URL", "JUPITER_QUOTE_URL",
		"NATS_URL", "DATABASE_URL", "EXPLORER_BASE_URL",
		"SLIPPAGE_BPS", "RPC_SPACING", "RPC_MAX_RETRIES",
	}
	for _, v := range vars {
		os.Unsetenv(v)
	}
}
