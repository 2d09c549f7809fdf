package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/itchyny/gojq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"lendloop/service/config"
	"lendloop/service/metrics"
	"lendloop/service/rpcguard"
	solsvc "lendloop/service/solana"
)

// loadConfig reads the environment configuration and layers the global
// CLI flags on top, so explicit flags always win.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if v := c.String("rpc-url"); v != "" {
		cfg.SolanaRPCURL = v
	}
	if v := c.String("database-url"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := c.String("nats-url"); v != "" {
		cfg.NATSURL = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	default:
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newMetrics registers the instrumentation set on the default
// registerer. Call it once per command action; promauto panics on a
// second registration.
func newMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.DefaultRegisterer)
}

func newSolanaClient(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*solsvc.Client, error) {
	if cfg.SolanaRPCURL == "" {
		return nil, fmt.Errorf("an RPC endpoint is required (--rpc-url or SOLANA_RPC_URL)")
	}
	retries := cfg.RPCMaxRetries
	if retries == 0 {
		retries = -1
	}
	guard := rpcguard.New(rpcguard.Options{
		Spacing:    cfg.RPCSpacing,
		MaxRetries: retries,
	}, m, logger)
	return solsvc.NewClient(solsvc.NewRPCClient(cfg.SolanaRPCURL), guard, m, logger), nil
}

// printJSON marshals v and prints it, optionally piped through a jq
// filter expression first.
func printJSON(v any, jqFilter string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}

	if jqFilter == "" {
		fmt.Println(string(data))
		return nil
	}

	query, err := gojq.Parse(jqFilter)
	if err != nil {
		return fmt.Errorf("failed to parse jq filter %q: %w", jqFilter, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return fmt.Errorf("failed to compile jq filter %q: %w", jqFilter, err)
	}

	// Round-trip through interface{} so gojq sees plain maps/slices.
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("failed to decode output for filtering: %w", err)
	}

	iter := code.Run(decoded)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return fmt.Errorf("jq filter error: %w", err)
		}
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal filtered output: %w", err)
		}
		fmt.Println(string(out))
	}
	return nil
}

func jqFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "jq",
		Aliases: []string{"q"},
		Usage:   "Filter JSON output with a jq expression",
	}
}
