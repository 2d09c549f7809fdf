package main

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"

	"lendloop/engine/builder"
	"lendloop/engine/executor"
	"lendloop/engine/lending"
	"lendloop/engine/simulate"
	"lendloop/service/config"
	"lendloop/service/events"
	"lendloop/service/history"
)

func operateCommand() *cli.Command {
	return &cli.Command{
		Name:  "operate",
		Usage: "Build, simulate and optionally execute a lending operation",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "vault", Usage: "Vault identifier", Required: true},
			&cli.Uint64Flag{Name: "position", Usage: "Position identifier", Required: true},
			&cli.Float64Flag{
				Name:  "collateral-delta",
				Usage: "Signed collateral delta in natural units (deposit > 0, withdraw < 0)",
			},
			&cli.Float64Flag{
				Name:  "debt-delta",
				Usage: "Signed debt delta in natural units (borrow > 0, repay < 0)",
			},
			&cli.StringFlag{
				Name:    "collateral-mint",
				EnvVars: []string{"COLLATERAL_MINT"},
				Value:   config.DefaultCollateralMint,
			},
			&cli.StringFlag{
				Name:    "debt-mint",
				EnvVars: []string{"DEBT_MINT"},
				Value:   config.DefaultDebtMint,
			},
			&cli.StringFlag{
				Name:     "lending-api-url",
				Usage:    "Lending instruction service base URL",
				EnvVars:  []string{"LENDING_API_URL"},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "keypair",
				Usage:   "Path to a Solana keygen file; omit to force simulation only",
				EnvVars: []string{"LENDLOOP_KEYPAIR"},
			},
			&cli.StringFlag{
				Name:  "signer",
				Usage: "Signer public key (required with --simulate-only and no keypair)",
			},
			&cli.BoolFlag{
				Name:  "simulate-only",
				Usage: "Stop after simulation and optimization, never sign",
			},
			&cli.StringFlag{
				Name:    "explorer-base-url",
				EnvVars: []string{"EXPLORER_BASE_URL"},
				Value:   config.DefaultExplorerBaseURL,
			},
			jqFlag(),
		},
		Action: runOperate,
	}
}

func runOperate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	m := newMetrics()
	client, err := newSolanaClient(cfg, m, logger)
	if err != nil {
		return err
	}

	collateralMint, err := solana.PublicKeyFromBase58(c.String("collateral-mint"))
	if err != nil {
		return fmt.Errorf("invalid collateral mint: %w", err)
	}
	debtMint, err := solana.PublicKeyFromBase58(c.String("debt-mint"))
	if err != nil {
		return fmt.Errorf("invalid debt mint: %w", err)
	}

	simulateOnly := c.Bool("simulate-only")

	// Without a keypair there is nothing to sign with; degrade to a
	// simulation-only run rather than failing mid-flight.
	var signFunc executor.SignFunc
	var signer solana.PublicKey
	if keypairPath := c.String("keypair"); keypairPath != "" {
		key, err := solana.PrivateKeyFromSolanaKeygenFile(keypairPath)
		if err != nil {
			return fmt.Errorf("failed to load keypair: %w", err)
		}
		signer = key.PublicKey()
		signFunc = func(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
			_, err := tx.Sign(func(pub solana.PublicKey) *solana.PrivateKey {
				if pub.Equals(signer) {
					return &key
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			return tx, nil
		}
	} else {
		if !simulateOnly {
			logger.Warn("no keypair provided, falling back to simulation only")
		}
		simulateOnly = true
		signer, err = solana.PublicKeyFromBase58(c.String("signer"))
		if err != nil {
			return fmt.Errorf("a --signer public key is required without a keypair: %w", err)
		}
	}

	svc := lending.NewHTTPService(c.String("lending-api-url"), nil, client, logger)
	b := builder.New(client, svc, logger)
	sim := simulate.NewSimulator(client, m, logger)
	opt := simulate.NewOptimizer(client)

	execCfg := executor.Config{
		Sign:            signFunc,
		ExplorerBaseURL: c.String("explorer-base-url"),
		Metrics:         m,
		Logger:          logger,
	}
	if cfg.NATSURL != "" {
		publisher, err := events.NewPublisher(cfg.NATSURL, m, logger)
		if err != nil {
			return fmt.Errorf("failed to connect event publisher: %w", err)
		}
		defer publisher.Close()
		execCfg.Events = publisher
	}
	if cfg.DatabaseURL != "" {
		pool, err := history.NewPool(c.Context, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect history store: %w", err)
		}
		defer pool.Close()
		execCfg.Recorder = history.NewStore(pool, m, logger)
	}

	exec := executor.New(b, sim, opt, client, execCfg)
	result, err := exec.Execute(c.Context, builder.Input{
		VaultID:         c.Uint64("vault"),
		PositionID:      c.Uint64("position"),
		CollateralDelta: c.Float64("collateral-delta"),
		DebtDelta:       c.Float64("debt-delta"),
		CollateralMint:  collateralMint,
		DebtMint:        debtMint,
		Signer:          signer,
		SimulateOnly:    simulateOnly,
	})
	if err != nil {
		state := exec.State()
		out := map[string]any{
			"status": state.Status,
			"error":  state.ErrorMsg,
		}
		if len(state.Logs) > 0 {
			out["logs"] = state.Logs
		}
		if printErr := printJSON(out, c.String("jq")); printErr != nil {
			return printErr
		}
		return err
	}

	out := map[string]any{
		"simulate_only":  result.SimulateOnly,
		"confirmed":      result.Confirmed,
		"units_consumed": result.UnitsConsumed,
		"compute_units":  result.ComputeUnits,
		"priority_fee":   result.PriorityFee,
	}
	if !result.Signature.IsZero() {
		out["signature"] = result.Signature.String()
		out["explorer_link"] = result.ExplorerLink
	}
	return printJSON(out, c.String("jq"))
}
