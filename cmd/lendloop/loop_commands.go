package main

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"

	"lendloop/engine/lending"
	"lendloop/engine/leverage"
	"lendloop/service/config"
)

func loopCommands() *cli.Command {
	return &cli.Command{
		Name:  "loop",
		Usage: "Compose leverage loops",
		Subcommands: []*cli.Command{
			{
				Name:  "preview",
				Usage: "Compose a leverage loop bundle and print the plan without executing",
				Flags: []cli.Flag{
					&cli.Uint64Flag{Name: "vault", Usage: "Vault identifier", Required: true},
					&cli.Uint64Flag{Name: "position", Usage: "Position identifier", Required: true},
					&cli.Float64Flag{
						Name:     "initial-collateral",
						Usage:    "Collateral to deposit up front, natural units",
						Required: true,
					},
					&cli.Float64Flag{
						Name:     "borrow-amount",
						Usage:    "Debt to borrow and swap back into collateral, natural units",
						Required: true,
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
						Name:     "signer",
						Usage:    "Signer public key the bundle is built for",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "lending-api-url",
						Usage:    "Lending instruction service base URL",
						EnvVars:  []string{"LENDING_API_URL"},
						Required: true,
					},
					&cli.StringFlag{
						Name:    "jupiter-url",
						Usage:   "Jupiter quote API base URL",
						EnvVars: []string{"JUPITER_QUOTE_URL"},
						Value:   config.DefaultJupiterQuoteURL,
					},
					&cli.IntFlag{
						Name:  "slippage-bps",
						Usage: "Swap slippage tolerance in basis points",
						Value: 50,
					},
					&cli.Uint64Flag{
						Name:  "current-collateral-raw",
						Usage: "Existing position collateral, minor units",
					},
					&cli.Uint64Flag{
						Name:  "current-debt-raw",
						Usage: "Existing position debt, minor units",
					},
					&cli.Float64Flag{Name: "collateral-price", Required: true},
					&cli.Float64Flag{Name: "debt-price", Value: 1},
					&cli.Float64Flag{Name: "liquidation-threshold", Value: 0.80},
					jqFlag(),
				},
				Action: runLoopPreview,
			},
		},
	}
}

func runLoopPreview(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	client, err := newSolanaClient(cfg, newMetrics(), logger)
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
	signer, err := solana.PublicKeyFromBase58(c.String("signer"))
	if err != nil {
		return fmt.Errorf("invalid signer: %w", err)
	}

	svc := lending.NewHTTPService(c.String("lending-api-url"), nil, client, logger)
	jup := leverage.NewJupiterClient(c.String("jupiter-url"), nil, client, logger)
	composer := leverage.NewComposer(client, svc, jup, logger)

	plan, err := composer.Compose(c.Context, leverage.LoopParams{
		VaultID:           c.Uint64("vault"),
		PositionID:        c.Uint64("position"),
		InitialCollateral: c.Float64("initial-collateral"),
		BorrowAmount:      c.Float64("borrow-amount"),
		CollateralMint:    collateralMint,
		DebtMint:          debtMint,
		Signer:            signer,
		SlippageBps:       c.Int("slippage-bps"),
		Position: lending.Position{
			CollateralRaw: c.Uint64("current-collateral-raw"),
			DebtRaw:       c.Uint64("current-debt-raw"),
		},
		CollateralPrice:      c.Float64("collateral-price"),
		DebtPrice:            c.Float64("debt-price"),
		LiquidationThreshold: c.Float64("liquidation-threshold"),
	})
	if err != nil {
		return err
	}

	out := map[string]any{
		"instruction_count": len(plan.Instructions),
		"stages": map[string]int{
			"deposit":   len(plan.DepositInstructions),
			"borrow":    len(plan.BorrowInstructions),
			"swap":      len(plan.SwapInstructions),
			"redeposit": len(plan.RedepositInstructions),
		},
		"lookup_tables":              len(plan.LookupTables),
		"estimated_swap_out":         plan.EstimatedSwapOut,
		"total_collateral_delta_raw": plan.TotalCollateralDeltaRaw,
		"debt_delta_raw":             plan.DebtDeltaRaw,
		"projected_risk":             plan.ProjectedRisk,
	}
	return printJSON(out, c.String("jq"))
}
