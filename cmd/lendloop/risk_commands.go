package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"lendloop/engine/risk"
)

func riskCommand() *cli.Command {
	return &cli.Command{
		Name:  "risk",
		Usage: "Project position risk for a proposed operation",
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:     "collateral-raw",
				Usage:    "Current collateral balance in minor units",
				Required: true,
			},
			&cli.Uint64Flag{
				Name:     "debt-raw",
				Usage:    "Current debt balance in minor units",
				Required: true,
			},
			&cli.UintFlag{
				Name:  "collateral-decimals",
				Value: 9,
			},
			&cli.UintFlag{
				Name:  "debt-decimals",
				Value: 6,
			},
			&cli.Float64Flag{
				Name:     "collateral-price",
				Usage:    "Collateral asset price in USD",
				Required: true,
			},
			&cli.Float64Flag{
				Name:  "debt-price",
				Usage: "Debt asset price in USD",
				Value: 1,
			},
			&cli.Float64Flag{
				Name:  "threshold",
				Usage: "Liquidation threshold, e.g. 0.80",
				Value: 0.80,
			},
			&cli.StringFlag{
				Name:  "operation",
				Usage: "One of deposit, withdraw, borrow, repay",
				Value: "deposit",
			},
			&cli.Float64Flag{
				Name:  "amount",
				Usage: "Proposed amount in natural units",
			},
			jqFlag(),
		},
		Action: func(c *cli.Context) error {
			op := risk.Operation(c.String("operation"))
			switch op {
			case risk.OperationDeposit, risk.OperationWithdraw, risk.OperationBorrow, risk.OperationRepay:
			default:
				return fmt.Errorf("unknown operation %q", c.String("operation"))
			}

			metrics := risk.CalculateProjectedRisk(risk.Input{
				CurrentCollateralRaw: c.Uint64("collateral-raw"),
				CurrentDebtRaw:       c.Uint64("debt-raw"),
				CollateralDecimals:   uint8(c.Uint("collateral-decimals")),
				DebtDecimals:         uint8(c.Uint("debt-decimals")),
				CollateralPrice:      c.Float64("collateral-price"),
				DebtPrice:            c.Float64("debt-price"),
				LiquidationThreshold: c.Float64("threshold"),
				Operation:            op,
				Amount:               c.Float64("amount"),
			})

			return printJSON(metrics, c.String("jq"))
		},
	}
}
