package main

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"

	"lendloop/service/config"
	"lendloop/service/oracle"
)

func priceCommand() *cli.Command {
	return &cli.Command{
		Name:  "price",
		Usage: "Read the collateral price from the on-chain oracle",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "price-account",
				Usage:   "Pyth price account address",
				EnvVars: []string{"PYTH_PRICE_ACCOUNT"},
				Value:   config.DefaultPythPriceAccount,
			},
			&cli.StringFlag{
				Name:    "asset-id",
				Usage:   "Asset identifier for the REST fallback",
				EnvVars: []string{"PRICE_ASSET_ID"},
				Value:   config.DefaultCollateralMint,
			},
			&cli.StringFlag{
				Name:    "fallback-url",
				Usage:   "REST price endpoint used when the oracle is unreadable",
				EnvVars: []string{"PRICE_FALLBACK_URL"},
				Value:   config.DefaultPriceFallbackURL,
			},
			jqFlag(),
		},
		Action: func(c *cli.Context) error {
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

			account, err := solana.PublicKeyFromBase58(c.String("price-account"))
			if err != nil {
				return fmt.Errorf("invalid price account: %w", err)
			}

			source := oracle.NewSource(client, account, c.String("asset-id"), c.String("fallback-url"), nil, m, logger)
			price, err := source.GetPrice(context.Background())
			if err != nil {
				return fmt.Errorf("failed to read price: %w", err)
			}

			return printJSON(map[string]any{
				"price":      price.Price,
				"confidence": price.Confidence,
				"source":     price.Source,
			}, c.String("jq"))
		},
	}
}
