package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"lendloop/service/history"
)

func historyCommands() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Query the execution history store",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List recorded executions, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "signer", Usage: "Filter by signer public key"},
					&cli.Int64Flag{Name: "limit", Usage: "Maximum rows to return", Value: 50},
					&cli.Int64Flag{Name: "offset", Usage: "Rows to skip"},
					jqFlag(),
				},
				Action: runHistoryList,
			},
			{
				Name:      "get",
				Usage:     "Fetch one execution by transaction signature",
				ArgsUsage: "SIGNATURE",
				Flags:     []cli.Flag{jqFlag()},
				Action:    runHistoryGet,
			},
		},
	}
}

func openHistoryStore(c *cli.Context) (*history.Store, func(), error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("a database URL is required (--database-url or DATABASE_URL)")
	}
	pool, err := history.NewPool(c.Context, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect history store: %w", err)
	}
	logger := newLogger(cfg)
	return history.NewStore(pool, newMetrics(), logger), pool.Close, nil
}

func runHistoryList(c *cli.Context) error {
	store, closeStore, err := openHistoryStore(c)
	if err != nil {
		return err
	}
	defer closeStore()

	executions, err := store.ListExecutions(c.Context, c.String("signer"), int32(c.Int64("limit")), int32(c.Int64("offset")))
	if err != nil {
		return fmt.Errorf("failed to list executions: %w", err)
	}
	return printJSON(executions, c.String("jq"))
}

func runHistoryGet(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one SIGNATURE argument")
	}
	store, closeStore, err := openHistoryStore(c)
	if err != nil {
		return err
	}
	defer closeStore()

	execution, err := store.GetExecutionBySignature(c.Context, c.Args().First())
	if err != nil {
		return fmt.Errorf("failed to fetch execution: %w", err)
	}
	return printJSON(execution, c.String("jq"))
}
