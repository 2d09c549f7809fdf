// Package history persists executed lending operations so past runs
// can be listed and inspected after the fact.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"lendloop/engine/executor"
	"lendloop/service/metrics"
)

// Execution is one recorded executor run.
type Execution struct {
	ID         int64  `json:"id"`
	Signature  string `json:"signature,omitempty"`
	Status     string `json:"status"`
	Signer     string `json:"signer"`
	VaultID    int64  `json:"vault_id"`
	PositionID int64  `json:"position_id"`

	CollateralDeltaRaw int64 `json:"collateral_delta_raw"`
	DebtDeltaRaw       int64 `json:"debt_delta_raw"`

	ComputeUnits int64 `json:"compute_units"`
	PriorityFee  int64 `json:"priority_fee"`

	ExplorerLink string    `json:"explorer_link,omitempty"`
	ErrorMsg     string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store provides database operations over the executions table. The
// queries are plain SQL against a pgx pool.
type Store struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given connection pool.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger, metrics: m}
}

// NewPool connects to the database.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// RecordExecution inserts one finished operation. It satisfies
// executor.Recorder.
func (s *Store) RecordExecution(ctx context.Context, rec *executor.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions (
			signature, status, signer, vault_id, position_id,
			collateral_delta_raw, debt_delta_raw,
			compute_units, priority_fee, explorer_link, error_msg
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.Signature, rec.Status, rec.Signer, int64(rec.VaultID), int64(rec.PositionID),
		rec.CollateralDeltaRaw, rec.DebtDeltaRaw,
		int64(rec.ComputeUnits), int64(rec.PriorityFee), rec.ExplorerLink, rec.ErrorMsg,
	)
	if err != nil {
		s.metrics.RecordDBOperation("insert_execution", "error")
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	s.metrics.RecordDBOperation("insert_execution", "ok")

	s.logger.DebugContext(ctx, "recorded execution",
		"signature", rec.Signature,
		"status", rec.Status,
	)
	return nil
}

// ListExecutions returns recorded operations, newest first. An empty
// signer lists every signer's runs.
func (s *Store) ListExecutions(ctx context.Context, signer string, limit, offset int32) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, signature, status, signer, vault_id, position_id,
		       collateral_delta_raw, debt_delta_raw,
		       compute_units, priority_fee, explorer_link, error_msg, created_at
		FROM executions`
	args := []any{}
	if signer != "" {
		query += ` WHERE signer = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		args = append(args, signer, limit, offset)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		s.metrics.RecordDBOperation("list_executions", "error")
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	executions := make([]Execution, 0)
	for rows.Next() {
		var e Execution
		if err := rows.Scan(
			&e.ID, &e.Signature, &e.Status, &e.Signer, &e.VaultID, &e.PositionID,
			&e.CollateralDeltaRaw, &e.DebtDeltaRaw,
			&e.ComputeUnits, &e.PriorityFee, &e.ExplorerLink, &e.ErrorMsg, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		s.metrics.RecordDBOperation("list_executions", "error")
		return nil, fmt.Errorf("failed to read executions: %w", err)
	}
	s.metrics.RecordDBOperation("list_executions", "ok")

	return executions, nil
}

// GetExecutionBySignature fetches a single recorded run.
func (s *Store) GetExecutionBySignature(ctx context.Context, signature string) (*Execution, error) {
	var e Execution
	err := s.pool.QueryRow(ctx, `
		SELECT id, signature, status, signer, vault_id, position_id,
		       collateral_delta_raw, debt_delta_raw,
		       compute_units, priority_fee, explorer_link, error_msg, created_at
		FROM executions
		WHERE signature = $1
		ORDER BY created_at DESC
		LIMIT 1`, signature,
	).Scan(
		&e.ID, &e.Signature, &e.Status, &e.Signer, &e.VaultID, &e.PositionID,
		&e.CollateralDeltaRaw, &e.DebtDeltaRaw,
		&e.ComputeUnits, &e.PriorityFee, &e.ExplorerLink, &e.ErrorMsg, &e.CreatedAt,
	)
	if err != nil {
		s.metrics.RecordDBOperation("get_execution", "error")
		return nil, fmt.Errorf("failed to fetch execution %s: %w", signature, err)
	}
	s.metrics.RecordDBOperation("get_execution", "ok")
	return &e, nil
}
