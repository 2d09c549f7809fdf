// Package simulate dry-runs assembled transactions, classifies
// failures, and derives an optimized compute budget from the results.
package simulate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/gagliardetto/solana-go"

	"lendloop/engine/enginerr"
	"lendloop/service/metrics"
	solsvc "lendloop/service/solana"
)

// lamportsPerSignature is the base network fee per signature.
const lamportsPerSignature = 5000

// Result is the outcome of one preflight simulation.
type Result struct {
	UnitsConsumed uint64
	Logs          []string
}

// Simulator submits unsigned transactions for dry-run execution.
type Simulator struct {
	client  *solsvc.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewSimulator(client *solsvc.Client, m *metrics.Metrics, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{client: client, logger: logger, metrics: m}
}

// Simulate dry-runs the transaction against a replaced recent
// blockhash. A failed simulation returns a classified *enginerr.Error
// carrying the program logs.
func (s *Simulator) Simulate(ctx context.Context, tx *solana.Transaction) (*Result, error) {
	resp, err := s.client.Simulate(ctx, tx)
	if err != nil {
		s.metrics.RecordSimulation("rpc_error")
		return nil, enginerr.Wrap(enginerr.KindRPCError, "simulation request failed", err)
	}

	var logs []string
	var units uint64
	if resp != nil && resp.Value != nil {
		logs = resp.Value.Logs
		if resp.Value.UnitsConsumed != nil {
			units = *resp.Value.UnitsConsumed
		}
	}

	if resp != nil && resp.Value != nil && resp.Value.Err != nil {
		kind := classify(resp.Value.Err, logs)
		s.metrics.RecordSimulation(string(kind))
		s.logger.WarnContext(ctx, "simulation failed",
			"kind", string(kind),
			"err", fmt.Sprintf("%v", resp.Value.Err),
			"log_lines", len(logs))
		return nil, enginerr.New(kind, fmt.Sprintf("simulation failed: %v", resp.Value.Err)).WithLogs(logs)
	}

	s.metrics.RecordSimulation("success")
	s.metrics.RecordComputeUnits("simulate", float64(units))
	s.logger.DebugContext(ctx, "simulation succeeded", "units_consumed", units)
	return &Result{UnitsConsumed: units, Logs: logs}, nil
}

// classify maps an on-chain simulation error plus its logs onto the
// failure taxonomy.
func classify(errValue any, logs []string) enginerr.Kind {
	text := fmt.Sprintf("%v %s", errValue, strings.Join(logs, " "))
	lower := strings.ToLower(text)

	switch {
	case strings.Contains(lower, "slippage"):
		return enginerr.KindSlippageExceeded
	case strings.Contains(text, "InsufficientFunds"), strings.Contains(text, "0x1 "),
		strings.HasSuffix(text, "0x1"), strings.Contains(text, "insufficient lamports"):
		return enginerr.KindInsufficientFunds
	case strings.Contains(text, "BlockhashNotFound"):
		return enginerr.KindBlockhashExpired
	default:
		return enginerr.KindSimulationFailure
	}
}

// Optimizer tightens the compute budget after a successful simulation.
type Optimizer struct {
	client *solsvc.Client
}

func NewOptimizer(client *solsvc.Client) *Optimizer {
	return &Optimizer{client: client}
}

// OptimalComputeUnits adds a 10% safety margin over consumed units.
// Integer arithmetic keeps ceil(consumed x 1.1) exact for round inputs.
func OptimalComputeUnits(consumed uint64) uint32 {
	if consumed == 0 {
		return 0
	}
	units := (consumed*11 + 9) / 10
	if units > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(units)
}

// Optimize derives the compute-unit ceiling from simulation output and
// the priority fee from recent network samples for the transaction's
// writable accounts.
func (o *Optimizer) Optimize(ctx context.Context, sim *Result, instructions []solana.Instruction) (uint32, uint64) {
	units := OptimalComputeUnits(sim.UnitsConsumed)
	fee := o.client.EstimatePriorityFee(ctx, instructions)
	return units, fee
}

// EstimatedNetworkFeeLamports is the base signature fee plus the
// priority fee scaled by the compute budget. Priority fees are quoted
// in micro-lamports per compute unit.
func EstimatedNetworkFeeLamports(computeUnits uint32, priorityFee uint64, signatures int) uint64 {
	if signatures < 1 {
		signatures = 1
	}
	base := uint64(signatures) * lamportsPerSignature
	priority := uint64(computeUnits) * priorityFee / 1_000_000
	return base + priority
}
