// Package executor drives a lending operation through its full
// lifecycle: build, simulate, optimize, sign, send, confirm. The state
// machine is strictly linear with early exits to failed; observers see
// every transition.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"lendloop/engine/builder"
	"lendloop/engine/enginerr"
	"lendloop/engine/simulate"
	"lendloop/service/events"
	"lendloop/service/metrics"
	"lendloop/service/rpcguard"
	solsvc "lendloop/service/solana"
)

// sendMaxRetries is the node-side resubmission budget for SendRaw.
const sendMaxRetries = 3

// ErrBusy is returned when an operation is started while another is in
// flight. Callers must gate on state.
var ErrBusy = errors.New("an operation is already in flight")

// Status is the executor's externally observable state.
type Status string

const (
	StatusIdle              Status = "idle"
	StatusBuilding          Status = "building"
	StatusSimulating        Status = "simulating"
	StatusOptimizing        Status = "optimizing"
	StatusAwaitingSignature Status = "awaiting_signature"
	StatusSending           Status = "sending"
	StatusConfirming        Status = "confirming"
	StatusSuccess           Status = "success"
	StatusFailed            Status = "failed"
)

// State is a snapshot of one operation's progress.
type State struct {
	Status Status

	ErrorMsg string
	Logs     []string

	Signature    solana.Signature
	ExplorerLink string

	UnitsConsumed        uint64
	ComputeUnits         uint32
	PriorityFee          uint64
	EstimatedFeeLamports uint64
	ConfirmationAttempts int
}

// SignFunc asks the wallet to sign the assembled transaction. An error
// means the user declined.
type SignFunc func(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error)

// Observer receives a state snapshot on every transition.
type Observer func(State)

// Record is one finished operation, as persisted by a Recorder.
type Record struct {
	Signature  string
	Status     string
	Signer     string
	VaultID    uint64
	PositionID uint64

	CollateralDeltaRaw int64
	DebtDeltaRaw       int64

	ComputeUnits uint32
	PriorityFee  uint64

	ExplorerLink string
	ErrorMsg     string
}

// Recorder persists finished operations. Implementations must tolerate
// being called for both successes and failures.
type Recorder interface {
	RecordExecution(ctx context.Context, rec *Record) error
}

// Result is returned from a completed Execute call.
type Result struct {
	Signature    solana.Signature
	Confirmed    bool
	SimulateOnly bool
	Logs         []string
	ExplorerLink string

	UnitsConsumed uint64
	ComputeUnits  uint32
	PriorityFee   uint64
}

// Config wires the executor's collaborators. Sign is required for full
// execution; Observer, Events and Recorder are optional.
type Config struct {
	Sign     SignFunc
	Observer Observer
	Events   events.Publisher
	Recorder Recorder

	ExplorerBaseURL string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Executor is the execution state machine. One operation at a time;
// a second Execute while one is in flight returns ErrBusy.
type Executor struct {
	builder   *builder.Builder
	simulator *simulate.Simulator
	optimizer *simulate.Optimizer
	client    *solsvc.Client
	poller    *Poller

	cfg Config

	mu      sync.Mutex
	state   State
	running bool
}

func New(b *builder.Builder, sim *simulate.Simulator, opt *simulate.Optimizer, client *solsvc.Client, cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		builder:   b,
		simulator: sim,
		optimizer: opt,
		client:    client,
		poller:    NewPoller(client, cfg.Metrics, cfg.Logger),
		cfg:       cfg,
		state:     State{Status: StatusIdle},
	}
}

// State returns a snapshot of the current operation state.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Reset clears observable state back to idle. It does not abort an
// in-flight operation; callers discard late results themselves.
func (e *Executor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		e.state = State{Status: StatusIdle}
	}
}

// Execute runs one operation through the machine. With SimulateOnly set
// it halts after optimizing and never invokes the signing callback.
func (e *Executor) Execute(ctx context.Context, in builder.Input) (*Result, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrBusy
	}
	e.running = true
	e.state = State{Status: StatusIdle}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	start := time.Now()

	e.transition(ctx, in, func(s *State) { s.Status = StatusBuilding })
	ct, err := e.builder.Build(ctx, in)
	if err != nil {
		return nil, e.fail(ctx, in, ct, start, err)
	}

	e.transition(ctx, in, func(s *State) { s.Status = StatusSimulating })
	tx, err := e.builder.Assemble(ctx, ct)
	if err != nil {
		return nil, e.fail(ctx, in, ct, start, e.classifyRPC("assemble transaction", err))
	}
	sim, err := e.simulator.Simulate(ctx, tx)
	if err != nil {
		return nil, e.fail(ctx, in, ct, start, err)
	}

	units, fee := e.optimizer.Optimize(ctx, sim, ct.Instructions)
	ct = ct.WithComputeBudget(units, fee)
	estimated := simulate.EstimatedNetworkFeeLamports(units, fee, 1)
	e.transition(ctx, in, func(s *State) {
		s.Status = StatusOptimizing
		s.Logs = sim.Logs
		s.UnitsConsumed = sim.UnitsConsumed
		s.ComputeUnits = units
		s.PriorityFee = fee
		s.EstimatedFeeLamports = estimated
	})

	if in.SimulateOnly {
		e.cfg.Logger.InfoContext(ctx, "simulation-only run complete",
			"units_consumed", sim.UnitsConsumed,
			"compute_units", units,
			"priority_fee", fee)
		return &Result{
			SimulateOnly:  true,
			Logs:          sim.Logs,
			UnitsConsumed: sim.UnitsConsumed,
			ComputeUnits:  units,
			PriorityFee:   fee,
		}, nil
	}
	if e.cfg.Sign == nil {
		return nil, e.fail(ctx, in, ct, start, enginerr.New(enginerr.KindUnknown, "no signing callback configured"))
	}

	// Rebind to a fresh blockhash right before signing to maximize the
	// transaction's validity window.
	e.transition(ctx, in, func(s *State) { s.Status = StatusAwaitingSignature })
	tx, err = e.builder.Assemble(ctx, ct)
	if err != nil {
		return nil, e.fail(ctx, in, ct, start, e.classifyRPC("assemble transaction", err))
	}
	signed, err := e.cfg.Sign(ctx, tx)
	if err != nil {
		return nil, e.fail(ctx, in, ct, start, enginerr.Wrap(enginerr.KindUserRejected, "signature rejected", err))
	}

	e.transition(ctx, in, func(s *State) { s.Status = StatusSending })
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, e.fail(ctx, in, ct, start, enginerr.Wrap(enginerr.KindUnknown, "serialize signed transaction", err))
	}
	sig, err := e.client.SendRaw(ctx, raw, sendMaxRetries)
	if err != nil {
		return nil, e.fail(ctx, in, ct, start, e.classifyRPC("send transaction", err))
	}

	link := solsvc.ExplorerTxLink(e.cfg.ExplorerBaseURL, sig)
	e.transition(ctx, in, func(s *State) {
		s.Status = StatusConfirming
		s.Signature = sig
		s.ExplorerLink = link
	})

	attempts, err := e.poller.Confirm(ctx, sig)
	if err != nil {
		e.mu.Lock()
		e.state.ConfirmationAttempts = attempts
		e.mu.Unlock()
		return nil, e.fail(ctx, in, ct, start, err)
	}

	e.transition(ctx, in, func(s *State) {
		s.Status = StatusSuccess
		s.ConfirmationAttempts = attempts
	})
	e.cfg.Metrics.RecordExecution("success", time.Since(start).Seconds())
	e.record(ctx, in, ct, &Record{
		Signature:    sig.String(),
		Status:       string(StatusSuccess),
		ExplorerLink: link,
	})
	e.cfg.Logger.InfoContext(ctx, "transaction confirmed",
		"signature", sig.String(),
		"attempts", attempts,
		"link", link)

	return &Result{
		Signature:     sig,
		Confirmed:     true,
		Logs:          sim.Logs,
		ExplorerLink:  link,
		UnitsConsumed: sim.UnitsConsumed,
		ComputeUnits:  units,
		PriorityFee:   fee,
	}, nil
}

// transition applies a state mutation and notifies every observer.
func (e *Executor) transition(ctx context.Context, in builder.Input, mutate func(*State)) {
	e.mu.Lock()
	mutate(&e.state)
	snapshot := e.state
	e.mu.Unlock()

	e.cfg.Logger.DebugContext(ctx, "state transition", "status", string(snapshot.Status))
	if e.cfg.Observer != nil {
		e.cfg.Observer(snapshot)
	}
	e.publish(ctx, in, snapshot)
}

// fail marks the operation failed with a message and the simulation
// logs when available. Every failed transition carries a message. ct is
// nil only when the build itself failed; otherwise the record keeps the
// computed deltas and budget.
func (e *Executor) fail(ctx context.Context, in builder.Input, ct *builder.ComputedTransaction, start time.Time, err error) error {
	logs := enginerr.LogsOf(err)
	e.transition(ctx, in, func(s *State) {
		s.Status = StatusFailed
		s.ErrorMsg = err.Error()
		if logs != nil {
			s.Logs = logs
		}
	})
	e.cfg.Metrics.RecordExecution("failed", time.Since(start).Seconds())

	e.mu.Lock()
	sig := e.state.Signature
	link := e.state.ExplorerLink
	e.mu.Unlock()
	rec := &Record{
		Status:       string(StatusFailed),
		ExplorerLink: link,
		ErrorMsg:     err.Error(),
	}
	if !sig.IsZero() {
		rec.Signature = sig.String()
	}
	e.record(ctx, in, ct, rec)

	e.cfg.Logger.WarnContext(ctx, "operation failed",
		"kind", string(enginerr.KindOf(err)),
		"error", err)
	return err
}

// classifyRPC wraps transport failures, distinguishing rate limits.
func (e *Executor) classifyRPC(msg string, err error) error {
	if rpcguard.IsRateLimit(err) {
		return enginerr.Wrap(enginerr.KindRateLimit, msg, err)
	}
	return enginerr.Wrap(enginerr.KindRPCError, msg, err)
}

// publish mirrors a state snapshot onto the event stream. Publish
// failures are logged, never fatal.
func (e *Executor) publish(ctx context.Context, in builder.Input, s State) {
	if e.cfg.Events == nil {
		return
	}
	event := &events.LifecycleEvent{
		Signer:        in.Signer.String(),
		Status:        string(s.Status),
		VaultID:       in.VaultID,
		PositionID:    in.PositionID,
		ExplorerLink:  s.ExplorerLink,
		Error:         s.ErrorMsg,
		UnitsConsumed: s.UnitsConsumed,
		ComputeUnits:  s.ComputeUnits,
		PriorityFee:   s.PriorityFee,
		PublishedAt:   time.Now().UTC(),
	}
	if !s.Signature.IsZero() {
		event.Signature = s.Signature.String()
	}
	if err := e.cfg.Events.PublishLifecycle(ctx, event); err != nil {
		e.cfg.Logger.WarnContext(ctx, "failed to publish lifecycle event",
			"status", string(s.Status),
			"error", err)
	}
}

// record persists a finished operation. Recorder failures are logged,
// never fatal.
func (e *Executor) record(ctx context.Context, in builder.Input, ct *builder.ComputedTransaction, rec *Record) {
	if e.cfg.Recorder == nil {
		return
	}
	rec.Signer = in.Signer.String()
	rec.VaultID = in.VaultID
	rec.PositionID = in.PositionID
	if ct != nil {
		rec.CollateralDeltaRaw = ct.CollateralDeltaRaw
		rec.DebtDeltaRaw = ct.DebtDeltaRaw
		rec.ComputeUnits = ct.ComputeUnits
		rec.PriorityFee = ct.PriorityFee
	}
	if err := e.cfg.Recorder.RecordExecution(ctx, rec); err != nil {
		e.cfg.Logger.WarnContext(ctx, "failed to record execution",
			"signature", rec.Signature,
			"error", err)
	}
}
