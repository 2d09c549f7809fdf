package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"lendloop/engine/enginerr"
	"lendloop/service/metrics"
	solsvc "lendloop/service/solana"
)

const (
	confirmInitialDelay  = 1 * time.Second
	confirmBackoffFactor = 1.5
	confirmMaxDelay      = 5 * time.Second
	confirmMaxAttempts   = 60
)

// Poller polls a signature's status until it is confirmed, fails on
// chain, or the attempt budget runs out. Transient status-check errors
// are swallowed and retried; an on-chain error is fatal immediately.
type Poller struct {
	client  *solsvc.Client
	logger  *slog.Logger
	metrics *metrics.Metrics

	initialDelay time.Duration
	maxDelay     time.Duration
	maxAttempts  int

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPoller(client *solsvc.Client, m *metrics.Metrics, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		client:       client,
		logger:       logger,
		metrics:      m,
		initialDelay: confirmInitialDelay,
		maxDelay:     confirmMaxDelay,
		maxAttempts:  confirmMaxAttempts,
		sleep:        sleepCtx,
	}
}

// Confirm blocks until the signature reaches confirmed or finalized
// commitment. It returns the number of status checks performed.
func (p *Poller) Confirm(ctx context.Context, sig solana.Signature) (int, error) {
	delay := p.initialDelay

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		status, err := p.client.SignatureStatus(ctx, sig)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return attempt, ctx.Err()
			}
			p.logger.DebugContext(ctx, "status check failed, will retry",
				"signature", sig.String(),
				"attempt", attempt,
				"error", err)
		case status != nil && status.Err != nil:
			p.metrics.RecordConfirmationAttempts("on_chain_failure", attempt)
			return attempt, enginerr.New(enginerr.KindOnChainFailure,
				fmt.Sprintf("transaction failed on chain: %v", status.Err))
		case status != nil && confirmed(status.ConfirmationStatus):
			p.metrics.RecordConfirmationAttempts("confirmed", attempt)
			p.logger.DebugContext(ctx, "transaction confirmed",
				"signature", sig.String(),
				"attempts", attempt,
				"commitment", string(status.ConfirmationStatus))
			return attempt, nil
		default:
			// Unknown or still processing, keep polling.
		}

		if attempt == p.maxAttempts {
			break
		}
		if err := p.sleep(ctx, delay); err != nil {
			return attempt, err
		}
		delay = time.Duration(float64(delay) * confirmBackoffFactor)
		if delay > p.maxDelay {
			delay = p.maxDelay
		}
	}

	p.metrics.RecordConfirmationAttempts("timeout", p.maxAttempts)
	return p.maxAttempts, enginerr.New(enginerr.KindConfirmTimeout,
		fmt.Sprintf("transaction not confirmed after %d status checks", p.maxAttempts))
}

func confirmed(status rpc.ConfirmationStatusType) bool {
	return status == rpc.ConfirmationStatusConfirmed || status == rpc.ConfirmationStatusFinalized
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
