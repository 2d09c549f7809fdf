package executor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendloop/engine/enginerr"
	"lendloop/service/rpcguard"
	solsvc "lendloop/service/solana"
)

func newTestPoller(mock *mockRPCClient) *Poller {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	guard := rpcguard.New(rpcguard.Options{
		Spacing:        time.Microsecond,
		MaxRetries:     -1, // no guard-level retries; the poller owns the attempt budget
		InitialBackoff: time.Microsecond,
	}, nil, logger)
	client := solsvc.NewClient(mock, guard, nil, logger)

	p := NewPoller(client, nil, logger)
	p.initialDelay = time.Microsecond
	p.maxDelay = time.Microsecond
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p
}

func TestConfirm_ProcessedTwiceThenConfirmed(t *testing.T) {
	mock := &mockRPCClient{
		statuses: []*rpc.SignatureStatusesResult{
			statusResult(rpc.ConfirmationStatusProcessed),
			statusResult(rpc.ConfirmationStatusProcessed),
			statusResult(rpc.ConfirmationStatusConfirmed),
		},
	}
	p := newTestPoller(mock)

	attempts, err := p.Confirm(context.Background(), solana.Signature{1})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, mock.statusCalls)
}

func TestConfirm_FinalizedCountsAsConfirmed(t *testing.T) {
	mock := &mockRPCClient{
		statuses: []*rpc.SignatureStatusesResult{
			statusResult(rpc.ConfirmationStatusFinalized),
		},
	}
	p := newTestPoller(mock)

	attempts, err := p.Confirm(context.Background(), solana.Signature{1})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestConfirm_OnChainErrorIsImmediatelyFatal(t *testing.T) {
	mock := &mockRPCClient{
		statuses: []*rpc.SignatureStatusesResult{
			{
				ConfirmationStatus: rpc.ConfirmationStatusProcessed,
				Err:                map[string]any{"InstructionError": []any{0, "Custom"}},
			},
			statusResult(rpc.ConfirmationStatusConfirmed), // never reached
		},
	}
	p := newTestPoller(mock)

	attempts, err := p.Confirm(context.Background(), solana.Signature{1})
	require.Error(t, err)
	assert.Equal(t, enginerr.KindOnChainFailure, enginerr.KindOf(err))
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, mock.statusCalls)
}

func TestConfirm_TransientCheckErrorsAreSwallowed(t *testing.T) {
	mock := &mockRPCClient{
		statusErrTimes: 2,
		statuses: []*rpc.SignatureStatusesResult{
			statusResult(rpc.ConfirmationStatusConfirmed),
		},
	}
	p := newTestPoller(mock)

	attempts, err := p.Confirm(context.Background(), solana.Signature{1})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestConfirm_TimeoutAfterAttemptBudget(t *testing.T) {
	mock := &mockRPCClient{} // signature never known
	p := newTestPoller(mock)
	p.maxAttempts = 5

	sleeps := 0
	p.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		return nil
	}

	attempts, err := p.Confirm(context.Background(), solana.Signature{1})
	require.Error(t, err)
	assert.Equal(t, enginerr.KindConfirmTimeout, enginerr.KindOf(err))
	assert.Equal(t, 5, attempts)
	// No sleep after the final check.
	assert.Equal(t, 4, sleeps)
}

func TestConfirm_BackoffGrowsAndCaps(t *testing.T) {
	mock := &mockRPCClient{}
	p := newTestPoller(mock)
	p.initialDelay = 1 * time.Second
	p.maxDelay = 5 * time.Second
	p.maxAttempts = 8

	var delays []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	_, err := p.Confirm(context.Background(), solana.Signature{1})
	require.Error(t, err)

	require.Len(t, delays, 7)
	assert.Equal(t, 1*time.Second, delays[0])
	assert.Equal(t, 1500*time.Millisecond, delays[1])
	assert.Equal(t, 2250*time.Millisecond, delays[2])
	// Growth stops at the cap.
	assert.Equal(t, 5*time.Second, delays[6])
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
		assert.LessOrEqual(t, delays[i], 5*time.Second)
	}
}

func TestConfirm_ContextCancelStopsPolling(t *testing.T) {
	mock := &mockRPCClient{}
	p := newTestPoller(mock)

	ctx, cancel := context.WithCancel(context.Background())
	p.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := p.Confirm(ctx, solana.Signature{1})
	assert.ErrorIs(t, err, context.Canceled)
}
