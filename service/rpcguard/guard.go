// Package rpcguard funnels every outbound RPC call through a single
// wrapper that enforces call spacing, bounded retries with exponential
// backoff, and an immediate stop on rate-limit responses. Nothing above
// this layer retries independently.
package rpcguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"lendloop/service/metrics"
)

// ErrRateLimited is returned when the RPC endpoint reports a 429.
// Rate-limit errors are never retried; the caller should back off
// at the operation level instead.
var ErrRateLimited = errors.New("rpc rate limit reached")

const (
	// DefaultSpacing is the minimum gap between consecutive outbound
	// calls, shared process-wide across all users of one Guard.
	DefaultSpacing = 200 * time.Millisecond

	// DefaultMaxRetries is the number of retries after the first
	// attempt. Public RPC endpoints get slow fast; keep this small.
	DefaultMaxRetries = 2

	// DefaultInitialBackoff is the base backoff, doubled per attempt.
	DefaultInitialBackoff = 500 * time.Millisecond
)

// Options configures a Guard. Zero values fall back to the defaults;
// a negative MaxRetries disables retries entirely (one attempt only).
type Options struct {
	Spacing        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
}

// Guard serializes and protects outbound RPC calls. One Guard instance
// is shared by everything that talks to the network so that the spacing
// interval is a true process-wide throttle.
type Guard struct {
	mu   sync.Mutex
	next time.Time // earliest time the next call may go out

	spacing        time.Duration
	maxRetries     int
	initialBackoff time.Duration

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Guard. If m is nil, no metrics are recorded.
func New(opts Options, m *metrics.Metrics, logger *slog.Logger) *Guard {
	if opts.Spacing == 0 {
		opts.Spacing = DefaultSpacing
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	return &Guard{
		spacing:        opts.Spacing,
		maxRetries:     opts.MaxRetries,
		initialBackoff: opts.InitialBackoff,
		sleep:          sleepCtx,
		logger:         logger,
		metrics:        m,
	}
}

// Do runs fn under the guard: it waits out the spacing interval, then
// retries transient failures up to MaxRetries times with exponential
// backoff. A rate-limit error aborts immediately and surfaces as
// ErrRateLimited.
func (g *Guard) Do(ctx context.Context, operation string, fn func(context.Context) error) error {
	if err := g.pace(ctx); err != nil {
		return err
	}

	var lastErr error
	for attempt := range g.maxRetries + 1 {
		start := time.Now()
		err := fn(ctx)
		status := "success"
		if err != nil {
			status = "error"
		}
		g.metrics.RecordRPCCall(operation, status, time.Since(start).Seconds())

		if err == nil {
			return nil
		}
		lastErr = err

		if IsRateLimit(err) {
			g.metrics.RecordRateLimitHit(operation)
			g.logger.WarnContext(ctx, "rate limited, halting retries",
				"operation", operation,
				"error", err,
			)
			return fmt.Errorf("%s: %w", operation, ErrRateLimited)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if attempt == g.maxRetries {
			break
		}

		backoff := g.initialBackoff << uint(attempt)
		g.logger.WarnContext(ctx, "rpc call failed, retrying",
			"operation", operation,
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err,
		)
		g.metrics.RecordRPCRetry(operation)
		if err := g.sleep(ctx, backoff); err != nil {
			return err
		}
	}

	g.logger.ErrorContext(ctx, "rpc call failed after retries",
		"operation", operation,
		"attempts", g.maxRetries+1,
		"error", lastErr,
	)
	return lastErr
}

// pace reserves the next outbound slot, sleeping out any remainder of
// the spacing interval. The reservation happens under the lock so that
// concurrent callers queue up rather than burst.
func (g *Guard) pace(ctx context.Context) error {
	g.mu.Lock()
	now := time.Now()
	wait := g.next.Sub(now)
	if wait < 0 {
		wait = 0
	}
	g.next = now.Add(wait + g.spacing)
	g.mu.Unlock()

	if wait == 0 {
		return nil
	}
	return g.sleep(ctx, wait)
}

// Call runs fn under the guard and returns its typed result.
func Call[T any](ctx context.Context, g *Guard, operation string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, operation, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// CallWithFallback is like Call but returns fallback instead of an
// error when the call is rate limited or retries are exhausted.
func CallWithFallback[T any](ctx context.Context, g *Guard, operation string, fallback T, fn func(context.Context) (T, error)) T {
	out, err := Call(ctx, g, operation, fn)
	if err != nil {
		g.logger.WarnContext(ctx, "rpc call failed, using fallback value",
			"operation", operation,
			"error", err,
		)
		return fallback
	}
	return out
}

// IsRateLimit reports whether err indicates an HTTP 429 from the RPC
// endpoint. The solana-go client surfaces these as plain errors with
// the status code in the message.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "Too Many Requests")
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
