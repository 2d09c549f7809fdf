package solana

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"lendloop/service/rpcguard"
)

const (
	// MinPriorityFee is the floor for the derived priority fee, in
	// micro-lamports per compute unit. Also used when no samples exist.
	MinPriorityFee = uint64(1000)

	// feeCacheTTL bounds how often we resample network fees. Rebuilds
	// triggered by every form keystroke would otherwise hammer the
	// endpoint.
	feeCacheTTL = 60 * time.Second

	// maxFeeAccounts is the RPC-imposed cap on accounts per
	// getRecentPrioritizationFees call.
	maxFeeAccounts = 128
)

type feeCache struct {
	mu      sync.Mutex
	fee     uint64
	expires time.Time
	now     func() time.Time
}

func newFeeCache() *feeCache {
	return &feeCache{now: time.Now}
}

func (f *feeCache) get() (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expires.IsZero() || f.now().After(f.expires) {
		return 0, false
	}
	return f.fee, true
}

func (f *feeCache) put(fee uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fee = fee
	f.expires = f.now().Add(feeCacheTTL)
}

// EstimatePriorityFee derives a priority fee (micro-lamports per
// compute unit) as the 75th percentile of recent prioritization-fee
// samples for the writable accounts of the given instructions, floored
// at MinPriorityFee. The result is cached for a short TTL.
func (c *Client) EstimatePriorityFee(ctx context.Context, instructions []solana.Instruction) uint64 {
	if fee, ok := c.fees.get(); ok {
		return fee
	}

	accounts := writableAccounts(instructions, maxFeeAccounts)

	samples := rpcguard.CallWithFallback(ctx, c.guard, "GetRecentPrioritizationFees",
		nil, func(ctx context.Context) ([]rpc.PriorizationFeeResult, error) {
			return c.rpc.GetRecentPrioritizationFees(ctx, accounts)
		})

	fee := percentileFee(samples, 0.75)
	if fee < MinPriorityFee {
		fee = MinPriorityFee
	}

	c.fees.put(fee)
	c.logger.DebugContext(ctx, "estimated priority fee",
		"fee_micro_lamports", fee,
		"samples", len(samples),
		"accounts", len(accounts),
	)
	return fee
}

// writableAccounts collects the distinct writable accounts across the
// instructions, capped at limit.
func writableAccounts(instructions []solana.Instruction, limit int) solana.PublicKeySlice {
	seen := make(map[solana.PublicKey]struct{})
	var out solana.PublicKeySlice
	for _, ix := range instructions {
		for _, meta := range ix.Accounts() {
			if !meta.IsWritable {
				continue
			}
			if _, ok := seen[meta.PublicKey]; ok {
				continue
			}
			seen[meta.PublicKey] = struct{}{}
			out = append(out, meta.PublicKey)
			if len(out) >= limit {
				return out
			}
		}
	}
	return out
}

// percentileFee returns the p-th percentile of the sampled fees, or 0
// when there are no samples.
func percentileFee(samples []rpc.PriorizationFeeResult, p float64) uint64 {
	if len(samples) == 0 {
		return 0
	}
	fees := make([]uint64, 0, len(samples))
	for _, s := range samples {
		fees = append(fees, s.PrioritizationFee)
	}
	sort.Slice(fees, func(i, j int) bool { return fees[i] < fees[j] })

	idx := int(float64(len(fees)) * p)
	if idx >= len(fees) {
		idx = len(fees) - 1
	}
	return fees[idx]
}
