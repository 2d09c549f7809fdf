package solana

import (
	"context"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// SPL mint account layout (fixed 82 bytes):
//   [0..4)   mint_authority COption tag (u32)
//   [4..36)  mint_authority
//   [36..44) supply (u64)
//   [44]     decimals (u8)
//   [45]     is_initialized
//   [46..50) freeze_authority COption tag (u32)
//   [50..82) freeze_authority
const (
	mintDecimalsOffset = 44
	mintAccountSize    = 82
)

// decimalsCache holds per-mint decimal counts. A mint's decimal count
// is immutable on chain, so entries are fetched once per process
// lifetime and never refetched. Guarded with a mutex because callers
// may run on different goroutines.
type decimalsCache struct {
	mu     sync.Mutex
	byMint map[solana.PublicKey]uint8
}

func newDecimalsCache() *decimalsCache {
	return &decimalsCache{byMint: make(map[solana.PublicKey]uint8)}
}

func (d *decimalsCache) get(mint solana.PublicKey) (uint8, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dec, ok := d.byMint[mint]
	return dec, ok
}

func (d *decimalsCache) put(mint solana.PublicKey, decimals uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byMint[mint] = decimals
}

// ParseMintDecimals extracts the decimal count from a raw SPL mint account.
func ParseMintDecimals(data []byte) (uint8, error) {
	if len(data) < mintAccountSize {
		return 0, fmt.Errorf("mint account too short: %d bytes", len(data))
	}
	return data[mintDecimalsOffset], nil
}

// MintDecimals returns the decimal count of an SPL token mint, fetching
// the mint account on first use and serving from the cache afterwards.
func (c *Client) MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	if dec, ok := c.decimals.get(mint); ok {
		return dec, nil
	}

	data, err := c.AccountData(ctx, mint)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch mint %s: %w", mint, err)
	}

	decimals, err := ParseMintDecimals(data)
	if err != nil {
		return 0, fmt.Errorf("failed to parse mint %s: %w", mint, err)
	}

	c.decimals.put(mint, decimals)
	c.logger.DebugContext(ctx, "cached mint decimals",
		"mint", mint.String(),
		"decimals", decimals,
	)
	return decimals, nil
}
