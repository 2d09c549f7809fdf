package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"lendloop/service/metrics"
)

// ErrNoPriceSource is returned when the oracle, the warm cache, and the
// REST fallback have all failed.
var ErrNoPriceSource = errors.New("no price source available")

// CacheTTL bounds how long an oracle read is served from memory.
const CacheTTL = 30 * time.Second

// Price is a normalized price observation.
type Price struct {
	Price      float64 `json:"price"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"` // "pyth", "pyth_cache" or "rest"
}

// AccountReader fetches raw account bytes. *solana.Client satisfies it.
type AccountReader interface {
	AccountData(ctx context.Context, account solana.PublicKey) ([]byte, error)
}

// Source reads a fixed on-chain price account, caching results and
// falling back to a REST endpoint when the oracle is unavailable.
type Source struct {
	reader       AccountReader
	priceAccount solana.PublicKey
	assetID      string // mint address used as the REST query id
	fallbackURL  string
	httpClient   *http.Client

	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	cached *Price
	warmAt time.Time
	now    func() time.Time
}

// NewSource creates a price source. If httpClient is nil a default with
// a 5s timeout is used; if m is nil no metrics are recorded.
func NewSource(reader AccountReader, priceAccount solana.PublicKey, assetID, fallbackURL string, httpClient *http.Client, m *metrics.Metrics, logger *slog.Logger) *Source {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Source{
		reader:       reader,
		priceAccount: priceAccount,
		assetID:      assetID,
		fallbackURL:  fallbackURL,
		httpClient:   httpClient,
		logger:       logger,
		metrics:      m,
		now:          time.Now,
	}
}

// GetPrice returns the current price, trying the on-chain oracle first,
// then the still-warm cache, then the REST fallback. Only when every
// source fails does it return ErrNoPriceSource.
func (s *Source) GetPrice(ctx context.Context) (Price, error) {
	if price, ok := s.cachedPrice(); ok {
		return price, nil
	}

	price, err := s.readOracle(ctx)
	if err == nil {
		s.metrics.RecordOracleRead("pyth", "success")
		return price, nil
	}
	s.metrics.RecordOracleRead("pyth", "error")
	s.logger.WarnContext(ctx, "oracle read failed, trying fallbacks", "error", err)

	// A stale-but-present cached value beats a REST round trip. The
	// TTL only gates the fast path above; once the oracle itself is
	// down, the last known price is still the best estimate we hold.
	if price, ok := s.lastCached(); ok {
		price.Source = "pyth_cache"
		s.metrics.RecordOracleRead("pyth_cache", "success")
		return price, nil
	}

	price, restErr := s.readREST(ctx)
	if restErr == nil {
		s.metrics.RecordOracleRead("rest", "success")
		return price, nil
	}
	s.metrics.RecordOracleRead("rest", "error")
	s.logger.ErrorContext(ctx, "all price sources failed",
		"oracle_error", err,
		"rest_error", restErr,
	)
	return Price{}, ErrNoPriceSource
}

// ClearCache drops the cached price. Exposed for callers that need a
// forced refresh.
func (s *Source) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
	s.warmAt = time.Time{}
}

func (s *Source) cachedPrice() (Price, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil || s.now().Sub(s.warmAt) >= CacheTTL {
		return Price{}, false
	}
	return *s.cached, true
}

func (s *Source) lastCached() (Price, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil {
		return Price{}, false
	}
	return *s.cached, true
}

func (s *Source) storeCache(price Price) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = &price
	s.warmAt = s.now()
}

func (s *Source) readOracle(ctx context.Context) (Price, error) {
	data, err := s.reader.AccountData(ctx, s.priceAccount)
	if err != nil {
		return Price{}, fmt.Errorf("failed to fetch price account: %w", err)
	}

	parsed := ParsePriceAccount(data)
	if parsed == nil {
		return Price{}, fmt.Errorf("failed to parse price account %s", s.priceAccount)
	}

	// A non-trading status means the feed is stale, not broken. Keep
	// the price but note it.
	if parsed.Status != StatusTrading {
		s.logger.WarnContext(ctx, "oracle price status is not trading",
			"status", parsed.Status,
		)
	}

	price := Price{
		Price:      parsed.NormalizedPrice(),
		Confidence: parsed.NormalizedConfidence(),
		Source:     "pyth",
	}
	if price.Price <= 0 || math.IsNaN(price.Price) {
		return Price{}, fmt.Errorf("invalid normalized price: %f", price.Price)
	}

	s.storeCache(price)
	return price, nil
}

// restResponse is the fallback endpoint's shape:
// {"data":{"<asset>":{"price":"123.45"}}}
type restResponse struct {
	Data map[string]struct {
		Price string `json:"price"`
	} `json:"data"`
}

func (s *Source) readREST(ctx context.Context) (Price, error) {
	url := fmt.Sprintf("%s?ids=%s", s.fallbackURL, s.assetID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Price{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Price{}, fmt.Errorf("price request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Price{}, fmt.Errorf("price endpoint returned %d", resp.StatusCode)
	}

	var body restResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Price{}, fmt.Errorf("failed to decode price response: %w", err)
	}

	entry, ok := body.Data[s.assetID]
	if !ok {
		return Price{}, fmt.Errorf("price response missing asset %s", s.assetID)
	}

	price, err := strconv.ParseFloat(entry.Price, 64)
	if err != nil || math.IsNaN(price) || price <= 0 {
		return Price{}, fmt.Errorf("invalid price %q from fallback", entry.Price)
	}

	return Price{Price: price, Source: "rest"}, nil
}
