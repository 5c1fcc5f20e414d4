// Package market defines the market-data provider contract the PERCEPTION state depends
// on (spec §4.1, §6): recent candles, last price, and a freshness timestamp for one
// asset. Concrete market-data integrations (exchange/broker feeds and their own rate
// limiters) are explicitly out of scope (spec §1); this package carries the interface
// plus a deterministic mock, grounded on the teacher's internal/adapters/mock.go fixture
// approach, with golang.org/x/time/rate reused for the same request-throttling role the
// teacher gives it in its live adapters.
package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/domain"
)

// Provider supplies market context for one asset at a time.
type Provider interface {
	Name() string
	Context(ctx context.Context, asset domain.AssetPair) (domain.MarketContext, error)
}

// Mock is a deterministic, rate-limited market-data provider for tests and the demo
// entrypoint.
type Mock struct {
	name    string
	limiter *rate.Limiter

	mu      sync.Mutex
	fixture map[string]domain.MarketContext
	stale   map[string]bool
}

// NewMock builds a Mock throttled to requestsPerSecond (rate.Inf if <= 0, i.e.
// unthrottled, which is convenient for unit tests).
func NewMock(name string, requestsPerSecond float64) *Mock {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &Mock{
		name:    name,
		limiter: rate.NewLimiter(limit, 1),
		fixture: map[string]domain.MarketContext{},
		stale:   map[string]bool{},
	}
}

func (m *Mock) Name() string { return m.name }

// SetContext fixes the context this mock returns for asset, stamping FreshnessAt to now
// unless the context already set one.
func (m *Mock) SetContext(asset domain.AssetPair, mc domain.MarketContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mc.FreshnessAt.IsZero() {
		mc.FreshnessAt = time.Now()
	}
	mc.Asset = asset
	m.fixture[asset.String()] = mc
}

// MarkStale forces Context for asset to return data stamped far enough in the past to
// fail any staleness budget, for gatekeeper tests.
func (m *Mock) MarkStale(asset domain.AssetPair, stale bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stale[asset.String()] = stale
}

func (m *Mock) Context(ctx context.Context, asset domain.AssetPair) (domain.MarketContext, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return domain.MarketContext{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.fixture[asset.String()]
	if !ok {
		return domain.MarketContext{}, fmt.Errorf("market: no fixture set for %s", asset)
	}
	if m.stale[asset.String()] {
		mc.FreshnessAt = time.Now().Add(-24 * time.Hour)
	}
	return mc, nil
}
