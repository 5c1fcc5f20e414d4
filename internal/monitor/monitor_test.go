package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/breaker"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/domain"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/platform"
)

type recordingSink struct {
	mu       sync.Mutex
	outcomes []domain.TradeOutcome
}

func (s *recordingSink) OnClosed(o domain.TradeOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outcomes)
}

func newTestMonitor(t *testing.T, plat *platform.Mock, cfg Config) (*Monitor, *recordingSink) {
	t.Helper()
	br := breaker.New(breaker.Config{})
	sink := &recordingSink{}
	if cfg.MaxConcurrentTrackers == 0 {
		cfg.MaxConcurrentTrackers = 2
	}
	if cfg.PnLCheckInterval == 0 {
		cfg.PnLCheckInterval = 5 * time.Millisecond
	}
	cfg.PriceFetchRateLimitPerSecond = 1000
	return New(cfg, plat, br, sink), sink
}

func TestMonitor_AttachRefusesOverCapacity(t *testing.T) {
	plat := platform.NewMock("mock", 10000)
	mon, _ := newTestMonitor(t, plat, Config{MaxConcurrentTrackers: 1})

	asset := domain.NewAssetPair("BTC", "USD")
	plat.SetPrice(asset, 100)
	pos := domain.Position{Asset: asset, EntryPrice: 100, Size: 1, Side: domain.ActionBuy}

	require.NoError(t, mon.Attach(context.Background(), "pos-1", pos, "dec-1"))
	err := mon.Attach(context.Background(), "pos-2", pos, "dec-2")
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestMonitor_ClosesOnStopLoss(t *testing.T) {
	plat := platform.NewMock("mock", 10000)
	asset := domain.NewAssetPair("BTC", "USD")
	plat.SetPrice(asset, 100)

	mon, sink := newTestMonitor(t, plat, Config{PerTradeStopLossPct: 2, PerTradeTakeProfitPct: 10})

	pos, err := plat.Execute(context.Background(), "order-1", domain.Decision{Asset: asset, Action: domain.ActionBuy, SuggestedSize: 1})
	require.NoError(t, err)
	require.NoError(t, mon.Attach(context.Background(), "pos-1", pos, "dec-1"))

	plat.SetPrice(asset, 97) // -3%, past the 2% stop loss

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.ClosedByStopLoss, sink.outcomes[0].ClosedBy)
}

func TestMonitor_ClosesOnTakeProfit(t *testing.T) {
	plat := platform.NewMock("mock", 10000)
	asset := domain.NewAssetPair("BTC", "USD")
	plat.SetPrice(asset, 100)

	mon, sink := newTestMonitor(t, plat, Config{PerTradeStopLossPct: 50, PerTradeTakeProfitPct: 2})

	pos, err := plat.Execute(context.Background(), "order-1", domain.Decision{Asset: asset, Action: domain.ActionBuy, SuggestedSize: 1})
	require.NoError(t, err)
	require.NoError(t, mon.Attach(context.Background(), "pos-1", pos, "dec-1"))

	plat.SetPrice(asset, 103)

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.ClosedByTakeProfit, sink.outcomes[0].ClosedBy)
}

func TestMonitor_DefensiveCloseAfterMaxPriceFailures(t *testing.T) {
	plat := platform.NewMock("mock", 10000)
	asset := domain.NewAssetPair("BTC", "USD")
	// deliberately never set a price, so Price() always errors

	mon, sink := newTestMonitor(t, plat, Config{MaxPriceFailures: 2})

	pos, err := plat.Execute(context.Background(), "order-1", domain.Decision{Asset: asset, Action: domain.ActionBuy, SuggestedSize: 1})
	require.NoError(t, err)
	require.NoError(t, mon.Attach(context.Background(), "pos-1", pos, "dec-1"))

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.ClosedByManual, sink.outcomes[0].ClosedBy)
}

func TestMonitor_DetachStopsTracking(t *testing.T) {
	plat := platform.NewMock("mock", 10000)
	asset := domain.NewAssetPair("BTC", "USD")
	plat.SetPrice(asset, 100)

	mon, _ := newTestMonitor(t, plat, Config{})
	pos := domain.Position{Asset: asset, EntryPrice: 100, Size: 1, Side: domain.ActionBuy}
	require.NoError(t, mon.Attach(context.Background(), "pos-1", pos, "dec-1"))

	mon.Detach("pos-1")
	assert.Empty(t, mon.Snapshot())
}
