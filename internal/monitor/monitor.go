// Package monitor implements the concurrent trade monitor (spec §4.4): one goroutine per
// open position watching for stop-loss/take-profit, a portfolio-level loop watching for
// the portfolio kill switch, and a hard cap that refuses (rather than queues) new
// trackers once max_concurrent_trackers tracker goroutines are running; there is no
// worker pool or attach queue. Grounded on the teacher's position-tracking idiom in
// internal/portfolio/state.go, wired through
// internal/breaker so platform calls made from tracker goroutines participate in the
// same circuit breaker as every other platform call.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/breaker"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/domain"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/observ"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/platform"
)

// ErrCapacityExceeded is returned by Attach when max_concurrent_trackers is already in
// use; the spec requires refusal, not queuing.
var ErrCapacityExceeded = errors.New("monitor: max concurrent trackers exceeded")

// Config configures the monitor's check cadence and protective thresholds (spec §6).
type Config struct {
	MaxConcurrentTrackers         int
	PnLCheckInterval              time.Duration
	PortfolioCheckInterval        time.Duration
	PerTradeStopLossPct           float64
	PerTradeTakeProfitPct         float64
	PortfolioStopLossPct          float64
	PortfolioTakeProfitPct        float64
	MaxPriceFailures              int
	MaxCloseRetries               int
	PriceFetchRateLimitPerSecond  float64
}

// ClosureSink receives position closures so the caller (typically the agent loop) can
// update the decision store and portfolio memory without the monitor importing them.
type ClosureSink interface {
	OnClosed(domain.TradeOutcome)
}

// Monitor tracks open positions concurrently and enforces protective exits.
type Monitor struct {
	cfg      Config
	plat     platform.Platform
	breaker  *breaker.Breaker
	sink     ClosureSink
	limiter  *rate.Limiter

	mu       sync.Mutex
	trackers map[string]*domain.PositionTracker
	cancels  map[string]context.CancelFunc

	paused bool
}

// New builds a Monitor bound to a single trading platform, its circuit breaker, and a
// closure sink.
func New(cfg Config, plat platform.Platform, br *breaker.Breaker, sink ClosureSink) *Monitor {
	if cfg.MaxConcurrentTrackers <= 0 {
		cfg.MaxConcurrentTrackers = 50
	}
	if cfg.PriceFetchRateLimitPerSecond <= 0 {
		cfg.PriceFetchRateLimitPerSecond = 5
	}
	return &Monitor{
		cfg:      cfg,
		plat:     plat,
		breaker:  br,
		sink:     sink,
		limiter:  rate.NewLimiter(rate.Limit(cfg.PriceFetchRateLimitPerSecond), 1),
		trackers: map[string]*domain.PositionTracker{},
		cancels:  map[string]context.CancelFunc{},
	}
}

// Attach starts watching a newly opened position. It refuses (ErrCapacityExceeded) rather
// than queuing once max_concurrent_trackers trackers are already running, per spec §4.4.
func (m *Monitor) Attach(ctx context.Context, positionID string, pos domain.Position, decisionID string) error {
	m.mu.Lock()
	if len(m.trackers) >= m.cfg.MaxConcurrentTrackers {
		m.mu.Unlock()
		observ.IncCounter("monitor_attach_refused_total", nil)
		return ErrCapacityExceeded
	}

	sl, tp := protectiveLevels(pos, m.cfg.PerTradeStopLossPct, m.cfg.PerTradeTakeProfitPct)
	tracker := &domain.PositionTracker{
		PositionID:      positionID,
		Asset:           pos.Asset,
		EntryPrice:      pos.EntryPrice,
		Size:            pos.Size,
		Side:            pos.Side,
		EntryTime:       time.Now(),
		StopLossPrice:   sl,
		TakeProfitPrice: tp,
		LastMarkPrice:   pos.EntryPrice,
		DecisionID:      decisionID,
	}
	m.trackers[positionID] = tracker

	trackerCtx, cancel := context.WithCancel(ctx)
	m.cancels[positionID] = cancel
	m.mu.Unlock()

	observ.IncCounter("monitor_trackers_attached_total", nil)
	observ.SetGauge("monitor_active_trackers", float64(m.activeCount()), nil)
	go m.trackLoop(trackerCtx, positionID)
	return nil
}

// Detach stops tracking a position without closing it, e.g. because it was closed
// out-of-band.
func (m *Monitor) Detach(positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancels[positionID]; ok {
		cancel()
		delete(m.cancels, positionID)
	}
	delete(m.trackers, positionID)
	observ.SetGauge("monitor_active_trackers", float64(len(m.trackers)), nil)
}

// Snapshot returns an immutable copy of every currently tracked position.
func (m *Monitor) Snapshot() []domain.PositionTracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.PositionTracker, 0, len(m.trackers))
	for _, t := range m.trackers {
		out = append(out, *t)
	}
	return out
}

func (m *Monitor) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trackers)
}

// PausePortfolio stops issuing new closes (used by the portfolio kill switch) without
// tearing down trackers, so Snapshot still reflects live state.
func (m *Monitor) PausePortfolio() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
	observ.Log("monitor_portfolio_paused", nil)
}

// ResumePortfolio re-enables closes after a PausePortfolio.
func (m *Monitor) ResumePortfolio() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
	observ.Log("monitor_portfolio_resumed", nil)
}

func (m *Monitor) isPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// trackLoop is the per-position goroutine: fetch price, update mark, check stop-loss and
// take-profit, close on breach. It exits when ctx is cancelled (Detach) or the position
// closes.
func (m *Monitor) trackLoop(ctx context.Context, positionID string) {
	interval := m.cfg.PnLCheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.checkOnce(ctx, positionID) {
				return
			}
		}
	}
}

// checkOnce runs a single price-check cycle for positionID, returning true if the
// position was closed (and tracking should stop).
func (m *Monitor) checkOnce(ctx context.Context, positionID string) bool {
	m.mu.Lock()
	tracker, ok := m.trackers[positionID]
	m.mu.Unlock()
	if !ok {
		return true
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return false
	}

	price, err := m.fetchPrice(ctx, tracker.Asset)
	if err != nil {
		m.mu.Lock()
		tracker.ConsecutiveFailures++
		failures := tracker.ConsecutiveFailures
		m.mu.Unlock()
		observ.IncCounter("monitor_price_failures_total", map[string]string{"asset": tracker.Asset.String()})
		if m.cfg.MaxPriceFailures > 0 && failures >= m.cfg.MaxPriceFailures {
			observ.Log("monitor_defensive_close", map[string]any{"position": positionID, "reason": "max_price_failures_exceeded"})
			m.closeWithRetry(ctx, positionID, domain.ClosedByManual)
			return true
		}
		return false
	}

	m.mu.Lock()
	tracker.LastMarkPrice = price
	tracker.LastMarkTime = time.Now()
	tracker.ConsecutiveFailures = 0
	tracker.PnL = tracker.PnLFraction()
	pnlFrac := tracker.PnLFraction()
	slHit := breachedStopLoss(tracker, price)
	tpHit := breachedTakeProfit(tracker, price)
	m.mu.Unlock()

	observ.SetGauge("monitor_position_pnl_fraction", pnlFrac, map[string]string{"position": positionID})

	if m.isPaused() {
		return false
	}

	switch {
	case slHit:
		m.closeWithRetry(ctx, positionID, domain.ClosedByStopLoss)
		return true
	case tpHit:
		m.closeWithRetry(ctx, positionID, domain.ClosedByTakeProfit)
		return true
	}
	return false
}

func (m *Monitor) fetchPrice(ctx context.Context, asset domain.AssetPair) (float64, error) {
	var price float64
	err := m.breaker.Call(ctx, func(ctx context.Context) error {
		p, err := m.plat.Price(ctx, asset)
		if err != nil {
			return err
		}
		price = p
		return nil
	})
	return price, err
}

func (m *Monitor) closeWithRetry(ctx context.Context, positionID string, by domain.ClosedBy) {
	maxRetries := m.cfg.MaxCloseRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		var outcome domain.TradeOutcome
		err := m.breaker.Call(ctx, func(ctx context.Context) error {
			o, err := m.plat.Close(ctx, positionID)
			outcome = o
			return err
		})
		if err == nil {
			m.mu.Lock()
			if t, ok := m.trackers[positionID]; ok {
				outcome.DecisionID = t.DecisionID
			}
			m.mu.Unlock()
			outcome.ClosedBy = by
			outcome.ExitTime = time.Now()
			m.Detach(positionID)
			observ.IncCounter("monitor_positions_closed_total", map[string]string{"reason": string(by)})
			if m.sink != nil {
				m.sink.OnClosed(outcome)
			}
			return
		}
		lastErr = err
		time.Sleep(backoff(attempt))
	}

	observ.IncCounter("monitor_close_failures_total", nil)
	observ.LogError("monitor_close_escalation", lastErr, map[string]any{"position": positionID, "reason": string(by), "attempts": maxRetries + 1})
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 200 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

func protectiveLevels(pos domain.Position, stopLossPct, takeProfitPct float64) (sl, tp float64) {
	switch pos.Side {
	case domain.ActionSell:
		return pos.EntryPrice * (1 + stopLossPct/100), pos.EntryPrice * (1 - takeProfitPct/100)
	default:
		return pos.EntryPrice * (1 - stopLossPct/100), pos.EntryPrice * (1 + takeProfitPct/100)
	}
}

func breachedStopLoss(t *domain.PositionTracker, price float64) bool {
	if t.Side == domain.ActionSell {
		return price >= t.StopLossPrice
	}
	return price <= t.StopLossPrice
}

func breachedTakeProfit(t *domain.PositionTracker, price float64) bool {
	if t.Side == domain.ActionSell {
		return price <= t.TakeProfitPrice
	}
	return price >= t.TakeProfitPrice
}

// PortfolioWatcher runs the portfolio-level loop: it watches overall drawdown/gain and
// trips the kill switch (closing everything) when PortfolioStopLossPct or
// PortfolioTakeProfitPct is breached. Grounded on the teacher's navtracker.go
// portfolio-level aggregation pattern.
type PortfolioWatcher struct {
	cfg     Config
	mon     *Monitor
	balance func(ctx context.Context) (domain.PortfolioSnapshot, error)
}

// NewPortfolioWatcher builds a watcher that polls balance via balanceFn.
func NewPortfolioWatcher(cfg Config, mon *Monitor, balanceFn func(ctx context.Context) (domain.PortfolioSnapshot, error)) *PortfolioWatcher {
	return &PortfolioWatcher{cfg: cfg, mon: mon, balance: balanceFn}
}

// Run blocks until ctx is cancelled, polling at PortfolioCheckInterval.
func (w *PortfolioWatcher) Run(ctx context.Context) {
	interval := w.cfg.PortfolioCheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.checkOnce(ctx)
		}
	}
}

func (w *PortfolioWatcher) checkOnce(ctx context.Context) {
	snap, err := w.balance(ctx)
	if err != nil {
		observ.IncCounter("monitor_portfolio_balance_errors_total", nil)
		return
	}
	pnl := snap.PnLFraction() * 100

	switch {
	case pnl <= -w.cfg.PortfolioStopLossPct:
		observ.Log("portfolio_kill_switch_triggered", map[string]any{"reason": "stop_loss", "pnl_pct": pnl})
		w.tripKillSwitch(ctx)
	case w.cfg.PortfolioTakeProfitPct > 0 && pnl >= w.cfg.PortfolioTakeProfitPct:
		observ.Log("portfolio_kill_switch_triggered", map[string]any{"reason": "take_profit", "pnl_pct": pnl})
		w.tripKillSwitch(ctx)
	}
}

func (w *PortfolioWatcher) tripKillSwitch(ctx context.Context) {
	w.mon.PausePortfolio()
	observ.IncCounter("monitor_kill_switch_trips_total", nil)
	for _, tracker := range w.mon.Snapshot() {
		w.mon.closeWithRetry(ctx, tracker.PositionID, domain.ClosedByPortfolioKillSwitch)
	}
}
