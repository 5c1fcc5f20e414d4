// Package platform defines the trading-platform adapter contract (spec §6): balance and
// position queries, idempotent order execution, and position close. Concrete broker/
// exchange integrations are out of scope (spec §1); this package carries the interface
// plus a deterministic mock, grounded on the teacher's internal/adapters interface-plus-
// mock pattern (see adapters/quotes.go's QuotesAdapter / adapters/mock.go). Order audit
// and restart-durable idempotency are adapted from the teacher's internal/outbox package.
package platform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/domain"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/outbox"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/portfolio"
)

// Platform is the capability set the orchestrator needs from a trading venue.
type Platform interface {
	Name() string
	Balance(ctx context.Context) (domain.PortfolioSnapshot, error)
	OpenPositions(ctx context.Context) ([]domain.Position, error)
	// Execute places an order idempotently keyed by clientOrderID: replaying the same id
	// against an already-filled order must return the original fill, not place a duplicate.
	Execute(ctx context.Context, clientOrderID string, d domain.Decision) (domain.Position, error)
	Close(ctx context.Context, positionID string) (domain.TradeOutcome, error)
	Price(ctx context.Context, asset domain.AssetPair) (float64, error)
}

// Mock is a deterministic in-memory platform for tests and the demo entrypoint.
type Mock struct {
	name string
	mu   sync.Mutex

	nav             float64
	positions       map[string]domain.Position
	prices          map[string]float64
	seenOrders      map[string]domain.Position
	executeErr      error
	closeErr        error

	ledger *portfolio.Manager   // optional durable exposure/trade-count ledger
	ob     *outbox.Outbox       // optional durable order audit trail + restart-safe dedupe
	sim    *outbox.FillSimulator // optional latency/slippage simulation on fills
}

// NewMock builds a mock platform seeded with the given starting NAV.
func NewMock(name string, startingNAV float64) *Mock {
	return &Mock{
		name:       name,
		nav:        startingNAV,
		positions:  map[string]domain.Position{},
		prices:     map[string]float64{},
		seenOrders: map[string]domain.Position{},
	}
}

// WithLedger attaches a durable portfolio ledger: every fill and close is folded into it
// so daily trade counts and realized P&L survive a process restart, independent of this
// mock's own in-memory position map.
func (m *Mock) WithLedger(l *portfolio.Manager) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger = l
	return m
}

// WithOutbox attaches a durable order audit trail at path: every Execute is journaled as
// an order-then-fill pair, and a clientOrderID seen within dedupeWindowSecs is rejected
// even if this process restarted and lost its in-memory seenOrders map.
func (m *Mock) WithOutbox(path string, dedupeWindowSecs int) (*Mock, error) {
	ob, err := outbox.New(path, dedupeWindowSecs)
	if err != nil {
		return m, fmt.Errorf("platform: open outbox: %w", err)
	}
	m.mu.Lock()
	m.ob = ob
	m.mu.Unlock()
	return m, nil
}

// WithFillSimulator makes Execute apply randomized latency/slippage to the fill price
// instead of filling exactly at the quoted mark.
func (m *Mock) WithFillSimulator(latencyMsMin, latencyMsMax, slippageBpsMin, slippageBpsMax int) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sim = outbox.NewFillSimulator(latencyMsMin, latencyMsMax, slippageBpsMin, slippageBpsMax)
	return m
}

func (m *Mock) Name() string { return m.name }

// SetPrice fixes the mark price Mock.Price and position valuation use for asset.
func (m *Mock) SetPrice(asset domain.AssetPair, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[asset.String()] = price
}

// SetExecuteError makes every future Execute call fail with err.
func (m *Mock) SetExecuteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executeErr = err
}

// SetCloseError makes every future Close call fail with err.
func (m *Mock) SetCloseError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeErr = err
}

func (m *Mock) Balance(ctx context.Context) (domain.PortfolioSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	positions := make([]domain.Position, 0, len(m.positions))
	for _, p := range m.positions {
		positions = append(positions, p)
	}
	return domain.PortfolioSnapshot{NAV: m.nav, Positions: positions}, nil
}

func (m *Mock) OpenPositions(ctx context.Context) ([]domain.Position, error) {
	snap, err := m.Balance(ctx)
	return snap.Positions, err
}

func (m *Mock) Execute(ctx context.Context, clientOrderID string, d domain.Decision) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.seenOrders[clientOrderID]; ok {
		return existing, nil
	}
	if m.executeErr != nil {
		return domain.Position{}, m.executeErr
	}
	if m.ob != nil {
		if recent, err := m.ob.HasRecentOrder(clientOrderID); err != nil {
			return domain.Position{}, fmt.Errorf("platform: outbox dedupe check: %w", err)
		} else if recent {
			return domain.Position{}, fmt.Errorf("platform: duplicate order %s already recorded in outbox", clientOrderID)
		}
	}

	price := m.prices[d.Asset.String()]
	if price == 0 {
		price = d.Confidence // deterministic fallback for unseeded tests; never used in production wiring
	}
	now := time.Now()
	latency := time.Duration(0)
	if m.sim != nil {
		price, latency = m.sim.Simulate(d.Action, price)
	}

	pos := domain.Position{
		ID:         uuid.NewString(),
		Asset:      d.Asset,
		EntryPrice: price,
		Size:       d.SuggestedSize,
		Side:       d.Action,
	}
	m.positions[pos.ID] = pos
	m.seenOrders[clientOrderID] = pos

	if m.ob != nil {
		if err := m.ob.WriteOrder(outbox.Order{
			ClientOrderID:  clientOrderID,
			Asset:          d.Asset.String(),
			Action:         d.Action,
			Size:           d.SuggestedSize,
			Timestamp:      now,
			IdempotencyKey: clientOrderID,
		}); err != nil {
			return domain.Position{}, fmt.Errorf("platform: outbox write order: %w", err)
		}
		if err := m.ob.WriteFill(outbox.Fill{
			ClientOrderID: clientOrderID,
			Asset:         d.Asset.String(),
			Action:        d.Action,
			Quantity:      d.SuggestedSize,
			Price:         price,
			Timestamp:     now.Add(latency),
			LatencyMs:     int(latency / time.Millisecond),
		}); err != nil {
			return domain.Position{}, fmt.Errorf("platform: outbox write fill: %w", err)
		}
	}

	if m.ledger != nil {
		signedSize := pos.Size
		if d.Action == domain.ActionSell {
			signedSize = -signedSize
		}
		if err := m.ledger.RecordFill(d.Asset, signedSize, price, d.Action, time.Now()); err != nil {
			return pos, fmt.Errorf("platform: ledger record fill: %w", err)
		}
	}

	return pos, nil
}

func (m *Mock) Close(ctx context.Context, positionID string) (domain.TradeOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closeErr != nil {
		return domain.TradeOutcome{}, m.closeErr
	}
	pos, ok := m.positions[positionID]
	if !ok {
		return domain.TradeOutcome{}, fmt.Errorf("platform: unknown position %s", positionID)
	}
	delete(m.positions, positionID)
	exitPrice := m.prices[pos.Asset.String()]
	closeAction := domain.ActionSell
	if pos.Side == domain.ActionSell {
		closeAction = domain.ActionBuy
	}
	latency := time.Duration(0)
	if m.sim != nil {
		exitPrice, latency = m.sim.Simulate(closeAction, exitPrice)
	}

	if m.ob != nil {
		if err := m.ob.WriteFill(outbox.Fill{
			ClientOrderID: positionID,
			Asset:         pos.Asset.String(),
			Action:        closeAction,
			Quantity:      pos.Size,
			Price:         exitPrice,
			Timestamp:     time.Now().Add(latency),
			LatencyMs:     int(latency / time.Millisecond),
		}); err != nil {
			return domain.TradeOutcome{}, fmt.Errorf("platform: outbox write close fill: %w", err)
		}
	}

	if m.ledger != nil {
		closingSize := pos.Size
		if pos.Side == domain.ActionBuy {
			closingSize = -closingSize
		}
		if err := m.ledger.RecordFill(pos.Asset, closingSize, exitPrice, pos.Side, time.Now()); err != nil {
			return domain.TradeOutcome{}, fmt.Errorf("platform: ledger record close: %w", err)
		}
	}

	return domain.TradeOutcome{PositionID: positionID, ExitPrice: exitPrice}, nil
}

func (m *Mock) Price(ctx context.Context, asset domain.AssetPair) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[asset.String()]
	if !ok {
		return 0, fmt.Errorf("platform: no price set for %s", asset)
	}
	return p, nil
}
