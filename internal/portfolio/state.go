// Package portfolio persists a durable position/exposure ledger across restarts,
// independent of whatever in-memory bookkeeping a platform.Platform adapter keeps. A
// live orchestrator process can crash between cycles; daily trade counts, realized P&L,
// and exposure stats must survive that. Grounded on the teacher's portfolio state
// manager: same atomic temp-file-plus-rename persistence idiom as internal/store, same
// version-stamped snapshot shape, generalized from int share quantities and string ticker
// symbols to this repo's float64 position sizing and domain.AssetPair keys.
package portfolio

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/domain"
)

// Position is one asset's durable ledger entry: net size, cost basis, and today's
// trade/PnL counters.
type Position struct {
	Size             float64      `json:"size"`               // signed: positive long, negative short
	AvgEntryPrice    float64      `json:"avg_entry_price"`
	EntryVWAP        float64      `json:"entry_vwap"`          // volume-weighted entry price
	CurrentNotional  float64      `json:"current_notional"`
	UnrealizedPnL    float64      `json:"unrealized_pnl"`
	Side             domain.Action `json:"side"`
	LastTradeAt      string       `json:"last_trade_at"` // RFC3339
	TradeCountToday  int          `json:"trade_count_today"`
	RealizedPnLToday float64      `json:"realized_pnl_today"`
}

// DailyStats tracks daily portfolio-wide statistics.
type DailyStats struct {
	Date               string  `json:"date"` // YYYY-MM-DD, UTC
	TotalExposureUSD   float64 `json:"total_exposure_usd"`
	ExposurePctCapital float64 `json:"exposure_pct_capital"`
	TradesToday        int     `json:"trades_today"`
	PnLToday           float64 `json:"pnl_today"`
}

// State is the complete durable snapshot.
type State struct {
	Version     int64               `json:"version"` // monotonic, bumped on every save
	UpdatedAt   string              `json:"updated_at"`
	Positions   map[string]Position `json:"positions"` // keyed by AssetPair.String()
	DailyStats  DailyStats          `json:"daily_stats"`
	CapitalBase float64             `json:"capital_base"`
}

// Manager owns persistence and the read/update API over State. Safe for concurrent use.
type Manager struct {
	filePath string
	state    State
	mu       sync.RWMutex
}

// NewManager builds a Manager backed by filePath, starting from capitalBase until Load
// reads a prior snapshot.
func NewManager(filePath string, capitalBase float64) *Manager {
	return &Manager{
		filePath: filePath,
		state: State{
			Positions:   make(map[string]Position),
			CapitalBase: capitalBase,
			DailyStats:  DailyStats{Date: time.Now().UTC().Format("2006-01-02")},
		},
	}
}

// Load reads the ledger from disk, writing a fresh default snapshot if none exists yet.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			m.state.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
			return m.saveUnsafe()
		}
		return fmt.Errorf("portfolio: read state: %w", err)
	}
	if err := json.Unmarshal(data, &m.state); err != nil {
		return fmt.Errorf("portfolio: unmarshal state: %w", err)
	}

	today := time.Now().UTC().Format("2006-01-02")
	if m.state.DailyStats.Date != today {
		m.resetDailyStats(today)
	}
	return nil
}

// Save atomically persists the current state.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveUnsafe()
}

func (m *Manager) saveUnsafe() error {
	m.state.Version++
	m.state.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("portfolio: marshal state: %w", err)
	}

	tempPath := m.filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("portfolio: write temp state: %w", err)
	}
	if err := os.Rename(tempPath, m.filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("portfolio: rename state: %w", err)
	}
	return nil
}

// GetPosition returns the ledger entry for asset, if any.
func (m *Manager) GetPosition(asset domain.AssetPair) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.state.Positions[asset.String()]
	return pos, ok
}

// GetAllPositions returns a copy of every tracked position.
func (m *Manager) GetAllPositions() map[string]Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Position, len(m.state.Positions))
	for k, v := range m.state.Positions {
		out[k] = v
	}
	return out
}

// GetDailyStats returns today's portfolio-wide statistics.
func (m *Manager) GetDailyStats() DailyStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.DailyStats
}

// RecordFill folds an execution fill into the ledger: new position, add-to-position, or
// partial/full close with realized P&L booked against today's stats. signedSize is
// positive for buys, negative for sells/shorts.
func (m *Manager) RecordFill(asset domain.AssetPair, signedSize float64, price float64, side domain.Action, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	today := ts.UTC().Format("2006-01-02")
	if m.state.DailyStats.Date != today {
		m.resetDailyStats(today)
	}

	key := asset.String()
	pos := m.state.Positions[key]

	switch {
	case pos.Size == 0:
		pos.Size = signedSize
		pos.AvgEntryPrice = price
		pos.EntryVWAP = price
		pos.CurrentNotional = signedSize * price
		pos.Side = side
	case sameSign(pos.Size, signedSize):
		totalCost := pos.AvgEntryPrice*pos.Size + price*signedSize
		totalSize := pos.Size + signedSize
		pos.EntryVWAP = totalCost / totalSize
		pos.Size = totalSize
		pos.AvgEntryPrice = totalCost / totalSize
		pos.CurrentNotional = pos.Size * pos.AvgEntryPrice
	default:
		if abs(signedSize) >= abs(pos.Size) {
			realized := pos.Size * (price - pos.AvgEntryPrice)
			pos.RealizedPnLToday += realized
			m.state.DailyStats.PnLToday += realized
			pos.Size += signedSize
			if pos.Size != 0 {
				pos.AvgEntryPrice = price
				pos.EntryVWAP = price
				pos.Side = side
				pos.CurrentNotional = pos.Size * price
			} else {
				pos.CurrentNotional = 0
			}
		} else {
			realized := -signedSize * (price - pos.AvgEntryPrice)
			pos.RealizedPnLToday += realized
			m.state.DailyStats.PnLToday += realized
			pos.Size += signedSize
			pos.CurrentNotional = pos.Size * pos.AvgEntryPrice
		}
	}

	pos.LastTradeAt = ts.Format(time.RFC3339)
	pos.TradeCountToday++
	m.state.Positions[key] = pos
	m.state.DailyStats.TradesToday++
	m.recalculateExposureUnsafe()

	return m.saveUnsafe()
}

// MarkToMarket refreshes a position's unrealized P&L against the current price.
func (m *Manager) MarkToMarket(asset domain.AssetPair, currentPrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := asset.String()
	pos, ok := m.state.Positions[key]
	if !ok || pos.Size == 0 {
		return nil
	}
	pos.UnrealizedPnL = pos.Size * (currentPrice - pos.AvgEntryPrice)
	pos.CurrentNotional = pos.Size * currentPrice
	m.state.Positions[key] = pos
	return m.saveUnsafe()
}

// TradeCountToday returns how many fills asset has seen so far today.
func (m *Manager) TradeCountToday(asset domain.AssetPair) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Positions[asset.String()].TradeCountToday
}

// GetNAV computes capital base plus today's realized P&L plus every position's
// unrealized P&L.
func (m *Manager) GetNAV() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nav := m.state.CapitalBase + m.state.DailyStats.PnLToday
	for _, pos := range m.state.Positions {
		nav += pos.UnrealizedPnL
	}
	return nav
}

// GetExposurePercent returns total exposure as a percentage of capital base.
func (m *Manager) GetExposurePercent() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.DailyStats.ExposurePctCapital
}

func (m *Manager) resetDailyStats(date string) {
	for key, pos := range m.state.Positions {
		pos.TradeCountToday = 0
		pos.RealizedPnLToday = 0
		m.state.Positions[key] = pos
	}
	m.state.DailyStats = DailyStats{
		Date:               date,
		TotalExposureUSD:   m.state.DailyStats.TotalExposureUSD,
		ExposurePctCapital: m.state.DailyStats.ExposurePctCapital,
	}
}

func (m *Manager) recalculateExposureUnsafe() {
	total := 0.0
	for _, pos := range m.state.Positions {
		total += abs(pos.CurrentNotional)
	}
	m.state.DailyStats.TotalExposureUSD = total
	if m.state.CapitalBase > 0 {
		m.state.DailyStats.ExposurePctCapital = (total / m.state.CapitalBase) * 100
	}
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
