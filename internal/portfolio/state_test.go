package portfolio

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/domain"
)

func TestManager_LoadCreatesDefaultState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	m := NewManager(path, 100000)
	require.NoError(t, m.Load())
	assert.Equal(t, 100000.0, m.GetNAV())
}

func TestManager_RecordFillOpensNewPosition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	m := NewManager(path, 100000)
	require.NoError(t, m.Load())

	asset := domain.NewAssetPair("BTC", "USD")
	require.NoError(t, m.RecordFill(asset, 1.5, 100, domain.ActionBuy, time.Now()))

	pos, ok := m.GetPosition(asset)
	require.True(t, ok)
	assert.Equal(t, 1.5, pos.Size)
	assert.Equal(t, 100.0, pos.AvgEntryPrice)
	assert.Equal(t, 1, pos.TradeCountToday)
}

func TestManager_RecordFillClosingRealizesPnL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	m := NewManager(path, 100000)
	require.NoError(t, m.Load())

	asset := domain.NewAssetPair("BTC", "USD")
	require.NoError(t, m.RecordFill(asset, 1, 100, domain.ActionBuy, time.Now()))
	require.NoError(t, m.RecordFill(asset, -1, 120, domain.ActionSell, time.Now()))

	stats := m.GetDailyStats()
	assert.Equal(t, 20.0, stats.PnLToday)

	pos, ok := m.GetPosition(asset)
	require.True(t, ok)
	assert.Equal(t, 0.0, pos.Size)
}

func TestManager_RecordFillPartialCloseKeepsRemainder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	m := NewManager(path, 100000)
	require.NoError(t, m.Load())

	asset := domain.NewAssetPair("ETH", "USD")
	require.NoError(t, m.RecordFill(asset, 2, 50, domain.ActionBuy, time.Now()))
	require.NoError(t, m.RecordFill(asset, -1, 60, domain.ActionSell, time.Now()))

	pos, ok := m.GetPosition(asset)
	require.True(t, ok)
	assert.Equal(t, 1.0, pos.Size)

	stats := m.GetDailyStats()
	assert.Equal(t, 10.0, stats.PnLToday)
}

func TestManager_MarkToMarketUpdatesUnrealized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	m := NewManager(path, 100000)
	require.NoError(t, m.Load())

	asset := domain.NewAssetPair("BTC", "USD")
	require.NoError(t, m.RecordFill(asset, 1, 100, domain.ActionBuy, time.Now()))
	require.NoError(t, m.MarkToMarket(asset, 110))

	pos, ok := m.GetPosition(asset)
	require.True(t, ok)
	assert.Equal(t, 10.0, pos.UnrealizedPnL)
	assert.Equal(t, 10.0, m.GetNAV()-100000)
}

func TestManager_PersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	m1 := NewManager(path, 100000)
	require.NoError(t, m1.Load())
	asset := domain.NewAssetPair("BTC", "USD")
	require.NoError(t, m1.RecordFill(asset, 1, 100, domain.ActionBuy, time.Now()))

	m2 := NewManager(path, 100000)
	require.NoError(t, m2.Load())
	pos, ok := m2.GetPosition(asset)
	require.True(t, ok)
	assert.Equal(t, 1.0, pos.Size)
}

func TestManager_ExposurePercentReflectsNotional(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	m := NewManager(path, 1000)
	require.NoError(t, m.Load())

	asset := domain.NewAssetPair("BTC", "USD")
	require.NoError(t, m.RecordFill(asset, 1, 500, domain.ActionBuy, time.Now()))
	assert.InDelta(t, 50.0, m.GetExposurePercent(), 0.001)
}
