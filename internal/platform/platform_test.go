package platform

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/domain"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/portfolio"
)

func TestMock_ExecuteIsIdempotentPerClientOrderID(t *testing.T) {
	asset := domain.NewAssetPair("BTC", "USD")
	m := NewMock("mock", 10000)
	m.SetPrice(asset, 100)

	d := domain.Decision{Asset: asset, Action: domain.ActionBuy, SuggestedSize: 1}

	first, err := m.Execute(context.Background(), "order-1", d)
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	second, err := m.Execute(context.Background(), "order-1", d)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "replaying the same client order id must return the original fill, not a new position")

	positions, err := m.OpenPositions(context.Background())
	require.NoError(t, err)
	assert.Len(t, positions, 1, "a replayed order must not open a second position")
}

func TestMock_ClosePositionByAssignedID(t *testing.T) {
	asset := domain.NewAssetPair("ETH", "USD")
	m := NewMock("mock", 10000)
	m.SetPrice(asset, 2000)

	pos, err := m.Execute(context.Background(), "order-2", domain.Decision{Asset: asset, Action: domain.ActionBuy, SuggestedSize: 1})
	require.NoError(t, err)
	require.NotEmpty(t, pos.ID, "Execute must assign an ID the caller can later Close with")

	outcome, err := m.Close(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, pos.ID, outcome.PositionID)

	positions, err := m.OpenPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestMock_CloseUnknownPositionErrors(t *testing.T) {
	m := NewMock("mock", 10000)
	_, err := m.Close(context.Background(), "does-not-exist")
	assert.Error(t, err)
}

func TestMock_ExecuteErrorIsReturned(t *testing.T) {
	asset := domain.NewAssetPair("BTC", "USD")
	m := NewMock("mock", 10000)
	m.SetExecuteError(assert.AnError)

	_, err := m.Execute(context.Background(), "order-3", domain.Decision{Asset: asset, Action: domain.ActionBuy})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestMock_PriceUnsetAssetErrors(t *testing.T) {
	m := NewMock("mock", 10000)
	_, err := m.Price(context.Background(), domain.NewAssetPair("SOL", "USD"))
	assert.Error(t, err)
}

func TestMock_BalanceReflectsOpenPositions(t *testing.T) {
	asset := domain.NewAssetPair("BTC", "USD")
	m := NewMock("mock", 5000)
	m.SetPrice(asset, 100)
	_, err := m.Execute(context.Background(), "order-4", domain.Decision{Asset: asset, Action: domain.ActionBuy, SuggestedSize: 2})
	require.NoError(t, err)

	snap, err := m.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5000.0, snap.NAV)
	assert.Len(t, snap.Positions, 1)
}

func TestMock_WithLedgerRecordsExecuteAndClose(t *testing.T) {
	asset := domain.NewAssetPair("BTC", "USD")
	ledger := portfolio.NewManager(filepath.Join(t.TempDir(), "ledger.json"), 100000)
	require.NoError(t, ledger.Load())

	m := NewMock("mock", 10000).WithLedger(ledger)
	m.SetPrice(asset, 100)

	pos, err := m.Execute(context.Background(), "order-5", domain.Decision{Asset: asset, Action: domain.ActionBuy, SuggestedSize: 1})
	require.NoError(t, err)

	ledgerPos, ok := ledger.GetPosition(asset)
	require.True(t, ok)
	assert.Equal(t, 1.0, ledgerPos.Size)

	m.SetPrice(asset, 120)
	_, err = m.Close(context.Background(), pos.ID)
	require.NoError(t, err)

	ledgerPos, ok = ledger.GetPosition(asset)
	require.True(t, ok)
	assert.Equal(t, 0.0, ledgerPos.Size)
	assert.Equal(t, 20.0, ledger.GetDailyStats().PnLToday)
}

func TestMock_WithOutboxRejectsDuplicateAfterRestart(t *testing.T) {
	asset := domain.NewAssetPair("BTC", "USD")
	outboxPath := filepath.Join(t.TempDir(), "outbox.jsonl")

	m1, err := NewMock("mock", 10000).WithOutbox(outboxPath, 300)
	require.NoError(t, err)
	m1.SetPrice(asset, 100)
	_, err = m1.Execute(context.Background(), "order-6", domain.Decision{Asset: asset, Action: domain.ActionBuy, SuggestedSize: 1})
	require.NoError(t, err)

	// A fresh Mock simulates a process restart: its in-memory seenOrders map is empty,
	// but the outbox on disk still remembers the order.
	m2, err := NewMock("mock", 10000).WithOutbox(outboxPath, 300)
	require.NoError(t, err)
	m2.SetPrice(asset, 100)
	_, err = m2.Execute(context.Background(), "order-6", domain.Decision{Asset: asset, Action: domain.ActionBuy, SuggestedSize: 1})
	assert.Error(t, err)
}

func TestMock_WithFillSimulatorAppliesSlippage(t *testing.T) {
	asset := domain.NewAssetPair("BTC", "USD")
	m := NewMock("mock", 10000).WithFillSimulator(0, 0, 50, 50) // fixed 50bps slippage, no latency
	m.SetPrice(asset, 100)

	pos, err := m.Execute(context.Background(), "order-7", domain.Decision{Asset: asset, Action: domain.ActionBuy, SuggestedSize: 1})
	require.NoError(t, err)
	assert.InDelta(t, 100.5, pos.EntryPrice, 0.01, "a buy fill should slip the price up by the configured bps")
}
