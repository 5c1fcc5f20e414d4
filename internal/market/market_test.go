package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/domain"
)

func TestMock_ContextReturnsFixture(t *testing.T) {
	asset := domain.NewAssetPair("BTC", "USD")
	m := NewMock("mock", 0)
	m.SetContext(asset, domain.MarketContext{LastPrice: 42000, AssetClass: domain.AssetClassCrypto})

	mc, err := m.Context(context.Background(), asset)
	require.NoError(t, err)
	assert.Equal(t, 42000.0, mc.LastPrice)
	assert.Equal(t, asset, mc.Asset)
	assert.False(t, mc.FreshnessAt.IsZero(), "SetContext must stamp a freshness time when none is given")
}

func TestMock_ContextUnknownAssetErrors(t *testing.T) {
	m := NewMock("mock", 0)
	_, err := m.Context(context.Background(), domain.NewAssetPair("XRP", "USD"))
	assert.Error(t, err)
}

func TestMock_MarkStaleForcesOldFreshness(t *testing.T) {
	asset := domain.NewAssetPair("BTC", "USD")
	m := NewMock("mock", 0)
	m.SetContext(asset, domain.MarketContext{LastPrice: 100, AssetClass: domain.AssetClassCrypto, FreshnessAt: time.Now()})

	mc, err := m.Context(context.Background(), asset)
	require.NoError(t, err)
	assert.True(t, mc.IsFresh(time.Now(), 5*time.Minute))

	m.MarkStale(asset, true)
	mc, err = m.Context(context.Background(), asset)
	require.NoError(t, err)
	assert.False(t, mc.IsFresh(time.Now(), 5*time.Minute))
}

func TestMock_ContextRespectsContextCancellation(t *testing.T) {
	asset := domain.NewAssetPair("BTC", "USD")
	m := NewMock("mock", 1)
	m.SetContext(asset, domain.MarketContext{LastPrice: 100})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Context(ctx, asset)
	assert.Error(t, err)
}
