package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/breaker"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/config"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/domain"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/ensemble"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/market"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/memory"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/monitor"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/platform"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/providers"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/risk"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/store"
)

func buildTestAgent(t *testing.T, asset domain.AssetPair, confidence float64, action domain.Action) (*Agent, *platform.Mock) {
	t.Helper()

	cfg := config.NewStore(config.Root{
		Agent: config.Agent{
			AnalysisFrequencySeconds: 0,
			AssetPairs:               []string{asset.String()},
			MinConfidenceThreshold:   50,
			MaxDailyTrades:           10,
			KillSwitchLossPct:        50,
			ApprovalPolicy:           "never",
			MaxRetries:               1,
		},
		Staleness: config.Staleness{DefaultSeconds: 3600},
		Risk: config.Risk{
			MaxDrawdownPct:      50,
			MaxVarPct:           50,
			MaxPositionFraction: 1,
			MaxLeverage:         10,
			HighVolThreshold:    1000,
		},
	})

	prov := providers.NewMock("solo")
	prov.SetDecision(asset, action, confidence, "test fixture")
	agg, err := ensemble.New(ensemble.Config{Strategy: ensemble.StrategySingle, PerProviderTimeout: time.Second}, []providers.Provider{prov})
	require.NoError(t, err)

	gk := risk.NewGatekeeper(cfg.Get().Risk, cfg.Get().Staleness, nil)

	mkt := market.NewMock("mock", 0)
	mkt.SetContext(asset, domain.MarketContext{LastPrice: 100, AssetClass: domain.AssetClassCrypto})

	plat := platform.NewMock("mock", 10000)
	plat.SetPrice(asset, 100)

	br := breaker.New(breaker.Config{})
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	mem := memory.New(memory.Config{}, []string{"solo"})

	a := New(Deps{
		Config:     cfg,
		Aggregator: agg,
		Gatekeeper: gk,
		Store:      st,
		Memory:     mem,
		Market:     mkt,
		Platform:   plat,
		Breaker:    br,
	})
	mon := monitor.New(monitor.Config{MaxConcurrentTrackers: 5, PnLCheckInterval: time.Hour}, plat, br, a)
	a.deps.Monitor = mon
	return a, plat
}

func TestAgent_FullCycle_ExecutesOnStrongSignal(t *testing.T) {
	asset := domain.NewAssetPair("BTC", "USD")
	a, plat := buildTestAgent(t, asset, 90, domain.ActionBuy)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(300 * time.Millisecond)
		a.Stop()
	}()

	err := a.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, a.CurrentState())

	snap := a.deps.Monitor.Snapshot()
	assert.Len(t, snap, 1, "a strong BUY signal should result in one open, tracked position")
	_ = plat
}

func TestAgent_NoActionableSignal_StaysIdle(t *testing.T) {
	asset := domain.NewAssetPair("BTC", "USD")
	a, _ := buildTestAgent(t, asset, 90, domain.ActionHold)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() {
		time.Sleep(300 * time.Millisecond)
		a.Stop()
	}()

	err := a.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, a.deps.Monitor.Snapshot())
}

func TestAgent_LowConfidence_NoTrade(t *testing.T) {
	asset := domain.NewAssetPair("BTC", "USD")
	a, _ := buildTestAgent(t, asset, 10, domain.ActionBuy)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() {
		time.Sleep(300 * time.Millisecond)
		a.Stop()
	}()

	err := a.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, a.deps.Monitor.Snapshot())
}

func TestAgent_EmergencyStopClosesPositions(t *testing.T) {
	asset := domain.NewAssetPair("BTC", "USD")
	a, _ := buildTestAgent(t, asset, 90, domain.ActionBuy)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(300 * time.Millisecond)
		a.EmergencyStop(true)
	}()

	err := a.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, a.deps.Monitor.Snapshot(), "emergency stop must close every tracked position")
}

func TestAgent_UpdateConfigTakesEffect(t *testing.T) {
	asset := domain.NewAssetPair("BTC", "USD")
	a, _ := buildTestAgent(t, asset, 90, domain.ActionBuy)

	a.UpdateConfig(func(r *config.Root) { r.Agent.MinConfidenceThreshold = 99 })
	assert.Equal(t, 99.0, a.deps.Config.Get().Agent.MinConfidenceThreshold)
}
