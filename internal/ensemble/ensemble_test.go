package ensemble

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/domain"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/providers"
)

func mockContext(asset domain.AssetPair) (domain.MarketContext, domain.PortfolioSnapshot) {
	mc := domain.MarketContext{
		Asset:       asset,
		LastPrice:   100,
		FreshnessAt: time.Now(),
	}
	ps := domain.PortfolioSnapshot{BuiltAt: time.Now(), NAV: 10000}
	return mc, ps
}

func TestAggregator_Weighted_OneProviderErrored_RenormalizesAndQuorumHolds(t *testing.T) {
	asset := domain.NewAssetPair("BTC", "USD")

	alpha := providers.NewMock("alpha")
	alpha.SetDecision(asset, domain.ActionBuy, 90, "strong uptrend")
	beta := providers.NewMock("beta")
	beta.SetDecision(asset, domain.ActionBuy, 70, "momentum confirms")
	gamma := providers.NewMock("gamma")
	gamma.SetFailing(true, false)

	agg, err := New(Config{
		Strategy:           StrategyWeighted,
		PerProviderTimeout: time.Second,
		MinQuorum:          2,
	}, []providers.Provider{alpha, beta, gamma})
	require.NoError(t, err)

	mc, ps := mockContext(asset)
	weights := map[string]float64{"alpha": 0.5, "beta": 0.3, "gamma": 0.2}

	decision, err := agg.Decide(context.Background(), mc, ps, weights)
	require.NoError(t, err)

	assert.Equal(t, domain.ActionBuy, decision.Action)
	assert.False(t, decision.Ensemble.InsufficientQuorum)
	assert.Contains(t, decision.Ensemble.Errored, "gamma")

	sum := 0.0
	for name, w := range decision.Ensemble.ParticipantWeights {
		assert.NotEqual(t, "gamma", name)
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9, "renormalized weights must sum to 1")
}

func TestAggregator_Weighted_InsufficientQuorum_HoldsWithFlag(t *testing.T) {
	asset := domain.NewAssetPair("ETH", "USD")

	alpha := providers.NewMock("alpha")
	alpha.SetFailing(true, false)
	beta := providers.NewMock("beta")
	beta.SetFailing(true, true)

	agg, err := New(Config{
		Strategy:           StrategyWeighted,
		PerProviderTimeout: time.Second,
		MinQuorum:          2,
	}, []providers.Provider{alpha, beta})
	require.NoError(t, err)

	mc, ps := mockContext(asset)
	decision, err := agg.Decide(context.Background(), mc, ps, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.ActionHold, decision.Action)
	assert.True(t, decision.Ensemble.InsufficientQuorum)
}

func TestAggregator_Majority_TieBreaksToHold(t *testing.T) {
	asset := domain.NewAssetPair("BTC", "USD")

	alpha := providers.NewMock("alpha")
	alpha.SetDecision(asset, domain.ActionBuy, 50, "")
	beta := providers.NewMock("beta")
	beta.SetDecision(asset, domain.ActionSell, 50, "")

	agg, err := New(Config{
		Strategy:           StrategyMajority,
		PerProviderTimeout: time.Second,
		MinQuorum:          2,
	}, []providers.Provider{alpha, beta})
	require.NoError(t, err)

	mc, ps := mockContext(asset)
	decision, err := agg.Decide(context.Background(), mc, ps, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.ActionHold, decision.Action, "a tied vote must break toward HOLD")
}

func TestAggregator_Single_ProviderErrored_HoldsWithInsufficientQuorum(t *testing.T) {
	asset := domain.NewAssetPair("BTC", "USD")
	solo := providers.NewMock("solo")
	solo.SetFailing(true, false)

	agg, err := New(Config{
		Strategy:           StrategySingle,
		PerProviderTimeout: time.Second,
	}, []providers.Provider{solo})
	require.NoError(t, err)

	mc, ps := mockContext(asset)
	decision, err := agg.Decide(context.Background(), mc, ps, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.ActionHold, decision.Action)
	assert.True(t, decision.Ensemble.InsufficientQuorum)
}

func TestAggregator_ProviderTimeout_CountsAsErrored(t *testing.T) {
	asset := domain.NewAssetPair("BTC", "USD")

	slow := providers.NewMock("slow")
	slow.SetDecision(asset, domain.ActionBuy, 80, "")
	slow.SetLatency(50 * time.Millisecond)
	fast := providers.NewMock("fast")
	fast.SetDecision(asset, domain.ActionBuy, 80, "")

	agg, err := New(Config{
		Strategy:           StrategyWeighted,
		PerProviderTimeout: 5 * time.Millisecond,
		MinQuorum:          1,
	}, []providers.Provider{slow, fast})
	require.NoError(t, err)

	mc, ps := mockContext(asset)
	decision, err := agg.Decide(context.Background(), mc, ps, nil)
	require.NoError(t, err)

	assert.Contains(t, decision.Ensemble.Errored, "slow")
	assert.Equal(t, domain.ActionBuy, decision.Action)
}

func TestAggregator_Debate_JudgeSeesBothTranscripts(t *testing.T) {
	asset := domain.NewAssetPair("BTC", "USD")

	bull := providers.NewMock("bull")
	bull.SetDecision(asset, domain.ActionBuy, 85, "breakout above resistance")
	bear := providers.NewMock("bear")
	bear.SetDecision(asset, domain.ActionSell, 60, "volume divergence")
	judge := judgeProvider{name: "judge"}

	agg, err := New(Config{
		Strategy:           StrategyDebate,
		DebateRoles:        map[string]string{"bull": "bull", "bear": "bear", "judge": "judge"},
		PerProviderTimeout: time.Second,
	}, []providers.Provider{bull, bear, judge})
	require.NoError(t, err)

	mc, ps := mockContext(asset)
	decision, err := agg.Decide(context.Background(), mc, ps, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.ActionBuy, decision.Action)
	assert.Contains(t, decision.Reasoning, "breakout above resistance")
	assert.Contains(t, decision.Reasoning, "volume divergence")
}

// judgeProvider is a test-only Provider that echoes both debate transcripts into its
// reasoning so the test can assert the judge actually observed them.
type judgeProvider struct{ name string }

func (j judgeProvider) Name() string { return j.name }

func (j judgeProvider) Decide(ctx context.Context, mc domain.MarketContext, ps domain.PortfolioSnapshot) (domain.ProviderDecision, error) {
	if mc.Debate == nil {
		return domain.ProviderDecision{ProviderName: j.name, Action: domain.ActionHold, Confidence: 0, Reasoning: "no transcripts"}, nil
	}
	action := mc.Debate.BullAction
	if mc.Debate.BullAction == mc.Debate.BearAction {
		action = domain.ActionHold
	}
	return domain.ProviderDecision{
		ProviderName: j.name,
		Action:       action,
		Confidence:   75,
		Reasoning:    "bull said: " + mc.Debate.BullReasoning + "; bear said: " + mc.Debate.BearReasoning,
	}, nil
}

func TestAggregator_Stacking_HighAgreementProducesConfidentAction(t *testing.T) {
	asset := domain.NewAssetPair("BTC", "USD")

	alpha := providers.NewMock("alpha")
	alpha.SetDecision(asset, domain.ActionBuy, 90, "")
	beta := providers.NewMock("beta")
	beta.SetDecision(asset, domain.ActionBuy, 85, "")
	gamma := providers.NewMock("gamma")
	gamma.SetDecision(asset, domain.ActionBuy, 88, "")

	agg, err := New(Config{
		Strategy:           StrategyStacking,
		PerProviderTimeout: time.Second,
		MinQuorum:          2,
	}, []providers.Provider{alpha, beta, gamma})
	require.NoError(t, err)

	mc, ps := mockContext(asset)
	decision, err := agg.Decide(context.Background(), mc, ps, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.ActionBuy, decision.Action)
	assert.Greater(t, decision.Confidence, 50.0)
}

func TestNew_RejectsUnknownStrategy(t *testing.T) {
	p := providers.NewMock("solo")
	_, err := New(Config{Strategy: "bogus"}, []providers.Provider{p})
	assert.Error(t, err)
}

func TestNew_RejectsEmptyProviderList(t *testing.T) {
	_, err := New(Config{Strategy: StrategySingle}, nil)
	assert.Error(t, err)
}

func TestNew_DebateRequiresAllThreeRoles(t *testing.T) {
	p := providers.NewMock("solo")
	_, err := New(Config{Strategy: StrategyDebate, DebateRoles: map[string]string{"bull": "solo"}}, []providers.Provider{p})
	assert.Error(t, err)
}
