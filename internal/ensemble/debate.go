package ensemble

import (
	"context"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/domain"
)

// decideDebate runs the bull/bear/judge protocol (spec §4.2 "debate"): the bull and bear
// providers argue their case independently and concurrently, then the judge provider
// decides having seen both transcripts plus the base market context. Grounded on the
// teacher's multi-role analysis pattern in internal/decision/engine.go (gate-then-decide),
// generalized to three distinct provider roles instead of one fused signal.
func (a *Aggregator) decideDebate(ctx context.Context, mc domain.MarketContext, ps domain.PortfolioSnapshot) domain.Decision {
	bullName := a.cfg.DebateRoles["bull"]
	bearName := a.cfg.DebateRoles["bear"]
	judgeName := a.cfg.DebateRoles["judge"]

	argued := a.queryAll(ctx, []string{bullName, bearName}, mc, ps)
	var bull, bear domain.ProviderDecision
	for _, pd := range argued {
		switch pd.ProviderName {
		case bullName:
			bull = pd
		case bearName:
			bear = pd
		}
	}

	if bull.Errored() && bear.Errored() {
		return domain.Decision{
			Action:              domain.ActionHold,
			Confidence:          0,
			Reasoning:           "insufficient quorum: both bull and bear debaters errored",
			ProviderAttribution: argued,
			Ensemble: domain.EnsembleMetadata{
				Strategy:           string(StrategyDebate),
				Errored:            []string{bullName, bearName},
				InsufficientQuorum: true,
			},
		}
	}

	judgeContext := mc
	judgeContext.Debate = &domain.DebateTranscripts{
		BullAction:    bull.Action,
		BullReasoning: bull.Reasoning,
		BearAction:    bear.Action,
		BearReasoning: bear.Reasoning,
	}

	judgePD := a.queryOne(ctx, judgeName, judgeContext, ps)
	attribution := append(argued, judgePD)

	if judgePD.Errored() {
		return domain.Decision{
			Action:              domain.ActionHold,
			Confidence:          0,
			Reasoning:           "judge provider errored: " + judgePD.Err.Error(),
			ProviderAttribution: attribution,
			Ensemble: domain.EnsembleMetadata{
				Strategy:           string(StrategyDebate),
				Errored:            []string{judgeName},
				InsufficientQuorum: true,
			},
		}
	}

	var errored []string
	if bull.Errored() {
		errored = append(errored, bullName)
	}
	if bear.Errored() {
		errored = append(errored, bearName)
	}

	return domain.Decision{
		Action:              judgePD.Action,
		Confidence:          judgePD.Confidence,
		Reasoning:           judgePD.Reasoning,
		ProviderAttribution: attribution,
		Ensemble: domain.EnsembleMetadata{
			Strategy: string(StrategyDebate),
			Errored:  errored,
		},
	}
}
