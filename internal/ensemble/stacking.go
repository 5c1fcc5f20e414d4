package ensemble

import (
	"context"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/domain"
)

// MetaFeatures summarizes one decision cycle's provider opinions into the fixed-size
// feature vector a meta-learner scores. Grounded on the teacher's internal/decision/
// engine.go Features struct, generalized from a two-signal PR/news fusion into an
// arbitrary-size provider ensemble.
type MetaFeatures struct {
	AgreementRatio      float64 // fraction of non-errored providers agreeing with the plurality action
	ConfidenceMean       float64
	ConfidenceStdDev     float64
	ConfidenceMin        float64
	ConfidenceMax        float64
	ActionDiversity      float64 // distinct actions proposed / non-errored provider count
	DominantActionStrength float64 // plurality action's share of total confidence-weighted votes
}

// MetaLearner scores a candidate action given the cycle's meta-features. Implementations
// must be deterministic and side-effect-free.
type MetaLearner interface {
	// Score returns a confidence in [0,100] for taking action given features.
	Score(action domain.Action, features MetaFeatures) float64
}

// LinearMetaLearner is a fixed-weight linear combination of meta-features, in the spirit
// of the teacher's fuse() weighted-sum-then-squash formula in internal/decision/engine.go,
// generalized to the ensemble's meta-feature vector. It favors high agreement, high mean
// confidence, low dispersion, and a strong dominant action.
type LinearMetaLearner struct{}

func (LinearMetaLearner) Score(action domain.Action, f MetaFeatures) float64 {
	base := 0.45*f.AgreementRatio*100 +
		0.30*f.ConfidenceMean +
		0.15*f.DominantActionStrength*100 -
		0.10*f.ConfidenceStdDev

	if action == domain.ActionHold {
		// HOLD is the safe default; it doesn't need agreement to be "confident" — low
		// agreement or high dispersion actively raises the case for holding.
		base = 100 - (0.5*f.AgreementRatio*100 + 0.5*f.DominantActionStrength*100) + f.ConfidenceStdDev
	}

	if base < 0 {
		base = 0
	}
	if base > 100 {
		base = 100
	}
	return base
}

func computeMetaFeatures(nonErrored []domain.ProviderDecision, plurality domain.Action) MetaFeatures {
	if len(nonErrored) == 0 {
		return MetaFeatures{}
	}

	confidences := make([]float64, len(nonErrored))
	agreeing := 0
	actionsSeen := map[domain.Action]bool{}
	weightedTotals := map[domain.Action]float64{}
	sumWeighted := 0.0
	for i, pd := range nonErrored {
		confidences[i] = pd.Confidence
		actionsSeen[pd.Action] = true
		w := pd.Confidence / 100.0
		weightedTotals[pd.Action] += w
		sumWeighted += w
		if pd.Action == plurality {
			agreeing++
		}
	}

	mean := stat.Mean(confidences, nil)
	var stddev float64
	if len(confidences) > 1 {
		stddev = stat.StdDev(confidences, nil)
	}
	sorted := append([]float64(nil), confidences...)
	sort.Float64s(sorted)

	dominantStrength := 0.0
	if sumWeighted > 0 {
		dominantStrength = weightedTotals[plurality] / sumWeighted
	}

	return MetaFeatures{
		AgreementRatio:         float64(agreeing) / float64(len(nonErrored)),
		ConfidenceMean:         mean,
		ConfidenceStdDev:       stddev,
		ConfidenceMin:          sorted[0],
		ConfidenceMax:          sorted[len(sorted)-1],
		ActionDiversity:        float64(len(actionsSeen)) / float64(len(nonErrored)),
		DominantActionStrength: dominantStrength,
	}
}

func (a *Aggregator) decideStacking(ctx context.Context, mc domain.MarketContext, ps domain.PortfolioSnapshot) domain.Decision {
	decisions := a.queryAll(ctx, a.names, mc, ps)

	var errored []string
	nonErrored := make([]domain.ProviderDecision, 0, len(decisions))
	voteTotals := map[domain.Action]float64{domain.ActionBuy: 0, domain.ActionSell: 0, domain.ActionHold: 0}
	for _, pd := range decisions {
		if pd.Errored() {
			errored = append(errored, pd.ProviderName)
			continue
		}
		nonErrored = append(nonErrored, pd)
		voteTotals[pd.Action] += pd.Confidence / 100.0
	}

	if len(nonErrored) < a.cfg.MinQuorum {
		return domain.Decision{
			Action:              domain.ActionHold,
			Confidence:          0,
			Reasoning:           "insufficient quorum: fewer than the minimum number of providers responded",
			ProviderAttribution: decisions,
			Ensemble: domain.EnsembleMetadata{
				Strategy:           string(StrategyStacking),
				Errored:            errored,
				InsufficientQuorum: true,
			},
		}
	}

	plurality, pluralityTied := argmaxAction(voteTotals)
	if pluralityTied {
		plurality = domain.ActionHold
	}
	features := computeMetaFeatures(nonErrored, plurality)

	// The meta-features describe the plurality action, so only the plurality and HOLD are
	// scored; any other action scores zero.
	scores := make(map[domain.Action]float64, len(actionOrder))
	for _, act := range actionOrder {
		if act != plurality && act != domain.ActionHold {
			scores[act] = 0
			continue
		}
		scores[act] = a.cfg.MetaLearner.Score(act, features)
	}
	finalAction, tied := argmaxAction(scores)
	if tied {
		finalAction = domain.ActionHold
	}

	return domain.Decision{
		Action:              finalAction,
		Confidence:          scores[finalAction],
		Reasoning:           "stacking meta-learner selected " + string(finalAction) + " from provider meta-features",
		ProviderAttribution: decisions,
		Ensemble: domain.EnsembleMetadata{
			Strategy:   string(StrategyStacking),
			Errored:    errored,
			VoteTotals: scores,
		},
	}
}
