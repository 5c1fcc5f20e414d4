// Package regime classifies current market conditions from recent candles into the
// broad RegimeClass buckets portfolio memory uses to select regime-specific parameters
// (spec §4.7). Grounded on benedict-anokye-davies-atlas-ai's internal/regime/detector.go
// trend-strength-plus-volatility classification approach, reimplemented against this
// repository's domain.Candle/domain.Regime types using gonum/stat for the underlying
// statistics instead of hand-rolled variance accumulation.
package regime

import (
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/domain"
)

// Classifier derives a domain.Regime from a series of recent candles for one timeframe.
type Classifier struct {
	// TrendThreshold is the minimum absolute normalized slope to call a market trending.
	TrendThreshold float64
	// HighVolThreshold is the minimum standard deviation of per-candle returns to call a
	// market high-volatility.
	HighVolThreshold float64
}

// NewClassifier builds a Classifier with spec-reasonable defaults.
func NewClassifier() *Classifier {
	return &Classifier{TrendThreshold: 0.0015, HighVolThreshold: 0.02}
}

// Classify inspects candles (oldest first) and returns a dated Regime for asset. Fewer
// than 2 candles yields RegimeUnknown with zero confidence rather than guessing.
func (c *Classifier) Classify(asset domain.AssetPair, candles []domain.Candle) domain.Regime {
	now := time.Now().UTC()
	if len(candles) < 2 {
		return domain.Regime{Asset: asset, Class: domain.RegimeUnknown, ComputedAt: now}
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
	}
	if len(returns) == 0 {
		return domain.Regime{Asset: asset, Class: domain.RegimeUnknown, ComputedAt: now}
	}

	mean := stat.Mean(returns, nil)
	var stddev float64
	if len(returns) > 1 {
		stddev = stat.StdDev(returns, nil)
	}

	normalizedSlope := mean
	coefVar := 0.0
	if mean != 0 {
		coefVar = stddev / abs(mean)
	} else if stddev > 0 {
		coefVar = stddev / c.HighVolThreshold // large deviation with no drift still reads as volatile
	}

	class := domain.RegimeUnknown
	confidence := 0.5
	switch {
	case stddev >= c.HighVolThreshold:
		class = domain.RegimeHighVol
		confidence = clamp(stddev/c.HighVolThreshold/2, 0.5, 0.95)
	case abs(normalizedSlope) >= c.TrendThreshold:
		class = domain.RegimeTrending
		confidence = clamp(abs(normalizedSlope)/c.TrendThreshold/2, 0.5, 0.95)
	case stddev < c.HighVolThreshold/4:
		class = domain.RegimeLowVol
		confidence = clamp(1-coefVar, 0.5, 0.9)
	default:
		class = domain.RegimeRanging
		confidence = 0.6
	}

	return domain.Regime{Asset: asset, Class: class, Confidence: confidence, ComputedAt: now}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
