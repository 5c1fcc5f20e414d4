package regime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/domain"
)

func candlesFromCloses(closes []float64) []domain.Candle {
	out := make([]domain.Candle, len(closes))
	base := time.Now().Add(-time.Duration(len(closes)) * time.Hour)
	for i, c := range closes {
		out[i] = domain.Candle{OpenTime: base.Add(time.Duration(i) * time.Hour), Close: c}
	}
	return out
}

func TestClassifier_TooFewCandlesIsUnknown(t *testing.T) {
	c := NewClassifier()
	r := c.Classify(domain.NewAssetPair("BTC", "USD"), candlesFromCloses([]float64{100}))
	assert.Equal(t, domain.RegimeUnknown, r.Class)
}

func TestClassifier_SteadyUptrendIsTrending(t *testing.T) {
	c := NewClassifier()
	closes := []float64{100, 101, 102.2, 103.5, 105, 106.7, 108.5}
	r := c.Classify(domain.NewAssetPair("BTC", "USD"), candlesFromCloses(closes))
	assert.Equal(t, domain.RegimeTrending, r.Class)
}

func TestClassifier_FlatNoisyIsRangingOrLowVol(t *testing.T) {
	c := NewClassifier()
	closes := []float64{100, 100.1, 99.9, 100.05, 99.95, 100.1, 99.9}
	r := c.Classify(domain.NewAssetPair("BTC", "USD"), candlesFromCloses(closes))
	assert.Contains(t, []domain.RegimeClass{domain.RegimeRanging, domain.RegimeLowVol}, r.Class)
}

func TestClassifier_WildSwingsAreHighVol(t *testing.T) {
	c := NewClassifier()
	closes := []float64{100, 110, 95, 115, 90, 120, 85}
	r := c.Classify(domain.NewAssetPair("BTC", "USD"), candlesFromCloses(closes))
	assert.Equal(t, domain.RegimeHighVol, r.Class)
}
