package outbox

import (
	"math/rand"
	"time"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/domain"
)

// FillSimulator applies randomized latency and slippage to an order's market price,
// the same mechanism the teacher's FillSimulator used (internal/outbox/fills.go),
// generalized from its hardcoded BUY_1X/BUY_5X/REDUCE intent strings to an arbitrary
// domain.Action.
type FillSimulator struct {
	latencyMsMin, latencyMsMax     int
	slippageBpsMin, slippageBpsMax int
}

func NewFillSimulator(latencyMsMin, latencyMsMax, slippageBpsMin, slippageBpsMax int) *FillSimulator {
	return &FillSimulator{
		latencyMsMin:   latencyMsMin,
		latencyMsMax:   latencyMsMax,
		slippageBpsMin: slippageBpsMin,
		slippageBpsMax: slippageBpsMax,
	}
}

// Simulate returns a slippage-adjusted fill price and the simulated latency for an
// order on the action side against marketPrice; HOLD gets latency but no slippage.
func (fs *FillSimulator) Simulate(action domain.Action, marketPrice float64) (price float64, latency time.Duration) {
	latencyMs := fs.latencyMsMin
	if fs.latencyMsMax > fs.latencyMsMin {
		latencyMs += rand.Intn(fs.latencyMsMax - fs.latencyMsMin + 1)
	}
	slippageBps := fs.slippageBpsMin
	if fs.slippageBpsMax > fs.slippageBpsMin {
		slippageBps += rand.Intn(fs.slippageBpsMax - fs.slippageBpsMin + 1)
	}

	slippageMultiplier := 1.0 + float64(slippageBps)/10000.0
	switch action {
	case domain.ActionBuy:
		marketPrice *= slippageMultiplier
	case domain.ActionSell:
		marketPrice /= slippageMultiplier
	}

	return marketPrice, time.Duration(latencyMs) * time.Millisecond
}
