// Package risk implements the layered risk gatekeeper (spec §4.3): an ordered chain of
// validation layers, each able to reject a decision outright. The first layer to reject
// wins; no later layer runs once one has rejected. Grounded on the teacher's RiskGate
// interface in internal/risk/manager.go (Name/Evaluate/Priority), narrowed here to a
// fixed, spec-ordered sequence rather than a priority-sorted registry, since the spec
// names an exact evaluation order.
package risk

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/config"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/domain"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/observ"
)

// Layer is one risk validation step. Evaluate returns (true, "") to approve or
// (false, reason) to reject; it must never mutate d or ctx.
type Layer interface {
	Name() string
	Evaluate(d domain.Decision, ctx domain.RiskContext) (bool, string)
}

// Gatekeeper runs an ordered chain of layers and stops at the first rejection, per
// spec §4.3's "first layer to reject wins" rule.
type Gatekeeper struct {
	layers []Layer
}

// NewGatekeeper builds the fixed 8-layer chain from spec §4.3, in order: market hours,
// data freshness, max drawdown, intra-platform correlation, portfolio VaR, cross-platform
// correlation, leverage/concentration, and volatility-vs-confidence.
func NewGatekeeper(cfg config.Risk, staleness config.Staleness, breaker *DrawdownBreaker) *Gatekeeper {
	return &Gatekeeper{layers: []Layer{
		MarketHoursLayer{},
		DataFreshnessLayer{staleness: staleness},
		MaxDrawdownLayer{maxDrawdownPct: cfg.MaxDrawdownPct, breaker: breaker},
		IntraPlatformCorrelationLayer{threshold: cfg.IntraPlatformCorrThreshold, maxCorrelatedCount: cfg.MaxCorrelatedCount},
		PortfolioVaRLayer{maxVarPct: cfg.MaxVarPct},
		CrossPlatformCorrelationLayer{threshold: cfg.CrossPlatformCorrThreshold, mode: cfg.CrossPlatformCorrMode},
		LeverageConcentrationLayer{maxPositionFraction: cfg.MaxPositionFraction, maxLeverage: cfg.MaxLeverage},
		VolatilityConfidenceLayer{highVolThreshold: cfg.HighVolThreshold, highVolMinConfidence: cfg.HighVolMinConfidence},
	}}
}

// Evaluate runs every layer in order against d, returning the first rejection found, or
// approval if every layer passes.
func (g *Gatekeeper) Evaluate(d domain.Decision, ctx domain.RiskContext) (approved bool, reason string) {
	for _, layer := range g.layers {
		ok, rejectReason := layer.Evaluate(d, ctx)
		if !ok {
			observ.IncCounter("risk_layer_rejections_total", map[string]string{"layer": layer.Name()})
			observ.Log("risk_rejected", map[string]any{"layer": layer.Name(), "reason": rejectReason, "asset": d.Asset.String()})
			return false, fmt.Sprintf("%s: %s", layer.Name(), rejectReason)
		}
	}
	observ.IncCounter("risk_layer_approvals_total", nil)
	return true, ""
}

// MarketHoursLayer rejects trades proposed while the relevant market is closed.
type MarketHoursLayer struct{}

func (MarketHoursLayer) Name() string { return "market_hours" }

func (MarketHoursLayer) Evaluate(d domain.Decision, ctx domain.RiskContext) (bool, string) {
	if d.Action == domain.ActionHold {
		return true, ""
	}
	if !ctx.MarketOpen {
		return false, "market is closed for this asset"
	}
	return true, ""
}

// DataFreshnessLayer rejects trades built on market data older than the asset class's
// staleness budget.
type DataFreshnessLayer struct {
	staleness config.Staleness
}

func (DataFreshnessLayer) Name() string { return "data_freshness" }

func (l DataFreshnessLayer) Evaluate(d domain.Decision, ctx domain.RiskContext) (bool, string) {
	if d.Action == domain.ActionHold {
		return true, ""
	}
	budget := l.staleness.MaxStaleness(string(ctx.AssetClass))
	age := timeSince(ctx.MarketDataAt)
	if age > budget {
		return false, fmt.Sprintf("market data age %s exceeds budget %s", age, budget)
	}
	return true, ""
}

// MaxDrawdownLayer rejects new risk-increasing trades once the portfolio's current
// drawdown has tripped either the configured hard cap or the DrawdownBreaker's posture.
type MaxDrawdownLayer struct {
	maxDrawdownPct float64
	breaker        *DrawdownBreaker
}

func (MaxDrawdownLayer) Name() string { return "max_drawdown" }

func (l MaxDrawdownLayer) Evaluate(d domain.Decision, ctx domain.RiskContext) (bool, string) {
	if d.Action == domain.ActionHold {
		return true, ""
	}
	drawdownPct := -ctx.Portfolio.PnLFraction() * 100
	if drawdownPct >= l.maxDrawdownPct {
		return false, fmt.Sprintf("portfolio drawdown %.2f%% exceeds max %.2f%%", drawdownPct, l.maxDrawdownPct)
	}
	if l.breaker != nil {
		l.breaker.UpdateDrawdown(drawdownPct)
		if !l.breaker.CanTrade() {
			return false, fmt.Sprintf("drawdown breaker in %s state", l.breaker.State())
		}
	}
	return true, ""
}

// IntraPlatformCorrelationLayer rejects a new position when it would push the count of
// highly-correlated open positions (on the same platform) over the configured limit.
type IntraPlatformCorrelationLayer struct {
	threshold          float64
	maxCorrelatedCount int
}

func (IntraPlatformCorrelationLayer) Name() string { return "intra_platform_correlation" }

func (l IntraPlatformCorrelationLayer) Evaluate(d domain.Decision, ctx domain.RiskContext) (bool, string) {
	if d.Action == domain.ActionHold || l.maxCorrelatedCount <= 0 {
		return true, ""
	}
	correlated := 0
	row := ctx.CorrelationMatrix[d.Asset]
	for asset := range ctx.Holdings {
		if asset.Equal(d.Asset) {
			continue
		}
		if corr, ok := row[asset]; ok && abs(corr) >= l.threshold {
			correlated++
		}
	}
	if correlated >= l.maxCorrelatedCount {
		return false, fmt.Sprintf("%d existing positions already correlated >= %.2f", correlated, l.threshold)
	}
	return true, ""
}

// PortfolioVaRLayer rejects a trade when the 95% value-at-risk figure carried on the
// RiskContext (ctx.VaR95) is at or above the configured ceiling. The layer does not
// compute VaR or add the proposed trade to it; VaR95 below computes a historical
// estimate from a return series, and the agent's RiskContext builder leaves the field
// at zero.
type PortfolioVaRLayer struct {
	maxVarPct float64
}

func (PortfolioVaRLayer) Name() string { return "portfolio_var" }

func (l PortfolioVaRLayer) Evaluate(d domain.Decision, ctx domain.RiskContext) (bool, string) {
	if d.Action == domain.ActionHold {
		return true, ""
	}
	if ctx.VaR95 >= l.maxVarPct {
		return false, fmt.Sprintf("portfolio VaR95 %.2f%% exceeds max %.2f%%", ctx.VaR95, l.maxVarPct)
	}
	return true, ""
}

// VaR95 estimates 95% historical value-at-risk (as a positive percentage of NAV) from a
// series of periodic portfolio returns, via gonum/stat's quantile function.
func VaR95(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	sorted := append([]float64(nil), returns...)
	sortFloats(sorted)
	q := stat.Quantile(0.05, stat.Empirical, sorted, nil)
	if q > 0 {
		return 0
	}
	return -q * 100
}

// CrossPlatformCorrelationLayer takes the largest absolute correlation in the decision
// asset's row of the correlation matrix (every other asset in the row, held or not; the
// matrix carries no platform information). Depending on configuration it either rejects (mode=="block") or only
// logs a warning and approves (mode=="warn", the default) — resolving spec §9's open
// question on cross-platform correlation handling.
type CrossPlatformCorrelationLayer struct {
	threshold float64
	mode      string
}

func (CrossPlatformCorrelationLayer) Name() string { return "cross_platform_correlation" }

func (l CrossPlatformCorrelationLayer) Evaluate(d domain.Decision, ctx domain.RiskContext) (bool, string) {
	if d.Action == domain.ActionHold {
		return true, ""
	}
	row := ctx.CorrelationMatrix[d.Asset]
	maxCorr := 0.0
	for asset, corr := range row {
		if asset.Equal(d.Asset) {
			continue
		}
		if abs(corr) > maxCorr {
			maxCorr = abs(corr)
		}
	}
	if maxCorr < l.threshold {
		return true, ""
	}
	if l.mode == "block" {
		return false, fmt.Sprintf("cross-platform correlation %.2f exceeds threshold %.2f", maxCorr, l.threshold)
	}
	observ.Log("cross_platform_correlation_warning", map[string]any{"asset": d.Asset.String(), "correlation": maxCorr, "threshold": l.threshold})
	observ.IncCounter("risk_cross_platform_correlation_warnings_total", nil)
	return true, ""
}

// LeverageConcentrationLayer rejects a trade when the asset's existing holding already
// exceeds the configured concentration fraction of NAV, or when current leverage (margin
// used / NAV) exceeds max leverage. The proposed trade's own size is not added to either.
type LeverageConcentrationLayer struct {
	maxPositionFraction float64
	maxLeverage         float64
}

func (LeverageConcentrationLayer) Name() string { return "leverage_concentration" }

func (l LeverageConcentrationLayer) Evaluate(d domain.Decision, ctx domain.RiskContext) (bool, string) {
	if d.Action == domain.ActionHold {
		return true, ""
	}
	if ctx.Portfolio.NAV <= 0 {
		return true, ""
	}
	if frac, ok := ctx.Holdings[d.Asset]; ok && frac > l.maxPositionFraction {
		return false, fmt.Sprintf("position fraction %.2f exceeds max %.2f", frac, l.maxPositionFraction)
	}
	leverage := ctx.Portfolio.MarginUsed / ctx.Portfolio.NAV
	if leverage > l.maxLeverage {
		return false, fmt.Sprintf("leverage %.2fx exceeds max %.2fx", leverage, l.maxLeverage)
	}
	return true, ""
}

// VolatilityConfidenceLayer rejects trades in high-volatility regimes unless the
// ensemble's confidence clears a higher bar than usual.
type VolatilityConfidenceLayer struct {
	highVolThreshold     float64
	highVolMinConfidence float64
}

func (VolatilityConfidenceLayer) Name() string { return "volatility_confidence" }

func (l VolatilityConfidenceLayer) Evaluate(d domain.Decision, ctx domain.RiskContext) (bool, string) {
	if d.Action == domain.ActionHold {
		return true, ""
	}
	if ctx.RealizedVolPct < l.highVolThreshold {
		return true, ""
	}
	if d.Confidence < l.highVolMinConfidence {
		return false, fmt.Sprintf("confidence %.1f below high-volatility bar %.1f (realized vol %.2f%%)", d.Confidence, l.highVolMinConfidence, ctx.RealizedVolPct)
	}
	return true, ""
}
