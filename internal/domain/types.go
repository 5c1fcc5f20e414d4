// Package domain holds the shared entities that flow between the orchestrator's
// components: asset identifiers, market and portfolio snapshots, decisions and their
// provider-level contributions, position trackers, trade outcomes, and the risk context
// the gatekeeper validates against. Nothing in this package performs I/O.
package domain

import (
	"strings"
	"time"
)

// Action is a proposed trade direction.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// AssetClass groups assets that share staleness and market-hours rules.
type AssetClass string

const (
	AssetClassCrypto  AssetClass = "crypto"
	AssetClassForex   AssetClass = "forex"
	AssetClassEquity  AssetClass = "equity"
	AssetClassDefault AssetClass = "default"
)

// AssetPair is a normalized asset identifier: uppercase, separators stripped. Two pairs
// built from differently-cased or differently-separated input normalize to the same
// value and compare equal.
type AssetPair struct {
	Base  string
	Quote string
}

// NewAssetPair normalizes base/quote into an AssetPair. Equality is case and
// separator insensitive because normalization happens once, here, at construction.
func NewAssetPair(base, quote string) AssetPair {
	return AssetPair{
		Base:  normalizeSymbol(base),
		Quote: normalizeSymbol(quote),
	}
}

// ParseAssetPair splits a combined identifier like "btc-usd", "BTC/USD", or "btcusdt"
// given a known quote suffix list, falling back to treating the whole string as the base
// with an empty quote when no separator or known suffix is found.
func ParseAssetPair(raw string, knownQuotes []string) AssetPair {
	s := normalizeSymbol(raw)
	for _, sep := range []string{"-", "/", "_", " "} {
		if idx := strings.IndexByte(raw, sep[0]); idx > 0 {
			return NewAssetPair(raw[:idx], raw[idx+1:])
		}
	}
	for _, q := range knownQuotes {
		q = normalizeSymbol(q)
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return AssetPair{Base: s[:len(s)-len(q)], Quote: q}
		}
	}
	return AssetPair{Base: s}
}

func normalizeSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	replacer := strings.NewReplacer("-", "", "/", "", "_", "", " ", "")
	return replacer.Replace(s)
}

// String renders the pair back to its canonical BASEQUOTE form.
func (p AssetPair) String() string {
	return p.Base + p.Quote
}

// Equal reports whether two pairs normalize to the same asset.
func (p AssetPair) Equal(other AssetPair) bool {
	return p.Base == other.Base && p.Quote == other.Quote
}

// Candle is a single OHLCV bar for one timeframe.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// IndicatorBundle holds computed technical indicators for one timeframe.
type IndicatorBundle struct {
	Timeframe string
	Values    map[string]float64
}

// VolatilityRegime classifies how volatile the current market is.
type VolatilityRegime string

const (
	VolatilityLow    VolatilityRegime = "low"
	VolatilityNormal VolatilityRegime = "normal"
	VolatilityHigh   VolatilityRegime = "high"
)

// RegimeClass is a broader classification of current market conditions, used to select
// regime-specific parameter sets in portfolio memory.
type RegimeClass string

const (
	RegimeTrending   RegimeClass = "trending"
	RegimeRanging    RegimeClass = "ranging"
	RegimeHighVol    RegimeClass = "high_volatility"
	RegimeLowVol     RegimeClass = "low_volatility"
	RegimeUnknown    RegimeClass = "unknown"
)

// Regime is a dated classification of market conditions for one asset.
type Regime struct {
	Asset        AssetPair
	Class        RegimeClass
	Confidence   float64
	ComputedAt   time.Time
}

// DebateTranscripts carries the bull/bear arguments into the judge's call during debate
// aggregation (spec §4.2 "judge receives both transcripts plus the base context").
type DebateTranscripts struct {
	BullAction    Action
	BullReasoning string
	BearAction    Action
	BearReasoning string
}

// MarketContext is a dated snapshot for one asset. It is built fresh per decision cycle
// and discarded after use; it must never be cached across cycles.
type MarketContext struct {
	Asset            AssetPair
	AssetClass       AssetClass
	LastPrice        float64
	Candles          map[string][]Candle // timeframe -> bars, most recent last
	Indicators       []IndicatorBundle
	Volatility       VolatilityRegime
	RealizedVolPct   float64
	Regime           Regime
	SourceProvider   string
	FreshnessAt      time.Time
	Debate           *DebateTranscripts
}

// Age returns how old the snapshot is relative to now.
func (m MarketContext) Age(now time.Time) time.Duration {
	return now.Sub(m.FreshnessAt)
}

// IsFresh reports whether the snapshot satisfies the given staleness budget.
func (m MarketContext) IsFresh(now time.Time, maxStaleness time.Duration) bool {
	return m.Age(now) <= maxStaleness
}

// Position is one open position inside a PortfolioSnapshot.
type Position struct {
	ID            string // platform-assigned; the monitor and close calls key off this
	Asset         AssetPair
	EntryPrice    float64
	Size          float64
	Side          Action // BUY (long) or SELL (short); never HOLD
	UnrealizedPnL float64
}

// PortfolioSnapshot is rebuilt at each cycle from the platform. Stale snapshots must not
// drive decisions — callers should check BuiltAt freshness themselves.
type PortfolioSnapshot struct {
	BuiltAt         time.Time
	CashByAsset     map[string]float64
	Positions       []Position
	MarginUsed      float64
	MarginAvailable float64
	RealizedPnL     float64
	Drawdown        float64
	NAV             float64
}

// PnLFraction returns unrealized + realized P&L as a fraction of NAV. A negative value
// means the portfolio is underwater.
func (p PortfolioSnapshot) PnLFraction() float64 {
	if p.NAV == 0 {
		return 0
	}
	unrealized := 0.0
	for _, pos := range p.Positions {
		unrealized += pos.UnrealizedPnL
	}
	return (unrealized + p.RealizedPnL) / p.NAV
}

// ProviderDecision is one AI provider's contribution to a decision cycle.
type ProviderDecision struct {
	ProviderName string
	Action       Action
	Confidence   float64 // [0,100]
	Reasoning    string
	LatencyMs    int64
	Err          error
}

// Errored reports whether this provider failed to produce an opinion this cycle.
func (p ProviderDecision) Errored() bool { return p.Err != nil }

// EnsembleMetadata records how an ensemble arrived at a final decision.
type EnsembleMetadata struct {
	Strategy           string
	ParticipantWeights map[string]float64
	Errored            []string
	InsufficientQuorum bool
	VoteTotals         map[Action]float64
	Dissent            []ProviderDecision
}

// Decision is a proposed action for one asset produced by the aggregator. Once
// persisted, only the Outcome sub-record may be attached later (see store.Store.Append).
type Decision struct {
	ID                string
	Timestamp         time.Time
	Asset             AssetPair
	Action            Action
	Confidence         float64 // [0,100]
	Reasoning          string
	SuggestedSize      float64
	StopLossPct        float64
	TakeProfitPct      float64
	ProviderAttribution []ProviderDecision
	Ensemble           EnsembleMetadata

	Approved         bool
	RejectionReason  string

	Outcome *TradeOutcome
}

// ClosedBy enumerates why a tracked position was closed.
type ClosedBy string

const (
	ClosedByStopLoss          ClosedBy = "stop_loss"
	ClosedByTakeProfit        ClosedBy = "take_profit"
	ClosedBySignal            ClosedBy = "signal"
	ClosedByManual            ClosedBy = "manual"
	ClosedByPortfolioKillSwitch ClosedBy = "portfolio_kill_switch"
)

// TradeOutcome is the terminal record of a closed trade.
type TradeOutcome struct {
	PositionID  string
	DecisionID  string
	ExitPrice   float64
	ExitTime    time.Time
	RealizedPnL float64
	ClosedBy    ClosedBy
}

// PositionTracker is the live record of an open position. It is mutated only by its
// owning monitor task; every other component observes it through an immutable Snapshot.
type PositionTracker struct {
	PositionID      string
	Asset           AssetPair
	EntryPrice      float64
	Size            float64
	Side            Action
	EntryTime       time.Time
	StopLossPrice   float64
	TakeProfitPrice float64
	LastMarkPrice   float64
	LastMarkTime    time.Time
	PnL             float64
	DecisionID      string
	ConsecutiveFailures int
}

// PnLFraction is this tracker's unrealized P&L as a fraction of its notional.
func (t PositionTracker) PnLFraction() float64 {
	notional := t.EntryPrice * t.Size
	if notional == 0 {
		return 0
	}
	switch t.Side {
	case ActionSell:
		return (t.EntryPrice - t.LastMarkPrice) * t.Size / notional
	default:
		return (t.LastMarkPrice - t.EntryPrice) * t.Size / notional
	}
}

// RiskContext is the per-decision input to the gatekeeper. It is built fresh per
// validation call and never cached across cycles.
type RiskContext struct {
	Portfolio            PortfolioSnapshot
	VaR95                float64
	CorrelationMatrix     map[AssetPair]map[AssetPair]float64
	Holdings              map[AssetPair]float64 // asset -> fraction of NAV
	MarketDataAt          time.Time
	AssetClass            AssetClass
	Regime                RegimeClass
	MarketOpen            bool
	RealizedVolPct        float64
}

// EnsembleState is one provider's rolling performance and current voting weight. It is
// mutated only by the portfolio-memory feedback path; the aggregator reads immutable
// snapshots of it.
type EnsembleState struct {
	ProviderName    string
	RollingAccuracy float64
	SmoothedScore   float64
	Weight          float64
	SampleCount     int
}

// HealthStatus is a read-only aggregate of the orchestrator's operational state.
type HealthStatus struct {
	BreakerStates    map[string]string
	ActiveTrackers   int
	DailyTradeCount  int
	KillSwitchActive bool
	LastCycleAt      time.Time
	LastError        string
}
