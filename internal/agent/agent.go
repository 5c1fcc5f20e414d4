package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/breaker"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/config"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/domain"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/ensemble"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/market"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/memory"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/monitor"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/observ"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/platform"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/providers"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/regime"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/risk"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/store"

	"github.com/google/uuid"
)

// Approver decides whether a proposed decision on a not-yet-approved asset may proceed,
// implementing the "on_new_asset" approval_policy gate (spec §4.1 gate 4). The
// human-in-the-loop webhook implementation is approval.Bridge in internal/approval;
// AutoApprover below answers without an external step.
type Approver interface {
	RequestApproval(ctx context.Context, d domain.Decision) (approved bool, err error)
}

// AutoApprover answers immediately with its fixed Approve value, for approval_policy = "always"/"never"
// wiring where no external step is needed.
type AutoApprover struct{ Approve bool }

func (a AutoApprover) RequestApproval(ctx context.Context, d domain.Decision) (bool, error) {
	return a.Approve, nil
}

// Deps bundles every collaborator the loop agent needs. None of these are owned by
// Agent; callers construct and wire them.
type Deps struct {
	Config     *config.Live
	Aggregator *ensemble.Aggregator
	Gatekeeper *risk.Gatekeeper
	Monitor    *monitor.Monitor
	Store      *store.Store
	Memory     *memory.Memory
	Regime     *regime.Classifier
	Market     market.Provider
	Platform   platform.Platform
	Breaker    *breaker.Breaker
	Approver   Approver
}

// pendingOutcome is one closed trade waiting to be folded into portfolio memory during
// LEARNING.
type pendingOutcome struct {
	outcome     domain.TradeOutcome
	attribution []domain.ProviderDecision
	finalAction domain.Action
	regimeClass domain.RegimeClass
}

// cycleAsset carries the one asset PERCEPTION selected through to REASONING/RISK_CHECK/
// EXECUTION, so those states don't need to re-derive it.
type cycleAsset struct {
	asset domain.AssetPair
	mc    domain.MarketContext
	ps    domain.PortfolioSnapshot
	ctx   domain.RiskContext
}

// Agent runs the OODA loop described in statemachine.go against real collaborators. Not
// safe for concurrent Run calls on the same Agent; a single instance owns one loop.
type Agent struct {
	deps Deps

	mu              sync.Mutex
	state           State
	stopRequested   bool
	closeOnStop     bool
	dailyTradeCount int
	lastTradeDay    time.Time
	approvedAssets  map[string]bool
	pendingOutcomes []pendingOutcome
	lastError       string

	cycle    *cycleAsset
	decision *domain.Decision
}

// New builds an Agent in StateIdle.
func New(deps Deps) *Agent {
	if deps.Approver == nil {
		deps.Approver = AutoApprover{Approve: true}
	}
	return &Agent{
		deps:           deps,
		state:          StateIdle,
		approvedAssets: map[string]bool{},
	}
}

// OnClosed implements monitor.ClosureSink: it appends the outcome to the decision store
// and queues it for portfolio memory's next LEARNING pass.
func (a *Agent) OnClosed(o domain.TradeOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	dec, err := a.deps.Store.Get(o.DecisionID)
	if err != nil {
		observ.LogError("agent_learning_lookup_error", err, map[string]any{"decision": o.DecisionID})
		return
	}
	if err := a.deps.Store.Append(o.DecisionID, o); err != nil {
		observ.LogError("agent_store_append_error", err, map[string]any{"decision": o.DecisionID})
	}
	a.pendingOutcomes = append(a.pendingOutcomes, pendingOutcome{
		outcome:     o,
		attribution: dec.ProviderAttribution,
		finalAction: dec.Action,
		regimeClass: domain.RegimeUnknown,
	})
}

// Stop requests cooperative shutdown at the next state boundary.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopRequested = true
}

// EmergencyStop requests shutdown, optionally closing every open position first.
func (a *Agent) EmergencyStop(closePositions bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopRequested = true
	a.closeOnStop = closePositions
}

// UpdateConfig merges patch into the live configuration; it takes effect on the loop's
// next PERCEPTION entry since every cycle re-reads Config.Get() fresh.
func (a *Agent) UpdateConfig(patch func(*config.Root)) {
	a.deps.Config.Patch(patch)
}

// SetMonitor wires the trade monitor after construction. Agent implements
// monitor.ClosureSink, so the monitor can't be built until the agent exists, and the
// agent's Deps.Monitor can't be set until the monitor exists; callers break the cycle by
// constructing the agent first and calling SetMonitor once the monitor is built.
func (a *Agent) SetMonitor(m *monitor.Monitor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deps.Monitor = m
}

// CurrentState reports the loop's current state, for health reporting.
func (a *Agent) CurrentState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State, cause string) {
	a.mu.Lock()
	prev := a.state
	a.state = s
	decisionID := ""
	if a.decision != nil {
		decisionID = a.decision.ID
	}
	a.mu.Unlock()
	observ.Log("agent_transition", map[string]any{"from": string(prev), "to": string(s), "cause": cause, "decision_id": decisionID})
	observ.IncCounter("loop_transitions_total", map[string]string{"from": string(prev), "to": string(s)})
	observ.SetGauge("agent_state", 1, map[string]string{"state": string(s)})
}

func (a *Agent) checkStop() (stop bool, closePositions bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopRequested, a.closeOnStop
}

// Run drives the OODA loop until ctx is cancelled, Stop/EmergencyStop is called, or a
// fatal invariant violation occurs (spec §4.1).
func (a *Agent) Run(ctx context.Context) error {
	a.setState(StateIdle, "initial")

	for {
		if stop, closePositions := a.checkStop(); stop {
			if closePositions {
				a.closeAllPositions(ctx)
			}
			a.setState(StateStopped, "stop_requested")
			return nil
		}
		select {
		case <-ctx.Done():
			a.setState(StateStopped, "context_cancelled")
			return ctx.Err()
		default:
		}

		var next State
		var err error
		switch a.CurrentState() {
		case StateIdle:
			next, err = a.runIdle(ctx)
		case StateLearning:
			next, err = a.runLearning(ctx)
		case StatePerception:
			next, err = a.runPerception(ctx)
		case StateReasoning:
			next, err = a.runReasoning(ctx)
		case StateRiskCheck:
			next, err = a.runRiskCheck(ctx)
		case StateExecution:
			next, err = a.runExecution(ctx)
		default:
			return fmt.Errorf("agent: unhandled state %s", a.CurrentState())
		}
		if err != nil {
			a.mu.Lock()
			a.lastError = err.Error()
			a.mu.Unlock()
			observ.LogError("agent_cycle_error", err, map[string]any{"state": string(a.CurrentState())})
			return fmt.Errorf("agent: fatal error in state %s: %w", a.CurrentState(), err)
		}
		a.setState(next, "cycle")
	}
}

func (a *Agent) runIdle(ctx context.Context) (State, error) {
	cfg := a.deps.Config.Get()
	interval := time.Duration(cfg.Agent.AnalysisFrequencySeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	select {
	case <-ctx.Done():
		return StateIdle, nil
	case <-time.After(interval):
	}
	return Next(StateIdle, EventIntervalElapsed)
}

func (a *Agent) runLearning(ctx context.Context) (State, error) {
	a.mu.Lock()
	pending := a.pendingOutcomes
	a.pendingOutcomes = nil
	a.mu.Unlock()

	for _, p := range pending {
		a.deps.Memory.Record(p.outcome, p.attribution, p.finalAction, p.regimeClass)
	}
	return Next(StateLearning, EventOutcomesProcessed)
}

func (a *Agent) runPerception(ctx context.Context) (State, error) {
	cfg := a.deps.Config.Get()

	ps, err := a.deps.Platform.Balance(ctx)
	if err != nil {
		return StatePerception, fmt.Errorf("fetch portfolio balance: %w", err)
	}

	if ps.NAV > 0 {
		lossPct := -ps.PnLFraction() * 100
		if lossPct >= cfg.Agent.KillSwitchLossPct {
			observ.Log("kill_switch_triggered", map[string]any{"loss_pct": lossPct})
			a.closeAllPositions(ctx)
			return Next(StatePerception, EventKillSwitchTriggered)
		}
	}

	a.mu.Lock()
	if !sameDay(a.lastTradeDay, time.Now()) {
		a.dailyTradeCount = 0
		a.lastTradeDay = time.Now()
	}
	tradesUsed := a.dailyTradeCount
	a.mu.Unlock()
	if tradesUsed >= cfg.Agent.MaxDailyTrades {
		observ.Log("max_daily_trades_reached", map[string]any{"count": tradesUsed})
		return StateIdle, nil
	}

	for _, pairStr := range cfg.Agent.AssetPairs {
		asset := domain.ParseAssetPair(pairStr, []string{"USD", "USDT", "EUR"})
		mc, err := a.deps.Market.Context(ctx, asset)
		if err != nil {
			observ.LogError("market_context_error", err, map[string]any{"asset": asset.String()})
			continue
		}
		if !mc.IsFresh(time.Now(), cfg.Staleness.MaxStaleness(string(mc.AssetClass))) {
			observ.Log("stale_market_data_skipped", map[string]any{"asset": asset.String()})
			continue
		}

		if a.deps.Regime != nil {
			if candles, ok := mc.Candles["1h"]; ok {
				mc.Regime = a.deps.Regime.Classify(asset, candles)
			}
		}

		if cfg.Agent.ApprovalPolicy == "on_new_asset" {
			a.mu.Lock()
			known := a.approvedAssets[asset.String()]
			a.mu.Unlock()
			if !known {
				approved, err := a.deps.Approver.RequestApproval(ctx, domain.Decision{Asset: asset})
				if err != nil || !approved {
					observ.Log("asset_approval_pending_or_denied", map[string]any{"asset": asset.String()})
					continue
				}
				a.mu.Lock()
				a.approvedAssets[asset.String()] = true
				a.mu.Unlock()
			}
		}

		rc := a.buildRiskContext(ps, mc)
		a.mu.Lock()
		a.cycle = &cycleAsset{asset: asset, mc: mc, ps: ps, ctx: rc}
		a.mu.Unlock()
		return Next(StatePerception, EventDataPortfolioOK)
	}

	return StateIdle, nil
}

func (a *Agent) buildRiskContext(ps domain.PortfolioSnapshot, mc domain.MarketContext) domain.RiskContext {
	holdings := map[domain.AssetPair]float64{}
	if ps.NAV > 0 {
		for _, pos := range ps.Positions {
			holdings[pos.Asset] += (pos.EntryPrice * pos.Size) / ps.NAV
		}
	}
	return domain.RiskContext{
		Portfolio:      ps,
		Holdings:       holdings,
		MarketDataAt:   mc.FreshnessAt,
		AssetClass:     mc.AssetClass,
		Regime:         mc.Regime.Class,
		MarketOpen:     true,
		RealizedVolPct: mc.RealizedVolPct,
	}
}

func (a *Agent) runReasoning(ctx context.Context) (State, error) {
	a.mu.Lock()
	cycle := a.cycle
	a.mu.Unlock()
	if cycle == nil {
		return StateIdle, nil
	}

	cfg := a.deps.Config.Get()
	weights := a.deps.Memory.Weights()

	decision, err := a.withRetry(ctx, cfg.Agent.MaxRetries, func() (domain.Decision, error) {
		return a.deps.Aggregator.Decide(ctx, cycle.mc, cycle.ps, weights)
	})
	if err != nil {
		observ.LogError("reasoning_all_providers_failed", err, map[string]any{"asset": cycle.asset.String()})
		return StateIdle, nil
	}

	if decision.Action == domain.ActionHold || decision.Confidence < cfg.Agent.MinConfidenceThreshold {
		a.clearCycle()
		return Next(StateReasoning, EventNoActionableSignal)
	}

	a.mu.Lock()
	a.decision = &decision
	a.mu.Unlock()

	return Next(StateReasoning, EventActionableSignal)
}

// withRetry retries fn on transient errors with exponential backoff up to maxRetries
// times, per spec §4.1's "Reasoning retry policy". A nil error from fn always returns
// immediately; providers.PermanentError is never retried.
func (a *Agent) withRetry(ctx context.Context, maxRetries int, fn func() (domain.Decision, error)) (domain.Decision, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		d, err := fn()
		if err == nil {
			return d, nil
		}
		lastErr = err
		if providers.IsPermanent(err) {
			return domain.Decision{}, err
		}
		select {
		case <-ctx.Done():
			return domain.Decision{}, ctx.Err()
		case <-time.After(retryBackoff(attempt)):
		}
	}
	return domain.Decision{}, fmt.Errorf("reasoning: exhausted retries: %w", lastErr)
}

func retryBackoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
	if d > 3*time.Second {
		d = 3 * time.Second
	}
	return d
}

func (a *Agent) runRiskCheck(ctx context.Context) (State, error) {
	a.mu.Lock()
	decision := a.decision
	cycle := a.cycle
	a.mu.Unlock()
	if decision == nil || cycle == nil {
		return StatePerception, nil
	}

	approved, reason := a.deps.Gatekeeper.Evaluate(*decision, cycle.ctx)
	decision.Approved = approved
	decision.RejectionReason = reason
	if err := a.deps.Store.Save(*decision); err != nil {
		observ.LogError("agent_store_save_error", err, map[string]any{"decision": decision.ID})
	}

	if !approved {
		observ.Log("decision_rejected", map[string]any{"decision": decision.ID, "reason": reason})
		a.clearCycle()
		return Next(StateRiskCheck, EventRejected)
	}
	return Next(StateRiskCheck, EventApproved)
}

func (a *Agent) runExecution(ctx context.Context) (State, error) {
	a.mu.Lock()
	decision := a.decision
	a.mu.Unlock()
	if decision == nil {
		return StatePerception, nil
	}

	var pos domain.Position
	err := a.deps.Breaker.Call(ctx, func(ctx context.Context) error {
		p, err := a.deps.Platform.Execute(ctx, decision.ID, *decision)
		pos = p
		return err
	})
	if err != nil {
		observ.LogError("execution_failed", err, map[string]any{"decision": decision.ID})
		a.clearCycle()
		return Next(StateExecution, EventExecutionFailure)
	}

	positionID := pos.ID
	if positionID == "" {
		positionID = uuid.NewString()
	}
	if attachErr := a.deps.Monitor.Attach(ctx, positionID, pos, decision.ID); attachErr != nil {
		observ.LogError("monitor_attach_failed", attachErr, map[string]any{"decision": decision.ID})
	}

	a.mu.Lock()
	a.dailyTradeCount++
	a.mu.Unlock()
	observ.IncCounter("agent_trades_executed_total", nil)

	a.clearCycle()
	return Next(StateExecution, EventExecutionSuccess)
}

// clearCycle drops the in-flight asset/decision once a cycle finishes (successfully or
// not), so the next PERCEPTION entry starts from a clean slate.
func (a *Agent) clearCycle() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cycle = nil
	a.decision = nil
}

func (a *Agent) closeAllPositions(ctx context.Context) {
	for _, t := range a.deps.Monitor.Snapshot() {
		if err := a.deps.Breaker.Call(ctx, func(ctx context.Context) error {
			_, err := a.deps.Platform.Close(ctx, t.PositionID)
			return err
		}); err != nil {
			observ.LogError("emergency_close_failed", err, map[string]any{"position": t.PositionID})
			continue
		}
		a.deps.Monitor.Detach(t.PositionID)
	}
}

func sameDay(a, b time.Time) bool {
	ya, ma, da := a.Date()
	yb, mb, db := b.Date()
	return ya == yb && ma == mb && da == db
}
