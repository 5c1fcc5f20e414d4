// Package ensemble implements the decision aggregator (spec §4.2): given a
// MarketContext and PortfolioSnapshot, it queries one or more AI decision providers
// according to a configured strategy (single, weighted, majority, stacking, debate) and
// produces a single Decision. Provider queries fan out concurrently with a per-provider
// timeout; aggregation itself always reads providers in stable lexicographic order so
// results are reproducible given identical inputs.
//
// Grounded on the teacher's internal/decision/engine.go (weighted-sum signal fusion,
// gate/reason bookkeeping), generalized from a single news-fusion formula into the
// spec's five-strategy ensemble, and on the concurrent multi-provider fan-out idiom in
// other_examples' AI-brain and risk-manager files.
package ensemble

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/domain"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/observ"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/providers"
)

// Strategy selects how provider opinions are combined into one decision.
type Strategy string

const (
	StrategySingle   Strategy = "single"
	StrategyWeighted Strategy = "weighted"
	StrategyMajority Strategy = "majority"
	StrategyStacking Strategy = "stacking"
	StrategyDebate   Strategy = "debate"
)

// Config configures one Aggregator instance. Configuration errors (unknown strategy,
// empty provider set) are fatal at construction, per spec §4.2.
type Config struct {
	Strategy            Strategy
	DebateRoles         map[string]string // "bull" | "bear" | "judge" -> provider name
	PerProviderTimeout  time.Duration
	OverallTimeout      time.Duration
	MinQuorum           int // minimum non-errored providers for weighted/majority; default 2
	MetaLearner         MetaLearner
}

// Aggregator queries a fixed set of named providers and aggregates their opinions.
type Aggregator struct {
	cfg       Config
	providers map[string]providers.Provider
	names     []string // sorted, stable lexicographic order
}

// New validates cfg and wires the given providers into an Aggregator. It returns an
// error for any configuration problem since those are fatal at construction (spec §4.2).
func New(cfg Config, provs []providers.Provider) (*Aggregator, error) {
	if len(provs) == 0 {
		return nil, fmt.Errorf("ensemble: no providers configured")
	}
	switch cfg.Strategy {
	case StrategySingle, StrategyWeighted, StrategyMajority, StrategyStacking, StrategyDebate:
	default:
		return nil, fmt.Errorf("ensemble: unknown strategy %q", cfg.Strategy)
	}
	if cfg.Strategy == StrategyDebate {
		for _, role := range []string{"bull", "bear", "judge"} {
			if _, ok := cfg.DebateRoles[role]; !ok {
				return nil, fmt.Errorf("ensemble: debate strategy requires a %q role", role)
			}
		}
	}
	if cfg.PerProviderTimeout <= 0 {
		cfg.PerProviderTimeout = 8 * time.Second
	}
	if cfg.OverallTimeout <= 0 || cfg.OverallTimeout < cfg.PerProviderTimeout {
		cfg.OverallTimeout = cfg.PerProviderTimeout + 2*time.Second
	}
	if cfg.MinQuorum <= 0 {
		cfg.MinQuorum = 2
	}
	if cfg.MetaLearner == nil {
		cfg.MetaLearner = LinearMetaLearner{}
	}

	byName := make(map[string]providers.Provider, len(provs))
	names := make([]string, 0, len(provs))
	for _, p := range provs {
		if _, dup := byName[p.Name()]; dup {
			return nil, fmt.Errorf("ensemble: duplicate provider name %q", p.Name())
		}
		byName[p.Name()] = p
		names = append(names, p.Name())
	}
	sort.Strings(names)

	return &Aggregator{cfg: cfg, providers: byName, names: names}, nil
}

// queryAll fans out to the given provider names concurrently, each bounded by the
// per-provider timeout, and returns their contributions in stable lexicographic order.
// Errors never propagate to the caller here: a failed or timed-out provider becomes an
// errored ProviderDecision, matching spec §4.2's "never throws for recoverable
// conditions".
func (a *Aggregator) queryAll(ctx context.Context, names []string, mc domain.MarketContext, ps domain.PortfolioSnapshot) []domain.ProviderDecision {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	results := make([]domain.ProviderDecision, len(sorted))
	var wg sync.WaitGroup
	for i, name := range sorted {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = a.queryOne(ctx, name, mc, ps)
		}(i, name)
	}
	wg.Wait()
	return results
}

func (a *Aggregator) queryOne(ctx context.Context, name string, mc domain.MarketContext, ps domain.PortfolioSnapshot) domain.ProviderDecision {
	p, ok := a.providers[name]
	if !ok {
		return domain.ProviderDecision{ProviderName: name, Err: fmt.Errorf("ensemble: unknown provider %q", name)}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.cfg.PerProviderTimeout)
	defer cancel()

	start := time.Now()
	type outcome struct {
		dec domain.ProviderDecision
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		dec, err := p.Decide(callCtx, mc, ps)
		ch <- outcome{dec: dec, err: err}
	}()

	select {
	case res := <-ch:
		latency := time.Since(start).Milliseconds()
		if res.err != nil {
			observ.IncCounter("ensemble_provider_errors_total", map[string]string{"provider": name})
			observ.Log("provider_errored", map[string]any{"provider": name, "error": res.err.Error()})
			return domain.ProviderDecision{ProviderName: name, Err: res.err, LatencyMs: latency}
		}
		res.dec.ProviderName = name
		res.dec.LatencyMs = latency
		return res.dec
	case <-callCtx.Done():
		observ.IncCounter("ensemble_provider_timeouts_total", map[string]string{"provider": name})
		observ.Log("provider_timeout", map[string]any{"provider": name, "timeout_ms": a.cfg.PerProviderTimeout.Milliseconds()})
		return domain.ProviderDecision{ProviderName: name, Err: context.DeadlineExceeded, LatencyMs: time.Since(start).Milliseconds()}
	}
}

// Decide runs the configured strategy end to end and returns a fully-populated Decision
// (lacking only Approved/RejectionReason, which the gatekeeper fills in). weights is an
// immutable snapshot of current ensemble weights (spec: "readers take immutable
// snapshots"); only the weighted strategy reads it, and single, majority, stacking, and
// debate ignore it.
func (a *Aggregator) Decide(ctx context.Context, mc domain.MarketContext, ps domain.PortfolioSnapshot, weights map[string]float64) (domain.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.OverallTimeout)
	defer cancel()

	var result domain.Decision
	switch a.cfg.Strategy {
	case StrategySingle:
		result = a.decideSingle(ctx, mc, ps)
	case StrategyWeighted:
		result = a.decideVoting(ctx, mc, ps, weights, true)
	case StrategyMajority:
		result = a.decideVoting(ctx, mc, ps, weights, false)
	case StrategyStacking:
		result = a.decideStacking(ctx, mc, ps)
	case StrategyDebate:
		result = a.decideDebate(ctx, mc, ps)
	default:
		return domain.Decision{}, fmt.Errorf("ensemble: unknown strategy %q", a.cfg.Strategy)
	}

	result.ID = uuid.NewString()
	result.Timestamp = time.Now().UTC()
	result.Asset = mc.Asset
	return result, nil
}

func (a *Aggregator) decideSingle(ctx context.Context, mc domain.MarketContext, ps domain.PortfolioSnapshot) domain.Decision {
	name := a.names[0]
	pd := a.queryOne(ctx, name, mc, ps)
	if pd.Errored() {
		return domain.Decision{
			Action:     domain.ActionHold,
			Confidence: 0,
			Reasoning:  "sole provider errored: " + pd.Err.Error(),
			ProviderAttribution: []domain.ProviderDecision{pd},
			Ensemble: domain.EnsembleMetadata{
				Strategy:           string(StrategySingle),
				Errored:            []string{name},
				InsufficientQuorum: true,
			},
		}
	}
	return domain.Decision{
		Action:               pd.Action,
		Confidence:           pd.Confidence,
		Reasoning:            pd.Reasoning,
		ProviderAttribution:  []domain.ProviderDecision{pd},
		Ensemble: domain.EnsembleMetadata{
			Strategy:           string(StrategySingle),
			ParticipantWeights: map[string]float64{name: 1.0},
		},
	}
}

// actionOrder fixes BUY/SELL/HOLD iteration order so vote-total comparisons are
// deterministic regardless of map iteration.
var actionOrder = []domain.Action{domain.ActionBuy, domain.ActionSell, domain.ActionHold}

func (a *Aggregator) decideVoting(ctx context.Context, mc domain.MarketContext, ps domain.PortfolioSnapshot, weights map[string]float64, useConfiguredWeights bool) domain.Decision {
	decisions := a.queryAll(ctx, a.names, mc, ps)

	var errored []string
	nonErrored := make([]domain.ProviderDecision, 0, len(decisions))
	for _, pd := range decisions {
		if pd.Errored() {
			errored = append(errored, pd.ProviderName)
			continue
		}
		nonErrored = append(nonErrored, pd)
	}

	if len(nonErrored) < a.cfg.MinQuorum {
		observ.IncCounter("ensemble_insufficient_quorum_total", nil)
		return domain.Decision{
			Action:              domain.ActionHold,
			Confidence:          0,
			Reasoning:           "insufficient quorum: fewer than the minimum number of providers responded",
			ProviderAttribution: decisions,
			Ensemble: domain.EnsembleMetadata{
				Strategy:           string(a.cfg.Strategy),
				Errored:            errored,
				InsufficientQuorum: true,
			},
		}
	}

	// Renormalize weights across non-errored providers pro rata to their existing
	// weights (spec EnsembleState invariant: Σ weights(non_errored_this_cycle) = 1).
	effectiveWeights := make(map[string]float64, len(nonErrored))
	sumExisting := 0.0
	for _, pd := range nonErrored {
		w := 1.0
		if useConfiguredWeights {
			if configured, ok := weights[pd.ProviderName]; ok {
				w = configured
			}
		}
		effectiveWeights[pd.ProviderName] = w
		sumExisting += w
	}
	if sumExisting <= 0 {
		sumExisting = float64(len(nonErrored))
		for name := range effectiveWeights {
			effectiveWeights[name] = 1.0
		}
	}
	for name, w := range effectiveWeights {
		effectiveWeights[name] = w / sumExisting
	}

	voteTotals := map[domain.Action]float64{domain.ActionBuy: 0, domain.ActionSell: 0, domain.ActionHold: 0}
	for _, pd := range nonErrored {
		voteTotals[pd.Action] += effectiveWeights[pd.ProviderName] * (pd.Confidence / 100.0)
	}

	winner, tied := argmaxAction(voteTotals)
	finalAction := winner
	if tied {
		finalAction = domain.ActionHold
	}

	var supporters []domain.ProviderDecision
	for _, pd := range nonErrored {
		if pd.Action == finalAction {
			supporters = append(supporters, pd)
		}
	}
	confidence := meanConfidence(supporters)
	if len(supporters) == 0 {
		confidence = meanConfidence(nonErrored)
	}

	var dissent []domain.ProviderDecision
	for _, pd := range nonErrored {
		if pd.Action != finalAction {
			dissent = append(dissent, pd)
		}
	}

	return domain.Decision{
		Action:              finalAction,
		Confidence:          confidence,
		Reasoning:           reasoningSummary(finalAction, nonErrored),
		ProviderAttribution: decisions,
		Ensemble: domain.EnsembleMetadata{
			Strategy:           string(a.cfg.Strategy),
			ParticipantWeights: effectiveWeights,
			Errored:            errored,
			VoteTotals:         voteTotals,
			Dissent:            dissent,
		},
	}
}

func argmaxAction(totals map[domain.Action]float64) (winner domain.Action, tied bool) {
	const epsilon = 1e-9
	best := math.Inf(-1)
	for _, act := range actionOrder {
		if v := totals[act]; v > best {
			best = v
		}
	}
	count := 0
	for _, act := range actionOrder {
		if math.Abs(totals[act]-best) < epsilon {
			count++
			winner = act
		}
	}
	return winner, count > 1
}

func meanConfidence(decisions []domain.ProviderDecision) float64 {
	if len(decisions) == 0 {
		return 0
	}
	sum := 0.0
	for _, pd := range decisions {
		sum += pd.Confidence
	}
	return sum / float64(len(decisions))
}

func reasoningSummary(finalAction domain.Action, nonErrored []domain.ProviderDecision) string {
	summary := fmt.Sprintf("ensemble resolved to %s from %d provider(s): ", finalAction, len(nonErrored))
	for i, pd := range nonErrored {
		if i > 0 {
			summary += "; "
		}
		summary += fmt.Sprintf("%s=%s(%.0f)", pd.ProviderName, pd.Action, pd.Confidence)
	}
	return summary
}
