// Package memory implements the portfolio memory feedback loop (spec §4.7): it consumes
// closed-trade outcomes, maintains an exponential moving accuracy per provider, derives
// ensemble weights from it, and counts samples per regime, with RegimeParamsFor
// returning a regime's parameter set only once enough samples exist. A confidence
// calibration bias is persisted but never updated or applied. One writer (the agent's LEARNING state)
// mutates state; every other component reads immutable snapshots, matching the spec's
// concurrency model. Grounded on the teacher's internal/portfolio/state.go
// (Manager/Load/Save-on-mutation idiom), generalized from raw P&L bookkeeping to
// per-provider accuracy and regime-gated parameters.
package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/domain"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/observ"
)

// RegimeParams is a set of tunable parameters calibrated for one market regime. Fields
// left at zero fall back to the agent's global configuration.
type RegimeParams struct {
	MinConfidenceThreshold float64 `json:"min_confidence_threshold"`
	SampleCount            int     `json:"sample_count"`
}

// State is the persisted shape of portfolio memory.
type State struct {
	Providers map[string]domain.EnsembleState      `json:"providers"`
	Regimes   map[domain.RegimeClass]RegimeParams  `json:"regimes"`
	CalibrationBias float64                         `json:"calibration_bias"`
}

// Config configures the feedback loop's learning rate and regime gating (spec §6).
type Config struct {
	LearningRate        float64
	MinSamplesPerRegime int
	StateFilePath       string
}

// Memory is the single-writer, many-immutable-reader feedback store.
type Memory struct {
	cfg   Config
	mu    sync.RWMutex
	state State

	seenOutcomes map[string]bool // decision ids already folded in, for idempotent updates
}

// New builds Memory, loading persisted state from cfg.StateFilePath if present.
func New(cfg Config, providers []string) *Memory {
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.1
	}
	m := &Memory{
		cfg: cfg,
		state: State{
			Providers: map[string]domain.EnsembleState{},
			Regimes:   map[domain.RegimeClass]RegimeParams{},
		},
		seenOutcomes: map[string]bool{},
	}
	for _, p := range providers {
		m.state.Providers[p] = domain.EnsembleState{ProviderName: p, Weight: 1.0 / float64(len(providers))}
	}
	if cfg.StateFilePath != "" {
		if loaded, err := load(cfg.StateFilePath); err == nil {
			m.state = loaded
		}
	}
	return m
}

func load(path string) (State, error) {
	var s State
	b, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("memory: decode state file %s: %w", path, err)
	}
	return s, nil
}

func (m *Memory) persist() {
	if m.cfg.StateFilePath == "" {
		return
	}
	b, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		observ.LogError("memory_persist_encode_error", err, nil)
		return
	}
	tmp := m.cfg.StateFilePath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		observ.LogError("memory_persist_write_error", err, nil)
		return
	}
	if err := os.Rename(tmp, m.cfg.StateFilePath); err != nil {
		observ.LogError("memory_persist_rename_error", err, nil)
	}
}

// Snapshot returns an immutable copy of one provider's current ensemble state.
func (m *Memory) Snapshot(provider string) domain.EnsembleState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Providers[provider]
}

// Weights returns an immutable snapshot of every provider's current voting weight,
// satisfying the aggregator's "readers take immutable snapshots" contract.
func (m *Memory) Weights() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.state.Providers))
	for name, st := range m.state.Providers {
		out[name] = st.Weight
	}
	return out
}

// RegimeParamsFor returns the calibrated parameters for a regime once it has accumulated
// at least MinSamplesPerRegime outcomes, or ok=false otherwise (the caller should fall
// back to global defaults).
func (m *Memory) RegimeParamsFor(class domain.RegimeClass) (RegimeParams, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.state.Regimes[class]
	if !ok || p.SampleCount < m.cfg.MinSamplesPerRegime {
		return RegimeParams{}, false
	}
	return p, true
}

// Record folds one closed-trade outcome into provider accuracy, ensemble weights, and
// regime parameters. It is idempotent per decision id: replaying the same outcome twice
// has no further effect, satisfying the spec's "idempotent per outcome id" invariant.
func (m *Memory) Record(outcome domain.TradeOutcome, attribution []domain.ProviderDecision, finalAction domain.Action, regime domain.RegimeClass) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.seenOutcomes[outcome.DecisionID] {
		return
	}
	m.seenOutcomes[outcome.DecisionID] = true

	correct := (outcome.RealizedPnL > 0 && finalAction == domain.ActionBuy) ||
		(outcome.RealizedPnL > 0 && finalAction == domain.ActionSell) ||
		(outcome.RealizedPnL <= 0 && finalAction == domain.ActionHold)

	for _, pd := range attribution {
		if pd.Errored() {
			continue
		}
		st := m.state.Providers[pd.ProviderName]
		st.ProviderName = pd.ProviderName
		providerAgreed := pd.Action == finalAction
		sample := 0.0
		if providerAgreed && correct {
			sample = 1.0
		}
		st.RollingAccuracy = ema(st.RollingAccuracy, sample, m.cfg.LearningRate, st.SampleCount)
		st.SmoothedScore = st.RollingAccuracy
		st.SampleCount++
		m.state.Providers[pd.ProviderName] = st
	}
	m.renormalizeWeightsLocked()

	rp := m.state.Regimes[regime]
	rp.SampleCount++
	m.state.Regimes[regime] = rp

	observ.IncCounter("memory_outcomes_recorded_total", map[string]string{"correct": fmt.Sprintf("%t", correct)})
	m.persist()
}

// ema computes an exponential moving average, seeding directly from the first sample so
// early accuracy isn't biased toward zero.
func ema(current, sample, rate float64, priorCount int) float64 {
	if priorCount == 0 {
		return sample
	}
	return current + rate*(sample-current)
}

// renormalizeWeightsLocked rescales every provider's weight from its smoothed score so
// weights always sum to 1 (spec EnsembleState invariant). Callers must hold m.mu.
func (m *Memory) renormalizeWeightsLocked() {
	names := make([]string, 0, len(m.state.Providers))
	for name := range m.state.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	total := 0.0
	for _, name := range names {
		total += m.state.Providers[name].SmoothedScore + 0.01 // floor so a provider never hits zero weight
	}
	if total == 0 {
		return
	}
	for _, name := range names {
		st := m.state.Providers[name]
		st.Weight = (st.SmoothedScore + 0.01) / total
		m.state.Providers[name] = st
	}
}
