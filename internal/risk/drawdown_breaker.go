package risk

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/config"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/observ"
)

// DrawdownState is a graduated trading posture driven by current drawdown, distinct from
// the spec-mandated three-state breaker.Breaker (which wraps individual platform calls).
// Adapted from the teacher's internal/risk/circuitbreaker.go, which modeled this same
// graduated response as an 8-state machine with event sourcing; kept here as a richer
// drawdown-responsive control feeding the gatekeeper's max-drawdown layer.
type DrawdownState string

const (
	DrawdownNormal     DrawdownState = "normal"
	DrawdownWarning    DrawdownState = "warning"
	DrawdownReduced    DrawdownState = "reduced"
	DrawdownRestricted DrawdownState = "restricted"
	DrawdownMinimal    DrawdownState = "minimal"
	DrawdownHalted     DrawdownState = "halted"
	DrawdownCoolingOff DrawdownState = "cooling_off"
	DrawdownEmergency  DrawdownState = "emergency"
)

// sizeMultiplier maps a state to the fraction of normal position size still permitted.
var sizeMultiplier = map[DrawdownState]float64{
	DrawdownNormal:     1.0,
	DrawdownWarning:    1.0,
	DrawdownReduced:    0.7,
	DrawdownRestricted: 0.5,
	DrawdownMinimal:    0.25,
	DrawdownHalted:     0.0,
	DrawdownCoolingOff: 0.0,
	DrawdownEmergency:  0.0,
}

// DrawdownEvent is one state transition or manual intervention, appended to the event log
// for audit and restart replay.
type DrawdownEvent struct {
	Timestamp time.Time     `json:"timestamp"`
	From      DrawdownState `json:"from"`
	To        DrawdownState `json:"to"`
	Drawdown  float64       `json:"drawdown_pct"`
	Reason    string        `json:"reason"`
}

// DrawdownBreaker tracks portfolio drawdown and derives a graduated trading posture from
// it. Safe for concurrent use.
type DrawdownBreaker struct {
	mu             sync.RWMutex
	state          DrawdownState
	stateEnteredAt time.Time
	coolingOffUntil time.Time
	thresholds     map[string]float64
	manualHalt     bool
	eventLogPath   string
}

// NewDrawdownBreaker builds a breaker from configured thresholds, replaying any persisted
// event log so a restart resumes in the state it left off in rather than reverting to
// DrawdownNormal.
func NewDrawdownBreaker(cfg config.DrawdownBreaker) *DrawdownBreaker {
	b := &DrawdownBreaker{
		state:          DrawdownNormal,
		stateEnteredAt: time.Now(),
		thresholds:     defaultThresholds(cfg.Thresholds),
		eventLogPath:   cfg.EventLogPath,
	}
	if last, ok := b.loadLastState(); ok {
		b.state = last
		b.stateEnteredAt = time.Now()
	}
	return b
}

func defaultThresholds(configured map[string]float64) map[string]float64 {
	t := map[string]float64{
		"warning":    2.0,
		"reduced":    2.5,
		"restricted": 3.0,
		"minimal":    3.5,
		"halted":     4.0,
	}
	for k, v := range configured {
		t[k] = v
	}
	return t
}

// UpdateDrawdown recomputes the breaker's state from the current drawdown percentage
// (positive magnitude of loss). Manual halts and cooling-off periods are never
// auto-cleared by this call.
func (b *DrawdownBreaker) UpdateDrawdown(drawdownPct float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.manualHalt || b.state == DrawdownEmergency {
		return
	}
	if b.state == DrawdownCoolingOff && time.Now().Before(b.coolingOffUntil) {
		return
	}

	next := b.determineState(drawdownPct)
	if next != b.state {
		b.transition(next, drawdownPct, "drawdown_update")
	}
}

func (b *DrawdownBreaker) determineState(drawdownPct float64) DrawdownState {
	switch {
	case drawdownPct >= b.thresholds["halted"]:
		return DrawdownHalted
	case drawdownPct >= b.thresholds["minimal"]:
		return DrawdownMinimal
	case drawdownPct >= b.thresholds["restricted"]:
		return DrawdownRestricted
	case drawdownPct >= b.thresholds["reduced"]:
		return DrawdownReduced
	case drawdownPct >= b.thresholds["warning"]:
		return DrawdownWarning
	default:
		return DrawdownNormal
	}
}

func (b *DrawdownBreaker) transition(next DrawdownState, drawdownPct float64, reason string) {
	prev := b.state
	b.state = next
	b.stateEnteredAt = time.Now()
	if next == DrawdownHalted {
		b.coolingOffUntil = time.Now().Add(30 * time.Minute)
	}

	observ.Log("drawdown_breaker_transition", map[string]any{
		"from": string(prev), "to": string(next), "drawdown_pct": drawdownPct, "reason": reason,
	})
	observ.IncCounter("drawdown_breaker_transitions_total", map[string]string{"to": string(next)})
	b.appendEvent(DrawdownEvent{Timestamp: b.stateEnteredAt, From: prev, To: next, Drawdown: drawdownPct, Reason: reason})
}

// ManualHalt forces DrawdownEmergency until InitiateRecovery is called, for operator
// intervention independent of the drawdown math.
func (b *DrawdownBreaker) ManualHalt(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.manualHalt = true
	b.transition(DrawdownEmergency, 0, "manual_halt: "+reason)
}

// InitiateRecovery clears a manual halt and returns the breaker to cooling-off, requiring
// a further period below threshold before CanTrade allows full-size trading again.
func (b *DrawdownBreaker) InitiateRecovery(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.manualHalt = false
	b.coolingOffUntil = time.Now().Add(30 * time.Minute)
	b.transition(DrawdownCoolingOff, 0, "recovery_initiated: "+reason)
}

// State returns the current drawdown state.
func (b *DrawdownBreaker) State() DrawdownState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// CanTrade reports whether new risk-increasing trades are allowed at all.
func (b *DrawdownBreaker) CanTrade() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sizeMultiplier[b.state] > 0
}

// SizeMultiplier returns the fraction of normal position size currently permitted.
func (b *DrawdownBreaker) SizeMultiplier() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sizeMultiplier[b.state]
}

func (b *DrawdownBreaker) appendEvent(ev DrawdownEvent) {
	if b.eventLogPath == "" {
		return
	}
	f, err := os.OpenFile(b.eventLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		observ.IncCounter("drawdown_breaker_log_errors_total", nil)
		return
	}
	defer f.Close()
	b2, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintln(f, string(b2))
}

func (b *DrawdownBreaker) loadLastState() (DrawdownState, bool) {
	if b.eventLogPath == "" {
		return "", false
	}
	f, err := os.Open(b.eventLogPath)
	if err != nil {
		return "", false
	}
	defer f.Close()

	var last DrawdownEvent
	found := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev DrawdownEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		last = ev
		found = true
	}
	if !found {
		return "", false
	}
	return last.To, true
}
