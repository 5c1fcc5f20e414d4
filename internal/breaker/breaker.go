// Package breaker implements the three-state circuit breaker (spec §4.5) that wraps
// every call to a fallible external collaborator — primarily the trading platform —
// so repeated failures do not cascade. It is grounded on the teacher's mutex-protected
// state-machine idiom in internal/risk/circuitbreaker.go, narrowed to the exact
// Closed/Open/HalfOpen model the spec requires.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/observ"
)

// State is one of the three circuit-breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// ErrOpen is returned when a call is rejected because the breaker is open.
var ErrOpen = errors.New("breaker: open")

// FailureClass distinguishes transient failures (counted toward the threshold) from
// permanent validation failures (surfaced unchanged, never counted) per spec §4.5/§7.
type FailureClass int

const (
	// ClassTransient covers network errors, timeouts, and 5xx responses.
	ClassTransient FailureClass = iota
	// ClassPermanent covers bad-request and auth failures; never opens the breaker.
	ClassPermanent
)

// Classifier decides whether an error observed by a protected call counts toward the
// breaker's failure threshold.
type Classifier func(error) FailureClass

// DefaultClassifier treats every non-nil error as transient. Callers with a concrete
// platform adapter should supply a Classifier that distinguishes validation errors.
func DefaultClassifier(err error) FailureClass {
	if err == nil {
		return ClassTransient
	}
	return ClassTransient
}

// Breaker guards calls to one named collaborator.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	classify         Classifier

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	halfOpenInFlight    bool
}

// Config configures a Breaker's thresholds (spec §6 breaker.* options).
type Config struct {
	Name             string
	FailureThreshold int
	RecoveryTimeout  time.Duration
	Classifier       Classifier
}

// New constructs a Breaker in the Closed state.
func New(cfg Config) *Breaker {
	classify := cfg.Classifier
	if classify == nil {
		classify = DefaultClassifier
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	timeout := cfg.RecoveryTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Breaker{
		name:             cfg.Name,
		failureThreshold: threshold,
		recoveryTimeout:  timeout,
		classify:         classify,
		state:            Closed,
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// allow reports whether a call may proceed right now, transitioning Open->HalfOpen when
// the recovery timeout has elapsed and reserving the single HalfOpen trial slot.
func (b *Breaker) allow() (proceed bool, rejectReason error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true, nil
	case Open:
		if time.Since(b.openedAt) >= b.recoveryTimeout {
			b.state = HalfOpen
			b.halfOpenInFlight = true
			observ.Log("breaker_transition", map[string]any{"name": b.name, "from": string(Open), "to": string(HalfOpen)})
			return true, nil
		}
		observ.IncCounter("breaker_rejections_while_open_total", map[string]string{"breaker": b.name})
		return false, ErrOpen
	case HalfOpen:
		if b.halfOpenInFlight {
			observ.IncCounter("breaker_rejections_while_open_total", map[string]string{"breaker": b.name})
			return false, ErrOpen
		}
		b.halfOpenInFlight = true
		return true, nil
	default:
		return false, ErrOpen
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	from := b.state
	b.consecutiveFailures = 0
	b.halfOpenInFlight = false
	if b.state != Closed {
		b.state = Closed
		observ.Log("breaker_transition", map[string]any{"name": b.name, "from": string(from), "to": string(Closed)})
		observ.IncCounter("breaker_transitions_total", map[string]string{"breaker": b.name, "from": string(from), "to": string(Closed)})
	}
	observ.IncCounter("breaker_successes_total", map[string]string{"breaker": b.name})
}

func (b *Breaker) onFailure(class FailureClass) {
	b.mu.Lock()
	defer b.mu.Unlock()
	observ.IncCounter("breaker_failures_total", map[string]string{"breaker": b.name})

	if class == ClassPermanent {
		// Permanent/validation failures never count toward the threshold (spec §4.5).
		b.halfOpenInFlight = false
		return
	}

	from := b.state
	b.halfOpenInFlight = false

	if b.state == HalfOpen {
		b.state = Open
		b.openedAt = time.Now()
		b.consecutiveFailures = b.failureThreshold
		observ.Log("breaker_transition", map[string]any{"name": b.name, "from": string(from), "to": string(Open)})
		observ.IncCounter("breaker_transitions_total", map[string]string{"breaker": b.name, "from": string(from), "to": string(Open)})
		return
	}

	b.consecutiveFailures++
	if b.consecutiveFailures >= b.failureThreshold {
		b.state = Open
		b.openedAt = time.Now()
		observ.Log("breaker_transition", map[string]any{"name": b.name, "from": string(from), "to": string(Open)})
		observ.IncCounter("breaker_transitions_total", map[string]string{"breaker": b.name, "from": string(from), "to": string(Open)})
	}
}

// Call executes fn if the breaker's state allows it, otherwise returns ErrOpen without
// invoking fn. Every call is counted; failures are classified to decide whether they
// count toward the open threshold.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	observ.IncCounter("breaker_calls_total", map[string]string{"breaker": b.name})

	proceed, rejectErr := b.allow()
	if !proceed {
		return rejectErr
	}

	err := fn(ctx)
	if err == nil {
		b.onSuccess()
		return nil
	}
	b.onFailure(b.classify(err))
	return err
}

// Name returns the breaker's label, used in metrics and logs.
func (b *Breaker) Name() string { return b.name }

// Snapshot is an immutable view of a breaker's current state for health reporting.
type Snapshot struct {
	Name                string
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
}

// Inspect returns a point-in-time snapshot without mutating state.
func (b *Breaker) Inspect() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{Name: b.name, State: b.state, ConsecutiveFailures: b.consecutiveFailures, OpenedAt: b.openedAt}
}
