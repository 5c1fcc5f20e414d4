// Package agent implements the Loop Agent (spec §4.1): the top-level OODA state machine
// that sequences PERCEPTION → REASONING → RISK_CHECK → EXECUTION → LEARNING, enforces the
// pre-trade gates, and owns Run/Stop/EmergencyStop/UpdateConfig. The transition table
// itself is plain data (state, event, next-state) independent of any provider or
// platform, so it can be property-tested in isolation — grounded on the teacher's
// explicit state-enum-plus-table style in internal/risk/circuitbreaker.go, generalized
// from that package's single breaker state machine to the top-level loop's seven states.
package agent

// State is one node of the OODA loop's state machine.
type State string

const (
	StateIdle       State = "IDLE"
	StateLearning   State = "LEARNING"
	StatePerception State = "PERCEPTION"
	StateReasoning  State = "REASONING"
	StateRiskCheck  State = "RISK_CHECK"
	StateExecution  State = "EXECUTION"
	StateStopped    State = "STOPPED" // terminal: reached only via Stop/EmergencyStop/fatal error
)

// Event is a labeled condition that drives a transition out of the current state.
type Event string

const (
	EventIntervalElapsed     Event = "interval_elapsed"
	EventOutcomesProcessed   Event = "outcomes_processed"
	EventKillSwitchTriggered Event = "kill_switch_triggered"
	EventDataPortfolioOK     Event = "data_portfolio_ok"
	EventActionableSignal    Event = "actionable_signal"
	EventNoActionableSignal  Event = "no_actionable_signal"
	EventApproved            Event = "approved"
	EventRejected            Event = "rejected"
	EventExecutionSuccess    Event = "execution_success"
	EventExecutionFailure    Event = "execution_failure"
	EventStopRequested       Event = "stop_requested"
)

// Transition is one (state, event) -> next-state row of the loop's control flow, per
// spec §4.1's table and the "control flow as data" requirement in spec §8.
type Transition struct {
	From  State
	Event Event
	To    State
}

// Table is the complete, fixed transition table for the OODA loop. It is intentionally
// plain data: Next below is a pure function over it, so the full loop can be exercised
// with property-based tests without a real agent, providers, or platform.
var Table = []Transition{
	{StateIdle, EventIntervalElapsed, StateLearning},
	{StateLearning, EventOutcomesProcessed, StatePerception},
	{StatePerception, EventKillSwitchTriggered, StateStopped},
	{StatePerception, EventDataPortfolioOK, StateReasoning},
	{StateReasoning, EventActionableSignal, StateRiskCheck},
	{StateReasoning, EventNoActionableSignal, StateIdle},
	{StateRiskCheck, EventApproved, StateExecution},
	{StateRiskCheck, EventRejected, StatePerception},
	{StateExecution, EventExecutionSuccess, StateLearning},
	{StateExecution, EventExecutionFailure, StatePerception},
	{StateIdle, EventStopRequested, StateStopped},
	{StateLearning, EventStopRequested, StateStopped},
	{StatePerception, EventStopRequested, StateStopped},
	{StateReasoning, EventStopRequested, StateStopped},
	{StateRiskCheck, EventStopRequested, StateStopped},
	{StateExecution, EventStopRequested, StateStopped},
}

// Next looks up the table for a (from, event) row. ok is false when no such row exists,
// e.g. an event that doesn't apply in the current state — callers must treat that as a
// programming error, not a silent no-op.
func Next(from State, event Event) (to State, ok bool) {
	for _, t := range Table {
		if t.From == from && t.Event == event {
			return t.To, true
		}
	}
	return from, false
}

// IsTerminal reports whether s has no outgoing transitions other than ones already taken
// to reach it, i.e. whether the loop has stopped.
func IsTerminal(s State) bool {
	return s == StateStopped
}
