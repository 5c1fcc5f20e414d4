package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNext_FollowsSpecTableForHappyPath(t *testing.T) {
	steps := []struct {
		from  State
		event Event
		want  State
	}{
		{StateIdle, EventIntervalElapsed, StateLearning},
		{StateLearning, EventOutcomesProcessed, StatePerception},
		{StatePerception, EventDataPortfolioOK, StateReasoning},
		{StateReasoning, EventActionableSignal, StateRiskCheck},
		{StateRiskCheck, EventApproved, StateExecution},
		{StateExecution, EventExecutionSuccess, StateLearning},
	}
	for _, step := range steps {
		got, ok := Next(step.from, step.event)
		assert.True(t, ok, "expected a transition for (%s, %s)", step.from, step.event)
		assert.Equal(t, step.want, got)
	}
}

func TestNext_NoActionableSignalReturnsToIdle(t *testing.T) {
	got, ok := Next(StateReasoning, EventNoActionableSignal)
	assert.True(t, ok)
	assert.Equal(t, StateIdle, got)
}

func TestNext_RejectedReturnsToPerception(t *testing.T) {
	got, ok := Next(StateRiskCheck, EventRejected)
	assert.True(t, ok)
	assert.Equal(t, StatePerception, got)
}

func TestNext_ExecutionFailureReturnsToPerception(t *testing.T) {
	got, ok := Next(StateExecution, EventExecutionFailure)
	assert.True(t, ok)
	assert.Equal(t, StatePerception, got)
}

func TestNext_KillSwitchStopsFromPerception(t *testing.T) {
	got, ok := Next(StatePerception, EventKillSwitchTriggered)
	assert.True(t, ok)
	assert.True(t, IsTerminal(got))
}

func TestNext_UnknownEventIsRejected(t *testing.T) {
	_, ok := Next(StateIdle, EventApproved)
	assert.False(t, ok, "RISK_CHECK's approved event must not apply while IDLE")
}

func TestNext_EveryNonTerminalStateHasAStopTransition(t *testing.T) {
	for _, s := range []State{StateIdle, StateLearning, StatePerception, StateReasoning, StateRiskCheck, StateExecution} {
		_, ok := Next(s, EventStopRequested)
		assert.True(t, ok, "state %s must accept a stop request", s)
	}
}

func TestTable_HasNoDuplicateFromEventPairs(t *testing.T) {
	seen := map[State]map[Event]bool{}
	for _, tr := range Table {
		if seen[tr.From] == nil {
			seen[tr.From] = map[Event]bool{}
		}
		assert.False(t, seen[tr.From][tr.Event], "duplicate transition row for (%s, %s)", tr.From, tr.Event)
		seen[tr.From][tr.Event] = true
	}
}
