package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/domain"
)

func sampleDecision(id string) domain.Decision {
	return domain.Decision{
		ID:        id,
		Timestamp: time.Now().UTC(),
		Asset:     domain.NewAssetPair("BTC", "USD"),
		Action:    domain.ActionBuy,
		Confidence: 80,
	}
}

func TestStore_SaveThenGetRoundTrips(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	d := sampleDecision("dec-1")
	require.NoError(t, s.Save(d))

	got, err := s.Get("dec-1")
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, d.Action, got.Action)
	assert.True(t, d.Asset.Equal(got.Asset))
}

func TestStore_SaveOverExistingProducesBackup(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, s.Save(sampleDecision("dec-1")))
	require.NoError(t, s.Save(sampleDecision("dec-1")))

	matches, err := filepath.Glob(filepath.Join(dir, "dec-1.json.*.bak"))
	require.NoError(t, err)
	assert.Len(t, matches, 1, "second Save over an existing id must leave exactly one backup")
}

func TestStore_AppendOutcomeThenSecondAppendFails(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Save(sampleDecision("dec-1")))

	outcome := domain.TradeOutcome{
		PositionID:  "pos-1",
		DecisionID:  "dec-1",
		ExitPrice:   105,
		ExitTime:    time.Now().UTC(),
		RealizedPnL: 5,
		ClosedBy:    domain.ClosedByTakeProfit,
	}
	require.NoError(t, s.Append("dec-1", outcome))

	got, err := s.Get("dec-1")
	require.NoError(t, err)
	require.NotNil(t, got.Outcome)
	assert.Equal(t, domain.ClosedByTakeProfit, got.Outcome.ClosedBy)

	err = s.Append("dec-1", outcome)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestStore_AppendOnMissingDecisionFails(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	err = s.Append("does-not-exist", domain.TradeOutcome{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListFiltersByApproval(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	approved := sampleDecision("dec-approved")
	approved.Approved = true
	rejected := sampleDecision("dec-rejected")
	rejected.Approved = false
	rejected.RejectionReason = "stale_data"

	require.NoError(t, s.Save(approved))
	require.NoError(t, s.Save(rejected))

	approvedOnly, err := s.List(Filter{ApprovedOnly: true}, 0)
	require.NoError(t, err)
	require.Len(t, approvedOnly, 1)
	assert.Equal(t, "dec-approved", approvedOnly[0].ID)
}
