package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensExactlyAtThreshold(t *testing.T) {
	b := New(Config{Name: "platform", FailureThreshold: 5, RecoveryTimeout: time.Minute})
	failing := func(context.Context) error { return errors.New("boom") }

	for i := 0; i < 4; i++ {
		err := b.Call(context.Background(), failing)
		require.Error(t, err)
		assert.Equal(t, Closed, b.State(), "must stay closed before reaching threshold")
	}

	err := b.Call(context.Background(), failing)
	require.Error(t, err)
	assert.Equal(t, Open, b.State(), "must open exactly at the 5th consecutive failure")
}

func TestBreaker_RejectsWhileOpen(t *testing.T) {
	b := New(Config{Name: "platform", FailureThreshold: 1, RecoveryTimeout: time.Hour})
	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("boom") })
	require.Equal(t, Open, b.State())

	called := false
	err := b.Call(context.Background(), func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "the wrapped function must not run while open")
}

func TestBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	b := New(Config{Name: "platform", FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})
	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("boom") })
	require.Equal(t, Open, b.State())

	time.Sleep(15 * time.Millisecond)

	called := false
	err := b.Call(context.Background(), func(context.Context) error { called = true; return nil })
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, Closed, b.State(), "success in half-open must close the breaker and reset counters")
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(Config{Name: "platform", FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})
	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("boom") })
	time.Sleep(15 * time.Millisecond)

	err := b.Call(context.Background(), func(context.Context) error { return errors.New("boom again") })
	require.Error(t, err)
	assert.Equal(t, Open, b.State())
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	b := New(Config{Name: "platform", FailureThreshold: 3, RecoveryTimeout: time.Minute})
	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("boom") })
	_ = b.Call(context.Background(), func(context.Context) error { return nil })
	snap := b.Inspect()
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.Equal(t, Closed, snap.State)
}

func TestBreaker_PermanentFailuresDoNotCountTowardThreshold(t *testing.T) {
	classify := func(err error) FailureClass { return ClassPermanent }
	b := New(Config{Name: "platform", FailureThreshold: 1, RecoveryTimeout: time.Minute, Classifier: classify})

	for i := 0; i < 10; i++ {
		err := b.Call(context.Background(), func(context.Context) error { return errors.New("bad request") })
		require.Error(t, err)
	}
	assert.Equal(t, Closed, b.State(), "permanent/validation failures must never open the breaker")
}
