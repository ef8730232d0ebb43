package errors

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	// Given: a circuit breaker with max 3 failures
	cb := NewCircuitBreaker("provider", WithMaxFailures(3), WithResetTimeout(time.Second))

	// When: recording 3 failures
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errors.New("down") })
	}

	// Then: circuit is open and calls are rejected without running
	assert.Equal(t, StateOpen, cb.State())
	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("provider", WithMaxFailures(1), WithResetTimeout(50*time.Millisecond))
	cb.now = func() time.Time { return now }

	_ = cb.Execute(func() error { return errors.New("down") })
	require.Equal(t, StateOpen, cb.State())

	// When: the reset timeout passes
	now = now.Add(100 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Then: a successful probe closes the circuit
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("provider", WithMaxFailures(2), WithResetTimeout(10*time.Millisecond))
	cb.now = func() time.Time { return now }

	_ = cb.Execute(func() error { return errors.New("down") })
	_ = cb.Execute(func() error { return errors.New("down") })
	now = now.Add(20 * time.Millisecond)

	err := cb.Execute(func() error { return errors.New("still down") })
	assert.EqualError(t, err, "still down")
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitExecute_Generic(t *testing.T) {
	cb := NewCircuitBreaker("provider")

	v, err := CircuitExecute(cb, func() ([]float32, error) { return []float32{1, 2}, nil })
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, v)
	assert.Equal(t, "closed", cb.State().String())
}
