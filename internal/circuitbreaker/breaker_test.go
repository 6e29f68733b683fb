package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream down")

func failingConfig(threshold uint32, cooldown time.Duration) *Config {
	cfg := DefaultConfig("test", threshold, cooldown)
	cfg.OnStateChange = nil
	return cfg
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	cb := New(failingConfig(3, time.Minute))

	for i := 0; i < 3; i++ {
		err := cb.Execute(func() error { return errUpstream })
		require.ErrorIs(t, err, errUpstream)
	}

	assert.Equal(t, StateOpen, cb.State())
	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen, "open breaker must short-circuit")
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	cb := New(failingConfig(3, time.Minute))

	cb.Execute(func() error { return errUpstream })
	cb.Execute(func() error { return errUpstream })
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return errUpstream })
	cb.Execute(func() error { return errUpstream })

	assert.Equal(t, StateClosed, cb.State(), "interleaved success keeps the breaker closed")
}

func TestHalfOpenProbeClosesOnSuccess(t *testing.T) {
	cb := New(failingConfig(2, 10*time.Millisecond))

	cb.Execute(func() error { return errUpstream })
	cb.Execute(func() error { return errUpstream })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	err := cb.Execute(func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenProbeReopensOnFailure(t *testing.T) {
	cb := New(failingConfig(2, 10*time.Millisecond))

	cb.Execute(func() error { return errUpstream })
	cb.Execute(func() error { return errUpstream })
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	cb.Execute(func() error { return errUpstream })
	assert.Equal(t, StateOpen, cb.State())
}

func TestHalfOpenLimitsProbes(t *testing.T) {
	cfg := failingConfig(1, 10*time.Millisecond)
	cfg.MaxRequests = 1
	cb := New(cfg)

	cb.Execute(func() error { return errUpstream })
	time.Sleep(20 * time.Millisecond)

	gen, err := cb.Allow()
	require.NoError(t, err)

	_, err = cb.Allow()
	assert.ErrorIs(t, err, ErrTooManyRequests, "only one in-flight probe in half-open")

	cb.RecordSuccess(gen)
	assert.Equal(t, StateClosed, cb.State())
}

func TestStaleGenerationResultsIgnored(t *testing.T) {
	cb := New(failingConfig(2, 10*time.Millisecond))

	gen, err := cb.Allow()
	require.NoError(t, err)

	cb.Execute(func() error { return errUpstream })
	cb.Execute(func() error { return errUpstream })
	require.Equal(t, StateOpen, cb.State())

	// A result from before the trip must not disturb the open state.
	cb.RecordSuccess(gen)
	assert.Equal(t, StateOpen, cb.State())
}
