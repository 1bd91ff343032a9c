package dbconn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xclock"
)

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig(), xclock.Default())
	assert.Equal(t, BreakerClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_DisabledAlwaysAllows(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig()
	cfg.Enabled = false
	cb := NewCircuitBreaker(cfg, xclock.Default())

	for i := 0; i < 100; i++ {
		cb.RecordFailure()
	}
	assert.True(t, cb.Allow())
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreaker_OpensOnVolumeAndRatio(t *testing.T) {
	cfg := CircuitBreakerConfig{
		Enabled:               true,
		ErrorThresholdPercent: 50,
		VolumeThreshold:       10,
		SleepWindow:           50 * time.Millisecond,
		RollingWindow:         time.Minute,
		HalfOpenProbeLimit:    1,
	}
	cb := NewCircuitBreaker(cfg, xclock.Default())

	// Under the volume threshold: even 100% failures must not open it.
	for i := 0; i < 9; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, BreakerClosed, cb.State())

	// 10th sample crosses the volume threshold at a 100% failure ratio.
	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_StaysClosedBelowErrorRatio(t *testing.T) {
	cfg := CircuitBreakerConfig{
		Enabled:               true,
		ErrorThresholdPercent: 50,
		VolumeThreshold:       10,
		SleepWindow:           50 * time.Millisecond,
		RollingWindow:         time.Minute,
		HalfOpenProbeLimit:    1,
	}
	cb := NewCircuitBreaker(cfg, xclock.Default())

	for i := 0; i < 10; i++ {
		cb.RecordSuccess()
	}
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	// 4/14 ~= 28%, below the 50% threshold.
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreaker_OpenTransitionsToHalfOpenAfterSleepWindow(t *testing.T) {
	cfg := CircuitBreakerConfig{
		Enabled:               true,
		ErrorThresholdPercent: 50,
		VolumeThreshold:       1,
		SleepWindow:           20 * time.Millisecond,
		RollingWindow:         time.Minute,
		HalfOpenProbeLimit:    1,
	}
	cb := NewCircuitBreaker(cfg, xclock.Default())

	cb.RecordFailure()
	require.Equal(t, BreakerOpen, cb.State())

	require.Eventually(t, func() bool {
		return cb.State() == BreakerHalfOpen
	}, time.Second, 5*time.Millisecond)
}

func TestCircuitBreaker_HalfOpenProbeLimitDeniesExtraCallers(t *testing.T) {
	cfg := CircuitBreakerConfig{
		Enabled:               true,
		ErrorThresholdPercent: 50,
		VolumeThreshold:       1,
		SleepWindow:           10 * time.Millisecond,
		RollingWindow:         time.Minute,
		HalfOpenProbeLimit:    1,
	}
	cb := NewCircuitBreaker(cfg, xclock.Default())
	cb.RecordFailure()

	require.Eventually(t, func() bool {
		return cb.State() == BreakerHalfOpen
	}, time.Second, 2*time.Millisecond)

	assert.True(t, cb.Allow())
	assert.False(t, cb.Allow(), "a second concurrent probe must be denied while one is in flight")
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cfg := CircuitBreakerConfig{
		Enabled:               true,
		ErrorThresholdPercent: 50,
		VolumeThreshold:       1,
		SleepWindow:           10 * time.Millisecond,
		RollingWindow:         time.Minute,
		HalfOpenProbeLimit:    1,
	}
	cb := NewCircuitBreaker(cfg, xclock.Default())
	cb.RecordFailure()

	require.Eventually(t, func() bool {
		return cb.State() == BreakerHalfOpen
	}, time.Second, 2*time.Millisecond)

	require.True(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, BreakerClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := CircuitBreakerConfig{
		Enabled:               true,
		ErrorThresholdPercent: 50,
		VolumeThreshold:       1,
		SleepWindow:           10 * time.Millisecond,
		RollingWindow:         time.Minute,
		HalfOpenProbeLimit:    1,
	}
	cb := NewCircuitBreaker(cfg, xclock.Default())
	cb.RecordFailure()

	require.Eventually(t, func() bool {
		return cb.State() == BreakerHalfOpen
	}, time.Second, 2*time.Millisecond)

	require.True(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
}

func TestCircuitBreaker_RollingWindowEvictsOldSamples(t *testing.T) {
	cfg := CircuitBreakerConfig{
		Enabled:               true,
		ErrorThresholdPercent: 50,
		VolumeThreshold:       3,
		SleepWindow:           time.Minute,
		RollingWindow:         30 * time.Millisecond,
		HalfOpenProbeLimit:    1,
	}
	cb := NewCircuitBreaker(cfg, xclock.Default())

	cb.RecordFailure()
	cb.RecordFailure()
	require.Equal(t, 2, cb.SampleCount())

	require.Eventually(t, func() bool {
		return cb.SampleCount() == 0
	}, time.Second, 5*time.Millisecond)

	// A fresh failure after the window emptied must not immediately open
	// the breaker, since it alone is still below the volume threshold.
	cb.RecordFailure()
	assert.Equal(t, BreakerClosed, cb.State())
}
