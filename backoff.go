package dbconn

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig parameterizes the exponential-with-full-jitter schedule
// used between failed connect attempts.
type BackoffConfig struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
}

// DefaultBackoffConfig returns base 32ms, factor 2, cap 4096ms, with
// jitter drawn uniformly from [0, current).
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:   32 * time.Millisecond,
		Factor: 2,
		Cap:    4096 * time.Millisecond,
	}
}

// Backoff computes full-jitter exponential backoff durations for a
// sequence of failed attempts. Not safe for concurrent use by multiple
// goroutines without external synchronization; an Endpoint owns exactly
// one Backoff for its lifetime and calls it only from its driver goroutine,
// consistent with the single-driver model.
type Backoff struct {
	cfg  BackoffConfig
	rand *rand.Rand
}

// NewBackoff builds a Backoff. seed pins the jitter sequence so tests can
// assert exact event counts.
func NewBackoff(cfg BackoffConfig, seed int64) *Backoff {
	return &Backoff{cfg: cfg, rand: rand.New(rand.NewSource(seed))}
}

// Next returns the wait duration before the (1-indexed) attempt-th retry.
// attempt 1 is the wait after the first failure.
func (b *Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	current := float64(b.cfg.Base) * math.Pow(b.cfg.Factor, float64(attempt-1))
	if capF := float64(b.cfg.Cap); current > capF {
		current = capF
	}
	if current <= 0 {
		return 0
	}
	n := int64(current)
	if n <= 0 {
		return 0
	}
	jitter := b.rand.Int63n(n)
	return time.Duration(jitter)
}
