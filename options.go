package dbconn

import (
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// config holds every Endpoint tunable, built up via Option values.
type config struct {
	connectTimeout    time.Duration
	idleHTTPTimeout   time.Duration
	disconnectTimeout time.Duration
	breaker           CircuitBreakerConfig
	backoff           BackoffConfig
	backoffSeed       int64
	eventBus          EventBus
	logger            *xlog.Logger
	clock             xclock.Clock
	connectStep       ConnectStep
	classifier        FailureClassifier
}

func defaultConfig() config {
	return config{
		connectTimeout:    2500 * time.Millisecond,
		idleHTTPTimeout:   4500 * time.Millisecond,
		disconnectTimeout: 10 * time.Second,
		breaker:           DefaultCircuitBreakerConfig(),
		backoff:           DefaultBackoffConfig(),
		backoffSeed:       1,
	}
}

// Option configures an Endpoint at construction time.
type Option func(*config)

// WithConnectTimeout sets the per-attempt connect deadline. Default 2.5s.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithIdleHTTPTimeout sets the idle-connection watchdog threshold the
// pipeline initializer installs. Default 4.5s.
func WithIdleHTTPTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.idleHTTPTimeout = d
		}
	}
}

// WithDisconnectTimeout sets the max wait during shutdown. Default 10s.
func WithDisconnectTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.disconnectTimeout = d
		}
	}
}

// WithCircuitBreakerConfig overrides the default breaker configuration.
func WithCircuitBreakerConfig(cfg CircuitBreakerConfig) Option {
	return func(c *config) { c.breaker = cfg }
}

// WithBackoffConfig overrides the default reconnect backoff schedule.
func WithBackoffConfig(cfg BackoffConfig) Option {
	return func(c *config) { c.backoff = cfg }
}

// WithBackoffSeed pins the jitter RNG seed, used by tests to assert exact
// event counts.
func WithBackoffSeed(seed int64) Option {
	return func(c *config) { c.backoffSeed = seed }
}

// WithEventBus attaches a shared EventBus handle. If omitted, the endpoint
// creates a private one sized for its own traffic.
func WithEventBus(b EventBus) Option {
	return func(c *config) { c.eventBus = b }
}

// WithLogger injects a custom xlog logger for the default LoggingObserver.
func WithLogger(l *xlog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithClock injects a custom xclock clock for the endpoint's timestamps,
// retry timers and circuit breaker. Defaults to xclock.Default().
func WithClock(cl xclock.Clock) Option {
	return func(c *config) { c.clock = cl }
}

// WithConnectStep attaches a handshake (auth/SASL) to run once per physical
// connect, after the Channel is dialed and before the Pipeline is built.
func WithConnectStep(step ConnectStep) Option {
	return func(c *config) { c.connectStep = step }
}

// WithFailureClassifier overrides DefaultFailureClassifier, the callback the
// endpoint uses to decide whether a resolved Request counts as a circuit
// breaker failure. A composition-based seam in place of per-service
// endpoint subclassing.
func WithFailureClassifier(fn FailureClassifier) Option {
	return func(c *config) {
		if fn != nil {
			c.classifier = fn
		}
	}
}
