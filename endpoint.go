package dbconn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// State is the externally observable lifecycle state of an Endpoint.
// Connected_CircuitOpen and Connected_CircuitHalfOpen are derived on read
// from the endpoint's CircuitBreaker rather than stored separately, so the
// breaker and the endpoint's reported state can never drift apart.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnectedCircuitClosed
	StateConnectedCircuitOpen
	StateConnectedCircuitHalfOpen
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnectedCircuitClosed:
		return "connected_circuit_closed"
	case StateConnectedCircuitOpen:
		return "connected_circuit_open"
	case StateConnectedCircuitHalfOpen:
		return "connected_circuit_half_open"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// coarseState is the driver's own state variable. Connected subsumes all
// three breaker substates; State() expands it by consulting the breaker.
type coarseState int32

const (
	coarseDisconnected coarseState = iota
	coarseConnecting
	coarseConnected
	coarseDisconnecting
)

// FailureClassifier decides whether a resolved request counts as a circuit
// breaker failure. A composition seam in place of per-service endpoint
// subclassing.
type FailureClassifier func(resp Response, err error) bool

// DefaultFailureClassifier treats any non-nil error as a failure, except a
// locally/context-cancelled request: cancellation that did not originate
// from a deadline is not evidence of remote ill health.
func DefaultFailureClassifier(resp Response, err error) bool {
	if err == nil {
		return false
	}
	var ce *CancelledError
	if errors.As(err, &ce) {
		return ce.Reason == TimedOut
	}
	return true
}

// pipelineSlot is the boxed value behind Endpoint.pipelineSlot, letting Send
// read the live Pipeline lock-free from any goroutine while the driver
// goroutine owns every write to the slot.
type pipelineSlot struct {
	pipeline Pipeline
}

// Endpoint is a single logical connection to one remote service instance.
// All state transitions are executed by one driver goroutine; every public
// method either posts a closure onto that goroutine or reads state through
// an atomic/lock-free path explicitly designed for concurrent access (state
// snapshots, Send's pipeline dispatch).
type Endpoint struct {
	ctx          EndpointContext
	cfg          config
	dial         ChannelSupplier
	pipelineInit PipelineInitializer
	connectStep  ConnectStep
	classifier   FailureClassifier

	breaker *CircuitBreaker
	bus     EventBus
	ownsBus bool
	clock   xclock.Clock
	backoff *Backoff

	state        atomic.Int32
	pipelineSlot atomic.Pointer[pipelineSlot]

	actions chan func()
	closed  chan struct{}
	stopped sync.Once

	// The following fields are touched exclusively from within closures run
	// by the driver goroutine (run); they need no lock of their own because
	// the driver never runs two closures concurrently.
	channel           Channel
	connectedAt       time.Time
	attempt           int
	pendingAttempt    bool
	disconnecting     bool
	reconnectGen      uint64
	retryTimerCancel  func()
	disconnectWaiters []chan struct{}
}

// NewEndpoint constructs an Endpoint in the Disconnected state and starts
// its driver goroutine. dial performs one physical connect attempt; init
// builds the Pipeline on top of the resulting Channel. Neither is invoked
// until Connect is called.
func NewEndpoint(host string, port uint16, svc ServiceType, core CoreContext, dial ChannelSupplier, init PipelineInitializer, opts ...Option) (*Endpoint, error) {
	if host == "" || port == 0 {
		return nil, ErrInvalidAddress{Host: host, Port: port}
	}
	if !svc.Valid() {
		return nil, ErrInvalidServiceType{ServiceType: svc}
	}
	if dial == nil || init == nil {
		return nil, ErrInvalidTransition
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.clock == nil {
		cfg.clock = xclock.Default()
	}
	ownsBus := cfg.eventBus == nil
	if ownsBus {
		cfg.eventBus = NewEventBus(4, 256)
	}
	if cfg.classifier == nil {
		cfg.classifier = DefaultFailureClassifier
	}
	if cfg.logger != nil {
		cfg.eventBus.Subscribe(LoggingObserver{Logger: cfg.logger})
	} else {
		cfg.eventBus.Subscribe(LoggingObserver{Logger: xlog.Default()})
	}

	e := &Endpoint{
		ctx:          NewEndpointContext(core, host, port, svc),
		cfg:          cfg,
		dial:         dial,
		pipelineInit: init,
		connectStep:  cfg.connectStep,
		classifier:   cfg.classifier,
		breaker:      NewCircuitBreaker(cfg.breaker, cfg.clock),
		bus:          cfg.eventBus,
		ownsBus:      ownsBus,
		clock:        cfg.clock,
		backoff:      NewBackoff(cfg.backoff, cfg.backoffSeed),
		actions:      make(chan func(), 64),
		closed:       make(chan struct{}),
	}
	go e.run()
	return e, nil
}

// Identity returns the endpoint's (host, port, service type, id) tuple.
func (e *Endpoint) Identity() EndpointIdentity { return e.ctx.Identity }

// Events returns the EventBus the endpoint publishes lifecycle events to.
func (e *Endpoint) Events() EventBus { return e.bus }

// State returns a point-in-time snapshot of the endpoint's lifecycle state.
// Safe from any goroutine; may be stale by the time the caller acts on it.
func (e *Endpoint) State() State {
	switch coarseState(e.state.Load()) {
	case coarseConnecting:
		return StateConnecting
	case coarseDisconnecting:
		return StateDisconnecting
	case coarseConnected:
		switch e.breaker.State() {
		case BreakerOpen:
			return StateConnectedCircuitOpen
		case BreakerHalfOpen:
			return StateConnectedCircuitHalfOpen
		default:
			return StateConnectedCircuitClosed
		}
	default:
		return StateDisconnected
	}
}

// Free reports whether the currently installed pipeline has write capacity.
// Returns false when there is no pipeline (not connected).
func (e *Endpoint) Free() bool {
	slot := e.pipelineSlot.Load()
	if slot == nil || slot.pipeline == nil {
		return false
	}
	return slot.pipeline.Free()
}

// Connect idempotently starts (or no-ops if already started) the connect
// sequence. It never blocks; progress and outcome are observable via
// State() and the endpoint's EventBus.
func (e *Endpoint) Connect() {
	e.post(func() { e.handleConnect() })
}

// Disconnect idempotently tears the endpoint down and blocks until it
// reaches Disconnected, ctx is done, or the endpoint's driver has already
// stopped.
func (e *Endpoint) Disconnect(ctx context.Context) error {
	done := make(chan struct{})
	e.post(func() { e.handleDisconnect(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closed:
		return nil
	}
}

// Send dispatches req through the currently installed pipeline. It never
// blocks on network I/O; Write is expected to enqueue and return. Send
// returns ErrEndpointNotAvailable without touching req when the endpoint
// cannot accept work right now, leaving the caller free to retry elsewhere.
// If the pipeline's Write rejects req, Send resolves req with that error and
// returns it.
func (e *Endpoint) Send(req *Request) error {
	if coarseState(e.state.Load()) != coarseConnected {
		return ErrEndpointNotAvailable
	}

	slot := e.pipelineSlot.Load()
	if slot == nil || slot.pipeline == nil {
		return ErrEndpointNotAvailable
	}

	if !req.IsActive() {
		// Already resolved (e.g. cancelled by a deadline) before we got
		// here; nothing left to dispatch.
		return nil
	}

	// Allow comes last: every grant it hands out (in particular a HalfOpen
	// probe slot) is released by trackOutcome below.
	if !e.breaker.Allow() {
		return ErrEndpointNotAvailable
	}

	now := e.clock.Now()
	req.Context().stampDispatchLatency(int64(now.Sub(req.CreatedAt)))
	e.trackOutcome(req)

	dctx := context.Background()
	hasDeadline := !req.Deadline.IsZero()
	var cancel context.CancelFunc = func() {}
	if hasDeadline {
		dctx, cancel = context.WithDeadline(dctx, req.Deadline)
	}

	if err := slot.pipeline.Write(dctx, req); err != nil {
		// pipeline.go's Write contract: a non-nil error means req was
		// rejected before it could be queued, and the caller (us) owns
		// resolving it. trackOutcome is already waiting on req.Done(), so
		// this is also what releases the breaker's Allow() grant (in
		// particular a HalfOpen probe slot) instead of wedging it forever.
		cancel()
		req.Complete(nil, err)
		return err
	}
	// Write is documented to enqueue and return without blocking, so the
	// pipeline's async work (e.g. adapter/inmemory's per-request goroutine)
	// keeps reading dctx after Send has already returned. Cancelling it here
	// via defer would fire the instant Send returns, before the deadline
	// ever elapses, defeating deadline propagation to the transport. Instead
	// let dctx's own deadline expire it, and release the timer promptly once
	// req resolves either way.
	if hasDeadline {
		go func() {
			<-req.Done()
			cancel()
		}()
	}
	return nil
}

// Stop permanently shuts down the driver goroutine. Callers that intend to
// keep reusing the Endpoint (e.g. reconnecting later) should not call Stop;
// it is meant for final teardown once the endpoint is no longer needed. If
// no EventBus was injected via WithEventBus, the endpoint owns the bus it
// created and closes it here too; a shared, caller-supplied bus outlives
// the endpoint and is left running.
func (e *Endpoint) Stop() {
	e.stopped.Do(func() {
		close(e.closed)
		if e.ownsBus {
			_ = e.bus.Close(e.cfg.disconnectTimeout)
		}
	})
}

// trackOutcome arranges for req's eventual resolution to feed the circuit
// breaker exactly once. One goroutine per in-flight request, mirroring the
// per-request waiter pattern used by net/http's persistent connections.
func (e *Endpoint) trackOutcome(req *Request) {
	go func() {
		<-req.Done()
		outcome := req.Outcome()
		if e.classifier(outcome.Response, outcome.Err) {
			e.breaker.RecordFailure()
		} else {
			e.breaker.RecordSuccess()
		}
	}()
}

// post hands fn to the driver goroutine. Safe to call from any goroutine,
// including from within another closure already running on the driver
// (e.g. a retry timer firing back into the action channel).
func (e *Endpoint) post(fn func()) {
	select {
	case e.actions <- fn:
	case <-e.closed:
	}
}

// run is the endpoint's single owning goroutine: every mutation of driver
// state happens here, so no lock is needed to protect it.
func (e *Endpoint) run() {
	for {
		select {
		case fn := <-e.actions:
			fn()
		case <-e.closed:
			return
		}
	}
}

func (e *Endpoint) setCoarse(s coarseState) {
	e.state.Store(int32(s))
}

// handleConnect implements the Disconnected -> Connecting transition. A
// call while already Connecting, Connected, or Disconnecting is a no-op;
// Connect is meant to be safe to call speculatively.
func (e *Endpoint) handleConnect() {
	if coarseState(e.state.Load()) != coarseDisconnected {
		return
	}
	e.setCoarse(coarseConnecting)
	e.reconnectGen++
	e.attempt = 0
	e.disconnecting = false
	e.startConnectAttempt(e.reconnectGen)
}

// startConnectAttempt launches one dial+handshake+pipeline-init cycle on a
// helper goroutine and posts the result back onto the driver.
func (e *Endpoint) startConnectAttempt(gen uint64) {
	e.attempt++
	attemptNum := e.attempt
	e.pendingAttempt = true
	start := e.clock.Now()

	dctx, cancel := context.WithTimeout(context.Background(), e.cfg.connectTimeout)
	go func() {
		defer cancel()
		ch, err := e.dial(dctx)
		if err == nil && e.connectStep != nil {
			if herr := e.connectStep(dctx, ch); herr != nil {
				_ = ch.Close()
				ch, err = nil, herr
			}
		}
		elapsed := e.clock.Since(start)
		e.post(func() { e.handleConnectResult(gen, attemptNum, ch, err, elapsed) })
	}()
}

// handleConnectResult resolves one connect attempt. The driver goroutine is
// the single critical section: every decision about what the just-arrived
// channel (or error) means is made here, after re-checking whatever
// disconnect may have been requested in the meantime.
func (e *Endpoint) handleConnectResult(gen uint64, attemptNum int, ch Channel, err error, elapsed time.Duration) {
	if gen != e.reconnectGen {
		// A newer connect cycle has already started; this result belongs to
		// a cycle nobody cares about any more.
		if ch != nil {
			_ = ch.Close()
		}
		return
	}

	if e.disconnecting {
		e.pendingAttempt = false
		e.disconnecting = false
		if err == nil && ch != nil {
			e.bus.Publish(endpointConnectionIgnored(e.ctx))
			_ = ch.Close()
			e.setCoarse(coarseDisconnected)
			e.bus.Publish(endpointDisconnected(e.ctx, 0))
		} else {
			e.setCoarse(coarseDisconnected)
			e.bus.Publish(endpointConnectionAborted(e.ctx))
		}
		e.releaseDisconnectWaiters()
		return
	}

	e.pendingAttempt = false

	if err != nil {
		e.bus.Publish(endpointConnectionFailed(e.ctx, elapsed, err))
		wait := e.backoff.Next(attemptNum)
		e.scheduleRetry(gen, wait)
		return
	}

	pipelineOpts := PipelineOptions{IdleTimeout: e.cfg.idleHTTPTimeout}
	pipeline, perr := e.pipelineInit(ch, e.ctx, pipelineOpts, func(cause error) { e.post(func() { e.handleChannelInactive(gen, cause) }) })
	if perr != nil {
		_ = ch.Close()
		e.bus.Publish(endpointConnectionFailed(e.ctx, elapsed, perr))
		wait := e.backoff.Next(attemptNum)
		e.scheduleRetry(gen, wait)
		return
	}

	e.channel = ch
	e.connectedAt = e.clock.Now()
	e.pipelineSlot.Store(&pipelineSlot{pipeline: pipeline})
	e.setCoarse(coarseConnected)
	e.bus.Publish(endpointConnected(e.ctx, elapsed))
}

// scheduleRetry arms the backoff timer for the next attempt, cancellable by
// a concurrent disconnect via retryTimerCancel.
func (e *Endpoint) scheduleRetry(gen uint64, wait time.Duration) {
	timer := e.clock.AfterFunc(wait, func() {
		e.post(func() {
			if gen != e.reconnectGen || coarseState(e.state.Load()) != coarseConnecting {
				return
			}
			e.retryTimerCancel = nil
			e.startConnectAttempt(gen)
		})
	})
	e.retryTimerCancel = func() { timer.Stop() }
}

// handleChannelInactive implements the Connected_* -> Connecting transition
// fired when a pipeline's idle watchdog detects a dead channel outside of a
// commanded disconnect.
func (e *Endpoint) handleChannelInactive(gen uint64, cause error) {
	if gen != e.reconnectGen || coarseState(e.state.Load()) != coarseConnected {
		return
	}
	connectedFor := e.clock.Since(e.connectedAt)
	slot := e.pipelineSlot.Load()
	e.pipelineSlot.Store(nil)
	e.channel = nil

	e.setCoarse(coarseConnecting)
	e.bus.Publish(endpointDisconnected(e.ctx, connectedFor))

	e.reconnectGen++
	e.attempt = 0
	e.startConnectAttempt(e.reconnectGen)

	if slot != nil && slot.pipeline != nil {
		go func() {
			cctx, cancel := context.WithTimeout(context.Background(), e.cfg.disconnectTimeout)
			defer cancel()
			_ = slot.pipeline.Close(cctx)
		}()
	}
	_ = cause // not attached to the EndpointDisconnected event and not logged here.
}

// handleDisconnect implements every disconnect()-initiated transition. done
// is closed once the endpoint has fully reached Disconnected (or
// immediately, if it already was).
func (e *Endpoint) handleDisconnect(done chan struct{}) {
	switch coarseState(e.state.Load()) {
	case coarseDisconnected:
		close(done)

	case coarseConnecting:
		if e.pendingAttempt {
			e.disconnecting = true
			e.disconnectWaiters = append(e.disconnectWaiters, done)
			return
		}
		if e.retryTimerCancel != nil {
			e.retryTimerCancel()
			e.retryTimerCancel = nil
		}
		e.setCoarse(coarseDisconnected)
		e.bus.Publish(endpointConnectionAborted(e.ctx))
		close(done)

	case coarseConnected:
		e.setCoarse(coarseDisconnecting)
		e.disconnectWaiters = append(e.disconnectWaiters, done)
		connectedFor := e.clock.Since(e.connectedAt)
		gen := e.reconnectGen
		slot := e.pipelineSlot.Load()
		e.pipelineSlot.Store(nil)

		go func() {
			cctx, cancel := context.WithTimeout(context.Background(), e.cfg.disconnectTimeout)
			defer cancel()
			var cerr error
			if slot != nil && slot.pipeline != nil {
				res := make(chan error, 1)
				go func() { res <- slot.pipeline.Close(cctx) }()
				select {
				case cerr = <-res:
				case <-cctx.Done():
				}
			}
			if cerr == nil && cctx.Err() == context.DeadlineExceeded {
				cerr = ErrDisconnectTimeout
			}
			e.post(func() { e.handleDisconnectResult(gen, cerr, connectedFor) })
		}()

	case coarseDisconnecting:
		e.disconnectWaiters = append(e.disconnectWaiters, done)
	}
}

// handleDisconnectResult finalizes a Connected* -> Disconnecting ->
// Disconnected cycle once the pipeline has actually closed.
func (e *Endpoint) handleDisconnectResult(gen uint64, cerr error, connectedFor time.Duration) {
	if gen == e.reconnectGen {
		e.channel = nil
	}
	e.setCoarse(coarseDisconnected)
	if cerr != nil {
		e.bus.Publish(endpointDisconnectionFailed(e.ctx, cerr))
	} else {
		e.bus.Publish(endpointDisconnected(e.ctx, connectedFor))
	}
	e.releaseDisconnectWaiters()
}

func (e *Endpoint) releaseDisconnectWaiters() {
	for _, w := range e.disconnectWaiters {
		close(w)
	}
	e.disconnectWaiters = nil
}
