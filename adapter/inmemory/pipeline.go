package inmemory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lucidgraph/dbconn"
)

// errIdleTimeout is the cause reported to onInactive when the idle-
// connection watchdog fires.
var errIdleTimeout = errors.New("inmemory: channel idle timeout exceeded")

// Responder simulates whatever a real service would compute for req. It is
// the test/example author's hook into the simulated wire; errors here are
// wire-level failures, not application-level ones.
type Responder func(ctx context.Context, req *dbconn.Request) (any, error)

// Response is the dbconn.Response implementation this package produces.
type Response struct {
	id      string
	Payload any
}

// CorrelationID implements dbconn.Response.
func (r *Response) CorrelationID() string { return r.id }

// correlationHandler is a minimal dbconn.CorrelationHandler keyed by the
// request's own process-wide RequestID. Entries live in a map: insertion
// order is not kept, and FailAll resolves them in no particular order.
// Simplified from trickstertwo-xbus/adapter/memory/adapter.go's
// topic/group/queue shape since this package correlates one response per
// request instead of
// fanning a message out to N subscriber groups.
type correlationHandler struct {
	mu      sync.Mutex
	pending map[string]*dbconn.Request
}

func newCorrelationHandler() *correlationHandler {
	return &correlationHandler{pending: make(map[string]*dbconn.Request)}
}

func requestKey(req *dbconn.Request) string {
	return strconv.FormatUint(req.Context().RequestID, 10)
}

func (h *correlationHandler) Register(req *dbconn.Request) {
	h.mu.Lock()
	h.pending[requestKey(req)] = req
	h.mu.Unlock()
}

func (h *correlationHandler) Resolve(resp dbconn.Response) bool {
	h.mu.Lock()
	req, ok := h.pending[resp.CorrelationID()]
	if ok {
		delete(h.pending, resp.CorrelationID())
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	req.Complete(resp, nil)
	return true
}

func (h *correlationHandler) failByID(id string, err error) bool {
	h.mu.Lock()
	req, ok := h.pending[id]
	if ok {
		delete(h.pending, id)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	req.Complete(nil, err)
	return true
}

func (h *correlationHandler) FailAll(err error) {
	h.mu.Lock()
	pending := h.pending
	h.pending = make(map[string]*dbconn.Request)
	h.mu.Unlock()
	for _, req := range pending {
		req.Complete(nil, err)
	}
}

func (h *correlationHandler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Pipeline is the in-memory dbconn.Pipeline: every Write spawns one
// short-lived goroutine that calls Responder and resolves the request
// through the correlation handler, simulating asynchronous wire
// round-trips without any actual I/O.
type Pipeline struct {
	ch          *Channel
	responder   Responder
	corr        *correlationHandler
	maxInFlight int
	inFlight    atomic.Int32
	closed      atomic.Bool
	onInactive  func(error)

	idleTimeout  time.Duration
	idleTimer    *time.Timer
	inactiveOnce sync.Once
}

// NewPipelineInitializer builds a dbconn.PipelineInitializer that installs
// a Pipeline driven by responder on top of whatever *Channel the endpoint's
// Dialer produced. maxInFlight <= 0 means unbounded. If opts.IdleTimeout is
// positive, an idle-connection watchdog fires onInactive after that long
// without a Write, resetting on every subsequent Write.
func NewPipelineInitializer(responder Responder, maxInFlight int) dbconn.PipelineInitializer {
	return func(ch dbconn.Channel, ectx dbconn.EndpointContext, opts dbconn.PipelineOptions, onInactive func(error)) (dbconn.Pipeline, error) {
		mch, ok := ch.(*Channel)
		if !ok {
			return nil, fmt.Errorf("inmemory: unexpected channel type %T", ch)
		}
		p := &Pipeline{
			ch:          mch,
			responder:   responder,
			corr:        newCorrelationHandler(),
			maxInFlight: maxInFlight,
			onInactive:  onInactive,
			idleTimeout: opts.IdleTimeout,
		}
		if p.idleTimeout > 0 {
			p.idleTimer = time.AfterFunc(p.idleTimeout, func() { p.reportInactive(errIdleTimeout) })
		}
		return p, nil
	}
}

// Write implements dbconn.Pipeline.
func (p *Pipeline) Write(ctx context.Context, req *dbconn.Request) error {
	if p.closed.Load() {
		return dbconn.ErrEndpointNotAvailable
	}

	if p.idleTimer != nil {
		p.idleTimer.Reset(p.idleTimeout)
	}

	id := requestKey(req)
	p.corr.Register(req)
	p.inFlight.Add(1)

	go func() {
		defer p.inFlight.Add(-1)
		payload, err := p.responder(ctx, req)
		if err != nil {
			p.corr.failByID(id, err)
			return
		}
		p.corr.Resolve(&Response{id: id, Payload: payload})
	}()
	return nil
}

// Free implements dbconn.Pipeline.
func (p *Pipeline) Free() bool {
	if p.closed.Load() {
		return false
	}
	if p.maxInFlight <= 0 {
		return true
	}
	return int(p.inFlight.Load()) < p.maxInFlight
}

// Close implements dbconn.Pipeline: fails every still-pending request with
// ChannelClosedWhileInFlight, then closes the underlying Channel.
func (p *Pipeline) Close(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	p.corr.FailAll(&dbconn.CancelledError{Reason: dbconn.ChannelClosedWhileInFlight})
	return p.ch.Close()
}

// Pending returns the number of requests this pipeline is still awaiting a
// response for. Exposed for tests.
func (p *Pipeline) Pending() int { return p.corr.Pending() }

// reportInactive invokes onInactive at most once, whether it was triggered
// by the idle timer or by SimulateInactive.
func (p *Pipeline) reportInactive(cause error) {
	p.inactiveOnce.Do(func() {
		if p.onInactive != nil {
			p.onInactive(cause)
		}
	})
}

// SimulateInactive invokes the onInactive callback the endpoint supplied at
// pipeline-init time, standing in for a real idle-connection watchdog
// firing. Test-only; production adapters detect this from the wire.
func (p *Pipeline) SimulateInactive(cause error) {
	p.reportInactive(cause)
}
