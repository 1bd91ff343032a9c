package dbconn

import (
	"sync"
	"sync/atomic"
	"time"
)

// Response is opaque to the core; it carries whatever correlation id the
// pipeline used to match it to its Request, and is produced by the codec
// layer above.
type Response interface {
	CorrelationID() string
}

// Outcome is what a Request's completion handle is signaled with: exactly
// one of Response/error is meaningful, under a single-assignment contract.
type Outcome struct {
	Response Response
	Err      error
}

// Request is the core's abstract unit of work. A Request is created by a
// caller above the endpoint, handed to Endpoint.Send, and resolves exactly
// once via its completion handle — with a Response, a transport/protocol
// error, or a CancelledError.
type Request struct {
	ServiceType ServiceType
	CreatedAt   time.Time
	Deadline    time.Time

	ctx *RequestContext

	retryAttempts atomic.Int32

	mu        sync.Mutex
	done      chan struct{}
	doneOnce  sync.Once
	completed atomic.Bool
	cancelled atomic.Bool
	outcome   Outcome
}

// NewRequest creates a Request bound to the given RequestContext and
// deadline. The returned Request's completion handle is unsignaled.
func NewRequest(svc ServiceType, ctx *RequestContext, deadline time.Time, now time.Time) *Request {
	r := &Request{
		ServiceType: svc,
		CreatedAt:   now,
		Deadline:    deadline,
		ctx:         ctx,
		done:        make(chan struct{}),
	}
	ctx.cancelFn = r.Cancel
	return r
}

// Context returns the request's RequestContext.
func (r *Request) Context() *RequestContext { return r.ctx }

// RetryAttempts returns how many times this request has been re-dispatched
// on the same endpoint (local retries only; cross-endpoint retry is a
// router-layer concern, not the endpoint's).
func (r *Request) RetryAttempts() int32 { return r.retryAttempts.Load() }

// IncrementRetryAttempts records one more local retry and returns the new
// count.
func (r *Request) IncrementRetryAttempts() int32 { return r.retryAttempts.Add(1) }

// IsActive is true iff the completion handle is unsignaled and the
// cancellation flag is unset.
func (r *Request) IsActive() bool {
	return !r.completed.Load() && !r.cancelled.Load()
}

// Complete signals the completion handle with a successful or failed
// outcome. Single-assignment: a second call (whether via Complete or a
// racing Cancel) is ignored.
func (r *Request) Complete(resp Response, err error) {
	r.resolve(Outcome{Response: resp, Err: err})
}

// Cancel sets the cancellation flag and, if the completion handle is still
// unsignaled, signals it with a *CancelledError carrying reason. A second
// call (including one racing a normal Complete) is a no-op.
func (r *Request) Cancel(reason CancelReason) {
	r.cancelled.Store(true)
	r.resolve(Outcome{Err: &CancelledError{Reason: reason}})
}

// resolve performs the exactly-once assignment regardless of whether it
// arrived via Complete or Cancel; sync.Once guarantees the race between a
// concurrent pipeline completion and a concurrent timer cancellation always
// picks exactly one winner.
func (r *Request) resolve(o Outcome) {
	r.doneOnce.Do(func() {
		r.mu.Lock()
		r.outcome = o
		r.mu.Unlock()
		r.completed.Store(true)
		close(r.done)
	})
}

// Done returns a channel closed once the request resolves, for callers that
// want to select on completion alongside other events.
func (r *Request) Done() <-chan struct{} { return r.done }

// Outcome returns the resolved outcome. Only valid after Done() is closed;
// callers racing completion should select on Done first.
func (r *Request) Outcome() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}
