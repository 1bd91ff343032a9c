package dbconn

import (
	"context"
	"time"
)

// Channel is the live transport-side handle an Endpoint owns at most one of
// at a time. It is deliberately thin: framing, codecs and correlation live
// in the Pipeline installed on top of it. A Channel is typically a TCP/TLS
// connection wrapper; the core never touches bytes directly.
type Channel interface {
	// Close tears down the underlying connection.
	Close() error
}

// PipelineOptions carries the endpoint-level knobs a PipelineInitializer
// needs in order to install the handler stages spec'd for it, since the
// core itself never touches bytes and has nothing else to hand a Pipeline
// implementation at install time.
type PipelineOptions struct {
	// IdleTimeout is the inactivity threshold the initializer's idle-
	// connection watchdog stage should enforce before calling onInactive.
	// Zero disables the watchdog.
	IdleTimeout time.Duration
}

// PipelineInitializer installs, in order, the handler chain onto a freshly
// acquired Channel, returning the Pipeline the endpoint will dispatch
// requests through. Supplied by the endpoint's owner; the core never
// constructs protocol-specific handlers itself.
//
// onInactive must be invoked by the pipeline's idle watchdog (or any other
// internal detector of a dead connection) at most once, exactly when the
// channel stops being usable for reasons other than a commanded
// Pipeline.Close. The endpoint uses this to drive the
// Connected_* -> Connecting reconnect transition.
type PipelineInitializer func(ch Channel, ctx EndpointContext, opts PipelineOptions, onInactive func(cause error)) (Pipeline, error)

// ChannelSupplier performs one physical connect attempt, honoring ctx's
// deadline/cancellation: a plain blocking call run on its own goroutine by
// the endpoint driver.
type ChannelSupplier func(ctx context.Context) (Channel, error)

// ConnectStep runs once per physical connect, after the Channel is
// acquired and before the Pipeline is installed — the pluggable hook for
// auth/SASL handshakes. A non-nil error is treated as a connect-attempt
// failure, same as a dial error.
type ConnectStep func(ctx context.Context, ch Channel) error

// CorrelationHandler maintains the opaque_id -> pending Request mapping a
// Pipeline's correlation stage uses to match inbound responses to their
// originating Request. The adapters in this module key pending entries by
// correlation id in a map; they do not keep insertion order, so FailAll
// resolves entries in no particular order.
type CorrelationHandler interface {
	// Register records req as awaiting a response. The pipeline is
	// responsible for generating/tracking whatever opaque id the wire
	// protocol needs; the core only needs to be able to fail every
	// registered request en masse on Close.
	Register(req *Request)
	// Resolve looks up and removes the entry for the response's
	// correlation id and completes its Request. Returns false if no
	// matching pending request was found (late/duplicate response).
	Resolve(resp Response) bool
	// FailAll fails every still-pending registered request with err,
	// draining the correlation table. Used by Pipeline.Close.
	FailAll(err error)
	// Pending returns the number of requests currently awaiting a
	// response.
	Pending() int
}

// Pipeline is the transport-side handler chain contract an Endpoint
// dispatches through. Implementations live outside the core (adapter
// packages, or higher-layer protocol codecs); the core only ever sees this
// interface.
type Pipeline interface {
	// Write enqueues req for transmission and never blocks the caller.
	// The returned error, if non-nil, means req was rejected before it
	// could be queued (e.g. the pipeline is already closing); in that
	// case the caller is responsible for completing/cancelling req.
	Write(ctx context.Context, req *Request) error
	// Free reports whether the pipeline currently has write capacity for
	// another request. Diagnostic only; Free does not gate Write, which
	// may still be called when Free reports false.
	Free() bool
	// Close drains outstanding writes, fails any still-pending
	// correlated requests with ChannelClosedWhileInFlight, then closes
	// the underlying Channel.
	Close(ctx context.Context) error
}
