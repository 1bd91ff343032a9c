package dbconn

import (
	"strconv"
	"sync/atomic"
)

// CoreContext is the ambient identity shared by every object hanging off a
// single client core instance: a process-wide id plus a handle to whatever
// the caller uses as its "environment" (connection pools, TLS config,
// telemetry sinks, ...). The core treats the environment handle as opaque.
type CoreContext struct {
	CoreID      uint64
	Environment any
}

// coreIDCounter is the process-wide monotonically increasing counter backing
// CoreContext.CoreID. Uniqueness across process restarts is not required.
var coreIDCounter atomic.Uint64

// NextCoreID returns the next process-wide core id.
func NextCoreID() uint64 {
	return coreIDCounter.Add(1)
}

// EndpointIdentity is the (host, port, service type, id) tuple that
// uniquely names an endpoint within a process.
type EndpointIdentity struct {
	RemoteHost  string
	RemotePort  uint16
	ServiceType ServiceType
	EndpointID  uint64
}

// endpointIDCounter is the process-wide monotonically increasing counter
// backing EndpointIdentity.EndpointID.
var endpointIDCounter atomic.Uint64

// NextEndpointID returns the next process-wide endpoint id.
func NextEndpointID() uint64 {
	return endpointIDCounter.Add(1)
}

// EndpointContext extends CoreContext with the identity of the endpoint it
// is attached to. Immutable after construction.
type EndpointContext struct {
	CoreContext
	Identity EndpointIdentity
}

// NewEndpointContext builds an EndpointContext for a freshly allocated
// endpoint identity.
func NewEndpointContext(core CoreContext, host string, port uint16, svc ServiceType) EndpointContext {
	return EndpointContext{
		CoreContext: core,
		Identity: EndpointIdentity{
			RemoteHost:  host,
			RemotePort:  port,
			ServiceType: svc,
			EndpointID:  NextEndpointID(),
		},
	}
}

// RequestContext extends CoreContext with per-request metadata. The only
// mutable fields are write-once: DispatchLatencyNanos is stamped exactly
// once when the request is flushed to the pipeline. cancelFn is a
// back-reference used solely to let a timer or external caller cancel the
// owning Request; the Request owns its RequestContext, never the reverse.
type RequestContext struct {
	CoreContext
	RequestID  uint64
	Payload    map[string]any
	dispatchNs atomic.Int64
	cancelFn   func(CancelReason)
}

// requestIDCounter is the process-wide monotonically increasing counter
// backing RequestContext.RequestID.
var requestIDCounter atomic.Uint64

// NextRequestID returns the next process-wide request id.
func NextRequestID() uint64 {
	return requestIDCounter.Add(1)
}

// NewRequestContext builds a RequestContext for a freshly created request.
func NewRequestContext(core CoreContext, payload map[string]any) *RequestContext {
	return &RequestContext{
		CoreContext: core,
		RequestID:   NextRequestID(),
		Payload:     payload,
	}
}

// DispatchLatencyNanos returns the recorded dispatch latency, or 0 if the
// request has not yet been flushed.
func (c *RequestContext) DispatchLatencyNanos() int64 {
	return c.dispatchNs.Load()
}

// stampDispatchLatency records the dispatch latency exactly once. Later
// calls are no-ops; the field is write-once by contract.
func (c *RequestContext) stampDispatchLatency(ns int64) {
	c.dispatchNs.CompareAndSwap(0, ns)
}

// Cancel invokes the back-reference to cancel the owning Request, if one
// was attached. Safe to call from any goroutine, any number of times.
func (c *RequestContext) Cancel(reason CancelReason) {
	if c.cancelFn != nil {
		c.cancelFn(reason)
	}
}

// orderedPair is one entry of the canonical export ordering.
type orderedPair struct {
	Key   string
	Value string
}

// ExportAsMap produces the canonical ordered key/value mapping used for log
// and trace emission. The order is fixed (not map iteration order) so two
// calls against equivalent contexts always serialize identically.
func (c EndpointContext) ExportAsMap() []orderedPair {
	return []orderedPair{
		{"core_id", uitoa(c.CoreID)},
		{"remote_host", c.Identity.RemoteHost},
		{"remote_port", uitoa(uint64(c.Identity.RemotePort))},
		{"service_type", c.Identity.ServiceType.String()},
		{"endpoint_id", uitoa(c.Identity.EndpointID)},
	}
}

// ExportAsMap produces the canonical ordered key/value mapping for a
// request context.
func (c *RequestContext) ExportAsMap() []orderedPair {
	return []orderedPair{
		{"core_id", uitoa(c.CoreID)},
		{"request_id", uitoa(c.RequestID)},
		{"dispatch_latency_ns", uitoa(uint64(c.DispatchLatencyNanos()))},
	}
}

func uitoa(v uint64) string {
	return strconv.FormatUint(v, 10)
}
