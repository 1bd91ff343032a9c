package dbconn

import (
	"errors"
	"fmt"
)

// ErrEndpointNotAvailable is returned by Send when the endpoint is not in a
// connected state or the circuit breaker denies dispatch. Callers (routers)
// decide whether to retry on a different endpoint.
var ErrEndpointNotAvailable = errors.New("dbconn: endpoint not available")

// ErrInvalidTransition is returned by NewEndpoint when its ChannelSupplier or
// PipelineInitializer is nil.
var ErrInvalidTransition = errors.New("dbconn: invalid endpoint state transition")

// ErrDisconnectTimeout is published as the cause of an
// EndpointDisconnectionFailed event when the pipeline's Close call has not
// returned by the time the configured disconnect timeout elapses.
var ErrDisconnectTimeout = errors.New("dbconn: disconnect timed out")

// ErrInvalidServiceType signals a configuration error: an endpoint was
// constructed with an unrecognized ServiceType.
type ErrInvalidServiceType struct {
	ServiceType ServiceType
}

func (e ErrInvalidServiceType) Error() string {
	return fmt.Sprintf("dbconn: invalid service type: %v", e.ServiceType)
}

// ErrInvalidAddress signals a configuration error: an endpoint was
// constructed with an empty host or zero port.
type ErrInvalidAddress struct {
	Host string
	Port uint16
}

func (e ErrInvalidAddress) Error() string {
	return fmt.Sprintf("dbconn: invalid address %q:%d", e.Host, e.Port)
}

// CancelReason enumerates why a Request was cancelled rather than completed
// with a Response.
type CancelReason string

const (
	TimedOut                   CancelReason = "timed_out"
	CancelledViaContext        CancelReason = "cancelled_via_context"
	StoppedAtSource            CancelReason = "stopped_at_source"
	ChannelClosedWhileInFlight CancelReason = "channel_closed_while_in_flight"
	TooManyRequestsInRetry     CancelReason = "too_many_requests_in_retry"
)

// CancelledError is the error a Request's completion handle is signaled
// with when Cancel wins the race against normal completion.
type CancelledError struct {
	Reason CancelReason
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("dbconn: request cancelled: %s", e.Reason)
}

// IsCancelled reports whether err is a *CancelledError, optionally with a
// specific reason (pass "" to match any reason).
func IsCancelled(err error, reason CancelReason) bool {
	var ce *CancelledError
	if !errors.As(err, &ce) {
		return false
	}
	return reason == "" || ce.Reason == reason
}
