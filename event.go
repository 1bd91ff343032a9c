package dbconn

import (
	"time"
)

// Severity mirrors the four levels spec'd for lifecycle events.
type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Category groups events by which component emitted them.
type Category string

const (
	CategoryEndpoint Category = "endpoint"
	CategoryInternal Category = "internal"
)

// EventType enumerates the lifecycle/diagnostic events the core emits.
type EventType string

const (
	EventEndpointConnected           EventType = "endpoint_connected"
	EventEndpointConnectionFailed    EventType = "endpoint_connection_failed"
	EventEndpointConnectionAborted   EventType = "endpoint_connection_aborted"
	EventEndpointConnectionIgnored   EventType = "endpoint_connection_ignored"
	EventEndpointDisconnected        EventType = "endpoint_disconnected"
	EventEndpointDisconnectionFailed EventType = "endpoint_disconnection_failed"
	EventEventsDropped               EventType = "events_dropped"
)

// Event is the payload published to the EventBus. It is immutable once
// constructed; the observers parameter is attached internally for async
// dispatch and is not part of the public contract.
type Event struct {
	Type        EventType
	Category    Category
	Severity    Severity
	Duration    time.Duration
	Description string
	Cause       error
	Context     []orderedPair

	observers []Observer
}

// endpointConnected builds the event emitted when an attempt succeeds.
func endpointConnected(ctx EndpointContext, attempt time.Duration) Event {
	return Event{
		Type:        EventEndpointConnected,
		Category:    CategoryEndpoint,
		Severity:    SeverityDebug,
		Duration:    attempt,
		Description: "Endpoint connected successfully",
		Context:     ctx.ExportAsMap(),
	}
}

// endpointConnectionFailed builds the event emitted per failed attempt.
func endpointConnectionFailed(ctx EndpointContext, attempt time.Duration, cause error) Event {
	return Event{
		Type:        EventEndpointConnectionFailed,
		Category:    CategoryEndpoint,
		Severity:    SeverityWarn,
		Duration:    attempt,
		Description: "Endpoint connection attempt failed",
		Cause:       cause,
		Context:     ctx.ExportAsMap(),
	}
}

// endpointConnectionAborted builds the event emitted when disconnect is
// commanded while still Connecting.
func endpointConnectionAborted(ctx EndpointContext) Event {
	return Event{
		Type:        EventEndpointConnectionAborted,
		Category:    CategoryEndpoint,
		Severity:    SeverityDebug,
		Description: "Endpoint connection attempt aborted",
		Context:     ctx.ExportAsMap(),
	}
}

// endpointConnectionIgnored builds the event emitted when a channel arrives
// after disconnect was already commanded.
func endpointConnectionIgnored(ctx EndpointContext) Event {
	return Event{
		Type:        EventEndpointConnectionIgnored,
		Category:    CategoryEndpoint,
		Severity:    SeverityInfo,
		Description: "Endpoint connection completion ignored; disconnect already requested",
		Context:     ctx.ExportAsMap(),
	}
}

// endpointDisconnected builds the event emitted on clean disconnect.
func endpointDisconnected(ctx EndpointContext, lastConnectedFor time.Duration) Event {
	return Event{
		Type:        EventEndpointDisconnected,
		Category:    CategoryEndpoint,
		Severity:    SeverityDebug,
		Duration:    lastConnectedFor,
		Description: "Endpoint disconnected successfully",
		Context:     ctx.ExportAsMap(),
	}
}

// endpointDisconnectionFailed builds the event emitted when the transport
// fails to close cleanly.
func endpointDisconnectionFailed(ctx EndpointContext, cause error) Event {
	return Event{
		Type:        EventEndpointDisconnectionFailed,
		Category:    CategoryEndpoint,
		Severity:    SeverityWarn,
		Description: "Endpoint disconnection failed",
		Cause:       cause,
		Context:     ctx.ExportAsMap(),
	}
}

// eventsDropped builds the internal event reporting how many events were
// dropped by the bus since the last time it had spare capacity.
func eventsDropped(count uint64) Event {
	return Event{
		Type:        EventEventsDropped,
		Category:    CategoryInternal,
		Severity:    SeverityWarn,
		Description: "EventBus dropped events due to sustained overflow",
		Context:     []orderedPair{{"dropped", uitoa(count)}},
	}
}

// Observer receives events published on an EventBus. OnEvent must not
// block for long; the bus runs observers on its own worker pool, but a
// worker stuck in a slow observer still delays that worker's next event.
type Observer interface {
	OnEvent(e Event)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }
