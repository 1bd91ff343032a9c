package dbconn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
)

// EventBus is the multi-producer, multi-subscriber, non-blocking publish
// surface shared process-wide. Publish MUST NOT fail observably to the
// producer; under sustained overflow it drops events and reports the drop
// count the next time it has spare capacity.
type EventBus interface {
	Publish(e Event)
	Subscribe(obs Observer)
	Unsubscribe(obs Observer)
	Close(timeout time.Duration) error
}

// ErrEventBusShutdownTimeout is returned by Close when workers do not drain
// within the requested timeout.
var ErrEventBusShutdownTimeout = &timeoutError{"dbconn: event bus shutdown timed out"}

type timeoutError struct{ msg string }

func (e *timeoutError) Error() string { return e.msg }

// bus is the default EventBus implementation: a bounded channel fanned out
// to a fixed worker pool of observer-dispatch goroutines.
type bus struct {
	eventCh chan *Event
	workers int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed    atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64

	observersMu sync.RWMutex
	observers   []Observer
}

// NewEventBus creates an EventBus with the given worker count and channel
// buffer size. workers < 1 defaults to 4; bufferSize < 1 defaults to 1024.
func NewEventBus(workers, bufferSize int) EventBus {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1024
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &bus{
		eventCh: make(chan *Event, bufferSize),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

// Subscribe registers an observer. Thread-safe.
func (b *bus) Subscribe(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// Unsubscribe removes a previously registered observer.
func (b *bus) Unsubscribe(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()
	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			return
		}
	}
}

// Publish is non-blocking: it enqueues e for async dispatch, or drops it if
// the internal buffer is full. If events were previously dropped and this
// call has capacity, a consolidated EventsDropped event is enqueued first.
func (b *bus) Publish(e Event) {
	if b.closed.Load() {
		return
	}

	b.observersMu.RLock()
	n := len(b.observers)
	var observers []Observer
	if n > 0 {
		observers = make([]Observer, n)
		copy(observers, b.observers)
	}
	b.observersMu.RUnlock()
	if n == 0 {
		return
	}

	if dropped := b.dropped.Swap(0); dropped > 0 {
		if !b.enqueue(eventsDropped(dropped), observers) {
			// No room for the report either: keep the count for next time.
			b.dropped.Add(dropped)
		}
	}
	if !b.enqueue(e, observers) {
		b.dropped.Add(1)
	}
}

func (b *bus) enqueue(e Event, observers []Observer) bool {
	e.observers = observers
	select {
	case b.eventCh <- &e:
		return true
	default:
		return false
	}
}

func (b *bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			b.drain()
			return
		case e := <-b.eventCh:
			if e != nil {
				b.dispatch(e)
				b.processed.Add(1)
			}
		}
	}
}

func (b *bus) drain() {
	for {
		select {
		case e := <-b.eventCh:
			if e != nil {
				b.dispatch(e)
			}
		default:
			return
		}
	}
}

func (b *bus) dispatch(e *Event) {
	for _, obs := range e.observers {
		if obs == nil {
			continue
		}
		func() {
			defer func() { recover() }() // an observer panic must never take down the bus
			obs.OnEvent(*e)
		}()
	}
}

// Close drains queued events and stops the worker pool, waiting up to
// timeout before giving up.
func (b *bus) Close(timeout time.Duration) error {
	if b.closed.Swap(true) {
		return nil
	}
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrEventBusShutdownTimeout
	}
}

// LoggingObserver adapts an EventBus subscription to xlog structured
// logging. NewEndpoint always subscribes one to the endpoint's bus, backed
// by the WithLogger logger or, if none was given, xlog.Default().
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	fields := make([]xlog.Field, 0, len(e.Context)+2)
	fields = append(fields, xlog.Str("event_type", string(e.Type)))
	for _, kv := range e.Context {
		fields = append(fields, xlog.Str(kv.Key, kv.Value))
	}
	if e.Duration > 0 {
		fields = append(fields, xlog.Dur("duration", e.Duration))
	}
	ev := o.Logger.With(fields...)

	switch e.Severity {
	case SeverityError:
		ev.Error().Err(e.Cause).Msg(e.Description)
	case SeverityWarn:
		ev.Warn().Err(e.Cause).Msg(e.Description)
	case SeverityInfo:
		ev.Info().Msg(e.Description)
	default:
		ev.Debug().Msg(e.Description)
	}
}
