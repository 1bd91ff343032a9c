// Package inmemory provides a Channel/Pipeline pair that never touches a
// socket, used by the core's own tests and by callers exercising an Endpoint
// without a live remote service. Grounded on
// trickstertwo-xbus/adapter/memory/adapter.go's buffered-channel transport,
// reframed from pub/sub fan-out to single-request/single-response
// correlation.
package inmemory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/lucidgraph/dbconn"
)

// Channel is the in-memory stand-in for a live transport connection. It
// carries no data itself; Pipeline and Responder are where the simulated
// request/response traffic actually flows.
type Channel struct {
	closed atomic.Bool
	name   string
}

// NewChannel constructs a Channel. name is purely diagnostic.
func NewChannel(name string) *Channel {
	return &Channel{name: name}
}

// Close marks the channel closed. Idempotent.
func (c *Channel) Close() error {
	c.closed.Store(true)
	return nil
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool { return c.closed.Load() }

// Dialer is a controllable dbconn.ChannelSupplier for tests: each call to
// Dial registers a pending attempt that a test completes explicitly via
// Complete, mirroring a hand-completed future per connect attempt.
type Dialer struct {
	mu      sync.Mutex
	pending []*pendingDial
}

type pendingDial struct {
	done chan struct{}
	ch   *Channel
	err  error
	once sync.Once
}

// NewDialer constructs an empty, fully manual Dialer.
func NewDialer() *Dialer {
	return &Dialer{}
}

// Dial implements dbconn.ChannelSupplier. It blocks until Complete resolves
// the oldest still-pending attempt or ctx is done.
func (d *Dialer) Dial(ctx context.Context) (dbconn.Channel, error) {
	p := &pendingDial{done: make(chan struct{})}
	d.mu.Lock()
	d.pending = append(d.pending, p)
	d.mu.Unlock()

	select {
	case <-p.done:
		if p.ch == nil {
			return nil, p.err
		}
		return p.ch, p.err
	case <-ctx.Done():
		// The caller gave up (e.g. connectTimeout elapsed) before Complete
		// was ever called. Resolve p in place so it stops counting toward
		// PendingCount and Complete's FIFO search skips it instead of
		// matching a dial nobody is waiting on any more.
		p.once.Do(func() {
			p.err = ctx.Err()
			close(p.done)
		})
		return nil, ctx.Err()
	}
}

// Complete resolves the oldest attempt that is still waiting, FIFO. Returns
// false if there was nothing pending to resolve.
func (d *Dialer) Complete(ch *Channel, err error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.pending {
		resolved := false
		p.once.Do(func() {
			p.ch, p.err = ch, err
			close(p.done)
			resolved = true
		})
		if resolved {
			return true
		}
	}
	return false
}

// PendingCount returns how many Dial calls are currently blocked awaiting
// Complete.
func (d *Dialer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, p := range d.pending {
		select {
		case <-p.done:
		default:
			n++
		}
	}
	return n
}

// AlwaysSucceed returns a dbconn.ChannelSupplier that immediately succeeds
// with a freshly named Channel, for tests that do not need per-attempt
// control.
func AlwaysSucceed(name string) dbconn.ChannelSupplier {
	return func(ctx context.Context) (dbconn.Channel, error) {
		return NewChannel(name), nil
	}
}

// AlwaysFail returns a dbconn.ChannelSupplier that immediately fails with
// err.
func AlwaysFail(err error) dbconn.ChannelSupplier {
	return func(ctx context.Context) (dbconn.Channel, error) {
		return nil, err
	}
}
