package redispipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lucidgraph/dbconn"
)

// Response is the dbconn.Response this package produces from a decoded
// response stream entry.
type Response struct {
	id      string
	Payload map[string]string
}

// CorrelationID implements dbconn.Response.
func (r *Response) CorrelationID() string { return r.id }

// correlationHandler is the opaque_id -> pending Request table, keyed by
// the wire correlation id this package assigns (the request's own
// process-wide RequestID).
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

// Pipeline is a dbconn.Pipeline backed by a pair of per-endpoint Redis
// Streams. Write XADDs to the request stream; a background poller XREADGROUPs
// the response stream and resolves pending requests by correlation id.
type Pipeline struct {
	cfg    Config
	client *redis.Client

	reqStream  string
	respStream string

	corr *correlationHandler

	pollCtx    context.Context
	pollCancel context.CancelFunc
	pollDone   chan struct{}

	onInactive   func(error)
	inactiveOnce sync.Once

	idleTimeout time.Duration
	idleTimer   *time.Timer

	closed atomic.Bool
}

// errIdleTimeout is the cause reported to onInactive when the idle-
// connection watchdog fires.
var errIdleTimeout = errors.New("redispipeline: channel idle timeout exceeded")

// NewPipelineInitializer builds a dbconn.PipelineInitializer that installs a
// Pipeline on top of whatever *Channel the endpoint's Dialer produced. If
// opts.IdleTimeout is positive, an idle-connection watchdog fires
// onInactive after that long without a Write or an inbound response,
// resetting on every subsequent one.
func NewPipelineInitializer(cfg Config) dbconn.PipelineInitializer {
	return func(ch dbconn.Channel, ectx dbconn.EndpointContext, opts dbconn.PipelineOptions, onInactive func(error)) (dbconn.Pipeline, error) {
		rch, ok := ch.(*Channel)
		if !ok {
			return nil, fmt.Errorf("redispipeline: unexpected channel type %T", ch)
		}

		reqStream := cfg.requestStream(ectx.Identity.EndpointID)
		respStream := cfg.responseStream(ectx.Identity.EndpointID)

		if cfg.AutoCreate {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := rch.client.XGroupCreateMkStream(ctx, respStream, cfg.Group, "$").Err()
			cancel()
			if err != nil && !isBusyGroup(err) {
				return nil, fmt.Errorf("redispipeline: create consumer group: %w", err)
			}
		}

		pollCtx, pollCancel := context.WithCancel(context.Background())
		p := &Pipeline{
			cfg:         cfg,
			client:      rch.client,
			reqStream:   reqStream,
			respStream:  respStream,
			corr:        newCorrelationHandler(),
			pollCtx:     pollCtx,
			pollCancel:  pollCancel,
			pollDone:    make(chan struct{}),
			onInactive:  onInactive,
			idleTimeout: opts.IdleTimeout,
		}
		if p.idleTimeout > 0 {
			p.idleTimer = time.AfterFunc(p.idleTimeout, func() { p.reportInactive(errIdleTimeout) })
		}
		go p.pollerLoop()
		return p, nil
	}
}

func (p *Pipeline) resetIdleTimer() {
	if p.idleTimer != nil {
		p.idleTimer.Reset(p.idleTimeout)
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// Write implements dbconn.Pipeline.
func (p *Pipeline) Write(ctx context.Context, req *dbconn.Request) error {
	if p.closed.Load() {
		return dbconn.ErrEndpointNotAvailable
	}
	p.resetIdleTimer()

	id := requestKey(req)
	vals := make(map[string]any, 1+len(req.Context().Payload))
	vals[fieldCorrelationID] = id
	for k, v := range req.Context().Payload {
		vals[fieldPayloadPrefix+k] = v
	}

	p.corr.Register(req)

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.reqStream,
		ID:     "*",
		Values: vals,
	}).Err(); err != nil {
		p.corr.failOne(id, err)
		return err
	}
	return nil
}

func (h *correlationHandler) failOne(id string, err error) {
	h.mu.Lock()
	req, ok := h.pending[id]
	if ok {
		delete(h.pending, id)
	}
	h.mu.Unlock()
	if ok {
		req.Complete(nil, err)
	}
}

// Free implements dbconn.Pipeline. Redis Streams impose no client-side
// write-window limit the way a bounded in-process queue would.
func (p *Pipeline) Free() bool { return !p.closed.Load() }

// Close implements dbconn.Pipeline: stops the poller, fails every
// still-pending request with ChannelClosedWhileInFlight, then closes the
// underlying Channel's client.
func (p *Pipeline) Close(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	p.pollCancel()
	select {
	case <-p.pollDone:
	case <-ctx.Done():
	}
	p.corr.FailAll(&dbconn.CancelledError{Reason: dbconn.ChannelClosedWhileInFlight})
	return p.client.Close()
}

// Pending returns the number of requests awaiting a response.
func (p *Pipeline) Pending() int { return p.corr.Pending() }

// pollerLoop XREADGROUPs the response stream and resolves pending requests.
// Grounded directly on trickstertwo-xbus/adapter/redisstream/transport.go's
// pollerLoop: same Block/Count args shape, same exponential backoff on
// transient errors. After MaxConsecutiveErrors in a row it reports the
// channel inactive exactly once and stops, letting the endpoint reconnect.
func (p *Pipeline) pollerLoop() {
	defer close(p.pollDone)

	args := &redis.XReadGroupArgs{
		Group:    p.cfg.Group,
		Consumer: p.cfg.Consumer,
		Streams:  []string{p.respStream, ">"},
		Count:    int64(maxInt(1, p.cfg.BatchSize)),
		Block:    p.cfg.Block,
		NoAck:    false,
	}

	backoff := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	consecutiveErrors := 0

	for {
		select {
		case <-p.pollCtx.Done():
			return
		default:
		}

		res, err := p.client.XReadGroup(p.pollCtx, args).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || p.pollCtx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				backoff = 100 * time.Millisecond
				consecutiveErrors = 0
				continue
			}

			consecutiveErrors++
			limit := p.cfg.MaxConsecutiveErrors
			if limit < 1 {
				limit = 5
			}
			if consecutiveErrors >= limit {
				p.reportInactive(err)
				return
			}

			select {
			case <-time.After(backoff):
				backoff = minDuration(backoff*2, maxBackoff)
			case <-p.pollCtx.Done():
				return
			}
			continue
		}

		backoff = 100 * time.Millisecond
		consecutiveErrors = 0

		ids := make([]string, 0, p.cfg.BatchSize)
		for _, stream := range res {
			for _, msg := range stream.Messages {
				ids = append(ids, msg.ID)
				p.handleMessage(msg)
			}
		}
		if len(ids) > 0 {
			p.client.XAck(p.pollCtx, p.respStream, p.cfg.Group, ids...)
		}
	}
}

func (p *Pipeline) handleMessage(msg redis.XMessage) {
	p.resetIdleTimer()
	id, _ := msg.Values[fieldCorrelationID].(string)
	if id == "" {
		return
	}
	if errStr, ok := msg.Values[fieldError].(string); ok && errStr != "" {
		p.corr.failOne(id, errors.New(errStr))
		return
	}

	payload := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		if s, ok := v.(string); ok {
			payload[k] = s
		}
	}
	p.corr.Resolve(&Response{id: id, Payload: payload})
}

func (p *Pipeline) reportInactive(cause error) {
	p.inactiveOnce.Do(func() {
		if p.onInactive != nil {
			p.onInactive(cause)
		}
	})
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
