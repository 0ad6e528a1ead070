// Package connection wires the seven components together into the
// public connection runtime: one driver goroutine per connection that
// serializes every state transition, correlator mutation, subscription
// mutation, and handler invocation, per SPEC_FULL.md §5. Callers interact
// exclusively through the exported methods below, which enqueue
// operations onto the driver loop and await results on a per-call
// channel — they never touch connection state directly.
//
// Grounded structurally on the outer reconnect loop driving a single inner
// session loop, generalized from a bare for-select over one socket into a
// reactor selecting over transport events, caller operations, and timer
// firings (see DESIGN.md).
package connection

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/quantedge/wsconn/correlator"
	"github.com/quantedge/wsconn/dispatch"
	"github.com/quantedge/wsconn/observability"
	"github.com/quantedge/wsconn/ratelimit"
	"github.com/quantedge/wsconn/reconnect"
	"github.com/quantedge/wsconn/registry"
	"github.com/quantedge/wsconn/statemachine"
	"github.com/quantedge/wsconn/subscription"
	"github.com/quantedge/wsconn/transport"
	"github.com/quantedge/wsconn/wire"
)

// Endpoint describes where to dial.
type Endpoint struct {
	URL    string
	Header http.Header
}

// Config configures one Connection for its entire lifetime, including
// every reconnect (SPEC_FULL.md §6).
type Config struct {
	Endpoint          Endpoint
	Codec             wire.Codec
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	Reconnect         reconnect.Config
	RateLimit         ratelimit.Config
	Handlers          dispatch.Handlers
	Sink              observability.Sink
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Codec == nil {
		c.Codec = wire.JSONCodec{}
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.Sink == nil {
		c.Sink = observability.NewSlogSink(nil)
	}
	return c
}

// RequestOptions parameterizes one SubmitRequest call.
type RequestOptions struct {
	Timeout    time.Duration
	Idempotent bool
	Category   string
}

// Result is the outcome delivered to a SubmitRequest caller.
type Result struct {
	Payload []byte
	Err     error
}

// Connection owns one logical WebSocket session across any number of
// reconnects. Its identifier is stable for the life of the value.
type Connection struct {
	id  registry.ID
	cfg Config

	machine    *statemachine.Machine
	corr       *correlator.Correlator
	subs       *subscription.Registry
	planner    *reconnect.Planner
	limiter    *ratelimit.Limiter
	dispatcher *dispatch.Dispatcher

	opsCh   chan any
	readyCh chan error
	doneCh  chan struct{}

	session *transport.Session

	// outbound holds encoded frames for idempotent requests that have not
	// yet been acknowledged, so they can be re-sent after reopen
	// (SPEC_FULL.md §3 Outbound Buffer / §4.3 re-buffer policy).
	mu            sync.Mutex
	outbound      map[uint64][]byte
	outboundOrder []uint64
	lastErr       error
	attempts      int
}

// ID implements registry.Handle.
func (c *Connection) ID() registry.ID { return c.id }

// Connect dials the endpoint and blocks until the first upgrade succeeds
// or a non-recoverable failure occurs (SPEC_FULL.md §6 connect).
func Connect(ctx context.Context, cfg Config) (*Connection, error) {
	cfg = cfg.withDefaults()

	c := &Connection{
		id:         registry.NewID(),
		cfg:        cfg,
		machine:    statemachine.New(),
		corr:       correlator.New(),
		subs:       subscription.New(),
		planner:    reconnect.New(cfg.Reconnect),
		limiter:    ratelimit.New(cfg.RateLimit),
		dispatcher: dispatch.NewDispatcher(cfg.Handlers, cfg.Sink),
		opsCh:      make(chan any, 64),
		readyCh:    make(chan error, 1),
		doneCh:     make(chan struct{}),
		outbound:   make(map[uint64][]byte),
	}

	registry.Default.Register(c)

	go c.run(ctx)

	select {
	case err := <-c.readyCh:
		if err != nil {
			return nil, err
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ActiveSubscriptions returns the confirmed subscriptions. Safe to call
// from any goroutine (subscription.Registry guards its own state).
func (c *Connection) ActiveSubscriptions() []subscription.Subscription {
	return c.subs.ActiveSubscriptions()
}

// LastError reports the most recent terminal/transport error observed,
// for diagnostics.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// RegisterObserver subscribes to unsolicited frames and lifecycle events.
func (c *Connection) RegisterObserver(buffer int) chan observability.Event {
	return c.dispatcher.RegisterObserver(buffer)
}

// UnregisterObserver removes a previously registered observer channel.
func (c *Connection) UnregisterObserver(ch chan observability.Event) {
	c.dispatcher.UnregisterObserver(ch)
}

// --- caller-facing operations -------------------------------------------------

type opSubmit struct {
	payload    any
	idempotent bool
	category   string
	timeout    time.Duration
	resultCh   chan Result
}

type opAdmitted struct {
	req *opSubmit
}

type opSubscribe struct {
	channel, params string
	resultCh        chan subscribeResult
}

type subscribeResult struct {
	id  uint64
	err error
}

type opUnsubscribe struct {
	id       uint64
	resultCh chan error
}

type opSendRaw struct {
	payload  any
	resultCh chan error
}

type opClose struct {
	code     int
	reason   string
	resultCh chan error
}

// SubmitRequest sends payload, assigns a correlation ID, and blocks until
// a reply, timeout, or terminal connection failure resolves it
// (SPEC_FULL.md §6 submit_request).
func (c *Connection) SubmitRequest(ctx context.Context, payload any, opts RequestOptions) (Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	op := &opSubmit{
		payload:    payload,
		idempotent: opts.Idempotent,
		category:   opts.Category,
		timeout:    timeout,
		resultCh:   make(chan Result, 1),
	}

	select {
	case c.opsCh <- op:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-c.doneCh:
		return Result{}, fmt.Errorf("connection: closed")
	}

	select {
	case res := <-op.resultCh:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Subscribe registers interest in channel and blocks until the server
// confirms or rejects it.
func (c *Connection) Subscribe(ctx context.Context, channel, params string) (uint64, error) {
	op := &opSubscribe{channel: channel, params: params, resultCh: make(chan subscribeResult, 1)}

	select {
	case c.opsCh <- op:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case res := <-op.resultCh:
		return res.id, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Unsubscribe removes a subscription. Idempotent per SPEC_FULL.md §4.4.
func (c *Connection) Unsubscribe(ctx context.Context, id uint64) error {
	op := &opUnsubscribe{id: id, resultCh: make(chan error, 1)}
	select {
	case c.opsCh <- op:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-op.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendRaw writes a frame with no correlation tracking.
func (c *Connection) SendRaw(ctx context.Context, payload any) error {
	op := &opSendRaw{payload: payload, resultCh: make(chan error, 1)}
	select {
	case c.opsCh <- op:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-op.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close initiates a graceful shutdown and blocks until the driver loop
// has torn everything down.
func (c *Connection) Close(ctx context.Context, code int, reason string) error {
	op := &opClose{code: code, reason: reason, resultCh: make(chan error, 1)}
	select {
	case c.opsCh <- op:
	case <-c.doneCh:
		return nil
	}
	select {
	case err := <-op.resultCh:
		return err
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
