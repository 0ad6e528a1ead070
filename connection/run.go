package connection

import (
	"context"
	"fmt"
	"time"

	"github.com/quantedge/wsconn/correlator"
	"github.com/quantedge/wsconn/dispatch"
	"github.com/quantedge/wsconn/observability"
	"github.com/quantedge/wsconn/ratelimit"
	"github.com/quantedge/wsconn/reconnect"
	"github.com/quantedge/wsconn/registry"
	"github.com/quantedge/wsconn/statemachine"
	"github.com/quantedge/wsconn/transport"
	"github.com/quantedge/wsconn/wire"
)

// driver-loop-private state: touched exclusively by run() and the
// handlers it calls directly, never under c.mu. This is the single
// consumer described in SPEC_FULL.md §5.
type driverState struct {
	sessionEvents     <-chan transport.Event
	reconnectTimer    *time.Timer
	reconnectC        <-chan time.Time
	readyNotified     bool
	pendingClose      *opClose
	pendingSubscribes map[uint64]chan subscribeResult
}

type opDialResult struct {
	session *transport.Session
	err     error
}

func (c *Connection) run(ctx context.Context) {
	defer close(c.doneCh)
	defer registry.Default.Unregister(c.id)

	st := &driverState{pendingSubscribes: make(map[uint64]chan subscribeResult)}

	c.beginDial(ctx, st)

	for {
		select {
		case <-ctx.Done():
			c.corr.FailAll(correlator.ErrClosedByCaller, correlator.PolicyTerminal)
			c.notifyReadyOnce(st, ctx.Err())
			return

		case ev, ok := <-st.sessionEvents:
			if !ok {
				st.sessionEvents = nil
				continue
			}
			if c.handleTransportEvent(ctx, st, ev) {
				return
			}

		case id := <-c.corr.Timeouts():
			c.corr.HandleTimeout(id)
			c.emitObservability(observability.KindRequestTimedOut, map[string]any{"id": id})

		case <-st.reconnectC:
			st.reconnectC = nil
			tr, err := c.machine.Apply(statemachine.EventPlannerDelayExpired)
			if err != nil {
				panic(err)
			}
			_ = tr
			c.beginDial(ctx, st)

		case raw := <-c.opsCh:
			if c.handleOp(ctx, st, raw) {
				return
			}
		}

		if c.session != nil {
			st.sessionEvents = c.session.Events()
		}
	}
}

func (c *Connection) beginDial(ctx context.Context, st *driverState) {
	go func() {
		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()

		sess, err := transport.Dial(dialCtx, transport.Config{
			URL:              c.cfg.Endpoint.URL,
			Header:           c.cfg.Endpoint.Header,
			HandshakeTimeout: c.cfg.ConnectTimeout,
			PingInterval:     c.cfg.HeartbeatInterval,
		})
		select {
		case c.opsCh <- &opDialResult{session: sess, err: err}:
		case <-c.doneCh:
		}
	}()
	_ = st
}

func (c *Connection) handleTransportEvent(ctx context.Context, st *driverState, ev transport.Event) (terminal bool) {
	switch ev.Kind {
	case transport.EventUp:
		tr, err := c.machine.Apply(statemachine.EventTransportUp)
		if err != nil {
			panic(err)
		}
		_ = tr
		c.emitObservability(observability.KindConnectionOpened, nil)
		return c.notifyConnectionHandler(st, dispatch.EventUp)

	case transport.EventUpgraded:
		tr, err := c.machine.Apply(statemachine.EventTransportUpgraded)
		if err != nil {
			panic(err)
		}
		_ = tr
		return c.onUpgraded(st)

	case transport.EventFrame:
		tr, err := c.machine.Apply(statemachine.EventTransportFrame)
		if err != nil {
			panic(err)
		}
		_ = tr
		return c.routeFrame(st, ev.Payload)

	case transport.EventDown:
		return c.onDown(st, ev.Err)
	}
	return false
}

func (c *Connection) onUpgraded(st *driverState) bool {
	c.planner.Reset()
	if c.notifyConnectionHandler(st, dispatch.EventUpgraded) {
		return true
	}

	for _, sub := range c.subs.Replay() {
		frame, err := c.cfg.Codec.Encode(sub.ID, map[string]any{
			"method":  "subscribe",
			"channel": sub.Channel,
			"params":  sub.Params,
		})
		if err != nil {
			continue
		}
		_ = c.session.Send(frame)
	}

	for _, id := range c.bufferedOrder() {
		if frame, ok := c.bufferedFrame(id); ok {
			_ = c.session.Send(frame)
		}
	}

	c.emitObservability(observability.KindUpgradeCompleted, nil)
	c.notifyReadyOnce(st, nil)
	return false
}

func (c *Connection) onDown(st *driverState, cause error) (terminal bool) {
	phase := c.machine.Phase()
	tr, err := c.machine.Apply(statemachine.EventTransportDown)
	if err != nil {
		panic(err)
	}

	c.mu.Lock()
	c.lastErr = cause
	c.mu.Unlock()
	c.session = nil

	switch tr.To {
	case statemachine.PhaseReconnecting:
		if phase == statemachine.PhaseActive {
			c.corr.FailAll(correlator.ErrTransport, correlator.PolicyReconnect)
			c.subs.PrepareForReconnect()
		}
		if c.notifyConnectionHandler(st, dispatch.EventDown) {
			return true
		}
		return c.scheduleReconnect(st)

	case statemachine.PhaseClosed:
		c.corr.FailAll(correlator.ErrClosedByCaller, correlator.PolicyTerminal)
		c.emitObservability(observability.KindConnectionClosed, map[string]any{"reason": "caller_close"})
		if st.pendingClose != nil {
			st.pendingClose.resultCh <- nil
			st.pendingClose = nil
		}
		c.notifyReadyOnce(st, correlator.ErrClosedByCaller)
		return true
	}
	return false
}

func (c *Connection) scheduleReconnect(st *driverState) (terminal bool) {
	delay, err := c.planner.Next()
	if err != nil {
		return c.giveUp(st)
	}

	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	c.emitObservability(observability.KindReconnectScheduled, map[string]any{
		"attempt": attempt, "delay_ms": delay.Milliseconds(),
	})
	if c.notifyConnectionHandler(st, dispatch.EventReconnectScheduled) {
		return true
	}

	st.reconnectTimer = time.NewTimer(delay)
	st.reconnectC = st.reconnectTimer.C
	return false
}

func (c *Connection) giveUp(st *driverState) bool {
	c.emitObservability(observability.KindReconnectExhausted, nil)
	tr, err := c.machine.Apply(statemachine.EventPlannerExhausted)
	if err != nil {
		panic(err)
	}
	_ = tr

	c.corr.FailAll(correlator.ErrTransport, correlator.PolicyTerminal)
	c.emitObservability(observability.KindConnectionClosed, map[string]any{"reason": "reconnect_exhausted"})
	if st.pendingClose != nil {
		st.pendingClose.resultCh <- reconnect.ErrExhausted
		st.pendingClose = nil
	}
	c.notifyReadyOnce(st, reconnect.ErrExhausted)
	return true
}

// failHandler tears the connection down terminally after a control hook
// panics (SPEC_FULL.md §4.6/§7: a handler exception transitions the
// machine to Closed with HandlerFailed rather than attempting to resume).
// Always returns true so callers can return it directly as "terminal".
func (c *Connection) failHandler(st *driverState, cause error) bool {
	_, _ = c.machine.Apply(statemachine.EventHandlerFailed)

	c.mu.Lock()
	c.lastErr = cause
	c.mu.Unlock()

	if c.session != nil {
		_ = c.session.Close(1011, "handler failed")
		c.session = nil
	}
	c.corr.FailAll(cause, correlator.PolicyTerminal)
	c.emitObservability(observability.KindConnectionClosed, map[string]any{"reason": "handler_failed"})
	if st.pendingClose != nil {
		st.pendingClose.resultCh <- cause
		st.pendingClose = nil
	}
	c.notifyReadyOnce(st, cause)
	return true
}

func (c *Connection) notifyReadyOnce(st *driverState, err error) {
	if st.readyNotified {
		return
	}
	st.readyNotified = true
	c.readyCh <- err
}

func (c *Connection) emitObservability(kind observability.Kind, fields map[string]any) {
	c.dispatcher.Emit(observability.Event{Kind: kind, ConnID: string(c.id), Fields: fields})
}

// callGuarded invokes fn and converts any panic into a returned error, so a
// panicking control hook (Connection/Message/Subscription/Auth/Error)
// cannot crash the driver goroutine (SPEC_FULL.md §4.6).
func (c *Connection) callGuarded(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connection: handler panicked: %v", r)
		}
	}()
	fn()
	return nil
}

func (c *Connection) notifyConnectionHandler(st *driverState, ev dispatch.ConnectionLifecycleEvent) bool {
	var res dispatch.ConnectionResult
	if err := c.callGuarded(func() {
		res = c.dispatcher.Handlers.Connection.OnConnectionEvent(context.Background(), nil, ev)
	}); err != nil {
		return c.failHandler(st, err)
	}

	switch res.Action {
	case dispatch.ConnActionClose:
		if c.session != nil {
			_ = c.session.Close(res.Code, res.Reason)
		}
	case dispatch.ConnActionStop:
		if c.session != nil {
			_ = c.session.Close(1011, res.Reason)
		}
	case dispatch.ConnActionReconnect:
		// Force a fresh dial even though the current session looks healthy;
		// the ordinary Down->Reconnecting path takes it from here.
		if c.session != nil {
			_ = c.session.Close(1000, "handler requested reconnect")
		}
	}
	return false
}

func (c *Connection) notifyError(st *driverState, cause error) bool {
	var res dispatch.ErrorResult
	if err := c.callGuarded(func() {
		res = c.dispatcher.Handlers.Error.OnError(context.Background(), nil, cause)
	}); err != nil {
		return c.failHandler(st, err)
	}

	switch res.Action {
	case dispatch.ErrActionStop:
		return c.failHandler(st, cause)
	case dispatch.ErrActionRetry:
		if c.session != nil {
			_ = c.session.Close(1000, "handler requested retry")
		}
	case dispatch.ErrActionSurface:
		// No driver intervention beyond having already called the handler.
	}
	return false
}

func (c *Connection) routeFrame(st *driverState, payload []byte) bool {
	cls, err := c.cfg.Codec.Classify(payload)
	if err != nil {
		return c.notifyError(st, fmt.Errorf("connection: classify failed: %w", err))
	}

	switch cls.Category {
	case wire.CategoryReply:
		if cls.HasID {
			if c.corr.Match(cls.ID, payload) {
				return false
			}
			if handled, terminal := c.resolveSubscriptionFrame(st, cls.ID, payload); handled {
				return terminal
			}
		}
		return c.deliverUnsolicited(st, payload)
	case wire.CategoryAuthChallenge:
		return c.handleAuthChallenge(st, payload)
	case wire.CategoryServerPing:
		// Application-level keepalive; the transport already answers WS-level pings.
	case wire.CategorySubscriptionEvent, wire.CategoryUnsolicited:
		return c.deliverUnsolicited(st, payload)
	}
	return false
}

// subscriptionAck is the generic shape checked to confirm/reject a
// subscription. The exact wire format is adapter-specific (spec.md §9
// open question 3); this generic shape is the JSONCodec/CBORCodec
// default.
type subscriptionAck struct {
	Error *struct {
		Message string `json:"message" cbor:"message"`
	} `json:"error" cbor:"error"`
}

func (c *Connection) resolveSubscriptionFrame(st *driverState, id uint64, payload []byte) (handled, terminal bool) {
	waiter, hasWaiter := st.pendingSubscribes[id]
	sub, known := c.subs.Get(id)
	if !hasWaiter && !known {
		return false, false
	}

	var ack subscriptionAck
	_ = c.cfg.Codec.Unmarshal(payload, &ack)

	if ack.Error != nil {
		c.subs.Reject(id, fmt.Errorf("%s", ack.Error.Message))
		c.emitObservability(observability.KindSubscriptionFailed, map[string]any{"id": id, "channel": sub.Channel})
		if err := c.callGuarded(func() {
			c.dispatcher.Handlers.Subscription.OnSubscriptionEvent(context.Background(), nil, id, false, ack.Error.Message)
		}); err != nil {
			return true, c.failHandler(st, err)
		}
		if hasWaiter {
			waiter <- subscribeResult{id: id, err: fmt.Errorf("subscription rejected: %s", ack.Error.Message)}
			delete(st.pendingSubscribes, id)
		}
		return true, false
	}

	c.subs.Confirm(id)
	c.emitObservability(observability.KindSubscriptionConfirmed, map[string]any{"id": id, "channel": sub.Channel})
	if err := c.callGuarded(func() {
		c.dispatcher.Handlers.Subscription.OnSubscriptionEvent(context.Background(), nil, id, true, "")
	}); err != nil {
		return true, c.failHandler(st, err)
	}
	if hasWaiter {
		waiter <- subscribeResult{id: id}
		delete(st.pendingSubscribes, id)
	}
	return true, false
}

func (c *Connection) deliverUnsolicited(st *driverState, payload []byte) bool {
	var res dispatch.MessageResult
	if err := c.callGuarded(func() {
		res = c.dispatcher.Handlers.Message.OnMessage(context.Background(), nil, payload)
	}); err != nil {
		return c.failHandler(st, err)
	}

	switch res.Action {
	case dispatch.MsgActionReply, dispatch.MsgActionReplyMany:
		if c.session == nil {
			return false
		}
		for _, r := range res.Replies {
			_ = c.session.Send(r)
		}
	case dispatch.MsgActionClose:
		if c.session != nil {
			_ = c.session.Close(res.Code, res.Reason)
		}
	case dispatch.MsgActionErr:
		return c.notifyError(st, fmt.Errorf("connection: message handler reported %s", res.Reason))
	}
	return false
}

func (c *Connection) handleAuthChallenge(st *driverState, payload []byte) bool {
	var res dispatch.AuthResult
	if err := c.callGuarded(func() {
		res = c.dispatcher.Handlers.Auth.OnAuthEvent(context.Background(), nil, payload)
	}); err != nil {
		return c.failHandler(st, err)
	}

	switch res.Action {
	case dispatch.AuthActionNeedsAuth:
		if res.Frame != nil && c.session != nil {
			_ = c.session.Send(res.Frame)
		}
	case dispatch.AuthActionErr:
		return c.notifyError(st, fmt.Errorf("connection: auth failed: %s", res.Reason))
	}
	return false
}

// --- outbound buffer: idempotent requests' encoded frames, replayed in
// submission order after reopen (SPEC_FULL.md §3 Outbound Buffer). Touched
// from both the driver loop and awaitOutcome goroutines, so it lives under
// c.mu rather than in driverState.

func (c *Connection) bufferFrame(id uint64, frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.outbound[id]; !exists {
		c.outboundOrder = append(c.outboundOrder, id)
	}
	c.outbound[id] = frame
}

func (c *Connection) unbufferFrame(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.outbound[id]; !ok {
		return
	}
	delete(c.outbound, id)
	for i, x := range c.outboundOrder {
		if x == id {
			c.outboundOrder = append(c.outboundOrder[:i], c.outboundOrder[i+1:]...)
			break
		}
	}
}

func (c *Connection) bufferedOrder() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.outboundOrder...)
}

func (c *Connection) bufferedFrame(id uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.outbound[id]
	return f, ok
}

// --- operation handling ------------------------------------------------

// handleOp processes one value received on opsCh. It returns true if the
// driver loop must exit (Close fully resolved or dial/reconnect result
// already handled as terminal).
func (c *Connection) handleOp(ctx context.Context, st *driverState, raw any) bool {
	switch op := raw.(type) {
	case *opDialResult:
		return c.handleDialResult(st, op)
	case *opSubmit:
		c.handleSubmit(ctx, st, op)
	case *opAdmitted:
		c.handleAdmitted(st, op)
	case *opSubscribe:
		c.handleSubscribe(st, op)
	case *opUnsubscribe:
		c.subs.Unsubscribe(op.id)
		if c.session != nil {
			if frame, err := c.cfg.Codec.Encode(op.id, map[string]any{"method": "unsubscribe"}); err == nil {
				_ = c.session.Send(frame)
			}
		}
		op.resultCh <- nil
	case *opSendRaw:
		c.handleSendRaw(op)
	case *opClose:
		return c.handleClose(st, op)
	}
	return false
}

func (c *Connection) handleDialResult(st *driverState, op *opDialResult) bool {
	if op.err != nil {
		tr, err := c.machine.Apply(statemachine.EventTransportError)
		if err != nil {
			panic(err)
		}
		c.mu.Lock()
		c.lastErr = op.err
		c.mu.Unlock()

		if tr.To == statemachine.PhaseReconnecting {
			return c.scheduleReconnect(st)
		}
		return false
	}

	c.session = op.session
	st.sessionEvents = c.session.Events()
	return false
}

// handleSubmit consults the rate limiter off the driver loop (Admit can
// block while a request waits in the admission queue) and posts the
// decision back as opAdmitted so the send itself still happens on the
// driver loop, per SPEC_FULL.md §5's "handlers return promptly" rule.
func (c *Connection) handleSubmit(ctx context.Context, st *driverState, op *opSubmit) {
	_ = st
	go func() {
		admitCtx, cancel := context.WithTimeout(ctx, op.timeout)
		defer cancel()

		decision, err := c.limiter.Admit(admitCtx, op.category)
		if decision == ratelimit.DecisionRejected {
			c.emitObservability(observability.KindRateLimited, map[string]any{"category": op.category})
			res := c.dispatcher.Handlers.RateLimit.OnRateLimitDecision(admitCtx, nil, op.category)
			switch res.Action {
			case dispatch.RateActionAdmit:
				// Handler deliberately overrides the rejection; fall through
				// to submit immediately.
			case dispatch.RateActionDefer:
				timer := time.NewTimer(res.Defer)
				select {
				case <-timer.C:
					// Deferral elapsed; admit without re-checking the bucket,
					// honoring the handler's requested delay directly.
				case <-admitCtx.Done():
					timer.Stop()
					op.resultCh <- Result{Err: fmt.Errorf("connection: rate limited: %w", err)}
					return
				}
			default: // RateActionReject
				op.resultCh <- Result{Err: fmt.Errorf("connection: rate limited: %w", err)}
				return
			}
		}

		select {
		case c.opsCh <- &opAdmitted{req: op}:
		case <-c.doneCh:
			op.resultCh <- Result{Err: fmt.Errorf("connection: closed")}
		}
	}()
}

func (c *Connection) handleAdmitted(st *driverState, ad *opAdmitted) {
	_ = st
	req := ad.req

	id, waitCh := c.corr.Submit(req.idempotent, req.timeout)
	frame, err := c.cfg.Codec.Encode(id, req.payload)
	if err != nil {
		c.corr.Cancel(id)
		req.resultCh <- Result{Err: fmt.Errorf("connection: encode failed: %w", err)}
		return
	}

	if req.idempotent {
		c.bufferFrame(id, frame)
	}

	if c.session == nil {
		if !req.idempotent {
			c.corr.Cancel(id)
			req.resultCh <- Result{Err: fmt.Errorf("connection: not connected")}
			return
		}
	} else if sendErr := c.session.Send(frame); sendErr != nil {
		if !req.idempotent {
			c.corr.Cancel(id)
			c.unbufferFrame(id)
			req.resultCh <- Result{Err: fmt.Errorf("connection: send failed: %w", sendErr)}
			return
		}
	} else {
		c.emitObservability(observability.KindRequestSent, map[string]any{"id": id, "category": req.category})
	}

	go c.awaitOutcome(id, waitCh, req)
}

func (c *Connection) awaitOutcome(id uint64, waitCh <-chan correlator.Outcome, req *opSubmit) {
	outcome := <-waitCh
	c.unbufferFrame(id)
	if outcome.Err == nil {
		c.emitObservability(observability.KindReplyReceived, map[string]any{"id": id})
	}
	req.resultCh <- Result{Payload: outcome.Payload, Err: outcome.Err}
}

func (c *Connection) handleSubscribe(st *driverState, op *opSubscribe) {
	id, err := c.subs.Subscribe(op.channel, op.params)
	if err != nil {
		op.resultCh <- subscribeResult{err: err}
		return
	}
	c.emitObservability(observability.KindSubscriptionPending, map[string]any{"id": id, "channel": op.channel})

	if c.session == nil {
		st.pendingSubscribes[id] = op.resultCh
		return
	}

	frame, err := c.cfg.Codec.Encode(id, map[string]any{
		"method": "subscribe", "channel": op.channel, "params": op.params,
	})
	if err != nil {
		op.resultCh <- subscribeResult{err: err}
		return
	}
	if err := c.session.Send(frame); err != nil {
		op.resultCh <- subscribeResult{err: err}
		return
	}
	st.pendingSubscribes[id] = op.resultCh
}

func (c *Connection) handleSendRaw(op *opSendRaw) {
	if c.session == nil {
		op.resultCh <- fmt.Errorf("connection: not connected")
		return
	}
	frame, err := c.cfg.Codec.EncodeRaw(op.payload)
	if err != nil {
		op.resultCh <- fmt.Errorf("connection: encode failed: %w", err)
		return
	}
	op.resultCh <- c.session.Send(frame)
}

func (c *Connection) handleClose(st *driverState, op *opClose) bool {
	tr, err := c.machine.Apply(statemachine.EventCallerClose)
	if err != nil {
		// Connecting, draining or closed; resolve immediately rather than
		// crash, since a caller-initiated close is never itself illegal
		// input — only the machine's internal events are fatal. In
		// Connecting the connection keeps running.
		op.resultCh <- nil
		if c.machine.Phase() == statemachine.PhaseClosed {
			return true
		}
		return false
	}
	_ = tr

	st.pendingClose = op
	if c.session != nil {
		_ = c.session.Close(op.code, op.reason)
	} else {
		// Reconnecting with no live session: nothing to await Down from.
		c.corr.FailAll(correlator.ErrClosedByCaller, correlator.PolicyTerminal)
		c.emitObservability(observability.KindConnectionClosed, map[string]any{"reason": "caller_close"})
		op.resultCh <- nil
		st.pendingClose = nil
		return true
	}
	return false
}
