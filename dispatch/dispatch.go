// Package dispatch implements Handler Dispatch: a fixed, documented set of
// hooks invoked at precise lifecycle points, each either user-provided or
// a library-supplied default.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/quantedge/wsconn/observability"
)

// ConnectionAction is the return contract for ConnectionHandler hooks.
type ConnectionAction int

const (
	ConnActionOk ConnectionAction = iota
	ConnActionReconnect
	ConnActionClose
	ConnActionStop
)

// ConnectionResult carries a ConnectionAction plus the close/stop details.
type ConnectionResult struct {
	Action ConnectionAction
	Code   int
	Reason string
}

// ConnectionHandler reacts to Up, Upgraded, Down, and scheduled-reconnect events.
type ConnectionHandler interface {
	OnConnectionEvent(ctx context.Context, state any, event ConnectionLifecycleEvent) ConnectionResult
}

// ConnectionLifecycleEvent identifies which lifecycle point fired.
type ConnectionLifecycleEvent int

const (
	EventUp ConnectionLifecycleEvent = iota
	EventUpgraded
	EventDown
	EventReconnectScheduled
)

// MessageAction is the return contract for MessageHandler hooks.
type MessageAction int

const (
	MsgActionOk MessageAction = iota
	MsgActionReply
	MsgActionReplyMany
	MsgActionClose
	MsgActionErr
)

// MessageResult carries a MessageAction plus any reply frames to send.
type MessageResult struct {
	Action  MessageAction
	Replies [][]byte
	Code    int
	Reason  string
}

// MessageHandler handles every incoming frame not claimed by the correlator.
type MessageHandler interface {
	OnMessage(ctx context.Context, state any, payload []byte) MessageResult
}

// SubscriptionAction is the return contract for SubscriptionHandler hooks.
type SubscriptionAction int

const (
	SubActionOk SubscriptionAction = iota
	SubActionErr
)

// SubscriptionResult carries a SubscriptionAction.
type SubscriptionResult struct {
	Action SubscriptionAction
	Reason string
}

// SubscriptionHandler reacts to the server confirming or rejecting a
// subscribe request. Unsubscribe responses are not routed to it, and the
// connection does not act on the SubscriptionResult it returns.
type SubscriptionHandler interface {
	OnSubscriptionEvent(ctx context.Context, state any, subID uint64, confirmed bool, reason string) SubscriptionResult
}

// AuthAction is the return contract for AuthHandler hooks.
type AuthAction int

const (
	AuthActionOk AuthAction = iota
	AuthActionNeedsAuth
	AuthActionErr
)

// AuthResult carries an AuthAction plus an optional frame to send.
type AuthResult struct {
	Action AuthAction
	Frame  []byte
	Reason string
}

// AuthHandler reacts to auth challenges or token-expiry signals.
type AuthHandler interface {
	OnAuthEvent(ctx context.Context, state any, challenge []byte) AuthResult
}

// ErrorAction is the return contract for ErrorHandler hooks.
type ErrorAction int

const (
	ErrActionRetry ErrorAction = iota
	ErrActionSurface
	ErrActionStop
)

// ErrorResult carries an ErrorAction.
type ErrorResult struct {
	Action ErrorAction
	Reason string
}

// ErrorHandler reacts to any transport, codec, or handler failure classified
// as recoverable.
type ErrorHandler interface {
	OnError(ctx context.Context, state any, cause error) ErrorResult
}

// RateLimitAction is the return contract for RateLimitHandler hooks.
type RateLimitAction int

const (
	RateActionAdmit RateLimitAction = iota
	RateActionDefer
	RateActionReject
)

// RateLimitResult carries a RateLimitAction.
type RateLimitResult struct {
	Action RateLimitAction
	Defer  time.Duration
	Reason string
}

// RateLimitHandler is consulted when the limiter rejects an admission; its
// result decides whether the request is admitted anyway, deferred, or rejected.
type RateLimitHandler interface {
	OnRateLimitDecision(ctx context.Context, state any, category string) RateLimitResult
}

// LoggingHandler and MetricsHandler are observe-only: the runtime treats an
// exception inside either as a logged warning, never as fatal
// (SPEC_FULL.md §4.6 / spec.md §4.6).
type LoggingHandler interface {
	OnEvent(observability.Event)
}

type MetricsHandler interface {
	OnEvent(observability.Event)
}

// Handlers bundles one of each hook category. Any nil field is replaced by
// its library-supplied default at construction time (see Defaults below).
type Handlers struct {
	Connection   ConnectionHandler
	Message      MessageHandler
	Subscription SubscriptionHandler
	Auth         AuthHandler
	Error        ErrorHandler
	RateLimit    RateLimitHandler
	Logging      LoggingHandler
	Metrics      MetricsHandler
}

// WithDefaults fills every nil hook in h with a library default and returns
// the result; h itself is not mutated.
func WithDefaults(h Handlers, sink observability.Sink) Handlers {
	out := h
	if out.Connection == nil {
		out.Connection = defaultConnectionHandler{}
	}
	if out.Message == nil {
		out.Message = defaultMessageHandler{}
	}
	if out.Subscription == nil {
		out.Subscription = defaultSubscriptionHandler{}
	}
	if out.Auth == nil {
		out.Auth = defaultAuthHandler{}
	}
	if out.Error == nil {
		out.Error = defaultErrorHandler{}
	}
	if out.RateLimit == nil {
		out.RateLimit = defaultRateLimitHandler{}
	}
	if out.Logging == nil {
		out.Logging = &sinkLoggingHandler{sink: sink}
	}
	if out.Metrics == nil {
		out.Metrics = &sinkLoggingHandler{sink: sink}
	}
	return out
}

type defaultConnectionHandler struct{}

func (defaultConnectionHandler) OnConnectionEvent(context.Context, any, ConnectionLifecycleEvent) ConnectionResult {
	return ConnectionResult{Action: ConnActionOk}
}

type defaultMessageHandler struct{}

func (defaultMessageHandler) OnMessage(context.Context, any, []byte) MessageResult {
	return MessageResult{Action: MsgActionOk}
}

type defaultSubscriptionHandler struct{}

func (defaultSubscriptionHandler) OnSubscriptionEvent(context.Context, any, uint64, bool, string) SubscriptionResult {
	return SubscriptionResult{Action: SubActionOk}
}

type defaultAuthHandler struct{}

func (defaultAuthHandler) OnAuthEvent(context.Context, any, []byte) AuthResult {
	return AuthResult{Action: AuthActionOk}
}

type defaultErrorHandler struct{}

func (defaultErrorHandler) OnError(context.Context, any, error) ErrorResult {
	return ErrorResult{Action: ErrActionSurface}
}

type defaultRateLimitHandler struct{}

func (defaultRateLimitHandler) OnRateLimitDecision(context.Context, any, string) RateLimitResult {
	return RateLimitResult{Action: RateActionReject}
}

type sinkLoggingHandler struct {
	sink observability.Sink
}

func (h *sinkLoggingHandler) OnEvent(e observability.Event) {
	if h.sink != nil {
		h.sink.Observe(e)
	}
}

// Dispatcher invokes control hooks directly (same scheduling domain as the
// driver loop, per SPEC_FULL.md §5) and fans observational events out to
// Logging/Metrics plus any registered observers via a conc.WaitGroup.
// Logging/Metrics panics are recovered; Emit waits for both hooks to
// return. Sends to observer channels never block: a full channel drops
// the event.
type Dispatcher struct {
	Handlers Handlers

	obsMu     sync.Mutex
	observers []chan observability.Event
}

// NewDispatcher builds a Dispatcher with defaults filled in.
func NewDispatcher(h Handlers, sink observability.Sink) *Dispatcher {
	return &Dispatcher{Handlers: WithDefaults(h, sink)}
}

// Emit notifies Logging, Metrics, and every registered observer channel.
// Logging/Metrics panics are recovered and logged as a warning
// (SPEC_FULL.md §4.6); they never reach the caller.
func (d *Dispatcher) Emit(e observability.Event) {
	var wg conc.WaitGroup
	wg.Go(func() { d.safeObserve(d.Handlers.Logging.OnEvent, e) })
	wg.Go(func() { d.safeObserve(d.Handlers.Metrics.OnEvent, e) })

	d.obsMu.Lock()
	observers := append([]chan observability.Event(nil), d.observers...)
	d.obsMu.Unlock()

	for _, ch := range observers {
		ch := ch
		wg.Go(func() {
			select {
			case ch <- e:
			default:
				// Slow observer; drop rather than block the driver loop.
			}
		})
	}
	wg.Wait()
}

func (d *Dispatcher) safeObserve(fn func(observability.Event), e observability.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("observational hook panicked", "recover", r)
		}
	}()
	fn(e)
}

// RegisterObserver adds a sink for unsolicited frames and lifecycle events,
// per SPEC_FULL.md §6 register_observer. The returned channel receives
// events until UnregisterObserver is called; it is never closed by the
// Dispatcher (the caller owns its lifecycle).
func (d *Dispatcher) RegisterObserver(buffer int) chan observability.Event {
	ch := make(chan observability.Event, buffer)
	d.obsMu.Lock()
	d.observers = append(d.observers, ch)
	d.obsMu.Unlock()
	return ch
}

// UnregisterObserver removes ch from the observer list.
func (d *Dispatcher) UnregisterObserver(ch chan observability.Event) {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	for i, c := range d.observers {
		if c == ch {
			d.observers = append(d.observers[:i], d.observers[i+1:]...)
			return
		}
	}
}
