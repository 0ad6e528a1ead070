package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantedge/wsconn/observability"
)

func TestWithDefaultsFillsEveryNilHook(t *testing.T) {
	h := WithDefaults(Handlers{}, observability.NopSink{})

	require.NotNil(t, h.Connection)
	require.NotNil(t, h.Message)
	require.NotNil(t, h.Subscription)
	require.NotNil(t, h.Auth)
	require.NotNil(t, h.Error)
	require.NotNil(t, h.RateLimit)
	require.NotNil(t, h.Logging)
	require.NotNil(t, h.Metrics)

	require.Equal(t, ConnActionOk, h.Connection.OnConnectionEvent(context.Background(), nil, EventUp).Action)
	require.Equal(t, MsgActionOk, h.Message.OnMessage(context.Background(), nil, nil).Action)
	require.Equal(t, ErrActionSurface, h.Error.OnError(context.Background(), nil, nil).Action)
	require.Equal(t, RateActionReject, h.RateLimit.OnRateLimitDecision(context.Background(), nil, "order").Action)
}

func TestWithDefaultsPreservesProvidedHooks(t *testing.T) {
	custom := connHandlerFunc(func(context.Context, any, ConnectionLifecycleEvent) ConnectionResult {
		return ConnectionResult{Action: ConnActionReconnect}
	})
	h := WithDefaults(Handlers{Connection: custom}, observability.NopSink{})
	res := h.Connection.OnConnectionEvent(context.Background(), nil, EventDown)
	require.Equal(t, ConnActionReconnect, res.Action)
}

func TestDispatcherEmitReachesRegisteredObserver(t *testing.T) {
	d := NewDispatcher(Handlers{}, observability.NopSink{})
	ch := d.RegisterObserver(1)
	defer d.UnregisterObserver(ch)

	e := observability.Event{Kind: observability.KindConnectionOpened, ConnID: "c1"}
	d.Emit(e)

	select {
	case got := <-ch:
		require.Equal(t, e.Kind, got.Kind)
	case <-time.After(time.Second):
		t.Fatal("observer never received event")
	}
}

func TestDispatcherEmitSurvivesPanickingLoggingHook(t *testing.T) {
	d := NewDispatcher(Handlers{Logging: panicLogger{}}, observability.NopSink{})
	require.NotPanics(t, func() {
		d.Emit(observability.Event{Kind: observability.KindConnectionOpened})
	})
}

type connHandlerFunc func(context.Context, any, ConnectionLifecycleEvent) ConnectionResult

func (f connHandlerFunc) OnConnectionEvent(ctx context.Context, s any, e ConnectionLifecycleEvent) ConnectionResult {
	return f(ctx, s, e)
}

type panicLogger struct{}

func (panicLogger) OnEvent(observability.Event) { panic("boom") }
