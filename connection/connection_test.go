package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/quantedge/wsconn/dispatch"
	"github.com/quantedge/wsconn/ratelimit"
	"github.com/quantedge/wsconn/reconnect"
)

// messageHandlerFunc adapts a plain function to dispatch.MessageHandler, the
// way the server test helpers in transport_test.go adapt plain functions to
// http.HandlerFunc.
type messageHandlerFunc func(ctx context.Context, state any, payload []byte) dispatch.MessageResult

func (f messageHandlerFunc) OnMessage(ctx context.Context, state any, payload []byte) dispatch.MessageResult {
	return f(ctx, state, payload)
}

// fakeServer is a minimal JSON-RPC-over-WebSocket echo/subscribe server used
// to exercise the connection driver loop end-to-end, the way
// transport_test.go's echoServer exercises the transport layer alone.
type fakeServer struct {
	*httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	onFrame  func(conn *websocket.Conn, frame map[string]any)
	upgrader websocket.Upgrader
}

func newFakeServer(t *testing.T, onFrame func(conn *websocket.Conn, frame map[string]any)) *fakeServer {
	t.Helper()
	fs := &fakeServer{onFrame: onFrame}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := fs.upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.mu.Unlock()

		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			fs.onFrame(conn, frame)
		}
	}))
	return fs
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.Server.URL, "http")
}

// killLastConn force-closes the most recently accepted server-side
// connection, simulating an abrupt transport failure (S3/S4).
func (fs *fakeServer) killLastConn() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if n := len(fs.conns); n > 0 {
		fs.conns[n-1].Close()
	}
}

func baseConfig(url string) Config {
	return Config{
		Endpoint:       Endpoint{URL: url},
		ConnectTimeout: 2 * time.Second,
		RequestTimeout: time.Second,
		Reconnect: reconnect.Config{
			Strategy: reconnect.StrategyLinear,
			Base:     20 * time.Millisecond,
			Cap:      100 * time.Millisecond,
		},
		RateLimit: ratelimit.Config{
			Capacity:          1000,
			RefillPerInterval: 1000,
			IntervalMs:        1000,
			QueueCeiling:      1000,
		},
	}
}

func reply(conn *websocket.Conn, id float64, result string) {
	conn.WriteJSON(map[string]any{"id": id, "result": result})
}

// TestS1BasicRPC: a submitted request gets its matching reply.
func TestS1BasicRPC(t *testing.T) {
	srv := newFakeServer(t, func(conn *websocket.Conn, frame map[string]any) {
		if frame["method"] == "ping" {
			time.AfterFunc(20*time.Millisecond, func() { reply(conn, frame["id"].(float64), "pong") })
		}
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := Connect(ctx, baseConfig(srv.wsURL()))
	require.NoError(t, err)
	defer conn.Close(ctx, 1000, "done")

	res, err := conn.SubmitRequest(ctx, map[string]any{"method": "ping"}, RequestOptions{Timeout: 500 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, res.Err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(res.Payload, &decoded))
	require.Equal(t, "pong", decoded["result"])
}

// TestS2ReplyAfterTimeout: a reply arriving after the waiter has already
// timed out surfaces as an unsolicited message instead of corrupting state,
// and a subsequent request still succeeds.
func TestS2ReplyAfterTimeout(t *testing.T) {
	unsolicited := make(chan []byte, 1)

	srv := newFakeServer(t, func(conn *websocket.Conn, frame map[string]any) {
		if frame["method"] == "ping" {
			id := frame["id"].(float64)
			if id == 1 {
				time.AfterFunc(200*time.Millisecond, func() { reply(conn, id, "late-pong") })
			} else {
				reply(conn, id, "pong")
			}
		}
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	cfg := baseConfig(srv.wsURL())
	cfg.Handlers.Message = messageHandlerFunc(func(_ context.Context, _ any, payload []byte) dispatch.MessageResult {
		select {
		case unsolicited <- payload:
		default:
		}
		return dispatch.MessageResult{Action: dispatch.MsgActionOk}
	})

	conn, err := Connect(ctx, cfg)
	require.NoError(t, err)
	defer conn.Close(ctx, 1000, "done")

	timedOut, err := conn.SubmitRequest(ctx, map[string]any{"method": "ping"}, RequestOptions{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	require.Error(t, timedOut.Err)

	select {
	case payload := <-unsolicited:
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(payload, &decoded))
		require.Equal(t, "late-pong", decoded["result"])
	case <-time.After(time.Second):
		t.Fatal("late reply never surfaced as unsolicited")
	}

	res, err := conn.SubmitRequest(ctx, map[string]any{"method": "ping"}, RequestOptions{Timeout: 500 * time.Millisecond})
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(res.Payload, &decoded))
	require.Equal(t, "pong", decoded["result"])
}

// TestS6MaxAttemptsExhaustion: dialing an address nothing listens on
// exhausts the configured attempt budget and resolves Connect with
// reconnect.ErrExhausted.
func TestS6MaxAttemptsExhaustion(t *testing.T) {
	cfg := baseConfig("ws://127.0.0.1:1") // nothing listens on port 1
	cfg.ConnectTimeout = 100 * time.Millisecond
	cfg.Reconnect = reconnect.Config{
		Strategy:    reconnect.StrategyLinear,
		Base:        10 * time.Millisecond,
		Cap:         20 * time.Millisecond,
		MaxAttempts: 3,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Connect(ctx, cfg)
	require.Error(t, err)
	require.ErrorIs(t, err, reconnect.ErrExhausted)
}

// TestS3ReconnectRestoresSubscription: killing the underlying socket drops
// the connection into Reconnecting; once it re-upgrades to the same still-
// running server, the subscription is re-sent and re-confirmed, and the
// connection identifier is unchanged throughout.
func TestS3ReconnectRestoresSubscription(t *testing.T) {
	srv := newFakeServer(t, func(conn *websocket.Conn, frame map[string]any) {
		if frame["method"] == "subscribe" {
			reply(conn, frame["id"].(float64), "ok")
		}
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Connect(ctx, baseConfig(srv.wsURL()))
	require.NoError(t, err)
	defer conn.Close(ctx, 1000, "done")

	id := conn.ID()

	_, err = conn.Subscribe(ctx, "book.BTC-PERP", "")
	require.NoError(t, err)

	hasSub := func() bool {
		for _, s := range conn.ActiveSubscriptions() {
			if s.Channel == "book.BTC-PERP" {
				return true
			}
		}
		return false
	}
	require.Eventually(t, hasSub, time.Second, 10*time.Millisecond)

	srv.killLastConn()

	require.Eventually(t, hasSub, 3*time.Second, 20*time.Millisecond)
	require.Equal(t, id, conn.ID())
}

// TestS4IdempotentRequestBufferedAcrossReconnect: an idempotent request
// whose socket drops before the server replies stays buffered and is
// resolved normally once the frame is re-sent after reopen.
func TestS4IdempotentRequestBufferedAcrossReconnect(t *testing.T) {
	var mu sync.Mutex
	attempts := make(map[float64]int)

	srv := newFakeServer(t, func(conn *websocket.Conn, frame map[string]any) {
		if frame["method"] != "idempotent_probe" {
			return
		}
		id := frame["id"].(float64)
		mu.Lock()
		attempts[id]++
		n := attempts[id]
		mu.Unlock()
		if n >= 2 {
			reply(conn, id, "done")
		}
		// First attempt is silently dropped so the request is still pending
		// when the socket is killed.
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Connect(ctx, baseConfig(srv.wsURL()))
	require.NoError(t, err)
	defer conn.Close(ctx, 1000, "done")

	type outcome struct {
		res Result
		err error
	}
	outcomeCh := make(chan outcome, 1)
	go func() {
		res, err := conn.SubmitRequest(ctx, map[string]any{"method": "idempotent_probe"}, RequestOptions{
			Idempotent: true,
			Timeout:    3 * time.Second,
		})
		outcomeCh <- outcome{res, err}
	}()

	time.Sleep(50 * time.Millisecond) // let the first attempt reach the server
	srv.killLastConn()

	select {
	case o := <-outcomeCh:
		require.NoError(t, o.err)
		require.NoError(t, o.res.Err)
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(o.res.Payload, &decoded))
		require.Equal(t, "done", decoded["result"])
	case <-time.After(4 * time.Second):
		t.Fatal("idempotent request never resolved after reconnect")
	}
}

// TestS5RateLimitBackpressure: with a two-token bucket, a one-per-100ms
// refill, and a one-entry queue ceiling, two requests admit immediately, a
// third queues and admits once the bucket refills, and a concurrent fourth
// is rejected for queue overflow.
func TestS5RateLimitBackpressure(t *testing.T) {
	srv := newFakeServer(t, func(conn *websocket.Conn, frame map[string]any) {
		if frame["method"] == "ping" {
			reply(conn, frame["id"].(float64), "pong")
		}
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	cfg := baseConfig(srv.wsURL())
	cfg.RateLimit = ratelimit.Config{
		Capacity:          2,
		RefillPerInterval: 1,
		IntervalMs:        100,
		QueueCeiling:      1,
	}

	conn, err := Connect(ctx, cfg)
	require.NoError(t, err)
	defer conn.Close(ctx, 1000, "done")

	type outcome struct {
		res Result
		err error
	}
	const n = 4
	outcomes := make([]outcome, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			res, err := conn.SubmitRequest(ctx, map[string]any{"method": "ping"}, RequestOptions{Timeout: 500 * time.Millisecond})
			outcomes[i] = outcome{res, err}
		}()
		time.Sleep(2 * time.Millisecond) // stagger submission order deterministically
	}
	wg.Wait()

	admitted, rejected := 0, 0
	for _, o := range outcomes {
		require.NoError(t, o.err)
		if o.res.Err != nil {
			rejected++
		} else {
			admitted++
		}
	}
	require.Equal(t, 3, admitted)
	require.Equal(t, 1, rejected)
}
