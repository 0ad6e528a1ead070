// Package transport implements the Transport Session (component C2 in
// SPEC_FULL.md §4.1): a single WebSocket connection's raw byte-level
// plumbing, normalized into a channel of Events the driver loop selects
// over. It knows nothing about correlation IDs, subscriptions, or replies
// — it only moves frames and reports liveness.
//
// Grounded on runSignalingSession/sendPings in
// internal/heartbeat/websocket.go: a read pump goroutine owns the
// gorilla/websocket connection exclusively, a ticker goroutine sends
// periodic pings, and writes are serialized through a mutex since
// gorilla/websocket forbids concurrent writers.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventKind identifies what happened on the wire.
type EventKind int

const (
	// EventUp fires once the TCP/TLS dial and WebSocket handshake succeed.
	EventUp EventKind = iota
	// EventUpgraded fires once any protocol-specific upgrade handshake
	// (beyond the WebSocket handshake itself) completes. For the plain
	// JSON-RPC transport this fires immediately after EventUp.
	EventUpgraded
	// EventFrame carries one inbound application payload.
	EventFrame
	// EventDown fires exactly once, when the session has fully torn down.
	EventDown
)

// Event is one normalized transport occurrence.
type Event struct {
	Kind    EventKind
	Payload []byte
	Err     error
}

// Config configures a single dial attempt. PingInterval <= 0 disables
// WebSocket ping heartbeats entirely (SPEC_FULL.md §6
// heartbeat_interval_ms, "0 = off"); in that mode no read deadline is
// armed either, since there is nothing of ours to time a pong against.
type Config struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.PingInterval > 0 && c.PongWait <= 0 {
		c.PongWait = 2 * c.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Session is one WebSocket connection's lifetime. Events() is the only
// way the driver loop observes it; Send and Close are the only ways the
// driver loop drives it. A Session is used exactly once — a new
// reconnect attempt dials a new Session.
type Session struct {
	cfg    Config
	conn   *websocket.Conn
	events chan Event

	writeMu  sync.Mutex
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	causeMu sync.Mutex
	cause   error
}

// Dial opens the TCP/TLS connection and performs the WebSocket handshake.
// On success it starts the read pump and ping ticker goroutines and
// returns immediately; Events() begins delivering EventUp right away.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("transport: dial failed: %w", err)
	}

	s := &Session{
		cfg:    cfg,
		conn:   conn,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}

	if cfg.PingInterval > 0 {
		conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		})
	}

	s.emit(Event{Kind: EventUp})
	s.emit(Event{Kind: EventUpgraded})

	s.wg.Add(1)
	go s.readPump()
	if cfg.PingInterval > 0 {
		s.wg.Add(1)
		go s.pingLoop()
	}
	go s.finalize()

	return s, nil
}

// Events returns the channel of normalized transport occurrences. It is
// closed after EventDown has been delivered, and never closed before.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	case <-s.done:
	}
}

// finalize waits for both pumps to exit before emitting EventDown and
// closing the channel, so no goroutine can race a send against the close.
func (s *Session) finalize() {
	s.wg.Wait()

	s.causeMu.Lock()
	cause := s.cause
	s.causeMu.Unlock()

	s.events <- Event{Kind: EventDown, Err: cause}
	close(s.events)
}

func (s *Session) setCause(err error) {
	if err == nil {
		return
	}
	s.causeMu.Lock()
	if s.cause == nil {
		s.cause = err
	}
	s.causeMu.Unlock()
}

// stop records cause (first writer wins) and tears down the underlying
// connection exactly once, unblocking both pumps.
func (s *Session) stop(cause error) {
	s.setCause(cause)
	s.stopOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *Session) readPump() {
	defer s.wg.Done()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.stop(fmt.Errorf("transport: read failed: %w", err))
			return
		}
		s.emit(Event{Kind: EventFrame, Payload: payload})
	}
}

func (s *Session) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				s.stop(fmt.Errorf("transport: ping failed: %w", err))
				return
			}
		}
	}
}

// Send writes one application payload as a text frame. The driver loop
// is the only expected caller.
func (s *Session) Send(payload []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("transport: send on closed session")
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close initiates a graceful close handshake and tears down the pumps. It
// is idempotent; callers should still drain Events() until it closes.
func (s *Session) Close(code int, reason string) error {
	s.writeMu.Lock()
	writeErr := s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	s.writeMu.Unlock()

	s.stop(nil)
	return writeErr
}
