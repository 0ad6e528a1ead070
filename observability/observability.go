// Package observability implements the event taxonomy described in
// SPEC_FULL.md §6.1: a closed set of lifecycle events published by the
// connection runtime, each carrying the connection identifier, consumed
// through a Sink interface. The default SlogSink uses log/slog throughout.
package observability

import (
	"log/slog"
)

// Kind enumerates the stable event taxonomy from SPEC_FULL.md §6.1.
type Kind string

const (
	KindConnectionOpened      Kind = "connection_opened"
	KindConnectionClosed      Kind = "connection_closed"
	KindUpgradeCompleted      Kind = "upgrade_completed"
	KindRequestSent           Kind = "request_sent"
	KindReplyReceived         Kind = "reply_received"
	KindRequestTimedOut       Kind = "request_timed_out"
	KindSubscriptionPending   Kind = "subscription_pending"
	KindSubscriptionConfirmed Kind = "subscription_confirmed"
	KindSubscriptionFailed    Kind = "subscription_failed"
	KindReconnectScheduled    Kind = "reconnect_scheduled"
	KindReconnectExhausted    Kind = "reconnect_exhausted"
	KindRateLimited           Kind = "rate_limited"
)

// Event is one observability record. Fields is an open attribute bag kept
// small and event-specific (e.g. {"id":7,"category":"order"} for
// request_sent), following a plain slog attribute-pair style.
type Event struct {
	Kind   Kind
	ConnID string
	Fields map[string]any
}

// Sink receives observability events. Implementations must not block the
// driver loop for long (SPEC_FULL.md §5).
type Sink interface {
	Observe(Event)
}

// SlogSink emits every event as a structured slog record.
type SlogSink struct {
	Logger *slog.Logger
}

// NewSlogSink builds a SlogSink over the given logger, or slog.Default() if nil.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{Logger: logger}
}

var _ Sink = (*SlogSink)(nil)

func (s *SlogSink) Observe(e Event) {
	attrs := make([]any, 0, 2+2*len(e.Fields))
	attrs = append(attrs, "conn_id", e.ConnID)
	for k, v := range e.Fields {
		attrs = append(attrs, k, v)
	}

	switch e.Kind {
	case KindRequestTimedOut, KindSubscriptionFailed, KindReconnectExhausted, KindRateLimited:
		s.Logger.Warn(string(e.Kind), attrs...)
	default:
		s.Logger.Info(string(e.Kind), attrs...)
	}
}

// NopSink discards every event; used in tests and as a safe zero value.
type NopSink struct{}

var _ Sink = NopSink{}

func (NopSink) Observe(Event) {}
