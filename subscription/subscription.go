// Package subscription implements the Subscription Registry (component C5
// in SPEC_FULL.md §4.4): the canonical set of logical channel subscriptions,
// tracked independently of the underlying transport and replayed after
// reconnect.
package subscription

import (
	"fmt"
	"sync"
	"time"
)

// Status is a Subscription's lifecycle state.
type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Subscription is a durable logical interest in a named channel with
// parameters (SPEC_FULL.md §3).
type Subscription struct {
	ID        uint64
	Channel   string
	Params    string // canonical, comparable encoding of the params
	Status    Status
	CreatedAt time.Time
}

type key struct {
	channel string
	params  string
}

// Registry owns the subscription table for one connection lifetime. It is
// mutated from the single driver goroutine; its mutex lets other goroutines
// read it (e.g. connection.ActiveSubscriptions).
type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	byID    map[uint64]*Subscription
	byKey   map[key]uint64
	// order preserves original subscription order for replay, per
	// SPEC_FULL.md §4.4: "Replay order equals original subscription order".
	order []uint64
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{
		byID:  make(map[uint64]*Subscription),
		byKey: make(map[key]uint64),
	}
}

// ErrAlreadySubscribed is returned when (channel, params) is already registered.
var ErrAlreadySubscribed = fmt.Errorf("subscription: already subscribed to this (channel, params)")

// Subscribe registers a new logical interest and returns its ID with
// status pending. At most one entry exists per (channel, params) key
// (SPEC_FULL.md §4.4 invariant).
func (r *Registry) Subscribe(channel, params string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{channel, params}
	if _, exists := r.byKey[k]; exists {
		return 0, ErrAlreadySubscribed
	}

	r.nextID++
	id := r.nextID

	sub := &Subscription{
		ID:        id,
		Channel:   channel,
		Params:    params,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	r.byID[id] = sub
	r.byKey[k] = id
	r.order = append(r.order, id)

	return id, nil
}

// Unsubscribe removes the entry for id. It is idempotent: unsubscribing an
// unknown or already-removed id is not an error.
func (r *Registry) Unsubscribe(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	delete(r.byKey, key{sub.Channel, sub.Params})
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Confirm marks id as confirmed by the server.
func (r *Registry) Confirm(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.byID[id]; ok {
		sub.Status = StatusConfirmed
	}
}

// Reject marks id as failed. reason is not stored (surfaced by the caller
// via dispatch.SubscriptionHandler instead); it exists for symmetry with
// Confirm and future diagnostics.
func (r *Registry) Reject(id uint64, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.byID[id]; ok {
		sub.Status = StatusFailed
	}
}

// ActiveSubscriptions returns only confirmed entries (SPEC_FULL.md §4.4).
func (r *Registry) ActiveSubscriptions() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Subscription, 0, len(r.order))
	for _, id := range r.order {
		sub := r.byID[id]
		if sub.Status == StatusConfirmed {
			out = append(out, *sub)
		}
	}
	return out
}

// PrepareForReconnect marks every confirmed entry back to pending and
// returns the list to be re-subscribed, in original order.
func (r *Registry) PrepareForReconnect() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	var toReplay []Subscription
	for _, id := range r.order {
		sub := r.byID[id]
		if sub.Status == StatusConfirmed || sub.Status == StatusPending {
			sub.Status = StatusPending
			toReplay = append(toReplay, *sub)
		}
	}
	return toReplay
}

// Replay produces the ordered sequence of subscriptions to re-issue after
// upgrade; identical to PrepareForReconnect's return value but callable
// without re-mutating status (e.g. for logging or tests).
func (r *Registry) Replay() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Subscription, 0, len(r.order))
	for _, id := range r.order {
		if sub := r.byID[id]; sub.Status != StatusFailed {
			out = append(out, *sub)
		}
	}
	return out
}

// Get returns the subscription for id, if any.
func (r *Registry) Get(id uint64) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byID[id]
	if !ok {
		return Subscription{}, false
	}
	return *sub, true
}
