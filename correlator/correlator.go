// Package correlator implements the request/response correlator (component
// C4 in SPEC_FULL.md §4.3): it maps correlation IDs to waiting callers,
// enforces per-request timeouts, and buffers entries across disconnects.
//
// The pending table is keyed directly by correlation ID, per the Design
// Notes (spec.md §9, "dense ID allocation"): IDs are minted from a
// monotonic counter and never reused within one connection lifetime, so a
// timer that fires after its entry has already been resolved by a
// concurrent Match simply finds nothing to do.
package correlator

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Outcome is delivered to a waiter exactly once.
type Outcome struct {
	Payload []byte
	Err     error
}

// well-known sentinel errors surfaced to waiters (SPEC_FULL.md §7).
var (
	ErrTimeout        = fmt.Errorf("correlator: request timed out")
	ErrClosedByCaller = fmt.Errorf("correlator: closed by caller")
	ErrTransport      = fmt.Errorf("correlator: transport down")
	ErrCancelled      = fmt.Errorf("correlator: cancelled by caller")
)

// FailPolicy selects how FailAll treats a pending entry (SPEC_FULL.md §4.3).
type FailPolicy int

const (
	// PolicyReconnect is used on a mid-session disconnect: non-idempotent
	// entries are resolved with err and removed ("drop"); idempotent entries
	// are left pending so the connection driver can re-submit them after
	// reopen ("re-buffer"), per spec.md §9 Open Question #2.
	PolicyReconnect FailPolicy = iota
	// PolicyTerminal resolves every entry with err regardless of idempotence,
	// used on Close and on give-up (SPEC_FULL.md §8 invariant 6: "no waiter
	// remains pending").
	PolicyTerminal
)

type slot struct {
	id         uint64
	idempotent bool
	resultCh   chan Outcome
	timer      *time.Timer
}

// Correlator owns the pending waiter table for one connection lifetime. It
// is driven exclusively from the connection's single driver goroutine
// (SPEC_FULL.md §5): no internal locking is required for Submit/Match/Cancel,
// but a mutex guards the table because timer callbacks fire on their own
// goroutines and must hand off to the driver loop via timeoutCh instead of
// mutating state directly.
type Correlator struct {
	mu        sync.Mutex
	nextID    uint64
	slots     map[uint64]*slot // keyed by correlation id, never by id modulo anything
	timeoutCh chan uint64      // delivers ids whose timer fired, for the driver to reap
}

// New builds a Correlator. IDs are 64-bit positive integers starting at 1
// and are never reused within one connection lifetime (SPEC_FULL.md §4.3).
func New() *Correlator {
	return &Correlator{
		slots:     make(map[uint64]*slot),
		timeoutCh: make(chan uint64, 256),
	}
}

// Timeouts returns the channel the driver loop should select on to learn
// about expired requests.
func (c *Correlator) Timeouts() <-chan uint64 {
	return c.timeoutCh
}

// Submit allocates a new correlation ID and registers a waiter with the
// given deadline. It returns the ID and a channel that receives exactly one
// Outcome.
func (c *Correlator) Submit(idempotent bool, timeout time.Duration) (uint64, <-chan Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID

	s := &slot{
		id:         id,
		idempotent: idempotent,
		resultCh:   make(chan Outcome, 1),
	}
	c.slots[id] = s

	if timeout > 0 {
		s.timer = time.AfterFunc(timeout, func() {
			// AfterFunc runs this on its own goroutine, so when the driver
			// is backed up the send waits instead of losing the timeout.
			c.timeoutCh <- id
		})
	}

	return id, s.resultCh
}

// release removes id's entry, if still present, and returns it. Caller must
// hold c.mu. Safe to call twice for the same id (e.g. a timer racing a
// Match) — the second call simply finds nothing.
func (c *Correlator) release(id uint64) (*slot, bool) {
	s, ok := c.slots[id]
	if !ok {
		return nil, false
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	delete(c.slots, id)
	return s, true
}

// Match resolves the waiter for id with payload, if id is known. It reports
// whether the ID was recognized; if not, the caller should treat the frame
// as Unsolicited.
func (c *Correlator) Match(id uint64, payload []byte) bool {
	c.mu.Lock()
	s, ok := c.release(id)
	c.mu.Unlock()
	if !ok {
		return false
	}

	s.resultCh <- Outcome{Payload: payload}
	return true
}

// Cancel drops the waiter for id, e.g. on caller-side cancellation.
func (c *Correlator) Cancel(id uint64) {
	c.mu.Lock()
	s, ok := c.release(id)
	c.mu.Unlock()
	if !ok {
		return
	}

	s.resultCh <- Outcome{Err: ErrCancelled}
}

// HandleTimeout processes a timer-fired notification for id. Safe to call
// even if the entry was already resolved by a concurrent Match (release is
// a no-op the second time), which is how §8's "timer fires simultaneously
// with reply arrival" boundary behavior resolves to exactly one delivered
// outcome.
func (c *Correlator) HandleTimeout(id uint64) {
	c.mu.Lock()
	s, ok := c.release(id)
	c.mu.Unlock()
	if !ok {
		return
	}

	s.resultCh <- Outcome{Err: ErrTimeout}
}

// FailAll resolves pending entries according to policy (see FailPolicy
// doc comments for the drop/re-buffer/terminal semantics).
func (c *Correlator) FailAll(err error, policy FailPolicy) error {
	c.mu.Lock()
	var toResolve []*slot
	for id, s := range c.slots {
		if policy == PolicyReconnect && s.idempotent {
			continue // left pending; connection driver re-submits after reopen
		}
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(c.slots, id)
		toResolve = append(toResolve, s)
	}
	c.mu.Unlock()

	var agg error
	for _, s := range toResolve {
		agg = multierr.Append(agg, err)
		s.resultCh <- Outcome{Err: err}
	}
	return agg
}

// Pending reports the number of currently outstanding waiters.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}
