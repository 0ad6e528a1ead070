// Package statemachine implements the Connection State Machine (component
// C3): the phase enum and the legal transition table governing handshake,
// upgrade, active, draining, reconnecting, and closed phases. It holds no
// I/O of its own — the driver loop in package connection feeds it events
// and acts on the Transition it returns.
package statemachine

import "fmt"

// Phase is one lifecycle state of a Connection.
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseUpgradeRequested
	PhaseActive
	PhaseReconnecting
	PhaseDraining
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseUpgradeRequested:
		return "upgrade_requested"
	case PhaseActive:
		return "active"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseDraining:
		return "draining"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind identifies the category of input the driver loop is feeding
// the machine; it is independent of the package that originated the
// event (transport, planner, or caller).
type EventKind int

const (
	EventTransportUp EventKind = iota
	EventTransportUpgraded
	EventTransportFrame
	EventTransportDown
	EventTransportError
	EventPlannerDelayExpired
	EventPlannerExhausted
	EventCallerClose
	// EventHandlerFailed fires when a control hook (Connection, Message,
	// Subscription, Auth, or Error) panics; per SPEC_FULL.md §4.6/§7 this
	// always closes the connection rather than attempting to resume.
	EventHandlerFailed
)

// Action is what the driver loop must do as a side effect of a
// transition. The machine itself never performs I/O; it only reports
// which action applies so the driver loop (which owns the correlator,
// subscription registry, transport, and planner) can carry it out.
type Action int

const (
	ActionNone Action = iota
	ActionIssueUpgrade
	ActionFlushAndReplay
	ActionAskPlannerForDelay
	ActionRouteFrame
	ActionFailNonIdempotentKeepIdempotent
	ActionOpenNewSession
	ActionGiveUp
	ActionSendCloseAwaitDown
	ActionResolveAllClosedByCaller
	ActionHandlerFailed
)

// IllegalTransitionError is raised when an event has no defined
// transition from the current phase. Per design, illegal transitions
// crash the runtime rather than silently corrupt state — the caller
// (package connection) is expected to treat this as fatal and rely on a
// supervising entity to restart the connection if required.
type IllegalTransitionError struct {
	From  Phase
	Event EventKind
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("statemachine: illegal transition: event %d in phase %s", e.Event, e.From)
}

// Transition is the new phase plus the action to take, as enumerated in
// the states-and-transitions table.
type Transition struct {
	To     Phase
	Action Action
}

// Machine holds the current phase and applies the enumerated transition
// table. It is not safe for concurrent use — it is driven exclusively
// from the single driver loop goroutine per connection (see package
// connection).
type Machine struct {
	phase Phase
}

// New builds a Machine in its initial Connecting phase.
func New() *Machine {
	return &Machine{phase: PhaseConnecting}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	return m.phase
}

// Apply advances the machine per the event and current phase, returning
// the Transition to take. It returns an *IllegalTransitionError for any
// (phase, event) pair not in the table; the caller must treat this as
// fatal.
func (m *Machine) Apply(event EventKind) (Transition, error) {
	t, ok := transitionFor(m.phase, event)
	if !ok {
		return Transition{}, &IllegalTransitionError{From: m.phase, Event: event}
	}
	m.phase = t.To
	return t, nil
}

// transitionFor is the states-and-transitions table. Rows not listed are
// illegal for that phase.
func transitionFor(from Phase, event EventKind) (Transition, bool) {
	if event == EventHandlerFailed && from != PhaseClosed {
		// A panicking control hook is fatal from any live phase; there is
		// nothing left to drain or retry.
		return Transition{To: PhaseClosed, Action: ActionHandlerFailed}, true
	}
	switch from {
	case PhaseConnecting:
		switch event {
		case EventTransportUp:
			return Transition{To: PhaseUpgradeRequested, Action: ActionIssueUpgrade}, true
		case EventTransportDown, EventTransportError:
			// Not in the original table (which starts from an already-Up
			// session), but a dial attempt failing before any Up event is
			// exactly the scenario the Reconnection Planner's max-attempts
			// exhaustion (SPEC_FULL.md §8 S6) depends on.
			return Transition{To: PhaseReconnecting, Action: ActionAskPlannerForDelay}, true
		}
	case PhaseUpgradeRequested:
		switch event {
		case EventTransportUpgraded:
			return Transition{To: PhaseActive, Action: ActionFlushAndReplay}, true
		case EventTransportDown, EventTransportError:
			return Transition{To: PhaseReconnecting, Action: ActionAskPlannerForDelay}, true
		case EventCallerClose:
			return Transition{To: PhaseDraining, Action: ActionSendCloseAwaitDown}, true
		}
	case PhaseActive:
		switch event {
		case EventTransportFrame:
			return Transition{To: PhaseActive, Action: ActionRouteFrame}, true
		case EventTransportDown, EventTransportError:
			return Transition{To: PhaseReconnecting, Action: ActionFailNonIdempotentKeepIdempotent}, true
		case EventCallerClose:
			return Transition{To: PhaseDraining, Action: ActionSendCloseAwaitDown}, true
		}
	case PhaseReconnecting:
		switch event {
		case EventPlannerDelayExpired:
			return Transition{To: PhaseConnecting, Action: ActionOpenNewSession}, true
		case EventPlannerExhausted:
			return Transition{To: PhaseClosed, Action: ActionGiveUp}, true
		case EventCallerClose:
			// The caller can always give up waiting on the planner; there is
			// no live transport to drain, so this closes immediately instead
			// of going through Draining.
			return Transition{To: PhaseClosed, Action: ActionResolveAllClosedByCaller}, true
		}
	case PhaseDraining:
		if event == EventTransportDown {
			return Transition{To: PhaseClosed, Action: ActionResolveAllClosedByCaller}, true
		}
	case PhaseClosed:
		// Terminal; no event reopens a Closed machine.
	}
	return Transition{}, false
}
