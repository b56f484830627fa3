package rental

import (
	"fmt"
	"strings"
)

// =============================================================================
// RESERVATION STATE MACHINE
// =============================================================================

// State is the stored lifecycle state of a reservation. Overdue exists only as
// a read-time value returned by Reservation.EffectiveState.
type State string

const (
	StateDraft     State = "draft"
	StatePending   State = "pending"
	StateApproved  State = "approved"
	StateActive    State = "active"
	StateReturned  State = "returned"
	StateCancelled State = "cancelled"
	StateClosed    State = "closed"

	// StateOverdue is derived: Active with now past the end date.
	StateOverdue State = "overdue"
)

// transitions lists every legal forward move. Anything absent is a conflict.
var transitions = map[State][]State{
	StateDraft:    {StatePending, StateCancelled, StateClosed},
	StatePending:  {StateApproved, StateCancelled},
	StateApproved: {StateActive, StateCancelled},
	StateActive:   {StateActive, StateReturned, StateCancelled},
	StateReturned: {StateClosed},
}

// Stored reports whether s may be persisted.
func (s State) Stored() bool {
	_, ok := transitions[s]
	return ok || s == StateCancelled || s == StateClosed
}

// IsTerminal is true for states with no way out.
func (s State) IsTerminal() bool {
	return s == StateCancelled || s == StateClosed
}

// CanTransitionTo reports whether from -> to is a legal move.
func (s State) CanTransitionTo(to State) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// In reports whether s is one of states.
func (s State) In(states ...State) bool {
	for _, o := range states {
		if s == o {
			return true
		}
	}
	return false
}

// ParseState accepts stored states plus "overdue" for read-side filters.
func ParseState(v string) (State, error) {
	s := State(strings.ToLower(strings.TrimSpace(v)))
	if s.Stored() || s == StateOverdue {
		return s, nil
	}
	return "", &ValidationError{Field: "state", Reason: fmt.Sprintf("unknown state %q", v)}
}

// transition moves r to the next state or returns a StateConflictError naming
// the operation that was attempted.
func transition(r *Reservation, to State, op string) error {
	if !r.State.CanTransitionTo(to) {
		return &StateConflictError{ReservationID: r.ID, Current: r.State, Operation: op}
	}
	r.State = to
	return nil
}

// requireState fails with a conflict unless r is in one of allowed.
func requireState(r *Reservation, op string, allowed ...State) error {
	if !r.State.In(allowed...) {
		return &StateConflictError{ReservationID: r.ID, Current: r.State, Operation: op}
	}
	return nil
}

// =============================================================================
// ALLOCATION STATE
// =============================================================================

// AllocationState is the pick/return sub-state of one unit.
type AllocationState string

const (
	AllocReserved AllocationState = "reserved"
	AllocPickedUp AllocationState = "picked_up"
	AllocReturned AllocationState = "returned"
	AllocLost     AllocationState = "lost"

	// AllocReleased frees the instance without a return: cancellation,
	// rejection, or unpicked units at return time.
	AllocReleased AllocationState = "released"
)

// Valid reports whether s is a known allocation state.
func (s AllocationState) Valid() bool {
	switch s {
	case AllocReserved, AllocPickedUp, AllocReturned, AllocLost, AllocReleased:
		return true
	}
	return false
}
