/*
Package rental provides the reservation lifecycle and instance allocation engine.

PURPOSE:
  Decides whether a requested tool type and quantity over a date range can be
  granted, which physical serialized units satisfy it, how the reservation
  moves through its states, and what it costs. Costs are always derived from
  a rate frozen into each line when the reservation (or offer) was created.

KEY CONCEPTS IN THIS FILE (types.go):
  - ToolType / ToolInstance: catalog entry and one physical unit of it
  - Reservation: the "case", owning lines by value
  - Line: a request for N units of one tool type, with its pricing snapshot
  - Allocation: one unit of a line, bound to an instance or a deficit marker

DESIGN PRINCIPLES:
  1. References by id only: a Reservation never holds a pointer to a
     ToolInstance or ToolType, only their ids
  2. Precision: money is decimal.Decimal rounded to 2 fractional digits
  3. Nothing is deleted: cancellation, release and loss are states
  4. One allocation per unit, so partial returns prorate naturally

USAGE:
  mgr := rental.NewManager(store, rental.Options{})
  res, err := mgr.CreateReservation(ctx, rental.CreateRequest{...})

SEE ALSO:
  - state.go: Reservation and allocation state machines
  - availability.go: Eligibility and overlap checks
  - allocator.go: Auto/manual unit assignment
  - cost.go: Day counting, proration, replacement charges
  - lifecycle.go: The Manager, the only mutator of reservations
*/
package rental

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ToolTypeID string
type InstanceID string
type ReservationID string
type LineID string
type AllocationID string

// =============================================================================
// CATALOG - Tool types and physical instances
// =============================================================================

// ToolType is a catalog entry. Rate changes never touch existing reservations.
type ToolType struct {
	ID                        ToolTypeID
	Name                      string
	Manufacturer              string
	DailyRate                 decimal.Decimal
	ReplacementValue          decimal.Decimal
	RequiresCertification     bool
	CertificationIntervalDays int
}

// InstanceStatus is the physical status of a serialized unit.
type InstanceStatus string

const (
	InstanceInStock      InstanceStatus = "in_stock"
	InstanceReserved     InstanceStatus = "reserved"
	InstanceInRental     InstanceStatus = "in_rental"
	InstanceUnderService InstanceStatus = "under_service"
	InstanceRetired      InstanceStatus = "retired"
)

// Valid reports whether s is one of the known instance statuses.
func (s InstanceStatus) Valid() bool {
	switch s {
	case InstanceInStock, InstanceReserved, InstanceInRental, InstanceUnderService, InstanceRetired:
		return true
	}
	return false
}

// ToolInstance is one physical unit. The engine reads eligibility from it and
// writes status changes tied to allocation events; everything else belongs to
// warehouse management.
type ToolInstance struct {
	ID                InstanceID
	ToolTypeID        ToolTypeID
	SerialNumber      string
	Status            InstanceStatus
	Location          string
	Condition         Condition
	LastCertification *time.Time
	NextCertification *time.Time
}

// Condition is the operator-reported state of a unit at return time.
type Condition string

const (
	ConditionGood    Condition = "good"
	ConditionWorn    Condition = "worn"
	ConditionDamaged Condition = "damaged"
)

// Valid reports whether c is known. The empty condition means good.
func (c Condition) Valid() bool {
	switch c {
	case "", ConditionGood, ConditionWorn, ConditionDamaged:
		return true
	}
	return false
}

// NeedsService is true when a returned unit goes to the service queue
// instead of back on the shelf.
func (c Condition) NeedsService() bool { return c == ConditionDamaged }

// =============================================================================
// RESERVATION AGGREGATE
// =============================================================================

// Reservation is a requester's booking of one or more tool types over a
// date range. It owns its lines and their allocations by value.
type Reservation struct {
	ID          ReservationID
	Number      string // RNT-001 for reservations, YYNNNN for offers
	Requester   string
	ProjectCode string
	Purpose     string
	Notes       string
	State       State
	Period      DateRange
	Backfill    bool

	// SourceOffer is the offer number this reservation was checked out from.
	SourceOffer string

	ActualPickup    *time.Time
	ActualReturn    *time.Time
	ReturnCondition Condition

	TotalCost decimal.Decimal
	Decision  *Decision
	Loss      *LossCharge

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int

	Lines []Line
}

// Decision records who approved or rejected a reservation, and why.
type Decision struct {
	Approved bool
	By       string
	At       time.Time
	Reason   string
}

// LossCharge is the accumulated replacement charge for lost units. It is kept
// apart from TotalCost, which only covers rent.
type LossCharge struct {
	Amount       decimal.Decimal
	CalculatedAt time.Time
	Units        int
}

// IsOffer is true for a non-binding priced offer that has not been checked out.
func (r *Reservation) IsOffer() bool { return r.State == StateDraft }

// EffectiveState returns the state as seen at now. Overdue is never stored.
func (r *Reservation) EffectiveState(now time.Time) State {
	if r.State == StateActive && now.After(r.Period.End) {
		return StateOverdue
	}
	return r.State
}

// Line returns a pointer to the line with the given id, or nil.
func (r *Reservation) Line(id LineID) *Line {
	for i := range r.Lines {
		if r.Lines[i].ID == id {
			return &r.Lines[i]
		}
	}
	return nil
}

// ToolTypes returns the distinct tool types referenced by the reservation.
func (r *Reservation) ToolTypes() []ToolTypeID {
	seen := make(map[ToolTypeID]bool)
	var out []ToolTypeID
	for _, l := range r.Lines {
		if !seen[l.ToolTypeID] {
			seen[l.ToolTypeID] = true
			out = append(out, l.ToolTypeID)
		}
	}
	return out
}

// Unbound is true for a reservation that never held units: an offer, or a
// draft that was closed or cancelled before it was submitted.
func (r *Reservation) Unbound() bool {
	for _, l := range r.Lines {
		if len(l.Allocations) > 0 {
			return false
		}
	}
	return true
}

// HasPicked reports whether any unit of the reservation was ever handed out.
func (r *Reservation) HasPicked() bool {
	for _, l := range r.Lines {
		for _, a := range l.Allocations {
			if a.PickedAt != nil {
				return true
			}
		}
	}
	return false
}

// Outstanding counts units that still hold an instance: reserved and not yet
// picked, or picked and not yet back.
func (r *Reservation) Outstanding() int {
	n := 0
	for _, l := range r.Lines {
		for _, a := range l.Allocations {
			if a.Live() && !a.Deficit {
				n++
			}
		}
	}
	return n
}

// Clone returns a deep copy so callers can mutate it freely.
func (r *Reservation) Clone() *Reservation {
	if r == nil {
		return nil
	}
	c := *r
	c.ActualPickup = cloneTime(r.ActualPickup)
	c.ActualReturn = cloneTime(r.ActualReturn)
	if r.Decision != nil {
		d := *r.Decision
		c.Decision = &d
	}
	if r.Loss != nil {
		l := *r.Loss
		c.Loss = &l
	}
	c.Lines = make([]Line, len(r.Lines))
	for i, l := range r.Lines {
		c.Lines[i] = l.clone()
	}
	return &c
}

// =============================================================================
// LINES AND ALLOCATIONS
// =============================================================================

// AssignmentMode selects how a line's units are chosen.
type AssignmentMode string

const (
	AssignAuto   AssignmentMode = "auto"
	AssignManual AssignmentMode = "manual"
)

// Line requests Quantity units of one tool type. Quantity excludes units that
// were marked lost; those move to LostQuantity.
type Line struct {
	ID           LineID
	ToolTypeID   ToolTypeID
	Quantity     int
	LostQuantity int

	// Period overrides the reservation's range when set.
	Period *DateRange

	Snapshot       PricingSnapshot
	AssignmentMode AssignmentMode
	AllowDeficit   bool

	// RequestedInstances are the manual picks given at creation; kept so that
	// offers and drafts allocate the same units on submit.
	RequestedInstances []InstanceID

	Cost        decimal.Decimal
	Allocations []Allocation
}

// EffectivePeriod resolves the line's range against its reservation.
func (l *Line) EffectivePeriod(reservation DateRange) DateRange {
	if l.Period != nil {
		return *l.Period
	}
	return reservation
}

// Deficits counts unresolved deficit markers.
func (l *Line) Deficits() int {
	n := 0
	for _, a := range l.Allocations {
		if a.Deficit && a.State == AllocReserved {
			n++
		}
	}
	return n
}

// CountState counts non-deficit allocations in state s.
func (l *Line) CountState(s AllocationState) int {
	n := 0
	for _, a := range l.Allocations {
		if !a.Deficit && a.State == s {
			n++
		}
	}
	return n
}

func (l Line) clone() Line {
	c := l
	if l.Period != nil {
		p := *l.Period
		c.Period = &p
	}
	c.RequestedInstances = append([]InstanceID(nil), l.RequestedInstances...)
	c.Allocations = make([]Allocation, len(l.Allocations))
	for i, a := range l.Allocations {
		c.Allocations[i] = a.clone()
	}
	return c
}

// Allocation binds one unit of a line to an instance. A deficit marker has
// Deficit set and no InstanceID; it never blocks availability and is never
// billed until it is resolved to a real instance.
type Allocation struct {
	ID         AllocationID
	LineID     LineID
	InstanceID InstanceID
	Deficit    bool
	State      AllocationState
	Period     DateRange

	PickedAt      *time.Time
	ReturnedAt    *time.Time
	ReleasedAt    *time.Time
	LostAt        *time.Time
	NotReturnedAt *time.Time

	Condition   Condition
	Notes       string
	SerialInput string
}

// Live is true while the allocation still holds (or will hold) its instance.
func (a Allocation) Live() bool {
	return a.State == AllocReserved || a.State == AllocPickedUp
}

func (a Allocation) clone() Allocation {
	c := a
	c.PickedAt = cloneTime(a.PickedAt)
	c.ReturnedAt = cloneTime(a.ReturnedAt)
	c.ReleasedAt = cloneTime(a.ReleasedAt)
	c.LostAt = cloneTime(a.LostAt)
	c.NotReturnedAt = cloneTime(a.NotReturnedAt)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time { return &t }
