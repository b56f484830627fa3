package rental

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// REQUESTS
// =============================================================================

// CreateRequest opens a reservation, or a priced offer when AsOffer is set.
type CreateRequest struct {
	Requester   string
	ProjectCode string
	Purpose     string
	Notes       string
	Period      DateRange
	// Backfill allows a start date in the past.
	Backfill bool
	// AsOffer creates a non-binding Draft with frozen rates and no units.
	AsOffer  bool
	Lines    []LineRequest
	Operator string
}

// DecisionRequest approves or rejects a pending reservation.
type DecisionRequest struct {
	Approve  bool
	Reason   string
	Operator string
}

// PickItem hands out units of one line.
type PickItem struct {
	LineID         LineID
	PickedQuantity int
	InstanceIDs    []InstanceID
	// SerialInput is free text scanned at the counter; serials are split on
	// commas, semicolons and whitespace.
	SerialInput string
	Notes       string
}

// PickOutcome reports a pick. Lines succeed or fail independently; a failed
// line commits nothing.
type PickOutcome struct {
	Reservation *Reservation
	Picked      int
	Failed      []LineFailure
}

// LineFailure is one rejected line of a multi-line request.
type LineFailure struct {
	LineID LineID
	Err    error
}

// ReceiveItem takes units of one line back.
type ReceiveItem struct {
	LineID              LineID
	ReturnedQuantity    int
	NotReturnedQuantity int
	InstanceIDs         []InstanceID
	SerialInput         string
	Condition           Condition
	Notes               string
}

// ReturnRequest closes out every picked unit at once.
type ReturnRequest struct {
	Condition Condition
	Notes     string
	Operator  string
}

// CheckoutRequest converts an offer into a binding reservation.
type CheckoutRequest struct {
	OfferNumber string
	Requester   string
	ProjectCode string
	Period      DateRange
	Notes       string
	Operator    string
}

// splitSerials breaks scanner input into serial numbers.
func splitSerials(input string) []string {
	fields := strings.FieldsFunc(input, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\n' || r == '\t' || r == '\r'
	})
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// =============================================================================
// COMMAND - One lifecycle operation
// =============================================================================

// command is applied by Manager.execute under locks and inside one store
// transaction. apply mutates the session; execute commits it.
type command struct {
	name        string
	actor       string
	reservation ReservationID
	toolTypes   []ToolTypeID
	extraKeys   []string
	apply       func(ctx context.Context, sess *session) error
}

func (c command) lockKeys() []string {
	keys := append([]string(nil), c.extraKeys...)
	if c.reservation != "" {
		keys = append(keys, ReservationKey(c.reservation))
	}
	for _, t := range c.toolTypes {
		keys = append(keys, PoolKey(t))
	}
	return keys
}

// =============================================================================
// SESSION - In-transaction working set
// =============================================================================

type session struct {
	m     *Manager
	store Store
	now   time.Time
	actor string

	res     *Reservation
	isNew   bool
	related []*Reservation
	discard bool

	claimed   claimSet
	instances map[InstanceID]*ToolInstance
	forced    map[InstanceID]InstanceStatus
	bookings  map[ToolTypeID][]Booking

	audits        []AuditEntry
	notifications []Notification
}

type checkpoint struct {
	res       *Reservation
	claimed   claimSet
	instances map[InstanceID]*ToolInstance
	forced    map[InstanceID]InstanceStatus
}

func (s *session) checkpoint() checkpoint {
	cp := checkpoint{
		res:       s.res.Clone(),
		claimed:   make(claimSet, len(s.claimed)),
		instances: make(map[InstanceID]*ToolInstance, len(s.instances)),
		forced:    make(map[InstanceID]InstanceStatus, len(s.forced)),
	}
	for k, v := range s.claimed {
		cp.claimed[k] = v
	}
	for k, v := range s.instances {
		c := *v
		cp.instances[k] = &c
	}
	for k, v := range s.forced {
		cp.forced[k] = v
	}
	return cp
}

func (s *session) restore(cp checkpoint) {
	s.res = cp.res
	s.claimed = cp.claimed
	s.instances = cp.instances
	s.forced = cp.forced
}

// instance loads an instance once per command and marks it for a status
// refresh at commit.
func (s *session) instance(ctx context.Context, id InstanceID) (*ToolInstance, error) {
	if inst, ok := s.instances[id]; ok {
		return inst, nil
	}
	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	s.instances[id] = &inst
	return &inst, nil
}

// foreignBookings returns committed ranges of a type held by other
// reservations, read once per command.
func (s *session) foreignBookings(ctx context.Context, typeID ToolTypeID) ([]Booking, error) {
	if bs, ok := s.bookings[typeID]; ok {
		return bs, nil
	}
	all, err := s.store.ListBookings(ctx, typeID)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	var bs []Booking
	for _, b := range all {
		if s.res == nil || b.ReservationID != s.res.ID {
			bs = append(bs, b)
		}
	}
	s.bookings[typeID] = bs
	return bs, nil
}

func (s *session) audit(action AuditAction, payload map[string]any) {
	s.auditFor(s.res, action, payload)
}

func (s *session) auditFor(r *Reservation, action AuditAction, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["number"] = r.Number
	payload["state"] = string(r.State)
	s.audits = append(s.audits, AuditEntry{
		ID:            s.m.events.next(s.now),
		Timestamp:     s.now,
		ActorID:       s.actor,
		Action:        action,
		ReservationID: r.ID,
		Payload:       payload,
	})
}

func (s *session) notify(kind NotificationKind, message string) {
	s.notifications = append(s.notifications, Notification{
		ID:            s.m.events.next(s.now),
		ReservationID: s.res.ID,
		Kind:          kind,
		Recipient:     s.res.Requester,
		Message:       message,
		CreatedAt:     s.now,
	})
}

// =============================================================================
// ALLOCATION HELPERS
// =============================================================================

// allocateLine asks the allocator for a line's units and records one
// allocation per instance plus one marker per missing unit.
func (s *session) allocateLine(ctx context.Context, line *Line, req LineRequest) (*Assignment, error) {
	period := line.EffectivePeriod(s.res.Period)
	asg, err := s.m.allocator.Allocate(ctx, s.store, req, line.AllowDeficit, period, s.claimed)
	if err != nil {
		return nil, withLine(err, line.ID)
	}
	for _, inst := range asg.Instances {
		if _, err := s.instance(ctx, inst.ID); err != nil {
			return nil, err
		}
		line.Allocations = append(line.Allocations, Allocation{
			ID:         AllocationID(s.m.ids.NewID()),
			LineID:     line.ID,
			InstanceID: inst.ID,
			State:      AllocReserved,
			Period:     period,
		})
	}
	for i := 0; i < asg.Deficit; i++ {
		line.Allocations = append(line.Allocations, Allocation{
			ID:      AllocationID(s.m.ids.NewID()),
			LineID:  line.ID,
			Deficit: true,
			State:   AllocReserved,
			Period:  period,
		})
	}
	return asg, nil
}

// release frees one live allocation. A picked unit is billed up to now.
func (s *session) release(ctx context.Context, a *Allocation) error {
	if !a.Live() {
		return nil
	}
	a.State = AllocReleased
	a.ReleasedAt = timePtr(s.now)
	if a.Deficit {
		return nil
	}
	_, err := s.instance(ctx, a.InstanceID)
	return err
}

// releaseAll frees every live allocation of the reservation.
func (s *session) releaseAll(ctx context.Context) (int, error) {
	n := 0
	for i := range s.res.Lines {
		l := &s.res.Lines[i]
		for j := range l.Allocations {
			a := &l.Allocations[j]
			if !a.Live() {
				continue
			}
			if err := s.release(ctx, a); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// returnUnit books a picked unit back in with its reported condition.
func (s *session) returnUnit(ctx context.Context, a *Allocation, cond Condition, notes string) error {
	inst, err := s.instance(ctx, a.InstanceID)
	if err != nil {
		return err
	}
	if cond == "" {
		cond = ConditionGood
	}
	a.State = AllocReturned
	a.ReturnedAt = timePtr(s.now)
	a.NotReturnedAt = nil
	a.Condition = cond
	if notes != "" {
		a.Notes = notes
	}
	inst.Condition = cond
	if cond.NeedsService() {
		s.forced[inst.ID] = InstanceUnderService
	}
	return nil
}

// finishIfDone moves an Active reservation to Returned once no unit holds an
// instance. Leftover deficit markers are released.
func (s *session) finishIfDone(ctx context.Context, op string) error {
	if s.res.State != StateActive || s.res.Outstanding() > 0 {
		return nil
	}
	if _, err := s.releaseAll(ctx); err != nil {
		return err
	}
	if err := transition(s.res, StateReturned, op); err != nil {
		return err
	}
	s.res.ActualReturn = timePtr(s.now)
	return nil
}

// withLine stamps a line id onto allocator errors that lack one.
func withLine(err error, id LineID) error {
	var iu *InstanceUnavailableError
	if errors.As(err, &iu) && iu.LineID == "" {
		iu.LineID = id
	}
	return err
}

// =============================================================================
// COMMIT
// =============================================================================

// commit re-verifies invariants, refreshes instance statuses, writes the
// aggregate with a version check and appends audit and notifications.
func (s *session) commit(ctx context.Context) error {
	s.res.UpdatedAt = s.now
	s.m.cost.Recompute(s.res)
	if err := checkQuantities(s.res); err != nil {
		return err
	}
	if err := s.verifyNoDoubleBooking(ctx); err != nil {
		return err
	}
	if err := s.refreshInstances(ctx); err != nil {
		return err
	}

	if s.isNew {
		if err := s.store.InsertReservation(ctx, s.res); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
	} else if err := s.store.UpdateReservation(ctx, s.res); err != nil {
		return err
	}
	for _, r := range s.related {
		r.UpdatedAt = s.now
		s.m.cost.Recompute(r)
		if err := s.store.UpdateReservation(ctx, r); err != nil {
			return err
		}
	}

	for _, e := range s.audits {
		if err := s.store.AppendAudit(ctx, e); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
	}
	for _, n := range s.notifications {
		if err := s.store.EnqueueNotification(ctx, n); err != nil {
			return fmt.Errorf("enqueue notification: %w", err)
		}
	}
	return nil
}

// checkQuantities asserts that every line holds exactly Quantity non-lost
// allocations, counting deficit markers.
func checkQuantities(r *Reservation) error {
	if r.Unbound() {
		return nil
	}
	for _, l := range r.Lines {
		n := 0
		for _, a := range l.Allocations {
			if a.State != AllocLost {
				n++
			}
		}
		if n != l.Quantity {
			return fmt.Errorf("line %s holds %d units for quantity %d", l.ID, n, l.Quantity)
		}
	}
	return nil
}

// verifyNoDoubleBooking is the last check before writing: no live allocation
// of this reservation may overlap another live allocation on the same
// instance, ours or anyone else's.
func (s *session) verifyNoDoubleBooking(ctx context.Context) error {
	own := make(map[InstanceID][]DateRange)
	for _, l := range s.res.Lines {
		for _, a := range l.Allocations {
			if !a.Live() || a.Deficit {
				continue
			}
			for _, p := range own[a.InstanceID] {
				if p.Overlaps(a.Period) {
					return &ConcurrencyError{Resource: string(a.InstanceID), Reason: "instance allocated twice in one reservation"}
				}
			}
			own[a.InstanceID] = append(own[a.InstanceID], a.Period)

			bs, err := s.foreignBookings(ctx, l.ToolTypeID)
			if err != nil {
				return err
			}
			for _, b := range bs {
				if b.InstanceID == a.InstanceID && b.Period.Overlaps(a.Period) {
					return &ConcurrencyError{
						Resource: string(a.InstanceID),
						Reason:   fmt.Sprintf("already booked by reservation %s over %s", b.ReservationID, b.Period),
					}
				}
			}
		}
	}
	return nil
}

// refreshInstances derives each touched instance's status from the live
// allocations that hold it. Service and retirement are only set explicitly.
func (s *session) refreshInstances(ctx context.Context) error {
	ids := make([]InstanceID, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		inst := s.instances[id]
		if forced, ok := s.forced[id]; ok {
			inst.Status = forced
		} else if inst.Status != InstanceUnderService && inst.Status != InstanceRetired {
			picked, reserved, err := s.holds(ctx, inst)
			if err != nil {
				return err
			}
			switch {
			case picked:
				inst.Status = InstanceInRental
			case reserved:
				inst.Status = InstanceReserved
			default:
				inst.Status = InstanceInStock
			}
		}
		if err := s.store.SaveInstance(ctx, *inst); err != nil {
			return fmt.Errorf("save instance %s: %w", id, err)
		}
	}
	return nil
}

func (s *session) holds(ctx context.Context, inst *ToolInstance) (picked, reserved bool, err error) {
	mark := func(st AllocationState) {
		switch st {
		case AllocPickedUp:
			picked = true
		case AllocReserved:
			reserved = true
		}
	}
	for _, r := range append([]*Reservation{s.res}, s.related...) {
		for _, l := range r.Lines {
			for _, a := range l.Allocations {
				if !a.Deficit && a.InstanceID == inst.ID {
					mark(a.State)
				}
			}
		}
	}
	bs, err := s.foreignBookings(ctx, inst.ToolTypeID)
	if err != nil {
		return false, false, err
	}
	for _, b := range bs {
		if b.InstanceID == inst.ID && !s.isRelated(b.ReservationID) {
			mark(b.State)
		}
	}
	return picked, reserved, nil
}

func (s *session) isRelated(id ReservationID) bool {
	for _, r := range s.related {
		if r.ID == id {
			return true
		}
	}
	return false
}
