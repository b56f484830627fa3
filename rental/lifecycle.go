/*
lifecycle.go - The reservation lifecycle manager

PURPOSE:
  The only component that mutates reservations, lines and allocations.
  Every operation is a command object run by execute(), which:
    1. takes the reservation lock plus one pool lock per tool type, sorted,
       with a bounded wait (ConcurrencyConflict on timeout)
    2. opens one store transaction
    3. loads the reservation and applies the command to an in-memory copy
    4. recomputes cost, re-verifies no double-booking, refreshes instance
       statuses, writes with a version check, appends audit entries
    5. logs and records metrics

STATE MACHINE:
  Draft    -> Pending (submit) | Closed (offer checked out) | Cancelled
  Pending  -> Approved | Cancelled (decide)
  Approved -> Active (first unit picked) | Cancelled
  Active   -> Active (extend) | Returned | Cancelled
  Returned -> Closed
  Overdue is Active past its end date and is never stored.

ATOMICITY:
  Every command is all-or-nothing except MarkItemsForRental, where each
  line succeeds or fails on its own and a failed line commits nothing.

SEE ALSO:
  - commands.go: Request types, command and session plumbing
  - allocator.go, availability.go, cost.go: Invoked from here
*/
package rental

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/rental-engine/logger"
)

// =============================================================================
// MANAGER
// =============================================================================

// Metrics receives one observation per command.
type Metrics interface {
	ObserveCommand(command, outcome string, elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ObserveCommand(string, string, time.Duration) {}

// Options configures a Manager. Zero values get defaults.
type Options struct {
	Clock       Clock
	IDs         IDGenerator
	Locks       *LockManager
	LockTimeout time.Duration

	// LostGrace is how long after max(flagged, end) a not-returned unit may
	// be marked lost.
	LostGrace time.Duration

	ReplacementFloor decimal.Decimal

	// AllowDeficitDefault applies to lines that do not say.
	AllowDeficitDefault bool

	// DueSoonWindow is how far ahead of the end date Sweep queues a reminder.
	DueSoonWindow time.Duration

	Metrics Metrics
	Logger  *slog.Logger
}

const (
	DefaultLockTimeout   = 5 * time.Second
	DefaultLostGrace     = 72 * time.Hour
	DefaultDueSoonWindow = 7 * 24 * time.Hour
)

// Manager applies lifecycle commands.
type Manager struct {
	store     TxStore
	clock     Clock
	ids       IDGenerator
	events    *eventIDs
	locks     *LockManager
	allocator Allocator
	engine    AvailabilityEngine
	cost      CostCalculator
	opts      Options
	metrics   Metrics
	log       *slog.Logger
}

// NewManager wires a Manager over store.
func NewManager(store TxStore, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.IDs == nil {
		opts.IDs = UUIDGenerator{}
	}
	if opts.Locks == nil {
		opts.Locks = NewLockManager()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.LostGrace < 0 {
		opts.LostGrace = 0
	} else if opts.LostGrace == 0 {
		opts.LostGrace = DefaultLostGrace
	}
	if opts.DueSoonWindow <= 0 {
		opts.DueSoonWindow = DefaultDueSoonWindow
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.WithService("rental")
	}
	engine := AvailabilityEngine{}
	return &Manager{
		store:     store,
		clock:     opts.Clock,
		ids:       opts.IDs,
		events:    newEventIDs(),
		locks:     opts.Locks,
		allocator: Allocator{Engine: engine},
		engine:    engine,
		cost:      NewCostCalculator(opts.ReplacementFloor),
		opts:      opts,
		metrics:   opts.Metrics,
		log:       opts.Logger,
	}
}

// Store exposes the underlying store for catalog seeding and reads.
func (m *Manager) Store() TxStore { return m.store }

// Calculator returns the cost calculator in use.
func (m *Manager) Calculator() CostCalculator { return m.cost }

// execute runs cmd under its locks inside one transaction.
func (m *Manager) execute(ctx context.Context, cmd command) (*Reservation, error) {
	started := time.Now()
	res, err := m.executeLocked(ctx, cmd)
	elapsed := time.Since(started)

	outcome := Code(err)
	m.metrics.ObserveCommand(cmd.name, outcome, elapsed)
	attrs := []any{"command", cmd.name, "actor", cmd.actor, "outcome", outcome, "duration", elapsed}
	if res != nil {
		attrs = append(attrs, "reservation_id", res.ID, "state", res.State)
	} else if cmd.reservation != "" {
		attrs = append(attrs, "reservation_id", cmd.reservation)
	}
	switch {
	case err == nil:
		m.log.InfoContext(ctx, "command applied", attrs...)
	case IsClientError(err) || IsNotFound(err) || IsRetryable(err):
		m.log.WarnContext(ctx, "command rejected", append(attrs, "error", err)...)
	default:
		m.log.ErrorContext(ctx, "command failed", append(attrs, "error", err)...)
	}
	return res, err
}

func (m *Manager) executeLocked(ctx context.Context, cmd command) (*Reservation, error) {
	release, err := m.locks.Acquire(ctx, m.opts.LockTimeout, cmd.lockKeys()...)
	if err != nil {
		return nil, err
	}
	defer release()

	var out *Reservation
	err = m.store.WithTx(ctx, func(s Store) error {
		sess := &session{
			m:         m,
			store:     s,
			now:       m.clock.Now().UTC(),
			actor:     cmd.actor,
			claimed:   make(claimSet),
			instances: make(map[InstanceID]*ToolInstance),
			forced:    make(map[InstanceID]InstanceStatus),
			bookings:  make(map[ToolTypeID][]Booking),
		}
		if cmd.reservation != "" {
			r, err := s.GetReservation(ctx, cmd.reservation)
			if err != nil {
				return err
			}
			sess.res = r
		}
		if err := cmd.apply(ctx, sess); err != nil {
			return err
		}
		if sess.discard {
			out = sess.res
			return nil
		}
		if err := sess.commit(ctx); err != nil {
			return err
		}
		out = sess.res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// mutate builds a command against an existing reservation. Tool types never
// change after creation, so the pool keys are read before locking.
func (m *Manager) mutate(ctx context.Context, name string, id ReservationID, actor string, apply func(ctx context.Context, sess *session) error) (*Reservation, error) {
	if id == "" {
		return nil, &ValidationError{Field: "reservationId", Reason: "required"}
	}
	current, err := m.store.GetReservation(ctx, id)
	if err != nil {
		m.metrics.ObserveCommand(name, Code(err), 0)
		return nil, err
	}
	return m.execute(ctx, command{
		name:        name,
		actor:       actor,
		reservation: id,
		toolTypes:   current.ToolTypes(),
		apply:       apply,
	})
}

// =============================================================================
// CREATE / SUBMIT
// =============================================================================

// CreateReservation validates the request, freezes each line's rate and, for
// binding reservations, allocates units and stores the result as Pending.
// Offers are stored as Draft without units.
func (m *Manager) CreateReservation(ctx context.Context, req CreateRequest) (*Reservation, error) {
	now := m.clock.Now()
	if err := validateCreate(req, now); err != nil {
		m.metrics.ObserveCommand("create", Code(err), 0)
		return nil, err
	}
	actor := req.Operator
	if actor == "" {
		actor = req.Requester
	}
	return m.execute(ctx, command{
		name:      "create",
		actor:     actor,
		toolTypes: requestTypes(req.Lines),
		apply: func(ctx context.Context, sess *session) error {
			return sess.create(ctx, req)
		},
	})
}

func (s *session) create(ctx context.Context, req CreateRequest) error {
	r := &Reservation{
		ID:          ReservationID(s.m.ids.NewID()),
		Requester:   req.Requester,
		ProjectCode: req.ProjectCode,
		Purpose:     req.Purpose,
		Notes:       req.Notes,
		State:       StatePending,
		Period:      req.Period,
		Backfill:    req.Backfill,
		CreatedAt:   s.now,
		UpdatedAt:   s.now,
	}
	s.res = r
	s.isNew = true

	var err error
	if req.AsOffer {
		r.State = StateDraft
		r.Number, err = s.m.offerNumber(ctx, s.store, s.now)
	} else {
		r.Number, err = s.m.reservationNumber(ctx, s.store)
	}
	if err != nil {
		return err
	}

	deficit := 0
	for _, lr := range req.Lines {
		tt, err := s.store.GetToolType(ctx, lr.ToolTypeID)
		if err != nil {
			return err
		}
		line := Line{
			ID:             LineID(s.m.ids.NewID()),
			ToolTypeID:     lr.ToolTypeID,
			Quantity:       lr.Quantity,
			Period:         lr.Period,
			Snapshot:       SnapshotFromCatalog(tt, s.now),
			AssignmentMode: lr.AssignmentMode,
			AllowDeficit:   s.m.allowDeficit(lr),
		}
		if line.AssignmentMode == "" {
			line.AssignmentMode = AssignAuto
			if len(lr.InstanceIDs) > 0 || len(lr.SerialNumbers) > 0 {
				line.AssignmentMode = AssignManual
			}
		}
		if line.AssignmentMode == AssignManual {
			chosen, err := resolveInstances(ctx, s.store, lr.InstanceIDs, lr.SerialNumbers)
			if err != nil {
				return withLine(err, line.ID)
			}
			for _, inst := range chosen {
				line.RequestedInstances = append(line.RequestedInstances, inst.ID)
			}
		}
		if !req.AsOffer {
			asg, err := s.allocateLine(ctx, &line, lr)
			if err != nil {
				return err
			}
			deficit += asg.Deficit
		}
		r.Lines = append(r.Lines, line)
	}

	if req.AsOffer {
		s.audit(AuditOfferCreated, map[string]any{"lines": len(r.Lines)})
	} else {
		s.audit(AuditCreated, map[string]any{"lines": len(r.Lines), "deficit": deficit})
	}
	return nil
}

// Submit turns a Draft into a Pending reservation, allocating units at the
// rates frozen when the draft was priced.
func (m *Manager) Submit(ctx context.Context, id ReservationID, operator string) (*Reservation, error) {
	return m.mutate(ctx, "submit", id, operator, func(ctx context.Context, sess *session) error {
		r := sess.res
		if err := requireState(r, "submit", StateDraft); err != nil {
			return err
		}
		if err := validatePeriod(r.Period, r.Backfill, sess.now); err != nil {
			return err
		}
		if err := sess.allocateDraft(ctx); err != nil {
			return err
		}
		offer := r.Number
		number, err := sess.m.reservationNumber(ctx, sess.store)
		if err != nil {
			return err
		}
		r.Number = number
		r.SourceOffer = offer
		if err := transition(r, StatePending, "submit"); err != nil {
			return err
		}
		sess.audit(AuditSubmitted, map[string]any{"offer": offer})
		return nil
	})
}

// allocateDraft allocates every line of a draft using its stored mode.
func (s *session) allocateDraft(ctx context.Context) error {
	if len(s.res.Lines) == 0 {
		return &ValidationError{Field: "lines", Reason: "at least one line is required"}
	}
	for i := range s.res.Lines {
		l := &s.res.Lines[i]
		if l.Quantity <= 0 {
			return &ValidationError{Field: "lines.quantity", Reason: "must be positive"}
		}
		if _, err := s.allocateLine(ctx, l, LineRequest{
			ToolTypeID:     l.ToolTypeID,
			Quantity:       l.Quantity,
			AssignmentMode: l.AssignmentMode,
			InstanceIDs:    l.RequestedInstances,
		}); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// DECIDE
// =============================================================================

// Decide approves or rejects a Pending reservation. Rejection needs a reason
// and releases every unit.
func (m *Manager) Decide(ctx context.Context, id ReservationID, d DecisionRequest) (*Reservation, error) {
	return m.mutate(ctx, "decide", id, d.Operator, func(ctx context.Context, sess *session) error {
		r := sess.res
		if err := requireState(r, "decide", StatePending); err != nil {
			return err
		}
		if d.Operator == "" {
			return &ValidationError{Field: "operatorId", Reason: "required"}
		}
		if d.Approve {
			if err := transition(r, StateApproved, "approve"); err != nil {
				return err
			}
			r.Decision = &Decision{Approved: true, By: d.Operator, At: sess.now, Reason: d.Reason}
			sess.audit(AuditApproved, map[string]any{"reason": d.Reason})
			sess.notify(NotifyApproved, fmt.Sprintf("Reservation %s approved", r.Number))
			return nil
		}
		if d.Reason == "" {
			return &ValidationError{Field: "reason", Reason: "required when rejecting"}
		}
		released, err := sess.releaseAll(ctx)
		if err != nil {
			return err
		}
		if err := transition(r, StateCancelled, "reject"); err != nil {
			return err
		}
		r.Decision = &Decision{Approved: false, By: d.Operator, At: sess.now, Reason: d.Reason}
		sess.audit(AuditRejected, map[string]any{"reason": d.Reason, "released": released})
		sess.notify(NotifyRejected, fmt.Sprintf("Reservation %s rejected: %s", r.Number, d.Reason))
		return nil
	})
}

// =============================================================================
// PICK
// =============================================================================

// MarkItemsForRental hands out units. Each item is applied on its own: a
// failing line is rolled back and reported in the outcome while the others
// commit. The reservation becomes Active once any unit is picked.
func (m *Manager) MarkItemsForRental(ctx context.Context, id ReservationID, operator string, items []PickItem) (*PickOutcome, error) {
	if len(items) == 0 {
		return nil, &ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	var outcome PickOutcome
	res, err := m.mutate(ctx, "mark_items_for_rental", id, operator, func(ctx context.Context, sess *session) error {
		outcome = PickOutcome{}
		if err := requireState(sess.res, "mark items for rental", StateApproved, StateActive); err != nil {
			return err
		}
		for _, item := range items {
			cp := sess.checkpoint()
			n, err := sess.pickLine(ctx, item)
			if err != nil {
				if !IsClientError(err) && !IsNotFound(err) {
					return err
				}
				sess.restore(cp)
				outcome.Failed = append(outcome.Failed, LineFailure{LineID: item.LineID, Err: err})
				continue
			}
			outcome.Picked += n
		}
		if outcome.Picked == 0 {
			sess.discard = true
			return nil
		}
		r := sess.res
		if r.State == StateApproved {
			if err := transition(r, StateActive, "mark items for rental"); err != nil {
				return err
			}
		}
		if r.ActualPickup == nil {
			r.ActualPickup = timePtr(sess.now)
		}
		failed := make([]string, 0, len(outcome.Failed))
		for _, f := range outcome.Failed {
			failed = append(failed, string(f.LineID))
		}
		sess.audit(AuditPicked, map[string]any{"units": outcome.Picked, "failedLines": failed})
		return nil
	})
	if err != nil {
		return nil, err
	}
	outcome.Reservation = res
	return &outcome, nil
}

func (s *session) pickLine(ctx context.Context, item PickItem) (int, error) {
	r := s.res
	line := r.Line(item.LineID)
	if line == nil {
		return 0, &ValidationError{Field: "lineId", Reason: fmt.Sprintf("line %s is not part of reservation %s", item.LineID, r.ID)}
	}
	if item.PickedQuantity <= 0 {
		return 0, &ValidationError{Field: "pickedQuantity", Reason: "must be positive"}
	}
	period := line.EffectivePeriod(r.Period)

	var unpicked []int
	for i, a := range line.Allocations {
		if a.State == AllocReserved {
			unpicked = append(unpicked, i)
		}
	}
	if item.PickedQuantity > len(unpicked) {
		return 0, &QuantityExceededError{LineID: line.ID, Requested: item.PickedQuantity, Remaining: len(unpicked)}
	}

	supplied, err := resolveInstances(ctx, s.store, item.InstanceIDs, splitSerials(item.SerialInput))
	if err != nil {
		return 0, withLine(err, line.ID)
	}
	if len(supplied) > item.PickedQuantity {
		return 0, &ValidationError{
			Field:  "instanceIds",
			Reason: fmt.Sprintf("%d instances supplied for %d units", len(supplied), item.PickedQuantity),
		}
	}
	suppliedIDs := make(map[InstanceID]bool, len(supplied))
	for _, inst := range supplied {
		suppliedIDs[inst.ID] = true
	}

	used := make(map[int]bool)
	var toPick []int
	takeSlot := func(match func(a Allocation) bool) int {
		for _, i := range unpicked {
			if !used[i] && match(line.Allocations[i]) {
				used[i] = true
				return i
			}
		}
		return -1
	}

	// Supplied units already reserved on this line are picked as they are.
	var foreign []ToolInstance
	for _, inst := range supplied {
		id := inst.ID
		if slot := takeSlot(func(a Allocation) bool { return !a.Deficit && a.InstanceID == id }); slot >= 0 {
			toPick = append(toPick, slot)
			continue
		}
		foreign = append(foreign, inst)
	}

	// Other supplied units resolve a deficit marker first, then replace a
	// reserved unit nobody asked for.
	for _, inst := range foreign {
		if inst.ToolTypeID != line.ToolTypeID {
			return 0, &InstanceUnavailableError{LineID: line.ID, InstanceID: inst.ID,
				Reason: fmt.Sprintf("instance is a %s, not a %s", inst.ToolTypeID, line.ToolTypeID)}
		}
		if s.claimed[inst.ID] {
			return 0, &InstanceUnavailableError{LineID: line.ID, InstanceID: inst.ID, Reason: "already assigned in this request"}
		}
		if err := s.m.engine.Check(ctx, s.store, inst, period); err != nil {
			return 0, withLine(err, line.ID)
		}
		slot := takeSlot(func(a Allocation) bool { return a.Deficit })
		if slot < 0 {
			slot = takeSlot(func(a Allocation) bool { return !suppliedIDs[a.InstanceID] })
		}
		if slot < 0 {
			return 0, &QuantityExceededError{LineID: line.ID, Requested: item.PickedQuantity, Remaining: len(unpicked)}
		}
		a := &line.Allocations[slot]
		if !a.Deficit {
			if _, err := s.instance(ctx, a.InstanceID); err != nil {
				return 0, err
			}
		}
		a.InstanceID = inst.ID
		a.Deficit = false
		a.SerialInput = item.SerialInput
		s.claimed[inst.ID] = true
		toPick = append(toPick, slot)
	}

	// Remaining units come from what was reserved, in allocation order.
	for len(toPick) < item.PickedQuantity {
		slot := takeSlot(func(a Allocation) bool { return !a.Deficit && !suppliedIDs[a.InstanceID] })
		if slot < 0 {
			return 0, &ValidationError{Field: "instanceIds", Reason: "deficit units need an instance id or serial number to be picked"}
		}
		toPick = append(toPick, slot)
	}

	for _, slot := range toPick {
		a := &line.Allocations[slot]
		inst, err := s.instance(ctx, a.InstanceID)
		if err != nil {
			return 0, err
		}
		if err := s.pickable(ctx, line, inst, period); err != nil {
			return 0, err
		}
		a.State = AllocPickedUp
		a.PickedAt = timePtr(s.now)
		if item.Notes != "" {
			a.Notes = item.Notes
		}
	}
	return len(toPick), nil
}

// pickable re-checks an instance at the counter: it must not be out, in
// service or retired, and its certificate must still cover the range.
func (s *session) pickable(ctx context.Context, line *Line, inst *ToolInstance, period DateRange) error {
	switch inst.Status {
	case InstanceInRental, InstanceUnderService, InstanceRetired:
		return &InstanceUnavailableError{LineID: line.ID, InstanceID: inst.ID, Reason: "status " + string(inst.Status)}
	}
	tt, err := s.store.GetToolType(ctx, line.ToolTypeID)
	if err != nil {
		return err
	}
	if reason := certificationReason(tt, *inst, period); reason != "" {
		return &InstanceUnavailableError{LineID: line.ID, InstanceID: inst.ID, Reason: reason}
	}
	return nil
}

// =============================================================================
// RECEIVE / RETURN
// =============================================================================

// ReceiveMarkedItems takes units back. All items apply or none do. Returned
// units go back on the shelf (or to service when damaged); not-returned units
// are flagged and become eligible for MarkLost after the grace period.
func (m *Manager) ReceiveMarkedItems(ctx context.Context, id ReservationID, operator string, items []ReceiveItem) (*Reservation, error) {
	if len(items) == 0 {
		return nil, &ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	return m.mutate(ctx, "receive_marked_items", id, operator, func(ctx context.Context, sess *session) error {
		if err := requireState(sess.res, "receive marked items", StateActive); err != nil {
			return err
		}
		returned, flagged := 0, 0
		for _, item := range items {
			rn, fn, err := sess.receiveLine(ctx, item)
			if err != nil {
				return err
			}
			returned += rn
			flagged += fn
		}
		if err := sess.finishIfDone(ctx, "receive marked items"); err != nil {
			return err
		}
		sess.audit(AuditReceived, map[string]any{"returned": returned, "notReturned": flagged})
		return nil
	})
}

func (s *session) receiveLine(ctx context.Context, item ReceiveItem) (int, int, error) {
	line := s.res.Line(item.LineID)
	if line == nil {
		return 0, 0, &ValidationError{Field: "lineId", Reason: fmt.Sprintf("line %s is not part of reservation %s", item.LineID, s.res.ID)}
	}
	if item.ReturnedQuantity < 0 || item.NotReturnedQuantity < 0 {
		return 0, 0, &ValidationError{Field: "quantity", Reason: "must not be negative"}
	}
	if item.ReturnedQuantity+item.NotReturnedQuantity == 0 {
		return 0, 0, &ValidationError{Field: "quantity", Reason: "nothing to receive"}
	}
	if !item.Condition.Valid() {
		return 0, 0, &ValidationError{Field: "condition", Reason: fmt.Sprintf("unknown condition %q", item.Condition)}
	}

	var out []int
	for i, a := range line.Allocations {
		if a.State == AllocPickedUp {
			out = append(out, i)
		}
	}
	if want := item.ReturnedQuantity + item.NotReturnedQuantity; want > len(out) {
		return 0, 0, &QuantityExceededError{LineID: line.ID, Requested: want, Remaining: len(out)}
	}

	supplied, err := resolveInstances(ctx, s.store, item.InstanceIDs, splitSerials(item.SerialInput))
	if err != nil {
		return 0, 0, withLine(err, line.ID)
	}
	if len(supplied) > item.ReturnedQuantity {
		return 0, 0, &ValidationError{Field: "instanceIds", Reason: "more instances than returned units"}
	}

	// Order: named units, then units already flagged missing, then the rest.
	chosen := make(map[int]bool)
	var order []int
	for _, inst := range supplied {
		found := false
		for _, i := range out {
			if !chosen[i] && line.Allocations[i].InstanceID == inst.ID {
				chosen[i] = true
				order = append(order, i)
				found = true
				break
			}
		}
		if !found {
			return 0, 0, &InstanceUnavailableError{LineID: line.ID, InstanceID: inst.ID, Reason: "not picked up on this line"}
		}
	}
	for _, i := range out {
		if !chosen[i] && line.Allocations[i].NotReturnedAt != nil {
			chosen[i] = true
			order = append(order, i)
		}
	}
	for _, i := range out {
		if !chosen[i] {
			order = append(order, i)
		}
	}

	for _, i := range order[:item.ReturnedQuantity] {
		if err := s.returnUnit(ctx, &line.Allocations[i], item.Condition, item.Notes); err != nil {
			return 0, 0, err
		}
	}
	flagged := 0
	for _, i := range order[item.ReturnedQuantity:] {
		if flagged == item.NotReturnedQuantity {
			break
		}
		a := &line.Allocations[i]
		if a.NotReturnedAt == nil {
			a.NotReturnedAt = timePtr(s.now)
		}
		if item.Notes != "" {
			a.Notes = item.Notes
		}
		flagged++
	}
	return item.ReturnedQuantity, flagged, nil
}

// Return books every picked unit back in and releases anything never
// picked. Only an Active reservation can be returned.
func (m *Manager) Return(ctx context.Context, id ReservationID, req ReturnRequest) (*Reservation, error) {
	return m.mutate(ctx, "return", id, req.Operator, func(ctx context.Context, sess *session) error {
		if err := requireState(sess.res, "return", StateActive); err != nil {
			return err
		}
		return sess.returnAll(ctx, req, AuditReturned, "return")
	})
}

// ForceReturn is the administrative close-out from Pending, Approved or
// Active. A reservation that never handed anything out ends Cancelled.
func (m *Manager) ForceReturn(ctx context.Context, id ReservationID, req ReturnRequest) (*Reservation, error) {
	return m.mutate(ctx, "force_return", id, req.Operator, func(ctx context.Context, sess *session) error {
		r := sess.res
		if err := requireState(r, "force return", StatePending, StateApproved, StateActive); err != nil {
			return err
		}
		if !r.HasPicked() {
			released, err := sess.releaseAll(ctx)
			if err != nil {
				return err
			}
			if err := transition(r, StateCancelled, "force return"); err != nil {
				return err
			}
			appendNote(r, req.Notes)
			sess.audit(AuditForceReturned, map[string]any{"released": released, "picked": 0})
			return nil
		}
		return sess.returnAll(ctx, req, AuditForceReturned, "force return")
	})
}

func (s *session) returnAll(ctx context.Context, req ReturnRequest, action AuditAction, op string) error {
	if !req.Condition.Valid() {
		return &ValidationError{Field: "condition", Reason: fmt.Sprintf("unknown condition %q", req.Condition)}
	}
	r := s.res
	returned := 0
	for i := range r.Lines {
		l := &r.Lines[i]
		for j := range l.Allocations {
			a := &l.Allocations[j]
			if a.State == AllocPickedUp {
				if err := s.returnUnit(ctx, a, req.Condition, ""); err != nil {
					return err
				}
				returned++
			}
		}
	}
	released, err := s.releaseAll(ctx)
	if err != nil {
		return err
	}
	if err := transition(r, StateReturned, op); err != nil {
		return err
	}
	r.ActualReturn = timePtr(s.now)
	r.ReturnCondition = req.Condition
	appendNote(r, req.Notes)
	s.audit(action, map[string]any{"returned": returned, "released": released, "condition": string(req.Condition)})
	return nil
}

// =============================================================================
// EXTEND
// =============================================================================

// Extend moves the end date out. Every held unit must stay eligible over the
// added range: no foreign booking, not in service, certificate still valid.
func (m *Manager) Extend(ctx context.Context, id ReservationID, newEnd time.Time, operator string) (*Reservation, error) {
	return m.mutate(ctx, "extend", id, operator, func(ctx context.Context, sess *session) error {
		if err := requireState(sess.res, "extend", StateActive); err != nil {
			return err
		}
		return sess.extend(ctx, newEnd.UTC(), false)
	})
}

// ForceExtend skips the eligibility re-check (certificate, service status)
// and is allowed before pickup too. Units may still never overlap another
// booking.
func (m *Manager) ForceExtend(ctx context.Context, id ReservationID, newEnd time.Time, operator string) (*Reservation, error) {
	return m.mutate(ctx, "force_extend", id, operator, func(ctx context.Context, sess *session) error {
		if err := requireState(sess.res, "force extend", StatePending, StateApproved, StateActive); err != nil {
			return err
		}
		return sess.extend(ctx, newEnd.UTC(), true)
	})
}

func (s *session) extend(ctx context.Context, newEnd time.Time, force bool) error {
	r := s.res
	oldEnd := r.Period.End
	if !newEnd.After(oldEnd) {
		return &ValidationError{Field: "newEndDate", Reason: "must be after the current end date"}
	}
	delta := DateRange{Start: oldEnd, End: newEnd}

	for i := range r.Lines {
		l := &r.Lines[i]
		if !l.EffectivePeriod(r.Period).End.Equal(oldEnd) {
			continue
		}
		tt, err := s.store.GetToolType(ctx, l.ToolTypeID)
		if err != nil {
			return err
		}
		bs, err := s.foreignBookings(ctx, l.ToolTypeID)
		if err != nil {
			return err
		}
		ix := newBookingIndex(bs, r.ID)
		for _, a := range l.Allocations {
			if !a.Live() || a.Deficit {
				continue
			}
			if force {
				if b, ok := ix.conflict(a.InstanceID, delta); ok {
					return &InstanceUnavailableError{LineID: l.ID, InstanceID: a.InstanceID,
						Reason: fmt.Sprintf("booked by reservation %s over %s", b.ReservationID, b.Period)}
				}
				continue
			}
			inst, err := s.instance(ctx, a.InstanceID)
			if err != nil {
				return err
			}
			if reason := s.m.engine.CheckExtension(tt, *inst, delta, ix); reason != "" {
				return &InstanceUnavailableError{LineID: l.ID, InstanceID: a.InstanceID, Reason: reason}
			}
		}
	}

	for i := range r.Lines {
		l := &r.Lines[i]
		if l.Period != nil {
			if !l.Period.End.Equal(oldEnd) {
				continue
			}
			l.Period.End = newEnd
		}
		for j := range l.Allocations {
			a := &l.Allocations[j]
			if a.Live() && a.Period.End.Equal(oldEnd) {
				a.Period.End = newEnd
			}
		}
	}
	r.Period.End = newEnd

	action := AuditExtended
	if force {
		action = AuditForceExtended
	} else if err := transition(r, StateActive, "extend"); err != nil {
		return err
	}
	s.audit(action, map[string]any{"from": oldEnd, "to": newEnd})
	return nil
}

// =============================================================================
// CANCEL / CLOSE
// =============================================================================

// Cancel ends a reservation from any open state and frees all of its units.
func (m *Manager) Cancel(ctx context.Context, id ReservationID, reason, operator string) (*Reservation, error) {
	return m.mutate(ctx, "cancel", id, operator, func(ctx context.Context, sess *session) error {
		r := sess.res
		if err := requireState(r, "cancel", StateDraft, StatePending, StateApproved, StateActive); err != nil {
			return err
		}
		released, err := sess.releaseAll(ctx)
		if err != nil {
			return err
		}
		if err := transition(r, StateCancelled, "cancel"); err != nil {
			return err
		}
		if reason != "" {
			appendNote(r, "Cancelled: "+reason)
		}
		sess.audit(AuditCancelled, map[string]any{"reason": reason, "released": released})
		return nil
	})
}

// Close finalizes a Returned reservation once billing is settled elsewhere.
func (m *Manager) Close(ctx context.Context, id ReservationID, operator string) (*Reservation, error) {
	return m.mutate(ctx, "close", id, operator, func(ctx context.Context, sess *session) error {
		if err := requireState(sess.res, "close", StateReturned); err != nil {
			return err
		}
		if err := transition(sess.res, StateClosed, "close"); err != nil {
			return err
		}
		sess.audit(AuditClosed, nil)
		return nil
	})
}

// =============================================================================
// LOSS
// =============================================================================

// MarkLost converts flagged units past their grace period into losses and
// charges max(value x floor, value - rent earned) for each.
func (m *Manager) MarkLost(ctx context.Context, id ReservationID, operator string) (*Reservation, error) {
	return m.mutate(ctx, "mark_lost", id, operator, func(ctx context.Context, sess *session) error {
		r := sess.res
		if err := requireState(r, "mark lost", StateActive); err != nil {
			return err
		}
		charge := decimal.Zero
		units := 0
		for i := range r.Lines {
			l := &r.Lines[i]
			period := l.EffectivePeriod(r.Period)
			var tt *ToolType
			for j := range l.Allocations {
				a := &l.Allocations[j]
				if a.State != AllocPickedUp || a.NotReturnedAt == nil {
					continue
				}
				threshold := *a.NotReturnedAt
				if period.End.After(threshold) {
					threshold = period.End
				}
				if sess.now.Before(threshold.Add(sess.m.opts.LostGrace)) {
					continue
				}
				if tt == nil {
					t, err := sess.store.GetToolType(ctx, l.ToolTypeID)
					if err != nil {
						return err
					}
					tt = &t
				}
				inst, err := sess.instance(ctx, a.InstanceID)
				if err != nil {
					return err
				}
				a.State = AllocLost
				a.LostAt = timePtr(sess.now)
				l.Quantity--
				l.LostQuantity++
				sess.forced[inst.ID] = InstanceRetired

				rent := sess.m.cost.UnitCost(l.Snapshot.DailyRate, *a, period)
				charge = charge.Add(sess.m.cost.ReplacementCharge(tt.ReplacementValue, rent))
				units++
			}
		}
		if units == 0 {
			return &ValidationError{Field: "allocations", Reason: "no unit is past its lost grace period"}
		}
		if r.Loss == nil {
			r.Loss = &LossCharge{Amount: decimal.Zero}
		}
		r.Loss.Amount = RoundMoney(r.Loss.Amount.Add(charge))
		r.Loss.Units += units
		r.Loss.CalculatedAt = sess.now
		if err := sess.finishIfDone(ctx, "mark lost"); err != nil {
			return err
		}
		sess.audit(AuditLost, map[string]any{"units": units, "charge": charge.StringFixed(2)})
		return nil
	})
}

// =============================================================================
// DEFICITS / KIOSK / OFFERS
// =============================================================================

// ResolveDeficits tries to bind deficit markers to instances that have since
// become free. Markers that still cannot be satisfied stay as they are.
func (m *Manager) ResolveDeficits(ctx context.Context, id ReservationID, operator string) (*Reservation, error) {
	return m.mutate(ctx, "resolve_deficits", id, operator, func(ctx context.Context, sess *session) error {
		r := sess.res
		if err := requireState(r, "resolve deficits", StatePending, StateApproved, StateActive); err != nil {
			return err
		}
		resolved := 0
		for i := range r.Lines {
			l := &r.Lines[i]
			if l.Deficits() == 0 {
				continue
			}
			period := l.EffectivePeriod(r.Period)
			avail, err := sess.m.engine.Query(ctx, sess.store, AvailabilityQuery{ToolTypeID: l.ToolTypeID, Period: period, Quantity: l.Deficits()})
			if err != nil {
				return err
			}
			next := 0
			for j := range l.Allocations {
				a := &l.Allocations[j]
				if !a.Deficit || a.State != AllocReserved {
					continue
				}
				for next < len(avail.Instances) && sess.claimed[avail.Instances[next].ID] {
					next++
				}
				if next == len(avail.Instances) {
					break
				}
				inst := avail.Instances[next]
				if _, err := sess.instance(ctx, inst.ID); err != nil {
					return err
				}
				a.InstanceID = inst.ID
				a.Deficit = false
				a.Period = period
				sess.claimed[inst.ID] = true
				resolved++
			}
		}
		if resolved == 0 {
			sess.discard = true
			return nil
		}
		sess.audit(AuditDeficitResolved, map[string]any{"resolved": resolved})
		return nil
	})
}

// KioskLend creates, approves and hands out a reservation in one step for
// walk-up lending. Deficits are not allowed since every unit leaves now.
func (m *Manager) KioskLend(ctx context.Context, req CreateRequest) (*Reservation, error) {
	now := m.clock.Now()
	if req.Period.Start.IsZero() {
		req.Period.Start = now
	}
	req.AsOffer = false
	no := false
	lines := make([]LineRequest, len(req.Lines))
	for i, l := range req.Lines {
		l.AllowDeficit = &no
		lines[i] = l
	}
	req.Lines = lines
	if err := validateCreate(req, now); err != nil {
		m.metrics.ObserveCommand("kiosk_lend", Code(err), 0)
		return nil, err
	}
	operator := req.Operator
	if operator == "" {
		operator = "kiosk"
	}
	return m.execute(ctx, command{
		name:      "kiosk_lend",
		actor:     operator,
		toolTypes: requestTypes(req.Lines),
		apply: func(ctx context.Context, sess *session) error {
			if err := sess.create(ctx, req); err != nil {
				return err
			}
			r := sess.res
			if err := transition(r, StateApproved, "approve"); err != nil {
				return err
			}
			r.Decision = &Decision{Approved: true, By: operator, At: sess.now, Reason: "kiosk lend"}
			for i := range r.Lines {
				l := &r.Lines[i]
				period := l.EffectivePeriod(r.Period)
				for j := range l.Allocations {
					a := &l.Allocations[j]
					inst, err := sess.instance(ctx, a.InstanceID)
					if err != nil {
						return err
					}
					if err := sess.pickable(ctx, l, inst, period); err != nil {
						return err
					}
					a.State = AllocPickedUp
					a.PickedAt = timePtr(sess.now)
				}
			}
			if err := transition(r, StateActive, "mark items for rental"); err != nil {
				return err
			}
			r.ActualPickup = timePtr(sess.now)
			sess.audit(AuditPicked, map[string]any{"kiosk": true})
			return nil
		},
	})
}

// CheckoutFromOffer converts a Draft offer into a Pending reservation. Rates
// stay as quoted; lines are auto-assigned with deficit allowed, and the offer
// is closed.
func (m *Manager) CheckoutFromOffer(ctx context.Context, req CheckoutRequest) (*Reservation, error) {
	if req.OfferNumber == "" {
		return nil, &ValidationError{Field: "offerNumber", Reason: "required"}
	}
	offer, err := m.store.GetReservationByNumber(ctx, req.OfferNumber)
	if err != nil {
		m.metrics.ObserveCommand("checkout_offer", Code(err), 0)
		return nil, err
	}
	now := m.clock.Now()
	if err := validatePeriod(req.Period, false, now); err != nil {
		m.metrics.ObserveCommand("checkout_offer", Code(err), 0)
		return nil, err
	}
	actor := req.Operator
	if actor == "" {
		actor = req.Requester
	}
	return m.execute(ctx, command{
		name:      "checkout_offer",
		actor:     actor,
		toolTypes: offer.ToolTypes(),
		extraKeys: []string{ReservationKey(offer.ID)},
		apply: func(ctx context.Context, sess *session) error {
			o, err := sess.store.GetReservation(ctx, offer.ID)
			if err != nil {
				return err
			}
			if err := requireState(o, "checkout", StateDraft); err != nil {
				return err
			}
			r := &Reservation{
				ID:          ReservationID(sess.m.ids.NewID()),
				Requester:   firstNonEmpty(req.Requester, o.Requester),
				ProjectCode: firstNonEmpty(req.ProjectCode, o.ProjectCode),
				Purpose:     o.Purpose,
				Notes:       req.Notes,
				State:       StatePending,
				Period:      req.Period,
				SourceOffer: o.Number,
				CreatedAt:   sess.now,
				UpdatedAt:   sess.now,
			}
			if r.Requester == "" {
				return &ValidationError{Field: "requester", Reason: "required"}
			}
			sess.res = r
			sess.isNew = true
			sess.related = []*Reservation{o}
			if r.Number, err = sess.m.reservationNumber(ctx, sess.store); err != nil {
				return err
			}
			for _, ol := range o.Lines {
				line := Line{
					ID:             LineID(sess.m.ids.NewID()),
					ToolTypeID:     ol.ToolTypeID,
					Quantity:       ol.Quantity,
					Snapshot:       ol.Snapshot.carryFromOffer(o.Number),
					AssignmentMode: AssignAuto,
					AllowDeficit:   true,
				}
				if _, err := sess.allocateLine(ctx, &line, LineRequest{
					ToolTypeID:     line.ToolTypeID,
					Quantity:       line.Quantity,
					AssignmentMode: AssignAuto,
				}); err != nil {
					return err
				}
				r.Lines = append(r.Lines, line)
			}
			if err := transition(o, StateClosed, "checkout"); err != nil {
				return err
			}
			sess.audit(AuditCheckedOut, map[string]any{"offer": o.Number})
			sess.auditFor(o, AuditCheckedOut, map[string]any{"reservation": r.Number})
			return nil
		},
	})
}

// =============================================================================
// SWEEP
// =============================================================================

// SweepResult counts notifications queued by one sweep.
type SweepResult struct {
	DueSoon int
	Overdue int
}

// Sweep queues a due-soon reminder for Active reservations ending within the
// window and an overdue notice for those past their end. Each kind is queued
// at most once per reservation.
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	started := time.Now()
	err := m.store.WithTx(ctx, func(s Store) error {
		result = SweepResult{}
		now := m.clock.Now()
		active, err := s.ListReservations(ctx, ReservationFilter{States: []State{StateActive}})
		if err != nil {
			return fmt.Errorf("list active reservations: %w", err)
		}
		for _, r := range active {
			var kind NotificationKind
			var msg string
			switch {
			case now.After(r.Period.End):
				kind = NotifyOverdue
				msg = fmt.Sprintf("Reservation %s was due back %s", r.Number, r.Period.End.Format("2006-01-02"))
			case !r.Period.End.After(now.Add(m.opts.DueSoonWindow)):
				kind = NotifyDueSoon
				msg = fmt.Sprintf("Reservation %s is due back %s", r.Number, r.Period.End.Format("2006-01-02"))
			default:
				continue
			}
			id := r.ID
			sent, err := s.ListNotifications(ctx, NotificationFilter{ReservationID: &id, Kinds: []NotificationKind{kind}})
			if err != nil {
				return fmt.Errorf("list notifications: %w", err)
			}
			if len(sent) > 0 {
				continue
			}
			if err := s.EnqueueNotification(ctx, Notification{
				ID:            m.events.next(now),
				ReservationID: r.ID,
				Kind:          kind,
				Recipient:     r.Requester,
				Message:       msg,
				CreatedAt:     now,
			}); err != nil {
				return fmt.Errorf("enqueue notification: %w", err)
			}
			if kind == NotifyOverdue {
				result.Overdue++
			} else {
				result.DueSoon++
			}
		}
		return nil
	})
	m.metrics.ObserveCommand("sweep", Code(err), time.Since(started))
	if err != nil {
		m.log.ErrorContext(ctx, "sweep failed", "error", err)
		return result, err
	}
	m.log.InfoContext(ctx, "sweep completed", "due_soon", result.DueSoon, "overdue", result.Overdue)
	return result, nil
}

// =============================================================================
// READS
// =============================================================================

// GetReservation loads one reservation.
func (m *Manager) GetReservation(ctx context.Context, id ReservationID) (*Reservation, error) {
	return m.store.GetReservation(ctx, id)
}

// GetReservationByNumber loads a reservation or offer by its number.
func (m *Manager) GetReservationByNumber(ctx context.Context, number string) (*Reservation, error) {
	return m.store.GetReservationByNumber(ctx, number)
}

// ListReservations lists reservations matching filter. A filter on Overdue
// is answered from Active reservations whose end date has passed.
func (m *Manager) ListReservations(ctx context.Context, filter ReservationFilter) ([]*Reservation, error) {
	wantOverdue, wantActive := false, false
	states := make([]State, 0, len(filter.States))
	for _, s := range filter.States {
		switch s {
		case StateOverdue:
			wantOverdue = true
			continue
		case StateActive:
			wantActive = true
		}
		states = append(states, s)
	}
	if wantOverdue && !wantActive {
		states = append(states, StateActive)
	}
	if len(filter.States) > 0 {
		filter.States = states
	}
	list, err := m.store.ListReservations(ctx, filter)
	if err != nil || !wantOverdue || wantActive {
		return list, err
	}
	now := m.clock.Now()
	out := list[:0]
	for _, r := range list {
		if r.State != StateActive || r.EffectiveState(now) == StateOverdue {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListAudit reads the audit trail.
func (m *Manager) ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	return m.store.ListAudit(ctx, filter)
}

// ListNotifications reads the notification queue.
func (m *Manager) ListNotifications(ctx context.Context, filter NotificationFilter) ([]Notification, error) {
	return m.store.ListNotifications(ctx, filter)
}

// QueryAvailability reports free instances of a type over period.
func (m *Manager) QueryAvailability(ctx context.Context, typeID ToolTypeID, period DateRange, quantity int) (*AvailabilityResult, error) {
	if period.Start.IsZero() || period.End.IsZero() || period.End.Before(period.Start) {
		return nil, &ValidationError{Field: "period", Reason: "start and end are required and end must not be before start"}
	}
	return m.engine.Query(ctx, m.store, AvailabilityQuery{ToolTypeID: typeID, Period: period, Quantity: quantity})
}

// CostBreakdown itemizes a reservation's cost by line and unit.
func (m *Manager) CostBreakdown(ctx context.Context, id ReservationID) (*CostBreakdown, error) {
	r, err := m.store.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	b := m.cost.Breakdown(r)
	return &b, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func validateCreate(req CreateRequest, now time.Time) error {
	if req.Requester == "" {
		return &ValidationError{Field: "requester", Reason: "required"}
	}
	if len(req.Lines) == 0 {
		return &ValidationError{Field: "lines", Reason: "at least one line is required"}
	}
	if err := validatePeriod(req.Period, req.Backfill, now); err != nil {
		return err
	}
	for i, l := range req.Lines {
		if l.ToolTypeID == "" {
			return &ValidationError{Field: fmt.Sprintf("lines[%d].toolTypeId", i), Reason: "required"}
		}
		if l.Quantity <= 0 {
			return &ValidationError{Field: fmt.Sprintf("lines[%d].quantity", i), Reason: "must be positive"}
		}
		switch l.AssignmentMode {
		case "", AssignAuto, AssignManual:
		default:
			return &ValidationError{Field: fmt.Sprintf("lines[%d].assignmentMode", i), Reason: fmt.Sprintf("unknown mode %q", l.AssignmentMode)}
		}
		if l.Period != nil {
			p := *l.Period
			if !p.Start.Before(p.End) || p.Start.Before(req.Period.Start) || p.End.After(req.Period.End) {
				return &ValidationError{Field: fmt.Sprintf("lines[%d].period", i), Reason: "must be a non-empty range inside the reservation period"}
			}
		}
	}
	return nil
}

// validatePeriod requires start < end and, unless backfilling, a start date
// no earlier than today.
func validatePeriod(p DateRange, backfill bool, now time.Time) error {
	if p.Start.IsZero() || p.End.IsZero() {
		return &ValidationError{Field: "period", Reason: "start and end are required"}
	}
	if !p.Start.Before(p.End) {
		return &ValidationError{Field: "period", Reason: "start must be before end"}
	}
	if !backfill && StartOfDay(p.Start).Before(StartOfDay(now)) {
		return &ValidationError{Field: "period.start", Reason: "is in the past; set backfill to record a past reservation"}
	}
	return nil
}

func requestTypes(lines []LineRequest) []ToolTypeID {
	seen := make(map[ToolTypeID]bool)
	var out []ToolTypeID
	for _, l := range lines {
		if !seen[l.ToolTypeID] {
			seen[l.ToolTypeID] = true
			out = append(out, l.ToolTypeID)
		}
	}
	return out
}

func (m *Manager) allowDeficit(lr LineRequest) bool {
	if lr.AllowDeficit != nil {
		return *lr.AllowDeficit
	}
	return m.opts.AllowDeficitDefault
}

// reservationNumber issues RNT-001, RNT-002, ...
func (m *Manager) reservationNumber(ctx context.Context, s Store) (string, error) {
	n, err := s.NextSequence(ctx, "reservation")
	if err != nil {
		return "", fmt.Errorf("next reservation number: %w", err)
	}
	return fmt.Sprintf("RNT-%03d", n), nil
}

// offerNumber issues YYNNNN, restarting the counter each year.
func (m *Manager) offerNumber(ctx context.Context, s Store, now time.Time) (string, error) {
	yy := now.Year() % 100
	n, err := s.NextSequence(ctx, fmt.Sprintf("offer-%02d", yy))
	if err != nil {
		return "", fmt.Errorf("next offer number: %w", err)
	}
	return fmt.Sprintf("%02d%04d", yy, n), nil
}

func appendNote(r *Reservation, note string) {
	if note == "" {
		return
	}
	if r.Notes == "" {
		r.Notes = note
		return
	}
	r.Notes += "\n" + note
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
