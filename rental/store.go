/*
store.go - Persistence interface for the catalog, reservations and journals

PURPOSE:
  Defines the boundary between the engine and the database. The Manager
  only talks to a TxStore; every mutating command runs inside WithTx so the
  availability check and the allocation commit are one atomic unit.

KEY INTERFACES:
  CatalogStore:     Tool types and instances (read mostly, status writes)
  ReservationStore: Reservation aggregates with optimistic versioning
  JournalStore:     Audit log, notification queue, number sequences
  Store:            All of the above
  TxStore:          Store plus WithTx

NO DELETES:
  There is no Delete on any interface. Cancellation, release and loss are
  states. Lines and allocations are upserted, never removed.

VERSIONING:
  UpdateReservation is a compare-and-set on Reservation.Version. A stale
  version fails with ConcurrencyError and the caller's transaction rolls back.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (database/sql + go-sqlite3)
  - rental/store/memory.go: In-memory for tests and demos

SEE ALSO:
  - lifecycle.go: The only writer
*/
package rental

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Interfaces
// =============================================================================

// CatalogStore persists tool types and instances.
type CatalogStore interface {
	SaveToolType(ctx context.Context, t ToolType) error
	GetToolType(ctx context.Context, id ToolTypeID) (ToolType, error)
	ListToolTypes(ctx context.Context) ([]ToolType, error)

	SaveInstance(ctx context.Context, inst ToolInstance) error
	GetInstance(ctx context.Context, id InstanceID) (ToolInstance, error)
	FindInstanceBySerial(ctx context.Context, serial string) (ToolInstance, error)

	// ListInstances returns instances of a type ordered by id; an empty type
	// lists everything.
	ListInstances(ctx context.Context, typeID ToolTypeID) ([]ToolInstance, error)
}

// ReservationStore persists reservation aggregates.
type ReservationStore interface {
	InsertReservation(ctx context.Context, r *Reservation) error

	// UpdateReservation writes r if the stored version equals r.Version and
	// then increments r.Version.
	UpdateReservation(ctx context.Context, r *Reservation) error

	GetReservation(ctx context.Context, id ReservationID) (*Reservation, error)
	GetReservationByNumber(ctx context.Context, number string) (*Reservation, error)
	ListReservations(ctx context.Context, filter ReservationFilter) ([]*Reservation, error)

	// ListBookings returns committed ranges (allocations in Reserved or
	// PickedUp that hold an instance) for instances of the given type.
	ListBookings(ctx context.Context, typeID ToolTypeID) ([]Booking, error)
}

// JournalStore holds the append-only side records.
type JournalStore interface {
	// NextSequence returns the next value of a named counter, starting at 1.
	NextSequence(ctx context.Context, name string) (int, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)

	EnqueueNotification(ctx context.Context, n Notification) error
	ListNotifications(ctx context.Context, filter NotificationFilter) ([]Notification, error)
}

// Store is everything the engine persists.
type Store interface {
	CatalogStore
	ReservationStore
	JournalStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// QUERY TYPES
// =============================================================================

// Booking is one committed range on one instance.
type Booking struct {
	InstanceID    InstanceID
	ReservationID ReservationID
	AllocationID  AllocationID
	State         AllocationState
	Period        DateRange
}

// ReservationFilter narrows ListReservations. Zero values match everything.
type ReservationFilter struct {
	States    []State
	Requester string
	// EndingBefore matches reservations whose period ends before the time.
	EndingBefore *time.Time
}

// Matches applies the filter in memory.
func (f ReservationFilter) Matches(r *Reservation) bool {
	if len(f.States) > 0 && !r.State.In(f.States...) {
		return false
	}
	if f.Requester != "" && r.Requester != f.Requester {
		return false
	}
	if f.EndingBefore != nil && !r.Period.End.Before(*f.EndingBefore) {
		return false
	}
	return true
}

// =============================================================================
// AUDIT LOG - Tracks who did what when
// =============================================================================

// AuditEntry records one committed command.
type AuditEntry struct {
	ID            string
	Timestamp     time.Time
	ActorID       string
	Action        AuditAction
	ReservationID ReservationID
	Payload       map[string]any
}

type AuditAction string

const (
	AuditCreated         AuditAction = "reservation_created"
	AuditOfferCreated    AuditAction = "offer_created"
	AuditSubmitted       AuditAction = "reservation_submitted"
	AuditApproved        AuditAction = "reservation_approved"
	AuditRejected        AuditAction = "reservation_rejected"
	AuditPicked          AuditAction = "items_picked"
	AuditReceived        AuditAction = "items_received"
	AuditExtended        AuditAction = "reservation_extended"
	AuditForceExtended   AuditAction = "reservation_force_extended"
	AuditReturned        AuditAction = "reservation_returned"
	AuditForceReturned   AuditAction = "reservation_force_returned"
	AuditCancelled       AuditAction = "reservation_cancelled"
	AuditClosed          AuditAction = "reservation_closed"
	AuditLost            AuditAction = "units_lost"
	AuditDeficitResolved AuditAction = "deficit_resolved"
	AuditCheckedOut      AuditAction = "offer_checked_out"
)

type AuditFilter struct {
	ReservationID *ReservationID
	ActorID       *string
	Actions       []AuditAction
	Limit         int
}

// Matches applies the filter in memory.
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.ReservationID != nil && e.ReservationID != *f.ReservationID {
		return false
	}
	if f.ActorID != nil && e.ActorID != *f.ActorID {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == e.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// =============================================================================
// NOTIFICATION QUEUE - Delivery is external
// =============================================================================

// NotificationKind is what the requester is told about.
type NotificationKind string

const (
	NotifyApproved NotificationKind = "approved"
	NotifyRejected NotificationKind = "rejected"
	NotifyDueSoon  NotificationKind = "due_soon"
	NotifyOverdue  NotificationKind = "overdue"
)

// Notification is a queued message for an external sender.
type Notification struct {
	ID            string
	ReservationID ReservationID
	Kind          NotificationKind
	Recipient     string
	Message       string
	CreatedAt     time.Time
}

type NotificationFilter struct {
	ReservationID *ReservationID
	Kinds         []NotificationKind
}

// Matches applies the filter in memory.
func (f NotificationFilter) Matches(n Notification) bool {
	if f.ReservationID != nil && n.ReservationID != *f.ReservationID {
		return false
	}
	if len(f.Kinds) > 0 {
		for _, k := range f.Kinds {
			if k == n.Kind {
				return true
			}
		}
		return false
	}
	return true
}
