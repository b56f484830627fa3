package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rental-engine/rental"
)

var start = time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.SaveToolType(ctx, rental.ToolType{
		ID: "drill", Name: "Hammer Drill", Manufacturer: "Hilti",
		DailyRate: decimal.RequireFromString("125.50"), ReplacementValue: decimal.NewFromInt(900),
		RequiresCertification: true, CertificationIntervalDays: 180,
	}))
	next := start.AddDate(0, 6, 0)
	require.NoError(t, s.SaveInstance(ctx, rental.ToolInstance{
		ID: "drill-01", ToolTypeID: "drill", SerialNumber: "SN1", Status: rental.InstanceInStock,
		Location: "A1", NextCertification: &next,
	}))
	require.NoError(t, s.SaveInstance(ctx, rental.ToolInstance{
		ID: "drill-02", ToolTypeID: "drill", SerialNumber: "SN2", Status: rental.InstanceInStock,
		Location: "A1", NextCertification: &next,
	}))
	return s
}

func sampleReservation() *rental.Reservation {
	period := rental.DateRange{Start: start, End: start.AddDate(0, 0, 3)}
	picked := start.Add(9 * time.Hour)
	return &rental.Reservation{
		ID:          "r1",
		Number:      "RNT-001",
		Requester:   "emp-1",
		ProjectCode: "P-100",
		State:       rental.StateActive,
		Period:      period,
		TotalCost:   decimal.RequireFromString("376.50"),
		Decision:    &rental.Decision{Approved: true, By: "op-1", At: start},
		CreatedAt:   start.Add(-48 * time.Hour),
		UpdatedAt:   start,
		Lines: []rental.Line{{
			ID: "l1", ToolTypeID: "drill", Quantity: 2,
			Snapshot: rental.PricingSnapshot{
				DailyRate: decimal.RequireFromString("125.50"), Source: rental.PriceFromCatalog, CapturedAt: start,
			},
			AssignmentMode:     rental.AssignManual,
			RequestedInstances: []rental.InstanceID{"drill-01"},
			AllowDeficit:       true,
			Cost:               decimal.RequireFromString("376.50"),
			Allocations: []rental.Allocation{
				{ID: "a1", InstanceID: "drill-01", State: rental.AllocPickedUp, Period: period, PickedAt: &picked},
				{ID: "a2", Deficit: true, State: rental.AllocReserved, Period: period},
			},
		}},
	}
}

// =============================================================================
// CATALOG
// =============================================================================

func TestStore_Catalog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t.Run("tool type round trip keeps decimals exact", func(t *testing.T) {
		tt, err := s.GetToolType(ctx, "drill")
		require.NoError(t, err)
		assert.True(t, tt.DailyRate.Equal(decimal.RequireFromString("125.5")))
		assert.True(t, tt.RequiresCertification)
		assert.Equal(t, 180, tt.CertificationIntervalDays)
	})

	t.Run("instance by serial", func(t *testing.T) {
		inst, err := s.FindInstanceBySerial(ctx, "SN1")
		require.NoError(t, err)
		assert.Equal(t, rental.InstanceID("drill-01"), inst.ID)
		require.NotNil(t, inst.NextCertification)
		assert.True(t, inst.NextCertification.Equal(start.AddDate(0, 6, 0)))
	})

	t.Run("duplicate serial is a validation error", func(t *testing.T) {
		err := s.SaveInstance(ctx, rental.ToolInstance{ID: "drill-03", ToolTypeID: "drill", SerialNumber: "SN2", Status: rental.InstanceInStock})
		assert.ErrorIs(t, err, rental.ErrValidation)
	})

	t.Run("unknown tool type is not found", func(t *testing.T) {
		err := s.SaveInstance(ctx, rental.ToolInstance{ID: "saw-01", ToolTypeID: "saw", Status: rental.InstanceInStock})
		assert.True(t, rental.IsNotFound(err))
	})

	t.Run("missing rows are not found", func(t *testing.T) {
		_, err := s.GetInstance(ctx, "nope")
		assert.True(t, rental.IsNotFound(err))
		_, err = s.GetToolType(ctx, "nope")
		assert.True(t, rental.IsNotFound(err))
	})

	t.Run("instances listed by id", func(t *testing.T) {
		list, err := s.ListInstances(ctx, "drill")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, rental.InstanceID("drill-01"), list[0].ID)
	})
}

// =============================================================================
// RESERVATIONS
// =============================================================================

func TestStore_ReservationRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	r := sampleReservation()
	require.NoError(t, s.InsertReservation(ctx, r))
	assert.Equal(t, 1, r.Version)

	got, err := s.GetReservationByNumber(ctx, "RNT-001")
	require.NoError(t, err)
	assert.Equal(t, rental.StateActive, got.State)
	assert.True(t, got.Period.Start.Equal(start))
	assert.True(t, got.TotalCost.Equal(decimal.RequireFromString("376.5")))
	require.NotNil(t, got.Decision)
	assert.Equal(t, "op-1", got.Decision.By)
	assert.Nil(t, got.Loss)

	require.Len(t, got.Lines, 1)
	l := got.Lines[0]
	assert.Equal(t, rental.PriceFromCatalog, l.Snapshot.Source)
	assert.Equal(t, []rental.InstanceID{"drill-01"}, l.RequestedInstances)
	assert.True(t, l.AllowDeficit)
	require.Len(t, l.Allocations, 2)
	assert.Equal(t, rental.InstanceID("drill-01"), l.Allocations[0].InstanceID)
	require.NotNil(t, l.Allocations[0].PickedAt)
	assert.True(t, l.Allocations[1].Deficit)
	assert.Empty(t, l.Allocations[1].InstanceID)
}

func TestStore_OptimisticVersioning(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	r := sampleReservation()
	require.NoError(t, s.InsertReservation(ctx, r))

	stale, err := s.GetReservation(ctx, "r1")
	require.NoError(t, err)

	r.Notes = "extended"
	r.Loss = &rental.LossCharge{Amount: decimal.NewFromInt(650), CalculatedAt: start, Units: 1}
	require.NoError(t, s.UpdateReservation(ctx, r))
	assert.Equal(t, 2, r.Version)

	stale.Notes = "lost update"
	err = s.UpdateReservation(ctx, stale)
	assert.ErrorIs(t, err, rental.ErrConcurrencyConflict)

	got, err := s.GetReservation(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "extended", got.Notes)
	require.NotNil(t, got.Loss)
	assert.True(t, got.Loss.Amount.Equal(decimal.NewFromInt(650)))

	missing := sampleReservation()
	missing.ID = "r9"
	assert.True(t, rental.IsNotFound(s.UpdateReservation(ctx, missing)))
}

func TestStore_Bookings(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.InsertReservation(ctx, sampleReservation()))

	bookings, err := s.ListBookings(ctx, "drill")
	require.NoError(t, err)
	require.Len(t, bookings, 1, "deficit markers never block")
	assert.Equal(t, rental.InstanceID("drill-01"), bookings[0].InstanceID)
	assert.Equal(t, rental.AllocPickedUp, bookings[0].State)

	r, err := s.GetReservation(ctx, "r1")
	require.NoError(t, err)
	released := start.Add(time.Hour)
	r.Lines[0].Allocations[0].State = rental.AllocReturned
	r.Lines[0].Allocations[0].ReturnedAt = &released
	require.NoError(t, s.UpdateReservation(ctx, r))

	bookings, err = s.ListBookings(ctx, "drill")
	require.NoError(t, err)
	assert.Empty(t, bookings)
}

func TestStore_ListReservationsFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	r1 := sampleReservation()
	require.NoError(t, s.InsertReservation(ctx, r1))
	r2 := sampleReservation()
	r2.ID, r2.Number, r2.State, r2.Requester = "r2", "RNT-002", rental.StatePending, "emp-2"
	r2.CreatedAt = r1.CreatedAt.Add(time.Hour)
	r2.Lines[0].ID = "l2"
	r2.Lines[0].Allocations = nil
	require.NoError(t, s.InsertReservation(ctx, r2))

	all, err := s.ListReservations(ctx, rental.ReservationFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "RNT-001", all[0].Number)
	assert.Len(t, all[0].Lines[0].Allocations, 2)

	pending, err := s.ListReservations(ctx, rental.ReservationFilter{States: []rental.State{rental.StatePending}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "emp-2", pending[0].Requester)

	cutoff := start.AddDate(0, 0, 5)
	ending, err := s.ListReservations(ctx, rental.ReservationFilter{Requester: "emp-1", EndingBefore: &cutoff})
	require.NoError(t, err)
	assert.Len(t, ending, 1)
}

// =============================================================================
// JOURNALS AND TRANSACTIONS
// =============================================================================

func TestStore_Journals(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 1; i <= 3; i++ {
		n, err := s.NextSequence(ctx, "reservation")
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	n, err := s.NextSequence(ctx, "offer-25")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "sequences are independent")

	rid := rental.ReservationID("r1")
	for i, action := range []rental.AuditAction{rental.AuditCreated, rental.AuditApproved, rental.AuditPicked} {
		require.NoError(t, s.AppendAudit(ctx, rental.AuditEntry{
			ID: string(rune('A' + i)), Timestamp: start, ActorID: "op-1", Action: action, ReservationID: rid,
			Payload: map[string]any{"step": i},
		}))
	}
	last, err := s.ListAudit(ctx, rental.AuditFilter{ReservationID: &rid, Limit: 2})
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, rental.AuditApproved, last[0].Action)
	assert.Equal(t, rental.AuditPicked, last[1].Action)
	assert.EqualValues(t, 2, last[1].Payload["step"])

	require.NoError(t, s.EnqueueNotification(ctx, rental.Notification{
		ID: "N1", ReservationID: rid, Kind: rental.NotifyOverdue, Recipient: "emp-1", Message: "overdue", CreatedAt: start,
	}))
	notes, err := s.ListNotifications(ctx, rental.NotificationFilter{Kinds: []rental.NotificationKind{rental.NotifyDueSoon}})
	require.NoError(t, err)
	assert.Empty(t, notes)
	notes, err = s.ListNotifications(ctx, rental.NotificationFilter{ReservationID: &rid})
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestStore_WithTxRollback(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx rental.Store) error {
		require.NoError(t, tx.InsertReservation(ctx, sampleReservation()))
		_, err := tx.NextSequence(ctx, "reservation")
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetReservation(ctx, "r1")
	assert.True(t, rental.IsNotFound(err))
	n, err := s.NextSequence(ctx, "reservation")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "sequence advance rolled back")
}

func TestStore_Reset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.InsertReservation(ctx, sampleReservation()))

	require.NoError(t, s.Reset(ctx))
	types, err := s.ListToolTypes(ctx)
	require.NoError(t, err)
	assert.Empty(t, types)
}

// =============================================================================
// SQL-LEVEL BEHAVIOR (sqlmock)
// =============================================================================

func TestStore_SQL(t *testing.T) {
	ctx := context.Background()

	t.Run("stale version reports the stored one", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		s, err := NewFromDB(db, false)
		require.NoError(t, err)

		r := sampleReservation()
		r.Version = 2
		mock.ExpectExec("UPDATE reservations SET").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT version FROM reservations WHERE id = ?").
			WithArgs("r1").
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(5))

		err = s.UpdateReservation(ctx, r)
		var ce *rental.ConcurrencyError
		require.ErrorAs(t, err, &ce)
		assert.Contains(t, ce.Reason, "stored 5")
		assert.Equal(t, 2, r.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("sequence uses upsert returning", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		s, err := NewFromDB(db, false)
		require.NoError(t, err)

		mock.ExpectQuery("INSERT INTO sequences").
			WithArgs("reservation").
			WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(42))

		n, err := s.NextSequence(ctx, "reservation")
		require.NoError(t, err)
		assert.Equal(t, 42, n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed command rolls back", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		s, err := NewFromDB(db, false)
		require.NoError(t, err)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO tool_types").WillReturnError(errors.New("disk I/O error"))
		mock.ExpectRollback()

		err = s.WithTx(ctx, func(tx rental.Store) error {
			return tx.SaveToolType(ctx, rental.ToolType{ID: "saw", DailyRate: decimal.NewFromInt(10)})
		})
		assert.ErrorContains(t, err, "disk I/O error")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("begin failure is retryable", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		s, err := NewFromDB(db, false)
		require.NoError(t, err)

		mock.ExpectBegin().WillReturnError(errors.New("database is locked"))
		err = s.WithTx(ctx, func(rental.Store) error { return nil })
		assert.True(t, rental.IsRetryable(err))
	})
}

// =============================================================================
// MANAGER OVER SQLITE
// =============================================================================

func TestStore_ManagerLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := start.AddDate(0, 0, -7)
	mgr := rental.NewManager(s, rental.Options{
		Clock:  rental.ClockFunc(func() time.Time { return now }),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	period := rental.DateRange{Start: start, End: start.AddDate(0, 0, 2)}
	r, err := mgr.CreateReservation(ctx, rental.CreateRequest{
		Requester: "emp-1",
		Period:    period,
		Lines:     []rental.LineRequest{{ToolTypeID: "drill", Quantity: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, "RNT-001", r.Number)
	assert.True(t, r.TotalCost.Equal(decimal.RequireFromString("502")), "2 units x 2 days x 125.50")

	_, err = mgr.CreateReservation(ctx, rental.CreateRequest{
		Requester: "emp-2",
		Period:    period,
		Lines:     []rental.LineRequest{{ToolTypeID: "drill", Quantity: 1}},
	})
	assert.ErrorIs(t, err, rental.ErrNoCapacity)

	_, err = mgr.Decide(ctx, r.ID, rental.DecisionRequest{Approve: true, Operator: "op-1"})
	require.NoError(t, err)

	now = start.Add(8 * time.Hour)
	out, err := mgr.MarkItemsForRental(ctx, r.ID, "op-1", []rental.PickItem{{LineID: r.Lines[0].ID, PickedQuantity: 2}})
	require.NoError(t, err)
	assert.Empty(t, out.Failed)
	assert.Equal(t, rental.StateActive, out.Reservation.State)

	inst, err := s.GetInstance(ctx, "drill-01")
	require.NoError(t, err)
	assert.Equal(t, rental.InstanceInRental, inst.Status)

	audit, err := mgr.ListAudit(ctx, rental.AuditFilter{ReservationID: &r.ID})
	require.NoError(t, err)
	require.Len(t, audit, 3)
	assert.Equal(t, rental.AuditCreated, audit[0].Action)
	assert.Equal(t, rental.AuditPicked, audit[2].Action)
}
