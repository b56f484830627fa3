package rental_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/rental-engine/rental"
	"github.com/warp/rental-engine/rental/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// base is day 0 of most test rentals. The fixture clock starts a week earlier.
var base = time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time { return base.Add(time.Duration(n) * 24 * time.Hour) }

func days(from, to int) rental.DateRange {
	return rental.DateRange{Start: day(from), End: day(to)}
}

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() string { return fmt.Sprintf("id-%04d", s.n.Add(1)) }

type fixture struct {
	t     *testing.T
	ctx   context.Context
	now   atomic.Value
	store *store.TxMemory
	mgr   *rental.Manager
}

func newFixture(t *testing.T, opts ...func(*rental.Options)) *fixture {
	t.Helper()
	f := &fixture{t: t, ctx: context.Background(), store: store.NewTxMemory()}
	f.setNow(time.Date(2025, time.March, 3, 8, 0, 0, 0, time.UTC))

	o := rental.Options{
		Clock:  rental.ClockFunc(func() time.Time { return f.now.Load().(time.Time) }),
		IDs:    &seqIDs{},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, fn := range opts {
		fn(&o)
	}
	f.mgr = rental.NewManager(f.store, o)
	return f
}

func (f *fixture) setNow(t time.Time) { f.now.Store(t) }

// addType registers a tool type with n instances named <id>-01.. in stock.
func (f *fixture) addType(id string, rate float64, n int) {
	f.t.Helper()
	require.NoError(f.t, f.store.SaveToolType(f.ctx, rental.ToolType{
		ID:               rental.ToolTypeID(id),
		Name:             id,
		DailyRate:        decimal.NewFromFloat(rate),
		ReplacementValue: decimal.NewFromInt(1000),
	}))
	for i := 1; i <= n; i++ {
		f.addInstance(id, i, nil)
	}
}

func (f *fixture) addInstance(typeID string, i int, nextCert *time.Time) {
	f.t.Helper()
	require.NoError(f.t, f.store.SaveInstance(f.ctx, rental.ToolInstance{
		ID:                rental.InstanceID(fmt.Sprintf("%s-%02d", typeID, i)),
		ToolTypeID:        rental.ToolTypeID(typeID),
		SerialNumber:      fmt.Sprintf("SN-%s-%02d", typeID, i),
		Status:            rental.InstanceInStock,
		Location:          "A1",
		NextCertification: nextCert,
	}))
}

func (f *fixture) setRate(id string, rate float64) {
	f.t.Helper()
	tt, err := f.store.GetToolType(f.ctx, rental.ToolTypeID(id))
	require.NoError(f.t, err)
	tt.DailyRate = decimal.NewFromFloat(rate)
	require.NoError(f.t, f.store.SaveToolType(f.ctx, tt))
}

func (f *fixture) instanceStatus(id string) rental.InstanceStatus {
	f.t.Helper()
	inst, err := f.store.GetInstance(f.ctx, rental.InstanceID(id))
	require.NoError(f.t, err)
	return inst.Status
}

func line(typeID string, qty int) rental.LineRequest {
	return rental.LineRequest{ToolTypeID: rental.ToolTypeID(typeID), Quantity: qty}
}

func withDeficit(l rental.LineRequest) rental.LineRequest {
	yes := true
	l.AllowDeficit = &yes
	return l
}

func (f *fixture) create(period rental.DateRange, lines ...rental.LineRequest) *rental.Reservation {
	f.t.Helper()
	r, err := f.mgr.CreateReservation(f.ctx, rental.CreateRequest{
		Requester:   "emp-1",
		ProjectCode: "P-100",
		Purpose:     "site work",
		Period:      period,
		Lines:       lines,
	})
	require.NoError(f.t, err)
	return r
}

func (f *fixture) approve(id rental.ReservationID) *rental.Reservation {
	f.t.Helper()
	r, err := f.mgr.Decide(f.ctx, id, rental.DecisionRequest{Approve: true, Operator: "op-1"})
	require.NoError(f.t, err)
	return r
}

// pickAll hands out every reserved unit of every line.
func (f *fixture) pickAll(r *rental.Reservation) *rental.Reservation {
	f.t.Helper()
	var items []rental.PickItem
	for _, l := range r.Lines {
		items = append(items, rental.PickItem{LineID: l.ID, PickedQuantity: l.CountState(rental.AllocReserved)})
	}
	out, err := f.mgr.MarkItemsForRental(f.ctx, r.ID, "op-1", items)
	require.NoError(f.t, err)
	require.Empty(f.t, out.Failed)
	return out.Reservation
}

func instancesOf(l rental.Line) []rental.InstanceID {
	var out []rental.InstanceID
	for _, a := range l.Allocations {
		if !a.Deficit {
			out = append(out, a.InstanceID)
		}
	}
	return out
}

func money(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// =============================================================================
// INVARIANT CHECKS
// =============================================================================

// assertInvariants checks no double-booking and derivable totals across the
// whole store.
func (f *fixture) assertInvariants() {
	f.t.Helper()
	all, err := f.store.ListReservations(f.ctx, rental.ReservationFilter{})
	require.NoError(f.t, err)

	type held struct {
		res    rental.ReservationID
		period rental.DateRange
	}
	live := make(map[rental.InstanceID][]held)
	calc := f.mgr.Calculator()
	for _, r := range all {
		sum := decimal.Zero
		for i := range r.Lines {
			l := &r.Lines[i]
			nonLost := 0
			for _, a := range l.Allocations {
				if a.State != rental.AllocLost {
					nonLost++
				}
				if !a.Live() || a.Deficit {
					continue
				}
				for _, h := range live[a.InstanceID] {
					require.False(f.t, h.period.Overlaps(a.Period),
						"instance %s double-booked by %s and %s", a.InstanceID, h.res, r.ID)
				}
				live[a.InstanceID] = append(live[a.InstanceID], held{res: r.ID, period: a.Period})
			}
			if !r.Unbound() {
				require.Equal(f.t, l.Quantity, nonLost, "line %s quantity", l.ID)
				sum = sum.Add(calc.LineCost(l, r.Period))
			}
		}
		if !r.Unbound() {
			require.True(f.t, sum.Equal(r.TotalCost), "reservation %s total %s, derived %s", r.Number, r.TotalCost, sum)
		}
	}
}
