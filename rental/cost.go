/*
cost.go - Line and reservation cost, proration, replacement charges

PURPOSE:
  Computes what a reservation costs from each line's frozen rate. The
  catalog is never consulted here, so rate changes after creation cannot
  move an existing total.

BILLING WINDOWS (per unit, measured from the line's start):
  Reserved / PickedUp   -> line end (planned)
  Returned              -> actual return time
  Lost                  -> time the unit was marked lost
  Released after pickup -> release time
  Released never picked -> not billed
  Deficit marker        -> not billed

  With no returns this reduces to rate x allocated quantity x days.

DAY COUNTING:
  days = max(1, ceil((end - start) / 24h)). Same-day and sub-day ranges
  bill one day.

REPLACEMENT CHARGE:
  For each lost unit: max(value x floor, value - rent earned on that unit).
  The floor ratio defaults to 0.65.

SEE ALSO:
  - pricing.go: The snapshot being billed
  - lifecycle.go: Recomputes after every mutating command
*/
package rental

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultReplacementFloor is the minimum share of replacement value charged
// for a lost unit.
var DefaultReplacementFloor = decimal.NewFromFloat(0.65)

// CostCalculator prices lines from their snapshots.
type CostCalculator struct {
	ReplacementFloor decimal.Decimal
}

// NewCostCalculator returns a calculator with the given floor, or the
// default when floor is zero.
func NewCostCalculator(floor decimal.Decimal) CostCalculator {
	if floor.IsZero() {
		floor = DefaultReplacementFloor
	}
	return CostCalculator{ReplacementFloor: floor}
}

// =============================================================================
// PER-UNIT BILLING
// =============================================================================

// BillableWindow returns the end of a unit's billed window and whether the
// unit is billed at all.
func BillableWindow(a Allocation, period DateRange) (time.Time, bool) {
	if a.Deficit {
		return time.Time{}, false
	}
	switch a.State {
	case AllocReserved, AllocPickedUp:
		return period.End, true
	case AllocReturned:
		if a.ReturnedAt != nil {
			return *a.ReturnedAt, true
		}
		return period.End, true
	case AllocLost:
		if a.LostAt != nil {
			return *a.LostAt, true
		}
		return period.End, true
	case AllocReleased:
		if a.PickedAt == nil || a.ReleasedAt == nil {
			return time.Time{}, false
		}
		return *a.ReleasedAt, true
	}
	return time.Time{}, false
}

// UnitDays is the number of billed days for one allocation, 0 if unbilled.
func UnitDays(a Allocation, period DateRange) int {
	end, ok := BillableWindow(a, period)
	if !ok {
		return 0
	}
	return BillableDays(period.Start, end)
}

// UnitCost prices one allocation at rate.
func (c CostCalculator) UnitCost(rate decimal.Decimal, a Allocation, period DateRange) decimal.Decimal {
	days := UnitDays(a, period)
	if days == 0 {
		return decimal.Zero
	}
	return RoundMoney(rate.Mul(decimal.NewFromInt(int64(days))))
}

// LineCost sums the unit costs of a line over its effective period.
func (c CostCalculator) LineCost(l *Line, reservation DateRange) decimal.Decimal {
	period := l.EffectivePeriod(reservation)
	total := decimal.Zero
	for _, a := range l.Allocations {
		total = total.Add(c.UnitCost(l.Snapshot.DailyRate, a, period))
	}
	return RoundMoney(total)
}

// Recompute refreshes every line cost and the reservation total. Unbound
// reservations hold no units, so they are quoted instead.
func (c CostCalculator) Recompute(r *Reservation) {
	total := decimal.Zero
	for i := range r.Lines {
		l := &r.Lines[i]
		if r.Unbound() {
			l.Cost = c.Quote(l.Snapshot.DailyRate, l.Quantity, l.EffectivePeriod(r.Period))
		} else {
			l.Cost = c.LineCost(l, r.Period)
		}
		total = total.Add(l.Cost)
	}
	r.TotalCost = RoundMoney(total)
}

// Quote prices a line that has not been allocated yet, as rate x quantity x
// days. Offers use this since their units are not bound.
func (c CostCalculator) Quote(rate decimal.Decimal, quantity int, period DateRange) decimal.Decimal {
	return RoundMoney(rate.Mul(decimal.NewFromInt(int64(quantity))).Mul(decimal.NewFromInt(int64(period.Days()))))
}

// =============================================================================
// BREAKDOWN - Consumed by external weekly accounting
// =============================================================================

// CostBreakdown itemizes a reservation by line and unit.
type CostBreakdown struct {
	ReservationID ReservationID
	Total         decimal.Decimal
	LossCharge    decimal.Decimal
	Lines         []LineCharge
}

// LineCharge is one line of a breakdown.
type LineCharge struct {
	LineID     LineID
	ToolTypeID ToolTypeID
	DailyRate  decimal.Decimal
	Quantity   int
	Deficit    int
	Cost       decimal.Decimal
	Units      []UnitCharge
}

// UnitCharge is one billed or unbilled unit.
type UnitCharge struct {
	AllocationID AllocationID
	InstanceID   InstanceID
	State        AllocationState
	Deficit      bool
	Days         int
	Cost         decimal.Decimal
}

// Breakdown builds the itemized view from frozen rates.
func (c CostCalculator) Breakdown(r *Reservation) CostBreakdown {
	out := CostBreakdown{ReservationID: r.ID, LossCharge: decimal.Zero}
	if r.Loss != nil {
		out.LossCharge = r.Loss.Amount
	}
	total := decimal.Zero
	quoted := r.Unbound()
	for i := range r.Lines {
		l := &r.Lines[i]
		period := l.EffectivePeriod(r.Period)
		lc := LineCharge{
			LineID:     l.ID,
			ToolTypeID: l.ToolTypeID,
			DailyRate:  l.Snapshot.DailyRate,
			Quantity:   l.Quantity,
			Deficit:    l.Deficits(),
		}
		if quoted {
			lc.Cost = c.Quote(l.Snapshot.DailyRate, l.Quantity, period)
		} else {
			lc.Cost = c.LineCost(l, r.Period)
		}
		for _, a := range l.Allocations {
			lc.Units = append(lc.Units, UnitCharge{
				AllocationID: a.ID,
				InstanceID:   a.InstanceID,
				State:        a.State,
				Deficit:      a.Deficit,
				Days:         UnitDays(a, period),
				Cost:         c.UnitCost(l.Snapshot.DailyRate, a, period),
			})
		}
		total = total.Add(lc.Cost)
		out.Lines = append(out.Lines, lc)
	}
	out.Total = RoundMoney(total)
	return out
}

// =============================================================================
// REPLACEMENT CHARGE
// =============================================================================

// ReplacementCharge is max(value x floor, value - rentEarned), never negative.
func (c CostCalculator) ReplacementCharge(value, rentEarned decimal.Decimal) decimal.Decimal {
	floor := c.ReplacementFloor
	if floor.IsZero() {
		floor = DefaultReplacementFloor
	}
	minimum := value.Mul(floor)
	remaining := value.Sub(rentEarned)
	charge := decimal.Max(minimum, remaining)
	if charge.IsNegative() {
		return decimal.Zero
	}
	return RoundMoney(charge)
}
