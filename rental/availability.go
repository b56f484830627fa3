/*
availability.go - Eligibility and overlap checks per tool type

PURPOSE:
  Answers "which instances of this tool type are free over this range?".
  Never errors on shortfall; it reports how many are missing and leaves the
  decision to the allocator.

ELIGIBILITY (per instance):
  1. Status is InStock, or Reserved with no overlapping committed range
     (InRental, UnderService and Retired are excluded)
  2. If the type requires certification, NextCertification >= range end
  3. No committed range [s2,e2) with s1 < e2 && s2 < e1

INDEX:
  Committed ranges (allocations in Reserved/PickedUp) are grouped per
  instance and sorted by start. A binary search bounds the candidates to
  those starting before the query ends.

ORDERING:
  Results are sorted by ascending instance id, so auto-assignment is
  deterministic.

SEE ALSO:
  - allocator.go: Consumes the result
  - store.go: ListBookings feeds the index
*/
package rental

import (
	"context"
	"fmt"
	"sort"
)

// =============================================================================
// QUERY AND RESULT
// =============================================================================

// AvailabilityQuery asks for quantity units of a type over period.
type AvailabilityQuery struct {
	ToolTypeID ToolTypeID
	Period     DateRange
	Quantity   int

	// ExcludeReservation ignores the bookings of one reservation.
	ExcludeReservation ReservationID
}

// AvailabilityResult lists eligible instances in assignment order.
type AvailabilityResult struct {
	ToolTypeID    ToolTypeID
	Period        DateRange
	Requested     int
	EligibleCount int
	Instances     []ToolInstance
	Shortfall     int
	Ineligible    []Ineligibility
}

// Ineligibility explains why an instance was filtered out.
type Ineligibility struct {
	InstanceID InstanceID
	Reason     string
}

// =============================================================================
// BOOKING INDEX
// =============================================================================

type bookingIndex map[InstanceID][]Booking

func newBookingIndex(bookings []Booking, exclude ReservationID) bookingIndex {
	ix := make(bookingIndex)
	for _, b := range bookings {
		if exclude != "" && b.ReservationID == exclude {
			continue
		}
		ix[b.InstanceID] = append(ix[b.InstanceID], b)
	}
	for id := range ix {
		bs := ix[id]
		sort.Slice(bs, func(i, j int) bool { return bs[i].Period.Start.Before(bs[j].Period.Start) })
	}
	return ix
}

// conflict returns the first committed range on id overlapping period.
func (ix bookingIndex) conflict(id InstanceID, period DateRange) (Booking, bool) {
	bs := ix[id]
	// Everything from i on starts at or after period.End and cannot overlap.
	i := sort.Search(len(bs), func(i int) bool { return !bs[i].Period.Start.Before(period.End) })
	for j := i - 1; j >= 0; j-- {
		if bs[j].Period.Overlaps(period) {
			return bs[j], true
		}
	}
	return Booking{}, false
}

// add records a booking made earlier in the same command.
func (ix bookingIndex) add(b Booking) {
	bs := append(ix[b.InstanceID], b)
	sort.Slice(bs, func(i, j int) bool { return bs[i].Period.Start.Before(bs[j].Period.Start) })
	ix[b.InstanceID] = bs
}

// =============================================================================
// ENGINE
// =============================================================================

// AvailabilityEngine is stateless; the committed ranges live in the store and
// are read inside the caller's transaction.
type AvailabilityEngine struct{}

// Query lists eligible instances for q, ordered by id.
func (e AvailabilityEngine) Query(ctx context.Context, s Store, q AvailabilityQuery) (*AvailabilityResult, error) {
	if q.ToolTypeID == "" {
		return nil, &ValidationError{Field: "toolTypeId", Reason: "required"}
	}
	if q.Quantity < 0 {
		return nil, &ValidationError{Field: "quantity", Reason: "must not be negative"}
	}
	tt, err := s.GetToolType(ctx, q.ToolTypeID)
	if err != nil {
		return nil, err
	}
	instances, err := s.ListInstances(ctx, q.ToolTypeID)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	bookings, err := s.ListBookings(ctx, q.ToolTypeID)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	ix := newBookingIndex(bookings, q.ExcludeReservation)

	res := &AvailabilityResult{ToolTypeID: q.ToolTypeID, Period: q.Period, Requested: q.Quantity}
	for _, inst := range instances {
		if reason := ineligibility(tt, inst, q.Period, ix); reason != "" {
			res.Ineligible = append(res.Ineligible, Ineligibility{InstanceID: inst.ID, Reason: reason})
			continue
		}
		res.Instances = append(res.Instances, inst)
	}
	sort.Slice(res.Instances, func(i, j int) bool { return res.Instances[i].ID < res.Instances[j].ID })
	res.EligibleCount = len(res.Instances)
	if q.Quantity > res.EligibleCount {
		res.Shortfall = q.Quantity - res.EligibleCount
	}
	return res, nil
}

// Check validates one instance for a new booking over period. The returned
// error is an InstanceUnavailableError when the instance cannot be used.
func (e AvailabilityEngine) Check(ctx context.Context, s Store, inst ToolInstance, period DateRange) error {
	tt, err := s.GetToolType(ctx, inst.ToolTypeID)
	if err != nil {
		return err
	}
	bookings, err := s.ListBookings(ctx, inst.ToolTypeID)
	if err != nil {
		return fmt.Errorf("list bookings: %w", err)
	}
	if reason := ineligibility(tt, inst, period, newBookingIndex(bookings, "")); reason != "" {
		return &InstanceUnavailableError{InstanceID: inst.ID, Reason: reason}
	}
	return nil
}

// CheckExtension validates that an instance already held by reservation can
// keep it over the extra range delta ending at newEnd. Its own status is
// expected to be Reserved or InRental, so only service/retirement, the
// certification window and foreign bookings are checked.
func (e AvailabilityEngine) CheckExtension(tt ToolType, inst ToolInstance, delta DateRange, ix bookingIndex) string {
	if inst.Status == InstanceUnderService || inst.Status == InstanceRetired {
		return "status " + string(inst.Status)
	}
	if reason := certificationReason(tt, inst, delta); reason != "" {
		return reason
	}
	if b, ok := ix.conflict(inst.ID, delta); ok {
		return fmt.Sprintf("booked by reservation %s over %s", b.ReservationID, b.Period)
	}
	return ""
}

func ineligibility(tt ToolType, inst ToolInstance, period DateRange, ix bookingIndex) string {
	switch inst.Status {
	case InstanceInStock, InstanceReserved:
	default:
		return "status " + string(inst.Status)
	}
	if reason := certificationReason(tt, inst, period); reason != "" {
		return reason
	}
	if b, ok := ix.conflict(inst.ID, period); ok {
		return fmt.Sprintf("booked by reservation %s over %s", b.ReservationID, b.Period)
	}
	return ""
}

// certificationReason rejects instances whose certificate lapses before the
// range ends.
func certificationReason(tt ToolType, inst ToolInstance, period DateRange) string {
	if !tt.RequiresCertification {
		return ""
	}
	if inst.NextCertification == nil {
		return "no certification on record"
	}
	if inst.NextCertification.Before(period.End) {
		return "certification expires " + inst.NextCertification.Format("2006-01-02") + " before end"
	}
	return ""
}
