package rental

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func rng(from, to int) DateRange {
	d0 := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)
	return DateRange{Start: d0.AddDate(0, 0, from), End: d0.AddDate(0, 0, to)}
}

func TestDateRange_HalfOpenOverlap(t *testing.T) {
	tests := []struct {
		name string
		a, b DateRange
		want bool
	}{
		{"back to back", rng(0, 3), rng(3, 5), false},
		{"one day overlap", rng(0, 3), rng(2, 5), true},
		{"contained", rng(0, 10), rng(2, 3), true},
		{"disjoint", rng(0, 1), rng(5, 6), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Overlaps(tt.b))
			assert.Equal(t, tt.want, tt.b.Overlaps(tt.a))
		})
	}
}

func TestBookingIndex_Conflict(t *testing.T) {
	ix := newBookingIndex([]Booking{
		{InstanceID: "i1", ReservationID: "r1", Period: rng(10, 12)},
		{InstanceID: "i1", ReservationID: "r2", Period: rng(0, 3)},
		{InstanceID: "i1", ReservationID: "r3", Period: rng(5, 8)},
		{InstanceID: "i2", ReservationID: "r4", Period: rng(0, 30)},
	}, "r3")

	_, ok := ix.conflict("i1", rng(3, 10))
	assert.False(t, ok, "gap between r2 and r1, r3 excluded")

	b, ok := ix.conflict("i1", rng(11, 20))
	assert.True(t, ok)
	assert.Equal(t, ReservationID("r1"), b.ReservationID)

	b, ok = ix.conflict("i1", rng(-5, 1))
	assert.True(t, ok)
	assert.Equal(t, ReservationID("r2"), b.ReservationID)

	_, ok = ix.conflict("i3", rng(0, 100))
	assert.False(t, ok)

	ix.add(Booking{InstanceID: "i1", ReservationID: "r5", Period: rng(4, 6)})
	b, ok = ix.conflict("i1", rng(3, 10))
	assert.True(t, ok)
	assert.Equal(t, ReservationID("r5"), b.ReservationID)
}

func TestIneligibility(t *testing.T) {
	next := rng(0, 4).End
	certified := ToolType{ID: "hoist", RequiresCertification: true}
	plain := ToolType{ID: "drill"}
	ix := newBookingIndex([]Booking{{InstanceID: "busy", ReservationID: "r1", Period: rng(0, 2)}}, "")

	tests := []struct {
		name   string
		tt     ToolType
		inst   ToolInstance
		period DateRange
		ok     bool
	}{
		{"in stock", plain, ToolInstance{ID: "a", Status: InstanceInStock}, rng(0, 3), true},
		{"reserved but disjoint", plain, ToolInstance{ID: "busy", Status: InstanceReserved}, rng(2, 3), true},
		{"reserved and overlapping", plain, ToolInstance{ID: "busy", Status: InstanceReserved}, rng(1, 3), false},
		{"in rental", plain, ToolInstance{ID: "a", Status: InstanceInRental}, rng(10, 12), false},
		{"under service", plain, ToolInstance{ID: "a", Status: InstanceUnderService}, rng(0, 1), false},
		{"retired", plain, ToolInstance{ID: "a", Status: InstanceRetired}, rng(0, 1), false},
		{"certified through end", certified, ToolInstance{ID: "a", Status: InstanceInStock, NextCertification: &next}, rng(0, 4), true},
		{"certificate lapses mid-rental", certified, ToolInstance{ID: "a", Status: InstanceInStock, NextCertification: &next}, rng(0, 5), false},
		{"no certificate", certified, ToolInstance{ID: "a", Status: InstanceInStock}, rng(0, 1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason := ineligibility(tt.tt, tt.inst, tt.period, ix)
			assert.Equal(t, tt.ok, reason == "", "reason: %q", reason)
		})
	}
}

func TestSplitSerials(t *testing.T) {
	assert.Equal(t, []string{"SN1", "SN2", "SN3", "SN4"}, splitSerials(" SN1, SN2;SN3\nSN4 "))
	assert.Empty(t, splitSerials("  ,; "))
}
