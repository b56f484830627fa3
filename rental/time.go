package rental

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// =============================================================================
// DATE RANGE - Half-open [Start, End)
// =============================================================================

// DateRange is a half-open interval. Back-to-back ranges, where one ends
// exactly when the next starts, do not overlap.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NewDateRange builds a UTC range and rejects End before Start.
func NewDateRange(start, end time.Time) (DateRange, error) {
	r := DateRange{Start: start.UTC(), End: end.UTC()}
	if r.End.Before(r.Start) {
		return DateRange{}, &ValidationError{Field: "period", Reason: "end is before start"}
	}
	return r, nil
}

// Overlaps implements the half-open conflict rule: s1 < e2 && s2 < e1.
func (r DateRange) Overlaps(o DateRange) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

// IsZero is true for an unset range.
func (r DateRange) IsZero() bool { return r.Start.IsZero() && r.End.IsZero() }

// Days is the billable day count of the whole range.
func (r DateRange) Days() int { return BillableDays(r.Start, r.End) }

func (r DateRange) String() string {
	return "[" + r.Start.Format(time.RFC3339) + ", " + r.End.Format(time.RFC3339) + ")"
}

// BillableDays counts started 24h days between from and to, never less than one.
// A same-day or sub-day range bills one day.
func BillableDays(from, to time.Time) int {
	d := to.Sub(from)
	if d <= 0 {
		return 1
	}
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	if days < 1 {
		return 1
	}
	return days
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// CLOCK AND ID GENERATION
// =============================================================================

// Clock is injected so lifecycle rules (today, overdue, grace) are testable.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f().UTC() }

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// IDGenerator produces entity ids for reservations, lines and allocations.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator issues random v4 UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string { return uuid.NewString() }

// eventIDs issues time-ordered ULIDs for audit entries and notifications so
// they sort by creation time without a separate sequence.
type eventIDs struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newEventIDs() *eventIDs {
	return &eventIDs{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *eventIDs) next(t time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), g.entropy).String()
}
