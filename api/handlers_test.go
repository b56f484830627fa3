/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Catalog import, tool type and instance endpoints
- Reservation lifecycle over HTTP (create, decide, pick, return, close)
- Offers, checkout and kiosk lending
- Availability, cost, audit and notification reads
- Engine error to HTTP status mapping
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rental-engine/metrics"
	"github.com/warp/rental-engine/rental"
	"github.com/warp/rental-engine/rental/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2025, time.March, 3, 8, 0, 0, 0, time.UTC)

const testCatalog = `
tool_types:
  - id: drill
    name: Cordless Drill
    daily_rate: 12.50
    replacement_value: 240
    stock:
      count: 3
      serial_prefix: CD
  - id: harness
    name: Harness
    daily_rate: 6
    requires_certification: true
    certification_interval_days: 30
    stock:
      count: 1
      serial_prefix: FH
`

type testServer struct {
	t        *testing.T
	h        *Handler
	store    *store.TxMemory
	recorder *metrics.Recorder
	router   http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := store.NewTxMemory()
	rec := metrics.New()
	clock := rental.ClockFunc(func() time.Time { return testNow })
	mgr := rental.NewManager(s, rental.Options{
		Clock:   clock,
		Metrics: rec,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	h := NewHandler(mgr, s, clock)
	return &testServer{t: t, h: h, store: s, recorder: rec, router: NewRouter(h, rec.Handler(), nil)}
}

// withCatalog imports testCatalog through the API.
func (ts *testServer) withCatalog() *testServer {
	rec := ts.do(http.MethodPost, "/api/catalog/import", testCatalog)
	require.Equal(ts.t, http.StatusOK, rec.Code, rec.Body.String())
	return ts
}

// do sends body as-is when it is a string, JSON-encoded otherwise.
func (ts *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(ts.t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) create(req CreateReservationRequest) ReservationDTO {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/reservations", req)
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeAs[ReservationDTO](ts.t, rec)
}

func (ts *testServer) approve(id string) ReservationDTO {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/reservations/"+id+"/decide", DecideRequest{Approve: true, Operator: "lead"})
	require.Equal(ts.t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeAs[ReservationDTO](ts.t, rec)
}

func drillRequest(qty int, start, end string) CreateReservationRequest {
	return CreateReservationRequest{
		Requester: "alice",
		Start:     start,
		End:       end,
		Operator:  "alice",
		Lines:     []LineRequestDTO{{ToolTypeID: "drill", Quantity: qty}},
	}
}

// =============================================================================
// CATALOG
// =============================================================================

func TestCatalog_ImportAndList(t *testing.T) {
	// GIVEN: An imported catalog
	ts := newTestServer(t).withCatalog()

	// WHEN: Listing tool types and instances
	types := ts.do(http.MethodGet, "/api/catalog/tool-types", nil)
	instances := ts.do(http.MethodGet, "/api/catalog/instances?tool_type_id=drill", nil)

	// THEN: Both types and the generated drills are listed
	require.Equal(t, http.StatusOK, types.Code)
	assert.Contains(t, types.Body.String(), `"daily_rate":"12.50"`)
	list := decodeAs[[]InstanceDTO](t, instances)
	require.Len(t, list, 3)
	assert.Equal(t, "CD-0001", list[0].SerialNumber)
	assert.Equal(t, "in_stock", list[0].Status)
}

func TestCatalog_ImportRejectsInvalidDocument(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/catalog/import", `{"tool_types":[{"id":"x","daily_rate":"-1"}]}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decodeAs[ErrorResponse](t, rec).Code)
}

func TestCatalog_CreateToolTypeAndInstance(t *testing.T) {
	ts := newTestServer(t)

	// GIVEN: A tool type created over the API
	rec := ts.do(http.MethodPost, "/api/catalog/tool-types", `{"id":"saw","name":"Saw","daily_rate":"30"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// WHEN: Adding a unit of it, and a unit of an unknown type
	ok := ts.do(http.MethodPost, "/api/catalog/instances", `{"tool_type_id":"saw","id":"saw-01","serial_number":"SAW-1"}`)
	missing := ts.do(http.MethodPost, "/api/catalog/instances", `{"tool_type_id":"nope","id":"nope-01"}`)

	// THEN: The first is stored, the second is not found
	require.Equal(t, http.StatusCreated, ok.Code, ok.Body.String())
	assert.Equal(t, "saw", decodeAs[InstanceDTO](t, ok).ToolTypeID)
	assert.Equal(t, http.StatusNotFound, missing.Code)

	inst, err := ts.store.FindInstanceBySerial(context.Background(), "SAW-1")
	require.NoError(t, err)
	assert.Equal(t, rental.InstanceID("saw-01"), inst.ID)
}

// =============================================================================
// RESERVATION LIFECYCLE
// =============================================================================

func TestReservation_FullLifecycle(t *testing.T) {
	ts := newTestServer(t).withCatalog()

	// GIVEN: A pending reservation for two drills over three days
	res := ts.create(drillRequest(2, "2025-03-10", "2025-03-13"))
	assert.Equal(t, "RNT-001", res.Number)
	assert.Equal(t, "pending", res.State)
	assert.Equal(t, "75.00", res.TotalCost)
	require.Len(t, res.Lines, 1)
	assert.Len(t, res.Lines[0].Allocations, 2)

	// WHEN: It is approved and both units are picked
	ts.approve(res.ID)
	rec := ts.do(http.MethodPost, "/api/reservations/"+res.ID+"/mark-items-for-rental", PickRequest{
		Operator: "clerk",
		Items:    []PickItemDTO{{LineID: res.Lines[0].ID, PickedQuantity: 2}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	picked := decodeAs[PickOutcomeDTO](t, rec)
	assert.Equal(t, 2, picked.Picked)
	assert.Empty(t, picked.Failed)
	assert.Equal(t, "active", picked.Reservation.State)
	assert.Equal(t, 2, picked.Reservation.Outstanding)

	// THEN: Returning and closing finishes it
	rec = ts.do(http.MethodPost, "/api/reservations/"+res.ID+"/return", ReturnRequest{Condition: "good", Operator: "clerk"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "returned", decodeAs[ReservationDTO](t, rec).State)

	rec = ts.do(http.MethodPost, "/api/reservations/"+res.ID+"/close", OperatorRequest{Operator: "clerk"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "closed", decodeAs[ReservationDTO](t, rec).State)

	// AND: Every step is audited, and the number lookup works
	audit := decodeAs[[]AuditEntryDTO](t, ts.do(http.MethodGet, "/api/audit?reservation_id="+res.ID, nil))
	assert.GreaterOrEqual(t, len(audit), 5)
	assert.Equal(t, "alice", audit[0].ActorID)

	byNumber := ts.do(http.MethodGet, "/api/reservations/by-number/RNT-001", nil)
	require.Equal(t, http.StatusOK, byNumber.Code)
	assert.Equal(t, res.ID, decodeAs[ReservationDTO](t, byNumber).ID)
}

func TestReservation_CreateErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"malformed body", `{"requester":`, http.StatusBadRequest, ""},
		{"missing requester", CreateReservationRequest{Start: "2025-03-10", End: "2025-03-12", Lines: []LineRequestDTO{{ToolTypeID: "drill", Quantity: 1}}}, http.StatusBadRequest, "validation_error"},
		{"bad date", drillRequest(1, "10/03/2025", "2025-03-12"), http.StatusBadRequest, "validation_error"},
		{"end before start", drillRequest(1, "2025-03-12", "2025-03-10"), http.StatusBadRequest, "validation_error"},
		{"start in the past", drillRequest(1, "2025-02-01", "2025-02-03"), http.StatusBadRequest, "validation_error"},
		{"not enough drills", drillRequest(4, "2025-03-10", "2025-03-12"), http.StatusConflict, "no_capacity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t).withCatalog()

			rec := ts.do(http.MethodPost, "/api/reservations", tt.body)

			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeAs[ErrorResponse](t, rec).Code)
		})
	}
}

func TestReservation_NotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/reservations/missing", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeAs[ErrorResponse](t, rec).Code)
}

func TestReservation_DecideTwiceConflicts(t *testing.T) {
	ts := newTestServer(t).withCatalog()
	res := ts.create(drillRequest(1, "2025-03-10", "2025-03-12"))
	ts.approve(res.ID)

	rec := ts.do(http.MethodPost, "/api/reservations/"+res.ID+"/decide", DecideRequest{Approve: true, Operator: "lead"})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "state_conflict", decodeAs[ErrorResponse](t, rec).Code)
}

func TestReservation_RejectRequiresReason(t *testing.T) {
	ts := newTestServer(t).withCatalog()
	res := ts.create(drillRequest(1, "2025-03-10", "2025-03-12"))

	rec := ts.do(http.MethodPost, "/api/reservations/"+res.ID+"/decide", DecideRequest{Operator: "lead"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/api/reservations/"+res.ID+"/decide", DecideRequest{Reason: "budget", Operator: "lead"})
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeAs[ReservationDTO](t, rec)
	assert.Equal(t, "cancelled", got.State)
	require.NotNil(t, got.Decision)
	assert.False(t, got.Decision.Approved)
}

func TestReservation_PickTooManyFailsEveryLine(t *testing.T) {
	ts := newTestServer(t).withCatalog()
	res := ts.create(drillRequest(2, "2025-03-10", "2025-03-12"))
	ts.approve(res.ID)

	// WHEN: Picking more units than the line holds
	rec := ts.do(http.MethodPost, "/api/reservations/"+res.ID+"/mark-items-for-rental", PickRequest{
		Operator: "clerk",
		Items:    []PickItemDTO{{LineID: res.Lines[0].ID, PickedQuantity: 3}},
	})

	// THEN: Nothing is committed and the line failure is reported
	require.Equal(t, http.StatusConflict, rec.Code)
	out := decodeAs[PickOutcomeDTO](t, rec)
	assert.Equal(t, 0, out.Picked)
	require.Len(t, out.Failed, 1)
	assert.Equal(t, "quantity_exceeded", out.Failed[0].Code)
	assert.Equal(t, "approved", out.Reservation.State)
}

func TestReservation_ListFilters(t *testing.T) {
	ts := newTestServer(t).withCatalog()
	first := ts.create(drillRequest(1, "2025-03-10", "2025-03-12"))
	ts.create(drillRequest(1, "2025-03-20", "2025-03-22"))
	ts.approve(first.ID)

	approved := decodeAs[[]ReservationDTO](t, ts.do(http.MethodGet, "/api/reservations?state=approved", nil))
	require.Len(t, approved, 1)
	assert.Equal(t, first.ID, approved[0].ID)

	both := decodeAs[[]ReservationDTO](t, ts.do(http.MethodGet, "/api/reservations?state=approved,pending", nil))
	assert.Len(t, both, 2)

	early := decodeAs[[]ReservationDTO](t, ts.do(http.MethodGet, "/api/reservations?ending_before=2025-03-15", nil))
	assert.Len(t, early, 1)

	rec := ts.do(http.MethodGet, "/api/reservations?state=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReservation_ExtendAndCost(t *testing.T) {
	ts := newTestServer(t).withCatalog()
	res := ts.create(drillRequest(1, "2025-03-10", "2025-03-12"))
	ts.approve(res.ID)

	// Plain extension needs the units out; the forced one does not
	rec := ts.do(http.MethodPost, "/api/reservations/"+res.ID+"/extend", ExtendRequest{NewEnd: "2025-03-14", Operator: "alice"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(http.MethodPost, "/api/reservations/"+res.ID+"/force-extend", ExtendRequest{NewEnd: "2025-03-14", Operator: "lead"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "2025-03-14T00:00:00Z", decodeAs[ReservationDTO](t, rec).End)

	cost := decodeAs[CostBreakdownDTO](t, ts.do(http.MethodGet, "/api/reservations/"+res.ID+"/cost", nil))
	assert.Equal(t, "50.00", cost.Total)
	require.Len(t, cost.Lines, 1)
	require.Len(t, cost.Lines[0].Units, 1)
	assert.Equal(t, 4, cost.Lines[0].Units[0].Days)
}

func TestReservation_Cancel(t *testing.T) {
	ts := newTestServer(t).withCatalog()
	res := ts.create(drillRequest(3, "2025-03-10", "2025-03-12"))

	rec := ts.do(http.MethodPost, "/api/reservations/"+res.ID+"/cancel", CancelRequest{Reason: "plans changed", Operator: "alice"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decodeAs[ReservationDTO](t, rec).State)

	// The drills are free again
	ts.create(drillRequest(3, "2025-03-10", "2025-03-12"))
}

// =============================================================================
// OFFERS AND KIOSK
// =============================================================================

func TestOffer_CheckoutCreatesPendingReservation(t *testing.T) {
	ts := newTestServer(t).withCatalog()

	// GIVEN: An offer for two drills
	rec := ts.do(http.MethodPost, "/api/offers", drillRequest(2, "2025-03-10", "2025-03-12"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	offer := decodeAs[ReservationDTO](t, rec)
	assert.Equal(t, "draft", offer.State)
	assert.Equal(t, "50.00", offer.TotalCost)
	assert.Empty(t, offer.Lines[0].Allocations)
	assert.Equal(t, "250001", offer.Number)

	// WHEN: It is checked out for a later week
	rec = ts.do(http.MethodPost, "/api/offers/"+offer.Number+"/checkout", CheckoutRequest{
		Start: "2025-03-20", End: "2025-03-22", Operator: "clerk",
	})

	// THEN: A pending reservation carries the quoted rate, and the offer is closed
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeAs[ReservationDTO](t, rec)
	assert.Equal(t, "pending", res.State)
	assert.Equal(t, offer.Number, res.SourceOffer)
	assert.Equal(t, "alice", res.Requester)
	assert.Len(t, res.Lines[0].Allocations, 2)

	closed := decodeAs[ReservationDTO](t, ts.do(http.MethodGet, "/api/offers/"+offer.Number, nil))
	assert.Equal(t, "closed", closed.State)

	again := ts.do(http.MethodPost, "/api/offers/"+offer.Number+"/checkout", CheckoutRequest{
		Start: "2025-03-20", End: "2025-03-22", Operator: "clerk",
	})
	assert.Equal(t, http.StatusConflict, again.Code)
}

func TestKioskLend_DefaultsStartToNow(t *testing.T) {
	ts := newTestServer(t).withCatalog()

	rec := ts.do(http.MethodPost, "/api/kiosk/lend", CreateReservationRequest{
		Requester: "bob",
		End:       "2025-03-05",
		Lines:     []LineRequestDTO{{ToolTypeID: "drill", Quantity: 1}},
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeAs[ReservationDTO](t, rec)
	assert.Equal(t, "active", res.State)
	assert.Equal(t, "2025-03-03T08:00:00Z", res.Start)
	assert.Equal(t, "picked_up", res.Lines[0].Allocations[0].State)
}

// =============================================================================
// READS
// =============================================================================

func TestAvailability_ReportsCertificationGaps(t *testing.T) {
	ts := newTestServer(t).withCatalog()

	// Harness certificates run 30 days from import
	rec := ts.do(http.MethodGet, "/api/availability?tool_type_id=harness&start=2025-03-10&end=2025-04-10", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeAs[AvailabilityDTO](t, rec)
	assert.Equal(t, 0, got.Available)
	assert.Equal(t, 1, got.Shortfall)
	require.Len(t, got.Ineligible, 1)
	assert.Contains(t, got.Ineligible[0].Reason, "certification")

	short := decodeAs[AvailabilityDTO](t, ts.do(http.MethodGet, "/api/availability?tool_type_id=harness&start=2025-03-10&end=2025-03-20", nil))
	assert.Equal(t, 1, short.Available)

	bad := ts.do(http.MethodGet, "/api/availability?start=2025-03-10&end=2025-03-20", nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestSweep_QueuesOverdueNotice(t *testing.T) {
	ts := newTestServer(t).withCatalog()

	// GIVEN: A backfilled rental that was due back two days ago
	req := drillRequest(1, "2025-02-24", "2025-03-01")
	req.Backfill = true
	res := ts.create(req)
	ts.approve(res.ID)
	rec := ts.do(http.MethodPost, "/api/reservations/"+res.ID+"/mark-items-for-rental", PickRequest{
		Operator: "clerk",
		Items:    []PickItemDTO{{LineID: res.Lines[0].ID, PickedQuantity: 1}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeAs[PickOutcomeDTO](t, rec).Reservation.Overdue)

	// WHEN: The sweep runs twice
	first := decodeAs[map[string]int](t, ts.do(http.MethodPost, "/api/admin/sweep", nil))
	second := decodeAs[map[string]int](t, ts.do(http.MethodPost, "/api/admin/sweep", nil))

	// THEN: One overdue notice is queued
	assert.Equal(t, 1, first["overdue"])
	assert.Equal(t, 0, second["overdue"])

	notes := decodeAs[[]NotificationDTO](t, ts.do(http.MethodGet, "/api/notifications/pending?kind=overdue", nil))
	require.Len(t, notes, 1)
	assert.Equal(t, "alice", notes[0].Recipient)

	overdue := decodeAs[[]ReservationDTO](t, ts.do(http.MethodGet, "/api/reservations?state=overdue", nil))
	assert.Len(t, overdue, 1)
}

func TestAudit_LimitAndValidation(t *testing.T) {
	ts := newTestServer(t).withCatalog()
	res := ts.create(drillRequest(1, "2025-03-10", "2025-03-12"))
	ts.approve(res.ID)

	latest := decodeAs[[]AuditEntryDTO](t, ts.do(http.MethodGet, "/api/audit?limit=1", nil))
	require.Len(t, latest, 1)
	assert.Equal(t, "lead", latest[0].ActorID)

	rec := ts.do(http.MethodGet, "/api/audit?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t).withCatalog()
	ts.create(drillRequest(1, "2025-03-10", "2025-03-12"))

	health := ts.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, health.Code)

	rec := ts.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `rental_commands_total{command="create",outcome="ok"} 1`)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestWriteEngineError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&rental.ValidationError{Field: "x", Reason: "bad"}, http.StatusBadRequest, "validation_error"},
		{&rental.NotFoundError{Kind: "reservation", ID: "r1"}, http.StatusNotFound, "not_found"},
		{&rental.StateConflictError{ReservationID: "r1", Current: rental.StateClosed, Operation: "extend"}, http.StatusConflict, "state_conflict"},
		{&rental.InstanceUnavailableError{InstanceID: "i1", Reason: "retired"}, http.StatusConflict, "instance_unavailable"},
		{&rental.NoCapacityError{ToolTypeID: "drill", Requested: 2}, http.StatusConflict, "no_capacity"},
		{&rental.QuantityExceededError{LineID: "l1", Requested: 3, Remaining: 1}, http.StatusUnprocessableEntity, "quantity_exceeded"},
		{&rental.ConcurrencyError{Resource: "pool:drill", Reason: "lock timeout"}, http.StatusServiceUnavailable, "concurrency_conflict"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			rec := httptest.NewRecorder()

			writeEngineError(rec, tt.err)

			assert.Equal(t, tt.status, rec.Code)
			body := decodeAs[ErrorResponse](t, rec)
			assert.Equal(t, tt.code, body.Code)
			if tt.status == http.StatusInternalServerError {
				assert.NotContains(t, body.Error, "disk on fire")
			}
			if tt.status == http.StatusServiceUnavailable {
				assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			}
		})
	}
}
