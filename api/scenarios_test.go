/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario correctly sets up the expected state:
	- The catalog is imported
	- Reservations reach the intended lifecycle states
	- Notifications are queued by the sweep
	- Loading again starts from a clean store

These tests double as integration tests of the engine behind the API.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (ts *testServer) loadScenario(id string) {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id})
	require.Equal(ts.t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestScenario_ToolCrib(t *testing.T) {
	// GIVEN: A fresh server
	ts := newTestServer(t)

	// WHEN: Loading the tool crib
	ts.loadScenario("tool-crib")

	// THEN: Every unit is on the shelf except the harness in the workshop
	list := decodeAs[[]InstanceDTO](t, ts.do(http.MethodGet, "/api/catalog/instances", nil))
	require.Len(t, list, 9)
	statuses := map[string]int{}
	for _, inst := range list {
		statuses[inst.Status]++
	}
	assert.Equal(t, 8, statuses["in_stock"])
	assert.Equal(t, 1, statuses["under_service"])

	current := decodeAs[ScenarioDTO](t, ts.do(http.MethodGet, "/api/scenarios/current", nil))
	assert.Equal(t, "tool-crib", current.ID)
}

func TestScenario_BusyWeek(t *testing.T) {
	ts := newTestServer(t)

	ts.loadScenario("busy-week")

	all := decodeAs[[]ReservationDTO](t, ts.do(http.MethodGet, "/api/reservations", nil))
	require.Len(t, all, 6)
	states := map[string]int{}
	for _, r := range all {
		states[r.State]++
	}
	assert.Equal(t, 2, states["pending"])
	assert.Equal(t, 1, states["approved"])
	assert.Equal(t, 2, states["active"])
	assert.Equal(t, 1, states["cancelled"])

	overdue := decodeAs[[]ReservationDTO](t, ts.do(http.MethodGet, "/api/reservations?state=overdue", nil))
	require.Len(t, overdue, 1)
	assert.Equal(t, "generator-5kw", overdue[0].Lines[0].ToolTypeID)

	harness := decodeAs[[]ReservationDTO](t, ts.do(http.MethodGet, "/api/reservations?requester=ana.ribeiro", nil))
	require.Len(t, harness, 1)
	assert.Equal(t, 1, harness[0].Lines[0].Deficits)

	for _, kind := range []string{"overdue", "due_soon"} {
		notes := decodeAs[[]NotificationDTO](t, ts.do(http.MethodGet, "/api/notifications/pending?kind="+kind, nil))
		assert.Len(t, notes, 1, kind)
	}
}

func TestScenario_BusyWeekDrillsDoNotOverlap(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario("busy-week")

	// The active and the approved drill rentals overlap in time, so they
	// must hold different units.
	bookings, err := ts.store.ListBookings(context.Background(), "cordless-drill")
	require.NoError(t, err)
	require.Len(t, bookings, 2)
	assert.NotEqual(t, bookings[0].InstanceID, bookings[1].InstanceID)
}

func TestScenario_OfferDesk(t *testing.T) {
	ts := newTestServer(t)

	ts.loadScenario("offer-desk")

	offer := decodeAs[ReservationDTO](t, ts.do(http.MethodGet, "/api/offers/250001", nil))
	assert.Equal(t, "closed", offer.State)

	open := decodeAs[ReservationDTO](t, ts.do(http.MethodGet, "/api/offers/250002", nil))
	assert.Equal(t, "draft", open.State)

	checkedOut := decodeAs[ReservationDTO](t, ts.do(http.MethodGet, "/api/reservations/by-number/RNT-001", nil))
	assert.Equal(t, "pending", checkedOut.State)
	assert.Equal(t, "250001", checkedOut.SourceOffer)
	assert.Equal(t, offer.TotalCost, checkedOut.TotalCost)

	kiosk := decodeAs[ReservationDTO](t, ts.do(http.MethodGet, "/api/reservations/by-number/RNT-002", nil))
	assert.Equal(t, "active", kiosk.State)
	require.NotNil(t, kiosk.Decision)
	assert.Equal(t, "kiosk", kiosk.Decision.By)
}

func TestScenario_ReloadStartsClean(t *testing.T) {
	ts := newTestServer(t)

	ts.loadScenario("busy-week")
	ts.loadScenario("busy-week")

	all := decodeAs[[]ReservationDTO](t, ts.do(http.MethodGet, "/api/reservations", nil))
	assert.Len(t, all, 6)
	first := decodeAs[ReservationDTO](t, ts.do(http.MethodGet, "/api/reservations/by-number/RNT-001", nil))
	assert.Equal(t, "maria.santos", first.Requester)
}

func TestScenario_UnknownAndReset(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario("tool-crib")

	rec := ts.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	types, err := ts.store.ListToolTypes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, types)
	assert.Equal(t, "null\n", ts.do(http.MethodGet, "/api/scenarios/current", nil).Body.String())
}

func TestScenario_AllScenariosLoadWithoutError(t *testing.T) {
	ts := newTestServer(t)
	listed := decodeAs[[]ScenarioDTO](t, ts.do(http.MethodGet, "/api/scenarios", nil))
	require.Len(t, listed, len(scenarios))

	for _, s := range listed {
		t.Run(s.ID, func(t *testing.T) {
			ts := newTestServer(t)
			ts.loadScenario(s.ID)
			_, err := ts.h.Manager.Sweep(context.Background())
			assert.NoError(t, err)
		})
	}
}
