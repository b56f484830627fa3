/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with a realistic
	tool crib: a catalog of tool types and serialized units, plus
	reservations in various lifecycle states. All dates are relative to
	the handler's clock, so a scenario looks the same whenever it is loaded.

AVAILABLE SCENARIOS:

	tool-crib:   Catalog only, nothing booked
	busy-week:   Pending, approved, active, overdue and deficit reservations
	offer-desk:  A quoted offer, its checkout, and a kiosk lend

HOW SCENARIOS WORK:
 1. Reset store (clear all data)
 2. Import the catalog via factory (YAML)
 3. Drive reservations through rental.Manager, like an operator would
 4. Optionally run the sweep so notifications are queued

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "busy-week"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler wiring
  - factory/catalog.go: Catalog document format
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/rental-engine/factory"
	"github.com/warp/rental-engine/logger"
	"github.com/warp/rental-engine/rental"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "tool-crib",
		Name:        "Tool Crib",
		Description: "Drills, ladders, certified harnesses and a generator; nothing booked",
	},
	{
		ID:          "busy-week",
		Name:        "Busy Week",
		Description: "Reservations in every state, including one overdue and one short of stock",
	},
	{
		ID:          "offer-desk",
		Name:        "Offer Desk",
		Description: "A priced offer checked out into a reservation, and a kiosk lend",
	},
}

const scenarioOperator = "crib-lead"

// demoCatalog is the tool crib every scenario starts from.
const demoCatalog = `
tool_types:
  - id: cordless-drill
    name: Cordless Drill 18V
    manufacturer: Makita
    daily_rate: 12.50
    replacement_value: 240
    stock:
      count: 3
      serial_prefix: CD
      location: Shelf A1
  - id: ladder-3m
    name: Step Ladder 3m
    daily_rate: 8
    replacement_value: 180
    stock:
      count: 2
      serial_prefix: LD
      location: Bay 2
  - id: fall-harness
    name: Fall Arrest Harness
    manufacturer: Petzl
    daily_rate: 6.75
    replacement_value: 320
    requires_certification: true
    certification_interval_days: 180
    stock:
      count: 2
      serial_prefix: FH
      location: Cabinet C
    instances:
      - id: fall-harness-09
        serial_number: FH-0009
        status: under_service
        condition: damaged
        location: Workshop
  - id: generator-5kw
    name: Generator 5kW
    daily_rate: 45
    replacement_value: 1900
    stock:
      count: 1
      serial_prefix: GEN
      location: Yard
`

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	current := h.currentScenario
	h.mu.RUnlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current, Description: "Currently loaded scenario"})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	var load func(context.Context) error
	switch req.ScenarioID {
	case "tool-crib":
		load = h.loadToolCribScenario
	case "busy-week":
		load = h.loadBusyWeekScenario
	case "offer-desk":
		load = h.loadOfferDeskScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Reset first
	h.currentScenario = ""
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	if err := load(ctx); err != nil {
		logger.Error("scenario load failed", "scenario", req.ScenarioID, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID
	logger.Info("scenario loaded", "scenario", req.ScenarioID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadToolCribScenario(ctx context.Context) error {
	catalog, err := factory.NewCatalogFactory(h.clock.Now()).Parse([]byte(demoCatalog))
	if err != nil {
		return fmt.Errorf("parse demo catalog: %w", err)
	}
	return h.Catalog.Apply(ctx, h.Store, catalog)
}

func (h *Handler) loadBusyWeekScenario(ctx context.Context) error {
	if err := h.loadToolCribScenario(ctx); err != nil {
		return err
	}
	today := rental.StartOfDay(h.clock.Now())
	day := func(n int) time.Time { return today.AddDate(0, 0, n) }

	// Waiting for approval next week
	if _, err := h.Manager.CreateReservation(ctx, rental.CreateRequest{
		Requester:   "maria.santos",
		ProjectCode: "PRJ-ROOF",
		Purpose:     "Gutter repair",
		Period:      rental.DateRange{Start: day(7), End: day(10)},
		Lines:       []rental.LineRequest{{ToolTypeID: "ladder-3m", Quantity: 2}},
		Operator:    "maria.santos",
	}); err != nil {
		return err
	}

	// Out since three days ago, due back in two
	active, err := h.bookAndPick(ctx, rental.CreateRequest{
		Requester:   "jon.okafor",
		ProjectCode: "PRJ-FITOUT",
		Purpose:     "Office fit-out",
		Period:      rental.DateRange{Start: day(-3), End: day(2)},
		Backfill:    true,
		Lines:       []rental.LineRequest{{ToolTypeID: "cordless-drill", Quantity: 1}},
		Operator:    "jon.okafor",
	})
	if err != nil {
		return err
	}

	// Approved for tomorrow; the drill above is still out, so another unit is assigned
	approved, err := h.Manager.CreateReservation(ctx, rental.CreateRequest{
		Requester:   "li.wei",
		ProjectCode: "PRJ-FITOUT",
		Period:      rental.DateRange{Start: day(1), End: day(4)},
		Lines:       []rental.LineRequest{{ToolTypeID: "cordless-drill", Quantity: 1}},
		Operator:    "li.wei",
	})
	if err != nil {
		return err
	}
	if _, err := h.Manager.Decide(ctx, approved.ID, rental.DecisionRequest{Approve: true, Operator: scenarioOperator}); err != nil {
		return err
	}

	// Generator should have come back two days ago
	if _, err := h.bookAndPick(ctx, rental.CreateRequest{
		Requester:   "sam.kowalski",
		ProjectCode: "PRJ-EVENT",
		Purpose:     "Outdoor event power",
		Period:      rental.DateRange{Start: day(-10), End: day(-2)},
		Backfill:    true,
		Lines:       []rental.LineRequest{{ToolTypeID: "generator-5kw", Quantity: 1}},
		Operator:    "sam.kowalski",
	}); err != nil {
		return err
	}

	// Three harnesses wanted, two certified units on the shelf
	allow := true
	if _, err := h.Manager.CreateReservation(ctx, rental.CreateRequest{
		Requester:   "ana.ribeiro",
		ProjectCode: "PRJ-FACADE",
		Purpose:     "Facade inspection at height",
		Period:      rental.DateRange{Start: day(3), End: day(5)},
		Lines:       []rental.LineRequest{{ToolTypeID: "fall-harness", Quantity: 3, AllowDeficit: &allow}},
		Operator:    "ana.ribeiro",
	}); err != nil {
		return err
	}

	// A rejected request stays on record
	rejected, err := h.Manager.CreateReservation(ctx, rental.CreateRequest{
		Requester: "maria.santos",
		Period:    rental.DateRange{Start: day(14), End: day(21)},
		Lines:     []rental.LineRequest{{ToolTypeID: "ladder-3m", Quantity: 1}},
		Operator:  "maria.santos",
	})
	if err != nil {
		return err
	}
	if _, err := h.Manager.Decide(ctx, rejected.ID, rental.DecisionRequest{
		Reason:   "No project code given",
		Operator: scenarioOperator,
	}); err != nil {
		return err
	}

	if _, err := h.Manager.Sweep(ctx); err != nil {
		return err
	}
	logger.Info("busy week loaded", "active", active.Number)
	return nil
}

func (h *Handler) loadOfferDeskScenario(ctx context.Context) error {
	if err := h.loadToolCribScenario(ctx); err != nil {
		return err
	}
	today := rental.StartOfDay(h.clock.Now())

	offer, err := h.Manager.CreateReservation(ctx, rental.CreateRequest{
		Requester:   "northwind-builders",
		ProjectCode: "QUOTE-17",
		Purpose:     "Two-week renovation package",
		Period:      rental.DateRange{Start: today.AddDate(0, 0, 5), End: today.AddDate(0, 0, 19)},
		AsOffer:     true,
		Lines: []rental.LineRequest{
			{ToolTypeID: "cordless-drill", Quantity: 2},
			{ToolTypeID: "ladder-3m", Quantity: 1},
		},
		Operator: scenarioOperator,
	})
	if err != nil {
		return err
	}

	// A second offer is left open for the counter to convert
	if _, err := h.Manager.CreateReservation(ctx, rental.CreateRequest{
		Requester: "northwind-builders",
		Period:    rental.DateRange{Start: today.AddDate(0, 1, 0), End: today.AddDate(0, 1, 3)},
		AsOffer:   true,
		Lines:     []rental.LineRequest{{ToolTypeID: "generator-5kw", Quantity: 1}},
		Operator:  scenarioOperator,
	}); err != nil {
		return err
	}

	if _, err := h.Manager.CheckoutFromOffer(ctx, rental.CheckoutRequest{
		OfferNumber: offer.Number,
		Requester:   "northwind-builders",
		Period:      offer.Period,
		Operator:    scenarioOperator,
	}); err != nil {
		return err
	}

	_, err = h.Manager.KioskLend(ctx, rental.CreateRequest{
		Requester: "pat.nguyen",
		Period:    rental.DateRange{End: today.AddDate(0, 0, 1)},
		Lines:     []rental.LineRequest{{ToolTypeID: "fall-harness", Quantity: 1}},
	})
	return err
}

// bookAndPick creates, approves and hands out every unit of a reservation.
func (h *Handler) bookAndPick(ctx context.Context, req rental.CreateRequest) (*rental.Reservation, error) {
	res, err := h.Manager.CreateReservation(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, err := h.Manager.Decide(ctx, res.ID, rental.DecisionRequest{Approve: true, Operator: scenarioOperator}); err != nil {
		return nil, err
	}
	items := make([]rental.PickItem, len(res.Lines))
	for i, l := range res.Lines {
		items[i] = rental.PickItem{LineID: l.ID, PickedQuantity: l.Quantity}
	}
	out, err := h.Manager.MarkItemsForRental(ctx, res.ID, scenarioOperator, items)
	if err != nil {
		return nil, err
	}
	if len(out.Failed) > 0 {
		return nil, fmt.Errorf("pick %s line %s: %w", res.Number, out.Failed[0].LineID, out.Failed[0].Err)
	}
	return out.Reservation, nil
}
