/*
handlers.go - HTTP API handlers for the rental engine

PURPOSE:
  Exposes the reservation lifecycle via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to rental.Manager.

ENDPOINTS:
  Reservations:
    POST   /api/reservations                          Create (Pending)
    GET    /api/reservations                          List (?state=&requester=&ending_before=)
    GET    /api/reservations/{id}                     Get one
    GET    /api/reservations/by-number/{number}       Get by RNT-nnn
    GET    /api/reservations/{id}/cost                Itemized cost
    POST   /api/reservations/{id}/submit              Draft -> Pending
    POST   /api/reservations/{id}/decide              Approve / reject
    POST   /api/reservations/{id}/mark-items-for-rental
    POST   /api/reservations/{id}/receive-marked-items
    POST   /api/reservations/{id}/extend
    POST   /api/reservations/{id}/force-extend
    POST   /api/reservations/{id}/return
    POST   /api/reservations/{id}/force-return
    POST   /api/reservations/{id}/cancel
    POST   /api/reservations/{id}/close
    POST   /api/reservations/{id}/mark-lost
    POST   /api/reservations/{id}/resolve-deficits

  Offers and kiosk:
    POST   /api/offers                                Create a priced offer
    GET    /api/offers/{number}                       Get an offer
    POST   /api/offers/{number}/checkout              Offer -> reservation
    POST   /api/kiosk/lend                            Create + approve + pick

  Catalog and availability:
    GET    /api/availability                          ?tool_type_id=&start=&end=&quantity=
    GET    /api/catalog/tool-types                    List tool types
    POST   /api/catalog/tool-types                    Create/update one (with stock)
    POST   /api/catalog/import                        Import a JSON or YAML catalog
    GET    /api/catalog/instances                     ?tool_type_id=
    POST   /api/catalog/instances                     Create/update one unit

  Journals and admin:
    GET    /api/notifications/pending                 ?reservation_id=&kind=
    GET    /api/audit                                 ?reservation_id=&actor=&action=&limit=
    POST   /api/admin/sweep                           Run the due-soon/overdue sweep now

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Manager: the only writer of reservations
  - Store: catalog writes and demo resets
  - Catalog: document to catalog conversion

REQUEST FLOW:
  1. Parse HTTP request
  2. Convert DTO to engine request
  3. Call rental.Manager
  4. Serialize response
  5. Map engine errors to HTTP status

ERROR HANDLING:
  Errors are returned as JSON {error, code, details}:
  - 400: validation_error
  - 404: not_found
  - 409: state_conflict, instance_unavailable, no_capacity
  - 422: quantity_exceeded
  - 503: concurrency_conflict (retry)
  - 500: Internal errors

SECURITY NOTE:
  No authentication. Operator ids are taken from request bodies as given.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/rental-engine/factory"
	"github.com/warp/rental-engine/logger"
	"github.com/warp/rental-engine/rental"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is what the handlers need beyond the Manager.
type Store interface {
	rental.TxStore

	// Reset clears all data (for demo scenarios).
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Manager *rental.Manager
	Store   Store
	Catalog *factory.CatalogFactory

	clock rental.Clock

	// Track currently loaded scenario
	mu              sync.RWMutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(mgr *rental.Manager, store Store, clock rental.Clock) *Handler {
	if clock == nil {
		clock = rental.SystemClock{}
	}
	return &Handler{
		Manager: mgr,
		Store:   store,
		Catalog: factory.NewCatalogFactory(clock.Now()),
		clock:   clock,
	}
}

// =============================================================================
// RESERVATION HANDLERS
// =============================================================================

// CreateReservation creates a Pending reservation with allocated units.
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req CreateReservationRequest
	if !decode(w, r, &req) {
		return
	}
	cr, err := req.toCreateRequest()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	res, err := h.Manager.CreateReservation(r.Context(), cr)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.reservationDTO(res))
}

// ListReservations lists reservations. state accepts a comma-separated list
// and includes the derived "overdue".
func (h *Handler) ListReservations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := rental.ReservationFilter{Requester: q.Get("requester")}
	if states := q.Get("state"); states != "" {
		for _, s := range strings.Split(states, ",") {
			st, err := rental.ParseState(strings.TrimSpace(s))
			if err != nil {
				writeEngineError(w, err)
				return
			}
			filter.States = append(filter.States, st)
		}
	}
	if before := q.Get("ending_before"); before != "" {
		t, err := parseTime(before, "ending_before")
		if err != nil {
			writeEngineError(w, err)
			return
		}
		filter.EndingBefore = &t
	}

	list, err := h.Manager.ListReservations(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]ReservationDTO, len(list))
	for i, res := range list {
		dtos[i] = h.reservationDTO(res)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetReservation returns one reservation.
func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.Manager.GetReservation(r.Context(), reservationID(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.reservationDTO(res))
}

// GetReservationByNumber returns a reservation by its human number.
func (h *Handler) GetReservationByNumber(w http.ResponseWriter, r *http.Request) {
	res, err := h.Manager.GetReservationByNumber(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.reservationDTO(res))
}

// GetCost returns the itemized cost.
func (h *Handler) GetCost(w http.ResponseWriter, r *http.Request) {
	b, err := h.Manager.CostBreakdown(r.Context(), reservationID(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCostBreakdownDTO(b))
}

// Submit turns a Draft into a Pending reservation.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req OperatorRequest
	if !decode(w, r, &req) {
		return
	}
	h.respond(w, http.StatusOK)(h.Manager.Submit(r.Context(), reservationID(r), req.Operator))
}

// Decide approves or rejects a Pending reservation.
func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	var req DecideRequest
	if !decode(w, r, &req) {
		return
	}
	h.respond(w, http.StatusOK)(h.Manager.Decide(r.Context(), reservationID(r), rental.DecisionRequest{
		Approve:  req.Approve,
		Reason:   req.Reason,
		Operator: req.Operator,
	}))
}

// MarkItemsForRental hands out units. Lines fail independently; the
// response lists failures alongside the updated reservation.
func (h *Handler) MarkItemsForRental(w http.ResponseWriter, r *http.Request) {
	var req PickRequest
	if !decode(w, r, &req) {
		return
	}
	items := make([]rental.PickItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = rental.PickItem{
			LineID:         rental.LineID(it.LineID),
			PickedQuantity: it.PickedQuantity,
			InstanceIDs:    instanceIDs(it.InstanceIDs),
			SerialInput:    it.SerialInput,
			Notes:          it.Notes,
		}
	}
	out, err := h.Manager.MarkItemsForRental(r.Context(), reservationID(r), req.Operator, items)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	dto := PickOutcomeDTO{
		Reservation: h.reservationDTO(out.Reservation),
		Picked:      out.Picked,
		Failed:      make([]LineFailureDTO, len(out.Failed)),
	}
	for i, f := range out.Failed {
		dto.Failed[i] = LineFailureDTO{LineID: string(f.LineID), Code: rental.Code(f.Err), Error: f.Err.Error()}
	}
	status := http.StatusOK
	if out.Picked == 0 {
		// Every line failed; nothing was committed.
		status = http.StatusConflict
	}
	writeJSON(w, status, dto)
}

// ReceiveMarkedItems takes units back line by line.
func (h *Handler) ReceiveMarkedItems(w http.ResponseWriter, r *http.Request) {
	var req ReceiveRequest
	if !decode(w, r, &req) {
		return
	}
	items := make([]rental.ReceiveItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = rental.ReceiveItem{
			LineID:              rental.LineID(it.LineID),
			ReturnedQuantity:    it.ReturnedQuantity,
			NotReturnedQuantity: it.NotReturnedQuantity,
			InstanceIDs:         instanceIDs(it.InstanceIDs),
			SerialInput:         it.SerialInput,
			Condition:           rental.Condition(it.Condition),
			Notes:               it.Notes,
		}
	}
	h.respond(w, http.StatusOK)(h.Manager.ReceiveMarkedItems(r.Context(), reservationID(r), req.Operator, items))
}

// Extend moves the end date after checking conflicts and certification.
func (h *Handler) Extend(w http.ResponseWriter, r *http.Request) {
	h.extend(w, r, h.Manager.Extend)
}

// ForceExtend moves the end date checking conflicts only.
func (h *Handler) ForceExtend(w http.ResponseWriter, r *http.Request) {
	h.extend(w, r, h.Manager.ForceExtend)
}

func (h *Handler) extend(w http.ResponseWriter, r *http.Request, fn func(context.Context, rental.ReservationID, time.Time, string) (*rental.Reservation, error)) {
	var req ExtendRequest
	if !decode(w, r, &req) {
		return
	}
	newEnd, err := parseTime(req.NewEnd, "new_end")
	if err != nil {
		writeEngineError(w, err)
		return
	}
	h.respond(w, http.StatusOK)(fn(r.Context(), reservationID(r), newEnd, req.Operator))
}

// Return takes every picked unit back.
func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	h.returnAll(w, r, h.Manager.Return)
}

// ForceReturn returns whatever is out; with nothing picked it cancels.
func (h *Handler) ForceReturn(w http.ResponseWriter, r *http.Request) {
	h.returnAll(w, r, h.Manager.ForceReturn)
}

func (h *Handler) returnAll(w http.ResponseWriter, r *http.Request, fn func(context.Context, rental.ReservationID, rental.ReturnRequest) (*rental.Reservation, error)) {
	var req ReturnRequest
	if !decode(w, r, &req) {
		return
	}
	h.respond(w, http.StatusOK)(fn(r.Context(), reservationID(r), rental.ReturnRequest{
		Condition: rental.Condition(req.Condition),
		Notes:     req.Notes,
		Operator:  req.Operator,
	}))
}

// Cancel cancels a reservation and releases its units.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !decode(w, r, &req) {
		return
	}
	h.respond(w, http.StatusOK)(h.Manager.Cancel(r.Context(), reservationID(r), req.Reason, req.Operator))
}

// Close closes a Returned reservation.
func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	var req OperatorRequest
	if !decode(w, r, &req) {
		return
	}
	h.respond(w, http.StatusOK)(h.Manager.Close(r.Context(), reservationID(r), req.Operator))
}

// MarkLost writes off units past the grace period.
func (h *Handler) MarkLost(w http.ResponseWriter, r *http.Request) {
	var req OperatorRequest
	if !decode(w, r, &req) {
		return
	}
	h.respond(w, http.StatusOK)(h.Manager.MarkLost(r.Context(), reservationID(r), req.Operator))
}

// ResolveDeficits binds free instances to deficit markers.
func (h *Handler) ResolveDeficits(w http.ResponseWriter, r *http.Request) {
	var req OperatorRequest
	if !decode(w, r, &req) {
		return
	}
	h.respond(w, http.StatusOK)(h.Manager.ResolveDeficits(r.Context(), reservationID(r), req.Operator))
}

// =============================================================================
// OFFER AND KIOSK HANDLERS
// =============================================================================

// CreateOffer prices a request without holding units.
func (h *Handler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	var req CreateReservationRequest
	if !decode(w, r, &req) {
		return
	}
	cr, err := req.toCreateRequest()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	cr.AsOffer = true
	h.respond(w, http.StatusCreated)(h.Manager.CreateReservation(r.Context(), cr))
}

// GetOffer returns an offer by number.
func (h *Handler) GetOffer(w http.ResponseWriter, r *http.Request) {
	res, err := h.Manager.GetReservationByNumber(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.reservationDTO(res))
}

// CheckoutOffer converts an offer into a Pending reservation at the quoted
// rates.
func (h *Handler) CheckoutOffer(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if !decode(w, r, &req) {
		return
	}
	period, err := parsePeriod(req.Start, req.End, "period")
	if err != nil {
		writeEngineError(w, err)
		return
	}
	h.respond(w, http.StatusCreated)(h.Manager.CheckoutFromOffer(r.Context(), rental.CheckoutRequest{
		OfferNumber: chi.URLParam(r, "number"),
		Requester:   req.Requester,
		ProjectCode: req.ProjectCode,
		Period:      period,
		Notes:       req.Notes,
		Operator:    req.Operator,
	}))
}

// KioskLend creates, approves and hands out in one step. start defaults to
// now.
func (h *Handler) KioskLend(w http.ResponseWriter, r *http.Request) {
	var req CreateReservationRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Start == "" {
		req.Start = formatTime(h.clock.Now())
	}
	cr, err := req.toCreateRequest()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	h.respond(w, http.StatusCreated)(h.Manager.KioskLend(r.Context(), cr))
}

// =============================================================================
// CATALOG AND AVAILABILITY HANDLERS
// =============================================================================

// QueryAvailability reports free instances of one type over a range.
func (h *Handler) QueryAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	typeID := q.Get("tool_type_id")
	if typeID == "" {
		writeEngineError(w, &rental.ValidationError{Field: "tool_type_id", Reason: "required"})
		return
	}
	period, err := parsePeriod(q.Get("start"), q.Get("end"), "period")
	if err != nil {
		writeEngineError(w, err)
		return
	}
	quantity := 1
	if s := q.Get("quantity"); s != "" {
		if quantity, err = strconv.Atoi(s); err != nil || quantity <= 0 {
			writeEngineError(w, &rental.ValidationError{Field: "quantity", Reason: "must be a positive integer"})
			return
		}
	}
	res, err := h.Manager.QueryAvailability(r.Context(), rental.ToolTypeID(typeID), period, quantity)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAvailabilityDTO(res))
}

// ListToolTypes returns the catalog.
func (h *Handler) ListToolTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.Store.ListToolTypes(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]factory.ToolTypeJSON, len(types))
	for i, tt := range types {
		dtos[i] = h.Catalog.ToJSON(tt)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateToolType creates or updates one tool type, with optional stock.
// Rate changes never touch existing reservations.
func (h *Handler) CreateToolType(w http.ResponseWriter, r *http.Request) {
	var req factory.ToolTypeJSON
	if !decode(w, r, &req) {
		return
	}
	catalog, err := h.Catalog.FromJSON(factory.CatalogJSON{ToolTypes: []factory.ToolTypeJSON{req}})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if err := h.Catalog.Apply(r.Context(), h.Store, catalog); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.Catalog.ToJSON(catalog.ToolTypes[0]))
}

// ImportCatalog loads a JSON or YAML catalog document.
func (h *Handler) ImportCatalog(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	catalog, err := h.Catalog.Parse(data)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if err := h.Catalog.Apply(r.Context(), h.Store, catalog); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"tool_types": len(catalog.ToolTypes),
		"instances":  len(catalog.Instances),
	})
}

// ListInstances lists units, optionally of one type.
func (h *Handler) ListInstances(w http.ResponseWriter, r *http.Request) {
	list, err := h.Store.ListInstances(r.Context(), rental.ToolTypeID(r.URL.Query().Get("tool_type_id")))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]InstanceDTO, len(list))
	for i, inst := range list {
		dtos[i] = toInstanceDTO(inst)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateInstance creates or updates one unit of an existing tool type.
func (h *Handler) CreateInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ToolTypeID string `json:"tool_type_id"`
		factory.InstanceJSON
	}
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	tt, err := h.Store.GetToolType(ctx, rental.ToolTypeID(req.ToolTypeID))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	inst, err := h.Catalog.Instance(tt, req.InstanceJSON)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if err := h.Store.SaveInstance(ctx, inst); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInstanceDTO(inst))
}

// =============================================================================
// JOURNAL AND ADMIN HANDLERS
// =============================================================================

// ListPendingNotifications returns queued notifications for the external
// sender.
func (h *Handler) ListPendingNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter rental.NotificationFilter
	if id := q.Get("reservation_id"); id != "" {
		rid := rental.ReservationID(id)
		filter.ReservationID = &rid
	}
	if kind := q.Get("kind"); kind != "" {
		filter.Kinds = []rental.NotificationKind{rental.NotificationKind(kind)}
	}
	list, err := h.Manager.ListNotifications(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]NotificationDTO, len(list))
	for i, n := range list {
		dtos[i] = toNotificationDTO(n)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListAudit returns audit entries, oldest first.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter rental.AuditFilter
	if id := q.Get("reservation_id"); id != "" {
		rid := rental.ReservationID(id)
		filter.ReservationID = &rid
	}
	if actor := q.Get("actor"); actor != "" {
		filter.ActorID = &actor
	}
	if action := q.Get("action"); action != "" {
		filter.Actions = []rental.AuditAction{rental.AuditAction(action)}
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeEngineError(w, &rental.ValidationError{Field: "limit", Reason: "must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}
	list, err := h.Manager.ListAudit(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]AuditEntryDTO, len(list))
	for i, e := range list {
		dtos[i] = toAuditEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// TriggerSweep runs the due-soon/overdue sweep immediately.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.Manager.Sweep(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"due_soon": res.DueSoon, "overdue": res.Overdue})
}

// Health reports liveness and, when the store supports it, database
// reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Database unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps engine error categories to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	code := rental.Code(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, rental.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, rental.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, rental.ErrStateConflict),
		errors.Is(err, rental.ErrInstanceUnavailable),
		errors.Is(err, rental.ErrNoCapacity):
		status = http.StatusConflict
	case errors.Is(err, rental.ErrQuantityExceeded):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, rental.ErrConcurrencyConflict):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
		writeJSON(w, status, ErrorResponse{Error: "Internal error", Code: code})
		return
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

// respond writes a reservation or the engine error.
func (h *Handler) respond(w http.ResponseWriter, status int) func(*rental.Reservation, error) {
	return func(res *rental.Reservation, err error) {
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, status, h.reservationDTO(res))
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func (h *Handler) reservationDTO(r *rental.Reservation) ReservationDTO {
	return toReservationDTO(r, h.clock.Now())
}

func reservationID(r *http.Request) rental.ReservationID {
	return rental.ReservationID(chi.URLParam(r, "id"))
}

func instanceIDs(ids []string) []rental.InstanceID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]rental.InstanceID, len(ids))
	for i, id := range ids {
		out[i] = rental.InstanceID(id)
	}
	return out
}
