/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Reservations:
    ReservationDTO, LineDTO, AllocationDTO, CreateReservationRequest

  Lifecycle commands:
    DecideRequest, PickRequest, ReceiveRequest, ExtendRequest,
    ReturnRequest, CancelRequest, OperatorRequest, CheckoutRequest

  Catalog:
    factory.ToolTypeJSON, InstanceDTO, AvailabilityDTO

  Journals:
    AuditEntryDTO, NotificationDTO

DATES:
  Requests accept "2006-01-02" or RFC 3339. Responses are RFC 3339 UTC.
  Money is a decimal string with two fractional digits.

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/rental-engine/rental"
)

// =============================================================================
// RESERVATIONS
// =============================================================================

// ReservationDTO represents a reservation or offer in API responses.
type ReservationDTO struct {
	ID              string       `json:"id"`
	Number          string       `json:"number"`
	Requester       string       `json:"requester"`
	ProjectCode     string       `json:"project_code,omitempty"`
	Purpose         string       `json:"purpose,omitempty"`
	Notes           string       `json:"notes,omitempty"`
	State           string       `json:"state"`
	Overdue         bool         `json:"overdue"`
	Start           string       `json:"start"`
	End             string       `json:"end"`
	Backfill        bool         `json:"backfill,omitempty"`
	SourceOffer     string       `json:"source_offer,omitempty"`
	ActualPickup    *string      `json:"actual_pickup,omitempty"`
	ActualReturn    *string      `json:"actual_return,omitempty"`
	ReturnCondition string       `json:"return_condition,omitempty"`
	TotalCost       string       `json:"total_cost"`
	Decision        *DecisionDTO `json:"decision,omitempty"`
	LossCharge      *string      `json:"loss_charge,omitempty"`
	Outstanding     int          `json:"outstanding_units"`
	Version         int          `json:"version"`
	CreatedAt       string       `json:"created_at"`
	UpdatedAt       string       `json:"updated_at"`
	Lines           []LineDTO    `json:"lines"`
}

// DecisionDTO records an approval or rejection.
type DecisionDTO struct {
	Approved bool   `json:"approved"`
	By       string `json:"by"`
	At       string `json:"at"`
	Reason   string `json:"reason,omitempty"`
}

// LineDTO represents one line with its frozen rate and units.
type LineDTO struct {
	ID             string          `json:"id"`
	ToolTypeID     string          `json:"tool_type_id"`
	Quantity       int             `json:"quantity"`
	LostQuantity   int             `json:"lost_quantity,omitempty"`
	Start          *string         `json:"start,omitempty"`
	End            *string         `json:"end,omitempty"`
	DailyRate      string          `json:"daily_rate"`
	PriceSource    string          `json:"price_source"`
	OfferNumber    string          `json:"offer_number,omitempty"`
	AssignmentMode string          `json:"assignment_mode"`
	AllowDeficit   bool            `json:"allow_deficit"`
	Deficits       int             `json:"deficits"`
	Cost           string          `json:"cost"`
	Allocations    []AllocationDTO `json:"allocations"`
}

// AllocationDTO represents one unit of a line.
type AllocationDTO struct {
	ID            string  `json:"id"`
	InstanceID    string  `json:"instance_id,omitempty"`
	Deficit       bool    `json:"deficit"`
	State         string  `json:"state"`
	Start         string  `json:"start"`
	End           string  `json:"end"`
	PickedAt      *string `json:"picked_at,omitempty"`
	ReturnedAt    *string `json:"returned_at,omitempty"`
	ReleasedAt    *string `json:"released_at,omitempty"`
	LostAt        *string `json:"lost_at,omitempty"`
	NotReturnedAt *string `json:"not_returned_at,omitempty"`
	Condition     string  `json:"condition,omitempty"`
	Notes         string  `json:"notes,omitempty"`
}

// CreateReservationRequest is the request to create a reservation, offer or
// kiosk loan.
type CreateReservationRequest struct {
	Requester   string           `json:"requester"`
	ProjectCode string           `json:"project_code"`
	Purpose     string           `json:"purpose"`
	Notes       string           `json:"notes"`
	Start       string           `json:"start"`
	End         string           `json:"end"`
	Backfill    bool             `json:"backfill"`
	Operator    string           `json:"operator"`
	Lines       []LineRequestDTO `json:"lines"`
}

// LineRequestDTO is one requested line.
type LineRequestDTO struct {
	ToolTypeID     string   `json:"tool_type_id"`
	Quantity       int      `json:"quantity"`
	AssignmentMode string   `json:"assignment_mode,omitempty"`
	AllowDeficit   *bool    `json:"allow_deficit,omitempty"`
	InstanceIDs    []string `json:"instance_ids,omitempty"`
	SerialNumbers  []string `json:"serial_numbers,omitempty"`
	Start          string   `json:"start,omitempty"`
	End            string   `json:"end,omitempty"`
}

// =============================================================================
// LIFECYCLE COMMANDS
// =============================================================================

// OperatorRequest carries only the acting operator.
type OperatorRequest struct {
	Operator string `json:"operator"`
}

// DecideRequest approves or rejects a pending reservation.
type DecideRequest struct {
	Approve  bool   `json:"approve"`
	Reason   string `json:"reason"`
	Operator string `json:"operator"`
}

// PickRequest hands out units.
type PickRequest struct {
	Operator string        `json:"operator"`
	Items    []PickItemDTO `json:"items"`
}

// PickItemDTO is one line of a pick.
type PickItemDTO struct {
	LineID         string   `json:"line_id"`
	PickedQuantity int      `json:"picked_quantity"`
	InstanceIDs    []string `json:"instance_ids,omitempty"`
	SerialInput    string   `json:"serial_input,omitempty"`
	Notes          string   `json:"notes,omitempty"`
}

// PickOutcomeDTO reports which lines were picked.
type PickOutcomeDTO struct {
	Reservation ReservationDTO   `json:"reservation"`
	Picked      int              `json:"picked"`
	Failed      []LineFailureDTO `json:"failed"`
}

// LineFailureDTO is one rejected line.
type LineFailureDTO struct {
	LineID string `json:"line_id"`
	Code   string `json:"code"`
	Error  string `json:"error"`
}

// ReceiveRequest takes units back line by line.
type ReceiveRequest struct {
	Operator string           `json:"operator"`
	Items    []ReceiveItemDTO `json:"items"`
}

// ReceiveItemDTO is one line of a receipt.
type ReceiveItemDTO struct {
	LineID              string   `json:"line_id"`
	ReturnedQuantity    int      `json:"returned_quantity"`
	NotReturnedQuantity int      `json:"not_returned_quantity"`
	InstanceIDs         []string `json:"instance_ids,omitempty"`
	SerialInput         string   `json:"serial_input,omitempty"`
	Condition           string   `json:"condition,omitempty"`
	Notes               string   `json:"notes,omitempty"`
}

// ExtendRequest moves the end date.
type ExtendRequest struct {
	NewEnd   string `json:"new_end"`
	Operator string `json:"operator"`
}

// ReturnRequest returns every picked unit.
type ReturnRequest struct {
	Condition string `json:"condition"`
	Notes     string `json:"notes"`
	Operator  string `json:"operator"`
}

// CancelRequest cancels with a reason.
type CancelRequest struct {
	Reason   string `json:"reason"`
	Operator string `json:"operator"`
}

// CheckoutRequest converts an offer into a reservation.
type CheckoutRequest struct {
	Requester   string `json:"requester"`
	ProjectCode string `json:"project_code"`
	Start       string `json:"start"`
	End         string `json:"end"`
	Notes       string `json:"notes"`
	Operator    string `json:"operator"`
}

// =============================================================================
// CATALOG, AVAILABILITY, COST
// =============================================================================

// InstanceDTO represents one physical unit.
type InstanceDTO struct {
	ID                string  `json:"id"`
	ToolTypeID        string  `json:"tool_type_id"`
	SerialNumber      string  `json:"serial_number,omitempty"`
	Status            string  `json:"status"`
	Location          string  `json:"location,omitempty"`
	Condition         string  `json:"condition,omitempty"`
	LastCertification *string `json:"last_certification,omitempty"`
	NextCertification *string `json:"next_certification,omitempty"`
}

// AvailabilityDTO answers an availability query.
type AvailabilityDTO struct {
	ToolTypeID  string             `json:"tool_type_id"`
	Start       string             `json:"start"`
	End         string             `json:"end"`
	Requested   int                `json:"requested"`
	Available   int                `json:"available"`
	Shortfall   int                `json:"shortfall"`
	InstanceIDs []string           `json:"instance_ids"`
	Ineligible  []IneligibilityDTO `json:"ineligible,omitempty"`
}

// IneligibilityDTO explains a filtered instance.
type IneligibilityDTO struct {
	InstanceID string `json:"instance_id"`
	Reason     string `json:"reason"`
}

// CostBreakdownDTO itemizes a reservation's cost.
type CostBreakdownDTO struct {
	ReservationID string          `json:"reservation_id"`
	Total         string          `json:"total"`
	LossCharge    string          `json:"loss_charge"`
	Lines         []LineChargeDTO `json:"lines"`
}

// LineChargeDTO is one line of a breakdown.
type LineChargeDTO struct {
	LineID     string          `json:"line_id"`
	ToolTypeID string          `json:"tool_type_id"`
	DailyRate  string          `json:"daily_rate"`
	Quantity   int             `json:"quantity"`
	Deficit    int             `json:"deficit"`
	Cost       string          `json:"cost"`
	Units      []UnitChargeDTO `json:"units"`
}

// UnitChargeDTO is one unit's charge.
type UnitChargeDTO struct {
	AllocationID string `json:"allocation_id"`
	InstanceID   string `json:"instance_id,omitempty"`
	State        string `json:"state"`
	Deficit      bool   `json:"deficit"`
	Days         int    `json:"days"`
	Cost         string `json:"cost"`
}

// =============================================================================
// JOURNALS
// =============================================================================

// AuditEntryDTO represents one audit record.
type AuditEntryDTO struct {
	ID            string         `json:"id"`
	Timestamp     string         `json:"timestamp"`
	ActorID       string         `json:"actor_id"`
	Action        string         `json:"action"`
	ReservationID string         `json:"reservation_id"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// NotificationDTO represents a queued notification.
type NotificationDTO struct {
	ID            string `json:"id"`
	ReservationID string `json:"reservation_id"`
	Kind          string `json:"kind"`
	Recipient     string `json:"recipient"`
	Message       string `json:"message"`
	CreatedAt     string `json:"created_at"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toReservationDTO(r *rental.Reservation, now time.Time) ReservationDTO {
	dto := ReservationDTO{
		ID:              string(r.ID),
		Number:          r.Number,
		Requester:       r.Requester,
		ProjectCode:     r.ProjectCode,
		Purpose:         r.Purpose,
		Notes:           r.Notes,
		State:           string(r.State),
		Overdue:         r.EffectiveState(now) == rental.StateOverdue,
		Start:           formatTime(r.Period.Start),
		End:             formatTime(r.Period.End),
		Backfill:        r.Backfill,
		SourceOffer:     r.SourceOffer,
		ActualPickup:    formatTimePtr(r.ActualPickup),
		ActualReturn:    formatTimePtr(r.ActualReturn),
		ReturnCondition: string(r.ReturnCondition),
		TotalCost:       money(r.TotalCost),
		Outstanding:     r.Outstanding(),
		Version:         r.Version,
		CreatedAt:       formatTime(r.CreatedAt),
		UpdatedAt:       formatTime(r.UpdatedAt),
		Lines:           make([]LineDTO, len(r.Lines)),
	}
	if r.Decision != nil {
		dto.Decision = &DecisionDTO{
			Approved: r.Decision.Approved,
			By:       r.Decision.By,
			At:       formatTime(r.Decision.At),
			Reason:   r.Decision.Reason,
		}
	}
	if r.Loss != nil {
		v := money(r.Loss.Amount)
		dto.LossCharge = &v
	}
	for i := range r.Lines {
		dto.Lines[i] = toLineDTO(&r.Lines[i])
	}
	return dto
}

func toLineDTO(l *rental.Line) LineDTO {
	dto := LineDTO{
		ID:             string(l.ID),
		ToolTypeID:     string(l.ToolTypeID),
		Quantity:       l.Quantity,
		LostQuantity:   l.LostQuantity,
		DailyRate:      money(l.Snapshot.DailyRate),
		PriceSource:    string(l.Snapshot.Source),
		OfferNumber:    l.Snapshot.OfferNumber,
		AssignmentMode: string(l.AssignmentMode),
		AllowDeficit:   l.AllowDeficit,
		Deficits:       l.Deficits(),
		Cost:           money(l.Cost),
		Allocations:    make([]AllocationDTO, len(l.Allocations)),
	}
	if l.Period != nil {
		dto.Start = formatTimePtr(&l.Period.Start)
		dto.End = formatTimePtr(&l.Period.End)
	}
	for i, a := range l.Allocations {
		dto.Allocations[i] = AllocationDTO{
			ID:            string(a.ID),
			InstanceID:    string(a.InstanceID),
			Deficit:       a.Deficit,
			State:         string(a.State),
			Start:         formatTime(a.Period.Start),
			End:           formatTime(a.Period.End),
			PickedAt:      formatTimePtr(a.PickedAt),
			ReturnedAt:    formatTimePtr(a.ReturnedAt),
			ReleasedAt:    formatTimePtr(a.ReleasedAt),
			LostAt:        formatTimePtr(a.LostAt),
			NotReturnedAt: formatTimePtr(a.NotReturnedAt),
			Condition:     string(a.Condition),
			Notes:         a.Notes,
		}
	}
	return dto
}

func toInstanceDTO(inst rental.ToolInstance) InstanceDTO {
	return InstanceDTO{
		ID:                string(inst.ID),
		ToolTypeID:        string(inst.ToolTypeID),
		SerialNumber:      inst.SerialNumber,
		Status:            string(inst.Status),
		Location:          inst.Location,
		Condition:         string(inst.Condition),
		LastCertification: formatDatePtr(inst.LastCertification),
		NextCertification: formatDatePtr(inst.NextCertification),
	}
}

func toAvailabilityDTO(res *rental.AvailabilityResult) AvailabilityDTO {
	dto := AvailabilityDTO{
		ToolTypeID:  string(res.ToolTypeID),
		Start:       formatTime(res.Period.Start),
		End:         formatTime(res.Period.End),
		Requested:   res.Requested,
		Available:   res.EligibleCount,
		Shortfall:   res.Shortfall,
		InstanceIDs: make([]string, len(res.Instances)),
	}
	for i, inst := range res.Instances {
		dto.InstanceIDs[i] = string(inst.ID)
	}
	for _, in := range res.Ineligible {
		dto.Ineligible = append(dto.Ineligible, IneligibilityDTO{InstanceID: string(in.InstanceID), Reason: in.Reason})
	}
	return dto
}

func toCostBreakdownDTO(b *rental.CostBreakdown) CostBreakdownDTO {
	dto := CostBreakdownDTO{
		ReservationID: string(b.ReservationID),
		Total:         money(b.Total),
		LossCharge:    money(b.LossCharge),
		Lines:         make([]LineChargeDTO, len(b.Lines)),
	}
	for i, l := range b.Lines {
		lc := LineChargeDTO{
			LineID:     string(l.LineID),
			ToolTypeID: string(l.ToolTypeID),
			DailyRate:  money(l.DailyRate),
			Quantity:   l.Quantity,
			Deficit:    l.Deficit,
			Cost:       money(l.Cost),
			Units:      make([]UnitChargeDTO, len(l.Units)),
		}
		for j, u := range l.Units {
			lc.Units[j] = UnitChargeDTO{
				AllocationID: string(u.AllocationID),
				InstanceID:   string(u.InstanceID),
				State:        string(u.State),
				Deficit:      u.Deficit,
				Days:         u.Days,
				Cost:         money(u.Cost),
			}
		}
		dto.Lines[i] = lc
	}
	return dto
}

func toAuditEntryDTO(e rental.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:            e.ID,
		Timestamp:     formatTime(e.Timestamp),
		ActorID:       e.ActorID,
		Action:        string(e.Action),
		ReservationID: string(e.ReservationID),
		Payload:       e.Payload,
	}
}

func toNotificationDTO(n rental.Notification) NotificationDTO {
	return NotificationDTO{
		ID:            n.ID,
		ReservationID: string(n.ReservationID),
		Kind:          string(n.Kind),
		Recipient:     n.Recipient,
		Message:       n.Message,
		CreatedAt:     formatTime(n.CreatedAt),
	}
}

// toLineRequest converts a requested line. Line dates are optional.
func (l LineRequestDTO) toLineRequest(i int) (rental.LineRequest, error) {
	lr := rental.LineRequest{
		ToolTypeID:     rental.ToolTypeID(l.ToolTypeID),
		Quantity:       l.Quantity,
		AssignmentMode: rental.AssignmentMode(l.AssignmentMode),
		AllowDeficit:   l.AllowDeficit,
		SerialNumbers:  l.SerialNumbers,
	}
	for _, id := range l.InstanceIDs {
		lr.InstanceIDs = append(lr.InstanceIDs, rental.InstanceID(id))
	}
	if l.Start != "" || l.End != "" {
		period, err := parsePeriod(l.Start, l.End, fmt.Sprintf("lines[%d]", i))
		if err != nil {
			return rental.LineRequest{}, err
		}
		lr.Period = &period
	}
	return lr, nil
}

func (req CreateReservationRequest) toCreateRequest() (rental.CreateRequest, error) {
	period, err := parsePeriod(req.Start, req.End, "period")
	if err != nil {
		return rental.CreateRequest{}, err
	}
	out := rental.CreateRequest{
		Requester:   req.Requester,
		ProjectCode: req.ProjectCode,
		Purpose:     req.Purpose,
		Notes:       req.Notes,
		Period:      period,
		Backfill:    req.Backfill,
		Operator:    req.Operator,
	}
	for i, l := range req.Lines {
		lr, err := l.toLineRequest(i)
		if err != nil {
			return rental.CreateRequest{}, err
		}
		out.Lines = append(out.Lines, lr)
	}
	return out, nil
}

// =============================================================================
// FORMATTING
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func formatDatePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format("2006-01-02")
	return &s
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// parseTime accepts a calendar date or an RFC 3339 timestamp.
func parseTime(s, field string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, &rental.ValidationError{Field: field, Reason: "expected YYYY-MM-DD or RFC 3339"}
	}
	return t.UTC(), nil
}

func parsePeriod(start, end, field string) (rental.DateRange, error) {
	if start == "" || end == "" {
		return rental.DateRange{}, &rental.ValidationError{Field: field, Reason: "start and end are required"}
	}
	s, err := parseTime(start, field+".start")
	if err != nil {
		return rental.DateRange{}, err
	}
	e, err := parseTime(end, field+".end")
	if err != nil {
		return rental.DateRange{}, err
	}
	return rental.NewDateRange(s, e)
}
