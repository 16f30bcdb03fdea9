package http

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-admission/internal/admission"
	"github.com/robertarktes/ticket-admission/internal/domain"
	"github.com/robertarktes/ticket-admission/internal/ledger"
)

type scanRequest struct {
	Code       string                 `json:"code"`
	EventID    *uuid.UUID             `json:"eventId,omitempty"`
	EntryCount *int                   `json:"entryCount,omitempty"`
	Location   string                 `json:"location,omitempty"`
	DeviceInfo map[string]interface{} `json:"deviceInfo,omitempty"`
	Geo        *geoPoint              `json:"geo,omitempty"`
}

type geoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (g geoPoint) valid() bool {
	return g.Lat >= -90 && g.Lat <= 90 && g.Lng >= -180 && g.Lng <= 180
}

// location folds the coordinates into the free-text location.
func (s scanRequest) location() string {
	if s.Geo == nil {
		return s.Location
	}
	coords := fmt.Sprintf("%.6f,%.6f", s.Geo.Lat, s.Geo.Lng)
	if s.Location == "" {
		return coords
	}
	return s.Location + " (" + coords + ")"
}

type ticketView struct {
	ID               uuid.UUID  `json:"id"`
	TicketNumber     string     `json:"ticketNumber,omitempty"`
	Status           string     `json:"status"`
	BuyerName        string     `json:"buyerName,omitempty"`
	TotalEntries     *int       `json:"totalEntries,omitempty"`
	UsedEntries      *int       `json:"usedEntries,omitempty"`
	RemainingEntries *int       `json:"remainingEntries,omitempty"`
	ValidatedAt      *time.Time `json:"validatedAt,omitempty"`
}

func ticketViewOf(t *domain.Ticket, c ledger.Consumption) *ticketView {
	if t == nil {
		return nil
	}
	v := &ticketView{
		ID:           t.ID,
		TicketNumber: t.TicketNumber,
		Status:       string(t.Status),
		BuyerName:    t.BuyerName,
		ValidatedAt:  t.ValidatedAt,
	}
	if c.Total > 0 {
		v.TotalEntries, v.UsedEntries, v.RemainingEntries = &c.Total, &c.Used, &c.Remaining
	}
	return v
}

type eventView struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	Location  string     `json:"location,omitempty"`
	StartDate time.Time  `json:"startDate"`
	EndDate   *time.Time `json:"endDate,omitempty"`
}

func eventViewOf(ev *domain.Event) *eventView {
	if ev == nil {
		return nil
	}
	v := &eventView{ID: ev.ID, Name: ev.Name, Location: ev.Location, StartDate: ev.StartDate}
	if !ev.EndDate.IsZero() {
		end := ev.EndDate
		v.EndDate = &end
	}
	return v
}

type lastValidationView struct {
	ValidatedAt   time.Time `json:"validatedAt"`
	ValidatorID   string    `json:"validatorId"`
	ValidatorName string    `json:"validatorName,omitempty"`
	Location      string    `json:"location,omitempty"`
}

func lastValidationOf(e *domain.ValidationLogEntry) *lastValidationView {
	if e == nil {
		return nil
	}
	return &lastValidationView{
		ValidatedAt:   e.ValidatedAt,
		ValidatorID:   e.ValidatorID,
		ValidatorName: e.ValidatorName,
		Location:      e.Location,
	}
}

type scanResponse struct {
	Success           bool                `json:"success"`
	Result            domain.Outcome      `json:"result"`
	Message           string              `json:"message"`
	ScanID            uuid.UUID           `json:"scanId"`
	Ticket            *ticketView         `json:"ticket,omitempty"`
	Event             *eventView          `json:"event,omitempty"`
	ValidatedCount    int                 `json:"validatedCount,omitempty"`
	ValidatedAt       *time.Time          `json:"validatedAt,omitempty"`
	ValidatedBy       string              `json:"validatedBy,omitempty"`
	Requested         int                 `json:"requested,omitempty"`
	LastValidation    *lastValidationView `json:"lastValidation,omitempty"`
	RetryAfterSeconds int                 `json:"retryAfterSeconds,omitempty"`
	Flags             []string            `json:"flags,omitempty"`
}

// scanResponseOf renders a result. Server errors carry the generic message
// only.
func scanResponseOf(res admission.Result) scanResponse {
	out := scanResponse{
		Success: res.Success(),
		Result:  res.Outcome,
		Message: res.Message,
		ScanID:  res.ScanID,
		Flags:   res.Flags,
	}
	if res.Outcome == domain.OutcomeServerError {
		return out
	}
	out.Ticket = ticketViewOf(res.Ticket, res.Consumption)
	out.Event = eventViewOf(res.Event)
	out.LastValidation = lastValidationOf(res.LastSuccess)
	if res.Success() {
		at := res.ValidatedAt
		out.ValidatedCount = res.Admitted
		out.ValidatedAt = &at
		out.ValidatedBy = res.ValidatedBy
	} else {
		out.Requested = res.Requested
	}
	if res.RetryAfter > 0 {
		out.RetryAfterSeconds = int(res.RetryAfter.Seconds())
	}
	return out
}

type inspectResponse struct {
	Success        bool                `json:"success"`
	Ticket         *ticketView         `json:"ticket"`
	Event          *eventView          `json:"event,omitempty"`
	LastValidation *lastValidationView `json:"lastValidation,omitempty"`
}

func inspectResponseOf(ins admission.Inspection) inspectResponse {
	return inspectResponse{
		Success:        true,
		Ticket:         ticketViewOf(&ins.Ticket, ins.Consumption),
		Event:          eventViewOf(ins.Event),
		LastValidation: lastValidationOf(ins.LastSuccess),
	}
}

type attemptView struct {
	ID             uuid.UUID              `json:"id"`
	ScanID         uuid.UUID              `json:"scanId"`
	TicketID       *uuid.UUID             `json:"ticketId,omitempty"`
	EventID        *uuid.UUID             `json:"eventId,omitempty"`
	ValidatorID    string                 `json:"validatorId"`
	ValidatorName  string                 `json:"validatorName,omitempty"`
	IsValid        bool                   `json:"isValid"`
	Result         domain.Outcome         `json:"result"`
	Code           string                 `json:"code"`
	Location       string                 `json:"location,omitempty"`
	DeviceInfo     map[string]interface{} `json:"deviceInfo,omitempty"`
	IPAddress      string                 `json:"ipAddress,omitempty"`
	AttemptNumber  int                    `json:"attemptNumber"`
	EntrySequence  int                    `json:"entrySequence,omitempty"`
	DurationMillis int64                  `json:"durationMs"`
	ErrorDetails   string                 `json:"errorDetails,omitempty"`
	ValidatedAt    time.Time              `json:"validatedAt"`
}

func attemptViews(entries []domain.ValidationLogEntry) []attemptView {
	out := make([]attemptView, 0, len(entries))
	for _, e := range entries {
		out = append(out, attemptView{
			ID:             e.ID,
			ScanID:         e.ScanID,
			TicketID:       e.TicketID,
			EventID:        e.EventID,
			ValidatorID:    e.ValidatorID,
			ValidatorName:  e.ValidatorName,
			IsValid:        e.IsValid,
			Result:         e.Result,
			Code:           e.Code,
			Location:       e.Location,
			DeviceInfo:     e.DeviceInfo,
			IPAddress:      e.IPAddress,
			AttemptNumber:  e.AttemptNumber,
			EntrySequence:  e.EntrySequence,
			DurationMillis: e.Duration.Milliseconds(),
			ErrorDetails:   e.ErrorDetails,
			ValidatedAt:    e.ValidatedAt,
		})
	}
	return out
}

type historyResponse struct {
	Entries []attemptView `json:"entries"`
	Total   int           `json:"total"`
	Page    int           `json:"page"`
	Limit   int           `json:"limit"`
	Pages   int           `json:"pages"`
}

type rangesRequest struct {
	Ranges []domain.PriceRange `json:"ranges"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Result  string `json:"result"`
	Message string `json:"message"`
}
