package admission

import (
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-admission/internal/domain"
	"github.com/robertarktes/ticket-admission/internal/ledger"
)

const (
	MinEntryCount = 1
	MaxEntryCount = 10
)

// Request is one scan. ScanID groups every log row the scan produces and is
// assigned by the engine when left empty.
type Request struct {
	ScanID     uuid.UUID
	Code       string
	EventID    *uuid.UUID
	EntryCount int
	Location   string
	DeviceInfo map[string]interface{}
	IPAddress  string
	Validator  domain.Validator
}

type Rejection struct {
	Outcome domain.Outcome
	Message string
}

// Precheck rejects requests that are invalid regardless of ticket state. It
// performs no lookups.
func Precheck(req Request) *Rejection {
	switch {
	case req.EntryCount < MinEntryCount || req.EntryCount > MaxEntryCount:
		return &Rejection{
			Outcome: domain.OutcomeInvalidEntryCount,
			Message: "entry count must be between 1 and 10",
		}
	case !req.Validator.CanValidate():
		return &Rejection{
			Outcome: domain.OutcomeAccessDenied,
			Message: "validator is not allowed to admit tickets",
		}
	case req.Code == "":
		return &Rejection{
			Outcome: domain.OutcomeInvalidQR,
			Message: "code is required",
		}
	}
	return nil
}

type Result struct {
	ScanID      uuid.UUID
	Outcome     domain.Outcome
	Message     string
	Ticket      *domain.Ticket
	Event       *domain.Event
	Consumption ledger.Consumption
	Requested   int
	Admitted    int
	LastSuccess *domain.ValidationLogEntry
	ValidatedAt time.Time
	ValidatedBy string
	RetryAfter  time.Duration
	Flags       []string
}

func (r Result) Success() bool {
	return r.Outcome == domain.OutcomeSuccess
}

// Inspection is a read-only view of a ticket's consumption.
type Inspection struct {
	Ticket      domain.Ticket
	Event       *domain.Event
	Consumption ledger.Consumption
	LastSuccess *domain.ValidationLogEntry
}
