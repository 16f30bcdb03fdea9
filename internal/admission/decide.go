package admission

import (
	"fmt"
	"time"

	"github.com/robertarktes/ticket-admission/internal/domain"
	"github.com/robertarktes/ticket-admission/internal/ledger"
)

// Snapshot is everything Decide needs, read under the ticket lock.
type Snapshot struct {
	Request       Request
	Ticket        *domain.Ticket
	Event         *domain.Event
	Used          int
	PriorAttempts int
	LastSuccess   *domain.ValidationLogEntry
	Now           time.Time
	Elapsed       time.Duration
}

// Decision is the outcome of a scan and the log rows that record it. Rows
// carry no IDs yet; the caller assigns them when persisting.
type Decision struct {
	Outcome     domain.Outcome
	Message     string
	Ticket      *domain.Ticket
	Event       *domain.Event
	Consumption ledger.Consumption
	Requested   int
	Admitted    int
	MarkUsed    bool
	ValidatedAt time.Time
	LastSuccess *domain.ValidationLogEntry
	Entries     []domain.ValidationLogEntry
}

// Decide applies the admission rules to a snapshot. It has no side effects.
func Decide(s Snapshot) Decision {
	req := s.Request

	if rej := Precheck(req); rej != nil {
		return s.reject(rej.Outcome, rej.Message)
	}
	if s.Ticket == nil {
		return s.reject(domain.OutcomeInvalidQR, "ticket not found")
	}

	t := *s.Ticket
	if req.EventID != nil && *req.EventID != t.EventID {
		return s.reject(domain.OutcomeInvalidEvent, "ticket belongs to a different event")
	}
	if s.Event == nil {
		return s.reject(domain.OutcomeInvalidEvent, "event not found")
	}

	switch t.Status {
	case domain.TicketRefunded:
		return s.reject(domain.OutcomeTicketRefunded, "ticket was refunded")
	case domain.TicketCancelled:
		return s.reject(domain.OutcomeTicketCancelled, "ticket was cancelled")
	}

	c := ledger.Consume(t, s.Used)
	if c.Remaining <= 0 {
		d := s.reject(domain.OutcomeAllEntriesUsed, fmt.Sprintf("all %d entries already used", c.Total))
		d.Consumption = c
		d.LastSuccess = s.LastSuccess
		return d
	}
	if req.EntryCount > c.Remaining {
		d := s.reject(domain.OutcomeInsufficientEntries,
			fmt.Sprintf("requested %d entries but only %d remaining", req.EntryCount, c.Remaining))
		d.Consumption = c
		return d
	}

	if s.Now.Before(s.Event.StartDate) {
		d := s.reject(domain.OutcomeEventNotStarted, "event has not started")
		d.Consumption = c
		return d
	}
	if !s.Event.EndDate.IsZero() && s.Now.After(s.Event.EndDate) {
		d := s.reject(domain.OutcomeEventFinished, "event has finished")
		d.Consumption = c
		return d
	}

	return s.admit(t, c)
}

func (s Snapshot) admit(t domain.Ticket, c ledger.Consumption) Decision {
	n := s.Request.EntryCount
	after := ledger.Consumption{Total: c.Total, Used: c.Used + n, Remaining: c.Remaining - n}

	updated := t
	now := s.Now
	updated.ValidatedAt = &now
	markUsed := after.Used >= after.Total
	if markUsed {
		updated.Status = domain.TicketUsed
	}

	entries := make([]domain.ValidationLogEntry, 0, n)
	for i := 1; i <= n; i++ {
		e := s.row(domain.OutcomeSuccess, true, s.PriorAttempts+i, "")
		e.EntrySequence = i
		e.DeviceInfo = withEntryInfo(s.Request.DeviceInfo, i, n)
		entries = append(entries, e)
	}

	msg := fmt.Sprintf("admitted %d of %d entries, %d remaining", n, after.Total, after.Remaining)
	if after.Remaining == 0 {
		msg = fmt.Sprintf("admitted %d entries, ticket fully used", n)
	}

	return Decision{
		Outcome:     domain.OutcomeSuccess,
		Message:     msg,
		Ticket:      &updated,
		Event:       s.Event,
		Consumption: after,
		Requested:   n,
		Admitted:    n,
		MarkUsed:    markUsed,
		ValidatedAt: now,
		Entries:     entries,
	}
}

func (s Snapshot) reject(outcome domain.Outcome, message string) Decision {
	attempt := 1
	if s.Ticket != nil {
		attempt = s.PriorAttempts + 1
	}
	return Decision{
		Outcome:   outcome,
		Message:   message,
		Ticket:    s.Ticket,
		Event:     s.Event,
		Requested: s.Request.EntryCount,
		Entries:   []domain.ValidationLogEntry{s.row(outcome, false, attempt, message)},
	}
}

func (s Snapshot) row(outcome domain.Outcome, valid bool, attempt int, details string) domain.ValidationLogEntry {
	req := s.Request
	e := domain.ValidationLogEntry{
		ScanID:        req.ScanID,
		ValidatorID:   req.Validator.ID,
		ValidatorName: req.Validator.DisplayName(),
		IsValid:       valid,
		Result:        outcome,
		Code:          domain.TruncateCode(req.Code),
		Location:      req.Location,
		DeviceInfo:    req.DeviceInfo,
		IPAddress:     req.IPAddress,
		AttemptNumber: attempt,
		Duration:      s.Elapsed,
		ErrorDetails:  details,
		ValidatedAt:   s.Now,
	}
	switch {
	case s.Ticket != nil:
		ticketID, eventID := s.Ticket.ID, s.Ticket.EventID
		e.TicketID = &ticketID
		e.EventID = &eventID
	case req.EventID != nil:
		eventID := *req.EventID
		e.EventID = &eventID
	}
	return e
}

func withEntryInfo(info map[string]interface{}, seq, total int) map[string]interface{} {
	out := make(map[string]interface{}, len(info)+2)
	for k, v := range info {
		out[k] = v
	}
	out["entrySequence"] = seq
	out["totalEntriesThisValidation"] = total
	return out
}
