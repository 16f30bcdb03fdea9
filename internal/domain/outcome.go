package domain

// Outcome is the stable result code returned to scanners. Clients branch on
// it, never on message text.
type Outcome string

const (
	OutcomeSuccess             Outcome = "success"
	OutcomeInvalidQR           Outcome = "invalid_qr"
	OutcomeInvalidEvent        Outcome = "invalid_event"
	OutcomeTicketRefunded      Outcome = "ticket_refunded"
	OutcomeTicketCancelled     Outcome = "ticket_cancelled"
	OutcomeInsufficientEntries Outcome = "insufficient_entries"
	OutcomeAllEntriesUsed      Outcome = "all_entries_used"
	OutcomeEventNotStarted     Outcome = "event_not_started"
	OutcomeEventFinished       Outcome = "event_finished"
	OutcomeInvalidEntryCount   Outcome = "invalid_entry_count"
	OutcomeRateLimited         Outcome = "rate_limited"
	OutcomeQRBlocked           Outcome = "qr_blocked"
	OutcomeDuplicateValidation Outcome = "duplicate_validation"
	OutcomeAccessDenied        Outcome = "access_denied"
	OutcomeServerError         Outcome = "server_error"
)

var allOutcomes = []Outcome{
	OutcomeSuccess,
	OutcomeInvalidQR,
	OutcomeInvalidEvent,
	OutcomeTicketRefunded,
	OutcomeTicketCancelled,
	OutcomeInsufficientEntries,
	OutcomeAllEntriesUsed,
	OutcomeEventNotStarted,
	OutcomeEventFinished,
	OutcomeInvalidEntryCount,
	OutcomeRateLimited,
	OutcomeQRBlocked,
	OutcomeDuplicateValidation,
	OutcomeAccessDenied,
	OutcomeServerError,
}

func AllOutcomes() []Outcome {
	return append([]Outcome(nil), allOutcomes...)
}

func (o Outcome) Valid() bool {
	for _, known := range allOutcomes {
		if o == known {
			return true
		}
	}
	return false
}

// Retryable is true only for infrastructure faults.
func (o Outcome) Retryable() bool {
	return o == OutcomeServerError
}
