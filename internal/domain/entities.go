package domain

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

type TicketStatus string

const (
	TicketActive    TicketStatus = "active"
	TicketUsed      TicketStatus = "used"
	TicketCancelled TicketStatus = "cancelled"
	TicketRefunded  TicketStatus = "refunded"
)

// CanTransitionTo reports whether a ticket may move from s to next.
// Only active tickets change status; used, cancelled and refunded are terminal.
func (s TicketStatus) CanTransitionTo(next TicketStatus) bool {
	if s != TicketActive {
		return false
	}
	switch next {
	case TicketUsed, TicketCancelled, TicketRefunded:
		return true
	}
	return false
}

// Ticket is owned by the sales subsystem. Admission only touches Status and ValidatedAt.
type Ticket struct {
	ID           uuid.UUID
	Code         string
	TicketNumber string
	EventID      uuid.UUID
	Quantity     int
	Status       TicketStatus
	SalePrice    float64
	BuyerName    string
	ValidatedAt  *time.Time
}

// Entries is the number of admissions the ticket is worth.
func (t Ticket) Entries() int {
	if t.Quantity < 1 {
		return 1
	}
	return t.Quantity
}

type EventStatus string

const (
	EventDraft     EventStatus = "draft"
	EventActive    EventStatus = "active"
	EventPaused    EventStatus = "paused"
	EventFinished  EventStatus = "finished"
	EventCancelled EventStatus = "cancelled"
)

type Event struct {
	ID            uuid.UUID
	Name          string
	Location      string
	Status        EventStatus
	StartDate     time.Time
	EndDate       time.Time
	TimeZone      string
	BasePrice     float64
	PriceRanges   []PriceRange
	MaxCapacity   int
	CurrentSold   int
	SaleStartDate *time.Time
	SaleEndDate   *time.Time
}

// PriceRange is a time-of-day window with its own unit price. StartTime after
// EndTime means the window wraps through midnight.
type PriceRange struct {
	StartTime string  `json:"startTime" bson:"start_time"`
	EndTime   string  `json:"endTime" bson:"end_time"`
	Price     float64 `json:"price" bson:"price"`
	Name      string  `json:"name,omitempty" bson:"name,omitempty"`
}

type Validator struct {
	ID   string
	Name string
	Role string
}

const (
	RoleControl = "control"
	RoleAdmin   = "admin"
)

func (v Validator) CanValidate() bool {
	return v.Role == RoleControl || v.Role == RoleAdmin
}

// DisplayName falls back to the identity when no name was supplied.
func (v Validator) DisplayName() string {
	if v.Name != "" {
		return v.Name
	}
	return v.ID
}

// ValidationLogEntry is one row of the append-only validation log.
// Rows are never updated or deleted.
type ValidationLogEntry struct {
	ID            uuid.UUID
	ScanID        uuid.UUID
	TicketID      *uuid.UUID
	EventID       *uuid.UUID
	ValidatorID   string
	ValidatorName string
	IsValid       bool
	Result        Outcome
	Code          string
	Location      string
	DeviceInfo    map[string]interface{}
	IPAddress     string
	AttemptNumber int
	EntrySequence int
	Duration      time.Duration
	ErrorDetails  string
	ValidatedAt   time.Time
}

// Successful reports whether the row consumed one entry of its ticket.
func (e ValidationLogEntry) Successful() bool {
	return e.IsValid && e.Result == OutcomeSuccess
}

type OutboxMessage struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Status        string // NEW, PUBLISHED
	DedupeKey     string
}

const MaxLoggedCodeLength = 100

// TruncateCode bounds scanned codes to MaxLoggedCodeLength bytes before they
// are logged or matched against the log. The cut never splits a rune.
func TruncateCode(code string) string {
	if len(code) <= MaxLoggedCodeLength {
		return code
	}
	cut := MaxLoggedCodeLength
	for cut > 0 && !utf8.RuneStart(code[cut]) {
		cut--
	}
	return code[:cut]
}
