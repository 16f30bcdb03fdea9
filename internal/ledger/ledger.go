package ledger

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-admission/internal/clock"
	"github.com/robertarktes/ticket-admission/internal/domain"
	"golang.org/x/sync/errgroup"
)

// LogReader is the read side of the validation log. Implementations honour a
// transaction carried in ctx so the engine can read consumption under its
// ticket lock.
type LogReader interface {
	CountSuccessful(ctx context.Context, ticketID uuid.UUID) (int, error)
	LastSuccessful(ctx context.Context, ticketID uuid.UUID) (*domain.ValidationLogEntry, error)
	// CountByResult groups rows for an event by outcome. A zero since means all time.
	CountByResult(ctx context.Context, eventID uuid.UUID, since time.Time) (map[domain.Outcome]int, error)
	AttemptsForTicket(ctx context.Context, ticketID uuid.UUID, since time.Time) ([]domain.ValidationLogEntry, error)
	History(ctx context.Context, f HistoryFilter) ([]domain.ValidationLogEntry, int, error)
}

const (
	DefaultRecentMinutes = 5
	DefaultHistoryLimit  = 50
	MaxHistoryLimit      = 200
)

const defaultReadTimeout = 5 * time.Second

type Ledger struct {
	logs        LogReader
	clock       clock.Clock
	readTimeout time.Duration
}

type Option func(*Ledger)

// WithReadTimeout bounds every log read. A stalled store then surfaces as a
// storage fault instead of holding the caller.
func WithReadTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.readTimeout = d
		}
	}
}

func New(logs LogReader, clk clock.Clock, opts ...Option) *Ledger {
	l := &Ledger{logs: logs, clock: clk, readTimeout: defaultReadTimeout}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.readTimeout)
}

type Consumption struct {
	Total     int `json:"totalEntries"`
	Used      int `json:"usedEntries"`
	Remaining int `json:"remainingEntries"`
}

// Consume derives a ticket's consumption from its successful log count.
// A ticket already marked used has nothing left regardless of the count.
func Consume(t domain.Ticket, used int) Consumption {
	c := Consumption{Total: t.Entries(), Used: used}
	if t.Status == domain.TicketUsed {
		if c.Used < c.Total {
			c.Used = c.Total
		}
		return c
	}
	c.Remaining = c.Total - c.Used
	if c.Remaining < 0 {
		c.Remaining = 0
	}
	return c
}

func (l *Ledger) Consumption(ctx context.Context, t domain.Ticket) (Consumption, error) {
	ctx, cancel := l.bound(ctx)
	defer cancel()
	used, err := l.logs.CountSuccessful(ctx, t.ID)
	if err != nil {
		return Consumption{}, domain.StorageFault(err, "count successful validations")
	}
	return Consume(t, used), nil
}

func (l *Ledger) RemainingEntries(ctx context.Context, t domain.Ticket) (int, error) {
	c, err := l.Consumption(ctx, t)
	if err != nil {
		return 0, err
	}
	return c.Remaining, nil
}

func (l *Ledger) LastSuccessful(ctx context.Context, ticketID uuid.UUID) (*domain.ValidationLogEntry, error) {
	ctx, cancel := l.bound(ctx)
	defer cancel()
	e, err := l.logs.LastSuccessful(ctx, ticketID)
	if err != nil {
		return nil, domain.StorageFault(err, "read last successful validation")
	}
	return e, nil
}

type EventStats struct {
	EventID     uuid.UUID              `json:"eventId"`
	Since       *time.Time             `json:"since,omitempty"`
	Total       int                    `json:"total"`
	Successful  int                    `json:"successful"`
	Failed      int                    `json:"failed"`
	SuccessRate float64                `json:"successRate"`
	ByResult    map[domain.Outcome]int `json:"byResult"`
}

// EventStats aggregates the log for one event over the trailing window.
// A window of zero or less covers all time.
func (l *Ledger) EventStats(ctx context.Context, eventID uuid.UUID, window time.Duration) (EventStats, error) {
	var since time.Time
	if window > 0 {
		since = l.clock.Now().Add(-window)
	}
	ctx, cancel := l.bound(ctx)
	defer cancel()
	counts, err := l.logs.CountByResult(ctx, eventID, since)
	if err != nil {
		return EventStats{}, domain.StorageFault(err, "count validations by result")
	}

	stats := EventStats{EventID: eventID, ByResult: counts}
	if !since.IsZero() {
		stats.Since = &since
	}
	if stats.ByResult == nil {
		stats.ByResult = map[domain.Outcome]int{}
	}
	for outcome, n := range stats.ByResult {
		stats.Total += n
		if outcome == domain.OutcomeSuccess {
			stats.Successful += n
		}
	}
	stats.Failed = stats.Total - stats.Successful
	if stats.Total > 0 {
		stats.SuccessRate = math.Round(float64(stats.Successful)/float64(stats.Total)*10000) / 100
	}
	return stats, nil
}

type LiveStats struct {
	AllTime  EventStats `json:"allTime"`
	LastHour EventStats `json:"lastHour"`
}

func (l *Ledger) LiveStats(ctx context.Context, eventID uuid.UUID) (LiveStats, error) {
	var out LiveStats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := l.EventStats(gctx, eventID, 0)
		out.AllTime = s
		return err
	})
	g.Go(func() error {
		s, err := l.EventStats(gctx, eventID, time.Hour)
		out.LastHour = s
		return err
	})
	if err := g.Wait(); err != nil {
		return LiveStats{}, err
	}
	return out, nil
}

// RecentAttempts lists every logged attempt for a ticket in the trailing
// minutes, newest first.
func (l *Ledger) RecentAttempts(ctx context.Context, ticketID uuid.UUID, minutes int) ([]domain.ValidationLogEntry, error) {
	if minutes <= 0 {
		minutes = DefaultRecentMinutes
	}
	since := l.clock.Now().Add(-time.Duration(minutes) * time.Minute)
	ctx, cancel := l.bound(ctx)
	defer cancel()
	entries, err := l.logs.AttemptsForTicket(ctx, ticketID, since)
	if err != nil {
		return nil, domain.StorageFault(err, "read recent attempts")
	}
	return entries, nil
}

type HistoryFilter struct {
	EventID     *uuid.UUID
	Result      domain.Outcome
	ValidatorID string
	From        time.Time
	To          time.Time
	Page        int
	Limit       int
}

func (f HistoryFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

func (f HistoryFilter) normalize() HistoryFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = DefaultHistoryLimit
	}
	if f.Limit > MaxHistoryLimit {
		f.Limit = MaxHistoryLimit
	}
	return f
}

type HistoryPage struct {
	Entries []domain.ValidationLogEntry `json:"entries"`
	Total   int                         `json:"total"`
	Page    int                         `json:"page"`
	Limit   int                         `json:"limit"`
	Pages   int                         `json:"pages"`
}

func (l *Ledger) History(ctx context.Context, f HistoryFilter) (HistoryPage, error) {
	if f.Result != "" && !f.Result.Valid() {
		return HistoryPage{}, domain.ErrInvalidInput
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return HistoryPage{}, domain.ErrInvalidInput
	}
	f = f.normalize()

	ctx, cancel := l.bound(ctx)
	defer cancel()
	entries, total, err := l.logs.History(ctx, f)
	if err != nil {
		return HistoryPage{}, domain.StorageFault(err, "read validation history")
	}
	if entries == nil {
		entries = []domain.ValidationLogEntry{}
	}
	return HistoryPage{
		Entries: entries,
		Total:   total,
		Page:    f.Page,
		Limit:   f.Limit,
		Pages:   (total + f.Limit - 1) / f.Limit,
	}, nil
}
