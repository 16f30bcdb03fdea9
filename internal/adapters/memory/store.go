// Package memory is an in-process implementation of every store the service
// uses. Transactions are serialized by a single mutex, which gives the same
// per-ticket exclusion a row lock does.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-admission/internal/antifraud"
	"github.com/robertarktes/ticket-admission/internal/domain"
	"github.com/robertarktes/ticket-admission/internal/ledger"
)

type txKey struct{}

// pending buffers writes made inside a transaction until commit.
type pending struct {
	logs      []domain.ValidationLogEntry
	outbox    []domain.OutboxMessage
	published map[uuid.UUID]time.Time
}

type Store struct {
	txMu sync.Mutex

	mu       sync.RWMutex
	tickets  map[uuid.UUID]domain.Ticket
	codes    map[string]uuid.UUID
	events   map[uuid.UUID]domain.Event
	logs     []domain.ValidationLogEntry
	outbox   []domain.OutboxMessage
	failures map[string]*injected
}

type injected struct {
	err       error
	remaining int // negative means until healed
}

func NewStore() *Store {
	return &Store{
		tickets:  map[uuid.UUID]domain.Ticket{},
		codes:    map[string]uuid.UUID{},
		events:   map[uuid.UUID]domain.Event{},
		failures: map[string]*injected{},
	}
}

// Fail makes the named operation return err until Heal is called.
func (s *Store) Fail(op string, err error) {
	s.FailN(op, err, -1)
}

// FailN makes the named operation return err for its next n calls.
func (s *Store) FailN(op string, err error, n int) {
	s.mu.Lock()
	s.failures[op] = &injected{err: err, remaining: n}
	s.mu.Unlock()
}

func (s *Store) Heal(op string) {
	s.mu.Lock()
	delete(s.failures, op)
	s.mu.Unlock()
}

func (s *Store) failure(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.failures[op]
	if !ok {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
		if f.remaining == 0 {
			delete(s.failures, op)
		}
	}
	return f.err
}

func (s *Store) PutEvent(ev domain.Event) {
	s.mu.Lock()
	s.events[ev.ID] = ev
	s.mu.Unlock()
}

func (s *Store) PutTicket(t domain.Ticket) {
	s.mu.Lock()
	s.tickets[t.ID] = t
	s.codes[t.Code] = t.ID
	s.mu.Unlock()
}

func (s *Store) Ticket(id uuid.UUID) (domain.Ticket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	return t, ok
}

func (s *Store) TicketCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tickets)
}

// Logs returns a copy of the committed validation log in append order.
func (s *Store) Logs() []domain.ValidationLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.ValidationLogEntry(nil), s.logs...)
}

func (s *Store) OutboxMessages() []domain.OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.OutboxMessage(nil), s.outbox...)
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*pending); ok {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.failure("WithTx"); err != nil {
		return err
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	p := &pending{published: map[uuid.UUID]time.Time{}}
	if err := fn(context.WithValue(ctx, txKey{}, p)); err != nil {
		return err
	}
	if err := s.failure("Commit"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, p.logs...)
	s.outbox = append(s.outbox, p.outbox...)
	for i := range s.outbox {
		if at, ok := p.published[s.outbox[i].ID]; ok {
			s.outbox[i].Status = "PUBLISHED"
			s.outbox[i].PublishedAt = &at
		}
	}
	return nil
}

func txFrom(ctx context.Context) *pending {
	p, _ := ctx.Value(txKey{}).(*pending)
	return p
}

func (s *Store) LockTicketByCode(ctx context.Context, code string) (domain.Ticket, error) {
	if err := s.failure("LockTicketByCode"); err != nil {
		return domain.Ticket{}, err
	}
	return s.ticketByCode(code)
}

func (s *Store) GetTicketByCode(ctx context.Context, code string) (domain.Ticket, error) {
	if err := s.failure("GetTicketByCode"); err != nil {
		return domain.Ticket{}, err
	}
	return s.ticketByCode(code)
}

func (s *Store) ticketByCode(code string) (domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.codes[code]
	if !ok {
		return domain.Ticket{}, domain.ErrTicketNotFound
	}
	return s.tickets[id], nil
}

func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	if err := s.failure("GetEvent"); err != nil {
		return domain.Event{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return domain.Event{}, domain.ErrEventNotFound
	}
	return ev, nil
}

func (s *Store) CountAttempts(ctx context.Context, ticketID uuid.UUID) (int, error) {
	if err := s.failure("CountAttempts"); err != nil {
		return 0, err
	}
	return s.count(func(e domain.ValidationLogEntry) bool {
		return e.TicketID != nil && *e.TicketID == ticketID
	}), nil
}

func (s *Store) AppendValidations(ctx context.Context, entries []domain.ValidationLogEntry) error {
	if err := s.failure("AppendValidations"); err != nil {
		return err
	}
	if p := txFrom(ctx); p != nil {
		p.logs = append(p.logs, entries...)
		return nil
	}
	s.mu.Lock()
	s.logs = append(s.logs, entries...)
	s.mu.Unlock()
	return nil
}

func (s *Store) MarkValidated(ctx context.Context, ticketID uuid.UUID, at time.Time, markUsed bool) error {
	if err := s.failure("MarkValidated"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticketID]
	if !ok || (t.Status != domain.TicketActive && t.Status != domain.TicketUsed) {
		return domain.ErrTicketNotFound
	}
	t.ValidatedAt = &at
	if markUsed {
		t.Status = domain.TicketUsed
	}
	s.tickets[ticketID] = t
	return nil
}

// TransitionTicket applies a lifecycle change coming from the sales side.
func (s *Store) TransitionTicket(ctx context.Context, ticketID uuid.UUID, next domain.TicketStatus) (domain.Ticket, error) {
	if err := s.failure("TransitionTicket"); err != nil {
		return domain.Ticket{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticketID]
	if !ok {
		return domain.Ticket{}, domain.ErrTicketNotFound
	}
	if !t.Status.CanTransitionTo(next) {
		return t, errors.Wrapf(domain.ErrInvalidTransition, "%s to %s", t.Status, next)
	}
	t.Status = next
	s.tickets[ticketID] = t
	return t, nil
}

func (s *Store) Enqueue(ctx context.Context, msg domain.OutboxMessage) error {
	if err := s.failure("Enqueue"); err != nil {
		return err
	}
	if msg.Status == "" {
		msg.Status = "NEW"
	}
	if p := txFrom(ctx); p != nil {
		p.outbox = append(p.outbox, msg)
		return nil
	}
	s.mu.Lock()
	s.outbox = append(s.outbox, msg)
	s.mu.Unlock()
	return nil
}

func (s *Store) ClaimOutbox(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if err := s.failure("ClaimOutbox"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.OutboxMessage
	for _, m := range s.outbox {
		if m.Status != "NEW" {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := s.failure("MarkPublished"); err != nil {
		return err
	}
	if p := txFrom(ctx); p != nil {
		p.published[id] = at
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			s.outbox[i].Status = "PUBLISHED"
			s.outbox[i].PublishedAt = &at
		}
	}
	return nil
}

func (s *Store) count(match func(domain.ValidationLogEntry) bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.logs {
		if match(e) {
			n++
		}
	}
	return n
}

func (s *Store) distinctScans(match func(domain.ValidationLogEntry) bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[uuid.UUID]struct{}{}
	for _, e := range s.logs {
		if match(e) {
			seen[e.ScanID] = struct{}{}
		}
	}
	return len(seen)
}

func (s *Store) filter(match func(domain.ValidationLogEntry) bool) []domain.ValidationLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ValidationLogEntry
	for _, e := range s.logs {
		if match(e) {
			out = append(out, e)
		}
	}
	return out
}

// newestFirst orders by time, then by append order reversed.
func newestFirst(entries []domain.ValidationLogEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].ValidatedAt.After(entries[j].ValidatedAt)
	})
}

func reverse(entries []domain.ValidationLogEntry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}

func (s *Store) CountSuccessful(ctx context.Context, ticketID uuid.UUID) (int, error) {
	if err := s.failure("CountSuccessful"); err != nil {
		return 0, err
	}
	return s.count(func(e domain.ValidationLogEntry) bool {
		return e.TicketID != nil && *e.TicketID == ticketID && e.Successful()
	}), nil
}

func (s *Store) LastSuccessful(ctx context.Context, ticketID uuid.UUID) (*domain.ValidationLogEntry, error) {
	if err := s.failure("LastSuccessful"); err != nil {
		return nil, err
	}
	entries := s.filter(func(e domain.ValidationLogEntry) bool {
		return e.TicketID != nil && *e.TicketID == ticketID && e.Successful()
	})
	if len(entries) == 0 {
		return nil, nil
	}
	reverse(entries)
	newestFirst(entries)
	return &entries[0], nil
}

func (s *Store) CountByResult(ctx context.Context, eventID uuid.UUID, since time.Time) (map[domain.Outcome]int, error) {
	if err := s.failure("CountByResult"); err != nil {
		return nil, err
	}
	counts := map[domain.Outcome]int{}
	for _, e := range s.filter(func(e domain.ValidationLogEntry) bool {
		return e.EventID != nil && *e.EventID == eventID && !e.ValidatedAt.Before(since)
	}) {
		counts[e.Result]++
	}
	return counts, nil
}

func (s *Store) AttemptsForTicket(ctx context.Context, ticketID uuid.UUID, since time.Time) ([]domain.ValidationLogEntry, error) {
	if err := s.failure("AttemptsForTicket"); err != nil {
		return nil, err
	}
	entries := s.filter(func(e domain.ValidationLogEntry) bool {
		return e.TicketID != nil && *e.TicketID == ticketID && !e.ValidatedAt.Before(since)
	})
	reverse(entries)
	newestFirst(entries)
	return entries, nil
}

func (s *Store) History(ctx context.Context, f ledger.HistoryFilter) ([]domain.ValidationLogEntry, int, error) {
	if err := s.failure("History"); err != nil {
		return nil, 0, err
	}
	entries := s.filter(func(e domain.ValidationLogEntry) bool {
		switch {
		case f.EventID != nil && (e.EventID == nil || *e.EventID != *f.EventID):
			return false
		case f.Result != "" && e.Result != f.Result:
			return false
		case f.ValidatorID != "" && e.ValidatorID != f.ValidatorID:
			return false
		case !f.From.IsZero() && e.ValidatedAt.Before(f.From):
			return false
		case !f.To.IsZero() && e.ValidatedAt.After(f.To):
			return false
		}
		return true
	})
	reverse(entries)
	newestFirst(entries)

	total := len(entries)
	start := f.Offset()
	if start >= total {
		return []domain.ValidationLogEntry{}, total, nil
	}
	end := start + f.Limit
	if end > total {
		end = total
	}
	return entries[start:end], total, nil
}

func (s *Store) CountValidatorAttempts(ctx context.Context, validatorID string, since time.Time) (int, error) {
	if err := s.failure("CountValidatorAttempts"); err != nil {
		return 0, err
	}
	return s.distinctScans(func(e domain.ValidationLogEntry) bool {
		return e.ValidatorID == validatorID && !e.ValidatedAt.Before(since)
	}), nil
}

func (s *Store) CountCodeAttempts(ctx context.Context, code string, since time.Time) (int, error) {
	if err := s.failure("CountCodeAttempts"); err != nil {
		return 0, err
	}
	return s.distinctScans(func(e domain.ValidationLogEntry) bool {
		return e.Code == code && !e.ValidatedAt.Before(since)
	}), nil
}

func (s *Store) LastValidatorSuccess(ctx context.Context, validatorID, code string, since time.Time) (*domain.ValidationLogEntry, error) {
	if err := s.failure("LastValidatorSuccess"); err != nil {
		return nil, err
	}
	entries := s.filter(func(e domain.ValidationLogEntry) bool {
		return e.ValidatorID == validatorID && e.Code == code && e.Successful() && !e.ValidatedAt.Before(since)
	})
	if len(entries) == 0 {
		return nil, nil
	}
	reverse(entries)
	newestFirst(entries)
	return &entries[0], nil
}

func (s *Store) ValidatorActivity(ctx context.Context, validatorID string, since time.Time) (antifraud.Activity, error) {
	if err := s.failure("ValidatorActivity"); err != nil {
		return antifraud.Activity{}, err
	}
	entries := s.filter(func(e domain.ValidationLogEntry) bool {
		return e.ValidatorID == validatorID && !e.ValidatedAt.Before(since)
	})
	scans := map[uuid.UUID]struct{}{}
	failed := map[uuid.UUID]struct{}{}
	invalid := map[string]struct{}{}
	for _, e := range entries {
		scans[e.ScanID] = struct{}{}
		if !e.IsValid {
			failed[e.ScanID] = struct{}{}
		}
		if e.Result == domain.OutcomeInvalidQR {
			invalid[e.Code] = struct{}{}
		}
	}
	return antifraud.Activity{
		Attempts:             len(scans),
		Failures:             len(failed),
		DistinctInvalidCodes: len(invalid),
	}, nil
}

// ActiveValidators lists validators with at least one logged attempt since
// the given instant, sorted.
func (s *Store) ActiveValidators(ctx context.Context, since time.Time) ([]string, error) {
	if err := s.failure("ActiveValidators"); err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	for _, e := range s.filter(func(e domain.ValidationLogEntry) bool {
		return e.ValidatorID != "" && !e.ValidatedAt.Before(since)
	}) {
		seen[e.ValidatorID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
