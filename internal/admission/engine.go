package admission

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-admission/internal/clock"
	"github.com/robertarktes/ticket-admission/internal/domain"
	"github.com/robertarktes/ticket-admission/internal/ledger"
	"github.com/robertarktes/ticket-admission/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Store is the ticket store and validation log as seen by the engine. Calls
// made with a context returned by WithTx join that transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	// LockTicketByCode reads a ticket and holds its row lock until the
	// surrounding transaction ends.
	LockTicketByCode(ctx context.Context, code string) (domain.Ticket, error)
	GetTicketByCode(ctx context.Context, code string) (domain.Ticket, error)
	GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error)
	// CountAttempts counts every log row for a ticket, whatever the outcome.
	CountAttempts(ctx context.Context, ticketID uuid.UUID) (int, error)
	AppendValidations(ctx context.Context, entries []domain.ValidationLogEntry) error
	// MarkValidated sets validatedAt and, when markUsed is true, moves the
	// ticket to used. Tickets no longer active or used are left untouched and
	// reported as not found.
	MarkValidated(ctx context.Context, ticketID uuid.UUID, at time.Time, markUsed bool) error
}

type Outbox interface {
	Enqueue(ctx context.Context, msg domain.OutboxMessage) error
}

// AuditSink receives a copy of committed log rows. Failures never affect the
// scan result.
type AuditSink interface {
	RecordValidations(ctx context.Context, entries []domain.ValidationLogEntry) error
}

const (
	defaultStorageTimeout = 5 * time.Second
	defaultMaxAttempts    = 3

	EventTicketValidated = "ticket.validated"
)

var errCancelled = errors.New("admission cancelled before any write")

type Engine struct {
	store          Store
	ledger         *ledger.Ledger
	clock          clock.Clock
	outbox         Outbox
	audit          AuditSink
	logger         observability.Logger
	tracer         trace.Tracer
	storageTimeout time.Duration
	maxAttempts    int
	retryBackoff   time.Duration
}

type Option func(*Engine)

func WithStorageTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.storageTimeout = d
		}
	}
}

// WithMaxAttempts bounds how many times a transaction is tried after
// serialization failures.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

func WithOutbox(o Outbox) Option {
	return func(e *Engine) { e.outbox = o }
}

func WithAuditSink(a AuditSink) Option {
	return func(e *Engine) { e.audit = a }
}

func WithLogger(l observability.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func NewEngine(store Store, led *ledger.Ledger, clk clock.Clock, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		ledger:         led,
		clock:          clk,
		logger:         observability.NewNopLogger(),
		tracer:         otel.Tracer("admission"),
		storageTimeout: defaultStorageTimeout,
		maxAttempts:    defaultMaxAttempts,
		retryBackoff:   20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Admit decides a scan and records it. Business rejections come back as a
// result with a nil error. Infrastructure faults return a server_error result
// together with an error marked domain.ErrStorage.
//
// The log rows are committed before the ticket row is touched. If the status
// update fails afterwards the rows stay and the caller sees server_error.
func (e *Engine) Admit(ctx context.Context, req Request) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "admission.Admit")
	defer span.End()

	if req.ScanID == uuid.Nil {
		req.ScanID = uuid.New()
	}
	span.SetAttributes(
		attribute.String("scan.id", req.ScanID.String()),
		attribute.Int("scan.entry_count", req.EntryCount),
	)
	start := e.clock.Now()

	if Precheck(req) != nil {
		return e.writeRejection(ctx, req, Decide(Snapshot{Request: req, Now: start}))
	}

	var d Decision
	err := e.retry(ctx, func(wctx context.Context) error {
		return e.store.WithTx(wctx, func(txCtx context.Context) error {
			snap, err := e.snapshot(txCtx, req, start)
			if err != nil {
				return err
			}
			d = Decide(snap)

			if err := ctx.Err(); err != nil {
				return errors.Mark(err, errCancelled)
			}

			stamp(d.Entries)
			if err := e.store.AppendValidations(txCtx, d.Entries); err != nil {
				return errors.Wrap(err, "append validation log")
			}
			if d.Admitted > 0 && e.outbox != nil {
				msg, err := validatedMessage(req, d)
				if err != nil {
					return err
				}
				if err := e.outbox.Enqueue(txCtx, msg); err != nil {
					return errors.Wrap(err, "enqueue outbox message")
				}
			}
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, errCancelled) {
			return Result{ScanID: req.ScanID, Outcome: domain.OutcomeServerError, Message: "request cancelled"}, err
		}
		e.logger.WithError(err).WithField("scan_id", req.ScanID).Error("admission transaction failed")
		return e.serverError(req), domain.StorageFault(err, "admission transaction")
	}

	e.mirror(ctx, d.Entries)
	if d.Admitted == 0 {
		return e.finish(span, req, d), nil
	}

	wctx, cancel := e.detached(ctx)
	defer cancel()
	if err := e.store.MarkValidated(wctx, d.Ticket.ID, d.ValidatedAt, d.MarkUsed); err != nil {
		span.RecordError(err)
		e.logger.WithError(err).WithFields(map[string]interface{}{
			"scan_id":   req.ScanID,
			"ticket_id": d.Ticket.ID,
			"admitted":  d.Admitted,
		}).Error("ticket update failed after validation log commit")
		return e.serverError(req), domain.StorageFault(err, "mark ticket validated")
	}
	return e.finish(span, req, d), nil
}

// Reject records a rejection decided outside the engine, such as an
// anti-fraud block. Exactly one log row is written.
func (e *Engine) Reject(ctx context.Context, req Request, outcome domain.Outcome, message string, ticket *domain.Ticket) (Result, error) {
	if !outcome.Valid() || outcome == domain.OutcomeSuccess || outcome == domain.OutcomeServerError {
		return Result{}, errors.Wrapf(domain.ErrInvalidInput, "cannot reject with outcome %q", outcome)
	}
	if req.ScanID == uuid.Nil {
		req.ScanID = uuid.New()
	}

	snap := Snapshot{Request: req, Ticket: ticket, Now: e.clock.Now()}
	if ticket != nil {
		rctx, cancel := e.bounded(ctx)
		prior, err := e.store.CountAttempts(rctx, ticket.ID)
		cancel()
		if err != nil {
			return e.serverError(req), domain.StorageFault(err, "count ticket attempts")
		}
		snap.PriorAttempts = prior
	}
	return e.writeRejection(ctx, req, snap.reject(outcome, message))
}

// Inspect reports a ticket's consumption without writing anything.
func (e *Engine) Inspect(ctx context.Context, code string) (Inspection, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()

	t, err := e.store.GetTicketByCode(ctx, code)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Inspection{}, err
		}
		return Inspection{}, domain.StorageFault(err, "read ticket")
	}

	c, err := e.ledger.Consumption(ctx, t)
	if err != nil {
		return Inspection{}, err
	}
	last, err := e.ledger.LastSuccessful(ctx, t.ID)
	if err != nil {
		return Inspection{}, err
	}
	ins := Inspection{Ticket: t, Consumption: c, LastSuccess: last}

	ev, err := e.store.GetEvent(ctx, t.EventID)
	switch {
	case err == nil:
		ins.Event = &ev
	case !errors.Is(err, domain.ErrNotFound):
		return Inspection{}, domain.StorageFault(err, "read event")
	}
	return ins, nil
}

func (e *Engine) snapshot(ctx context.Context, req Request, start time.Time) (Snapshot, error) {
	snap := Snapshot{Request: req}

	t, err := e.store.LockTicketByCode(ctx, req.Code)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return snap, errors.Wrap(err, "lock ticket")
	default:
		snap.Ticket = &t

		c, err := e.ledger.Consumption(ctx, t)
		if err != nil {
			return snap, err
		}
		snap.Used = c.Used

		if snap.PriorAttempts, err = e.store.CountAttempts(ctx, t.ID); err != nil {
			return snap, errors.Wrap(err, "count ticket attempts")
		}
		if c.Remaining <= 0 {
			if snap.LastSuccess, err = e.ledger.LastSuccessful(ctx, t.ID); err != nil {
				return snap, err
			}
		}

		ev, err := e.store.GetEvent(ctx, t.EventID)
		switch {
		case err == nil:
			snap.Event = &ev
		case !errors.Is(err, domain.ErrNotFound):
			return snap, errors.Wrap(err, "read event")
		}
	}

	snap.Now = e.clock.Now()
	snap.Elapsed = snap.Now.Sub(start)
	return snap, nil
}

func (e *Engine) writeRejection(ctx context.Context, req Request, d Decision) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{ScanID: req.ScanID, Outcome: domain.OutcomeServerError, Message: "request cancelled"},
			errors.Mark(err, errCancelled)
	}

	wctx, cancel := e.detached(ctx)
	defer cancel()

	stamp(d.Entries)
	if err := e.store.AppendValidations(wctx, d.Entries); err != nil {
		e.logger.WithError(err).WithField("scan_id", req.ScanID).Error("failed to record rejection")
		return e.serverError(req), domain.StorageFault(err, "append rejection")
	}
	e.mirror(wctx, d.Entries)
	return e.finish(trace.SpanFromContext(ctx), req, d), nil
}

// retry runs fn on a context detached from caller cancellation and bounded
// by the storage timeout, trying again after serialization failures.
func (e *Engine) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if attempt > 0 {
			observability.DBTxRetries.Inc()
			select {
			case <-ctx.Done():
				return errors.Mark(ctx.Err(), errCancelled)
			case <-time.After(e.retryBackoff * time.Duration(1<<(attempt-1))):
			}
		}
		wctx, cancel := e.detached(ctx)
		err = fn(wctx)
		cancel()
		if !errors.Is(err, domain.ErrSerializationFailure) {
			return err
		}
		e.logger.WithField("attempt", attempt+1).Warn("serialization failure, retrying admission")
	}
	return err
}

// bounded keeps caller cancellation and adds the storage timeout. Reads use
// it; writes that must finish use detached.
func (e *Engine) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.storageTimeout)
}

func (e *Engine) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.storageTimeout)
}

func (e *Engine) mirror(ctx context.Context, entries []domain.ValidationLogEntry) {
	if e.audit == nil || len(entries) == 0 {
		return
	}
	wctx, cancel := e.detached(ctx)
	defer cancel()
	if err := e.audit.RecordValidations(wctx, entries); err != nil {
		e.logger.WithError(err).WithField("scan_id", entries[0].ScanID).Warn("audit mirror failed")
	}
}

func (e *Engine) finish(span trace.Span, req Request, d Decision) Result {
	res := Result{
		ScanID:      req.ScanID,
		Outcome:     d.Outcome,
		Message:     d.Message,
		Ticket:      d.Ticket,
		Event:       d.Event,
		Consumption: d.Consumption,
		Requested:   d.Requested,
		Admitted:    d.Admitted,
		LastSuccess: d.LastSuccess,
	}
	if d.Admitted > 0 {
		res.ValidatedAt = d.ValidatedAt
		res.ValidatedBy = req.Validator.DisplayName()
		observability.AdmittedEntries.Add(float64(d.Admitted))
	}
	observability.AdmissionOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	span.SetAttributes(attribute.String("scan.result", string(res.Outcome)))
	return res
}

func (e *Engine) serverError(req Request) Result {
	observability.AdmissionOutcomes.WithLabelValues(string(domain.OutcomeServerError)).Inc()
	return Result{
		ScanID:    req.ScanID,
		Outcome:   domain.OutcomeServerError,
		Message:   "validation temporarily unavailable, please retry",
		Requested: req.EntryCount,
	}
}

func stamp(entries []domain.ValidationLogEntry) {
	for i := range entries {
		if entries[i].ID == uuid.Nil {
			entries[i].ID = uuid.New()
		}
	}
}

type validatedPayload struct {
	ScanID      uuid.UUID `json:"scanId"`
	TicketID    uuid.UUID `json:"ticketId"`
	EventID     uuid.UUID `json:"eventId"`
	ValidatorID string    `json:"validatorId"`
	Entries     int       `json:"entries"`
	Remaining   int       `json:"remainingEntries"`
	Status      string    `json:"status"`
	ValidatedAt time.Time `json:"validatedAt"`
}

func validatedMessage(req Request, d Decision) (domain.OutboxMessage, error) {
	payload, err := json.Marshal(validatedPayload{
		ScanID:      req.ScanID,
		TicketID:    d.Ticket.ID,
		EventID:     d.Ticket.EventID,
		ValidatorID: req.Validator.ID,
		Entries:     d.Admitted,
		Remaining:   d.Consumption.Remaining,
		Status:      string(d.Ticket.Status),
		ValidatedAt: d.ValidatedAt,
	})
	if err != nil {
		return domain.OutboxMessage{}, errors.Wrap(err, "marshal ticket.validated payload")
	}
	return domain.OutboxMessage{
		ID:            uuid.New(),
		AggregateType: "ticket",
		AggregateID:   d.Ticket.ID,
		EventType:     EventTicketValidated,
		Payload:       payload,
		CreatedAt:     d.ValidatedAt,
		Status:        "NEW",
		DedupeKey:     req.ScanID.String(),
	}, nil
}
