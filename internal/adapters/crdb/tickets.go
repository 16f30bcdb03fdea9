package crdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/ticket-admission/internal/domain"
)

const ticketColumns = `id, code, ticket_number, event_id, quantity, status, sale_price, buyer_name, validated_at`

func scanTicket(row pgx.Row) (domain.Ticket, error) {
	var (
		t      domain.Ticket
		status string
	)
	err := row.Scan(&t.ID, &t.Code, &t.TicketNumber, &t.EventID, &t.Quantity, &status, &t.SalePrice, &t.BuyerName, &t.ValidatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Ticket{}, domain.ErrTicketNotFound
	}
	if err != nil {
		return domain.Ticket{}, err
	}
	t.Status = domain.TicketStatus(status)
	return t, nil
}

func (r *Repository) LockTicketByCode(ctx context.Context, code string) (domain.Ticket, error) {
	return scanTicket(r.q(ctx).QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE code = $1 FOR UPDATE`, code))
}

func (r *Repository) GetTicketByCode(ctx context.Context, code string) (domain.Ticket, error) {
	return scanTicket(r.q(ctx).QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE code = $1`, code))
}

func (r *Repository) GetTicket(ctx context.Context, id uuid.UUID) (domain.Ticket, error) {
	return scanTicket(r.q(ctx).QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id))
}

func (r *Repository) MarkValidated(ctx context.Context, ticketID uuid.UUID, at time.Time, markUsed bool) error {
	result, err := r.q(ctx).Exec(ctx, `
		UPDATE tickets
		SET validated_at = $2,
		    status = CASE WHEN $3::BOOL THEN 'used' ELSE status END
		WHERE id = $1 AND status IN ('active', 'used')
	`, ticketID, at, markUsed)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrTicketNotFound
	}
	return nil
}

// TransitionTicket moves an active ticket to next. Anything else is refused
// with domain.ErrInvalidTransition.
func (r *Repository) TransitionTicket(ctx context.Context, ticketID uuid.UUID, next domain.TicketStatus) (domain.Ticket, error) {
	if !domain.TicketActive.CanTransitionTo(next) {
		return domain.Ticket{}, errors.Wrapf(domain.ErrInvalidTransition, "to %s", next)
	}
	t, err := scanTicket(r.q(ctx).QueryRow(ctx, `
		UPDATE tickets SET status = $2
		WHERE id = $1 AND status = 'active'
		RETURNING `+ticketColumns, ticketID, string(next)))
	if !errors.Is(err, domain.ErrNotFound) {
		return t, err
	}

	current, err := r.GetTicket(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	return current, errors.Wrapf(domain.ErrInvalidTransition, "%s to %s", current.Status, next)
}

// SaveTicket upserts a ticket as published by the sales side.
func (r *Repository) SaveTicket(ctx context.Context, t domain.Ticket) error {
	_, err := r.q(ctx).Exec(ctx, `
		UPSERT INTO tickets (`+ticketColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, t.ID, t.Code, t.TicketNumber, t.EventID, t.Entries(), string(t.Status), t.SalePrice, t.BuyerName, t.ValidatedAt)
	if isUniqueViolation(err) {
		return errors.Wrapf(domain.ErrInvalidInput, "ticket code %q already taken", t.Code)
	}
	return err
}

const eventColumns = `id, name, location, status, start_date, end_date, time_zone, base_price, price_ranges,
	max_capacity, current_sold, sale_start_date, sale_end_date`

func (r *Repository) GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	var (
		ev     domain.Event
		status string
		ranges []byte
	)
	err := r.q(ctx).QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id).Scan(
		&ev.ID, &ev.Name, &ev.Location, &status, &ev.StartDate, &ev.EndDate, &ev.TimeZone, &ev.BasePrice, &ranges,
		&ev.MaxCapacity, &ev.CurrentSold, &ev.SaleStartDate, &ev.SaleEndDate,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Event{}, domain.ErrEventNotFound
	}
	if err != nil {
		return domain.Event{}, err
	}
	ev.Status = domain.EventStatus(status)
	if len(ranges) > 0 {
		if err := json.Unmarshal(ranges, &ev.PriceRanges); err != nil {
			return domain.Event{}, errors.Wrap(err, "decode price ranges")
		}
	}
	return ev, nil
}

func (r *Repository) SaveEvent(ctx context.Context, ev domain.Event) error {
	ranges := ev.PriceRanges
	if ranges == nil {
		ranges = []domain.PriceRange{}
	}
	rangesJSON, err := json.Marshal(ranges)
	if err != nil {
		return errors.Wrap(err, "encode price ranges")
	}
	_, err = r.q(ctx).Exec(ctx, `
		UPSERT INTO events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, ev.ID, ev.Name, ev.Location, string(ev.Status), ev.StartDate, ev.EndDate, ev.TimeZone, ev.BasePrice, rangesJSON,
		ev.MaxCapacity, ev.CurrentSold, ev.SaleStartDate, ev.SaleEndDate)
	return err
}
