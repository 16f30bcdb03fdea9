package crdb

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-admission/internal/domain"
)

// Enqueue stores msg unless its dedupe key is already present.
func (r *Repository) Enqueue(ctx context.Context, msg domain.OutboxMessage) error {
	var createdAt *time.Time
	if !msg.CreatedAt.IsZero() {
		createdAt = &msg.CreatedAt
	}
	_, err := r.q(ctx).Exec(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload_json, status, dedupe_key, created_at)
		VALUES ($1, $2, $3, $4, $5, 'NEW', $6, COALESCE($7::TIMESTAMPTZ, now()))
		ON CONFLICT (dedupe_key) DO NOTHING
	`, msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, msg.DedupeKey, createdAt)
	return err
}

// ClaimOutbox locks up to limit unpublished messages, oldest first. It must
// run inside WithTx so the locks last until the batch is marked.
func (r *Repository) ClaimOutbox(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload_json, created_at, published_at, status, dedupe_key
		FROM outbox WHERE status = 'NEW' ORDER BY created_at ASC LIMIT $1 FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.OutboxMessage
	for rows.Next() {
		var m domain.OutboxMessage
		err := rows.Scan(&m.ID, &m.AggregateType, &m.AggregateID, &m.EventType, &m.Payload, &m.CreatedAt, &m.PublishedAt, &m.Status, &m.DedupeKey)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (r *Repository) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.q(ctx).Exec(ctx, `
		UPDATE outbox SET status = 'PUBLISHED', published_at = $2 WHERE id = $1
	`, id, at)
	return err
}
