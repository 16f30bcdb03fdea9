package outbox

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-admission/internal/clock"
	"github.com/robertarktes/ticket-admission/internal/domain"
	"github.com/robertarktes/ticket-admission/internal/observability"
)

type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	ClaimOutbox(ctx context.Context, limit int) ([]domain.OutboxMessage, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
}

type Broker interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

const (
	defaultInterval  = 5 * time.Second
	defaultBatchSize = 50
	publishAttempts  = 3
)

type Publisher struct {
	store     Store
	broker    Broker
	clock     clock.Clock
	logger    observability.Logger
	interval  time.Duration
	batchSize int
	backoff   time.Duration
}

func NewPublisher(store Store, broker Broker, clk clock.Clock, logger observability.Logger, interval time.Duration, batchSize int) *Publisher {
	if interval <= 0 {
		interval = defaultInterval
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Publisher{
		store:     store,
		broker:    broker,
		clock:     clk,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		backoff:   100 * time.Millisecond,
	}
}

func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Flush(ctx)
			if err != nil {
				p.logger.WithError(err).Error("outbox flush failed")
				continue
			}
			if n > 0 {
				p.logger.WithField("published", n).Debug("outbox batch published")
			}
		}
	}
}

// Flush publishes one batch and returns how many messages went out. Rows
// are claimed and marked in a single transaction so concurrent publishers
// skip each other's batches. The batch stops at the first message that
// cannot be published; it and everything after it stay NEW.
func (p *Publisher) Flush(ctx context.Context) (int, error) {
	var published int
	err := p.store.WithTx(ctx, func(ctx context.Context) error {
		msgs, err := p.store.ClaimOutbox(ctx, p.batchSize)
		if err != nil {
			return errors.Wrap(err, "claim outbox")
		}
		if len(msgs) == 0 {
			observability.OutboxLag.Set(0)
			return nil
		}

		now := p.clock.Now()
		if !msgs[0].CreatedAt.IsZero() {
			observability.OutboxLag.Set(now.Sub(msgs[0].CreatedAt).Seconds())
		}

		for _, m := range msgs {
			if err := p.publish(ctx, m); err != nil {
				p.logger.WithError(err).WithFields(map[string]interface{}{
					"outbox_id":  m.ID,
					"event_type": m.EventType,
				}).Error("outbox publish failed, will retry next tick")
				return nil
			}
			if err := p.store.MarkPublished(ctx, m.ID, now); err != nil {
				return errors.Wrap(err, "mark outbox published")
			}
			published++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return published, nil
}

func (p *Publisher) publish(ctx context.Context, m domain.OutboxMessage) error {
	msg := amqp.Publishing{
		MessageId:    m.DedupeKey,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    m.CreatedAt,
		Type:         m.EventType,
		Body:         m.Payload,
	}

	var err error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if attempt > 0 {
			observability.RabbitPublishRetries.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.backoff * time.Duration(1<<(attempt-1))):
			}
		}
		if err = p.broker.Publish(ctx, m.EventType, msg); err == nil {
			return nil
		}
	}
	return err
}
