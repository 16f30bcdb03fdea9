package lifecycle

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-admission/internal/domain"
	"github.com/robertarktes/ticket-admission/internal/observability"
)

// Routing keys the sales side publishes ticket changes under.
const (
	KeyTicketCancelled = "ticket.cancelled"
	KeyTicketRefunded  = "ticket.refunded"
)

const (
	dispositionApplied   = "applied"
	dispositionDuplicate = "duplicate"
	dispositionRejected  = "rejected"
	dispositionRequeued  = "requeued"
)

type Store interface {
	TransitionTicket(ctx context.Context, ticketID uuid.UUID, next domain.TicketStatus) (domain.Ticket, error)
}

// Message is the body of a lifecycle event.
type Message struct {
	TicketID uuid.UUID           `json:"ticketId"`
	Status   domain.TicketStatus `json:"status"`
	Reason   string              `json:"reason,omitempty"`
}

var errPermanent = errors.New("lifecycle message cannot be applied")

type Applier struct {
	store  Store
	logger observability.Logger
}

func NewApplier(store Store, logger observability.Logger) *Applier {
	return &Applier{store: store, logger: logger}
}

// Handle applies one message. Errors marked permanent will never succeed on
// redelivery; any other error is a storage fault worth retrying.
func (a *Applier) Handle(ctx context.Context, body []byte) error {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return errors.Mark(errors.Wrap(err, "decode lifecycle message"), errPermanent)
	}
	if msg.TicketID == uuid.Nil {
		return errors.Mark(errors.New("missing ticketId"), errPermanent)
	}
	if msg.Status != domain.TicketCancelled && msg.Status != domain.TicketRefunded {
		return errors.Mark(errors.Newf("unsupported status %q", msg.Status), errPermanent)
	}

	log := a.logger.WithFields(map[string]interface{}{
		"ticket_id": msg.TicketID,
		"status":    msg.Status,
	})

	t, err := a.store.TransitionTicket(ctx, msg.TicketID, msg.Status)
	switch {
	case err == nil:
		log.Info("ticket status applied")
		observability.LifecycleMessages.WithLabelValues(dispositionApplied).Inc()
		return nil
	case errors.Is(err, domain.ErrInvalidTransition) && t.Status == msg.Status:
		log.Debug("ticket already in requested status")
		observability.LifecycleMessages.WithLabelValues(dispositionDuplicate).Inc()
		return nil
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotFound):
		return errors.Mark(err, errPermanent)
	}
	return domain.StorageFault(err, "transition ticket")
}

// Process handles a delivery and settles it: ack on success or permanent
// failure, nack with requeue on storage faults.
func (a *Applier) Process(ctx context.Context, d amqp.Delivery) {
	err := a.Handle(ctx, d.Body)
	log := a.logger.WithField("message_id", d.MessageId)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			log.WithError(ackErr).Error("ack failed")
		}
	case errors.Is(err, errPermanent):
		log.WithError(err).Warn("dropping lifecycle message")
		observability.LifecycleMessages.WithLabelValues(dispositionRejected).Inc()
		if ackErr := d.Ack(false); ackErr != nil {
			log.WithError(ackErr).Error("ack failed")
		}
	default:
		log.WithError(err).Error("lifecycle message failed, requeueing")
		observability.LifecycleMessages.WithLabelValues(dispositionRequeued).Inc()
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.WithError(nackErr).Error("nack failed")
		}
	}
}

// Run processes deliveries until ctx ends or the channel closes.
func (a *Applier) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			a.Process(ctx, d)
		}
	}
}
