package pricing

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-admission/internal/clock"
	"github.com/robertarktes/ticket-admission/internal/domain"
)

// EventCatalog reads events from the same store admission decides against.
type EventCatalog interface {
	GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error)
}

type Quote struct {
	EventID      uuid.UUID  `json:"eventId"`
	At           time.Time  `json:"at"`
	Resolution   Resolution `json:"resolution"`
	Sale         SaleCheck  `json:"sale"`
	DailyAverage float64    `json:"dailyAveragePrice"`
}

type Quoter struct {
	catalog EventCatalog
	clock   clock.Clock
}

func NewQuoter(catalog EventCatalog, clk clock.Clock) *Quoter {
	return &Quoter{catalog: catalog, clock: clk}
}

// Quote prices a sale of one unit for eventID at the given instant. A zero
// instant means now.
func (q *Quoter) Quote(ctx context.Context, eventID uuid.UUID, at time.Time) (Quote, error) {
	ev, err := q.catalog.GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Quote{}, err
		}
		return Quote{}, domain.StorageFault(err, "load event")
	}
	if at.IsZero() {
		at = q.clock.Now()
	}
	return Quote{
		EventID:      ev.ID,
		At:           at,
		Resolution:   Resolve(ev, at),
		Sale:         CanSell(ev, at),
		DailyAverage: DailyAveragePrice(ev),
	}, nil
}
