package pricing

import (
	"math"
	"time"

	"github.com/robertarktes/ticket-admission/internal/domain"
)

// DailyAveragePrice weighs each range by its duration and fills the minutes
// no range covers with the base price.
func DailyAveragePrice(ev domain.Event) float64 {
	if len(ev.PriceRanges) == 0 {
		return ev.BasePrice
	}

	total, weighted := 0, 0.0
	for _, r := range ev.PriceRanges {
		w, err := parseWindow(r.StartTime, r.EndTime)
		if err != nil {
			continue
		}
		d := w.length()
		total += d
		weighted += r.Price * float64(d)
	}
	if uncovered := minutesPerDay - total; uncovered > 0 {
		weighted += ev.BasePrice * float64(uncovered)
		total += uncovered
	}
	if total == 0 {
		return ev.BasePrice
	}
	return weighted / float64(total)
}

type RevenueEstimate struct {
	AveragePrice   float64 `json:"averagePrice"`
	EstimatedSales int     `json:"estimatedSales"`
	TotalRevenue   float64 `json:"totalRevenue"`
	OccupancyRate  float64 `json:"occupancyRate"`
}

func EstimatedRevenue(ev domain.Event, occupancy float64) RevenueEstimate {
	avg := DailyAveragePrice(ev)
	sales := int(math.Floor(float64(ev.MaxCapacity) * occupancy))
	return RevenueEstimate{
		AveragePrice:   avg,
		EstimatedSales: sales,
		TotalRevenue:   avg * float64(sales),
		OccupancyRate:  occupancy,
	}
}

const (
	SaleBlockedStatus     = "EVENT_STATUS"
	SaleBlockedSoldOut    = "SOLD_OUT"
	SaleBlockedNotStarted = "SALE_NOT_STARTED"
	SaleBlockedEnded      = "SALE_ENDED"
	SaleBlockedStarted    = "EVENT_STARTED"
)

type SaleCheck struct {
	CanSell   bool   `json:"canSell"`
	Reason    string `json:"reason"`
	Code      string `json:"code,omitempty"`
	Available int    `json:"availableTickets,omitempty"`
}

// CanSell reports whether tickets for ev may be sold at now.
func CanSell(ev domain.Event, now time.Time) SaleCheck {
	switch {
	case ev.Status != domain.EventActive:
		return SaleCheck{Reason: "event is " + string(ev.Status), Code: SaleBlockedStatus}
	case ev.CurrentSold >= ev.MaxCapacity:
		return SaleCheck{Reason: "event is sold out", Code: SaleBlockedSoldOut}
	case ev.SaleStartDate != nil && now.Before(*ev.SaleStartDate):
		return SaleCheck{Reason: "sales have not started", Code: SaleBlockedNotStarted}
	case ev.SaleEndDate != nil && now.After(*ev.SaleEndDate):
		return SaleCheck{Reason: "sales have ended", Code: SaleBlockedEnded}
	case now.After(ev.StartDate):
		return SaleCheck{Reason: "event has already started", Code: SaleBlockedStarted}
	}
	return SaleCheck{
		CanSell:   true,
		Reason:    "tickets available",
		Available: ev.MaxCapacity - ev.CurrentSold,
	}
}
