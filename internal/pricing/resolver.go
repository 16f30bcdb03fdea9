package pricing

import (
	"time"
	_ "time/tzdata"

	"github.com/robertarktes/ticket-admission/internal/domain"
)

type Source string

const (
	SourceBase  Source = "base"
	SourceRange Source = "range"
)

type AppliedRange struct {
	domain.PriceRange
	CrossesMidnight bool   `json:"crossesMidnight"`
	Segment         string `json:"segment,omitempty"` // "night" or "early_morning" for wrapping ranges
}

type Resolution struct {
	Price        float64       `json:"price"`
	Source       Source        `json:"source"`
	AppliedRange *AppliedRange `json:"appliedRange,omitempty"`
	LocalTime    string        `json:"localTime"`
}

// Resolve returns the unit price in effect at the given instant. The first
// range that contains the instant's minute of day wins; with no match the
// event's base price applies. Malformed ranges are skipped.
func Resolve(ev domain.Event, at time.Time) Resolution {
	local := localize(ev, at)
	m := local.Hour()*60 + local.Minute()

	for _, r := range ev.PriceRanges {
		w, err := parseWindow(r.StartTime, r.EndTime)
		if err != nil || !w.contains(m) {
			continue
		}
		applied := &AppliedRange{PriceRange: r, CrossesMidnight: w.crossesMidnight()}
		if applied.CrossesMidnight {
			if m >= w.start {
				applied.Segment = "night"
			} else {
				applied.Segment = "early_morning"
			}
		}
		return Resolution{
			Price:        r.Price,
			Source:       SourceRange,
			AppliedRange: applied,
			LocalTime:    formatClock(m),
		}
	}

	return Resolution{
		Price:     ev.BasePrice,
		Source:    SourceBase,
		LocalTime: formatClock(m),
	}
}

func localize(ev domain.Event, at time.Time) time.Time {
	if ev.TimeZone == "" {
		return at
	}
	loc, err := time.LoadLocation(ev.TimeZone)
	if err != nil {
		return at
	}
	return at.In(loc)
}
