package pricing

import (
	"fmt"
	"sort"

	"github.com/robertarktes/ticket-admission/internal/domain"
)

type ValidationReport struct {
	Valid  bool     `json:"isValid"`
	Errors []string `json:"errors"`
}

// ValidateRanges checks every range and every pair of ranges and reports all
// violations rather than stopping at the first.
func ValidateRanges(ranges []domain.PriceRange) ValidationReport {
	errs := []string{}
	windows := make([]*window, len(ranges))

	for i, r := range ranges {
		n := i + 1
		if r.StartTime == "" || r.EndTime == "" {
			errs = append(errs, fmt.Sprintf("range %d: startTime and endTime are required", n))
			continue
		}

		start, startErr := parseClock(r.StartTime)
		if startErr != nil {
			errs = append(errs, fmt.Sprintf("range %d: startTime must be HH:MM (%s)", n, r.StartTime))
		}
		end, endErr := parseClock(r.EndTime)
		if endErr != nil {
			errs = append(errs, fmt.Sprintf("range %d: endTime must be HH:MM (%s)", n, r.EndTime))
		}
		if r.Price < 0 {
			errs = append(errs, fmt.Sprintf("range %d: price cannot be negative", n))
		}
		if startErr != nil || endErr != nil {
			continue
		}
		if start == end {
			errs = append(errs, fmt.Sprintf("range %d: startTime cannot equal endTime", n))
			continue
		}
		windows[i] = &window{start: start, end: end}
	}

	for i := 0; i < len(ranges)-1; i++ {
		for j := i + 1; j < len(ranges); j++ {
			if windows[i] == nil || windows[j] == nil {
				continue
			}
			if overlaps(*windows[i], *windows[j]) {
				errs = append(errs, fmt.Sprintf("ranges %d and %d overlap (%s-%s with %s-%s)",
					i+1, j+1, ranges[i].StartTime, ranges[i].EndTime, ranges[j].StartTime, ranges[j].EndTime))
			}
		}
	}

	return ValidationReport{Valid: len(errs) == 0, Errors: errs}
}

// Overlaps reports whether two ranges share wall-clock coverage. Ranges that
// are exactly adjacent (one ends the minute before the other starts) do not
// overlap. Malformed ranges never overlap anything.
func Overlaps(a, b domain.PriceRange) bool {
	wa, err := parseWindow(a.StartTime, a.EndTime)
	if err != nil {
		return false
	}
	wb, err := parseWindow(b.StartTime, b.EndTime)
	if err != nil {
		return false
	}
	return overlaps(wa, wb)
}

func overlaps(a, b window) bool {
	switch {
	case a.crossesMidnight() && b.crossesMidnight():
		// both contain midnight
		return true
	case a.crossesMidnight():
		return a.contains(b.start) || a.contains(b.end)
	case b.crossesMidnight():
		return b.contains(a.start) || b.contains(a.end)
	}
	if a.end+1 == b.start || b.end+1 == a.start {
		return false
	}
	return a.start < b.end && b.start < a.end
}

// OptimizeRanges sorts ranges by start time and merges exactly adjacent
// neighbours that share a price. The input is left untouched.
func OptimizeRanges(ranges []domain.PriceRange) []domain.PriceRange {
	if len(ranges) <= 1 {
		return append([]domain.PriceRange(nil), ranges...)
	}

	sorted := append([]domain.PriceRange(nil), ranges...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return startMinute(sorted[i]) < startMinute(sorted[j])
	})

	out := []domain.PriceRange{sorted[0]}
	for _, cur := range sorted[1:] {
		prev := &out[len(out)-1]
		prevEnd, errPrev := parseClock(prev.EndTime)
		curStart, errCur := parseClock(cur.StartTime)
		if errPrev == nil && errCur == nil && prev.Price == cur.Price && prevEnd+1 == curStart {
			prev.EndTime = cur.EndTime
			prev.Name = joinNames(prev.Name, cur.Name)
			continue
		}
		out = append(out, cur)
	}
	return out
}

func startMinute(r domain.PriceRange) int {
	m, err := parseClock(r.StartTime)
	if err != nil {
		return minutesPerDay
	}
	return m
}

func joinNames(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + " + " + b
}

// DefaultRangeName labels a range that was saved without a name.
func DefaultRangeName(r domain.PriceRange) string {
	w, err := parseWindow(r.StartTime, r.EndTime)
	if err == nil && w.crossesMidnight() {
		return fmt.Sprintf("Night %s-%s", r.StartTime, r.EndTime)
	}
	return fmt.Sprintf("Slot %s-%s", r.StartTime, r.EndTime)
}

var exampleRanges = map[string][]domain.PriceRange{
	"general": {
		{StartTime: "08:00", EndTime: "12:00", Price: 25, Name: "Morning"},
		{StartTime: "12:01", EndTime: "18:00", Price: 35, Name: "Afternoon"},
		{StartTime: "18:01", EndTime: "23:00", Price: 45, Name: "Evening"},
	},
	"restaurant": {
		{StartTime: "12:00", EndTime: "15:00", Price: 30, Name: "Lunch"},
		{StartTime: "15:01", EndTime: "18:00", Price: 25, Name: "Afternoon"},
		{StartTime: "18:01", EndTime: "22:00", Price: 40, Name: "Dinner"},
		{StartTime: "22:01", EndTime: "01:00", Price: 35, Name: "Late"},
	},
	"nightclub": {
		{StartTime: "20:00", EndTime: "23:00", Price: 40, Name: "Early Night"},
		{StartTime: "23:01", EndTime: "02:00", Price: 60, Name: "Prime Time"},
		{StartTime: "02:01", EndTime: "06:00", Price: 30, Name: "After Hours"},
	},
	"conference": {
		{StartTime: "07:00", EndTime: "09:00", Price: 80, Name: "Early Registration"},
		{StartTime: "09:01", EndTime: "17:00", Price: 120, Name: "Full Day"},
		{StartTime: "17:01", EndTime: "20:00", Price: 60, Name: "Evening Session"},
	},
	"hourly": {
		{StartTime: "18:00", EndTime: "19:00", Price: 40, Name: "Hour 1"},
		{StartTime: "19:01", EndTime: "20:00", Price: 50, Name: "Hour 2"},
		{StartTime: "20:01", EndTime: "21:00", Price: 60, Name: "Hour 3"},
		{StartTime: "21:01", EndTime: "22:00", Price: 55, Name: "Hour 4"},
		{StartTime: "22:01", EndTime: "23:00", Price: 45, Name: "Hour 5"},
	},
}

// ExampleRanges returns a template range set for an event kind, falling back
// to "general" for unknown kinds.
func ExampleRanges(kind string) []domain.PriceRange {
	ranges, ok := exampleRanges[kind]
	if !ok {
		ranges = exampleRanges["general"]
	}
	return append([]domain.PriceRange(nil), ranges...)
}
