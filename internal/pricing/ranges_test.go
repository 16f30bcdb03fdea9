package pricing

import (
	"testing"

	"github.com/robertarktes/ticket-admission/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name       string
		ranges     []domain.PriceRange
		wantValid  bool
		wantErrors int
	}{
		{
			name:      "empty set is valid",
			ranges:    nil,
			wantValid: true,
		},
		{
			name: "adjacent ranges are valid",
			ranges: []domain.PriceRange{
				{StartTime: "09:00", EndTime: "12:00", Price: 10},
				{StartTime: "12:01", EndTime: "15:00", Price: 10},
			},
			wantValid: true,
		},
		{
			name: "overlapping ranges report one error",
			ranges: []domain.PriceRange{
				{StartTime: "09:00", EndTime: "12:00", Price: 10},
				{StartTime: "11:00", EndTime: "13:00", Price: 10},
			},
			wantErrors: 1,
		},
		{
			name: "two wrapping ranges always overlap",
			ranges: []domain.PriceRange{
				{StartTime: "22:00", EndTime: "01:00", Price: 10},
				{StartTime: "23:30", EndTime: "00:30", Price: 10},
			},
			wantErrors: 1,
		},
		{
			name: "normal range reaching into a wrap window overlaps",
			ranges: []domain.PriceRange{
				{StartTime: "22:00", EndTime: "06:00", Price: 10},
				{StartTime: "05:00", EndTime: "07:00", Price: 10},
			},
			wantErrors: 1,
		},
		{
			name: "normal range right after a wrap window is fine",
			ranges: []domain.PriceRange{
				{StartTime: "22:00", EndTime: "06:00", Price: 10},
				{StartTime: "06:01", EndTime: "21:59", Price: 10},
			},
			wantValid: true,
		},
		{
			name: "collects every violation",
			ranges: []domain.PriceRange{
				{StartTime: "25:00", EndTime: "12:00", Price: 10},
				{StartTime: "10:00", EndTime: "10:00", Price: -1},
				{StartTime: "", EndTime: "11:00", Price: 1},
				{StartTime: "08:00", EndTime: "12:00", Price: 1},
				{StartTime: "09:00", EndTime: "13:00", Price: 1},
			},
			// bad start, negative price, equal ends, missing field, one overlap
			wantErrors: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := ValidateRanges(tt.ranges)
			assert.Equal(t, tt.wantValid, report.Valid, report.Errors)
			assert.Len(t, report.Errors, tt.wantErrors, report.Errors)
		})
	}
}

func TestOverlaps_IsSymmetric(t *testing.T) {
	a := domain.PriceRange{StartTime: "22:00", EndTime: "06:00"}
	b := domain.PriceRange{StartTime: "05:00", EndTime: "07:00"}
	assert.True(t, Overlaps(a, b))
	assert.True(t, Overlaps(b, a))
	assert.False(t, Overlaps(a, domain.PriceRange{StartTime: "nope", EndTime: "07:00"}))
}

func TestOptimizeRanges_MergesAdjacentEqualPrices(t *testing.T) {
	in := []domain.PriceRange{
		{StartTime: "12:01", EndTime: "15:00", Price: 10, Name: "Afternoon"},
		{StartTime: "09:00", EndTime: "12:00", Price: 10, Name: "Morning"},
	}

	out := OptimizeRanges(in)
	require.Len(t, out, 1)
	assert.Equal(t, "09:00", out[0].StartTime)
	assert.Equal(t, "15:00", out[0].EndTime)
	assert.Equal(t, "Morning + Afternoon", out[0].Name)

	assert.Equal(t, "12:01", in[0].StartTime, "input must not be mutated")
	assert.Equal(t, "12:00", in[1].EndTime, "input must not be mutated")
}

func TestOptimizeRanges_PreservesPricePerMinute(t *testing.T) {
	in := []domain.PriceRange{
		{StartTime: "18:00", EndTime: "19:00", Price: 40},
		{StartTime: "19:01", EndTime: "20:00", Price: 40},
		{StartTime: "20:01", EndTime: "21:00", Price: 60},
		{StartTime: "21:30", EndTime: "22:00", Price: 60},
	}
	out := OptimizeRanges(in)
	assert.LessOrEqual(t, len(out), len(in))
	assert.Len(t, out, 3)

	before := domain.Event{BasePrice: 1, PriceRanges: in}
	after := domain.Event{BasePrice: 1, PriceRanges: out}
	for m := 0; m < minutesPerDay; m += 7 {
		instant := at("00:00").Add(timeMinutes(m))
		assert.Equal(t, Resolve(before, instant).Price, Resolve(after, instant).Price, "minute %d", m)
	}
}

func TestExampleRanges_AreValid(t *testing.T) {
	for _, kind := range []string{"general", "restaurant", "nightclub", "conference", "hourly", "unknown"} {
		t.Run(kind, func(t *testing.T) {
			report := ValidateRanges(ExampleRanges(kind))
			assert.True(t, report.Valid, report.Errors)
		})
	}
}

func TestDefaultRangeName(t *testing.T) {
	assert.Equal(t, "Night 22:00-02:00", DefaultRangeName(domain.PriceRange{StartTime: "22:00", EndTime: "02:00"}))
	assert.Equal(t, "Slot 09:00-10:00", DefaultRangeName(domain.PriceRange{StartTime: "09:00", EndTime: "10:00"}))
}
