package pricing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

const minutesPerDay = 24 * 60

var clockPattern = regexp.MustCompile(`^([0-1]?[0-9]|2[0-3]):[0-5][0-9]$`)

// parseClock converts "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	if !clockPattern.MatchString(s) {
		return 0, errors.Newf("invalid time of day %q", s)
	}
	parts := strings.SplitN(s, ":", 2)
	h, _ := strconv.Atoi(parts[0])
	m, _ := strconv.Atoi(parts[1])
	return h*60 + m, nil
}

func formatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// window is a parsed range in minutes since midnight, both ends inclusive.
type window struct {
	start, end int
}

func (w window) crossesMidnight() bool {
	return w.start > w.end
}

func (w window) contains(m int) bool {
	if w.crossesMidnight() {
		return m >= w.start || m <= w.end
	}
	return m >= w.start && m <= w.end
}

// length is the covered span in minutes, counted the same way the
// daily average weighs ranges.
func (w window) length() int {
	if w.crossesMidnight() {
		return minutesPerDay - w.start + w.end
	}
	return w.end - w.start
}

func parseWindow(startTime, endTime string) (window, error) {
	start, err := parseClock(startTime)
	if err != nil {
		return window{}, err
	}
	end, err := parseClock(endTime)
	if err != nil {
		return window{}, err
	}
	return window{start: start, end: end}, nil
}
