// Package timeutil holds the UTC normalization helpers shared by every layer.
// All stored and computed timestamps are UTC; conversion happens only at the
// boundaries through ParseTimestamp.
package timeutil

import (
	"fmt"
	"strings"
	"time"
)

// DateKeyLayout is the layout of calendar-day keys (exception and occurrence dates).
const DateKeyLayout = "2006-01-02"

var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	DateKeyLayout,
}

// ParseTimestamp converts a boundary timestamp into UTC. Values carrying an
// offset are converted; naive values are read as UTC.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

// StartOfDay returns midnight UTC of the day t falls on (in UTC).
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// EndOfDay returns 23:59:59 UTC of the day t falls on (in UTC).
func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).Add(24*time.Hour - time.Second)
}

// DateKey renders the UTC calendar day of t.
func DateKey(t time.Time) string {
	return t.UTC().Format(DateKeyLayout)
}

// SameDay reports whether a and b fall on the same UTC calendar day.
func SameDay(a, b time.Time) bool {
	return StartOfDay(a).Equal(StartOfDay(b))
}
