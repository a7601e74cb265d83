// Package clock maps moments to the calendar identifiers used by the tracker:
// day keys ("2024-06-09") and week-start keys computed from a configurable
// week-start day. All functions are pure.
package clock

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the layout of every day and week-start key.
const DateLayout = "2006-01-02"

// DefaultWeekStart is used when no preference has been stored.
const DefaultWeekStart = time.Sunday

// DayKey returns the calendar day of t in t's location.
func DayKey(t time.Time) string {
	return t.Format(DateLayout)
}

// WeekStartTime returns midnight of the first day of the week containing t.
func WeekStartTime(t time.Time, startDay time.Weekday) time.Time {
	if startDay < time.Sunday || startDay > time.Saturday {
		startDay = DefaultWeekStart
	}
	delta := (int(t.Weekday()) - int(startDay) + 7) % 7
	y, m, d := t.Date()
	return time.Date(y, m, d-delta, 0, 0, 0, 0, t.Location())
}

// WeekStart returns the week-start key of the week containing t.
func WeekStart(t time.Time, startDay time.Weekday) string {
	return DayKey(WeekStartTime(t, startDay))
}

// ParseDay parses a day key. The result is midnight UTC so that day arithmetic
// is never affected by DST transitions.
func ParseDay(day string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, day, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day %q: %w", day, err)
	}
	return t, nil
}

// AddDays shifts a day key by n days.
func AddDays(day string, n int) (string, error) {
	t, err := ParseDay(day)
	if err != nil {
		return "", err
	}
	return DayKey(t.AddDate(0, 0, n)), nil
}

// WeekDays returns the seven day keys starting at weekStart.
func WeekDays(weekStart string) ([]string, error) {
	t, err := ParseDay(weekStart)
	if err != nil {
		return nil, err
	}
	days := make([]string, 7)
	for i := range days {
		days[i] = DayKey(t.AddDate(0, 0, i))
	}
	return days, nil
}

// InWeek reports whether day falls in [weekStart, weekStart+6]. A key that
// does not parse is never in any week.
func InWeek(day, weekStart string) bool {
	d, err := ParseDay(day)
	if err != nil {
		return false
	}
	start, err := ParseDay(weekStart)
	if err != nil {
		return false
	}
	return !d.Before(start) && d.Before(start.AddDate(0, 0, 7))
}

// ParseWeekday accepts full or three-letter English day names, case-insensitive.
// An empty string yields DefaultWeekStart.
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultWeekStart, nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return DefaultWeekStart, fmt.Errorf("unknown weekday %q", s)
}

// WeekdayName returns the lower-case name stored in config and metadata.
func WeekdayName(d time.Weekday) string {
	return strings.ToLower(d.String())
}

// Millis converts t to unix milliseconds, the timestamp unit of every
// persisted file. The zero time maps to 0.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis is the inverse of Millis.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
