package weekclock

import (
	"errors"
	"fmt"
	"time"
)

// All boundary arithmetic happens in UTC. Org-local week start day shifts
// the boundary, org timezone is display-only: this keeps a nominal week
// stable no matter where or when it is recomputed.

var ErrInvalidWeekStartDay = errors.New("week start day must be in [0,6]")

const DefaultWeekStartDay = time.Monday

// Canonical returns the start of the week containing now, aligned to
// weekStartDay, plus its display label. Weeks are half-open
// [start, start+7d).
func Canonical(now time.Time, weekStartDay time.Weekday) (time.Time, string, error) {
	if weekStartDay < time.Sunday || weekStartDay > time.Saturday {
		return time.Time{}, "", fmt.Errorf("%w: %d", ErrInvalidWeekStartDay, weekStartDay)
	}

	utc := now.UTC()
	day := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)

	back := (int(day.Weekday()) - int(weekStartDay) + 7) % 7
	start := day.AddDate(0, 0, -back)
	return start, Label(start), nil
}

// ResolveTarget returns the start of the week at the given offset from the
// week containing now. Offset -1 is the most recently fully completed week.
func ResolveTarget(now time.Time, weekOffset int, weekStartDay time.Weekday) (time.Time, error) {
	start, _, err := Canonical(now, weekStartDay)
	if err != nil {
		return time.Time{}, err
	}
	return start.AddDate(0, 0, 7*weekOffset), nil
}

// Label renders a week start as an ISO-style year-week tag. The ISO week of
// the Monday-or-later start date is stable for any configured start day.
func Label(weekStart time.Time) string {
	year, week := weekStart.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// Contains reports whether t falls inside the half-open week starting at
// weekStart.
func Contains(weekStart, t time.Time) bool {
	u := t.UTC()
	return !u.Before(weekStart) && u.Before(weekStart.AddDate(0, 0, 7))
}
