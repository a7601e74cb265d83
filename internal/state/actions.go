package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/dopejs/tally/internal/clock"
)

var (
	ErrUnknownGoal     = errors.New("unknown goal")
	ErrDateOutsideWeek = errors.New("date is outside the current week")
	ErrFutureDate      = errors.New("date is after the current day")
)

// Action is a mutation dispatched to a Store. The set of actions is closed.
type Action interface {
	apply(p *Period, e *env) (changed bool, err error)
}

type env struct {
	now      time.Time
	goals    GoalSet
	revision uint64
}

// resolveDate defaults an empty date to the selected day and checks that it
// is an editable day of the current week.
func resolveDate(p *Period, date string) (string, error) {
	if date == "" {
		date = p.SelectedTrackerDate
	}
	if date == "" {
		date = p.CurrentDayDate
	}
	if _, err := clock.ParseDay(date); err != nil {
		return "", err
	}
	if !clock.InWeek(date, p.CurrentWeekStartDate) {
		return "", fmt.Errorf("%s: %w", date, ErrDateOutsideWeek)
	}
	if p.CurrentDayDate != "" && date > p.CurrentDayDate {
		return "", fmt.Errorf("%s: %w", date, ErrFutureDate)
	}
	return date, nil
}

func (e *env) checkGoal(goal string) error {
	if goal == "" {
		return fmt.Errorf("empty goal: %w", ErrUnknownGoal)
	}
	if e.goals != nil && !e.goals.Has(goal) {
		return fmt.Errorf("%q: %w", goal, ErrUnknownGoal)
	}
	return nil
}

func setCount(p *Period, e *env, goal, date string, count int) (bool, error) {
	if err := e.checkGoal(goal); err != nil {
		return false, err
	}
	day, err := resolveDate(p, date)
	if err != nil {
		return false, err
	}
	if count < 0 {
		count = 0
	}
	bucket := p.DailyCounts[day]
	if bucket == nil {
		bucket = Counts{}
		p.DailyCounts[day] = bucket
	}
	if bucket[goal] == count {
		return false, nil
	}
	if count == 0 {
		delete(bucket, goal)
	} else {
		bucket[goal] = count
	}
	p.RecomputeWeekly()
	stamp(p, e.now)
	return true, nil
}

// Increment adds Delta (which may be negative) to a goal's count on Date.
// Counts never drop below zero. An empty Date means the selected day.
type Increment struct {
	Goal  string
	Date  string
	Delta int
}

func (a Increment) apply(p *Period, e *env) (bool, error) {
	if a.Delta == 0 {
		return false, nil
	}
	day, err := resolveDate(p, a.Date)
	if err != nil {
		return false, err
	}
	return setCount(p, e, a.Goal, day, p.DailyCounts[day][a.Goal]+a.Delta)
}

// SetCount overwrites a goal's count on Date.
type SetCount struct {
	Goal  string
	Date  string
	Count int
}

func (a SetCount) apply(p *Period, e *env) (bool, error) {
	return setCount(p, e, a.Goal, a.Date, a.Count)
}

// SelectDate changes the day shown for editing.
type SelectDate struct {
	Date string
}

func (a SelectDate) apply(p *Period, e *env) (bool, error) {
	day, err := resolveDate(p, a.Date)
	if err != nil {
		return false, err
	}
	if p.SelectedTrackerDate == day {
		return false, nil
	}
	p.SelectedTrackerDate = day
	return true, nil
}

// SetWeekStart changes the week-start preference. The next rollover check
// moves the period onto the new week boundaries.
type SetWeekStart struct {
	Day time.Weekday
}

func (a SetWeekStart) apply(p *Period, e *env) (bool, error) {
	name := clock.WeekdayName(a.Day)
	if p.Metadata.WeekStartDay == name {
		return false, nil
	}
	p.Metadata.WeekStartDay = name
	p.Touch(clock.Millis(e.now))
	return true, nil
}

// MarkHistoryDirty flags the archive as changed since the last sync. It always
// counts as a change, so a conditional ClearSyncFlags issued by a sync that
// started before the archive edit is rejected.
type MarkHistoryDirty struct{}

func (MarkHistoryDirty) apply(p *Period, e *env) (bool, error) {
	p.Metadata.HistorySync = Dirty
	return true, nil
}

// Replace installs a period wholesale.
type Replace struct {
	Period Period
}

func (a Replace) apply(p *Period, e *env) (bool, error) {
	*p = a.Period.Clone()
	return true, nil
}

// Update runs Fn on a copy of the period under the store lock. Fn returns the
// new period and whether it changed; an error leaves the store untouched.
type Update struct {
	Fn func(Period) (Period, bool, error)
}

func (a Update) apply(p *Period, e *env) (bool, error) {
	next, changed, err := a.Fn(p.Clone())
	if err != nil || !changed {
		return false, err
	}
	*p = next
	return true, nil
}

// ClearSyncFlags marks the selected concerns clean. When IfRevision is set the
// flags are cleared only if nothing was dispatched since that revision;
// otherwise ErrStale is returned and the flags stay dirty for the next sync.
type ClearSyncFlags struct {
	Daily      bool
	Weekly     bool
	History    bool
	IfRevision *uint64
}

func (a ClearSyncFlags) apply(p *Period, e *env) (bool, error) {
	if a.IfRevision != nil && *a.IfRevision != e.revision {
		return false, ErrStale
	}
	changed := false
	if a.Daily && p.Metadata.DailySync != Clean {
		p.Metadata.DailySync = Clean
		changed = true
	}
	if a.Weekly && p.Metadata.WeeklySync != Clean {
		p.Metadata.WeeklySync = Clean
		changed = true
	}
	if (a.Daily || a.Weekly) && p.Metadata.DateResetType != ResetNone {
		p.Metadata.DateResetType = ResetNone
		changed = true
	}
	if a.History && p.Metadata.HistorySync != Clean {
		p.Metadata.HistorySync = Clean
		changed = true
	}
	return changed, nil
}
