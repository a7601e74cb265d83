// Package rollover moves the current period onto the system's day and week,
// archiving the outgoing week when a week boundary is crossed.
package rollover

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/dopejs/tally/internal/catalog"
	"github.com/dopejs/tally/internal/clock"
	"github.com/dopejs/tally/internal/history"
	"github.com/dopejs/tally/internal/state"
)

// ErrArchiveWriteFailed means the outgoing week could not be archived. The
// period is left as it was and the check should be retried later.
var ErrArchiveWriteFailed = errors.New("archive write failed")

// Outcome describes what a check did.
type Outcome int

const (
	None Outcome = iota
	Realigned
	Daily
	Weekly
)

func (o Outcome) String() string {
	switch o {
	case Realigned:
		return "realigned"
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	default:
		return "none"
	}
}

// Changed reports whether the period was modified.
func (o Outcome) Changed() bool {
	return o != None
}

// Engine performs rollover checks against an archive.
type Engine struct {
	archive history.Store
	catalog *catalog.Catalog
	logger  *log.Logger
}

// New creates an Engine. cat may be nil, in which case archived weeks carry no
// target snapshot.
func New(archive history.Store, cat *catalog.Catalog, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Engine{archive: archive, catalog: cat, logger: logger}
}

// CheckDateAndReset returns p moved onto the day and week containing now.
// When the week changed, the outgoing week is archived first; if that fails,
// p is returned unchanged together with an error wrapping
// ErrArchiveWriteFailed. Any number of elapsed weeks produces a single
// archive for the week p was tracking.
//
// A changed week-start preference re-keys the period onto the new boundaries
// instead. A clock that moved back into an earlier week leaves the period
// alone.
func (e *Engine) CheckDateAndReset(ctx context.Context, p state.Period, now time.Time) (state.Period, Outcome, error) {
	weekStart := p.WeekStartDay()
	today := clock.DayKey(now)
	systemWeek := clock.WeekStart(now, weekStart)
	tracked, err := clock.ParseDay(p.CurrentWeekStartDate)
	known := err == nil

	switch {
	case known && p.CurrentWeekStartDate != systemWeek && tracked.Weekday() != weekStart:
		return e.realignWeek(ctx, p, today, systemWeek, now)

	case known && p.CurrentWeekStartDate > systemWeek:
		e.logger.Printf("[rollover] clock is in week %s, behind current week %s; keeping current week",
			systemWeek, p.CurrentWeekStartDate)
		return p, None, nil

	case p.CurrentWeekStartDate != systemWeek:
		if err := e.archiveOutgoing(ctx, p, now); err != nil {
			return p, None, err
		}
		next := resetWeek(p, today, systemWeek, now)
		e.logger.Printf("[rollover] week %s -> %s", p.CurrentWeekStartDate, systemWeek)
		return next, Weekly, nil

	case p.CurrentDayDate != today:
		next := resetDay(p, today, now)
		e.logger.Printf("[rollover] day %s -> %s", p.CurrentDayDate, today)
		return next, Daily, nil

	case p.SelectedTrackerDate != p.CurrentDayDate:
		next := p.Clone()
		next.SelectedTrackerDate = next.CurrentDayDate
		return next, Realigned, nil
	}
	return p, None, nil
}

// realignWeek moves p onto the week starting at systemWeek after a change of
// week-start preference. Days of the old week that also fall in the new week
// stay in the period. Days before the new week start are archived under the
// old week's key. When today is still inside the old week no boundary was
// crossed and the outcome is Realigned; otherwise it is Weekly.
func (e *Engine) realignWeek(ctx context.Context, p state.Period, today, systemWeek string, now time.Time) (state.Period, Outcome, error) {
	outgoing := p.Clone()
	outgoing.DailyCounts = state.DailyCounts{}
	kept := state.DailyCounts{}
	for day, c := range p.WeekDays() {
		if clock.InWeek(day, systemWeek) {
			kept[day] = c
		} else {
			outgoing.DailyCounts[day] = c
		}
	}
	outgoing.RecomputeWeekly()

	archived := outgoing.HasCounts()
	if archived {
		if err := e.archiveOutgoing(ctx, outgoing, now); err != nil {
			return p, None, err
		}
	}

	crossed := !clock.InWeek(today, p.CurrentWeekStartDate)
	var next state.Period
	if crossed {
		next = resetWeek(p, today, systemWeek, now)
		if !archived {
			next.Metadata.HistorySync = p.Metadata.HistorySync
		}
	} else {
		ms := clock.Millis(now)
		next = p.Clone()
		next.CurrentWeekStartDate = systemWeek
		next.CurrentDayDate = today
		next.SelectedTrackerDate = today
		next.Metadata.DailySync = state.Dirty
		next.Metadata.WeeklySync = state.Dirty
		if archived {
			next.Metadata.HistorySync = state.Dirty
		}
		next.Touch(ms)
	}
	next.DailyCounts = kept
	if _, ok := next.DailyCounts[today]; !ok {
		next.DailyCounts[today] = state.Counts{}
	}
	next.RecomputeWeekly()

	e.logger.Printf("[rollover] week start now %s: week %s -> %s", clock.WeekdayName(p.WeekStartDay()), p.CurrentWeekStartDate, systemWeek)
	if crossed {
		return next, Weekly, nil
	}
	return next, Realigned, nil
}

// Run performs a check on the period owned by st. The check and the install
// happen atomically with respect to other dispatches.
func (e *Engine) Run(ctx context.Context, st *state.Store, now time.Time) (Outcome, error) {
	outcome := None
	_, err := st.Dispatch(state.Update{Fn: func(p state.Period) (state.Period, bool, error) {
		next, o, err := e.CheckDateAndReset(ctx, p, now)
		if err != nil {
			return p, false, err
		}
		outcome = o
		return next, o.Changed(), nil
	}})
	if err != nil {
		return None, err
	}
	return outcome, nil
}

func (e *Engine) archiveOutgoing(ctx context.Context, p state.Period, now time.Time) error {
	if p.CurrentWeekStartDate == "" {
		return nil
	}
	if p.Metadata.IsFreshInstall && !p.HasCounts() {
		return nil
	}

	w := e.snapshot(p, now)
	existing, err := e.archive.Get(ctx, w.WeekStartDate)
	switch {
	case err == nil:
		w = mergeExisting(*existing, w)
	case !errors.Is(err, history.ErrNotFound):
		return fmt.Errorf("%w: read week %s: %v", ErrArchiveWriteFailed, w.WeekStartDate, err)
	}
	if err := e.archive.Put(ctx, w); err != nil {
		e.logger.Printf("[rollover] archive of week %s failed: %v", w.WeekStartDate, err)
		return fmt.Errorf("%w: %v", ErrArchiveWriteFailed, err)
	}
	return nil
}

// snapshot captures the outgoing week with its totals recomputed from the
// daily counts.
func (e *Engine) snapshot(p state.Period, now time.Time) history.Week {
	ms := clock.Millis(now)
	breakdown := map[string]map[string]int{}
	for day, c := range p.WeekDays() {
		breakdown[day] = map[string]int(c.Clone())
	}
	w := history.Week{
		WeekStartDate:  p.CurrentWeekStartDate,
		Totals:         map[string]int(p.SumWeek()),
		DailyBreakdown: breakdown,
		Metadata:       history.WeekMetadata{UpdatedAt: ms, ArchivedAt: ms},
	}
	if e.catalog != nil {
		w.Targets = e.catalog.Snapshot()
	}
	return w
}

// mergeExisting folds an already archived copy of the same week into w by
// taking the larger count per day and goal.
func mergeExisting(old, w history.Week) history.Week {
	out := w.Clone()
	if old.DailyBreakdown != nil {
		for day, c := range old.DailyBreakdown {
			cur := out.DailyBreakdown[day]
			if cur == nil {
				cur = map[string]int{}
				out.DailyBreakdown[day] = cur
			}
			for g, v := range c {
				if v > cur[g] {
					cur[g] = v
				}
			}
		}
		out.RecomputeTotals()
	}
	for g, v := range old.Totals {
		if v > out.Totals[g] {
			out.Totals[g] = v
		}
	}
	if !out.BreakdownConsistent() {
		out.DailyBreakdown = nil
	}
	if out.Targets == nil {
		out.Targets = old.Targets
	}
	if old.Metadata.ArchivedAt != 0 {
		out.Metadata.ArchivedAt = old.Metadata.ArchivedAt
	}
	return out
}

func resetWeek(p state.Period, today, weekStart string, now time.Time) state.Period {
	ms := clock.Millis(now)
	next := p.Clone()
	next.CurrentWeekStartDate = weekStart
	next.CurrentDayDate = today
	next.SelectedTrackerDate = today
	next.DailyCounts = state.DailyCounts{today: state.Counts{}}
	next.WeeklyCounts = state.Counts{}

	m := &next.Metadata
	m.DailySync = state.Clean
	m.WeeklySync = state.Clean
	if !p.Metadata.IsFreshInstall || p.HasCounts() {
		m.HistorySync = state.Dirty
	}
	m.PreviousWeekStartDate = p.CurrentWeekStartDate
	m.DateResetType = state.ResetWeekly
	m.WeeklyResetTimestamp = ms
	m.DailyResetTimestamp = ms
	m.DailyTotalsUpdatedAt = ms
	m.WeeklyTotalsUpdatedAt = ms
	next.Touch(ms)
	return next
}

func resetDay(p state.Period, today string, now time.Time) state.Period {
	ms := clock.Millis(now)
	next := p.Clone()
	next.CurrentDayDate = today
	next.SelectedTrackerDate = today
	if _, ok := next.DailyCounts[today]; !ok {
		next.DailyCounts[today] = state.Counts{}
	}
	next.RecomputeWeekly()
	next.Metadata.DateResetType = state.ResetDaily
	next.Metadata.DailyResetTimestamp = ms
	next.Touch(ms)
	return next
}
