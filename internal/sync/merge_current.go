package sync

import (
	"time"

	"github.com/dopejs/tally/internal/clock"
	"github.com/dopejs/tally/internal/state"
)

// MergeCurrentPeriod reconciles the local period with the remote copy of the
// same week. Rules, first match wins:
//
//  1. A local fresh install adopts remote when remote has counts; otherwise
//     local is kept and marked dirty so it is uploaded once.
//  2. A local weekly reset newer than anything remote recorded keeps local,
//     folding in remote day entries of the local week by max.
//  3. Otherwise daily and weekly counts each come from the side with the
//     newer updatedAt timestamp, and a tie takes the larger count per goal.
//     After a local daily reset a newer remote replaces only the current
//     day's bucket; other days are merged by max.
//
// Weekly counts are then recomputed from the daily counts of the local week.
// The calendar position (day, week, selected date, week-start preference)
// always stays local since rollover has already aligned it with the clock.
// Apart from rule 1's empty case, the result has clean dirty flags.
func MergeCurrentPeriod(local, remote state.Period, now time.Time) state.Period {
	l, r := local.Clone(), remote.Clone()
	l.Normalize()
	r.Normalize()
	lm, rm := l.Metadata, r.Metadata
	ms := clock.Millis(now)

	var out state.Period
	switch {
	case lm.IsFreshInstall:
		if !r.HasCounts() {
			out = l
			out.Metadata.IsFreshInstall = false
			out.Metadata.DailySync = state.Dirty
			out.Metadata.WeeklySync = state.Dirty
			out.Touch(ms)
			return out
		}
		out = r
		out.Metadata.HistorySync = lm.HistorySync
		out.Metadata.DateResetType = lm.DateResetType
		out.Metadata.DailyResetTimestamp = lm.DailyResetTimestamp
		out.Metadata.WeeklyResetTimestamp = lm.WeeklyResetTimestamp
		out.Metadata.PreviousWeekStartDate = lm.PreviousWeekStartDate

	case lm.WeeklyResetTimestamp > 0 &&
		lm.WeeklyResetTimestamp > rm.DailyTotalsUpdatedAt &&
		lm.WeeklyResetTimestamp > rm.WeeklyTotalsUpdatedAt:
		out = l
		out.DailyCounts = state.MaxDaily(l.DailyCounts, daysInWeek(r.DailyCounts, l.CurrentWeekStartDate))

	default:
		out = l
		out.DailyCounts = mergeDaily(l, r)
		switch ChooseNewer(lm.WeeklyTotalsUpdatedAt, rm.WeeklyTotalsUpdatedAt) {
		case Remote:
			out.WeeklyCounts = r.WeeklyCounts.Clone()
		case Tie:
			out.WeeklyCounts = state.MaxCounts(l.WeeklyCounts, r.WeeklyCounts)
		}
	}

	out.CurrentDayDate = l.CurrentDayDate
	out.CurrentWeekStartDate = l.CurrentWeekStartDate
	out.SelectedTrackerDate = l.SelectedTrackerDate
	out.Metadata.WeekStartDay = lm.WeekStartDay
	if _, ok := out.DailyCounts[out.CurrentDayDate]; !ok && out.CurrentDayDate != "" {
		out.DailyCounts[out.CurrentDayDate] = state.Counts{}
	}
	if hasWeekData(out.DailyCounts, out.CurrentWeekStartDate) {
		out.RecomputeWeekly()
	}

	out.Metadata.IsFreshInstall = false
	out.Metadata.DailySync = state.Clean
	out.Metadata.WeeklySync = state.Clean
	out.Metadata.DailyTotalsUpdatedAt = maxInt64(lm.DailyTotalsUpdatedAt, rm.DailyTotalsUpdatedAt)
	out.Metadata.WeeklyTotalsUpdatedAt = maxInt64(lm.WeeklyTotalsUpdatedAt, rm.WeeklyTotalsUpdatedAt)
	out.Touch(ms)
	return out
}

func mergeDaily(l, r state.Period) state.DailyCounts {
	switch ChooseNewer(l.Metadata.DailyTotalsUpdatedAt, r.Metadata.DailyTotalsUpdatedAt) {
	case Local:
		return l.DailyCounts.Clone()
	case Remote:
		if l.Metadata.DateResetType != state.ResetDaily {
			return r.DailyCounts.Clone()
		}
		// Only today's bucket is taken from remote outright.
		out := state.MaxDaily(l.DailyCounts, r.DailyCounts)
		today := l.CurrentDayDate
		if c, ok := r.DailyCounts[today]; ok {
			out[today] = c.Clone()
		} else {
			out[today] = state.Counts{}
		}
		return out
	default:
		return state.MaxDaily(l.DailyCounts, r.DailyCounts)
	}
}

func daysInWeek(daily state.DailyCounts, weekStart string) state.DailyCounts {
	out := state.DailyCounts{}
	for day, c := range daily {
		if clock.InWeek(day, weekStart) {
			out[day] = c.Clone()
		}
	}
	return out
}

// hasWeekData reports whether any day of the week carries a count entry. A
// payload with weekly totals only keeps them as they are.
func hasWeekData(daily state.DailyCounts, weekStart string) bool {
	for day, c := range daily {
		if len(c) > 0 && clock.InWeek(day, weekStart) {
			return true
		}
	}
	return false
}
