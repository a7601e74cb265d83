// Package history stores archived weeks, one record per week-start date.
package history

import (
	"context"
	"errors"

	"github.com/dopejs/tally/internal/catalog"
	"github.com/dopejs/tally/internal/clock"
)

// ErrNotFound is returned by Get when no week is archived under the key.
var ErrNotFound = errors.New("archived week not found")

// WeekMetadata holds the week's bookkeeping timestamps (unix milliseconds).
type WeekMetadata struct {
	UpdatedAt        int64 `json:"updatedAt"`
	ArchivedAt       int64 `json:"archivedAt,omitempty"`
	MergedAfterReset int64 `json:"mergedAfterReset,omitempty"`
}

// Week is an archived tracking week. When DailyBreakdown is present, Totals
// equals its per-goal sum.
type Week struct {
	WeekStartDate  string                            `json:"weekStartDate"`
	Totals         map[string]int                    `json:"totals"`
	DailyBreakdown map[string]map[string]int         `json:"dailyBreakdown,omitempty"`
	Targets        map[string]catalog.TargetSnapshot `json:"targets,omitempty"`
	Metadata       WeekMetadata                      `json:"metadata"`
}

// Clone returns a deep copy.
func (w Week) Clone() Week {
	out := w
	out.Totals = cloneCounts(w.Totals)
	if w.DailyBreakdown != nil {
		out.DailyBreakdown = make(map[string]map[string]int, len(w.DailyBreakdown))
		for day, c := range w.DailyBreakdown {
			out.DailyBreakdown[day] = cloneCounts(c)
		}
	}
	if w.Targets != nil {
		out.Targets = make(map[string]catalog.TargetSnapshot, len(w.Targets))
		for k, v := range w.Targets {
			out.Targets[k] = v
		}
	}
	return out
}

// Normalize defaults missing fields so malformed records from disk or a
// remote file never crash a merge: nil totals become empty and a missing
// updatedAt becomes nowMs.
func (w *Week) Normalize(nowMs int64) {
	if w.Totals == nil {
		w.Totals = map[string]int{}
	}
	if w.Metadata.UpdatedAt == 0 {
		w.Metadata.UpdatedAt = nowMs
	}
}

// Valid reports whether the record has a parseable key and totals.
func (w Week) Valid() bool {
	if w.WeekStartDate == "" || w.Totals == nil {
		return false
	}
	_, err := clock.ParseDay(w.WeekStartDate)
	return err == nil
}

// BreakdownTotals sums the daily breakdown per goal.
func (w Week) BreakdownTotals() map[string]int {
	out := map[string]int{}
	for _, c := range w.DailyBreakdown {
		for g, v := range c {
			out[g] += v
		}
	}
	return out
}

// RecomputeTotals sets Totals from the daily breakdown, when there is one.
func (w *Week) RecomputeTotals() {
	if w.DailyBreakdown == nil {
		return
	}
	w.Totals = w.BreakdownTotals()
}

// BreakdownConsistent reports whether the breakdown, if any, sums to Totals.
func (w Week) BreakdownConsistent() bool {
	if w.DailyBreakdown == nil {
		return true
	}
	sums := w.BreakdownTotals()
	for g, v := range w.Totals {
		if sums[g] != v {
			return false
		}
	}
	for g, v := range sums {
		if w.Totals[g] != v {
			return false
		}
	}
	return true
}

// Store is the table of archived weeks.
type Store interface {
	// Put inserts or replaces the week stored under w.WeekStartDate.
	Put(ctx context.Context, w Week) error
	// Get returns ErrNotFound when the week is absent.
	Get(ctx context.Context, weekStart string) (*Week, error)
	// GetAll returns every week, most recent first.
	GetAll(ctx context.Context) ([]Week, error)
	Clear(ctx context.Context) error
}

func cloneCounts(c map[string]int) map[string]int {
	if c == nil {
		return nil
	}
	out := make(map[string]int, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
