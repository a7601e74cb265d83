package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dopejs/tally/internal/clock"
	"github.com/dopejs/tally/internal/history"
)

// MergeIntoArchive folds the weekly totals of a remote period that arrived
// after the local device already archived that week. Each goal keeps the
// larger total. The record is written only when a total grows, stamped with
// mergedAfterReset. It returns false without error when no archive exists for
// weekStart.
//
// A daily breakdown that no longer sums to the merged totals is dropped.
func MergeIntoArchive(ctx context.Context, store history.Store, weekStart string, remoteWeekly map[string]int, now time.Time) (bool, error) {
	w, err := store.Get(ctx, weekStart)
	if errors.Is(err, history.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load archived week %s: %w", weekStart, err)
	}

	w.Normalize(clock.Millis(now))
	changed := false
	for g, v := range remoteWeekly {
		if v > w.Totals[g] {
			w.Totals[g] = v
			changed = true
		}
	}
	if !changed {
		return false, nil
	}
	if !w.BreakdownConsistent() {
		w.DailyBreakdown = nil
	}
	ms := clock.Millis(now)
	w.Metadata.UpdatedAt = ms
	w.Metadata.MergedAfterReset = ms
	if err := store.Put(ctx, *w); err != nil {
		return false, fmt.Errorf("save archived week %s: %w", weekStart, err)
	}
	return true, nil
}
