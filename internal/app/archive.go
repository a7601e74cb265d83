package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dopejs/tally/internal/clock"
	"github.com/dopejs/tally/internal/history"
	"github.com/dopejs/tally/internal/state"
)

// ErrNegativeTotal is returned by EditWeek for a total below zero.
var ErrNegativeTotal = errors.New("total must not be negative")

// EditWeek overwrites one goal's total in an archived week and flags the
// archive for upload. The daily breakdown no longer matches a hand-edited
// total, so it is dropped.
func (a *App) EditWeek(ctx context.Context, weekStart, goal string, total int) (*history.Week, error) {
	if !a.Catalog.Has(goal) {
		return nil, fmt.Errorf("%q: %w", goal, state.ErrUnknownGoal)
	}
	if total < 0 {
		return nil, ErrNegativeTotal
	}
	w, err := a.History.Get(ctx, weekStart)
	if err != nil {
		return nil, err
	}

	ms := clock.Millis(a.now())
	w.Normalize(ms)
	if total == 0 {
		delete(w.Totals, goal)
	} else {
		w.Totals[goal] = total
	}
	if !w.BreakdownConsistent() {
		w.DailyBreakdown = nil
	}
	w.Metadata.UpdatedAt = ms
	if err := a.History.Put(ctx, *w); err != nil {
		return nil, err
	}
	if _, err := a.State.Dispatch(state.MarkHistoryDirty{}); err != nil {
		return nil, err
	}
	return w, nil
}

// ExportHistory returns every archived week, most recent first.
func (a *App) ExportHistory(ctx context.Context) ([]history.Week, error) {
	return a.History.GetAll(ctx)
}

// RestoreHistory writes weeks into the archive one by one. Invalid records
// are skipped and reported; the others are still saved.
func (a *App) RestoreHistory(ctx context.Context, weeks []history.Week) (int, []string, error) {
	ms := clock.Millis(a.now())
	for i := range weeks {
		weeks[i].Normalize(ms)
	}
	saved, failed := history.PutAll(ctx, a.History, weeks, a.logger)
	if saved > 0 {
		if _, err := a.State.Dispatch(state.MarkHistoryDirty{}); err != nil {
			return saved, failed, err
		}
	}
	return saved, failed, nil
}
