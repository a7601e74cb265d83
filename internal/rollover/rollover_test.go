package rollover

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/dopejs/tally/internal/catalog"
	"github.com/dopejs/tally/internal/history"
	"github.com/dopejs/tally/internal/state"
)

var discard = log.New(io.Discard, "", 0)

func at(day string) time.Time {
	t, err := time.Parse("2006-01-02", day)
	if err != nil {
		panic(err)
	}
	return t.Add(9 * time.Hour)
}

// tracked returns a used period whose current day is day, with the given
// daily counts.
func tracked(day string, daily state.DailyCounts) state.Period {
	p := state.NewPeriod(at(day), time.Sunday)
	for d, c := range daily {
		p.DailyCounts[d] = c
	}
	p.RecomputeWeekly()
	p.Metadata.IsFreshInstall = false
	return p
}

func newEngine(t *testing.T) (*Engine, *history.SQLiteStore) {
	t.Helper()
	store, err := history.OpenMemory(discard)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, catalog.Default(), discard), store
}

type failingArchive struct {
	history.Store
	err error
}

func (f failingArchive) Get(ctx context.Context, weekStart string) (*history.Week, error) {
	return nil, history.ErrNotFound
}

func (f failingArchive) Put(ctx context.Context, w history.Week) error {
	return f.err
}

func TestNoChange(t *testing.T) {
	e, _ := newEngine(t)
	p := tracked("2024-06-05", nil)
	next, o, err := e.CheckDateAndReset(context.Background(), p, at("2024-06-05"))
	if err != nil {
		t.Fatal(err)
	}
	if o != None || o.Changed() {
		t.Errorf("outcome = %v, want none", o)
	}
	if next.CurrentDayDate != "2024-06-05" {
		t.Errorf("day = %s", next.CurrentDayDate)
	}
}

func TestRealignSelectedDate(t *testing.T) {
	e, _ := newEngine(t)
	p := tracked("2024-06-05", nil)
	p.SelectedTrackerDate = "2024-06-03"
	next, o, err := e.CheckDateAndReset(context.Background(), p, at("2024-06-05"))
	if err != nil {
		t.Fatal(err)
	}
	if o != Realigned {
		t.Errorf("outcome = %v, want realigned", o)
	}
	if next.SelectedTrackerDate != "2024-06-05" {
		t.Errorf("selected = %s", next.SelectedTrackerDate)
	}
	if next.Metadata.DateResetType != state.ResetNone {
		t.Errorf("realign must not be a reset, got %s", next.Metadata.DateResetType)
	}
}

func TestDailyReset(t *testing.T) {
	e, store := newEngine(t)
	p := tracked("2024-06-04", state.DailyCounts{
		"2024-06-03": {"nuts": 1},
		"2024-06-04": {"nuts": 2, "beans": 1},
	})
	now := at("2024-06-05")
	next, o, err := e.CheckDateAndReset(context.Background(), p, now)
	if err != nil {
		t.Fatal(err)
	}
	if o != Daily {
		t.Fatalf("outcome = %v, want daily", o)
	}
	if next.CurrentDayDate != "2024-06-05" || next.CurrentWeekStartDate != "2024-06-02" {
		t.Errorf("period = %s / %s", next.CurrentDayDate, next.CurrentWeekStartDate)
	}
	if _, ok := next.DailyCounts["2024-06-05"]; !ok {
		t.Error("today's bucket missing")
	}
	if next.DailyCounts["2024-06-04"]["nuts"] != 2 {
		t.Error("previous days must be preserved")
	}
	if next.WeeklyCounts["nuts"] != 3 || next.WeeklyCounts["beans"] != 1 {
		t.Errorf("weekly = %v", next.WeeklyCounts)
	}
	if next.Metadata.DateResetType != state.ResetDaily {
		t.Errorf("reset type = %s", next.Metadata.DateResetType)
	}
	if next.Metadata.DailyResetTimestamp != now.UnixMilli() {
		t.Errorf("daily reset ts = %d", next.Metadata.DailyResetTimestamp)
	}
	all, _ := store.GetAll(context.Background())
	if len(all) != 0 {
		t.Errorf("daily reset archived %d weeks", len(all))
	}
	if p.CurrentDayDate != "2024-06-04" {
		t.Error("input period was mutated")
	}
}

func TestWeeklyReset(t *testing.T) {
	e, store := newEngine(t)
	p := tracked("2024-06-08", state.DailyCounts{
		"2024-06-03": {"nuts": 2},
		"2024-06-08": {"nuts": 3, "wine": 1},
	})
	p.WeeklyCounts = state.Counts{"nuts": 99}
	now := at("2024-06-10")
	ctx := context.Background()

	next, o, err := e.CheckDateAndReset(ctx, p, now)
	if err != nil {
		t.Fatal(err)
	}
	if o != Weekly {
		t.Fatalf("outcome = %v, want weekly", o)
	}

	w, err := store.Get(ctx, "2024-06-02")
	if err != nil {
		t.Fatalf("archive missing: %v", err)
	}
	if w.Totals["nuts"] != 5 || w.Totals["wine"] != 1 {
		t.Errorf("totals = %v, want recomputed from daily counts", w.Totals)
	}
	if !w.BreakdownConsistent() {
		t.Error("archived breakdown disagrees with totals")
	}
	if w.Targets["wine"].Cadence != catalog.Weekly {
		t.Errorf("targets snapshot = %+v", w.Targets["wine"])
	}

	if next.CurrentWeekStartDate != "2024-06-09" || next.CurrentDayDate != "2024-06-10" {
		t.Errorf("period = %s / %s", next.CurrentDayDate, next.CurrentWeekStartDate)
	}
	if len(next.DailyCounts) != 1 || len(next.DailyCounts["2024-06-10"]) != 0 {
		t.Errorf("daily = %v", next.DailyCounts)
	}
	if len(next.WeeklyCounts) != 0 {
		t.Errorf("weekly = %v", next.WeeklyCounts)
	}
	m := next.Metadata
	if m.DateResetType != state.ResetWeekly || m.PreviousWeekStartDate != "2024-06-02" {
		t.Errorf("metadata = %+v", m)
	}
	if m.DailySync != state.Clean || m.WeeklySync != state.Clean || m.HistorySync != state.Dirty {
		t.Errorf("flags = %v %v %v", m.DailySync, m.WeeklySync, m.HistorySync)
	}
	if m.WeeklyResetTimestamp != now.UnixMilli() {
		t.Errorf("weekly reset ts = %d", m.WeeklyResetTimestamp)
	}
}

func TestMultiWeekGapArchivesOnce(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()
	p := tracked("2024-06-08", state.DailyCounts{"2024-06-08": {"nuts": 1}})

	// Ten days later; the week of 2024-06-09 passed entirely unused.
	next, o, err := e.CheckDateAndReset(ctx, p, at("2024-06-18"))
	if err != nil {
		t.Fatal(err)
	}
	if o != Weekly {
		t.Fatalf("outcome = %v", o)
	}
	all, err := store.GetAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].WeekStartDate != "2024-06-02" {
		t.Fatalf("archives = %+v, want only 2024-06-02", all)
	}
	if next.CurrentWeekStartDate != "2024-06-16" {
		t.Errorf("week = %s, want 2024-06-16", next.CurrentWeekStartDate)
	}
}

func TestArchiveFailureLeavesPeriodUntouched(t *testing.T) {
	e := New(failingArchive{err: errors.New("disk full")}, nil, discard)
	p := tracked("2024-06-08", state.DailyCounts{"2024-06-08": {"nuts": 1}})

	next, o, err := e.CheckDateAndReset(context.Background(), p, at("2024-06-10"))
	if !errors.Is(err, ErrArchiveWriteFailed) {
		t.Fatalf("err = %v, want ErrArchiveWriteFailed", err)
	}
	if o != None {
		t.Errorf("outcome = %v", o)
	}
	if next.CurrentWeekStartDate != "2024-06-02" || next.CurrentDayDate != "2024-06-08" {
		t.Errorf("period advanced to %s / %s", next.CurrentDayDate, next.CurrentWeekStartDate)
	}
	if next.DailyCounts["2024-06-08"]["nuts"] != 1 {
		t.Error("counts lost")
	}
}

func TestRunArchiveFailureKeepsStore(t *testing.T) {
	now := at("2024-06-08")
	st, err := state.Open(state.NewMemoryBlob(), state.Options{
		Now:    func() time.Time { return now },
		Logger: discard,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Dispatch(state.Increment{Goal: "nuts", Delta: 1}); err != nil {
		t.Fatal(err)
	}
	rev := st.Revision()

	e := New(failingArchive{err: errors.New("locked")}, nil, discard)
	if _, err := e.Run(context.Background(), st, at("2024-06-10")); !errors.Is(err, ErrArchiveWriteFailed) {
		t.Fatalf("err = %v", err)
	}
	p := st.Get()
	if p.CurrentWeekStartDate != "2024-06-02" || st.Revision() != rev {
		t.Errorf("store changed after failed rollover: week %s rev %d", p.CurrentWeekStartDate, st.Revision())
	}

	// The next check, with a working archive, succeeds.
	e2, store := newEngine(t)
	o, err := e2.Run(context.Background(), st, at("2024-06-10"))
	if err != nil || o != Weekly {
		t.Fatalf("retry: %v %v", o, err)
	}
	if _, err := store.Get(context.Background(), "2024-06-02"); err != nil {
		t.Errorf("archive after retry: %v", err)
	}
	if st.Get().CurrentWeekStartDate != "2024-06-09" {
		t.Error("store not advanced")
	}
}

func TestWeeklyResetMergesExistingArchive(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()
	store.Put(ctx, history.Week{
		WeekStartDate:  "2024-06-02",
		Totals:         map[string]int{"nuts": 7},
		DailyBreakdown: map[string]map[string]int{"2024-06-03": {"nuts": 7}},
		Metadata:       history.WeekMetadata{UpdatedAt: 1, ArchivedAt: 1},
	})
	p := tracked("2024-06-08", state.DailyCounts{
		"2024-06-03": {"nuts": 5},
		"2024-06-04": {"beans": 1},
	})
	if _, _, err := e.CheckDateAndReset(ctx, p, at("2024-06-10")); err != nil {
		t.Fatal(err)
	}
	w, err := store.Get(ctx, "2024-06-02")
	if err != nil {
		t.Fatal(err)
	}
	if w.Totals["nuts"] != 7 || w.Totals["beans"] != 1 {
		t.Errorf("totals = %v", w.Totals)
	}
	if w.Metadata.ArchivedAt != 1 {
		t.Errorf("archivedAt = %d, want original kept", w.Metadata.ArchivedAt)
	}
}

func TestFreshInstallSkipsEmptyArchive(t *testing.T) {
	e, store := newEngine(t)
	p := state.NewPeriod(at("2024-06-08"), time.Sunday)
	next, o, err := e.CheckDateAndReset(context.Background(), p, at("2024-06-10"))
	if err != nil {
		t.Fatal(err)
	}
	if o != Weekly {
		t.Errorf("outcome = %v", o)
	}
	all, _ := store.GetAll(context.Background())
	if len(all) != 0 {
		t.Errorf("archived %d empty weeks", len(all))
	}
	if next.Metadata.HistorySync != state.Clean {
		t.Error("nothing archived, history should stay clean")
	}
}

func TestWeekStartPreferenceChange(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()
	// Sunday week 2024-06-02, switched to Monday on Wednesday.
	p := tracked("2024-06-05", state.DailyCounts{
		"2024-06-04": {"nuts": 2},
		"2024-06-05": {"nuts": 1},
	})
	p.Metadata.WeekStartDay = "Monday"

	next, o, err := e.CheckDateAndReset(ctx, p, at("2024-06-05"))
	if err != nil {
		t.Fatal(err)
	}
	if o != Realigned || next.CurrentWeekStartDate != "2024-06-03" {
		t.Fatalf("outcome %v week %s, want realigned onto 2024-06-03", o, next.CurrentWeekStartDate)
	}
	if next.WeeklyCounts["nuts"] != 3 || next.DailyCounts["2024-06-04"]["nuts"] != 2 {
		t.Errorf("daily %v weekly %v, want this week's counts kept", next.DailyCounts, next.WeeklyCounts)
	}
	if next.CurrentDayDate != "2024-06-05" || next.Metadata.DateResetType == state.ResetWeekly {
		t.Errorf("day %s reset %s", next.CurrentDayDate, next.Metadata.DateResetType)
	}
	if !next.IsDirty() {
		t.Error("realigned totals not flagged for sync")
	}
	all, _ := store.GetAll(ctx)
	if len(all) != 0 {
		t.Errorf("archived %+v on a preference change", all)
	}

	again, o, err := e.CheckDateAndReset(ctx, next, at("2024-06-05"))
	if err != nil || o != None || again.CurrentWeekStartDate != "2024-06-03" {
		t.Errorf("second check: %v %v %s", o, err, again.CurrentWeekStartDate)
	}
}

func TestWeekStartPreferenceChangeArchivesEarlierDays(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()
	// Monday week 2024-06-03, switched to Sunday on Sunday 2024-06-09.
	p := tracked("2024-06-09", nil)
	p.CurrentWeekStartDate = "2024-06-03"
	p.DailyCounts = state.DailyCounts{
		"2024-06-04": {"nuts": 2},
		"2024-06-09": {"wine": 1},
	}
	p.RecomputeWeekly()

	next, o, err := e.CheckDateAndReset(ctx, p, at("2024-06-09"))
	if err != nil {
		t.Fatal(err)
	}
	if o != Realigned || next.CurrentWeekStartDate != "2024-06-09" {
		t.Fatalf("outcome %v week %s", o, next.CurrentWeekStartDate)
	}
	if next.WeeklyCounts["wine"] != 1 || next.WeeklyCounts["nuts"] != 0 {
		t.Errorf("weekly = %v", next.WeeklyCounts)
	}
	w, err := store.Get(ctx, "2024-06-03")
	if err != nil {
		t.Fatalf("earlier days not archived: %v", err)
	}
	if w.Totals["nuts"] != 2 || w.Totals["wine"] != 0 {
		t.Errorf("archived totals = %v", w.Totals)
	}
	if next.Metadata.HistorySync != state.Dirty {
		t.Error("history not flagged after archiving")
	}
}

func TestWeekStartPreferenceChangeAcrossBoundary(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()
	p := tracked("2024-06-08", state.DailyCounts{"2024-06-05": {"nuts": 4}})
	p.Metadata.WeekStartDay = "monday"

	next, o, err := e.CheckDateAndReset(ctx, p, at("2024-06-12"))
	if err != nil {
		t.Fatal(err)
	}
	if o != Weekly || next.CurrentWeekStartDate != "2024-06-10" {
		t.Fatalf("outcome %v week %s", o, next.CurrentWeekStartDate)
	}
	if len(next.WeeklyCounts) != 0 {
		t.Errorf("weekly = %v", next.WeeklyCounts)
	}
	w, err := store.Get(ctx, "2024-06-02")
	if err != nil || w.Totals["nuts"] != 4 {
		t.Errorf("outgoing week = %+v, %v", w, err)
	}
}

func TestClockMovedBackKeepsWeek(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()
	p := tracked("2024-06-09", state.DailyCounts{"2024-06-09": {"nuts": 2}})

	// Late Saturday in a timezone west of the one that already saw Sunday.
	next, o, err := e.CheckDateAndReset(ctx, p, at("2024-06-08"))
	if err != nil {
		t.Fatal(err)
	}
	if o != None || next.CurrentWeekStartDate != "2024-06-09" || next.WeeklyCounts["nuts"] != 2 {
		t.Errorf("outcome %v week %s weekly %v", o, next.CurrentWeekStartDate, next.WeeklyCounts)
	}
	all, _ := store.GetAll(ctx)
	if len(all) != 0 {
		t.Errorf("archived %+v after the clock moved back", all)
	}

	next, o, err = e.CheckDateAndReset(ctx, p, at("2024-06-10"))
	if err != nil || o != Daily || next.WeeklyCounts["nuts"] != 2 {
		t.Errorf("forward again: %v %v %v", o, err, next.WeeklyCounts)
	}
}
