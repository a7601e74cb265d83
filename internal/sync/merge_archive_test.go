package sync

import (
	"context"
	"testing"

	"github.com/dopejs/tally/internal/history"
)

// countingStore counts writes to the wrapped store.
type countingStore struct {
	history.Store
	puts int
}

func (s *countingStore) Put(ctx context.Context, w history.Week) error {
	s.puts++
	return s.Store.Put(ctx, w)
}

func newArchive(t *testing.T) *countingStore {
	t.Helper()
	db, err := history.OpenMemory(nil)
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &countingStore{Store: db}
}

func TestMergeIntoArchiveRaisesTotals(t *testing.T) {
	ctx := context.Background()
	store := newArchive(t)
	w := week("2024-06-02", 10, map[string]int{"nuts": 5, "beans": 3})
	w.Metadata.ArchivedAt = 10
	if err := store.Put(ctx, w); err != nil {
		t.Fatal(err)
	}
	store.puts = 0

	now := day("2024-06-10")
	changed, err := MergeIntoArchive(ctx, store, "2024-06-02", map[string]int{"nuts": 7, "beans": 1}, now)
	if err != nil {
		t.Fatalf("MergeIntoArchive: %v", err)
	}
	if !changed {
		t.Fatal("changed = false, want true")
	}
	got, err := store.Get(ctx, "2024-06-02")
	if err != nil {
		t.Fatal(err)
	}
	if got.Totals["nuts"] != 7 || got.Totals["beans"] != 3 {
		t.Errorf("totals = %v, want nuts 7 beans 3", got.Totals)
	}
	if got.Metadata.MergedAfterReset != now.UnixMilli() || got.Metadata.UpdatedAt != now.UnixMilli() {
		t.Errorf("metadata = %+v", got.Metadata)
	}
	if got.Metadata.ArchivedAt != 10 {
		t.Errorf("archivedAt = %d, want 10", got.Metadata.ArchivedAt)
	}
}

func TestMergeIntoArchiveNoGrowthNoWrite(t *testing.T) {
	ctx := context.Background()
	store := newArchive(t)
	if err := store.Put(ctx, week("2024-06-02", 10, map[string]int{"nuts": 5})); err != nil {
		t.Fatal(err)
	}
	store.puts = 0

	changed, err := MergeIntoArchive(ctx, store, "2024-06-02", map[string]int{"nuts": 4}, day("2024-06-10"))
	if err != nil || changed {
		t.Fatalf("got (%v, %v), want (false, nil)", changed, err)
	}
	if store.puts != 0 {
		t.Errorf("puts = %d, want 0", store.puts)
	}
}

func TestMergeIntoArchiveMissingWeek(t *testing.T) {
	store := newArchive(t)
	changed, err := MergeIntoArchive(context.Background(), store, "2024-06-02", map[string]int{"nuts": 4}, day("2024-06-10"))
	if err != nil || changed {
		t.Fatalf("got (%v, %v), want (false, nil)", changed, err)
	}
	if store.puts != 0 {
		t.Errorf("puts = %d, want 0", store.puts)
	}
}

func TestMergeIntoArchiveDropsInconsistentBreakdown(t *testing.T) {
	ctx := context.Background()
	store := newArchive(t)
	w := week("2024-06-02", 10, map[string]int{"nuts": 2})
	w.DailyBreakdown = map[string]map[string]int{"2024-06-03": {"nuts": 2}}
	if err := store.Put(ctx, w); err != nil {
		t.Fatal(err)
	}

	if _, err := MergeIntoArchive(ctx, store, "2024-06-02", map[string]int{"nuts": 3}, day("2024-06-10")); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(ctx, "2024-06-02")
	if err != nil {
		t.Fatal(err)
	}
	if got.DailyBreakdown != nil {
		t.Errorf("breakdown kept: %v", got.DailyBreakdown)
	}
	if got.Totals["nuts"] != 3 {
		t.Errorf("nuts = %d, want 3", got.Totals["nuts"])
	}
}
