package sync

import (
	"sort"
	"time"

	"github.com/dopejs/tally/internal/clock"
	"github.com/dopejs/tally/internal/history"
)

// HistoryMerge is the result of MergeHistory. Changed reports whether any
// remote record was taken over the local one.
type HistoryMerge struct {
	Data    []history.Week
	Changed bool
}

// MergeHistory merges two lists of archived weeks keyed by week start. A
// remote record is added when missing locally and replaces the local one only
// when its updatedAt is strictly newer. Records are normalized first; any that
// still lack a valid key are dropped. Data is sorted newest first.
func MergeHistory(local, remote []history.Week, now time.Time) HistoryMerge {
	ms := clock.Millis(now)
	merged := make(map[string]history.Week, len(local)+len(remote))
	for _, w := range local {
		w = w.Clone()
		w.Normalize(ms)
		if !w.Valid() {
			continue
		}
		merged[w.WeekStartDate] = w
	}

	changed := false
	for _, w := range remote {
		w = w.Clone()
		w.Normalize(ms)
		if !w.Valid() {
			continue
		}
		cur, ok := merged[w.WeekStartDate]
		if ok && ChooseNewer(cur.Metadata.UpdatedAt, w.Metadata.UpdatedAt) != Remote {
			continue
		}
		merged[w.WeekStartDate] = w
		changed = true
	}

	return HistoryMerge{Data: sortWeeks(merged), Changed: changed}
}

func sortWeeks(m map[string]history.Week) []history.Week {
	out := make([]history.Week, 0, len(m))
	for _, w := range m {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].WeekStartDate > out[j].WeekStartDate
	})
	return out
}
