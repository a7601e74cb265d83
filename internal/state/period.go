// Package state holds the tracking period currently being edited and the store
// that owns it.
package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dopejs/tally/internal/clock"
)

// Counts maps a goal id to a non-negative count.
type Counts map[string]int

// DailyCounts maps a day key to that day's counts.
type DailyCounts map[string]Counts

// Clone returns a deep copy.
func (c Counts) Clone() Counts {
	out := make(Counts, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Total sums every goal.
func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// MaxCounts merges two count maps goal by goal, keeping the larger value.
func MaxCounts(a, b Counts) Counts {
	out := a.Clone()
	for k, v := range b {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Clone returns a deep copy.
func (d DailyCounts) Clone() DailyCounts {
	out := make(DailyCounts, len(d))
	for day, c := range d {
		out[day] = c.Clone()
	}
	return out
}

// MaxDaily merges two daily maps day by day and goal by goal.
func MaxDaily(a, b DailyCounts) DailyCounts {
	out := a.Clone()
	for day, c := range b {
		if cur, ok := out[day]; ok {
			out[day] = MaxCounts(cur, c)
		} else {
			out[day] = c.Clone()
		}
	}
	return out
}

// SyncFlag is a dirty flag for one sync concern. Each concern has its own
// instantiation, so a flag cannot be assigned to the wrong concern. Flags are
// serialized as JSON booleans so files written by older clients stay readable.
type SyncFlag[C any] uint8

type (
	dailyConcern   struct{}
	weeklyConcern  struct{}
	historyConcern struct{}
)

type (
	DailySyncState   = SyncFlag[dailyConcern]
	WeeklySyncState  = SyncFlag[weeklyConcern]
	HistorySyncState = SyncFlag[historyConcern]
)

// Flag values, assignable to every concern's flag.
const (
	Clean = 0
	Dirty = 1
)

func (s SyncFlag[C]) String() string {
	if s == Dirty {
		return "dirty"
	}
	return "clean"
}

func (s SyncFlag[C]) MarshalJSON() ([]byte, error) {
	return json.Marshal(s == Dirty)
}

func (s *SyncFlag[C]) UnmarshalJSON(data []byte) error {
	var b *bool
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("sync state: %w", err)
	}
	*s = Clean
	if b != nil && *b {
		*s = Dirty
	}
	return nil
}

// ResetType records which boundary the last rollover crossed.
type ResetType string

const (
	ResetNone   ResetType = "none"
	ResetDaily  ResetType = "DAILY"
	ResetWeekly ResetType = "WEEKLY"
)

// Metadata carries the timestamps and flags used by rollover and sync.
// Timestamps are unix milliseconds; zero means unset.
type Metadata struct {
	LastModified          int64            `json:"lastModified"`
	DailyTotalsUpdatedAt  int64            `json:"dailyTotalsUpdatedAt"`
	WeeklyTotalsUpdatedAt int64            `json:"weeklyTotalsUpdatedAt"`
	DailySync             DailySyncState   `json:"dailyTotalsDirty"`
	WeeklySync            WeeklySyncState  `json:"weeklyTotalsDirty"`
	HistorySync           HistorySyncState `json:"historyDirty"`
	DailyResetTimestamp   int64            `json:"dailyResetTimestamp"`
	WeeklyResetTimestamp  int64            `json:"weeklyResetTimestamp"`
	PreviousWeekStartDate string           `json:"previousWeekStartDate,omitempty"`
	DateResetType         ResetType        `json:"dateResetType"`
	IsFreshInstall        bool             `json:"isFreshInstall"`
	WeekStartDay          string           `json:"weekStartDayPreference"`
}

// Period is the current tracking period: the day and week being tracked and
// their counts. WeeklyCounts always equals the sum of DailyCounts over the
// seven days starting at CurrentWeekStartDate once RecomputeWeekly has run.
type Period struct {
	CurrentDayDate       string      `json:"currentDayDate"`
	CurrentWeekStartDate string      `json:"currentWeekStartDate"`
	SelectedTrackerDate  string      `json:"selectedTrackerDate,omitempty"`
	DailyCounts          DailyCounts `json:"dailyCounts"`
	WeeklyCounts         Counts      `json:"weeklyCounts"`
	LastModified         int64       `json:"lastModified"`
	Metadata             Metadata    `json:"metadata"`
}

// NewPeriod returns the state of a fresh install at now.
func NewPeriod(now time.Time, weekStart time.Weekday) Period {
	today := clock.DayKey(now)
	return Period{
		CurrentDayDate:       today,
		CurrentWeekStartDate: clock.WeekStart(now, weekStart),
		SelectedTrackerDate:  today,
		DailyCounts:          DailyCounts{today: Counts{}},
		WeeklyCounts:         Counts{},
		Metadata: Metadata{
			DateResetType:  ResetNone,
			IsFreshInstall: true,
			WeekStartDay:   clock.WeekdayName(weekStart),
		},
	}
}

// Clone returns a deep copy.
func (p Period) Clone() Period {
	out := p
	out.DailyCounts = p.DailyCounts.Clone()
	out.WeeklyCounts = p.WeeklyCounts.Clone()
	return out
}

// Normalize fills nil maps, clamps negative counts and defaults the reset type.
// Day entries whose key is not a valid day are removed and their keys
// returned.
func (p *Period) Normalize() (dropped []string) {
	if p.DailyCounts == nil {
		p.DailyCounts = DailyCounts{}
	}
	if p.WeeklyCounts == nil {
		p.WeeklyCounts = Counts{}
	}
	for day, c := range p.DailyCounts {
		if _, err := clock.ParseDay(day); err != nil {
			delete(p.DailyCounts, day)
			dropped = append(dropped, day)
			continue
		}
		if c == nil {
			p.DailyCounts[day] = Counts{}
			continue
		}
		for g, v := range c {
			if v < 0 {
				c[g] = 0
			}
		}
	}
	for g, v := range p.WeeklyCounts {
		if v < 0 {
			p.WeeklyCounts[g] = 0
		}
	}
	if p.Metadata.DateResetType == "" {
		p.Metadata.DateResetType = ResetNone
	}
	sort.Strings(dropped)
	return dropped
}

// WeekStartDay returns the stored week-start preference.
func (p Period) WeekStartDay() time.Weekday {
	d, err := clock.ParseWeekday(p.Metadata.WeekStartDay)
	if err != nil {
		return clock.DefaultWeekStart
	}
	return d
}

// SumWeek sums the daily counts of the seven days of the current week.
func (p Period) SumWeek() Counts {
	return SumDays(p.DailyCounts, p.CurrentWeekStartDate)
}

// SumDays sums the daily counts that fall inside the week starting at weekStart.
func SumDays(daily DailyCounts, weekStart string) Counts {
	out := Counts{}
	for day, c := range daily {
		if !clock.InWeek(day, weekStart) {
			continue
		}
		for g, v := range c {
			out[g] += v
		}
	}
	return out
}

// WeekDays returns the daily counts of the current week only.
func (p Period) WeekDays() DailyCounts {
	out := DailyCounts{}
	for day, c := range p.DailyCounts {
		if clock.InWeek(day, p.CurrentWeekStartDate) {
			out[day] = c.Clone()
		}
	}
	return out
}

// RecomputeWeekly restores the summation invariant.
func (p *Period) RecomputeWeekly() {
	p.WeeklyCounts = p.SumWeek()
}

// HasCounts reports whether any positive count is recorded.
func (p Period) HasCounts() bool {
	for _, c := range p.DailyCounts {
		if c.Total() > 0 {
			return true
		}
	}
	return p.WeeklyCounts.Total() > 0
}

// IsEmpty reports whether p carries no period at all, which is how an empty
// remote file decodes.
func (p Period) IsEmpty() bool {
	return p.CurrentWeekStartDate == "" && p.CurrentDayDate == "" && !p.HasCounts()
}

// Touch stamps the modification time.
func (p *Period) Touch(ms int64) {
	p.LastModified = ms
	p.Metadata.LastModified = ms
}

// IsDirty reports whether daily or weekly totals changed since the last sync.
func (p Period) IsDirty() bool {
	return p.Metadata.DailySync == Dirty || p.Metadata.WeeklySync == Dirty
}

// NeedsSync reports whether the current-period file should be transferred.
func (p Period) NeedsSync() bool {
	return p.IsDirty() || (p.Metadata.DateResetType != ResetNone && p.Metadata.DateResetType != "")
}
