package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/dopejs/tally/internal/clock"
)

// DefaultKey is the blob key of the current period.
const DefaultKey = "current"

// ErrStale is returned by a conditional action when the period was modified
// after the revision the caller observed.
var ErrStale = errors.New("period modified since observed revision")

// GoalSet validates goal ids on count mutations. catalog.Catalog satisfies it.
type GoalSet interface {
	Has(id string) bool
}

// Listener receives a copy of the period after every installed change.
type Listener func(Period)

// Options configures a Store.
type Options struct {
	Key       string
	Goals     GoalSet
	WeekStart time.Weekday // used only when creating a fresh period
	Now       func() time.Time
	Logger    *log.Logger
}

// Store owns the current period. Every mutation goes through Dispatch, which
// applies the action to a copy, persists it and only then installs it.
type Store struct {
	mu        sync.Mutex
	blob      Blob
	key       string
	goals     GoalSet
	now       func() time.Time
	logger    *log.Logger
	period    Period
	revision  uint64
	listeners map[int]Listener
	nextID    int
}

// Open loads the period from blob, creating a fresh-install period when the
// key is absent. An unreadable blob is preserved under "<key>.corrupt" and
// replaced by a fresh period.
func Open(blob Blob, opts Options) (*Store, error) {
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	s := &Store{
		blob:      blob,
		key:       opts.Key,
		goals:     opts.Goals,
		now:       opts.Now,
		logger:    opts.Logger,
		listeners: make(map[int]Listener),
	}

	data, err := blob.Get(s.key)
	if err != nil {
		return nil, fmt.Errorf("load period: %w", err)
	}
	if len(data) > 0 {
		var p Period
		err := json.Unmarshal(data, &p)
		if err == nil {
			if dropped := p.Normalize(); len(dropped) > 0 {
				s.logger.Printf("[state] dropped invalid day keys %v", dropped)
			}
			s.period = p
			return s, nil
		}
		s.logger.Printf("[state] period blob unreadable, starting fresh: %v", err)
		if err := blob.Set(s.key+".corrupt", data); err != nil {
			return nil, fmt.Errorf("preserve corrupt period: %w", err)
		}
	}

	s.period = NewPeriod(s.now(), opts.WeekStart)
	if err := s.persist(s.period); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns a copy of the current period.
func (s *Store) Get() Period {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.period.Clone()
}

// Revision increases by one with every installed change.
func (s *Store) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// Snapshot returns the period together with its revision.
func (s *Store) Snapshot() (Period, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.period.Clone(), s.revision
}

// Dispatch applies a to a copy of the period. When the action changes the
// period, the result is persisted, installed and broadcast to subscribers.
// On any error the installed period is left untouched.
func (s *Store) Dispatch(a Action) (Period, error) {
	p, _, err := s.DispatchRevision(a)
	return p, err
}

// DispatchRevision is Dispatch that also returns the revision of the period
// it returns.
func (s *Store) DispatchRevision(a Action) (Period, uint64, error) {
	s.mu.Lock()
	next := s.period.Clone()
	env := &env{now: s.now(), goals: s.goals, revision: s.revision}
	changed, err := a.apply(&next, env)
	if err != nil {
		cur, rev := s.period.Clone(), s.revision
		s.mu.Unlock()
		return cur, rev, err
	}
	if !changed {
		rev := s.revision
		s.mu.Unlock()
		return next, rev, nil
	}
	if dropped := next.Normalize(); len(dropped) > 0 {
		s.logger.Printf("[state] dropped invalid day keys %v", dropped)
	}
	if err := s.persist(next); err != nil {
		cur, rev := s.period.Clone(), s.revision
		s.mu.Unlock()
		return cur, rev, err
	}
	s.period = next
	s.revision++
	rev := s.revision
	listeners := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	out := next.Clone()
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(out.Clone())
	}
	return out, rev, nil
}

// Subscribe registers fn for change notifications and returns a function that
// removes it. Listeners run on the dispatching goroutine after the store lock
// is released.
func (s *Store) Subscribe(fn Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// WeekStartDay returns the stored week-start preference.
func (s *Store) WeekStartDay() time.Weekday {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.period.WeekStartDay()
}

func (s *Store) persist(p Period) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal period: %w", err)
	}
	if err := s.blob.Set(s.key, data); err != nil {
		return fmt.Errorf("save period: %w", err)
	}
	return nil
}

// stamp is the edit bookkeeping shared by count mutations.
func stamp(p *Period, now time.Time) {
	ms := clock.Millis(now)
	p.Metadata.DailyTotalsUpdatedAt = ms
	p.Metadata.WeeklyTotalsUpdatedAt = ms
	p.Metadata.DailySync = Dirty
	p.Metadata.WeeklySync = Dirty
	p.Metadata.IsFreshInstall = false
	p.Touch(ms)
}
