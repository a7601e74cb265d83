package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"reflect"
	"sync"
	"time"

	"github.com/dopejs/tally/internal/catalog"
	"github.com/dopejs/tally/internal/clock"
	"github.com/dopejs/tally/internal/history"
	"github.com/dopejs/tally/internal/state"
	"github.com/google/uuid"
)

// Phase is the orchestrator's position in a sync pass.
type Phase int

const (
	Idle Phase = iota
	Authenticating
	SyncingCurrent
	SyncingHistory
)

func (p Phase) String() string {
	switch p {
	case Authenticating:
		return "authenticating"
	case SyncingCurrent:
		return "syncing-current"
	case SyncingHistory:
		return "syncing-history"
	default:
		return "idle"
	}
}

var errPeriodMoved = errors.New("local period moved to another week during sync")

// Options configures a Manager.
type Options struct {
	Provider Provider
	// Backend identifies the configured remote; when it differs from the one
	// recorded in the meta file, cached file ids are dropped.
	Backend    string
	State      *state.Store
	History    history.Store
	Catalog    *catalog.Catalog // target snapshots for weeks recovered from remote
	Network    NetworkChecker   // nil means always online
	WiFiOnly   bool
	Passphrase string
	MetaPath   string // empty keeps the meta in memory only
	Now        func() time.Time
	Logger     *log.Logger
}

// Manager orchestrates sync passes between the local stores and a Provider.
// Only one pass runs at a time; overlapping calls are skipped, not queued.
type Manager struct {
	mu         sync.Mutex
	provider   Provider
	state      *state.Store
	history    history.Store
	catalog    *catalog.Catalog
	network    NetworkChecker
	wifiOnly   bool
	codec      *payloadCodec
	metaPath   string
	meta       *SyncMeta
	now        func() time.Time
	logger     *log.Logger
	phase      Phase
	inProgress bool
	lastErr    string
}

// NewManager creates a Manager, loading or creating the sync meta.
func NewManager(opts Options) (*Manager, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("sync not configured")
	}
	if opts.State == nil || opts.History == nil {
		return nil, fmt.Errorf("sync manager needs state and history stores")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Backend == "" {
		opts.Backend = opts.Provider.Name()
	}

	var meta *SyncMeta
	if opts.MetaPath != "" {
		var err error
		meta, err = LoadSyncMeta(opts.MetaPath)
		if err != nil {
			return nil, fmt.Errorf("load sync meta: %w", err)
		}
	}
	if meta == nil {
		meta = NewSyncMeta(uuid.NewString())
	}
	if meta.Backend != "" && meta.Backend != opts.Backend {
		opts.Logger.Printf("[sync] backend changed from %s to %s, starting over", meta.Backend, opts.Backend)
		meta.Forget()
	}
	meta.Backend = opts.Backend

	m := &Manager{
		provider: opts.Provider,
		state:    opts.State,
		history:  opts.History,
		catalog:  opts.Catalog,
		network:  opts.Network,
		wifiOnly: opts.WiFiOnly,
		codec:    newPayloadCodec(opts.Passphrase),
		metaPath: opts.MetaPath,
		meta:     meta,
		now:      opts.Now,
		logger:   opts.Logger,
	}
	if err := m.saveMeta(); err != nil {
		return nil, fmt.Errorf("save sync meta: %w", err)
	}
	return m, nil
}

// Phase returns the current phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Status returns the current sync status.
func (m *Manager) Status() *Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Status{
		Configured: true,
		Backend:    m.provider.Name(),
		DeviceID:   m.meta.DeviceID,
		Phase:      m.phase.String(),
		InProgress: m.inProgress,
		LastSyncAt: m.meta.LastSyncAt,
		LastError:  m.lastErr,
	}
}

// TestConnection checks the network policy and the provider credentials.
func (m *Manager) TestConnection(ctx context.Context) error {
	if err := m.checkNetwork(); err != nil {
		return err
	}
	return m.provider.Authenticate(ctx)
}

// Sync runs one pass. It returns false without error when another pass is in
// flight, and false with an error wrapping ErrNetworkConstraint when the
// network policy blocks the attempt. A pass that fails keeps the dirty flags
// of the unfinished targets so the next pass retries them.
func (m *Manager) Sync(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if m.inProgress {
		m.mu.Unlock()
		return false, nil
	}
	m.inProgress = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inProgress = false
		m.phase = Idle
		m.mu.Unlock()
	}()

	if err := m.checkNetwork(); err != nil {
		return false, err
	}

	err := m.run(ctx)
	m.mu.Lock()
	if err != nil {
		m.lastErr = err.Error()
	} else {
		m.lastErr = ""
	}
	m.mu.Unlock()
	if err != nil {
		m.logger.Printf("[sync] pass failed: %v", err)
	}
	return true, err
}

func (m *Manager) checkNetwork() error {
	if m.network == nil {
		return nil
	}
	if !m.network.Online() {
		return fmt.Errorf("%w: offline", ErrNetworkConstraint)
	}
	if m.wifiOnly && !m.network.OnWiFi() {
		return fmt.Errorf("%w: wi-fi only", ErrNetworkConstraint)
	}
	return nil
}

func (m *Manager) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context) error {
	m.setPhase(Authenticating)
	if err := m.provider.Authenticate(ctx); err != nil {
		return err
	}

	p := m.state.Get()
	m.mu.Lock()
	first := m.meta.LastSyncAt == 0
	m.mu.Unlock()

	if first || p.NeedsSync() || m.remoteChanged(ctx, CurrentFileName) {
		m.setPhase(SyncingCurrent)
		if err := m.syncCurrent(ctx); err != nil {
			return err
		}
	}
	// The current pass may have merged a late week into the archive.
	historyDirty := m.state.Get().Metadata.HistorySync == state.Dirty
	if first || historyDirty || m.remoteChanged(ctx, HistoryFileName) {
		m.setPhase(SyncingHistory)
		if err := m.syncHistory(ctx, first); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.meta.LastSyncAt = clock.Millis(m.now())
	m.mu.Unlock()
	return m.saveMeta()
}

// remoteChanged reports whether the remote file was modified since the last
// transfer recorded in the meta.
func (m *Manager) remoteChanged(ctx context.Context, name string) bool {
	m.mu.Lock()
	id := m.meta.FileIDs[name]
	seen := m.meta.RemoteModified[name]
	m.mu.Unlock()
	if id == "" {
		return true
	}
	info, err := m.provider.GetFileMetadata(ctx, id)
	if err != nil {
		m.logger.Printf("[sync] metadata of %s: %v", name, err)
		return false
	}
	return info == nil || info.ModifiedTime > seen
}

func opErr(target, op string, err error) error {
	return &OperationError{Target: target, Op: op, Err: err}
}

func (m *Manager) syncCurrent(ctx context.Context) error {
	const target = "current"
	id, plain, err := m.download(ctx, CurrentFileName)
	if err != nil {
		return opErr(target, "download", err)
	}
	var remote CurrentFile
	if err := json.Unmarshal(plain, &remote); err != nil {
		return opErr(target, "decode", err)
	}
	rp := remote.Period
	if dropped := rp.Normalize(); len(dropped) > 0 {
		m.logger.Printf("[sync] ignoring invalid remote day keys %v", dropped)
	}
	local := m.state.Get()
	now := m.now()
	if rp.CurrentWeekStartDate == "" && rp.HasCounts() {
		// Weekly totals without a calendar position belong to the local week.
		rp.CurrentWeekStartDate = local.CurrentWeekStartDate
	}
	if aligned, ok := alignWeek(rp, local.WeekStartDay()); ok {
		m.logger.Printf("[sync] remote week %s tracked with another week start; using %s",
			rp.CurrentWeekStartDate, aligned.CurrentWeekStartDate)
		rp = aligned
	}

	switch {
	case rp.IsEmpty():
		return m.pushCurrent(ctx, id)

	case rp.CurrentWeekStartDate < local.CurrentWeekStartDate:
		if err := m.absorbPastWeek(ctx, rp, now); err != nil {
			return opErr(target, "archive merge", err)
		}
		return m.pushCurrent(ctx, id)

	case rp.CurrentWeekStartDate > local.CurrentWeekStartDate:
		m.logger.Printf("[sync] remote period is for week %s, ahead of local week %s; skipping current sync",
			rp.CurrentWeekStartDate, local.CurrentWeekStartDate)
		return nil
	}

	if remote.DeviceID != "" && remote.DeviceID != m.meta.DeviceID {
		m.logger.Printf("[sync] merging current period from device %s", remote.DeviceID)
	}
	var upload state.Period
	_, rev, err := m.state.DispatchRevision(state.Update{Fn: func(cur state.Period) (state.Period, bool, error) {
		if cur.CurrentWeekStartDate != rp.CurrentWeekStartDate {
			return cur, false, errPeriodMoved
		}
		merged := MergeCurrentPeriod(cur, rp, now)
		upload = merged.Clone()
		upload.Metadata.DailySync = state.Clean
		upload.Metadata.WeeklySync = state.Clean

		// Local dirty flags stay set until the upload succeeds.
		installed := merged
		if cur.Metadata.DailySync == state.Dirty {
			installed.Metadata.DailySync = state.Dirty
		}
		if cur.Metadata.WeeklySync == state.Dirty {
			installed.Metadata.WeeklySync = state.Dirty
		}
		installed.Metadata.HistorySync = cur.Metadata.HistorySync
		return installed, true, nil
	}})
	if err != nil {
		return opErr(target, "merge", err)
	}

	if !local.NeedsSync() && sameCounts(upload, rp) {
		m.markSeen(ctx, CurrentFileName, id)
		return nil
	}
	if err := m.upload(ctx, CurrentFileName, id, CurrentFile{Period: upload, DeviceID: m.meta.DeviceID}); err != nil {
		return opErr(target, "upload", err)
	}
	return m.clearFlags(state.ClearSyncFlags{Daily: true, Weekly: true, IfRevision: &rev})
}

// alignWeek re-keys a period tracked under another week-start preference onto
// the week starting on weekStart that contains its current day. Days outside
// that week are dropped. It reports false when p already matches.
func alignWeek(p state.Period, weekStart time.Weekday) (state.Period, bool) {
	day, err := clock.ParseDay(p.CurrentDayDate)
	if err != nil {
		return p, false
	}
	week := clock.WeekStart(day, weekStart)
	if week == p.CurrentWeekStartDate {
		return p, false
	}
	out := p.Clone()
	out.CurrentWeekStartDate = week
	out.DailyCounts = daysInWeek(p.DailyCounts, week)
	if hasWeekData(out.DailyCounts, week) {
		out.RecomputeWeekly()
	}
	return out, true
}

// sameCounts compares the counts of two periods, ignoring empty day buckets.
func sameCounts(a, b state.Period) bool {
	return reflect.DeepEqual(nonEmptyDays(a.DailyCounts), nonEmptyDays(b.DailyCounts)) &&
		reflect.DeepEqual(nonZero(a.WeeklyCounts), nonZero(b.WeeklyCounts))
}

func nonEmptyDays(d state.DailyCounts) map[string]map[string]int {
	out := map[string]map[string]int{}
	for day, c := range d {
		if nz := nonZero(c); len(nz) > 0 {
			out[day] = nz
		}
	}
	return out
}

func nonZero(c state.Counts) map[string]int {
	out := map[string]int{}
	for g, v := range c {
		if v != 0 {
			out[g] = v
		}
	}
	return out
}

// pushCurrent uploads the local period as is.
func (m *Manager) pushCurrent(ctx context.Context, id string) error {
	p, rev := m.state.Snapshot()
	p.Metadata.DailySync = state.Clean
	p.Metadata.WeeklySync = state.Clean
	if err := m.upload(ctx, CurrentFileName, id, CurrentFile{Period: p, DeviceID: m.meta.DeviceID}); err != nil {
		return opErr("current", "upload", err)
	}
	return m.clearFlags(state.ClearSyncFlags{Daily: true, Weekly: true, IfRevision: &rev})
}

// absorbPastWeek folds a remote period for a week the local device already
// rolled past into the archive. A week with no local archive is inserted so
// no counted progress is lost.
func (m *Manager) absorbPastWeek(ctx context.Context, rp state.Period, now time.Time) error {
	week := rp.CurrentWeekStartDate
	totals := weekTotals(rp)

	_, err := m.history.Get(ctx, week)
	switch {
	case errors.Is(err, history.ErrNotFound):
		if len(totals) == 0 {
			return nil
		}
		ms := clock.Millis(now)
		w := history.Week{
			WeekStartDate:  week,
			Totals:         totals,
			DailyBreakdown: breakdown(rp),
			Metadata:       history.WeekMetadata{UpdatedAt: ms, ArchivedAt: ms, MergedAfterReset: ms},
		}
		if !w.BreakdownConsistent() {
			w.DailyBreakdown = nil
		}
		if m.catalog != nil {
			w.Targets = m.catalog.Snapshot()
		}
		if err := m.history.Put(ctx, w); err != nil {
			return err
		}
		m.logger.Printf("[sync] archived remote week %s", week)
	case err != nil:
		return err
	default:
		changed, err := MergeIntoArchive(ctx, m.history, week, totals, now)
		if err != nil || !changed {
			return err
		}
		m.logger.Printf("[sync] merged late remote counts into archived week %s", week)
	}
	_, err = m.state.Dispatch(state.MarkHistoryDirty{})
	return err
}

// weekTotals returns the remote period's weekly totals, summed from its
// daily counts when it has any.
func weekTotals(p state.Period) map[string]int {
	src := p.WeeklyCounts
	if hasWeekData(p.DailyCounts, p.CurrentWeekStartDate) {
		src = p.SumWeek()
	}
	out := make(map[string]int, len(src))
	for g, v := range src {
		if v > 0 {
			out[g] = v
		}
	}
	return out
}

func breakdown(p state.Period) map[string]map[string]int {
	days := p.WeekDays()
	if len(days) == 0 {
		return nil
	}
	out := make(map[string]map[string]int, len(days))
	for day, c := range days {
		out[day] = map[string]int(c)
	}
	return out
}

func (m *Manager) syncHistory(ctx context.Context, first bool) error {
	const target = "history"
	p, rev := m.state.Snapshot()
	localDirty := p.Metadata.HistorySync == state.Dirty

	id, plain, err := m.download(ctx, HistoryFileName)
	if err != nil {
		return opErr(target, "download", err)
	}
	var remote HistoryFile
	if err := json.Unmarshal(plain, &remote); err != nil {
		return opErr(target, "decode", err)
	}
	local, err := m.history.GetAll(ctx)
	if err != nil {
		return opErr(target, "load", err)
	}

	now := m.now()
	res := MergeHistory(local, remote.History, now)
	if res.Changed {
		updates := changedWeeks(res.Data, local)
		saved, failed := history.PutAll(ctx, m.history, updates, m.logger)
		m.logger.Printf("[sync] history: saved %d weeks from remote", saved)
		if len(failed) > 0 {
			m.logger.Printf("[sync] history: %d weeks could not be saved: %v", len(failed), failed)
		}
	}

	remoteView := MergeHistory(nil, remote.History, now).Data
	if first || localDirty || !reflect.DeepEqual(res.Data, remoteView) {
		file := HistoryFile{History: res.Data, DeviceID: m.meta.DeviceID}
		if err := m.upload(ctx, HistoryFileName, id, file); err != nil {
			return opErr(target, "upload", err)
		}
	} else {
		m.markSeen(ctx, HistoryFileName, id)
	}
	return m.clearFlags(state.ClearSyncFlags{History: true, IfRevision: &rev})
}

// changedWeeks returns the merged weeks that are new or differ from local.
func changedWeeks(merged, local []history.Week) []history.Week {
	byKey := make(map[string]history.Week, len(local))
	for _, w := range local {
		byKey[w.WeekStartDate] = w
	}
	var out []history.Week
	for _, w := range merged {
		cur, ok := byKey[w.WeekStartDate]
		if !ok || cur.Metadata.UpdatedAt != w.Metadata.UpdatedAt || !reflect.DeepEqual(cur.Totals, w.Totals) {
			out = append(out, w)
		}
	}
	return out
}

func (m *Manager) clearFlags(a state.ClearSyncFlags) error {
	_, err := m.state.Dispatch(a)
	if errors.Is(err, state.ErrStale) {
		m.logger.Printf("[sync] local changes during sync; flags stay dirty for the next pass")
		return nil
	}
	return err
}

func (m *Manager) fileID(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta.FileIDs[name]
}

func (m *Manager) ensureFile(ctx context.Context, name string) (string, error) {
	if id := m.fileID(name); id != "" {
		return id, nil
	}
	info, err := m.provider.FindOrCreateFile(ctx, name)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.meta.FileIDs[name] = info.ID
	m.mu.Unlock()
	if err := m.saveMeta(); err != nil {
		m.logger.Printf("[sync] save meta: %v", err)
	}
	return info.ID, nil
}

// download finds the file and returns its decrypted content. A cached id
// whose file disappeared remotely is looked up again.
func (m *Manager) download(ctx context.Context, name string) (string, []byte, error) {
	id, err := m.ensureFile(ctx, name)
	if err != nil {
		return "", nil, err
	}
	raw, err := m.provider.DownloadFile(ctx, id)
	if errors.Is(err, ErrFileNotFound) {
		m.logger.Printf("[sync] %s disappeared remotely, recreating", name)
		m.mu.Lock()
		delete(m.meta.FileIDs, name)
		m.mu.Unlock()
		if id, err = m.ensureFile(ctx, name); err != nil {
			return "", nil, err
		}
		raw, err = m.provider.DownloadFile(ctx, id)
	}
	if err != nil {
		return "", nil, err
	}
	plain, err := m.codec.decode(raw)
	if err != nil {
		return "", nil, err
	}
	return id, plain, nil
}

func (m *Manager) upload(ctx context.Context, name, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	enc, err := m.codec.encode(data)
	if err != nil {
		return err
	}
	info, err := m.provider.UploadFile(ctx, id, enc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.meta.RemoteModified[name] = info.ModifiedTime
	if info.ID != "" {
		m.meta.FileIDs[name] = info.ID
	}
	m.mu.Unlock()
	return m.saveMeta()
}

// markSeen records the remote modification time after a pass that only
// pulled, so the same remote version is not pulled again.
func (m *Manager) markSeen(ctx context.Context, name, id string) {
	info, err := m.provider.GetFileMetadata(ctx, id)
	if err != nil || info == nil {
		return
	}
	m.mu.Lock()
	m.meta.RemoteModified[name] = info.ModifiedTime
	m.mu.Unlock()
}

func (m *Manager) saveMeta() error {
	if m.metaPath == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta.Save(m.metaPath)
}
