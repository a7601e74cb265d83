// Package app wires the stores, the rollover engine and the sync manager
// together and drives them from the CLI and the serve loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/dopejs/tally/internal/catalog"
	"github.com/dopejs/tally/internal/config"
	"github.com/dopejs/tally/internal/history"
	"github.com/dopejs/tally/internal/rollover"
	"github.com/dopejs/tally/internal/state"
	gosync "github.com/dopejs/tally/internal/sync"
)

// ErrSyncNotConfigured is returned by Sync when no backend is configured.
var ErrSyncNotConfigured = errors.New("sync is not configured, run `tally config sync` first")

// Options configures Open. Zero values select the files under ~/.tally.
type Options struct {
	Config    *config.Store
	StateDir  string
	HistoryDB string
	MetaPath  string

	// Provider replaces the provider built from the sync config.
	Provider gosync.Provider
	Network  gosync.NetworkChecker
	Now      func() time.Time
	Logger   *log.Logger
}

// App owns the local stores of one tally installation.
type App struct {
	Config   *config.Store
	Catalog  *catalog.Catalog
	State    *state.Store
	History  *history.SQLiteStore
	Rollover *rollover.Engine

	opts   Options
	now    func() time.Time
	logger *log.Logger

	mu      sync.Mutex
	syncMgr *gosync.Manager
	syncCfg *config.SyncConfig
}

// Open loads the configuration, the goal catalog, the current period and the
// archive, and sets up sync when a backend is configured.
func Open(opts Options) (*App, error) {
	if opts.Config == nil {
		opts.Config = config.DefaultStore()
	}
	if opts.StateDir == "" {
		opts.StateDir = config.StateDirPath()
	}
	if opts.HistoryDB == "" {
		opts.HistoryDB = config.HistoryDBPath()
	}
	if opts.MetaPath == "" {
		opts.MetaPath = gosync.DefaultMetaPath()
	}
	if opts.Network == nil {
		opts.Network = gosync.InterfaceChecker{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}

	cat := catalog.Default()
	if path := opts.Config.GetCatalogFile(); path != "" {
		loaded, err := catalog.LoadFile(cat, path)
		if err != nil {
			return nil, fmt.Errorf("load catalog: %w", err)
		}
		cat = loaded
	}

	weekStart := opts.Config.GetWeekStart()
	st, err := state.Open(state.NewFileBlob(opts.StateDir), state.Options{
		Goals:     cat,
		WeekStart: weekStart,
		Now:       opts.Now,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	if _, err := st.Dispatch(state.SetWeekStart{Day: weekStart}); err != nil {
		return nil, fmt.Errorf("apply week start: %w", err)
	}

	hist, err := history.OpenSQLite(opts.HistoryDB, opts.Logger)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   opts.Config,
		Catalog:  cat,
		State:    st,
		History:  hist,
		Rollover: rollover.New(hist, cat, opts.Logger),
		opts:     opts,
		now:      opts.Now,
		logger:   opts.Logger,
	}
	if err := a.configureSync(); err != nil {
		hist.Close()
		return nil, err
	}
	return a, nil
}

// configureSync (re)creates the sync manager from the current config. The
// manager is kept when the sync config did not change.
func (a *App) configureSync() error {
	cfg := a.Config.GetSyncConfig()

	a.mu.Lock()
	defer a.mu.Unlock()
	if cfg == nil {
		a.syncMgr, a.syncCfg = nil, nil
		return nil
	}
	if a.syncMgr != nil && a.syncCfg != nil && *a.syncCfg == *cfg {
		return nil
	}

	provider := a.opts.Provider
	if provider == nil {
		var err error
		if provider, err = gosync.NewProvider(cfg); err != nil {
			return fmt.Errorf("sync provider: %w", err)
		}
	}
	mgr, err := gosync.NewManager(gosync.Options{
		Provider:   provider,
		Backend:    cfg.Backend,
		State:      a.State,
		History:    a.History,
		Catalog:    a.Catalog,
		Network:    a.opts.Network,
		WiFiOnly:   cfg.WiFiOnly,
		Passphrase: cfg.Passphrase,
		MetaPath:   a.opts.MetaPath,
		Now:        a.now,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}
	a.syncMgr, a.syncCfg = mgr, cfg
	return nil
}

// SyncManager returns the sync manager, or nil when sync is not configured.
func (a *App) SyncManager() *gosync.Manager {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.syncMgr
}

// SyncStatus reports the sync state for display.
func (a *App) SyncStatus() *gosync.Status {
	if mgr := a.SyncManager(); mgr != nil {
		return mgr.Status()
	}
	return &gosync.Status{Configured: false, Phase: gosync.Idle.String()}
}

// Reload re-reads the config file: the week-start preference and the sync
// settings take effect immediately; the catalog needs a restart.
func (a *App) Reload() error {
	if err := a.Config.Load(); err != nil {
		return err
	}
	if _, err := a.State.Dispatch(state.SetWeekStart{Day: a.Config.GetWeekStart()}); err != nil {
		return err
	}
	return a.configureSync()
}

// CheckDate runs the rollover engine against the clock.
func (a *App) CheckDate(ctx context.Context) (rollover.Outcome, error) {
	out, err := a.Rollover.Run(ctx, a.State, a.now())
	if err != nil {
		return out, err
	}
	if out.Changed() {
		a.logger.Printf("[app] rollover: %s", out)
	}
	return out, nil
}

// Sync rolls the period over if needed and then runs one sync pass. It
// reports whether a pass ran.
func (a *App) Sync(ctx context.Context) (bool, error) {
	mgr := a.SyncManager()
	if mgr == nil {
		return false, ErrSyncNotConfigured
	}
	if _, err := a.CheckDate(ctx); err != nil {
		return false, err
	}
	return mgr.Sync(ctx)
}

// Tick is one iteration of the serve loop: rollover always, sync when auto
// sync is on. A sync deferred by the network policy is not an error.
func (a *App) Tick(ctx context.Context) error {
	if _, err := a.CheckDate(ctx); err != nil {
		return err
	}
	cfg := a.Config.GetSyncConfig()
	mgr := a.SyncManager()
	if cfg == nil || !cfg.AutoSync || mgr == nil {
		return nil
	}
	_, err := mgr.Sync(ctx)
	if errors.Is(err, gosync.ErrNetworkConstraint) {
		a.logger.Printf("[app] sync deferred: %v", err)
		return nil
	}
	return err
}

// Run calls Tick immediately and then every interval until ctx is done.
// Tick errors are logged; the loop keeps going.
func (a *App) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Duration(config.DefaultSyncInterval) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := a.Tick(ctx); err != nil && ctx.Err() == nil {
			a.logger.Printf("[app] tick: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Interval is the serve loop period: the sync interval when sync is set up,
// one minute otherwise so day boundaries are noticed promptly.
func (a *App) Interval() time.Duration {
	cfg := a.Config.GetSyncConfig()
	if cfg == nil || !cfg.AutoSync {
		return time.Minute
	}
	return time.Duration(cfg.Interval()) * time.Second
}

// Close releases the archive database.
func (a *App) Close() error {
	return a.History.Close()
}
