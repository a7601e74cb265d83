package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dopejs/tally/internal/clock"
)

// --- Path helpers ---

// ConfigDirPath returns ~/.tally
func ConfigDirPath() string {
	return filepath.Join(os.Getenv("HOME"), ConfigDir)
}

// ConfigFilePath returns ~/.tally/tally.json
func ConfigFilePath() string {
	return filepath.Join(ConfigDirPath(), ConfigFile)
}

// StateDirPath returns ~/.tally/state
func StateDirPath() string {
	return filepath.Join(ConfigDirPath(), StateDir)
}

// HistoryDBPath returns ~/.tally/history.db
func HistoryDBPath() string {
	return filepath.Join(ConfigDirPath(), HistoryDB)
}

// LogPath returns ~/.tally/tally.log
func LogPath() string {
	return filepath.Join(ConfigDirPath(), ServeLogFile)
}

// PidPath returns ~/.tally/serve.pid
func PidPath() string {
	return filepath.Join(ConfigDirPath(), ServePidFile)
}

// --- Store ---

// Store manages reading and writing the JSON config.
type Store struct {
	mu      sync.Mutex
	path    string
	config  *TallyConfig
	modTime time.Time // last known modification time of config file
}

var (
	defaultStore *Store
	defaultMu    sync.Mutex
)

// NewStore returns a Store for the config file at path, loaded from disk.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// DefaultStore returns the Store for ~/.tally/tally.json. It is created on
// first use and reloaded when the file changes on disk.
func DefaultStore() *Store {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultStore == nil {
		defaultStore = &Store{path: ConfigFilePath()}
		if err := defaultStore.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
		}
	} else {
		defaultStore.mu.Lock()
		defaultStore.reloadIfModified()
		defaultStore.mu.Unlock()
	}
	return defaultStore
}

// ResetDefaultStore clears the singleton so the next DefaultStore() call
// re-initializes. Intended for tests.
func ResetDefaultStore() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultStore = nil
}

// Path returns the config file location.
func (s *Store) Path() string {
	return s.path
}

// Get returns a copy of the whole config.
func (s *Store) Get() TallyConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfModified()
	s.ensureConfig()
	out := *s.config
	if s.config.Sync != nil {
		sc := *s.config.Sync
		out.Sync = &sc
	}
	return out
}

// --- Week start ---

// GetWeekStart returns the configured first day of the week.
func (s *Store) GetWeekStart() time.Weekday {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfModified()
	if s.config == nil {
		return clock.DefaultWeekStart
	}
	d, err := clock.ParseWeekday(s.config.WeekStartDay)
	if err != nil {
		return clock.DefaultWeekStart
	}
	return d
}

// SetWeekStart stores the first day of the week and saves.
func (s *Store) SetWeekStart(d time.Weekday) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfModified()
	s.ensureConfig()
	s.config.WeekStartDay = clock.WeekdayName(d)
	return s.saveLocked()
}

// --- Catalog ---

// GetCatalogFile returns the goal overlay path with a leading ~ expanded.
func (s *Store) GetCatalogFile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfModified()
	if s.config == nil || s.config.CatalogFile == "" {
		return ""
	}
	p := s.config.CatalogFile
	if strings.HasPrefix(p, "~/") {
		p = filepath.Join(os.Getenv("HOME"), p[2:])
	}
	return p
}

// SetCatalogFile stores the goal overlay path and saves.
func (s *Store) SetCatalogFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfModified()
	s.ensureConfig()
	s.config.CatalogFile = path
	return s.saveLocked()
}

// --- Web port ---

// GetWebPort returns the configured web UI port or the default.
func (s *Store) GetWebPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfModified()
	if s.config == nil || s.config.WebPort == 0 {
		return DefaultWebPort
	}
	return s.config.WebPort
}

// SetWebPort sets the web UI port and saves.
func (s *Store) SetWebPort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfModified()
	s.ensureConfig()
	s.config.WebPort = port
	return s.saveLocked()
}

// --- Sync ---

// GetSyncConfig returns a copy of the sync configuration, or nil when sync is
// not configured.
func (s *Store) GetSyncConfig() *SyncConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfModified()
	if s.config == nil || s.config.Sync == nil {
		return nil
	}
	sc := *s.config.Sync
	return &sc
}

// SetSyncConfig validates and stores the sync configuration. A nil cfg
// disables sync.
func (s *Store) SetSyncConfig(cfg *SyncConfig) error {
	if cfg != nil {
		if err := cfg.Validate(); err != nil {
			return err
		}
		cp := *cfg
		cfg = &cp
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfModified()
	s.ensureConfig()
	s.config.Sync = cfg
	return s.saveLocked()
}

// Validate checks that the fields the chosen backend needs are present.
func (c *SyncConfig) Validate() error {
	var missing []string
	need := func(v, name string) {
		if v == "" {
			missing = append(missing, name)
		}
	}
	switch c.Backend {
	case BackendWebDAV:
		need(c.Endpoint, "endpoint")
	case BackendS3:
		need(c.Endpoint, "endpoint")
		need(c.Bucket, "bucket")
	case BackendGist:
		need(c.Token, "token")
	case BackendRepo:
		need(c.Token, "token")
		need(c.RepoOwner, "repo_owner")
		need(c.RepoName, "repo_name")
	case BackendLocal:
		need(c.Dir, "dir")
	default:
		return fmt.Errorf("unknown sync backend: %q", c.Backend)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s sync: missing %s", c.Backend, strings.Join(missing, ", "))
	}
	if c.SyncInterval < 0 {
		return fmt.Errorf("invalid sync interval %d", c.SyncInterval)
	}
	return nil
}

// --- load/save ---

// reloadIfModified checks if the config file has been modified since last load
// and reloads if necessary. Must be called with s.mu held.
func (s *Store) reloadIfModified() {
	if info, err := os.Stat(s.path); err == nil {
		if info.ModTime().After(s.modTime) {
			// ignore errors to avoid breaking operations
			s.loadLocked()
		}
	}
}

// loadLocked must be called with s.mu held.
func (s *Store) loadLocked() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read %s: %w", s.path, err)
		}
		s.config = &TallyConfig{Version: CurrentConfigVersion}
		s.modTime = time.Time{}
		return nil
	}

	var cfg TallyConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	if cfg.Version > CurrentConfigVersion {
		return fmt.Errorf("config version %d is newer than supported version %d, please upgrade tally",
			cfg.Version, CurrentConfigVersion)
	}
	if cfg.Version < CurrentConfigVersion {
		cfg.Version = CurrentConfigVersion
	}
	s.config = &cfg
	if info, statErr := os.Stat(s.path); statErr == nil {
		s.modTime = info.ModTime()
	}
	return nil
}

// Load reads the JSON config from disk. A missing file yields the defaults.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Save writes the config to disk atomically (temp + rename), with 0600 permissions.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	s.ensureConfig()
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	data, err := json.MarshalIndent(s.config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, "tally-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename config file: %w", err)
	}
	if info, statErr := os.Stat(s.path); statErr == nil {
		s.modTime = info.ModTime()
	}
	return nil
}

func (s *Store) ensureConfig() {
	if s.config == nil {
		s.config = &TallyConfig{Version: CurrentConfigVersion}
	}
	if s.config.Version == 0 {
		s.config.Version = CurrentConfigVersion
	}
}
