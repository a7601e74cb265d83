package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Schema version history:
//
//	v1: archived_weeks table keyed by week_start with the JSON record and
//	    its updated_at
const currentSchemaVersion = 1

// migrations[i] upgrades v(i+1) to v(i+2).
var migrations []func(tx *sql.Tx) error

// SQLiteStore is the SQLite-backed Store.
type SQLiteStore struct {
	db     *sql.DB
	logger *log.Logger
}

// OpenSQLite opens (or creates) the history database at path. A database that
// cannot be opened or migrated is removed and rebuilt.
func OpenSQLite(path string, logger *log.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := openAndMigrate(path)
	if err != nil {
		logger.Printf("[history] rebuilding database after open failure: %v", err)
		db, err = rebuildDatabase(path)
		if err != nil {
			return nil, fmt.Errorf("rebuild history database: %w", err)
		}
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// OpenMemory returns a store backed by an in-memory database.
func OpenMemory(logger *log.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	if err := migrateSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func openAndMigrate(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	_ = os.Chmod(path, 0600)

	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec pragma %q: %w", p, err)
		}
	}
	if err := migrateSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func rebuildDatabase(path string) (*sql.DB, error) {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}
	return openAndMigrate(path)
}

func migrateSchema(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	version := getSchemaVersion(db)
	if version == 0 {
		if !tableExists(db, "archived_weeks") {
			return initFreshSchema(db)
		}
		// A table without a version row is v1.
		version = 1
		setSchemaVersion(db, version)
	}
	if version == currentSchemaVersion {
		return nil
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("history schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	for v := version; v < currentSchemaVersion; v++ {
		idx := v - 1
		if idx < 0 || idx >= len(migrations) {
			return fmt.Errorf("no migration defined for v%d → v%d", v, v+1)
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d→v%d: %w", v, v+1, err)
		}
		if err := migrations[idx](tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d→v%d: %w", v, v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d→v%d: %w", v, v+1, err)
		}
	}
	setSchemaVersion(db, currentSchemaVersion)
	return nil
}

func initFreshSchema(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS archived_weeks (
			week_start TEXT PRIMARY KEY,
			record     TEXT NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("create archived_weeks table: %w", err)
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_archived_weeks_updated_at ON archived_weeks(updated_at)"); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	setSchemaVersion(db, currentSchemaVersion)
	return nil
}

func getSchemaVersion(db *sql.DB) int {
	var version int
	if err := db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return 0
	}
	return version
}

func setSchemaVersion(db *sql.DB, version int) {
	_, _ = db.Exec("DELETE FROM schema_version")
	_, _ = db.Exec("INSERT INTO schema_version (version) VALUES (?)", version)
}

func tableExists(db *sql.DB, name string) bool {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n)
	return err == nil && n > 0
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Put(ctx context.Context, w Week) error {
	if !w.Valid() {
		return fmt.Errorf("put week %q: invalid record", w.WeekStartDate)
	}
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal week %s: %w", w.WeekStartDate, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO archived_weeks (week_start, record, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(week_start) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		w.WeekStartDate, string(data), w.Metadata.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put week %s: %w", w.WeekStartDate, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, weekStart string) (*Week, error) {
	var record string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM archived_weeks WHERE week_start = ?`, weekStart).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get week %s: %w", weekStart, err)
	}
	var w Week
	if err := json.Unmarshal([]byte(record), &w); err != nil {
		return nil, fmt.Errorf("decode week %s: %w", weekStart, err)
	}
	return &w, nil
}

// GetAll skips rows whose record cannot be decoded; they are logged.
func (s *SQLiteStore) GetAll(ctx context.Context) ([]Week, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT week_start, record FROM archived_weeks ORDER BY week_start DESC`)
	if err != nil {
		return nil, fmt.Errorf("list weeks: %w", err)
	}
	defer rows.Close()

	var weeks []Week
	for rows.Next() {
		var key, record string
		if err := rows.Scan(&key, &record); err != nil {
			return nil, err
		}
		var w Week
		if err := json.Unmarshal([]byte(record), &w); err != nil {
			s.logger.Printf("[history] skipping unreadable week %s: %v", key, err)
			continue
		}
		weeks = append(weeks, w)
	}
	return weeks, rows.Err()
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM archived_weeks`); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// PutAll writes weeks one by one. A record that fails validation or storage is
// logged and skipped; the others are still written. It returns how many were
// saved and the keys of the failed records.
func PutAll(ctx context.Context, store Store, weeks []Week, logger *log.Logger) (int, []string) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	saved := 0
	var failed []string
	for _, w := range weeks {
		if err := ctx.Err(); err != nil {
			failed = append(failed, w.WeekStartDate)
			continue
		}
		if err := store.Put(ctx, w); err != nil {
			logger.Printf("[history] skipping week %q: %v", w.WeekStartDate, err)
			failed = append(failed, w.WeekStartDate)
			continue
		}
		saved++
	}
	return saved, failed
}
