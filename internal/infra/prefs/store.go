// Package prefs persists sleep-timer settings in a small SQLite database.
package prefs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	// CurrentSchemaVersion is the current database schema version.
	CurrentSchemaVersion = "1"

	// DefaultDBPath is the default path for the settings database.
	DefaultDBPath = "data/nocturne.db"
)

// Setting keys. Absent keys fall back to safe defaults, so no schema
// migration is ever needed for new settings.
const (
	keySleepDuration  = "sleep_timer.duration_min"
	keyFadeOutEnabled = "sleep_timer.fade_out_enabled"
	keyFadeOutSeconds = "sleep_timer.fade_out_seconds"
)

// Defaults returned when a setting was never saved.
const (
	DefaultDurationMinutes = 30
	DefaultFadeOutEnabled  = true
	DefaultFadeOutSeconds  = 60
)

// Store is the SQLite-backed preference store.
type Store struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

// NewStore creates a store instance for the given database path.
func NewStore(path string) *Store {
	if path == "" {
		path = DefaultDBPath
	}
	return &Store{path: path}
}

// Open opens the database and initializes the schema.
func (s *Store) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}

	db, err := sql.Open("sqlite3", s.path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open settings database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s.db = db

	if err := s.initSchema(); err != nil {
		s.db.Close()
		s.db = nil
		return fmt.Errorf("initialize settings schema: %w", err)
	}

	log.Info().Str("path", s.path).Msg("Settings database opened")
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO meta (key, value) VALUES ('schema_version', ?) ON CONFLICT(key) DO NOTHING`,
		CurrentSchemaVersion,
	)
	return err
}

// get reads a raw setting value; ok is false when the key was never saved.
func (s *Store) get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return "", false, fmt.Errorf("settings database not open")
	}

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read setting %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return fmt.Errorf("settings database not open")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	return nil
}

// LastDurationMinutes returns the persisted sleep-timer duration.
func (s *Store) LastDurationMinutes(ctx context.Context) (int, error) {
	value, ok, err := s.get(ctx, keySleepDuration)
	if err != nil {
		return 0, err
	}
	if !ok {
		return DefaultDurationMinutes, nil
	}
	minutes, err := strconv.Atoi(value)
	if err != nil || minutes <= 0 {
		return DefaultDurationMinutes, nil
	}
	return minutes, nil
}

// FadeOutEnabled returns the persisted fade-out toggle.
func (s *Store) FadeOutEnabled(ctx context.Context) (bool, error) {
	value, ok, err := s.get(ctx, keyFadeOutEnabled)
	if err != nil {
		return false, err
	}
	if !ok {
		return DefaultFadeOutEnabled, nil
	}
	return value == "1", nil
}

// FadeOutDurationSeconds returns the persisted fade-out window.
func (s *Store) FadeOutDurationSeconds(ctx context.Context) (int, error) {
	value, ok, err := s.get(ctx, keyFadeOutSeconds)
	if err != nil {
		return 0, err
	}
	if !ok {
		return DefaultFadeOutSeconds, nil
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return DefaultFadeOutSeconds, nil
	}
	return seconds, nil
}

// SaveLastDuration persists the sleep-timer duration.
func (s *Store) SaveLastDuration(ctx context.Context, minutes int) error {
	return s.set(ctx, keySleepDuration, strconv.Itoa(minutes))
}

// SaveFadeOutEnabled persists the fade-out toggle.
func (s *Store) SaveFadeOutEnabled(ctx context.Context, enabled bool) error {
	value := "0"
	if enabled {
		value = "1"
	}
	return s.set(ctx, keyFadeOutEnabled, value)
}

// SaveFadeOutDuration persists the fade-out window in seconds.
func (s *Store) SaveFadeOutDuration(ctx context.Context, seconds int) error {
	return s.set(ctx, keyFadeOutSeconds, strconv.Itoa(seconds))
}
