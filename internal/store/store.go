// Package store persists the optimistic humidifier state in SQLite so it
// survives restarts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"templatehumidifier/internal/humidifier"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

const (
	dirPermissions    = 0o750
	filePermissions   = 0o600
	busyTimeoutMillis = 5000
	connectionTimeout = 5 * time.Second
	writeTimeout      = 5 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS humidifier_state (
	unique_id       TEXT PRIMARY KEY,
	is_on           INTEGER NOT NULL,
	target_humidity REAL,
	mode            TEXT,
	updated_at      TEXT NOT NULL
)`

// ErrNotFound is returned by Get when no row exists for the key
var ErrNotFound = errors.New("store: no saved state")

// Record is one saved row
type Record struct {
	Key            string
	IsOn           bool
	TargetHumidity *float64
	Mode           *string
	UpdatedAt      time.Time
}

// Store is a SQLite-backed restore store
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// Open opens (or creates) the database at path and applies the schema
func Open(path string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL", path, busyTimeoutMillis)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	_ = os.Chmod(path, filePermissions)

	logger.Named("store").Info("Opened state database", zap.String("path", path))
	return &Store{db: db, path: path, logger: logger.Named("store")}, nil
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Save upserts a record
func (s *Store) Save(ctx context.Context, r Record) error {
	var target sql.NullFloat64
	if r.TargetHumidity != nil {
		target = sql.NullFloat64{Float64: *r.TargetHumidity, Valid: true}
	}
	var mode sql.NullString
	if r.Mode != nil {
		mode = sql.NullString{String: *r.Mode, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO humidifier_state (unique_id, is_on, target_humidity, mode, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(unique_id) DO UPDATE SET
			is_on = excluded.is_on,
			target_humidity = excluded.target_humidity,
			mode = excluded.mode,
			updated_at = excluded.updated_at`,
		r.Key, r.IsOn, target, mode, r.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving %s: %w", r.Key, err)
	}
	return nil
}

// Get returns the record saved under key
func (s *Store) Get(ctx context.Context, key string) (Record, error) {
	var (
		r       = Record{Key: key}
		target  sql.NullFloat64
		mode    sql.NullString
		updated string
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT is_on, target_humidity, mode, updated_at FROM humidifier_state WHERE unique_id = ?`, key).
		Scan(&r.IsOn, &target, &mode, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Record{}, fmt.Errorf("loading %s: %w", key, err)
	}

	if target.Valid {
		r.TargetHumidity = &target.Float64
	}
	if mode.Valid {
		r.Mode = &mode.String
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return Record{}, fmt.Errorf("loading %s: bad timestamp %q: %w", key, updated, err)
	}
	return r, nil
}

// Delete removes the record saved under key
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM humidifier_state WHERE unique_id = ?`, key); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// Load implements humidifier.RestoreSource
func (s *Store) Load(key string) (humidifier.Restored, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	r, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return humidifier.Restored{}, false, nil
	}
	if err != nil {
		return humidifier.Restored{}, false, err
	}
	return humidifier.Restored{IsOn: r.IsOn, TargetHumidity: r.TargetHumidity, Mode: r.Mode}, true, nil
}

// SaveSnapshot stores the restorable part of a published snapshot. It is
// meant to be registered as a humidifier state listener, so errors are
// logged.
func (s *Store) SaveSnapshot(key string, snap humidifier.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err := s.Save(ctx, Record{
		Key:            key,
		IsOn:           snap.IsOn,
		TargetHumidity: snap.TargetHumidity,
		Mode:           snap.Mode,
		UpdatedAt:      snap.LastUpdated,
	})
	if err != nil {
		s.logger.Warn("Failed to save state", zap.String("entity_id", snap.EntityID), zap.Error(err))
	}
}

// Attach saves every snapshot published by the platform's humidifiers
func (s *Store) Attach(p *humidifier.Platform) {
	for _, h := range p.Humidifiers() {
		key := humidifier.StorageKey(h)
		h.OnStateWritten(func(snap humidifier.Snapshot) {
			s.SaveSnapshot(key, snap)
		})
	}
}

// HealthCheck runs a trivial query
func (s *Store) HealthCheck(ctx context.Context) error {
	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}
