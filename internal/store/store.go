// Package store persists event/announcement associations and promotion
// vetoes in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"calbot/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when no record exists for an event.
var ErrNotFound = errors.New("store: record not found")

// timeLayout keeps stored timestamps lexically ordered.
const timeLayout = "2006-01-02T15:04:05Z"

// Store is safe for concurrent use. All access goes through one
// connection guarded by a mutex, so the polling loop and gateway
// callbacks never interleave a read-then-write.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens the database at path and applies migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return New(db), nil
}

// New wraps an already-migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Get returns the record for eventID or ErrNotFound.
func (s *Store) Get(ctx context.Context, eventID string) (model.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := model.EventRecord{EventID: eventID}
	err := s.db.QueryRowContext(ctx,
		"SELECT message_id, is_preview FROM events WHERE event_id = ?", eventID,
	).Scan(&rec.MessageID, &rec.IsPreview)
	if errors.Is(err, sql.ErrNoRows) {
		return model.EventRecord{}, ErrNotFound
	}
	if err != nil {
		return model.EventRecord{}, fmt.Errorf("get event %s: %w", eventID, err)
	}
	return rec, nil
}

// Put inserts or replaces the record for rec.EventID.
func (s *Store) Put(ctx context.Context, rec model.EventRecord) error {
	if rec.EventID == "" {
		return errors.New("store: empty event id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, message_id, is_preview) VALUES (?, ?, ?)
		 ON CONFLICT(event_id) DO UPDATE SET message_id = excluded.message_id, is_preview = excluded.is_preview`,
		rec.EventID, rec.MessageID, rec.IsPreview,
	)
	if err != nil {
		return fmt.Errorf("put event %s: %w", rec.EventID, err)
	}
	return nil
}

// Delete removes the record for eventID. Deleting a missing record is not
// an error.
func (s *Store) Delete(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE event_id = ?", eventID); err != nil {
		return fmt.Errorf("delete event %s: %w", eventID, err)
	}
	return nil
}

// List returns all records ordered by event id.
func (s *Store) List(ctx context.Context) ([]model.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, "SELECT event_id, message_id, is_preview FROM events ORDER BY event_id")
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := make([]model.EventRecord, 0)
	for rows.Next() {
		var rec model.EventRecord
		if err := rows.Scan(&rec.EventID, &rec.MessageID, &rec.IsPreview); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AddVeto records that the occurrence (name, start) must not be published.
func (s *Store) AddVeto(ctx context.Context, v model.Veto) error {
	if v.VetoedAt.IsZero() {
		v.VetoedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO vetoes (name, start_time, vetoed_at) VALUES (?, ?, ?)",
		v.Name, formatTime(v.Start), formatTime(v.VetoedAt),
	)
	if err != nil {
		return fmt.Errorf("add veto %s: %w", v.Name, err)
	}
	return nil
}

// IsVetoed reports whether (name, start) was vetoed.
func (s *Store) IsVetoed(ctx context.Context, name string, start time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM vetoes WHERE name = ? AND start_time = ?",
		name, formatTime(start),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check veto %s: %w", name, err)
	}
	return n > 0, nil
}

// ListVetoes returns every veto ordered by start.
func (s *Store) ListVetoes(ctx context.Context) ([]model.Veto, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, "SELECT name, start_time, vetoed_at FROM vetoes ORDER BY start_time, name")
	if err != nil {
		return nil, fmt.Errorf("list vetoes: %w", err)
	}
	defer rows.Close()

	out := make([]model.Veto, 0)
	for rows.Next() {
		var (
			v         model.Veto
			start, at string
		)
		if err := rows.Scan(&v.Name, &start, &at); err != nil {
			return nil, fmt.Errorf("scan veto: %w", err)
		}
		v.Start, _ = time.Parse(timeLayout, start)
		v.VetoedAt, _ = time.Parse(timeLayout, at)
		out = append(out, v)
	}
	return out, rows.Err()
}

// PruneVetoes drops vetoes for occurrences that started before cutoff.
func (s *Store) PruneVetoes(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM vetoes WHERE start_time < ?", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune vetoes: %w", err)
	}
	return res.RowsAffected()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
