// Package store persists availability, subscriptions, alarms and the
// baseline/sent dedup tables in the relational database.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	// Register the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/minyong318-png/search-tennis-cloudflared/internal/crawler"
)

const schema = `
CREATE TABLE IF NOT EXISTS availability_cache (
	rid        TEXT NOT NULL,
	date       TEXT NOT NULL,
	slots_json TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (rid, date)
);
CREATE TABLE IF NOT EXISTS push_subscriptions (
	id       TEXT PRIMARY KEY,
	endpoint TEXT NOT NULL,
	p256dh   TEXT NOT NULL,
	auth     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS alarms (
	id              INTEGER PRIMARY KEY,
	subscription_id TEXT NOT NULL,
	court_group     TEXT NOT NULL,
	date            TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL DEFAULT (datetime('now')),
	UNIQUE (subscription_id, court_group, date)
);
CREATE TABLE IF NOT EXISTS baseline_slots (
	subscription_id TEXT NOT NULL,
	court_group     TEXT NOT NULL,
	date            TEXT NOT NULL,
	time_content    TEXT NOT NULL,
	UNIQUE (subscription_id, court_group, date, time_content)
);
CREATE TABLE IF NOT EXISTS sent_slots (
	subscription_id TEXT NOT NULL,
	slot_key        TEXT NOT NULL,
	sent_at         TIMESTAMP NOT NULL DEFAULT (datetime('now')),
	UNIQUE (subscription_id, slot_key)
);
`

// Store wraps the SQLite database holding all persisted entities.
type Store struct {
	db *sqlx.DB
}

// Open connects to the SQLite database at path (":memory:" works for tests)
// and ensures the schema exists.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db.path is required")
	}
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection (primarily for testing).
func NewWithDB(db *sqlx.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	return nil
}

// UpsertAvailability replaces the full slot list for one (facility, date)
// pair. An empty list is stored as-is: absence of a previously seen slot
// means "not available now".
func (s *Store) UpsertAvailability(ctx context.Context, rid, date string, slots []crawler.Slot) error {
	if slots == nil {
		slots = []crawler.Slot{}
	}
	payload, err := json.Marshal(slots)
	if err != nil {
		return fmt.Errorf("marshal slots: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO availability_cache (rid, date, slots_json, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT(rid, date) DO UPDATE SET
			slots_json=excluded.slots_json,
			updated_at=excluded.updated_at
	`, rid, date, string(payload))
	if err != nil {
		return fmt.Errorf("upsert availability %s/%s: %w", rid, date, err)
	}
	return nil
}

// ReadAvailability loads every cached (facility, date) slot list.
func (s *Store) ReadAvailability(ctx context.Context) (crawler.Availability, error) {
	rows := []struct {
		RID   string `db:"rid"`
		Date  string `db:"date"`
		Slots string `db:"slots_json"`
	}{}
	if err := s.db.SelectContext(ctx, &rows, `SELECT rid, date, slots_json FROM availability_cache`); err != nil {
		return nil, fmt.Errorf("read availability: %w", err)
	}
	out := make(crawler.Availability)
	for _, r := range rows {
		var slots []crawler.Slot
		if err := json.Unmarshal([]byte(r.Slots), &slots); err != nil {
			return nil, fmt.Errorf("decode slots for %s/%s: %w", r.RID, r.Date, err)
		}
		if out[r.RID] == nil {
			out[r.RID] = make(map[string][]crawler.Slot)
		}
		out[r.RID][r.Date] = slots
	}
	return out, nil
}

// ClearAvailability drops every cached availability row (daily hard reset).
func (s *Store) ClearAvailability(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM availability_cache`); err != nil {
		return fmt.Errorf("clear availability: %w", err)
	}
	return nil
}

// CleanupOld removes rows whose date has passed: stale alarms, baselines and
// availability rows, plus sent_slots past the 1-day retention window.
func (s *Store) CleanupOld(ctx context.Context, today string) error {
	steps := []struct {
		name  string
		query string
		args  []any
	}{
		{"alarms", `DELETE FROM alarms WHERE date < ?`, []any{today}},
		{"baseline_slots", `DELETE FROM baseline_slots WHERE date < ?`, []any{today}},
		{"sent_slots", `DELETE FROM sent_slots WHERE sent_at < datetime('now','-1 day')`, nil},
		{"availability_cache", `DELETE FROM availability_cache WHERE date < ?`, []any{today}},
	}
	for _, st := range steps {
		if _, err := s.db.ExecContext(ctx, st.query, st.args...); err != nil {
			return fmt.Errorf("cleanup %s: %w", st.name, err)
		}
	}
	return nil
}

// Exec runs a raw statement; tests use it to age sent_at rows.
func (s *Store) Exec(ctx context.Context, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}
