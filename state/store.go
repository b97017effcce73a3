// Package state keeps the live hook registrations and delivery counters in
// a small sqlite file so that `connwatch status` can read them from another
// process. No connection events are stored.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// FileName is the database file created inside the state directory
const FileName = "connwatch.db"

// Registration is the stored form of an installed interceptor
type Registration struct {
	Target    string    `json:"target"`
	Kind      string    `json:"kind"`
	Address   uint64    `json:"address"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Counters are the cumulative pipeline and delivery counts
type Counters struct {
	Observed   uint64    `json:"observed"`
	Filtered   uint64    `json:"filtered"`
	Suppressed uint64    `json:"suppressed"`
	Published  uint64    `json:"published"`
	Dropped    uint64    `json:"dropped"`
	Delivered  uint64    `json:"delivered"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store handles state database operations
type Store struct {
	db *sql.DB
}

// Open creates or opens the state database under dir
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dir, FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err := initHookSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize hook schema: %w", err)
	}
	if err := initCounterSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize counter schema: %w", err)
	}

	return &Store{db: db}, nil
}

func initHookSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS hooks (
		target     TEXT PRIMARY KEY,
		kind       TEXT NOT NULL,
		address    TEXT NOT NULL,    -- hex, kernel addresses overflow INTEGER
		state      TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create hooks table: %w", err)
	}
	return nil
}

func initCounterSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS counters (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		observed   INTEGER NOT NULL DEFAULT 0,
		filtered   INTEGER NOT NULL DEFAULT 0,
		suppressed INTEGER NOT NULL DEFAULT 0,
		published  INTEGER NOT NULL DEFAULT 0,
		dropped    INTEGER NOT NULL DEFAULT 0,
		delivered  INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create counters table: %w", err)
	}
	return nil
}

// ReplaceRegistrations overwrites the stored registrations with regs
func (s *Store) ReplaceRegistrations(regs []Registration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM hooks"); err != nil {
		return fmt.Errorf("failed to clear hooks: %w", err)
	}

	now := time.Now().UTC()
	for _, r := range regs {
		_, err := tx.Exec(
			"INSERT INTO hooks (target, kind, address, state, updated_at) VALUES (?, ?, ?, ?, ?)",
			r.Target, r.Kind, strconv.FormatUint(r.Address, 16), r.State, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert hook %s: %w", r.Target, err)
		}
	}
	return tx.Commit()
}

// Registrations returns the stored registrations ordered by target
func (s *Store) Registrations() ([]Registration, error) {
	rows, err := s.db.Query("SELECT target, kind, address, state, updated_at FROM hooks ORDER BY target")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var regs []Registration
	for rows.Next() {
		var (
			r    Registration
			addr string
		)
		if err := rows.Scan(&r.Target, &r.Kind, &addr, &r.State, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if r.Address, err = strconv.ParseUint(addr, 16, 64); err != nil {
			return nil, fmt.Errorf("bad address for %s: %w", r.Target, err)
		}
		regs = append(regs, r)
	}
	return regs, rows.Err()
}

// UpdateCounters stores c as the current counter snapshot
func (s *Store) UpdateCounters(c Counters) error {
	_, err := s.db.Exec(`
	INSERT INTO counters (id, observed, filtered, suppressed, published, dropped, delivered, updated_at)
	VALUES (1, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		observed = excluded.observed,
		filtered = excluded.filtered,
		suppressed = excluded.suppressed,
		published = excluded.published,
		dropped = excluded.dropped,
		delivered = excluded.delivered,
		updated_at = excluded.updated_at`,
		int64(c.Observed), int64(c.Filtered), int64(c.Suppressed),
		int64(c.Published), int64(c.Dropped), int64(c.Delivered),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update counters: %w", err)
	}
	return nil
}

// Counters returns the last stored snapshot, or zero counters if none was written
func (s *Store) Counters() (Counters, error) {
	var (
		c                                                             Counters
		observed, filtered, suppressed, published, dropped, delivered int64
	)
	err := s.db.QueryRow(`
	SELECT observed, filtered, suppressed, published, dropped, delivered, updated_at
	FROM counters WHERE id = 1`).Scan(&observed, &filtered, &suppressed, &published, &dropped, &delivered, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return Counters{}, nil
	}
	if err != nil {
		return Counters{}, err
	}
	c.Observed = uint64(observed)
	c.Filtered = uint64(filtered)
	c.Suppressed = uint64(suppressed)
	c.Published = uint64(published)
	c.Dropped = uint64(dropped)
	c.Delivered = uint64(delivered)
	return c, nil
}

// Sync writes snapshot() every interval until ctx is done, then once more
func (s *Store) Sync(ctx context.Context, interval time.Duration, snapshot func() Counters, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.UpdateCounters(snapshot()); err != nil {
				logger.Warn("failed to store final counters", zap.Error(err))
			}
			return
		case <-ticker.C:
			if err := s.UpdateCounters(snapshot()); err != nil {
				logger.Warn("failed to store counters", zap.Error(err))
			}
		}
	}
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
