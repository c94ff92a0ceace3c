// Package store is the persistence layer for the railway safety engine.
// It wraps an embedded sqlite database holding the four core collections
// (trains, tracks, match_counters, track_locks) plus the raw GPS fix log
// and recording sessions. The in-memory components reload their state
// from here at startup; every mutation is written through before it is
// considered committed.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps the sqlite connection. All methods are safe for concurrent
// use; sqlite serialises writers internally.
type Store struct {
	*sql.DB
}

// Open opens (creating if necessary) the database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps readers unblocked during ingest writes; busy_timeout
	// covers short writer contention instead of returning SQLITE_BUSY.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA foreign_keys = ON;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	s := &Store{db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// OpenWithoutSchema opens the database without creating tables. Used by
// the migrate subcommand, which manages the schema itself.
func OpenWithoutSchema(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Store{db}, nil
}

func (s *Store) ensureSchema() error {
	_, err := s.Exec(`
		CREATE TABLE IF NOT EXISTS trains (
			train_id            TEXT PRIMARY KEY,
			device_id           TEXT NOT NULL UNIQUE,
			active              INTEGER NOT NULL DEFAULT 0,
			collision_detected  INTEGER NOT NULL DEFAULT 0,
			current_track       TEXT,
			selected_track_id   TEXT,
			collision_with      TEXT NOT NULL DEFAULT '[]',
			created_at          TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at          TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS tracks (
			track_id       TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			filename       TEXT,
			start_station  TEXT,
			end_station    TEXT,
			is_active      INTEGER NOT NULL DEFAULT 0,
			created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS track_points (
			track_id   TEXT NOT NULL REFERENCES tracks(track_id) ON DELETE CASCADE,
			seq        INTEGER NOT NULL,
			latitude   DOUBLE NOT NULL,
			longitude  DOUBLE NOT NULL,
			PRIMARY KEY (track_id, seq)
		);
		CREATE TABLE IF NOT EXISTS match_counters (
			device_id           TEXT PRIMARY KEY,
			track_id            TEXT NOT NULL,
			consecutive_matches INTEGER NOT NULL,
			last_matched_index  INTEGER NOT NULL,
			updated_at          TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS track_locks (
			track_id   TEXT NOT NULL,
			train_id   TEXT NOT NULL,
			device_id  TEXT NOT NULL,
			locked_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (track_id, train_id)
		);
		CREATE TABLE IF NOT EXISTS gps_fixes (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id   TEXT NOT NULL,
			latitude    DOUBLE NOT NULL,
			longitude   DOUBLE NOT NULL,
			satellites  INTEGER NOT NULL DEFAULT 0,
			hdop        DOUBLE NOT NULL DEFAULT 0,
			accuracy    DOUBLE NOT NULL DEFAULT 0,
			timestamp   TEXT,
			session_id  TEXT,
			received_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_gps_fixes_device ON gps_fixes(device_id, received_at);
		CREATE INDEX IF NOT EXISTS idx_gps_fixes_session ON gps_fixes(session_id);
		CREATE TABLE IF NOT EXISTS sessions (
			session_id   TEXT PRIMARY KEY,
			start_point  TEXT NOT NULL,
			end_point    TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'created',
			created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at   TIMESTAMP,
			stopped_at   TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Ping verifies the store is reachable. The API health endpoint uses it.
func (s *Store) Ping(ctx context.Context) error {
	return s.PingContext(ctx)
}
