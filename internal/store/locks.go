package store

import (
	"context"
	"fmt"
	"time"
)

// TrackLockRecord is a persisted claim over a track. At most one row
// exists per (track_id, train_id); two or more rows on the same track is
// the collision condition.
type TrackLockRecord struct {
	TrackID   string
	TrainID   string
	DeviceID  string
	LockedAt  time.Time
	UpdatedAt time.Time
}

// UpsertTrackLock records a claim, refreshing updated_at when the train
// already holds one.
func (s *Store) UpsertTrackLock(ctx context.Context, l TrackLockRecord) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO track_locks (track_id, train_id, device_id, locked_at, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT (track_id, train_id) DO UPDATE SET
			device_id = excluded.device_id,
			updated_at = CURRENT_TIMESTAMP
	`, l.TrackID, l.TrainID, l.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to record lock on %s for %s: %w", l.TrackID, l.TrainID, err)
	}
	return nil
}

// DeleteTrackLock releases a train's claim on a track. No-op if absent.
func (s *Store) DeleteTrackLock(ctx context.Context, trackID, trainID string) error {
	if _, err := s.ExecContext(ctx, `
		DELETE FROM track_locks WHERE track_id = ? AND train_id = ?
	`, trackID, trainID); err != nil {
		return fmt.Errorf("failed to delete lock on %s for %s: %w", trackID, trainID, err)
	}
	return nil
}

// DeleteAllTrackLocks clears every lock (system reset).
func (s *Store) DeleteAllTrackLocks(ctx context.Context) error {
	if _, err := s.ExecContext(ctx, `DELETE FROM track_locks`); err != nil {
		return fmt.Errorf("failed to clear track locks: %w", err)
	}
	return nil
}

// ListTrackLocks returns every stored lock for startup reload.
func (s *Store) ListTrackLocks(ctx context.Context) ([]TrackLockRecord, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT track_id, train_id, device_id, locked_at, updated_at
		FROM track_locks ORDER BY track_id, locked_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list track locks: %w", err)
	}
	defer rows.Close()

	var locks []TrackLockRecord
	for rows.Next() {
		var l TrackLockRecord
		if err := rows.Scan(&l.TrackID, &l.TrainID, &l.DeviceID, &l.LockedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan track lock: %w", err)
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}
