package store

import (
	"context"
	"fmt"
	"time"
)

// MatchCounterRecord is the persisted per-device streak counter. A device
// has at most one counter at a time (device_id is the primary key).
type MatchCounterRecord struct {
	DeviceID           string
	TrackID            string
	ConsecutiveMatches int
	LastMatchedIndex   int
	UpdatedAt          time.Time
}

// PutMatchCounter inserts or replaces the counter for a device.
func (s *Store) PutMatchCounter(ctx context.Context, c MatchCounterRecord) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO match_counters (device_id, track_id, consecutive_matches, last_matched_index, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (device_id) DO UPDATE SET
			track_id = excluded.track_id,
			consecutive_matches = excluded.consecutive_matches,
			last_matched_index = excluded.last_matched_index,
			updated_at = CURRENT_TIMESTAMP
	`, c.DeviceID, c.TrackID, c.ConsecutiveMatches, c.LastMatchedIndex)
	if err != nil {
		return fmt.Errorf("failed to put match counter for %s: %w", c.DeviceID, err)
	}
	return nil
}

// DeleteMatchCounter removes the counter for a device. No-op if absent.
func (s *Store) DeleteMatchCounter(ctx context.Context, deviceID string) error {
	if _, err := s.ExecContext(ctx, `DELETE FROM match_counters WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("failed to delete match counter for %s: %w", deviceID, err)
	}
	return nil
}

// DeleteAllMatchCounters clears every counter (system reset).
func (s *Store) DeleteAllMatchCounters(ctx context.Context) error {
	if _, err := s.ExecContext(ctx, `DELETE FROM match_counters`); err != nil {
		return fmt.Errorf("failed to clear match counters: %w", err)
	}
	return nil
}

// ListMatchCounters returns every stored counter for startup reload.
func (s *Store) ListMatchCounters(ctx context.Context) ([]MatchCounterRecord, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT device_id, track_id, consecutive_matches, last_matched_index, updated_at
		FROM match_counters
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list match counters: %w", err)
	}
	defer rows.Close()

	var counters []MatchCounterRecord
	for rows.Next() {
		var c MatchCounterRecord
		if err := rows.Scan(&c.DeviceID, &c.TrackID, &c.ConsecutiveMatches,
			&c.LastMatchedIndex, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan match counter: %w", err)
		}
		counters = append(counters, c)
	}
	return counters, rows.Err()
}
