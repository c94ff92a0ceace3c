package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// TrainRecord is the persisted form of a train's mutable state tuple.
// CollisionWith is stored as a JSON array of train ids.
type TrainRecord struct {
	TrainID           string
	DeviceID          string
	Active            bool
	CollisionDetected bool
	CurrentTrack      *string
	SelectedTrackID   *string
	CollisionWith     []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ListTrains returns every train record, ordered by train id.
func (s *Store) ListTrains(ctx context.Context) ([]TrainRecord, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT train_id, device_id, active, collision_detected,
		       current_track, selected_track_id, collision_with,
		       created_at, updated_at
		FROM trains ORDER BY train_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list trains: %w", err)
	}
	defer rows.Close()

	var trains []TrainRecord
	for rows.Next() {
		var t TrainRecord
		var collisionWith string
		if err := rows.Scan(
			&t.TrainID, &t.DeviceID, &t.Active, &t.CollisionDetected,
			&t.CurrentTrack, &t.SelectedTrackID, &collisionWith,
			&t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan train: %w", err)
		}
		if err := json.Unmarshal([]byte(collisionWith), &t.CollisionWith); err != nil {
			return nil, fmt.Errorf("failed to decode collision_with for %s: %w", t.TrainID, err)
		}
		trains = append(trains, t)
	}
	return trains, rows.Err()
}

// InsertTrain creates a new train bound to a device.
func (s *Store) InsertTrain(ctx context.Context, trainID, deviceID string) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO trains (train_id, device_id) VALUES (?, ?)
	`, trainID, deviceID)
	if err != nil {
		return fmt.Errorf("failed to insert train %s: %w", trainID, err)
	}
	return nil
}

// UpdateTrainState writes the full mutable state tuple for a train.
func (s *Store) UpdateTrainState(ctx context.Context, t TrainRecord) error {
	collisionWith := t.CollisionWith
	if collisionWith == nil {
		collisionWith = []string{}
	}
	encoded, err := json.Marshal(collisionWith)
	if err != nil {
		return fmt.Errorf("failed to encode collision_with: %w", err)
	}

	res, err := s.ExecContext(ctx, `
		UPDATE trains
		SET active = ?, collision_detected = ?, current_track = ?,
		    selected_track_id = ?, collision_with = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE train_id = ?
	`, t.Active, t.CollisionDetected, t.CurrentTrack, t.SelectedTrackID,
		string(encoded), t.TrainID)
	if err != nil {
		return fmt.Errorf("failed to update train %s: %w", t.TrainID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CountTrains returns the number of train records. Seeding only runs when
// this is zero.
func (s *Store) CountTrains(ctx context.Context) (int, error) {
	var n int
	if err := s.QueryRowContext(ctx, `SELECT COUNT(*) FROM trains`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count trains: %w", err)
	}
	return n, nil
}
