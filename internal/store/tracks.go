package store

import (
	"context"
	"fmt"
	"time"
)

// TrackRecord is the persisted form of a track polyline and its metadata.
type TrackRecord struct {
	TrackID      string
	Name         string
	Filename     *string
	StartStation *string
	EndStation   *string
	IsActive     bool
	Points       []PointRecord
	CreatedAt    time.Time
}

// PointRecord is a single polyline vertex.
type PointRecord struct {
	Latitude  float64
	Longitude float64
}

// InsertTrack writes a track and its vertex sequence in one transaction.
// An IsActive record also clears is_active on every other track inside
// the same transaction, so a failure leaves neither a half-indexed track
// nor two active ones.
func (s *Store) InsertTrack(ctx context.Context, t TrackRecord) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if t.IsActive {
		if _, err := tx.ExecContext(ctx, `UPDATE tracks SET is_active = 0`); err != nil {
			return fmt.Errorf("failed to clear active flags: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tracks (track_id, name, filename, start_station, end_station, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.TrackID, t.Name, t.Filename, t.StartStation, t.EndStation, t.IsActive)
	if err != nil {
		return fmt.Errorf("failed to insert track %s: %w", t.TrackID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO track_points (track_id, seq, latitude, longitude)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare point insert: %w", err)
	}
	defer stmt.Close()

	for i, p := range t.Points {
		if _, err := stmt.ExecContext(ctx, t.TrackID, i, p.Latitude, p.Longitude); err != nil {
			return fmt.Errorf("failed to insert point %d of %s: %w", i, t.TrackID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit track insert: %w", err)
	}
	return nil
}

// ListTracks returns every track with its vertices, ordered by creation.
func (s *Store) ListTracks(ctx context.Context) ([]TrackRecord, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT track_id, name, filename, start_station, end_station, is_active, created_at
		FROM tracks ORDER BY created_at, track_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracks: %w", err)
	}
	defer rows.Close()

	var tracks []TrackRecord
	for rows.Next() {
		var t TrackRecord
		if err := rows.Scan(&t.TrackID, &t.Name, &t.Filename, &t.StartStation,
			&t.EndStation, &t.IsActive, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan track: %w", err)
		}
		tracks = append(tracks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range tracks {
		points, err := s.trackPoints(ctx, tracks[i].TrackID)
		if err != nil {
			return nil, err
		}
		tracks[i].Points = points
	}
	return tracks, nil
}

func (s *Store) trackPoints(ctx context.Context, trackID string) ([]PointRecord, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT latitude, longitude FROM track_points
		WHERE track_id = ? ORDER BY seq
	`, trackID)
	if err != nil {
		return nil, fmt.Errorf("failed to load points for %s: %w", trackID, err)
	}
	defer rows.Close()

	var points []PointRecord
	for rows.Next() {
		var p PointRecord
		if err := rows.Scan(&p.Latitude, &p.Longitude); err != nil {
			return nil, fmt.Errorf("failed to scan point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// DeleteTrack removes a track and (via cascade) its vertices.
func (s *Store) DeleteTrack(ctx context.Context, trackID string) error {
	if _, err := s.ExecContext(ctx, `DELETE FROM tracks WHERE track_id = ?`, trackID); err != nil {
		return fmt.Errorf("failed to delete track %s: %w", trackID, err)
	}
	return nil
}

// SetActiveTrack clears is_active on all tracks and sets it on trackID.
func (s *Store) SetActiveTrack(ctx context.Context, trackID string) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE tracks SET is_active = 0`); err != nil {
		return fmt.Errorf("failed to clear active flags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tracks SET is_active = 1 WHERE track_id = ?`, trackID); err != nil {
		return fmt.Errorf("failed to set active flag on %s: %w", trackID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit active flag change: %w", err)
	}
	return nil
}

// CountTracks returns the number of stored tracks.
func (s *Store) CountTracks(ctx context.Context) (int, error) {
	var n int
	if err := s.QueryRowContext(ctx, `SELECT COUNT(*) FROM tracks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tracks: %w", err)
	}
	return n, nil
}
