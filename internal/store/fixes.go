package store

import (
	"context"
	"fmt"
	"time"
)

// FixRecord is a persisted GPS sample. Satellites, HDOP and accuracy are
// passthrough fields the matching engine never reads.
type FixRecord struct {
	ID         int64
	DeviceID   string
	Latitude   float64
	Longitude  float64
	Satellites int
	HDOP       float64
	Accuracy   float64
	Timestamp  string
	SessionID  *string
	ReceivedAt time.Time
}

// InsertFix appends a fix to the log and fills in its assigned id.
func (s *Store) InsertFix(ctx context.Context, f *FixRecord) error {
	res, err := s.ExecContext(ctx, `
		INSERT INTO gps_fixes (device_id, latitude, longitude, satellites, hdop, accuracy, timestamp, session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, f.DeviceID, f.Latitude, f.Longitude, f.Satellites, f.HDOP, f.Accuracy, f.Timestamp, f.SessionID)
	if err != nil {
		return fmt.Errorf("failed to insert fix from %s: %w", f.DeviceID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get fix id: %w", err)
	}
	f.ID = id
	return nil
}

// ListFixes returns the latest fixes, newest first.
func (s *Store) ListFixes(ctx context.Context, limit int) ([]FixRecord, error) {
	return s.queryFixes(ctx, `
		SELECT id, device_id, latitude, longitude, satellites, hdop, accuracy, timestamp, session_id, received_at
		FROM gps_fixes ORDER BY received_at DESC, id DESC LIMIT ?
	`, limit)
}

// ListFixesByDevice returns the latest fixes for one device, newest first.
func (s *Store) ListFixesByDevice(ctx context.Context, deviceID string, limit int) ([]FixRecord, error) {
	return s.queryFixes(ctx, `
		SELECT id, device_id, latitude, longitude, satellites, hdop, accuracy, timestamp, session_id, received_at
		FROM gps_fixes WHERE device_id = ? ORDER BY received_at DESC, id DESC LIMIT ?
	`, deviceID, limit)
}

// ListFixesBySession returns a session's fixes in arrival order, for
// building a track section from a recording run.
func (s *Store) ListFixesBySession(ctx context.Context, sessionID string) ([]FixRecord, error) {
	return s.queryFixes(ctx, `
		SELECT id, device_id, latitude, longitude, satellites, hdop, accuracy, timestamp, session_id, received_at
		FROM gps_fixes WHERE session_id = ? ORDER BY received_at, id
	`, sessionID)
}

func (s *Store) queryFixes(ctx context.Context, query string, args ...any) ([]FixRecord, error) {
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query fixes: %w", err)
	}
	defer rows.Close()

	var fixes []FixRecord
	for rows.Next() {
		var f FixRecord
		if err := rows.Scan(&f.ID, &f.DeviceID, &f.Latitude, &f.Longitude,
			&f.Satellites, &f.HDOP, &f.Accuracy, &f.Timestamp,
			&f.SessionID, &f.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fix: %w", err)
		}
		fixes = append(fixes, f)
	}
	return fixes, rows.Err()
}
