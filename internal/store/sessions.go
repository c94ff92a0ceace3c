package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session lifecycle states.
const (
	SessionCreated = "created"
	SessionRunning = "running"
	SessionStopped = "stopped"
)

// SessionRecord is a recording session grouping fixes into a trip run.
type SessionRecord struct {
	SessionID  string
	StartPoint string
	EndPoint   string
	Status     string
	CreatedAt  time.Time
	StartedAt  *time.Time
	StoppedAt  *time.Time
}

// InsertSession creates a session in the 'created' state.
func (s *Store) InsertSession(ctx context.Context, sess SessionRecord) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO sessions (session_id, start_point, end_point, status)
		VALUES (?, ?, ?, ?)
	`, sess.SessionID, sess.StartPoint, sess.EndPoint, SessionCreated)
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", sess.SessionID, err)
	}
	return nil
}

// GetSession looks up a session by id. Returns sql.ErrNoRows if absent.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	var sess SessionRecord
	err := s.QueryRowContext(ctx, `
		SELECT session_id, start_point, end_point, status, created_at, started_at, stopped_at
		FROM sessions WHERE session_id = ?
	`, sessionID).Scan(&sess.SessionID, &sess.StartPoint, &sess.EndPoint,
		&sess.Status, &sess.CreatedAt, &sess.StartedAt, &sess.StoppedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// RunningSession returns the most recently started running session, or
// nil when no recording is open.
func (s *Store) RunningSession(ctx context.Context) (*SessionRecord, error) {
	var sess SessionRecord
	err := s.QueryRowContext(ctx, `
		SELECT session_id, start_point, end_point, status, created_at, started_at, stopped_at
		FROM sessions WHERE status = ? ORDER BY started_at DESC LIMIT 1
	`, SessionRunning).Scan(&sess.SessionID, &sess.StartPoint, &sess.EndPoint,
		&sess.Status, &sess.CreatedAt, &sess.StartedAt, &sess.StoppedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query running session: %w", err)
	}
	return &sess, nil
}

// MarkSessionRunning transitions a session to 'running'.
func (s *Store) MarkSessionRunning(ctx context.Context, sessionID string) error {
	return s.setSessionStatus(ctx, sessionID, SessionRunning, "started_at")
}

// MarkSessionStopped transitions a session to 'stopped'.
func (s *Store) MarkSessionStopped(ctx context.Context, sessionID string) error {
	return s.setSessionStatus(ctx, sessionID, SessionStopped, "stopped_at")
}

func (s *Store) setSessionStatus(ctx context.Context, sessionID, status, stampCol string) error {
	res, err := s.ExecContext(ctx, fmt.Sprintf(`
		UPDATE sessions SET status = ?, %s = CURRENT_TIMESTAMP WHERE session_id = ?
	`, stampCol), status, sessionID)
	if err != nil {
		return fmt.Errorf("failed to mark session %s %s: %w", sessionID, status, err)
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

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT session_id, start_point, end_point, status, created_at, started_at, stopped_at
		FROM sessions ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionRecord
	for rows.Next() {
		var sess SessionRecord
		if err := rows.Scan(&sess.SessionID, &sess.StartPoint, &sess.EndPoint,
			&sess.Status, &sess.CreatedAt, &sess.StartedAt, &sess.StoppedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
