// Package session manages recording sessions: operator-opened containers
// that group incoming fixes into a trip run. Stopping a session with
// enough recorded fixes turns the run into a new track section.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/railguard-data/railguard/internal/geo"
	"github.com/railguard-data/railguard/internal/store"
	"github.com/railguard-data/railguard/internal/track"
)

// ErrSessionNotFound is returned when a session id is unknown.
var ErrSessionNotFound = errors.New("session not found")

// Session is the API-facing view of a recording session.
type Session struct {
	ID         string     `json:"id"`
	StartPoint string     `json:"start_point"`
	EndPoint   string     `json:"end_point"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
}

// StopResult reports what happened when a session was stopped.
type StopResult struct {
	Session             Session        `json:"session"`
	TrackSectionCreated bool           `json:"track_section_created"`
	Track               *track.Summary `json:"track,omitempty"`
}

// Manager owns session lifecycle. A single session records at a time;
// starting a new one is serialised to keep that so.
type Manager struct {
	mu      sync.Mutex
	store   *store.Store
	catalog *track.Catalog
}

// NewManager wires a manager to the store and the track catalog.
func NewManager(st *store.Store, catalog *track.Catalog) *Manager {
	return &Manager{store: st, catalog: catalog}
}

// Create registers a new session in the created state.
func (m *Manager) Create(ctx context.Context, startPoint, endPoint string) (Session, error) {
	rec := store.SessionRecord{
		SessionID:  uuid.New().String(),
		StartPoint: startPoint,
		EndPoint:   endPoint,
	}
	if err := m.store.InsertSession(ctx, rec); err != nil {
		return Session{}, err
	}
	return Session{
		ID:         rec.SessionID,
		StartPoint: rec.StartPoint,
		EndPoint:   rec.EndPoint,
		Status:     store.SessionCreated,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Start transitions a session to running. Any previously running session
// is stopped first; one session records at a time.
func (m *Manager) Start(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.get(ctx, sessionID); err != nil {
		return err
	}

	running, err := m.store.RunningSession(ctx)
	if err != nil {
		return err
	}
	if running != nil && running.SessionID != sessionID {
		log.Printf("stopping session %s: superseded by %s", running.SessionID, sessionID)
		if err := m.store.MarkSessionStopped(ctx, running.SessionID); err != nil {
			return err
		}
	}

	return m.store.MarkSessionRunning(ctx, sessionID)
}

// Stop halts recording and, when the session captured at least two fixes,
// builds a track section from its coordinates (latitude and longitude
// only; the other fix fields stay in the fix log).
func (m *Manager) Stop(ctx context.Context, sessionID string) (StopResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.get(ctx, sessionID)
	if err != nil {
		return StopResult{}, err
	}

	if sess.Status == store.SessionRunning {
		if err := m.store.MarkSessionStopped(ctx, sessionID); err != nil {
			return StopResult{}, err
		}
		sess.Status = store.SessionStopped
	}

	result := StopResult{Session: toSession(sess)}

	fixes, err := m.store.ListFixesBySession(ctx, sessionID)
	if err != nil {
		return StopResult{}, err
	}
	if len(fixes) < 2 {
		return result, nil
	}

	points := make([]geo.Point, len(fixes))
	for i, f := range fixes {
		points[i] = geo.Point{Latitude: f.Latitude, Longitude: f.Longitude}
	}

	t, err := m.catalog.Load(ctx, track.LoadParams{
		Name:         fmt.Sprintf("Real Time Recorded Data %s to %s", sess.StartPoint, sess.EndPoint),
		Filename:     "real time recorded data.csv",
		StartStation: sess.StartPoint,
		EndStation:   sess.EndPoint,
		Points:       points,
	})
	if err != nil {
		// The session is already stopped; report it without a track
		// rather than failing the stop.
		log.Printf("session %s: failed to build track section: %v", sessionID, err)
		return result, nil
	}

	summary := t.Summarize()
	result.TrackSectionCreated = true
	result.Track = &summary
	log.Printf("session %s: created track section %s (%d points)", sessionID, t.TrackID, len(points))
	return result, nil
}

// Running returns the open session's id, or empty when none records.
func (m *Manager) Running(ctx context.Context) (string, error) {
	sess, err := m.store.RunningSession(ctx)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", nil
	}
	return sess.SessionID, nil
}

// List returns all sessions, newest first.
func (m *Manager) List(ctx context.Context) ([]Session, error) {
	records, err := m.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	sessions := make([]Session, len(records))
	for i, rec := range records {
		sessions[i] = toSession(&rec)
	}
	return sessions, nil
}

func (m *Manager) get(ctx context.Context, sessionID string) (*store.SessionRecord, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, err
	}
	return sess, nil
}

func toSession(rec *store.SessionRecord) Session {
	return Session{
		ID:         rec.SessionID,
		StartPoint: rec.StartPoint,
		EndPoint:   rec.EndPoint,
		Status:     rec.Status,
		CreatedAt:  rec.CreatedAt,
		StartedAt:  rec.StartedAt,
		StoppedAt:  rec.StoppedAt,
	}
}
