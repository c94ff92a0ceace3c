package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/railguard-data/railguard/internal/engine"
	"github.com/railguard-data/railguard/internal/httputil"
	"github.com/railguard-data/railguard/internal/session"
	"github.com/railguard-data/railguard/internal/store"
	"github.com/railguard-data/railguard/internal/track"
	"github.com/railguard-data/railguard/internal/train"
)

// writeEngineError maps engine error kinds onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidFix),
		errors.Is(err, track.ErrInvalidTrack):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, train.ErrTrainNotFound),
		errors.Is(err, track.ErrTrackNotFound),
		errors.Is(err, session.ErrSessionNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, engine.ErrTrackBusy):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, engine.ErrStoreUnavailable):
		httputil.ServiceUnavailable(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		httputil.ServiceUnavailable(w, "store unreachable")
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"status":  "OK",
		"message": "railguard API is running",
	})
}

// ==== GPS ingest and history ====

func (s *Server) ingestFix(w http.ResponseWriter, r *http.Request) {
	var fix engine.Fix
	if err := json.NewDecoder(r.Body).Decode(&fix); err != nil {
		httputil.BadRequest(w, "invalid fix payload: "+err.Error())
		return
	}

	result, err := s.engine.IngestFix(r.Context(), fix)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	httputil.WriteJSONOK(w, map[string]any{
		"success":     true,
		"saved":       result.Saved,
		"session_id":  result.SessionID,
		"track_match": result.TrackMatch,
		"collision":   result.Collision,
	})
}

// fixAPI controls the JSON shape of fix history responses.
type fixAPI struct {
	ID         int64   `json:"id"`
	DeviceID   string  `json:"device_id"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Satellites int     `json:"satellites"`
	HDOP       float64 `json:"hdop"`
	Accuracy   float64 `json:"accuracy"`
	Timestamp  string  `json:"timestamp"`
	SessionID  *string `json:"session_id,omitempty"`
	ReceivedAt string  `json:"received_at"`
}

func fixToAPI(f store.FixRecord) fixAPI {
	return fixAPI{
		ID:         f.ID,
		DeviceID:   f.DeviceID,
		Latitude:   f.Latitude,
		Longitude:  f.Longitude,
		Satellites: f.Satellites,
		HDOP:       f.HDOP,
		Accuracy:   f.Accuracy,
		Timestamp:  f.Timestamp,
		SessionID:  f.SessionID,
		ReceivedAt: f.ReceivedAt.UTC().Format(time.RFC3339),
	}
}

func parseLimit(r *http.Request) (int, error) {
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			return 0, fmt.Errorf("invalid 'limit' parameter %q", l)
		}
		limit = parsed
	}
	return limit, nil
}

func (s *Server) listFixes(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	fixes, err := s.store.ListFixes(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to fetch fixes")
		return
	}
	s.writeFixes(w, fixes)
}

func (s *Server) listFixesByDevice(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	fixes, err := s.store.ListFixesByDevice(r.Context(), r.PathValue("device_id"), limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to fetch fixes")
		return
	}
	s.writeFixes(w, fixes)
}

func (s *Server) writeFixes(w http.ResponseWriter, fixes []store.FixRecord) {
	apiFixes := make([]fixAPI, len(fixes))
	for i, f := range fixes {
		apiFixes[i] = fixToAPI(f)
	}
	httputil.WriteJSONOK(w, map[string]any{
		"success": true,
		"count":   len(apiFixes),
		"data":    apiFixes,
	})
}

// ==== Train status ====

func (s *Server) trainStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		t   train.Train
		err error
	)
	switch {
	case q.Get("device_id") != "":
		t, err = s.engine.Registry().GetByDevice(q.Get("device_id"))
	case q.Get("train_id") != "":
		t, err = s.engine.Registry().Get(q.Get("train_id"))
	default:
		// No selector: return the whole fleet.
		httputil.WriteJSONOK(w, map[string]any{
			"success": true,
			"trains":  s.engine.Registry().List(),
		})
		return
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}

	httputil.WriteJSONOK(w, map[string]any{
		"success":            true,
		"train_id":           t.TrainID,
		"device_id":          t.DeviceID,
		"active":             t.Active,
		"collision_detected": t.CollisionDetected,
		"current_track":      t.CurrentTrack,
		"selected_track_id":  t.SelectedTrackID,
		"collision_with":     t.CollisionWith,
		"updated_at":         t.UpdatedAt,
	})
}

func (s *Server) overrideTrainStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TrainID string `json:"train_id"`
		Active  bool   `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid request body")
		return
	}
	if req.TrainID == "" {
		req.TrainID = "TRAIN_01"
	}

	if err := s.engine.Registry().SetAlarmOverride(r.Context(), req.TrainID, req.Active); err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"success": true,
		"message": "train status updated",
		"active":  req.Active,
	})
}

// ==== Track management ====

func (s *Server) listTracks(w http.ResponseWriter, r *http.Request) {
	tracks := s.engine.Catalog().List()
	httputil.WriteJSONOK(w, map[string]any{
		"success": true,
		"count":   len(tracks),
		"tracks":  tracks,
	})
}

func (s *Server) uploadTrack(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileContent  string `json:"file_content"`
		Filename     string `json:"filename"`
		Name         string `json:"name"`
		StartStation string `json:"start_station"`
		EndStation   string `json:"end_station"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid request body")
		return
	}

	points, err := track.ParseCSV(req.FileContent)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	t, err := s.engine.Catalog().Load(r.Context(), track.LoadParams{
		Name:         req.Name,
		Filename:     req.Filename,
		StartStation: req.StartStation,
		EndStation:   req.EndStation,
		Points:       points,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	httputil.WriteJSONOK(w, map[string]any{
		"success": true,
		"message": "track uploaded",
		"track":   t.Summarize(),
	})
}

func (s *Server) deleteTrack(w http.ResponseWriter, r *http.Request) {
	trackID := r.PathValue("track_id")
	if err := s.engine.Catalog().Delete(r.Context(), trackID); err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"success": true,
		"message": "track deleted",
	})
}

func (s *Server) activateTrack(w http.ResponseWriter, r *http.Request) {
	trackID := r.PathValue("track_id")
	if err := s.engine.Catalog().SetActive(r.Context(), trackID); err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"success": true,
		"message": "track activated",
	})
}

func (s *Server) trackStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status(r.PathValue("track_id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"success":        true,
		"track_id":       status.TrackID,
		"locks":          status.Locks,
		"collision_risk": status.CollisionRisk,
	})
}

func (s *Server) resetSystem(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reset(r.Context()); err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"success": true,
		"message": "locks, counters, and train alarms reset",
	})
}

// ==== Trip lifecycle ====

func (s *Server) startTrip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TrainID string `json:"train_id"`
		TrackID string `json:"track_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid request body")
		return
	}

	if err := s.engine.StartTrip(r.Context(), req.TrainID, req.TrackID); err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"ok": true})
}

func (s *Server) stopTrip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TrainID string `json:"train_id"`
		TrackID string `json:"track_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid request body")
		return
	}

	if err := s.engine.StopTrip(r.Context(), req.TrainID, req.TrackID); err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"ok": true})
}

// ==== Recording sessions ====

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StartPoint string `json:"start_point"`
		EndPoint   string `json:"end_point"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid request body")
		return
	}

	sess, err := s.engine.Sessions().Create(r.Context(), req.StartPoint, req.EndPoint)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"success": true,
		"data":    sess,
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.engine.Sessions().List(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"success":  true,
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Sessions().Start(r.Context(), r.PathValue("session_id")); err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"success": true,
		"message": "session started",
	})
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Sessions().Stop(r.Context(), r.PathValue("session_id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"success":               true,
		"session":               result.Session,
		"track_section_created": result.TrackSectionCreated,
		"track":                 result.Track,
	})
}

// ==== Simulation ====

func (s *Server) simulateGPS(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID   string `json:"device_id"`
		TrackID    string `json:"track_id"`
		StartIndex int    `json:"start_index"`
		NumPoints  int    `json:"num_points"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid request body")
		return
	}
	if req.NumPoints < 1 {
		req.NumPoints = 10
	}

	results, err := s.engine.Simulate(r.Context(), req.DeviceID, req.TrackID, req.StartIndex, req.NumPoints)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	var last *engine.IngestResult
	if len(results) > 0 {
		last = &results[len(results)-1]
	}
	httputil.WriteJSONOK(w, map[string]any{
		"success":     true,
		"points_sent": len(results),
		"last":        last,
	})
}
