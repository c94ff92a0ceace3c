// Package api exposes the engine's request/response interface over HTTP.
// The handlers wrap engine calls verbatim; all matching and arbitration
// semantics live below this layer.
package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/railguard-data/railguard/internal/engine"
	"github.com/railguard-data/railguard/internal/store"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server holds the handler dependencies.
type Server struct {
	engine *engine.Engine
	store  *store.Store
}

// NewServer creates an API server over the engine and its store.
func NewServer(eng *engine.Engine, st *store.Store) *Server {
	return &Server{engine: eng, store: st}
}

// ServeMux returns the full API route table.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.health)

	mux.HandleFunc("POST /api/gps", s.ingestFix)
	mux.HandleFunc("GET /api/gps", s.listFixes)
	mux.HandleFunc("GET /api/gps/{device_id}", s.listFixesByDevice)

	mux.HandleFunc("GET /api/train/status", s.trainStatus)
	mux.HandleFunc("POST /api/train/status", s.overrideTrainStatus)

	mux.HandleFunc("GET /api/tracks", s.listTracks)
	mux.HandleFunc("POST /api/tracks/upload", s.uploadTrack)
	mux.HandleFunc("POST /api/tracks/reset", s.resetSystem)
	mux.HandleFunc("DELETE /api/tracks/{track_id}", s.deleteTrack)
	mux.HandleFunc("POST /api/tracks/{track_id}/activate", s.activateTrack)
	mux.HandleFunc("GET /api/tracks/{track_id}/status", s.trackStatus)

	mux.HandleFunc("POST /api/trips/start", s.startTrip)
	mux.HandleFunc("POST /api/trips/stop", s.stopTrip)

	mux.HandleFunc("POST /api/sessions", s.createSession)
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("POST /api/sessions/{session_id}/start", s.startSession)
	mux.HandleFunc("POST /api/sessions/{session_id}/stop", s.stopSession)

	mux.HandleFunc("POST /api/simulate/gps", s.simulateGPS)

	return mux
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}
