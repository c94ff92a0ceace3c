// Package track maintains the in-memory catalog of railway track
// polylines. The catalog is the authoritative index for matching; the
// store provides durability and is reloaded at startup.
package track

import (
	"errors"
	"time"

	"github.com/railguard-data/railguard/internal/geo"
)

// ErrInvalidTrack is returned when a polyline has fewer than two
// well-formed vertices after parsing.
var ErrInvalidTrack = errors.New("invalid track: requires at least 2 vertices")

// ErrTrackNotFound is returned when a track id is not in the catalog.
var ErrTrackNotFound = errors.New("track not found")

// Track is a stored rail segment. The vertex sequence is immutable after
// load; IsActive is a display/selection hint and does not affect
// arbitration.
type Track struct {
	TrackID      string      `json:"track_id"`
	Name         string      `json:"name"`
	Filename     string      `json:"filename,omitempty"`
	StartStation string      `json:"start_station,omitempty"`
	EndStation   string      `json:"end_station,omitempty"`
	IsActive     bool        `json:"is_active"`
	Points       []geo.Point `json:"coordinates,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// PointsCount returns the number of vertices. Serialised in listings so
// clients need not fetch full coordinate sets.
func (t *Track) PointsCount() int {
	return len(t.Points)
}

// Summary is the listing form of a track, without coordinates.
type Summary struct {
	TrackID      string    `json:"track_id"`
	Name         string    `json:"name"`
	Filename     string    `json:"filename,omitempty"`
	StartStation string    `json:"start_station,omitempty"`
	EndStation   string    `json:"end_station,omitempty"`
	IsActive     bool      `json:"is_active"`
	PointsCount  int       `json:"points_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Summarize returns the coordinate-free listing form.
func (t *Track) Summarize() Summary {
	return Summary{
		TrackID:      t.TrackID,
		Name:         t.Name,
		Filename:     t.Filename,
		StartStation: t.StartStation,
		EndStation:   t.EndStation,
		IsActive:     t.IsActive,
		PointsCount:  len(t.Points),
		CreatedAt:    t.CreatedAt,
	}
}
