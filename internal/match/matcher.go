package match

import (
	"context"
	"errors"

	"github.com/railguard-data/railguard/internal/geo"
)

// ErrNoVertices is returned when a polyline has no vertices to match
// against. Loaded tracks always have at least two, so seeing this means
// the caller bypassed the catalog.
var ErrNoVertices = errors.New("polyline has no vertices")

// Result reports the outcome of matching one fix against one polyline.
type Result struct {
	Matched         bool    `json:"matched"`
	TrackID         string  `json:"track_id,omitempty"`
	DistanceM       float64 `json:"distance_m"`
	TrackIndex      *int    `json:"track_index,omitempty"`
	Consecutive     int     `json:"consecutive"`
	LockedCandidate bool    `json:"locked_candidate"`
	Reason          string  `json:"reason,omitempty"`
}

// Matcher applies the nearest-vertex test and drives the streak counters.
// The (threshold, required) pair is the engine's only tuning knob.
type Matcher struct {
	state      *StateStore
	thresholdM float64
	required   int
}

// NewMatcher builds a matcher with the given threshold T in metres and
// required streak length K.
func NewMatcher(state *StateStore, thresholdM float64, required int) *Matcher {
	return &Matcher{
		state:      state,
		thresholdM: thresholdM,
		required:   required,
	}
}

// NearestVertex returns the index of the polyline vertex closest to fix
// and its distance in metres. Ties break to the lowest index.
func NearestVertex(points []geo.Point, fix geo.Point) (int, float64, error) {
	if len(points) == 0 {
		return 0, 0, ErrNoVertices
	}

	best := 0
	bestDist := geo.Distance(fix, points[0])
	for i := 1; i < len(points); i++ {
		if d := geo.Distance(fix, points[i]); d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best, bestDist, nil
}

// Match runs one fix from a device against a polyline and updates the
// device's streak counter atomically. The threshold test is inclusive: a
// fix at exactly T metres matches. An out-of-threshold fix destroys the
// counter outright.
func (m *Matcher) Match(ctx context.Context, deviceID, trackID string, points []geo.Point, fix geo.Point) (Result, error) {
	lock := m.state.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	idx, dist, err := NearestVertex(points, fix)
	if err != nil {
		return Result{}, err
	}

	if dist > m.thresholdM {
		if err := m.state.reset(ctx, deviceID); err != nil {
			return Result{}, err
		}
		return Result{
			Matched:   false,
			TrackID:   trackID,
			DistanceM: dist,
			Reason:    "outside match threshold",
		}, nil
	}

	counter, err := m.state.advance(ctx, deviceID, trackID, idx)
	if err != nil {
		return Result{}, err
	}

	i := idx
	return Result{
		Matched:         true,
		TrackID:         trackID,
		DistanceM:       dist,
		TrackIndex:      &i,
		Consecutive:     counter.ConsecutiveMatches,
		LockedCandidate: counter.ConsecutiveMatches >= m.required,
	}, nil
}

// ThresholdMeters returns the configured match threshold T.
func (m *Matcher) ThresholdMeters() float64 { return m.thresholdM }

// RequiredConsecutive returns the configured streak length K.
func (m *Matcher) RequiredConsecutive() int { return m.required }
