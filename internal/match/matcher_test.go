package match

import (
	"context"
	"errors"
	"testing"

	"github.com/railguard-data/railguard/internal/geo"
	"github.com/railguard-data/railguard/internal/testutil"
)

// Roughly 11.1 m of latitude per 0.0001 degrees.
var polyline = []geo.Point{
	{Latitude: 6.7133, Longitude: 79.9026},
	{Latitude: 6.7100, Longitude: 79.9100},
	{Latitude: 6.7050, Longitude: 79.9180},
}

func newTestMatcher(t *testing.T, thresholdM float64, required int) (*Matcher, *StateStore, context.Context) {
	t.Helper()
	st := testutil.NewTestStore(t)
	ctx := testutil.Ctx(t)
	state, err := NewStateStore(ctx, st)
	if err != nil {
		t.Fatalf("new state store: %v", err)
	}
	return NewMatcher(state, thresholdM, required), state, ctx
}

func TestNearestVertexExact(t *testing.T) {
	idx, dist, err := NearestVertex(polyline, polyline[1])
	if err != nil {
		t.Fatalf("nearest: %v", err)
	}
	if idx != 1 {
		t.Errorf("idx = %d, want 1", idx)
	}
	if dist != 0 {
		t.Errorf("dist = %v, want 0", dist)
	}
}

func TestNearestVertexTieBreaksLow(t *testing.T) {
	// Two identical vertices; the tie must break to the lowest index.
	points := []geo.Point{
		{Latitude: 6.71, Longitude: 79.90},
		{Latitude: 6.71, Longitude: 79.90},
	}
	idx, _, err := NearestVertex(points, geo.Point{Latitude: 6.7101, Longitude: 79.90})
	if err != nil {
		t.Fatalf("nearest: %v", err)
	}
	if idx != 0 {
		t.Errorf("idx = %d, want 0 (lowest index on tie)", idx)
	}
}

func TestNearestVertexEmpty(t *testing.T) {
	if _, _, err := NearestVertex(nil, geo.Point{}); !errors.Is(err, ErrNoVertices) {
		t.Errorf("err = %v, want ErrNoVertices", err)
	}
}

func TestMatchWithinThreshold(t *testing.T) {
	m, _, ctx := newTestMatcher(t, 30.0, 5)

	// ~11 m north of vertex 0.
	fix := geo.Point{Latitude: 6.7134, Longitude: 79.9026}
	res, err := m.Match(ctx, "ESP32_GPS_01", "track_01", polyline, fix)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !res.Matched {
		t.Fatalf("not matched at %.2f m", res.DistanceM)
	}
	if res.TrackIndex == nil || *res.TrackIndex != 0 {
		t.Errorf("track index = %v, want 0", res.TrackIndex)
	}
	if res.Consecutive != 1 || res.LockedCandidate {
		t.Errorf("consecutive = %d, candidate = %v", res.Consecutive, res.LockedCandidate)
	}
}

func TestMatchThresholdIsInclusive(t *testing.T) {
	fix := geo.Point{Latitude: 6.7136, Longitude: 79.9026}
	_, dist, err := NearestVertex(polyline, fix)
	if err != nil {
		t.Fatalf("nearest: %v", err)
	}

	// A fix at exactly T metres matches.
	m, _, ctx := newTestMatcher(t, dist, 5)
	res, err := m.Match(ctx, "ESP32_GPS_01", "track_01", polyline, fix)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !res.Matched {
		t.Errorf("fix at exactly %.4f m should match", dist)
	}

	// A hair inside T also matches; a hair outside does not.
	tight, _, ctx2 := newTestMatcher(t, dist-0.001, 5)
	res, err = tight.Match(ctx2, "ESP32_GPS_01", "track_01", polyline, fix)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Matched {
		t.Error("fix beyond threshold should not match")
	}
	if res.Reason == "" {
		t.Error("unmatched result should carry a reason")
	}
}

func TestMatchOutOfThreshold(t *testing.T) {
	m, state, ctx := newTestMatcher(t, 30.0, 5)

	// ~55 m from vertex 0.
	far := geo.Point{Latitude: 6.7138, Longitude: 79.9026}
	res, err := m.Match(ctx, "ESP32_GPS_01", "track_01", polyline, far)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Matched || res.LockedCandidate {
		t.Errorf("matched = %v at %.2f m", res.Matched, res.DistanceM)
	}
	if _, ok := state.Get("ESP32_GPS_01"); ok {
		t.Error("counter should not exist after a miss")
	}
}

func TestStreakReachesCandidate(t *testing.T) {
	m, _, ctx := newTestMatcher(t, 30.0, 3)

	fix := geo.Point{Latitude: 6.7133, Longitude: 79.9026}
	for i := 1; i <= 3; i++ {
		res, err := m.Match(ctx, "ESP32_GPS_01", "track_01", polyline, fix)
		if err != nil {
			t.Fatalf("match %d: %v", i, err)
		}
		if res.Consecutive != i {
			t.Errorf("match %d: consecutive = %d", i, res.Consecutive)
		}
		wantCandidate := i >= 3
		if res.LockedCandidate != wantCandidate {
			t.Errorf("match %d: candidate = %v, want %v", i, res.LockedCandidate, wantCandidate)
		}
	}

	// Beyond K the streak keeps counting and stays a candidate.
	res, err := m.Match(ctx, "ESP32_GPS_01", "track_01", polyline, fix)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Consecutive != 4 || !res.LockedCandidate {
		t.Errorf("consecutive = %d, candidate = %v", res.Consecutive, res.LockedCandidate)
	}
}

func TestMissDestroysStreak(t *testing.T) {
	m, _, ctx := newTestMatcher(t, 30.0, 3)

	near := geo.Point{Latitude: 6.7133, Longitude: 79.9026}
	far := geo.Point{Latitude: 6.7138, Longitude: 79.9026}

	for i := 0; i < 2; i++ {
		if _, err := m.Match(ctx, "ESP32_GPS_01", "track_01", polyline, near); err != nil {
			t.Fatalf("match: %v", err)
		}
	}
	if _, err := m.Match(ctx, "ESP32_GPS_01", "track_01", polyline, far); err != nil {
		t.Fatalf("miss: %v", err)
	}

	// After the miss the streak restarts at 1, not 3.
	res, err := m.Match(ctx, "ESP32_GPS_01", "track_01", polyline, near)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Consecutive != 1 {
		t.Errorf("consecutive = %d, want 1 after hard reset", res.Consecutive)
	}
}

func TestTrackChangeRestartsStreak(t *testing.T) {
	m, _, ctx := newTestMatcher(t, 30.0, 3)

	fix := geo.Point{Latitude: 6.7133, Longitude: 79.9026}
	for i := 0; i < 2; i++ {
		if _, err := m.Match(ctx, "ESP32_GPS_01", "track_01", polyline, fix); err != nil {
			t.Fatalf("match: %v", err)
		}
	}

	res, err := m.Match(ctx, "ESP32_GPS_01", "track_02", polyline, fix)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Consecutive != 1 {
		t.Errorf("consecutive = %d, want 1 on track change", res.Consecutive)
	}
	if res.TrackID != "track_02" {
		t.Errorf("track = %s", res.TrackID)
	}
}

func TestDevicesCountIndependently(t *testing.T) {
	m, _, ctx := newTestMatcher(t, 30.0, 3)

	fix := geo.Point{Latitude: 6.7133, Longitude: 79.9026}
	for i := 0; i < 2; i++ {
		if _, err := m.Match(ctx, "ESP32_GPS_01", "track_01", polyline, fix); err != nil {
			t.Fatalf("match: %v", err)
		}
	}

	res, err := m.Match(ctx, "ESP32_GPS_02", "track_01", polyline, fix)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Consecutive != 1 {
		t.Errorf("consecutive = %d, want 1 for a fresh device", res.Consecutive)
	}
}

func TestStateReloadsFromStore(t *testing.T) {
	st := testutil.NewTestStore(t)
	ctx := testutil.Ctx(t)

	state1, err := NewStateStore(ctx, st)
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	m := NewMatcher(state1, 30.0, 5)
	fix := geo.Point{Latitude: 6.7133, Longitude: 79.9026}
	for i := 0; i < 3; i++ {
		if _, err := m.Match(ctx, "ESP32_GPS_01", "track_01", polyline, fix); err != nil {
			t.Fatalf("match: %v", err)
		}
	}

	state2, err := NewStateStore(ctx, st)
	if err != nil {
		t.Fatalf("reload state: %v", err)
	}
	c, ok := state2.Get("ESP32_GPS_01")
	if !ok {
		t.Fatal("counter not reloaded")
	}
	if c.ConsecutiveMatches != 3 || c.TrackID != "track_01" {
		t.Errorf("reloaded counter = %+v", c)
	}
}

func TestResetAll(t *testing.T) {
	m, state, ctx := newTestMatcher(t, 30.0, 5)

	fix := geo.Point{Latitude: 6.7133, Longitude: 79.9026}
	if _, err := m.Match(ctx, "ESP32_GPS_01", "track_01", polyline, fix); err != nil {
		t.Fatalf("match: %v", err)
	}
	if err := state.ResetAll(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, ok := state.Get("ESP32_GPS_01"); ok {
		t.Error("counter survived ResetAll")
	}
}
