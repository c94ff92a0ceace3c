package session

import (
	"context"
	"errors"
	"testing"

	"github.com/railguard-data/railguard/internal/store"
	"github.com/railguard-data/railguard/internal/testutil"
	"github.com/railguard-data/railguard/internal/track"
)

func newTestManager(t *testing.T) (*Manager, *store.Store, *track.Catalog, context.Context) {
	t.Helper()
	st := testutil.NewTestStore(t)
	ctx := testutil.Ctx(t)
	catalog, err := track.NewCatalog(ctx, st)
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	return NewManager(st, catalog), st, catalog, ctx
}

func TestCreateAndList(t *testing.T) {
	m, _, _, ctx := newTestManager(t)

	sess, err := m.Create(ctx, "Panadura", "Kalutara")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID == "" {
		t.Error("session id not assigned")
	}
	if sess.Status != store.SessionCreated {
		t.Errorf("status = %s", sess.Status)
	}

	sessions, err := m.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != sess.ID {
		t.Errorf("sessions = %+v", sessions)
	}
}

func TestStartUnknownSession(t *testing.T) {
	m, _, _, ctx := newTestManager(t)

	if err := m.Start(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestStartSupersedesRunningSession(t *testing.T) {
	m, _, _, ctx := newTestManager(t)

	first, err := m.Create(ctx, "A", "B")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := m.Create(ctx, "C", "D")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.Start(ctx, first.ID); err != nil {
		t.Fatalf("start first: %v", err)
	}
	if err := m.Start(ctx, second.ID); err != nil {
		t.Fatalf("start second: %v", err)
	}

	running, err := m.Running(ctx)
	if err != nil {
		t.Fatalf("running: %v", err)
	}
	if running != second.ID {
		t.Errorf("running = %s, want %s", running, second.ID)
	}
}

func TestStopWithoutFixes(t *testing.T) {
	m, _, catalog, ctx := newTestManager(t)

	sess, err := m.Create(ctx, "A", "B")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(ctx, sess.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	result, err := m.Stop(ctx, sess.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if result.TrackSectionCreated {
		t.Error("track section created from zero fixes")
	}
	if result.Session.Status != store.SessionStopped {
		t.Errorf("status = %s", result.Session.Status)
	}
	if catalog.Count() != 0 {
		t.Error("catalog should stay empty")
	}

	running, err := m.Running(ctx)
	if err != nil {
		t.Fatalf("running: %v", err)
	}
	if running != "" {
		t.Errorf("running = %s, want none", running)
	}
}

func TestStopBuildsTrackSection(t *testing.T) {
	m, st, catalog, ctx := newTestManager(t)

	sess, err := m.Create(ctx, "Panadura", "Kalutara")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(ctx, sess.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	coords := [][2]float64{{6.7133, 79.9026}, {6.7120, 79.9050}, {6.7100, 79.9100}}
	for _, c := range coords {
		f := store.FixRecord{DeviceID: "ESP32_GPS_01", Latitude: c[0], Longitude: c[1], SessionID: &sess.ID}
		if err := st.InsertFix(ctx, &f); err != nil {
			t.Fatalf("insert fix: %v", err)
		}
	}

	result, err := m.Stop(ctx, sess.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !result.TrackSectionCreated || result.Track == nil {
		t.Fatal("track section not created")
	}
	if result.Track.PointsCount != 3 {
		t.Errorf("points_count = %d, want 3", result.Track.PointsCount)
	}
	if result.Track.StartStation != "Panadura" || result.Track.EndStation != "Kalutara" {
		t.Errorf("stations = %s to %s", result.Track.StartStation, result.Track.EndStation)
	}

	built, err := catalog.Get(result.Track.TrackID)
	if err != nil {
		t.Fatalf("get built track: %v", err)
	}
	if built.Points[0].Latitude != 6.7133 {
		t.Errorf("first vertex = %+v", built.Points[0])
	}
	if built.Filename != "real time recorded data.csv" {
		t.Errorf("filename = %q", built.Filename)
	}
}

func TestStopUnknownSession(t *testing.T) {
	m, _, _, ctx := newTestManager(t)

	if _, err := m.Stop(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestRunningEmpty(t *testing.T) {
	m, _, _, ctx := newTestManager(t)

	running, err := m.Running(ctx)
	if err != nil {
		t.Fatalf("running: %v", err)
	}
	if running != "" {
		t.Errorf("running = %q, want empty", running)
	}
}
