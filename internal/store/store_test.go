package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesSchema(t *testing.T) {
	s := newTestStore(t)

	for _, table := range []string{"trains", "tracks", "track_points", "match_counters", "track_locks", "gps_fixes", "sessions"} {
		var name string
		err := s.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	s2.Close()
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("ping failed: %v", err)
	}
}

func TestTrainInsertAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertTrain(ctx, "TRAIN_01", "ESP32_GPS_01"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertTrain(ctx, "TRAIN_02", "ESP32_GPS_02"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	n, err := s.CountTrains(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	trains, err := s.ListTrains(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(trains) != 2 {
		t.Fatalf("len = %d, want 2", len(trains))
	}
	if trains[0].TrainID != "TRAIN_01" || trains[1].TrainID != "TRAIN_02" {
		t.Errorf("unexpected order: %s, %s", trains[0].TrainID, trains[1].TrainID)
	}
	if trains[0].Active || trains[0].CollisionDetected {
		t.Error("new train should start with alarm off")
	}
	if trains[0].CollisionWith == nil || len(trains[0].CollisionWith) != 0 {
		t.Errorf("collision_with = %v, want empty list", trains[0].CollisionWith)
	}
}

func TestTrainDuplicateDeviceRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertTrain(ctx, "TRAIN_01", "ESP32_GPS_01"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertTrain(ctx, "TRAIN_99", "ESP32_GPS_01"); err == nil {
		t.Error("expected unique constraint violation on device_id")
	}
}

func TestUpdateTrainState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertTrain(ctx, "TRAIN_01", "ESP32_GPS_01"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	track := "track_01"
	err := s.UpdateTrainState(ctx, TrainRecord{
		TrainID:           "TRAIN_01",
		Active:            true,
		CollisionDetected: true,
		CurrentTrack:      &track,
		SelectedTrackID:   &track,
		CollisionWith:     []string{"TRAIN_02"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	trains, err := s.ListTrains(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := trains[0]
	if !got.Active || !got.CollisionDetected {
		t.Error("alarm flags not persisted")
	}
	if got.CurrentTrack == nil || *got.CurrentTrack != "track_01" {
		t.Errorf("current_track = %v", got.CurrentTrack)
	}
	if len(got.CollisionWith) != 1 || got.CollisionWith[0] != "TRAIN_02" {
		t.Errorf("collision_with = %v", got.CollisionWith)
	}
}

func TestUpdateTrainStateUnknown(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateTrainState(context.Background(), TrainRecord{TrainID: "NOPE"})
	if err == nil {
		t.Error("expected error for unknown train")
	}
}
