package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railguard-data/railguard/internal/config"
	"github.com/railguard-data/railguard/internal/geo"
	"github.com/railguard-data/railguard/internal/testutil"
	"github.com/railguard-data/railguard/internal/track"
)

// Vertices roughly 400 m apart along the coastal line.
var testPoints = []geo.Point{
	{Latitude: 6.7133, Longitude: 79.9026},
	{Latitude: 6.7100, Longitude: 79.9050},
	{Latitude: 6.7066, Longitude: 79.9075},
	{Latitude: 6.7033, Longitude: 79.9100},
}

const requiredStreak = 3

func newTestEngine(t *testing.T) (*Engine, context.Context) {
	t.Helper()
	st := testutil.NewTestStore(t)
	ctx := testutil.Ctx(t)

	required := requiredStreak
	cfg := config.Empty()
	cfg.ConsecutiveMatches = &required

	eng, err := New(ctx, cfg, st)
	require.NoError(t, err)

	_, err = eng.Catalog().Load(ctx, track.LoadParams{
		TrackID:  "track_A",
		Name:     "Test Line A",
		Points:   testPoints,
		Activate: true,
	})
	require.NoError(t, err)
	_, err = eng.Catalog().Load(ctx, track.LoadParams{
		TrackID: "track_B",
		Name:    "Test Line B",
		Points: []geo.Point{
			{Latitude: 7.2000, Longitude: 80.0000},
			{Latitude: 7.2050, Longitude: 80.0050},
		},
	})
	require.NoError(t, err)

	return eng, ctx
}

func fixAt(p geo.Point, deviceID string) Fix {
	lat, lon := p.Latitude, p.Longitude
	return Fix{Latitude: &lat, Longitude: &lon, DeviceID: deviceID}
}

// ingestStreak feeds n fixes at the same vertex and returns the last result.
func ingestStreak(t *testing.T, eng *Engine, ctx context.Context, deviceID string, n int) IngestResult {
	t.Helper()
	var last IngestResult
	for i := 0; i < n; i++ {
		res, err := eng.IngestFix(ctx, fixAt(testPoints[0], deviceID))
		require.NoError(t, err)
		last = res
	}
	return last
}

func TestIngestRejectsInvalidFix(t *testing.T) {
	eng, ctx := newTestEngine(t)

	lat, lon := 6.7133, 79.9026
	bad := 95.0

	cases := []struct {
		name string
		fix  Fix
	}{
		{"missing latitude", Fix{Longitude: &lon, DeviceID: "ESP32_GPS_01"}},
		{"missing longitude", Fix{Latitude: &lat, DeviceID: "ESP32_GPS_01"}},
		{"latitude out of range", Fix{Latitude: &bad, Longitude: &lon, DeviceID: "ESP32_GPS_01"}},
		{"missing device", Fix{Latitude: &lat, Longitude: &lon}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eng.IngestFix(ctx, tc.fix)
			assert.ErrorIs(t, err, ErrInvalidFix)
		})
	}
}

func TestIngestWithoutSessionIsNotSaved(t *testing.T) {
	eng, ctx := newTestEngine(t)

	res, err := eng.IngestFix(ctx, fixAt(testPoints[0], "ESP32_GPS_01"))
	require.NoError(t, err)
	assert.False(t, res.Saved)
	assert.Empty(t, res.SessionID)

	// The fix still runs through matching against the active track.
	require.NotNil(t, res.TrackMatch)
	assert.True(t, res.TrackMatch.Matched)
	assert.Equal(t, "track_A", res.TrackMatch.TrackID)
}

func TestIngestWithRunningSessionIsSaved(t *testing.T) {
	eng, ctx := newTestEngine(t)

	sess, err := eng.Sessions().Create(ctx, "A", "B")
	require.NoError(t, err)
	require.NoError(t, eng.Sessions().Start(ctx, sess.ID))

	res, err := eng.IngestFix(ctx, fixAt(testPoints[0], "ESP32_GPS_01"))
	require.NoError(t, err)
	assert.True(t, res.Saved)
	assert.Equal(t, sess.ID, res.SessionID)
}

func TestFallbackMatchNeverLocks(t *testing.T) {
	eng, ctx := newTestEngine(t)

	// No trip started. A long streak against the active track must not
	// produce a lock.
	res := ingestStreak(t, eng, ctx, "ESP32_GPS_01", requiredStreak+2)
	require.NotNil(t, res.TrackMatch)
	assert.True(t, res.TrackMatch.LockedCandidate)
	assert.Nil(t, res.Collision)
	assert.Empty(t, eng.Arbiter().Holders("track_A"))
}

func TestTripStreakClaimsLock(t *testing.T) {
	eng, ctx := newTestEngine(t)

	require.NoError(t, eng.StartTrip(ctx, "TRAIN_01", "track_A"))
	res := ingestStreak(t, eng, ctx, "ESP32_GPS_01", requiredStreak)

	require.NotNil(t, res.Collision)
	assert.False(t, res.Collision.Collision)
	assert.True(t, eng.Arbiter().HeldBy("track_A", "TRAIN_01"))

	tr, err := eng.Registry().Get("TRAIN_01")
	require.NoError(t, err)
	require.NotNil(t, tr.CurrentTrack)
	assert.Equal(t, "track_A", *tr.CurrentTrack)
	assert.False(t, tr.Active)
}

func TestShortStreakDoesNotClaim(t *testing.T) {
	eng, ctx := newTestEngine(t)

	require.NoError(t, eng.StartTrip(ctx, "TRAIN_01", "track_A"))
	// Drop the trip-start lock so only an ingest claim could re-create it.
	require.NoError(t, eng.Arbiter().Release(ctx, "TRAIN_01", "track_A"))

	res := ingestStreak(t, eng, ctx, "ESP32_GPS_01", requiredStreak-1)
	require.NotNil(t, res.TrackMatch)
	assert.False(t, res.TrackMatch.LockedCandidate)
	assert.Nil(t, res.Collision)
	assert.False(t, eng.Arbiter().HeldBy("track_A", "TRAIN_01"))
}

func TestSecondTrainRaisesCollision(t *testing.T) {
	eng, ctx := newTestEngine(t)

	require.NoError(t, eng.StartTrip(ctx, "TRAIN_01", "track_A"))

	// The second trip fails busy but stays pinned to the track.
	err := eng.StartTrip(ctx, "TRAIN_02", "track_A")
	require.ErrorIs(t, err, ErrTrackBusy)

	tr2, err := eng.Registry().Get("TRAIN_02")
	require.NoError(t, err)
	require.NotNil(t, tr2.SelectedTrackID)
	assert.Equal(t, "track_A", *tr2.SelectedTrackID)

	// Its sustained matches co-claim and the detector fires on both.
	res := ingestStreak(t, eng, ctx, "ESP32_GPS_02", requiredStreak)
	require.NotNil(t, res.Collision)
	assert.True(t, res.Collision.Collision)
	assert.ElementsMatch(t, []string{"TRAIN_01", "TRAIN_02"}, res.Collision.Trains)

	for _, id := range []string{"TRAIN_01", "TRAIN_02"} {
		tr, err := eng.Registry().Get(id)
		require.NoError(t, err)
		assert.True(t, tr.Active, "%s buzzer should be on", id)
		assert.True(t, tr.CollisionDetected)
		assert.Equal(t, tr.Active, tr.CollisionDetected, "%s alarm pair must move together", id)
	}
}

func TestStopTripClearsAlarms(t *testing.T) {
	eng, ctx := newTestEngine(t)

	require.NoError(t, eng.StartTrip(ctx, "TRAIN_01", "track_A"))
	require.ErrorIs(t, eng.StartTrip(ctx, "TRAIN_02", "track_A"), ErrTrackBusy)
	res := ingestStreak(t, eng, ctx, "ESP32_GPS_02", requiredStreak)
	require.NotNil(t, res.Collision)
	require.True(t, res.Collision.Collision)

	// TRAIN_02 leaves; its lock row goes, both alarms drop.
	require.NoError(t, eng.StopTrip(ctx, "TRAIN_02", ""))

	holders := eng.Arbiter().Holders("track_A")
	require.Len(t, holders, 1)
	assert.Equal(t, "TRAIN_01", holders[0].TrainID)

	for _, id := range []string{"TRAIN_01", "TRAIN_02"} {
		tr, err := eng.Registry().Get(id)
		require.NoError(t, err)
		assert.False(t, tr.Active, "%s alarm should clear", id)
		assert.False(t, tr.CollisionDetected)
	}
	tr2, _ := eng.Registry().Get("TRAIN_02")
	assert.Nil(t, tr2.SelectedTrackID)
	assert.Nil(t, tr2.CurrentTrack)
}

func TestStopTripIsIdempotent(t *testing.T) {
	eng, ctx := newTestEngine(t)

	require.NoError(t, eng.StartTrip(ctx, "TRAIN_01", "track_A"))
	require.NoError(t, eng.StopTrip(ctx, "TRAIN_01", ""))
	require.NoError(t, eng.StopTrip(ctx, "TRAIN_01", ""))
	assert.Empty(t, eng.Arbiter().Holders("track_A"))
}

func TestStartTripUnknownIDs(t *testing.T) {
	eng, ctx := newTestEngine(t)

	err := eng.StartTrip(ctx, "TRAIN_99", "track_A")
	assert.Error(t, err)

	err = eng.StartTrip(ctx, "TRAIN_01", "track_missing")
	assert.ErrorIs(t, err, track.ErrTrackNotFound)
	// A failed start must not leave a lock behind.
	assert.Empty(t, eng.Arbiter().Holders("track_missing"))
}

func TestStartTripIsIdempotentForHolder(t *testing.T) {
	eng, ctx := newTestEngine(t)

	require.NoError(t, eng.StartTrip(ctx, "TRAIN_01", "track_A"))
	require.NoError(t, eng.StartTrip(ctx, "TRAIN_01", "track_A"))
	assert.Len(t, eng.Arbiter().Holders("track_A"), 1)
}

func TestStatus(t *testing.T) {
	eng, ctx := newTestEngine(t)

	status, err := eng.Status("track_A")
	require.NoError(t, err)
	assert.Empty(t, status.Locks)
	assert.False(t, status.CollisionRisk)

	require.NoError(t, eng.StartTrip(ctx, "TRAIN_01", "track_A"))
	require.ErrorIs(t, eng.StartTrip(ctx, "TRAIN_02", "track_A"), ErrTrackBusy)
	ingestStreak(t, eng, ctx, "ESP32_GPS_02", requiredStreak)

	status, err = eng.Status("track_A")
	require.NoError(t, err)
	assert.Len(t, status.Locks, 2)
	assert.True(t, status.CollisionRisk)

	_, err = eng.Status("track_missing")
	assert.ErrorIs(t, err, track.ErrTrackNotFound)
}

func TestReset(t *testing.T) {
	eng, ctx := newTestEngine(t)

	require.NoError(t, eng.StartTrip(ctx, "TRAIN_01", "track_A"))
	require.ErrorIs(t, eng.StartTrip(ctx, "TRAIN_02", "track_A"), ErrTrackBusy)
	ingestStreak(t, eng, ctx, "ESP32_GPS_02", requiredStreak)

	require.NoError(t, eng.Reset(ctx))

	assert.Empty(t, eng.Arbiter().Holders("track_A"))
	_, ok := eng.MatchState().Get("ESP32_GPS_02")
	assert.False(t, ok)
	for _, tr := range eng.Registry().List() {
		assert.False(t, tr.Active)
		assert.False(t, tr.CollisionDetected)
		assert.Nil(t, tr.SelectedTrackID)
	}
	// Tracks survive a reset.
	assert.Equal(t, 2, eng.Catalog().Count())
}

func TestSimulateWalksTrack(t *testing.T) {
	eng, ctx := newTestEngine(t)

	require.NoError(t, eng.StartTrip(ctx, "TRAIN_01", "track_A"))

	results, err := eng.Simulate(ctx, "ESP32_GPS_01", "track_A", 0, requiredStreak)
	require.NoError(t, err)
	require.Len(t, results, requiredStreak)

	// Each simulated fix sits on a distinct vertex of the same track, so
	// the streak still builds.
	last := results[len(results)-1]
	require.NotNil(t, last.TrackMatch)
	assert.True(t, last.TrackMatch.LockedCandidate)
	assert.True(t, eng.Arbiter().HeldBy("track_A", "TRAIN_01"))
}

func TestSimulateTruncatesAtTrackEnd(t *testing.T) {
	eng, ctx := newTestEngine(t)

	results, err := eng.Simulate(ctx, "ESP32_GPS_01", "track_A", 2, 10)
	require.NoError(t, err)
	assert.Len(t, results, len(testPoints)-2)
}

func TestSimulateUnknownTrack(t *testing.T) {
	eng, ctx := newTestEngine(t)

	_, err := eng.Simulate(ctx, "ESP32_GPS_01", "track_missing", 0, 5)
	assert.ErrorIs(t, err, track.ErrTrackNotFound)
}

func TestParallelIngestFromDistinctDevices(t *testing.T) {
	eng, ctx := newTestEngine(t)

	devices := []string{"ESP32_GPS_01", "ESP32_GPS_02"}
	errs := make([]error, len(devices))

	var wg sync.WaitGroup
	for i, deviceID := range devices {
		wg.Add(1)
		go func(i int, deviceID string) {
			defer wg.Done()
			for n := 0; n < requiredStreak+2; n++ {
				if _, err := eng.IngestFix(ctx, fixAt(testPoints[0], deviceID)); err != nil {
					errs[i] = err
					return
				}
			}
		}(i, deviceID)
	}
	wg.Wait()

	for i, deviceID := range devices {
		require.NoError(t, errs[i], "device %s", deviceID)
		state, ok := eng.MatchState().Get(deviceID)
		require.True(t, ok, "device %s has no match state", deviceID)
		assert.Equal(t, requiredStreak+2, state.ConsecutiveMatches)
		assert.Equal(t, "track_A", state.TrackID)
	}
}

func TestUnknownDeviceMatchesButCannotLock(t *testing.T) {
	eng, ctx := newTestEngine(t)

	res := ingestStreak(t, eng, ctx, "ROGUE_DEVICE", requiredStreak+1)
	require.NotNil(t, res.TrackMatch)
	assert.True(t, res.TrackMatch.Matched)
	assert.Nil(t, res.Collision)
	assert.Empty(t, eng.Arbiter().Holders("track_A"))
}
