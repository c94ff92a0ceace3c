// Package engine composes the matching and arbitration components into
// the two externally observable operations: fix ingest and the trip
// lifecycle. The gating rule lives here: a lock is only ever claimed for
// a sustained match on the track a trip has pinned.
package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/railguard-data/railguard/internal/config"
	"github.com/railguard-data/railguard/internal/geo"
	"github.com/railguard-data/railguard/internal/lock"
	"github.com/railguard-data/railguard/internal/match"
	"github.com/railguard-data/railguard/internal/monitoring"
	"github.com/railguard-data/railguard/internal/session"
	"github.com/railguard-data/railguard/internal/store"
	"github.com/railguard-data/railguard/internal/track"
	"github.com/railguard-data/railguard/internal/train"
)

// Fix is an incoming GPS sample. Coordinates are pointers so that absent
// fields are distinguishable from zero values; everything beyond
// coordinates and device id passes through to the store unchanged.
type Fix struct {
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
	Satellites int      `json:"satellites"`
	HDOP       float64  `json:"hdop"`
	Accuracy   float64  `json:"accuracy"`
	Timestamp  string   `json:"timestamp"`
	DeviceID   string   `json:"device_id"`
}

// IngestResult is the outcome of submitting one fix.
type IngestResult struct {
	Saved      bool          `json:"saved"`
	SessionID  string        `json:"session_id,omitempty"`
	TrackMatch *match.Result `json:"track_match,omitempty"`
	Collision  *lock.Report  `json:"collision,omitempty"`
}

// Engine owns the four stateful singletons and the session manager.
// Construct one per process (or per test) with New; all state reloads
// from the store.
type Engine struct {
	store    *store.Store
	catalog  *track.Catalog
	registry *train.Registry
	matcher  *match.Matcher
	state    *match.StateStore
	arbiter  *lock.Arbiter
	detector *lock.Detector
	sessions *session.Manager

	ingestTimeout time.Duration
}

// New builds the engine and reloads all component state from the store.
// The default fleet is seeded when the trains collection is empty; track
// seeding is left to the caller.
func New(ctx context.Context, cfg *config.Config, st *store.Store) (*Engine, error) {
	catalog, err := track.NewCatalog(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("failed to init track catalog: %w", err)
	}
	registry, err := train.NewRegistry(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("failed to init train registry: %w", err)
	}
	state, err := match.NewStateStore(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("failed to init match state: %w", err)
	}
	arbiter, err := lock.NewArbiter(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("failed to init lock arbiter: %w", err)
	}

	return &Engine{
		store:         st,
		catalog:       catalog,
		registry:      registry,
		state:         state,
		matcher:       match.NewMatcher(state, cfg.GetMatchThresholdMeters(), cfg.GetConsecutiveMatches()),
		arbiter:       arbiter,
		detector:      lock.NewDetector(arbiter, registry),
		sessions:      session.NewManager(st, catalog),
		ingestTimeout: cfg.GetIngestTimeout(),
	}, nil
}

// Catalog exposes the track catalog.
func (e *Engine) Catalog() *track.Catalog { return e.catalog }

// Registry exposes the train registry.
func (e *Engine) Registry() *train.Registry { return e.registry }

// Arbiter exposes the lock arbiter.
func (e *Engine) Arbiter() *lock.Arbiter { return e.arbiter }

// Detector exposes the collision detector.
func (e *Engine) Detector() *lock.Detector { return e.detector }

// Sessions exposes the recording session manager.
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// MatchState exposes the per-device counter store.
func (e *Engine) MatchState() *match.StateStore { return e.state }

// IngestFix processes one GPS fix end to end: persist (when a recording
// session is open), match, and — only under an active trip on the matched
// track — claim and scan. The whole call runs under one soft deadline; on
// timeout no streak advances.
func (e *Engine) IngestFix(ctx context.Context, fix Fix) (IngestResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.ingestTimeout)
	defer cancel()

	if err := validateFix(fix); err != nil {
		return IngestResult{}, err
	}
	point := geo.Point{Latitude: *fix.Latitude, Longitude: *fix.Longitude}

	var result IngestResult

	// Persist the fix only while a recording session is open. A missing
	// session is not an error from the device's point of view.
	sessionID, err := e.sessions.Running(ctx)
	if err != nil {
		return IngestResult{}, storeErr(err)
	}
	if sessionID == "" {
		monitoring.Logf("no recording session open; fix from %s not saved", fix.DeviceID)
	} else {
		rec := store.FixRecord{
			DeviceID:   fix.DeviceID,
			Latitude:   *fix.Latitude,
			Longitude:  *fix.Longitude,
			Satellites: fix.Satellites,
			HDOP:       fix.HDOP,
			Accuracy:   fix.Accuracy,
			Timestamp:  fix.Timestamp,
			SessionID:  &sessionID,
		}
		if err := e.store.InsertFix(ctx, &rec); err != nil {
			return IngestResult{}, storeErr(err)
		}
		result.Saved = true
		result.SessionID = sessionID
	}

	// Resolve the match target: the trip-pinned track when one is set,
	// otherwise the catalog's is_active track for non-trip telemetry.
	t, selectedID, err := e.matchTarget(fix.DeviceID)
	if err != nil {
		return result, err
	}
	if t == nil {
		result.TrackMatch = &match.Result{Reason: "no track to match against"}
		return result, nil
	}

	matchRes, err := e.matcher.Match(ctx, fix.DeviceID, t.TrackID, t.Points, point)
	if err != nil {
		return result, storeErr(err)
	}
	result.TrackMatch = &matchRes

	// Safety boundary: only a sustained match on the track pinned by an
	// active trip may claim a lock. Fallback matches never lock.
	if !matchRes.LockedCandidate || selectedID == "" || selectedID != t.TrackID {
		return result, nil
	}

	tr, err := e.registry.GetByDevice(fix.DeviceID)
	if err != nil {
		return result, err
	}

	// The claim and its evaluation run as one step inside the track's
	// critical section; a concurrent co-claim on the same track cannot
	// slip between them, so a raised alarm is never undone by a stale
	// one-holder snapshot.
	var report lock.Report
	if _, err := e.arbiter.RecordClaim(ctx, tr.TrainID, tr.DeviceID, t.TrackID,
		func(ctx context.Context, holders []lock.Holder) error {
			var evalErr error
			report, evalErr = e.detector.Evaluate(ctx, t.TrackID, holders)
			return evalErr
		}); err != nil {
		return result, storeErr(err)
	}
	if tr.CurrentTrack == nil || *tr.CurrentTrack != t.TrackID {
		if err := e.registry.SetCurrentTrack(ctx, tr.TrainID, &t.TrackID); err != nil {
			return result, storeErr(err)
		}
	}

	result.Collision = &report
	return result, nil
}

// matchTarget resolves which polyline a device's fixes run against, and
// the trip-pinned track id ("" when the device's train has no trip).
func (e *Engine) matchTarget(deviceID string) (*track.Track, string, error) {
	tr, err := e.registry.GetByDevice(deviceID)
	if err == nil && tr.SelectedTrackID != nil {
		t, err := e.catalog.Get(*tr.SelectedTrackID)
		if err != nil {
			// Missing track is reported to the caller; registry state
			// is left untouched.
			return nil, "", err
		}
		return t, t.TrackID, nil
	}

	// Unknown devices still get matched for telemetry purposes; they
	// can never reach the lock path.
	return e.catalog.ActiveTrack(), "", nil
}

// StartTrip begins a real-testing trip: the train is pinned to the track
// and the track lock is acquired. When another train already holds the
// track the call fails with ErrTrackBusy — but the track is still pinned,
// so the trial's sustained matches take the co-claim path and the
// detector can surface both trains.
func (e *Engine) StartTrip(ctx context.Context, trainID, trackID string) error {
	tr, err := e.registry.Get(trainID)
	if err != nil {
		return err
	}
	if _, err := e.catalog.Get(trackID); err != nil {
		return err
	}

	res, err := e.arbiter.Acquire(ctx, trainID, tr.DeviceID, trackID)
	if err != nil {
		return storeErr(err)
	}
	if res.AlreadyHeldByOther {
		if err := e.registry.SetSelectedTrack(ctx, trainID, &trackID); err != nil {
			return storeErr(err)
		}
		return fmt.Errorf("%w: %s", ErrTrackBusy, trackID)
	}

	if err := e.registry.SetTripTracks(ctx, trainID, trackID); err != nil {
		return storeErr(err)
	}
	if _, err := e.detector.Scan(ctx, trackID); err != nil {
		return storeErr(err)
	}
	return nil
}

// StopTrip ends a trip: the lock is released, the train's state is fully
// cleared, and the track is re-scanned so a surviving solo holder loses
// its alarm. trackID may be empty; it then resolves from the train's
// selected or current track. Stopping an already-stopped trip is a no-op.
func (e *Engine) StopTrip(ctx context.Context, trainID, trackID string) error {
	tr, err := e.registry.Get(trainID)
	if err != nil {
		return err
	}

	if trackID == "" {
		switch {
		case tr.SelectedTrackID != nil:
			trackID = *tr.SelectedTrackID
		case tr.CurrentTrack != nil:
			trackID = *tr.CurrentTrack
		default:
			if held, ok := e.arbiter.TrackHeldBy(trainID); ok {
				trackID = held
			}
		}
	}

	if trackID != "" {
		if err := e.arbiter.Release(ctx, trainID, trackID); err != nil {
			return storeErr(err)
		}
	}
	if err := e.registry.Clear(ctx, trainID); err != nil {
		return storeErr(err)
	}
	if trackID != "" {
		if _, err := e.detector.Scan(ctx, trackID); err != nil {
			return storeErr(err)
		}
	}
	return nil
}

// TrackStatus reports a track's holders and whether they constitute a
// collision risk.
type TrackStatus struct {
	TrackID       string        `json:"track_id"`
	Locks         []lock.Holder `json:"locks"`
	CollisionRisk bool          `json:"collision_risk"`
}

// Status returns the lock state of one track.
func (e *Engine) Status(trackID string) (TrackStatus, error) {
	if _, err := e.catalog.Get(trackID); err != nil {
		return TrackStatus{}, err
	}
	holders := e.arbiter.Holders(trackID)
	return TrackStatus{
		TrackID:       trackID,
		Locks:         holders,
		CollisionRisk: len(holders) >= 2,
	}, nil
}

// Reset clears all locks, match counters, and train alarm state. Tracks
// and the fix log survive. Test-bench convenience.
func (e *Engine) Reset(ctx context.Context) error {
	if err := e.arbiter.ResetAll(ctx); err != nil {
		return storeErr(err)
	}
	if err := e.state.ResetAll(ctx); err != nil {
		return storeErr(err)
	}
	if err := e.registry.ResetAll(ctx); err != nil {
		return storeErr(err)
	}
	return nil
}

// Simulate walks numPoints vertices of a track from startIndex as
// synthetic fixes from a device, through the ordinary ingest path.
func (e *Engine) Simulate(ctx context.Context, deviceID, trackID string, startIndex, numPoints int) ([]IngestResult, error) {
	t, err := e.catalog.Get(trackID)
	if err != nil {
		return nil, err
	}
	if startIndex < 0 {
		startIndex = 0
	}

	var results []IngestResult
	for i := 0; i < numPoints; i++ {
		idx := startIndex + i
		if idx >= len(t.Points) {
			break
		}
		lat := t.Points[idx].Latitude
		lon := t.Points[idx].Longitude
		res, err := e.IngestFix(ctx, Fix{
			Latitude:  &lat,
			Longitude: &lon,
			DeviceID:  deviceID,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func validateFix(fix Fix) error {
	if fix.Latitude == nil || fix.Longitude == nil {
		return ErrInvalidFix
	}
	lat, lon := *fix.Latitude, *fix.Longitude
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return ErrInvalidFix
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return ErrInvalidFix
	}
	if fix.DeviceID == "" {
		return ErrInvalidFix
	}
	return nil
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
