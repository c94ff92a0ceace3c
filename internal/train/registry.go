// Package train maintains the registry of train identities and their
// alarm state. The alarm invariant holds at every observable moment:
// active equals collision_detected. Holding a track lock alone never
// raises the alarm; only the collision detector does.
package train

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/railguard-data/railguard/internal/store"
)

// ErrTrainNotFound is returned when a train or device id is unknown.
var ErrTrainNotFound = errors.New("train not found")

// Default fleet seeded when the trains collection is empty, matching the
// field deployment: one ESP32 tracker per train.
var defaultFleet = map[string]string{
	"TRAIN_01": "ESP32_GPS_01",
	"TRAIN_02": "ESP32_GPS_02",
}

// Train is a train identity with its mutable state tuple.
type Train struct {
	TrainID           string    `json:"train_id"`
	DeviceID          string    `json:"device_id"`
	Active            bool      `json:"active"`
	CollisionDetected bool      `json:"collision_detected"`
	CurrentTrack      *string   `json:"current_track"`
	SelectedTrackID   *string   `json:"selected_track_id"`
	CollisionWith     []string  `json:"collision_with"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// entry wraps a train with its own mutex so updates to unrelated trains
// never contend.
type entry struct {
	mu sync.Mutex
	t  Train
}

// Registry is the process-wide train index, backed by the store.
// Membership is fixed after startup; per-train state is guarded by
// fine-grained locks. Multi-train updates take locks in sorted order.
type Registry struct {
	mu       sync.RWMutex // guards the maps, not train state
	store    *store.Store
	trains   map[string]*entry
	byDevice map[string]string
}

// NewRegistry builds a registry, seeding the default fleet when the
// trains collection is empty, and reloads all train state.
func NewRegistry(ctx context.Context, st *store.Store) (*Registry, error) {
	n, err := st.CountTrains(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		ids := make([]string, 0, len(defaultFleet))
		for id := range defaultFleet {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if err := st.InsertTrain(ctx, id, defaultFleet[id]); err != nil {
				return nil, fmt.Errorf("failed to seed train %s: %w", id, err)
			}
		}
	}

	records, err := st.ListTrains(ctx)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		store:    st,
		trains:   make(map[string]*entry, len(records)),
		byDevice: make(map[string]string, len(records)),
	}
	for _, rec := range records {
		r.trains[rec.TrainID] = &entry{t: Train{
			TrainID:           rec.TrainID,
			DeviceID:          rec.DeviceID,
			Active:            rec.Active,
			CollisionDetected: rec.CollisionDetected,
			CurrentTrack:      rec.CurrentTrack,
			SelectedTrackID:   rec.SelectedTrackID,
			CollisionWith:     rec.CollisionWith,
			UpdatedAt:         rec.UpdatedAt,
		}}
		r.byDevice[rec.DeviceID] = rec.TrainID
	}
	return r, nil
}

func (r *Registry) lookup(trainID string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.trains[trainID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTrainNotFound, trainID)
	}
	return e, nil
}

// Get returns a snapshot of the named train.
func (r *Registry) Get(trainID string) (Train, error) {
	e, err := r.lookup(trainID)
	if err != nil {
		return Train{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(&e.t), nil
}

// GetByDevice returns a snapshot of the train bound to a device.
func (r *Registry) GetByDevice(deviceID string) (Train, error) {
	r.mu.RLock()
	trainID, ok := r.byDevice[deviceID]
	r.mu.RUnlock()
	if !ok {
		return Train{}, fmt.Errorf("%w: device %s", ErrTrainNotFound, deviceID)
	}
	return r.Get(trainID)
}

// List returns snapshots of every train, sorted by train id.
func (r *Registry) List() []Train {
	r.mu.RLock()
	ids := make([]string, 0, len(r.trains))
	for id := range r.trains {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	trains := make([]Train, 0, len(ids))
	for _, id := range ids {
		if t, err := r.Get(id); err == nil {
			trains = append(trains, t)
		}
	}
	return trains
}

// update applies fn to a train's state under its lock, persisting the
// result before the in-memory copy is committed. A failed store write
// leaves the in-memory state untouched.
func (r *Registry) update(ctx context.Context, trainID string, fn func(*Train)) error {
	e, err := r.lookup(trainID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := snapshot(&e.t)
	fn(&next)
	next.UpdatedAt = time.Now().UTC()

	if err := r.store.UpdateTrainState(ctx, store.TrainRecord{
		TrainID:           next.TrainID,
		DeviceID:          next.DeviceID,
		Active:            next.Active,
		CollisionDetected: next.CollisionDetected,
		CurrentTrack:      next.CurrentTrack,
		SelectedTrackID:   next.SelectedTrackID,
		CollisionWith:     next.CollisionWith,
	}); err != nil {
		return err
	}

	e.t = next
	return nil
}

// SetCollision marks every listed train as in collision, recording its
// peers. Locks are taken one train at a time in sorted order.
func (r *Registry) SetCollision(ctx context.Context, peers map[string][]string) error {
	ids := make([]string, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		with := append([]string(nil), peers[id]...)
		sort.Strings(with)
		if err := r.update(ctx, id, func(t *Train) {
			t.Active = true
			t.CollisionDetected = true
			t.CollisionWith = with
		}); err != nil {
			return err
		}
	}
	return nil
}

// ClearCollision drops the alarm on the listed trains without touching
// their track assignment. Used when a track falls back below two holders.
func (r *Registry) ClearCollision(ctx context.Context, trainIDs []string) error {
	ids := append([]string(nil), trainIDs...)
	sort.Strings(ids)

	for _, id := range ids {
		if err := r.update(ctx, id, func(t *Train) {
			t.Active = false
			t.CollisionDetected = false
			t.CollisionWith = nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// Clear resets a train's full mutable state: alarm, peers, and both track
// references. Runs at trip stop.
func (r *Registry) Clear(ctx context.Context, trainID string) error {
	return r.update(ctx, trainID, func(t *Train) {
		t.Active = false
		t.CollisionDetected = false
		t.CollisionWith = nil
		t.CurrentTrack = nil
		t.SelectedTrackID = nil
	})
}

// SetSelectedTrack pins (or clears) the real-testing trip track.
func (r *Registry) SetSelectedTrack(ctx context.Context, trainID string, trackID *string) error {
	return r.update(ctx, trainID, func(t *Train) {
		t.SelectedTrackID = copyID(trackID)
	})
}

// SetCurrentTrack records (or clears) the track held on this train's
// behalf by the lock arbiter.
func (r *Registry) SetCurrentTrack(ctx context.Context, trainID string, trackID *string) error {
	return r.update(ctx, trainID, func(t *Train) {
		t.CurrentTrack = copyID(trackID)
	})
}

// SetTripTracks sets both track references in one write, as trip start
// does.
func (r *Registry) SetTripTracks(ctx context.Context, trainID, trackID string) error {
	return r.update(ctx, trainID, func(t *Train) {
		id := trackID
		t.SelectedTrackID = &id
		cur := trackID
		t.CurrentTrack = &cur
	})
}

// SetAlarmOverride force-sets the alarm pair. Operator tool; active and
// collision_detected move together so the invariant survives.
func (r *Registry) SetAlarmOverride(ctx context.Context, trainID string, on bool) error {
	return r.update(ctx, trainID, func(t *Train) {
		t.Active = on
		t.CollisionDetected = on
		if !on {
			t.CollisionWith = nil
		}
	})
}

// ResetAll clears the full mutable state of every train.
func (r *Registry) ResetAll(ctx context.Context) error {
	for _, t := range r.List() {
		if err := r.Clear(ctx, t.TrainID); err != nil {
			return err
		}
	}
	return nil
}

func snapshot(t *Train) Train {
	cp := *t
	cp.CurrentTrack = copyID(t.CurrentTrack)
	cp.SelectedTrackID = copyID(t.SelectedTrackID)
	if t.CollisionWith != nil {
		cp.CollisionWith = append([]string(nil), t.CollisionWith...)
	}
	return cp
}

func copyID(id *string) *string {
	if id == nil {
		return nil
	}
	cp := *id
	return &cp
}
