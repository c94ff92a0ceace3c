// Package lock arbitrates exclusive track ownership and detects
// collisions. The arbiter is the source of truth for who holds a track;
// the detector is the one-way function from lock holders to the alarm
// flags in the train registry.
package lock

import (
	"context"
	"sort"
	"sync"

	"github.com/railguard-data/railguard/internal/store"
)

// Holder identifies one train's claim on a track.
type Holder struct {
	TrainID  string `json:"train_id"`
	DeviceID string `json:"device_id"`
}

// AcquireResult reports the outcome of an exclusive acquire.
type AcquireResult struct {
	Granted            bool `json:"granted"`
	AlreadyHeldByOther bool `json:"already_held_by_other"`
}

// Arbiter owns the lock records. Each track has its own critical section
// so the claim-then-count sequence cannot interleave with a concurrent
// claim on the same track, while claims on unrelated tracks run in
// parallel.
type Arbiter struct {
	store *store.Store

	mu       sync.Mutex
	locks    map[string]map[string]Holder // track id -> train id -> holder
	perTrack map[string]*sync.Mutex
}

// NewArbiter builds an arbiter and reloads persisted locks. A crash
// mid-trip leaves its lock in place; it clears on the next trip stop.
func NewArbiter(ctx context.Context, st *store.Store) (*Arbiter, error) {
	records, err := st.ListTrackLocks(ctx)
	if err != nil {
		return nil, err
	}

	a := &Arbiter{
		store:    st,
		locks:    make(map[string]map[string]Holder),
		perTrack: make(map[string]*sync.Mutex),
	}
	for _, rec := range records {
		if a.locks[rec.TrackID] == nil {
			a.locks[rec.TrackID] = make(map[string]Holder)
		}
		a.locks[rec.TrackID][rec.TrainID] = Holder{TrainID: rec.TrainID, DeviceID: rec.DeviceID}
	}
	return a, nil
}

func (a *Arbiter) trackMutex(trackID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.perTrack[trackID]
	if !ok {
		m = &sync.Mutex{}
		a.perTrack[trackID] = m
	}
	return m
}

// Acquire attempts an exclusive claim for a trip start. It grants when no
// other train holds the track; re-acquiring a lock the train already
// holds is idempotent and refreshes its timestamp.
func (a *Arbiter) Acquire(ctx context.Context, trainID, deviceID, trackID string) (AcquireResult, error) {
	m := a.trackMutex(trackID)
	m.Lock()
	defer m.Unlock()

	for _, h := range a.holdersLocked(trackID) {
		if h.TrainID != trainID {
			return AcquireResult{AlreadyHeldByOther: true}, nil
		}
	}

	if err := a.persistClaim(ctx, trainID, deviceID, trackID); err != nil {
		return AcquireResult{}, err
	}
	return AcquireResult{Granted: true}, nil
}

// RecordClaim records a claim unconditionally, inserting a second (or
// later) lock row when another train already holds the track. This is the
// co-claim path: the second claimant is recorded rather than dropped, so
// the detector can surface both holders. apply, when non-nil, runs
// against the holder snapshot before the track's critical section is
// released; no later claim or scan on the track can interleave with it.
func (a *Arbiter) RecordClaim(ctx context.Context, trainID, deviceID, trackID string, apply func(context.Context, []Holder) error) ([]Holder, error) {
	m := a.trackMutex(trackID)
	m.Lock()
	defer m.Unlock()

	if err := a.persistClaim(ctx, trainID, deviceID, trackID); err != nil {
		return nil, err
	}
	holders := a.holdersLocked(trackID)
	if apply != nil {
		if err := apply(ctx, holders); err != nil {
			return holders, err
		}
	}
	return holders, nil
}

// WithTrack runs fn against the track's current holders inside its
// critical section, so the snapshot cannot go stale between being taken
// and being applied.
func (a *Arbiter) WithTrack(ctx context.Context, trackID string, fn func(context.Context, []Holder) error) error {
	m := a.trackMutex(trackID)
	m.Lock()
	defer m.Unlock()
	return fn(ctx, a.holdersLocked(trackID))
}

// persistClaim writes the lock row through the store before committing it
// to memory. Caller holds the track mutex.
func (a *Arbiter) persistClaim(ctx context.Context, trainID, deviceID, trackID string) error {
	if err := a.store.UpsertTrackLock(ctx, store.TrackLockRecord{
		TrackID:  trackID,
		TrainID:  trainID,
		DeviceID: deviceID,
	}); err != nil {
		return err
	}

	a.mu.Lock()
	if a.locks[trackID] == nil {
		a.locks[trackID] = make(map[string]Holder)
	}
	a.locks[trackID][trainID] = Holder{TrainID: trainID, DeviceID: deviceID}
	a.mu.Unlock()
	return nil
}

// Release removes a train's claim on a track. No-op when absent.
func (a *Arbiter) Release(ctx context.Context, trainID, trackID string) error {
	m := a.trackMutex(trackID)
	m.Lock()
	defer m.Unlock()

	if err := a.store.DeleteTrackLock(ctx, trackID, trainID); err != nil {
		return err
	}

	a.mu.Lock()
	if holders, ok := a.locks[trackID]; ok {
		delete(holders, trainID)
		if len(holders) == 0 {
			delete(a.locks, trackID)
		}
	}
	a.mu.Unlock()
	return nil
}

// Holders enumerates the current holders of a track, sorted by train id.
func (a *Arbiter) Holders(trackID string) []Holder {
	a.mu.Lock()
	defer a.mu.Unlock()
	return holdersFromSet(a.locks[trackID])
}

// HeldBy reports whether the named train holds the track.
func (a *Arbiter) HeldBy(trackID, trainID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.locks[trackID][trainID]
	return ok
}

// TrackHeldBy returns the track currently held by the named train, if
// any. Used to resolve an omitted track id at trip stop.
func (a *Arbiter) TrackHeldBy(trainID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for trackID, holders := range a.locks {
		if _, ok := holders[trainID]; ok {
			return trackID, true
		}
	}
	return "", false
}

// ResetAll clears every lock (system reset).
func (a *Arbiter) ResetAll(ctx context.Context) error {
	if err := a.store.DeleteAllTrackLocks(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	a.locks = make(map[string]map[string]Holder)
	a.mu.Unlock()
	return nil
}

func (a *Arbiter) holdersLocked(trackID string) []Holder {
	a.mu.Lock()
	defer a.mu.Unlock()
	return holdersFromSet(a.locks[trackID])
}

func holdersFromSet(set map[string]Holder) []Holder {
	holders := make([]Holder, 0, len(set))
	for _, h := range set {
		holders = append(holders, h)
	}
	sort.Slice(holders, func(i, j int) bool {
		return holders[i].TrainID < holders[j].TrainID
	})
	return holders
}
