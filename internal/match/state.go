// Package match implements the online map-matching stage: nearest-vertex
// matching of GPS fixes against track polylines and the per-device
// consecutive-match streak counters that gate lock acquisition.
package match

import (
	"context"
	"sync"

	"github.com/railguard-data/railguard/internal/store"
)

// Counter is a device's current streak against one track.
type Counter struct {
	DeviceID           string `json:"device_id"`
	TrackID            string `json:"track_id"`
	ConsecutiveMatches int    `json:"consecutive_matches"`
	LastMatchedIndex   int    `json:"last_matched_index"`
}

// StateStore holds the per-device match counters. Processing is
// serialised per device so bursts and retries from one tracker cannot
// corrupt its streak; distinct devices never contend.
type StateStore struct {
	store *store.Store

	mu       sync.Mutex
	counters map[string]Counter
	devLocks map[string]*sync.Mutex
}

// NewStateStore builds a state store and reloads persisted counters.
func NewStateStore(ctx context.Context, st *store.Store) (*StateStore, error) {
	records, err := st.ListMatchCounters(ctx)
	if err != nil {
		return nil, err
	}

	s := &StateStore{
		store:    st,
		counters: make(map[string]Counter, len(records)),
		devLocks: make(map[string]*sync.Mutex),
	}
	for _, rec := range records {
		s.counters[rec.DeviceID] = Counter{
			DeviceID:           rec.DeviceID,
			TrackID:            rec.TrackID,
			ConsecutiveMatches: rec.ConsecutiveMatches,
			LastMatchedIndex:   rec.LastMatchedIndex,
		}
	}
	return s, nil
}

// deviceLock returns the serialisation mutex for one device, creating it
// on first use.
func (s *StateStore) deviceLock(deviceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.devLocks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		s.devLocks[deviceID] = l
	}
	return l
}

// Get returns the device's counter and whether one exists.
func (s *StateStore) Get(deviceID string) (Counter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[deviceID]
	return c, ok
}

// advance records an in-threshold fix: increment the streak when the
// counter already tracks this track, otherwise start a fresh streak at 1.
// The store write commits before the in-memory counter moves, so a store
// failure never advances a streak.
func (s *StateStore) advance(ctx context.Context, deviceID, trackID string, vertexIndex int) (Counter, error) {
	prev, ok := s.Get(deviceID)

	next := Counter{
		DeviceID:           deviceID,
		TrackID:            trackID,
		ConsecutiveMatches: 1,
		LastMatchedIndex:   vertexIndex,
	}
	if ok && prev.TrackID == trackID {
		next.ConsecutiveMatches = prev.ConsecutiveMatches + 1
	}

	if err := s.store.PutMatchCounter(ctx, store.MatchCounterRecord{
		DeviceID:           next.DeviceID,
		TrackID:            next.TrackID,
		ConsecutiveMatches: next.ConsecutiveMatches,
		LastMatchedIndex:   next.LastMatchedIndex,
	}); err != nil {
		return Counter{}, err
	}

	s.mu.Lock()
	s.counters[deviceID] = next
	s.mu.Unlock()
	return next, nil
}

// reset destroys the device's counter after an out-of-threshold fix.
// Streaks do not survive a single miss.
func (s *StateStore) reset(ctx context.Context, deviceID string) error {
	if err := s.store.DeleteMatchCounter(ctx, deviceID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.counters, deviceID)
	s.mu.Unlock()
	return nil
}

// ResetAll destroys every counter (system reset).
func (s *StateStore) ResetAll(ctx context.Context) error {
	if err := s.store.DeleteAllMatchCounters(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.counters = make(map[string]Counter)
	s.mu.Unlock()
	return nil
}
