package track

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/railguard-data/railguard/internal/geo"
	"github.com/railguard-data/railguard/internal/store"
)

//go:embed defaults/*.csv
var defaultTracks embed.FS

// Catalog is the process-wide in-memory track index, backed by the
// store. Vertex sequences are immutable once loaded; only the is_active
// flag changes.
type Catalog struct {
	mu     sync.RWMutex
	store  *store.Store
	tracks map[string]*Track
}

// NewCatalog builds a catalog and reloads all persisted tracks into it.
func NewCatalog(ctx context.Context, st *store.Store) (*Catalog, error) {
	c := &Catalog{
		store:  st,
		tracks: make(map[string]*Track),
	}

	records, err := st.ListTracks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reload tracks: %w", err)
	}
	for _, rec := range records {
		c.tracks[rec.TrackID] = trackFromRecord(rec)
	}
	return c, nil
}

// LoadParams describes a track to add to the catalog.
type LoadParams struct {
	TrackID      string // optional; generated when empty
	Name         string
	Filename     string
	StartStation string
	EndStation   string
	Points       []geo.Point
	Activate     bool // clear is_active on all others and set it here
}

// Load validates, persists, and indexes a new track. The vertex sequence
// must contain at least two points or the load fails with
// ErrInvalidTrack.
func (c *Catalog) Load(ctx context.Context, p LoadParams) (*Track, error) {
	if len(p.Points) < 2 {
		return nil, ErrInvalidTrack
	}

	trackID := p.TrackID
	if trackID == "" {
		trackID = newTrackID()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tracks[trackID]; exists {
		return nil, fmt.Errorf("track %s already loaded", trackID)
	}

	points := make([]geo.Point, len(p.Points))
	copy(points, p.Points)

	t := &Track{
		TrackID:      trackID,
		Name:         p.Name,
		Filename:     p.Filename,
		StartStation: p.StartStation,
		EndStation:   p.EndStation,
		IsActive:     p.Activate,
		Points:       points,
		CreatedAt:    time.Now().UTC(),
	}

	// Insert and activation commit as one transaction; the in-memory
	// index only changes after the store accepts the whole record.
	if err := c.store.InsertTrack(ctx, recordFromTrack(t)); err != nil {
		return nil, err
	}
	if p.Activate {
		for _, other := range c.tracks {
			other.IsActive = false
		}
	}

	c.tracks[trackID] = t
	cp := *t
	return &cp, nil
}

// Get returns a copy of the named track, or ErrTrackNotFound.
func (c *Catalog) Get(trackID string) (*Track, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.tracks[trackID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTrackNotFound, trackID)
	}
	cp := *t
	return &cp, nil
}

// List returns coordinate-free summaries of every track, sorted by id.
func (c *Catalog) List() []Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summaries := make([]Summary, 0, len(c.tracks))
	for _, t := range c.tracks {
		summaries = append(summaries, t.Summarize())
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].TrackID < summaries[j].TrackID
	})
	return summaries
}

// Delete removes a track from the catalog and the store.
func (c *Catalog) Delete(ctx context.Context, trackID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tracks[trackID]; !ok {
		return fmt.Errorf("%w: %s", ErrTrackNotFound, trackID)
	}
	if err := c.store.DeleteTrack(ctx, trackID); err != nil {
		return err
	}
	delete(c.tracks, trackID)
	return nil
}

// SetActive clears is_active on every track and sets it on trackID.
func (c *Catalog) SetActive(ctx context.Context, trackID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	target, ok := c.tracks[trackID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTrackNotFound, trackID)
	}
	if err := c.store.SetActiveTrack(ctx, trackID); err != nil {
		return err
	}
	for _, t := range c.tracks {
		t.IsActive = false
	}
	target.IsActive = true
	return nil
}

// ActiveTrack returns a copy of the track flagged is_active, or nil. This
// is the fallback match target when no trip pins a track.
func (c *Catalog) ActiveTrack() *Track {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, t := range c.tracks {
		if t.IsActive {
			cp := *t
			return &cp
		}
	}
	return nil
}

// Count returns the number of loaded tracks.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tracks)
}

// SeedDefaults loads the bundled default tracks when the catalog is
// empty. A catalog emptied by hand is re-seeded on the next start; keep
// the process running if an empty catalog is wanted.
func (c *Catalog) SeedDefaults(ctx context.Context) error {
	if c.Count() > 0 {
		return nil
	}

	entries, err := fs.ReadDir(defaultTracks, "defaults")
	if err != nil {
		return fmt.Errorf("failed to read bundled tracks: %w", err)
	}

	for i, entry := range entries {
		data, err := fs.ReadFile(defaultTracks, "defaults/"+entry.Name())
		if err != nil {
			return fmt.Errorf("failed to read bundled track %s: %w", entry.Name(), err)
		}
		points, err := ParseCSV(string(data))
		if err != nil {
			return fmt.Errorf("bundled track %s is malformed: %w", entry.Name(), err)
		}

		name := strings.TrimSuffix(entry.Name(), ".csv")
		stations := strings.SplitN(strings.ReplaceAll(name, "_", " "), " to ", 2)
		p := LoadParams{
			TrackID:  fmt.Sprintf("track_%02d", i+1),
			Name:     strings.ReplaceAll(name, "_", " "),
			Filename: entry.Name(),
			Points:   points,
			Activate: i == 0,
		}
		if len(stations) == 2 {
			p.StartStation = stations[0]
			p.EndStation = stations[1]
		}

		if _, err := c.Load(ctx, p); err != nil {
			return fmt.Errorf("failed to seed track %s: %w", p.TrackID, err)
		}
		log.Printf("seeded default track %s (%d points)", p.TrackID, len(points))
	}
	return nil
}

func newTrackID() string {
	return "track_" + strings.Split(uuid.New().String(), "-")[0]
}

func trackFromRecord(rec store.TrackRecord) *Track {
	points := make([]geo.Point, len(rec.Points))
	for i, p := range rec.Points {
		points[i] = geo.Point{Latitude: p.Latitude, Longitude: p.Longitude}
	}
	t := &Track{
		TrackID:   rec.TrackID,
		Name:      rec.Name,
		IsActive:  rec.IsActive,
		Points:    points,
		CreatedAt: rec.CreatedAt,
	}
	if rec.Filename != nil {
		t.Filename = *rec.Filename
	}
	if rec.StartStation != nil {
		t.StartStation = *rec.StartStation
	}
	if rec.EndStation != nil {
		t.EndStation = *rec.EndStation
	}
	return t
}

func recordFromTrack(t *Track) store.TrackRecord {
	points := make([]store.PointRecord, len(t.Points))
	for i, p := range t.Points {
		points[i] = store.PointRecord{Latitude: p.Latitude, Longitude: p.Longitude}
	}
	rec := store.TrackRecord{
		TrackID:   t.TrackID,
		Name:      t.Name,
		IsActive:  t.IsActive,
		Points:    points,
		CreatedAt: t.CreatedAt,
	}
	if t.Filename != "" {
		rec.Filename = &t.Filename
	}
	if t.StartStation != "" {
		rec.StartStation = &t.StartStation
	}
	if t.EndStation != "" {
		rec.EndStation = &t.EndStation
	}
	return rec
}
