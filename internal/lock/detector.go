package lock

import (
	"context"
	"log"

	"github.com/railguard-data/railguard/internal/train"
)

// Report is the outcome of a collision scan on one track.
type Report struct {
	Collision bool     `json:"collision"`
	TrackID   string   `json:"track_id,omitempty"`
	Trains    []string `json:"trains,omitempty"`
	Devices   []string `json:"devices,omitempty"`
}

// Detector maps the arbiter's holder sets onto the registry's alarm
// flags. It runs after every successful lock operation, including
// releases, so the alarm tracks the ≥2-holders predicate in both
// directions.
type Detector struct {
	arbiter  *Arbiter
	registry *train.Registry
}

// NewDetector wires a detector to its arbiter and registry.
func NewDetector(arbiter *Arbiter, registry *train.Registry) *Detector {
	return &Detector{arbiter: arbiter, registry: registry}
}

// Scan evaluates the track's holders inside the arbiter's per-track
// critical section.
func (d *Detector) Scan(ctx context.Context, trackID string) (Report, error) {
	var report Report
	err := d.arbiter.WithTrack(ctx, trackID, func(ctx context.Context, holders []Holder) error {
		var evalErr error
		report, evalErr = d.Evaluate(ctx, trackID, holders)
		return evalErr
	})
	return report, err
}

// Evaluate applies a holder snapshot to the registry. Callers must take
// the snapshot inside the arbiter's per-track critical section (via
// RecordClaim's apply hook or WithTrack) and call Evaluate before
// leaving it. Two or more distinct holders is a collision: every holder
// gets active, collision_detected, and its peer list. Below two holders,
// any holder still flagged has its alarm cleared.
func (d *Detector) Evaluate(ctx context.Context, trackID string, holders []Holder) (Report, error) {
	report := Report{TrackID: trackID}
	for _, h := range holders {
		report.Trains = append(report.Trains, h.TrainID)
		report.Devices = append(report.Devices, h.DeviceID)
	}

	if len(holders) >= 2 {
		report.Collision = true

		peers := make(map[string][]string, len(holders))
		for _, h := range holders {
			for _, other := range holders {
				if other.TrainID != h.TrainID {
					peers[h.TrainID] = append(peers[h.TrainID], other.TrainID)
				}
			}
		}
		if err := d.registry.SetCollision(ctx, peers); err != nil {
			return Report{}, err
		}
		log.Printf("COLLISION on %s: trains %v", trackID, report.Trains)
		return report, nil
	}

	// Fewer than two holders: drop any stale alarm on the remainder.
	var stale []string
	for _, h := range holders {
		t, err := d.registry.Get(h.TrainID)
		if err != nil {
			return Report{}, err
		}
		if t.CollisionDetected {
			stale = append(stale, h.TrainID)
		}
	}
	if len(stale) > 0 {
		if err := d.registry.ClearCollision(ctx, stale); err != nil {
			return Report{}, err
		}
	}
	return report, nil
}
