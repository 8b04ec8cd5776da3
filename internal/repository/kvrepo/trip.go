// Package kvrepo implements the repositories on top of a kv.Store.
package kvrepo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"tripsync/internal/domain"
	"tripsync/internal/kv"
	"tripsync/internal/repository"
	"tripsync/internal/tripflow"
)

var nullJSON = []byte("null")

// TripRepository is a kv.Store implementation of repository.TripRepository.
// Writes are serialized so each one validates against the stage the previous
// one left behind.
type TripRepository struct {
	mu    sync.Mutex
	store kv.Store
}

// NewTripRepository creates a new trip repository.
func NewTripRepository(store kv.Store) *TripRepository {
	return &TripRepository{store: store}
}

type tripSnapshot struct {
	active *domain.Trip
	stage  domain.Stage
	jobs   []domain.Trip
}

// load reads the three trip records in one MultiGet. Malformed records decode
// to their empty defaults.
func (r *TripRepository) load(ctx context.Context) (*tripSnapshot, error) {
	values, err := r.store.MultiGet(ctx, []string{kv.KeyActiveTrip, kv.KeyTripState, kv.KeyJobsList})
	if err != nil {
		return nil, err
	}

	snap := &tripSnapshot{
		active: decodeActiveTrip(values[kv.KeyActiveTrip]),
		jobs:   decodeJobs(values[kv.KeyJobsList]),
	}

	if snap.active != nil {
		if raw, ok := values[kv.KeyTripState]; ok {
			snap.stage = domain.DecodeTripState(raw)
		} else {
			snap.stage = domain.ParseStage(string(snap.active.Status))
		}
		snap.active.Status = snap.stage
	}

	return snap, nil
}

func decodeActiveTrip(data []byte) *domain.Trip {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, nullJSON) {
		return nil
	}
	var trip domain.Trip
	if err := json.Unmarshal(data, &trip); err != nil || trip.ID == "" {
		return nil
	}
	return &trip
}

func decodeJobs(data []byte) []domain.Trip {
	if len(data) == 0 {
		return nil
	}
	var jobs []domain.Trip
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil
	}
	for i := range jobs {
		jobs[i].Status = domain.ParseStage(string(jobs[i].Status))
	}
	return jobs
}

// ActiveTrip retrieves the active trip. Returns nil if no trip is active.
func (r *TripRepository) ActiveTrip(ctx context.Context) (*domain.Trip, error) {
	snap, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	return snap.active, nil
}

// Jobs retrieves the jobs list.
func (r *TripRepository) Jobs(ctx context.Context) ([]domain.Trip, error) {
	snap, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	return snap.jobs, nil
}

// Assign makes trip the active trip in ASSIGNED stage.
func (r *TripRepository) Assign(ctx context.Context, trip domain.Trip) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, err := r.load(ctx)
	if err != nil {
		return err
	}

	if snap.active != nil && !snap.stage.Terminal() {
		if snap.active.ID == trip.ID {
			return nil
		}
		return repository.ErrActiveTripExists
	}

	trip.Status = domain.StageAssigned
	trip.CancellationReason = ""

	return r.write(ctx, &trip, trip.Status, upsertJob(snap.jobs, trip))
}

// CommitTripStage moves the active trip to stage as one batch write.
func (r *TripRepository) CommitTripStage(ctx context.Context, tripID string, stage domain.Stage, reason string) (*domain.Trip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, err := r.load(ctx)
	if err != nil {
		return nil, err
	}

	if snap.active == nil {
		return nil, repository.ErrNoActiveTrip
	}
	if snap.active.ID != tripID {
		return nil, fmt.Errorf("%w: active=%s requested=%s", repository.ErrTripSuperseded, snap.active.ID, tripID)
	}

	if err := tripflow.Validate(snap.stage, stage); err != nil {
		return snap.active, err
	}

	trip := *snap.active
	trip.Status = stage
	if stage == domain.StageCancelled {
		trip.CancellationReason = reason
	}

	if err := r.write(ctx, &trip, stage, upsertJob(snap.jobs, trip)); err != nil {
		return nil, err
	}
	return &trip, nil
}

// write persists the active slot, trip state and jobs list in one MultiSet.
// A terminal stage empties the active slot; the jobs list keeps the record.
func (r *TripRepository) write(ctx context.Context, trip *domain.Trip, stage domain.Stage, jobs []domain.Trip) error {
	active := nullJSON
	if !stage.Terminal() {
		data, err := json.Marshal(trip)
		if err != nil {
			return err
		}
		active = data
	}

	jobsPair, err := kv.JSONPair(kv.KeyJobsList, jobs)
	if err != nil {
		return err
	}

	return r.store.MultiSet(ctx, []kv.Pair{
		{Key: kv.KeyActiveTrip, Value: active},
		{Key: kv.KeyTripState, Value: domain.EncodeTripState(stage)},
		jobsPair,
	})
}

// upsertJob replaces the entry with trip's id, or prepends trip when absent.
func upsertJob(jobs []domain.Trip, trip domain.Trip) []domain.Trip {
	out := make([]domain.Trip, 0, len(jobs)+1)
	found := false
	for _, j := range jobs {
		if j.ID == trip.ID {
			out = append(out, trip)
			found = true
			continue
		}
		out = append(out, j)
	}
	if !found {
		out = append([]domain.Trip{trip}, out...)
	}
	return out
}

// Ensure TripRepository implements repository.TripRepository.
var _ repository.TripRepository = (*TripRepository)(nil)
