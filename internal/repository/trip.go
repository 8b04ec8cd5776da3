package repository

import (
	"context"

	"tripsync/internal/domain"
)

// TripRepository defines the persistence operations for the active trip and
// the jobs list. The two records are always written together.
type TripRepository interface {
	// ActiveTrip retrieves the active trip with its current stage.
	// Returns nil if no trip is active.
	ActiveTrip(ctx context.Context) (*domain.Trip, error)

	// Jobs retrieves the jobs list, history included.
	Jobs(ctx context.Context) ([]domain.Trip, error)

	// Assign makes trip the active trip and adds it to the jobs list.
	Assign(ctx context.Context, trip domain.Trip) error

	// CommitTripStage moves the active trip to stage, updating the active
	// trip slot, the trip state and the jobs list entry as one batch.
	// Terminal stages clear the active slot. reason is recorded for
	// cancellations.
	CommitTripStage(ctx context.Context, tripID string, stage domain.Stage, reason string) (*domain.Trip, error)
}

// PODRepository stores proof-of-delivery uploads awaiting submission.
type PODRepository interface {
	// Append adds an upload to the end of the pending list.
	Append(ctx context.Context, upload domain.PODUpload) error

	// List returns the pending uploads in append order.
	List(ctx context.Context) ([]domain.PODUpload, error)
}

// ComplianceRepository stores the daily compliance outcomes.
type ComplianceRepository interface {
	Get(ctx context.Context) (domain.ComplianceFlags, error)
	Set(ctx context.Context, flags domain.ComplianceFlags) error
}
