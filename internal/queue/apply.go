package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tripsync/internal/domain"
	"tripsync/internal/repository"
	"tripsync/internal/tripflow"
)

// CommitHook is told about every stage change an applier committed.
type CommitHook func(ctx context.Context, action domain.PendingAction, trip *domain.Trip)

// TripStageApplier replays TRIP_STATE_TRANSITION and OTP_VERIFICATION
// records through TripRepository.CommitTripStage.
type TripStageApplier struct {
	trips    repository.TripRepository
	onCommit CommitHook
}

// NewTripStageApplier creates a new TripStageApplier. onCommit may be nil.
func NewTripStageApplier(trips repository.TripRepository, onCommit CommitHook) *TripStageApplier {
	return &TripStageApplier{trips: trips, onCommit: onCommit}
}

func checkStagePayload(p domain.ActionPayload) error {
	if p.TripID == "" || !p.NextState.Valid() {
		return fmt.Errorf("%w: trip %q target %q", ErrInvalidPayload, p.TripID, p.NextState)
	}
	return nil
}

// Check refuses a malformed record, and one that skips ahead of the stage the
// active trip reaches once the records already queued for it apply. Records
// for other trips are accepted; they go moot at replay.
func (a *TripStageApplier) Check(ctx context.Context, action domain.PendingAction, queued []domain.PendingAction) error {
	if err := checkStagePayload(action.Payload); err != nil {
		return err
	}

	trip, err := a.trips.ActiveTrip(ctx)
	if err != nil {
		return err
	}
	if trip == nil || trip.ID != action.Payload.TripID {
		return nil
	}

	stage := Project(trip.ID, trip.Status, queued)
	if err := tripflow.Validate(stage, action.Payload.NextState); err != nil && !isMoot(err) {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return nil
}

// Apply commits the record's target stage. A record whose trip is no longer
// active, or whose trip already reached the target, is moot. One that skips
// a stage is rejected.
func (a *TripStageApplier) Apply(ctx context.Context, action domain.PendingAction) error {
	if err := checkStagePayload(action.Payload); err != nil {
		return err
	}

	trip, err := a.trips.CommitTripStage(ctx, action.Payload.TripID, action.Payload.NextState, "")
	if err != nil {
		switch {
		case isMoot(err):
			return fmt.Errorf("%w: %w", ErrMoot, err)
		case errors.Is(err, tripflow.ErrStageSkipped), errors.Is(err, tripflow.ErrUnknownStage):
			return fmt.Errorf("%w: %w", ErrRejected, err)
		}
		return err
	}

	if a.onCommit != nil {
		a.onCommit(ctx, action, trip)
	}
	return nil
}

func isMoot(err error) bool {
	return errors.Is(err, repository.ErrNoActiveTrip) ||
		errors.Is(err, repository.ErrTripSuperseded) ||
		errors.Is(err, tripflow.ErrNoChange) ||
		errors.Is(err, tripflow.ErrStageRegression) ||
		errors.Is(err, tripflow.ErrTerminalStage)
}

// Project replays the stage records queued for tripID, oldest first, on top
// of stage. queued is newest first. Records that would not validate are
// passed over.
func Project(tripID string, stage domain.Stage, queued []domain.PendingAction) domain.Stage {
	for i := len(queued) - 1; i >= 0; i-- {
		a := queued[i]
		if a.Payload.TripID != tripID {
			continue
		}
		if a.Type != domain.ActionTripStateTransition && a.Type != domain.ActionOTPVerification {
			continue
		}
		if tripflow.Validate(stage, a.Payload.NextState) == nil {
			stage = a.Payload.NextState
		}
	}
	return stage
}

// PODApplier replays PROOF_OF_DELIVERY_UPLOAD records by appending them to
// the pending POD uploads list.
type PODApplier struct {
	pods repository.PODRepository
	now  func() time.Time
}

// NewPODApplier creates a new PODApplier.
func NewPODApplier(pods repository.PODRepository) *PODApplier {
	return &PODApplier{pods: pods, now: time.Now}
}

// Check refuses an upload without a trip id or reference.
func (a *PODApplier) Check(ctx context.Context, action domain.PendingAction, queued []domain.PendingAction) error {
	if action.Payload.TripID == "" || action.Payload.PODReference == "" {
		return fmt.Errorf("%w: pod upload needs trip id and reference", ErrInvalidPayload)
	}
	return nil
}

// Apply appends the upload. A trip's upload is appended at most once.
func (a *PODApplier) Apply(ctx context.Context, action domain.PendingAction) error {
	if err := a.Check(ctx, action, nil); err != nil {
		return err
	}

	return a.pods.Append(ctx, domain.PODUpload{
		ActionID:   domain.PODUploadID(action.Payload.TripID),
		TripID:     action.Payload.TripID,
		Reference:  action.Payload.PODReference,
		QueuedAt:   action.CreatedAt,
		AppendedAt: a.now().UTC(),
	})
}

var (
	_ Checker = (*TripStageApplier)(nil)
	_ Checker = (*PODApplier)(nil)
)
