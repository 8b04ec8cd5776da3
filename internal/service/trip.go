package service

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tripsync/internal/domain"
	"tripsync/internal/metrics"
	"tripsync/internal/queue"
	"tripsync/internal/repository"
	"tripsync/internal/tripflow"
)

var otpPattern = regexp.MustCompile(`^[0-9]{4,6}$`)

// TripService drives the active trip through its lifecycle. Offline, state
// changes go to the pending queue; online, they are committed directly.
type TripService struct {
	tripRepo            repository.TripRepository
	podRepo             repository.PODRepository
	coordinator         *Coordinator
	complianceService   *ComplianceService
	notificationService *NotificationService
	logger              *zap.Logger
}

// NewTripService creates a new TripService.
func NewTripService(
	tripRepo repository.TripRepository,
	podRepo repository.PODRepository,
	coordinator *Coordinator,
	complianceService *ComplianceService,
	notificationService *NotificationService,
	logger *zap.Logger,
) *TripService {
	return &TripService{
		tripRepo:            tripRepo,
		podRepo:             podRepo,
		coordinator:         coordinator,
		complianceService:   complianceService,
		notificationService: notificationService,
		logger:              logger,
	}
}

// AssignTripRequest contains the parameters for assigning a trip.
type AssignTripRequest struct {
	ID             string
	PickupLocation string
	DropLocation   string
	Earnings       float64
	Distance       string
	ETA            string
}

// AssignTrip makes a dispatched job the active trip.
func (s *TripService) AssignTrip(ctx context.Context, req AssignTripRequest) (*domain.Trip, error) {
	if req.Earnings < 0 {
		return nil, ErrInvalidEarnings
	}

	trip := domain.Trip{
		ID:             req.ID,
		PickupLocation: req.PickupLocation,
		DropLocation:   req.DropLocation,
		Earnings:       req.Earnings,
		Distance:       req.Distance,
		ETA:            req.ETA,
		Status:         domain.StageAssigned,
	}
	if trip.ID == "" {
		trip.ID = uuid.New().String()
	}

	if err := s.tripRepo.Assign(ctx, trip); err != nil {
		return nil, err
	}

	active, err := s.tripRepo.ActiveTrip(ctx)
	if err != nil {
		return nil, err
	}
	if active == nil {
		active = &trip
	}

	s.logger.Info("trip assigned", zap.String("trip_id", active.ID))
	if s.notificationService != nil {
		_ = s.notificationService.NotifyTripAssigned(ctx, active)
	}

	return active, nil
}

// ActiveTrip returns the active trip with its stage advanced by any pending
// transitions queued for it, so the driver sees the optimistic stage.
func (s *TripService) ActiveTrip(ctx context.Context) (*domain.Trip, error) {
	trip, err := s.tripRepo.ActiveTrip(ctx)
	if err != nil {
		return nil, err
	}
	if trip == nil {
		return nil, repository.ErrNoActiveTrip
	}

	trip.Status = queue.Project(trip.ID, trip.Status, s.coordinator.PendingActions())
	return trip, nil
}

// cancelledJob returns the most recently assigned job when dispatch
// cancelled it, or nil.
func (s *TripService) cancelledJob(ctx context.Context) (*domain.Trip, error) {
	jobs, err := s.tripRepo.Jobs(ctx)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 || jobs[0].Status != domain.StageCancelled {
		return nil, nil
	}
	job := jobs[0]
	return &job, nil
}

// NextActionResult describes what the driver can do next.
type NextActionResult struct {
	Trip          *domain.Trip     `json:"trip"`
	Action        *tripflow.Action `json:"action,omitempty"`
	Blocked       bool             `json:"blocked"`
	BlockedReason string           `json:"blockedReason,omitempty"`
	Gates         domain.Gates     `json:"gates"`
}

// NextAction returns the next action on the active trip. A blocked action is
// returned with the reason rather than as an error. With no active trip, a
// cancelled last job is reported as blocked with the cancellation reason.
func (s *TripService) NextAction(ctx context.Context) (*NextActionResult, error) {
	trip, err := s.ActiveTrip(ctx)
	if errors.Is(err, repository.ErrNoActiveTrip) {
		cancelled, jobErr := s.cancelledJob(ctx)
		if jobErr != nil {
			return nil, jobErr
		}
		if cancelled == nil {
			return nil, err
		}
		trip, err = cancelled, nil
	}
	if err != nil {
		return nil, err
	}

	gates, err := s.gates(ctx, trip)
	if err != nil {
		return nil, err
	}

	result := &NextActionResult{Trip: trip, Gates: gates}

	action, err := tripflow.Next(trip.Status, gates)
	var blocked *tripflow.BlockedError
	switch {
	case errors.As(err, &blocked):
		result.Action = blocked.Action
		result.Blocked = true
		result.BlockedReason = blocked.Reason.Error()
		if trip.CancellationReason != "" {
			result.BlockedReason += ": " + trip.CancellationReason
		}
	case err != nil:
		return nil, err
	default:
		result.Action = action
	}

	return result, nil
}

func (s *TripService) gates(ctx context.Context, trip *domain.Trip) (domain.Gates, error) {
	gates, err := s.complianceService.Gates(ctx)
	if err != nil {
		return domain.Gates{}, err
	}
	gates.AssignmentCancelled = trip.Status == domain.StageCancelled
	return gates, nil
}

// AdvanceRequest contains the parameters for taking the next action.
type AdvanceRequest struct {
	TripID       string
	OTP          string
	PODReference string
}

// AdvanceResult reports what Advance did.
type AdvanceResult struct {
	Trip           *domain.Trip           `json:"trip"`
	Action         *tripflow.Action       `json:"action"`
	Queued         bool                   `json:"queued"`
	PendingActions []domain.PendingAction `json:"pendingActions,omitempty"`
}

// Advance takes the next action on the active trip. A blocked action fails
// with the gate's error and nothing is queued.
func (s *TripService) Advance(ctx context.Context, req AdvanceRequest) (*AdvanceResult, error) {
	if req.TripID == "" {
		return nil, ErrInvalidTripID
	}

	trip, err := s.ActiveTrip(ctx)
	if errors.Is(err, repository.ErrNoActiveTrip) {
		cancelled, jobErr := s.cancelledJob(ctx)
		if jobErr != nil {
			return nil, jobErr
		}
		if cancelled != nil && cancelled.ID == req.TripID {
			return nil, &tripflow.BlockedError{Reason: tripflow.ErrAssignmentCancelled}
		}
	}
	if err != nil {
		return nil, err
	}
	if trip.ID != req.TripID {
		return nil, ErrTripNotActive
	}

	gates, err := s.gates(ctx, trip)
	if err != nil {
		return nil, err
	}

	action, err := tripflow.Next(trip.Status, gates)
	if err != nil {
		var blocked *tripflow.BlockedError
		if errors.As(err, &blocked) && s.notificationService != nil {
			_ = s.notificationService.NotifyTransitionBlocked(ctx, trip.ID, blocked)
		}
		return nil, err
	}
	if action == nil {
		return nil, ErrNoActionAvailable
	}

	if action.OTPMode != tripflow.OTPNone && !otpPattern.MatchString(req.OTP) {
		return nil, ErrInvalidOTP
	}
	if action.RequiresPODUpload && req.PODReference == "" {
		return nil, ErrMissingPOD
	}

	if !s.coordinator.IsOffline() {
		if s.coordinator.PendingSyncCount() > 0 {
			if err := s.coordinator.SyncQueue(ctx); err != nil {
				s.logger.Warn("sync before direct commit failed", zap.String("trip_id", trip.ID), zap.Error(err))
			}
		}
		if !s.hasPending(trip.ID) {
			return s.commit(ctx, trip.ID, action, req)
		}
		s.logger.Info("earlier actions still pending, queueing to keep order", zap.String("trip_id", trip.ID))
	}

	return s.enqueue(ctx, trip, action, req)
}

func (s *TripService) hasPending(tripID string) bool {
	for _, a := range s.coordinator.PendingActions() {
		if a.Payload.TripID == tripID {
			return true
		}
	}
	return false
}

func (s *TripService) enqueue(ctx context.Context, trip *domain.Trip, action *tripflow.Action, req AdvanceRequest) (*AdvanceResult, error) {
	var queued []domain.PendingAction

	if action.RequiresPODUpload {
		pod, err := s.coordinator.QueueOperationalAction(ctx, domain.ActionPODUpload, domain.ActionPayload{
			TripID:       trip.ID,
			PODReference: req.PODReference,
		})
		if err != nil {
			return nil, err
		}
		queued = append(queued, pod)
	}

	actionType := domain.ActionTripStateTransition
	payload := domain.ActionPayload{TripID: trip.ID, NextState: action.NextStage}
	if action.OTPMode != tripflow.OTPNone {
		actionType = domain.ActionOTPVerification
		payload.OTP = req.OTP
	}

	record, err := s.coordinator.QueueOperationalAction(ctx, actionType, payload)
	if err != nil {
		return nil, err
	}
	queued = append(queued, record)

	projected := *trip
	projected.Status = action.NextStage

	return &AdvanceResult{
		Trip:           &projected,
		Action:         action,
		Queued:         true,
		PendingActions: queued,
	}, nil
}

func (s *TripService) commit(ctx context.Context, tripID string, action *tripflow.Action, req AdvanceRequest) (*AdvanceResult, error) {
	if action.RequiresPODUpload {
		now := time.Now().UTC()
		err := s.podRepo.Append(ctx, domain.PODUpload{
			ActionID:   domain.PODUploadID(tripID),
			TripID:     tripID,
			Reference:  req.PODReference,
			QueuedAt:   now,
			AppendedAt: now,
		})
		if err != nil {
			return nil, err
		}
	}

	trip, err := s.tripRepo.CommitTripStage(ctx, tripID, action.NextStage, "")
	if err != nil {
		return nil, err
	}

	s.committed(ctx, trip)
	return &AdvanceResult{Trip: trip, Action: action}, nil
}

// committed records a stage change that reached the store.
func (s *TripService) committed(ctx context.Context, trip *domain.Trip) {
	metrics.StageCommits.WithLabelValues(string(trip.Status)).Inc()
	s.logger.Info("trip stage committed",
		zap.String("trip_id", trip.ID),
		zap.String("stage", string(trip.Status)),
	)
	if s.notificationService != nil {
		_ = s.notificationService.NotifyStageCommitted(ctx, trip)
	}
}

// OnReplayCommitted is the queue's commit hook: stage changes applied during
// a flush are reported like direct ones.
func (s *TripService) OnReplayCommitted(ctx context.Context, action domain.PendingAction, trip *domain.Trip) {
	s.committed(ctx, trip)
}

// CancelTrip applies an external cancellation to the active trip. It is
// committed directly; queued actions for the trip become moot.
func (s *TripService) CancelTrip(ctx context.Context, tripID, reason string) (*domain.Trip, error) {
	if tripID == "" {
		return nil, ErrInvalidTripID
	}

	active, err := s.tripRepo.ActiveTrip(ctx)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, repository.ErrNoActiveTrip
	}
	if active.ID != tripID {
		return nil, ErrTripNotActive
	}
	if active.Status.Terminal() {
		return nil, ErrTripAlreadyTerminal
	}

	trip, err := s.tripRepo.CommitTripStage(ctx, tripID, domain.StageCancelled, reason)
	if err != nil {
		return nil, err
	}

	s.committed(ctx, trip)
	return trip, nil
}

// Jobs returns the jobs list, history included.
func (s *TripService) Jobs(ctx context.Context) ([]domain.Trip, error) {
	return s.tripRepo.Jobs(ctx)
}

// PendingPODUploads returns POD uploads awaiting submission.
func (s *TripService) PendingPODUploads(ctx context.Context) ([]domain.PODUpload, error) {
	return s.podRepo.List(ctx)
}
