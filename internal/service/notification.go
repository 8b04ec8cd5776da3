package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tripsync/internal/domain"
	"tripsync/internal/duty"
	"tripsync/internal/queue"
	"tripsync/internal/tripflow"
)

// Publisher delivers events to whoever listens: a log, a broker.
type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// LogPublisher writes events to the log.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a new LogPublisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs the event.
func (p *LogPublisher) Publish(ctx context.Context, event domain.Event) error {
	p.logger.Info("event",
		zap.String("type", string(event.Type)),
		zap.String("trip_id", event.TripID),
		zap.String("title", event.Title),
		zap.String("message", event.Message),
	)
	return nil
}

// NotificationService turns trip and sync happenings into events.
type NotificationService struct {
	publisher Publisher
	logger    *zap.Logger
}

// NewNotificationService creates a new NotificationService.
func NewNotificationService(publisher Publisher, logger *zap.Logger) *NotificationService {
	return &NotificationService{publisher: publisher, logger: logger}
}

// NotifyTripAssigned announces a newly assigned trip.
func (s *NotificationService) NotifyTripAssigned(ctx context.Context, trip *domain.Trip) error {
	return s.send(ctx, domain.Event{
		Type:    domain.EventTripAssigned,
		TripID:  trip.ID,
		Title:   "New Trip Assigned",
		Message: fmt.Sprintf("Pickup at %s, drop at %s", trip.PickupLocation, trip.DropLocation),
		Data: map[string]interface{}{
			"pickup_location": trip.PickupLocation,
			"drop_location":   trip.DropLocation,
			"earnings":        trip.Earnings,
		},
	})
}

// NotifyStageCommitted announces a committed stage change. Completion and
// cancellation get their own event types.
func (s *NotificationService) NotifyStageCommitted(ctx context.Context, trip *domain.Trip) error {
	event := domain.Event{
		Type:    domain.EventStageChanged,
		TripID:  trip.ID,
		Title:   "Trip Updated",
		Message: fmt.Sprintf("Trip %s is now %s", trip.ID, trip.Status),
		Data: map[string]interface{}{
			"stage": trip.Status,
		},
	}

	switch trip.Status {
	case domain.StageCompleted:
		event.Type = domain.EventTripCompleted
		event.Title = "Trip Completed"
		event.Message = fmt.Sprintf("Trip %s completed. Earnings: %.2f", trip.ID, trip.Earnings)
		event.Data["earnings"] = trip.Earnings
	case domain.StageCancelled:
		event.Type = domain.EventTripCancelled
		event.Title = "Trip Cancelled"
		event.Message = fmt.Sprintf("Trip %s was cancelled", trip.ID)
		event.Data["reason"] = trip.CancellationReason
	}

	return s.send(ctx, event)
}

// NotifyActionQueued tells the driver an action was saved for later sync.
func (s *NotificationService) NotifyActionQueued(ctx context.Context, action domain.PendingAction, pending int) error {
	return s.send(ctx, domain.Event{
		Type:    domain.EventActionQueued,
		TripID:  action.Payload.TripID,
		Title:   "Queued for Sync",
		Message: "You are offline. This update will sync when you reconnect.",
		Data: map[string]interface{}{
			"action_id":     action.ID,
			"action_type":   action.Type,
			"pending_count": pending,
		},
	})
}

// NotifySyncCompleted reports a finished flush.
func (s *NotificationService) NotifySyncCompleted(ctx context.Context, result queue.FlushResult) error {
	return s.send(ctx, domain.Event{
		Type:    domain.EventSyncCompleted,
		Title:   "Sync Complete",
		Message: fmt.Sprintf("%d updates synced, %d still pending", result.Applied+result.Moot, result.Remaining),
		Data: map[string]interface{}{
			"applied":   result.Applied,
			"moot":      result.Moot,
			"failed":    result.Failed,
			"deferred":  result.Deferred,
			"dropped":   result.Dropped,
			"remaining": result.Remaining,
		},
	})
}

// NotifySyncFailed reports a flush that could not run or persist.
func (s *NotificationService) NotifySyncFailed(ctx context.Context, err error, pending int) error {
	return s.send(ctx, domain.Event{
		Type:    domain.EventSyncFailed,
		Title:   "Sync Failed",
		Message: "Some updates could not be synced and will be retried.",
		Data: map[string]interface{}{
			"error":         err.Error(),
			"pending_count": pending,
		},
	})
}

// NotifyTransitionBlocked explains why the next action cannot be taken.
func (s *NotificationService) NotifyTransitionBlocked(ctx context.Context, tripID string, blocked *tripflow.BlockedError) error {
	data := map[string]interface{}{
		"reason": blocked.Reason.Error(),
	}
	if blocked.Action != nil {
		data["action"] = blocked.Action.Kind
	}
	return s.send(ctx, domain.Event{
		Type:    domain.EventTransitionBlocked,
		TripID:  tripID,
		Title:   "Action Blocked",
		Message: blocked.Error(),
		Data:    data,
	})
}

// NotifyDutyWarning warns that the driving limit is close or reached.
func (s *NotificationService) NotifyDutyWarning(ctx context.Context, status duty.Status) error {
	message := fmt.Sprintf("%d driving minutes left today", status.Remaining)
	if status.Exceeded {
		message = "Daily driving limit reached. Only trip completion is allowed."
	}
	return s.send(ctx, domain.Event{
		Type:    domain.EventDutyLimitWarning,
		Title:   "Hours of Service",
		Message: message,
		Data: map[string]interface{}{
			"minutes":  status.Minutes,
			"exceeded": status.Exceeded,
		},
	})
}

// NotifyConnectivityChanged reports an online/offline transition.
func (s *NotificationService) NotifyConnectivityChanged(ctx context.Context, online bool, pending int) error {
	title, message := "Offline", "Updates will be queued until you reconnect."
	if online {
		title, message = "Back Online", "Syncing queued updates."
	}
	return s.send(ctx, domain.Event{
		Type:    domain.EventConnectivityChange,
		Title:   title,
		Message: message,
		Data: map[string]interface{}{
			"online":        online,
			"pending_count": pending,
		},
	})
}

// send stamps and publishes the event. Failures are logged and returned;
// callers treat notifications as best effort.
func (s *NotificationService) send(ctx context.Context, event domain.Event) error {
	event.ID = uuid.New().String()
	event.CreatedAt = time.Now().UTC()

	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("type", string(event.Type)),
			zap.String("trip_id", event.TripID),
			zap.Error(err),
		)
		return err
	}
	return nil
}
