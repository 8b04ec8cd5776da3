package domain

import "time"

// EventType identifies a trip event sent to publishers.
type EventType string

const (
	EventTripAssigned       EventType = "TRIP_ASSIGNED"
	EventStageChanged       EventType = "TRIP_STAGE_CHANGED"
	EventTripCompleted      EventType = "TRIP_COMPLETED"
	EventTripCancelled      EventType = "TRIP_CANCELLED"
	EventActionQueued       EventType = "ACTION_QUEUED"
	EventSyncCompleted      EventType = "SYNC_COMPLETED"
	EventSyncFailed         EventType = "SYNC_FAILED"
	EventTransitionBlocked  EventType = "TRANSITION_BLOCKED"
	EventDutyLimitWarning   EventType = "DUTY_LIMIT_WARNING"
	EventConnectivityChange EventType = "CONNECTIVITY_CHANGED"
)

// Event is a notification about something that happened to a trip or to the
// sync machinery.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	TripID    string                 `json:"tripId,omitempty"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}
