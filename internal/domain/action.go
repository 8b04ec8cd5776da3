package domain

import "time"

// ActionType identifies what a pending action does when replayed.
type ActionType string

const (
	ActionTripStateTransition ActionType = "TRIP_STATE_TRANSITION"
	ActionOTPVerification     ActionType = "OTP_VERIFICATION"
	ActionPODUpload           ActionType = "PROOF_OF_DELIVERY_UPLOAD"
)

// ActionStatus is always pending while a record sits in the queue.
type ActionStatus string

const ActionStatusPending ActionStatus = "pending"

// ActionPayload carries the data an action needs at replay time.
type ActionPayload struct {
	TripID       string         `json:"tripId"`
	NextState    Stage          `json:"nextState,omitempty"`
	OTP          string         `json:"otp,omitempty"`
	PODReference string         `json:"podReference,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// PendingAction is a state change recorded while offline, awaiting replay.
type PendingAction struct {
	ID        string        `json:"id"`
	Type      ActionType    `json:"type"`
	Payload   ActionPayload `json:"payload"`
	Status    ActionStatus  `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
}

// PODUploadID is the upload id for tripID's proof of delivery. Retries reuse
// it, so the pending uploads list keeps one entry per trip.
func PODUploadID(tripID string) string {
	return tripID + ":pod"
}

// PODUpload is a proof-of-delivery artifact awaiting real submission.
type PODUpload struct {
	ActionID   string    `json:"actionId"`
	TripID     string    `json:"tripId"`
	Reference  string    `json:"reference"`
	QueuedAt   time.Time `json:"queuedAt"`
	AppendedAt time.Time `json:"appendedAt"`
}
