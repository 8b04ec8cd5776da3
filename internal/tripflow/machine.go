// Package tripflow decides which action a driver may take next on a trip.
// Everything here is pure: no storage, no clocks, no logging.
package tripflow

import (
	"errors"
	"fmt"

	"tripsync/internal/domain"
)

var (
	// ErrAssignmentCancelled is returned when dispatch cancelled the assignment.
	ErrAssignmentCancelled = errors.New("assignment cancelled")

	// ErrDutyBlocked is returned when the driver has exhausted hours of service.
	ErrDutyBlocked = errors.New("duty blocked: hours of service exceeded")

	// ErrHealthBlocked is returned when the daily health check failed.
	ErrHealthBlocked = errors.New("health check blocked")

	// ErrVehicleBlocked is returned when the vehicle inspection failed.
	ErrVehicleBlocked = errors.New("vehicle inspection blocked")

	// ErrStageSkipped is returned when a transition jumps over a stage.
	ErrStageSkipped = errors.New("transition skips a stage")

	// ErrStageRegression is returned when a transition moves backwards.
	ErrStageRegression = errors.New("transition moves backwards")

	// ErrTerminalStage is returned when transitioning out of COMPLETED or CANCELLED.
	ErrTerminalStage = errors.New("trip is in a terminal stage")

	// ErrNoChange is returned when the target equals the current stage.
	ErrNoChange = errors.New("trip already in target stage")

	// ErrUnknownStage is returned for stages outside the lifecycle.
	ErrUnknownStage = errors.New("unknown stage")
)

// ActionKind names the driver-facing action.
type ActionKind string

const (
	ActionStartPickupDrive ActionKind = "START_PICKUP_DRIVE"
	ActionArrivedPickup    ActionKind = "MARK_ARRIVED_PICKUP"
	ActionVerifyPickupOTP  ActionKind = "VERIFY_PICKUP_OTP"
	ActionStartTransit     ActionKind = "START_TRANSIT"
	ActionArrivedDrop      ActionKind = "MARK_ARRIVED_DROP"
	ActionVerifyDropOTP    ActionKind = "VERIFY_DELIVERY_OTP"
	ActionUploadPOD        ActionKind = "UPLOAD_POD"
	ActionCompleteTrip     ActionKind = "COMPLETE_TRIP"
)

// OTPMode tells the UI which OTP prompt to show.
type OTPMode string

const (
	OTPNone     OTPMode = ""
	OTPPickup   OTPMode = "PICKUP"
	OTPDelivery OTPMode = "DELIVERY"
)

// Action describes the single next step available on a trip.
type Action struct {
	Kind              ActionKind   `json:"kind"`
	Label             string       `json:"label"`
	NextStage         domain.Stage `json:"nextStage"`
	OTPMode           OTPMode      `json:"otpMode,omitempty"`
	RequiresPODUpload bool         `json:"requiresPodUpload,omitempty"`
	IsCompletion      bool         `json:"isCompletionAction,omitempty"`
}

// BlockedError reports an action that exists but a gate forbids.
type BlockedError struct {
	Action *Action
	Reason error
}

func (e *BlockedError) Error() string {
	if e.Action == nil {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%s blocked: %v", e.Action.Label, e.Reason)
}

func (e *BlockedError) Unwrap() error {
	return e.Reason
}

var table = map[domain.Stage]Action{
	domain.StageAssigned: {
		Kind: ActionStartPickupDrive, Label: "Start Pickup Drive", NextStage: domain.StageEnRoutePickup,
	},
	domain.StageActive: {
		Kind: ActionStartPickupDrive, Label: "Start Pickup Drive", NextStage: domain.StageEnRoutePickup,
	},
	domain.StageEnRoutePickup: {
		Kind: ActionArrivedPickup, Label: "Mark Arrived Pickup", NextStage: domain.StageArrivedPickup,
	},
	domain.StageArrivedPickup: {
		Kind: ActionVerifyPickupOTP, Label: "Verify Pickup OTP", NextStage: domain.StagePickupConfirmed, OTPMode: OTPPickup,
	},
	domain.StagePickupConfirmed: {
		Kind: ActionStartTransit, Label: "Start Transit", NextStage: domain.StageInTransit,
	},
	domain.StageInTransit: {
		Kind: ActionArrivedDrop, Label: "Mark Arrived Drop", NextStage: domain.StageArrivedDrop,
	},
	domain.StageArrivedDrop: {
		Kind: ActionVerifyDropOTP, Label: "Verify Delivery OTP", NextStage: domain.StageDeliveryConfirmed, OTPMode: OTPDelivery,
	},
	domain.StageDeliveryConfirmed: {
		Kind: ActionUploadPOD, Label: "Upload POD", NextStage: domain.StagePODUploaded, RequiresPODUpload: true,
	},
	domain.StagePODUploaded: {
		Kind: ActionCompleteTrip, Label: "Complete Trip", NextStage: domain.StageCompleted, IsCompletion: true,
	},
}

// Next returns the action available from stage under the given gates.
// A nil action with a nil error means the trip is terminal.
func Next(stage domain.Stage, gates domain.Gates) (*Action, error) {
	if gates.AssignmentCancelled {
		var blocked *Action
		if a, ok := table[stage]; ok {
			blocked = &a
		}
		return nil, &BlockedError{Action: blocked, Reason: ErrAssignmentCancelled}
	}

	if stage.Terminal() {
		return nil, nil
	}

	a, ok := table[stage]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}

	if !a.IsCompletion {
		switch {
		case gates.HOSExceeded:
			return nil, &BlockedError{Action: &a, Reason: ErrDutyBlocked}
		case gates.HealthBlocked:
			return nil, &BlockedError{Action: &a, Reason: ErrHealthBlocked}
		case gates.VehicleBlocked:
			return nil, &BlockedError{Action: &a, Reason: ErrVehicleBlocked}
		}
	}

	return &a, nil
}

// Validate checks that moving from one stage to another is a single forward
// step, or a cancellation of a live trip.
func Validate(from, to domain.Stage) error {
	if !from.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStage, from)
	}
	if !to.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStage, to)
	}
	if from == to {
		return ErrNoChange
	}
	if from.Terminal() {
		return ErrTerminalStage
	}
	if to == domain.StageCancelled {
		return nil
	}

	fromRank, toRank := from.Rank(), to.Rank()
	switch {
	case toRank <= fromRank:
		return ErrStageRegression
	case toRank > fromRank+1:
		return fmt.Errorf("%w: %s -> %s", ErrStageSkipped, from, to)
	}
	return nil
}

// Path returns the stages strictly after from, up to and including to, in
// lifecycle order. It returns nil when to is not ahead of from.
func Path(from, to domain.Stage) []domain.Stage {
	fromRank, toRank := from.Rank(), to.Rank()
	if fromRank < 0 || toRank <= fromRank {
		return nil
	}
	life := domain.Lifecycle()
	return life[fromRank+1 : toRank+1]
}
