package service

import "errors"

var (
	// ErrInvalidTripID is returned when trip ID is empty.
	ErrInvalidTripID = errors.New("invalid trip id")

	// ErrInvalidEarnings is returned when earnings are negative.
	ErrInvalidEarnings = errors.New("earnings must not be negative")

	// ErrInvalidActionType is returned when an action type is empty.
	ErrInvalidActionType = errors.New("invalid action type")

	// ErrInvalidOTP is returned when an OTP step is attempted without a 4-6 digit code.
	ErrInvalidOTP = errors.New("otp must be 4 to 6 digits")

	// ErrMissingPOD is returned when the POD step is attempted without a reference.
	ErrMissingPOD = errors.New("proof of delivery reference required")

	// ErrTripNotActive is returned when the addressed trip is not the active trip.
	ErrTripNotActive = errors.New("trip is not the active trip")

	// ErrNoActionAvailable is returned when advancing a trip in a terminal stage.
	ErrNoActionAvailable = errors.New("no action available for trip")

	// ErrTripAlreadyTerminal is returned when cancelling a finished trip.
	ErrTripAlreadyTerminal = errors.New("trip already completed or cancelled")

	// ErrFlushLocked is returned when another agent holds the flush lease.
	ErrFlushLocked = errors.New("queue flush already running elsewhere")
)
