package repository

import "errors"

var (
	// ErrNoActiveTrip is returned when an operation needs an active trip and none is set.
	ErrNoActiveTrip = errors.New("no active trip")

	// ErrTripSuperseded is returned when the active trip is not the one addressed.
	ErrTripSuperseded = errors.New("trip is not the active trip")

	// ErrActiveTripExists is returned when assigning while another trip is live.
	ErrActiveTripExists = errors.New("another trip is already active")
)
