package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"tripsync/internal/duty"
	"tripsync/internal/queue"
	"tripsync/internal/repository"
	"tripsync/internal/service"
	"tripsync/internal/tripflow"
)

// ErrorResponse represents an error response. BlockedAction is set when a
// gate refused an action that otherwise exists.
type ErrorResponse struct {
	Error         string           `json:"error"`
	BlockedAction *tripflow.Action `json:"blockedAction,omitempty"`
}

// respondError sends an error response with the appropriate HTTP status code.
func respondError(c *gin.Context, err error) {
	code := mapErrorToHTTPStatus(err)
	if code == http.StatusInternalServerError {
		_ = c.Error(err)
	}

	resp := ErrorResponse{Error: err.Error()}
	var blocked *tripflow.BlockedError
	if errors.As(err, &blocked) {
		resp.BlockedAction = blocked.Action
	}
	c.JSON(code, resp)
}

// respondJSON sends a JSON response with the given status code.
func respondJSON(c *gin.Context, code int, data any) {
	c.JSON(code, data)
}

func invalidBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
}

// mapErrorToHTTPStatus maps service/repository/state machine errors to HTTP
// status codes.
func mapErrorToHTTPStatus(err error) int {
	switch {
	// Not found errors
	case errors.Is(err, repository.ErrNoActiveTrip):
		return http.StatusNotFound

	// Validation errors - Bad Request
	case errors.Is(err, service.ErrInvalidTripID),
		errors.Is(err, service.ErrInvalidEarnings),
		errors.Is(err, service.ErrInvalidActionType),
		errors.Is(err, service.ErrInvalidOTP),
		errors.Is(err, service.ErrMissingPOD),
		errors.Is(err, queue.ErrUnknownActionType),
		errors.Is(err, queue.ErrInvalidPayload),
		errors.Is(err, duty.ErrNegativeMinutes):
		return http.StatusBadRequest

	// Conflict errors
	case errors.Is(err, repository.ErrActiveTripExists),
		errors.Is(err, repository.ErrTripSuperseded),
		errors.Is(err, service.ErrTripNotActive),
		errors.Is(err, service.ErrNoActionAvailable),
		errors.Is(err, service.ErrTripAlreadyTerminal),
		errors.Is(err, service.ErrFlushLocked),
		errors.Is(err, queue.ErrLocked),
		errors.Is(err, tripflow.ErrNoChange),
		errors.Is(err, tripflow.ErrStageSkipped),
		errors.Is(err, tripflow.ErrStageRegression),
		errors.Is(err, tripflow.ErrTerminalStage):
		return http.StatusConflict

	// Forbidden/Business rule errors
	case errors.Is(err, tripflow.ErrAssignmentCancelled),
		errors.Is(err, tripflow.ErrDutyBlocked),
		errors.Is(err, tripflow.ErrHealthBlocked),
		errors.Is(err, tripflow.ErrVehicleBlocked):
		return http.StatusForbidden

	// Default to internal server error
	default:
		return http.StatusInternalServerError
	}
}
