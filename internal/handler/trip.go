package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tripsync/internal/service"
)

// TripHandler handles HTTP requests for the active trip and the jobs list.
type TripHandler struct {
	tripService *service.TripService
}

// NewTripHandler creates a new TripHandler.
func NewTripHandler(tripService *service.TripService) *TripHandler {
	return &TripHandler{tripService: tripService}
}

// AssignTripRequest is the HTTP request body for assigning a trip.
type AssignTripRequest struct {
	ID             string  `json:"id"`
	PickupLocation string  `json:"pickupLocation"`
	DropLocation   string  `json:"dropLocation"`
	Earnings       float64 `json:"earnings"`
	Distance       string  `json:"distance,omitempty"`
	ETA            string  `json:"eta,omitempty"`
}

// AdvanceTripRequest is the HTTP request body for taking the next action.
type AdvanceTripRequest struct {
	OTP          string `json:"otp,omitempty"`
	PODReference string `json:"podReference,omitempty"`
}

// CancelTripRequest is the HTTP request body for cancelling a trip.
type CancelTripRequest struct {
	Reason string `json:"reason,omitempty"`
}

// AssignTrip handles POST /v1/trips
func (h *TripHandler) AssignTrip(c *gin.Context) {
	var req AssignTripRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}

	if req.PickupLocation == "" || req.DropLocation == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "pickupLocation and dropLocation are required"})
		return
	}

	trip, err := h.tripService.AssignTrip(c.Request.Context(), service.AssignTripRequest{
		ID:             req.ID,
		PickupLocation: req.PickupLocation,
		DropLocation:   req.DropLocation,
		Earnings:       req.Earnings,
		Distance:       req.Distance,
		ETA:            req.ETA,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusCreated, trip)
}

// ListJobs handles GET /v1/trips
func (h *TripHandler) ListJobs(c *gin.Context) {
	jobs, err := h.tripService.Jobs(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, gin.H{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetActiveTrip handles GET /v1/trips/active
func (h *TripHandler) GetActiveTrip(c *gin.Context) {
	trip, err := h.tripService.ActiveTrip(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, trip)
}

// GetNextAction handles GET /v1/trips/active/next-action
func (h *TripHandler) GetNextAction(c *gin.Context) {
	next, err := h.tripService.NextAction(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, next)
}

// Advance handles POST /v1/trips/:id/advance
func (h *TripHandler) Advance(c *gin.Context) {
	var req AdvanceTripRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidBody(c)
			return
		}
	}

	result, err := h.tripService.Advance(c.Request.Context(), service.AdvanceRequest{
		TripID:       c.Param("id"),
		OTP:          req.OTP,
		PODReference: req.PODReference,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	code := http.StatusOK
	if result.Queued {
		code = http.StatusAccepted
	}
	respondJSON(c, code, result)
}

// CancelTrip handles POST /v1/trips/:id/cancel
func (h *TripHandler) CancelTrip(c *gin.Context) {
	var req CancelTripRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidBody(c)
			return
		}
	}

	trip, err := h.tripService.CancelTrip(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, trip)
}

// ListPODUploads handles GET /v1/pod-uploads
func (h *TripHandler) ListPODUploads(c *gin.Context) {
	uploads, err := h.tripService.PendingPODUploads(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, gin.H{
		"uploads": uploads,
		"count":   len(uploads),
	})
}
