package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tripsync/internal/domain"
	"tripsync/internal/service"
)

// DutyHandler exposes hours of service and the daily compliance checks.
type DutyHandler struct {
	complianceService *service.ComplianceService
}

// NewDutyHandler creates a new DutyHandler.
func NewDutyHandler(complianceService *service.ComplianceService) *DutyHandler {
	return &DutyHandler{complianceService: complianceService}
}

// AddDrivingRequest is the HTTP request body for recording driving time.
type AddDrivingRequest struct {
	Minutes int `json:"minutes"`
}

// GetDuty handles GET /v1/duty
func (h *DutyHandler) GetDuty(c *gin.Context) {
	ctx := c.Request.Context()

	status, err := h.complianceService.DutyStatus(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	flags, err := h.complianceService.Compliance(ctx)
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, gin.H{
		"duty":       status,
		"compliance": flags,
	})
}

// AddDriving handles POST /v1/duty/driving
func (h *DutyHandler) AddDriving(c *gin.Context) {
	var req AddDrivingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}

	status, err := h.complianceService.AddDriving(c.Request.Context(), req.Minutes)
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, status)
}

// SetCompliance handles PUT /v1/compliance
func (h *DutyHandler) SetCompliance(c *gin.Context) {
	var flags domain.ComplianceFlags
	if err := c.ShouldBindJSON(&flags); err != nil {
		invalidBody(c)
		return
	}

	if err := h.complianceService.SetCompliance(c.Request.Context(), flags); err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, flags)
}
