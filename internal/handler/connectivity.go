package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ConnectivityReporter accepts reachability reports from the UI shell.
type ConnectivityReporter interface {
	Set(online bool) bool
	Online() bool
}

// ConnectivityHandler lets the UI shell report OS-level reachability.
type ConnectivityHandler struct {
	reporter ConnectivityReporter
}

// NewConnectivityHandler creates a new ConnectivityHandler.
func NewConnectivityHandler(reporter ConnectivityReporter) *ConnectivityHandler {
	return &ConnectivityHandler{reporter: reporter}
}

// ConnectivityRequest is the HTTP request body for a reachability report.
type ConnectivityRequest struct {
	Online *bool `json:"online"`
}

// Report handles POST /v1/connectivity
func (h *ConnectivityHandler) Report(c *gin.Context) {
	var req ConnectivityRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Online == nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "online is required"})
		return
	}

	changed := h.reporter.Set(*req.Online)
	respondJSON(c, http.StatusOK, gin.H{
		"online":  *req.Online,
		"changed": changed,
	})
}

// Get handles GET /v1/connectivity
func (h *ConnectivityHandler) Get(c *gin.Context) {
	respondJSON(c, http.StatusOK, gin.H{"online": h.reporter.Online()})
}
