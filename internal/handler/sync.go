package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"tripsync/internal/domain"
	"tripsync/internal/service"
)

// QueueLister reads the persisted pending action queue and its dead letters.
type QueueLister interface {
	List(ctx context.Context) ([]domain.PendingAction, error)
	DeadLetters(ctx context.Context) ([]domain.PendingAction, error)
}

// SyncHandler exposes the operations coordinator.
type SyncHandler struct {
	coordinator *service.Coordinator
	queue       QueueLister
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(coordinator *service.Coordinator, queue QueueLister) *SyncHandler {
	return &SyncHandler{
		coordinator: coordinator,
		queue:       queue,
	}
}

// QueueActionRequest is the HTTP request body for queueing an action.
type QueueActionRequest struct {
	Type    domain.ActionType    `json:"type"`
	Payload domain.ActionPayload `json:"payload"`
}

// GetStatus handles GET /v1/sync/status
func (h *SyncHandler) GetStatus(c *gin.Context) {
	respondJSON(c, http.StatusOK, h.coordinator.Status())
}

// Sync handles POST /v1/sync
func (h *SyncHandler) Sync(c *gin.Context) {
	if err := h.coordinator.SyncQueue(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, h.coordinator.Status())
}

// ListQueue handles GET /v1/sync/queue
func (h *SyncHandler) ListQueue(c *gin.Context) {
	actions, err := h.queue.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, gin.H{
		"actions": actions,
		"count":   len(actions),
	})
}

// ListDeadLetters handles GET /v1/sync/dead-letters
func (h *SyncHandler) ListDeadLetters(c *gin.Context) {
	actions, err := h.queue.DeadLetters(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, gin.H{
		"actions": actions,
		"count":   len(actions),
	})
}

// QueueAction handles POST /v1/actions
func (h *SyncHandler) QueueAction(c *gin.Context) {
	var req QueueActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}

	action, err := h.coordinator.QueueOperationalAction(c.Request.Context(), req.Type, req.Payload)
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusAccepted, gin.H{
		"action":           action,
		"pendingSyncCount": h.coordinator.PendingSyncCount(),
	})
}
