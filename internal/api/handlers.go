// Package api exposes the read-side HTTP endpoints: health, the agent
// and task views, project status, and the on-demand conflict scan.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/coordhub/coordhub/internal/common/logger"
	"github.com/coordhub/coordhub/internal/conflict"
	"github.com/coordhub/coordhub/internal/coordinator"
	"github.com/coordhub/coordhub/internal/hub"
	"github.com/coordhub/coordhub/internal/registry"
)

// Handler contains the HTTP handlers for the coordination API.
type Handler struct {
	registry    *registry.Registry
	coordinator *coordinator.Coordinator
	detector    *conflict.Detector
	hub         *hub.Hub
	logger      *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(reg *registry.Registry, coord *coordinator.Coordinator, det *conflict.Detector, eventHub *hub.Hub, log *logger.Logger) *Handler {
	return &Handler{
		registry:    reg,
		coordinator: coord,
		detector:    det,
		hub:         eventHub,
		logger:      log,
	}
}

// Health reports liveness and headline counts.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"agents":    len(h.registry.List()),
		"tasks":     len(h.coordinator.ListTasks()),
	})
}

// ListAgents returns every known agent in registration order.
// GET /api/agents
func (h *Handler) ListAgents(c *gin.Context) {
	agents := h.registry.List()
	c.JSON(http.StatusOK, gin.H{
		"agents": agents,
		"count":  len(agents),
	})
}

// ListTasks returns every task in creation order.
// GET /api/tasks
func (h *Handler) ListTasks(c *gin.Context) {
	tasks := h.coordinator.ListTasks()
	c.JSON(http.StatusOK, gin.H{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// ScanConflicts runs a detection pass, kicks off resolution in the
// background, and returns what was found.
// GET /api/conflicts
func (h *Handler) ScanConflicts(c *gin.Context) {
	conflicts := h.detector.Detect()
	if len(conflicts) > 0 {
		go h.detector.Resolve(context.Background(), conflicts)
	}

	c.JSON(http.StatusOK, gin.H{
		"conflicts": conflicts,
		"count":     len(conflicts),
	})
}

// ProjectStatus returns the aggregate coordination view.
// GET /api/status
func (h *Handler) ProjectStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.coordinator.ProjectStatus())
}

// ListEvents returns recent events from the history ring, oldest first,
// optionally filtered by type and bounded by limit.
// GET /api/events?type=task_assigned&limit=50
func (h *Handler) ListEvents(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	events := h.hub.Recent(limit)
	if eventType := c.Query("type"); eventType != "" {
		events = h.hub.ByType(eventType, limit)
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}
