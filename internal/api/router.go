package api

import (
	"github.com/gin-gonic/gin"

	"github.com/coordhub/coordhub/internal/common/logger"
	"github.com/coordhub/coordhub/internal/conflict"
	"github.com/coordhub/coordhub/internal/coordinator"
	"github.com/coordhub/coordhub/internal/gateway/sse"
	"github.com/coordhub/coordhub/internal/gateway/websocket"
	"github.com/coordhub/coordhub/internal/hub"
	"github.com/coordhub/coordhub/internal/registry"
)

// Services bundles everything the router serves.
type Services struct {
	Registry    *registry.Registry
	Coordinator *coordinator.Coordinator
	Detector    *conflict.Detector
	Hub         *hub.Hub
	WSHandler   *websocket.Handler
	SSEHandler  *sse.Handler
}

// NewRouter builds the gin engine with all routes attached.
func NewRouter(svc *Services, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(CORS())
	router.Use(RequestLogger(log))

	handler := NewHandler(svc.Registry, svc.Coordinator, svc.Detector, svc.Hub, log)

	router.GET("/health", handler.Health)
	router.GET("/ws", svc.WSHandler.HandleConnection)
	router.GET("/events", svc.SSEHandler.Stream)

	api := router.Group("/api")
	{
		api.GET("/agents", handler.ListAgents)
		api.GET("/tasks", handler.ListTasks)
		api.GET("/conflicts", handler.ScanConflicts)
		api.GET("/status", handler.ProjectStatus)
		api.GET("/events", handler.ListEvents)
	}

	return router
}
