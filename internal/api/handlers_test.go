package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coordhub/coordhub/internal/common/logger"
	"github.com/coordhub/coordhub/internal/conflict"
	"github.com/coordhub/coordhub/internal/coordinator"
	"github.com/coordhub/coordhub/internal/gateway/sse"
	"github.com/coordhub/coordhub/internal/gateway/websocket"
	"github.com/coordhub/coordhub/internal/hub"
	"github.com/coordhub/coordhub/internal/registry"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *registry.Registry, *coordinator.Coordinator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	eventHub := hub.New(nil, 100, 16, log)
	t.Cleanup(eventHub.Close)

	reg := registry.NewRegistry(eventHub, log)
	coord := coordinator.NewCoordinator(reg, eventHub, log)
	detector := conflict.NewDetector(reg, coord, eventHub, log)

	gateway := websocket.NewGateway(reg, coord, detector, eventHub, log)
	router := NewRouter(&Services{
		Registry:    reg,
		Coordinator: coord,
		Detector:    detector,
		Hub:         eventHub,
		WSHandler:   websocket.NewHandler(gateway, log),
		SSEHandler:  sse.NewHandler(eventHub, log),
	}, log)

	return router, reg, coord
}

func doGET(t *testing.T, router *gin.Engine, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestHealthEndpoint(t *testing.T) {
	router, reg, coord := setupTestRouter(t)
	reg.Register("agent-1", "", nil, "ch-1")
	_, err := coord.CreateTask(&coordinator.CreateTaskRequest{Description: "build"})
	require.NoError(t, err)

	w, body := doGET(t, router, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["agents"])
	assert.Equal(t, float64(1), body["tasks"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestListAgentsEndpoint(t *testing.T) {
	router, reg, _ := setupTestRouter(t)

	w, body := doGET(t, router, "/api/agents")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["count"])

	reg.Register("agent-1", "builder", []string{"go"}, "ch-1")

	_, body = doGET(t, router, "/api/agents")
	assert.Equal(t, float64(1), body["count"])
	agents := body["agents"].([]interface{})
	require.Len(t, agents, 1)
	agent := agents[0].(map[string]interface{})
	assert.Equal(t, "agent-1", agent["id"])
	assert.Equal(t, "online", agent["status"])
}

func TestListTasksEndpoint(t *testing.T) {
	router, _, coord := setupTestRouter(t)
	task, err := coord.CreateTask(&coordinator.CreateTaskRequest{Description: "build"})
	require.NoError(t, err)

	w, body := doGET(t, router, "/api/tasks")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["count"])
	tasks := body["tasks"].([]interface{})
	require.Len(t, tasks, 1)
	got := tasks[0].(map[string]interface{})
	assert.Equal(t, task.ID, got["id"])
	assert.Equal(t, "pending", got["status"])
}

func TestProjectStatusEndpoint(t *testing.T) {
	router, _, coord := setupTestRouter(t)

	w, body := doGET(t, router, "/api/status")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "initializing", body["status"])

	_, err := coord.CreateTask(&coordinator.CreateTaskRequest{Description: "build"})
	require.NoError(t, err)

	_, body = doGET(t, router, "/api/status")
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, float64(1), body["totalTasks"])
}

func TestScanConflictsEndpoint(t *testing.T) {
	router, reg, coord := setupTestRouter(t)

	w, body := doGET(t, router, "/api/conflicts")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["count"])

	// A partial-coverage assignment shows up as a capability mismatch.
	reg.Register("agent-1", "", []string{"go"}, "ch-1")
	task, err := coord.CreateTask(&coordinator.CreateTaskRequest{
		Description:          "needs more",
		RequiredCapabilities: []string{"go", "sql"},
	})
	require.NoError(t, err)
	_, err = coord.AssignOptimal(task.ID)
	require.NoError(t, err)

	_, body = doGET(t, router, "/api/conflicts")
	assert.Equal(t, float64(1), body["count"])
	conflicts := body["conflicts"].([]interface{})
	got := conflicts[0].(map[string]interface{})
	assert.Equal(t, "capability_mismatch", got["type"])
	assert.Equal(t, "low", got["severity"])
}

func TestListEventsEndpoint(t *testing.T) {
	router, reg, coord := setupTestRouter(t)
	reg.Register("agent-1", "", nil, "ch-1")
	_, err := coord.CreateTask(&coordinator.CreateTaskRequest{Description: "build"})
	require.NoError(t, err)

	w, body := doGET(t, router, "/api/events")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["count"])

	_, body = doGET(t, router, "/api/events?type=task_created")
	assert.Equal(t, float64(1), body["count"])
	events := body["events"].([]interface{})
	got := events[0].(map[string]interface{})
	assert.Equal(t, "task_created", got["type"])

	_, body = doGET(t, router, "/api/events?limit=1")
	assert.Equal(t, float64(1), body["count"])

	w, _ = doGET(t, router, "/api/events?limit=-1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
