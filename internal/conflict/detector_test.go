package conflict

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coordhub/coordhub/internal/common/logger"
	"github.com/coordhub/coordhub/internal/coordinator"
	"github.com/coordhub/coordhub/internal/events"
	"github.com/coordhub/coordhub/internal/registry"
	v1 "github.com/coordhub/coordhub/pkg/api/v1"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *eventRecorder) Emit(e *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func newTestDetector(t *testing.T) (*Detector, *coordinator.Coordinator, *registry.Registry, *eventRecorder) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	rec := &eventRecorder{}
	reg := registry.NewRegistry(rec, log)
	coord := coordinator.NewCoordinator(reg, rec, log)
	return NewDetector(reg, coord, rec, log), coord, reg, rec
}

func TestDetectCleanState(t *testing.T) {
	det, coord, reg, rec := newTestDetector(t)
	reg.Register("agent-1", "", []string{"go"}, "ch-1")
	task, _ := coord.CreateTask(&coordinator.CreateTaskRequest{
		Description:          "build",
		RequiredCapabilities: []string{"go"},
	})
	_, err := coord.AssignOptimal(task.ID)
	require.NoError(t, err)

	conflicts := det.Detect()
	assert.Empty(t, conflicts)
	assert.NotContains(t, rec.types(), events.ConflictsDetected)
}

func TestDetectCapabilityMismatch(t *testing.T) {
	det, coord, reg, rec := newTestDetector(t)
	reg.Register("agent-1", "", []string{"go"}, "ch-1")

	// The matcher accepts the best partial candidate, which the detector
	// then reports as a low-severity mismatch.
	task, _ := coord.CreateTask(&coordinator.CreateTaskRequest{
		Description:          "needs sql too",
		RequiredCapabilities: []string{"go", "sql"},
	})
	_, err := coord.AssignOptimal(task.ID)
	require.NoError(t, err)

	conflicts := det.Detect()
	require.Len(t, conflicts, 1)
	assert.Equal(t, v1.ConflictCapabilityMismatch, conflicts[0].Type)
	assert.Equal(t, v1.ConflictSeverityLow, conflicts[0].Severity)
	assert.Equal(t, []string{task.ID}, conflicts[0].TaskIDs)
	assert.Equal(t, []string{"agent-1"}, conflicts[0].AgentIDs)
	assert.Contains(t, conflicts[0].Resolution, "sql")

	assert.Contains(t, rec.types(), events.ConflictsDetected)
}

func TestDetectDependencyDeadlockCycle(t *testing.T) {
	tasks := []*v1.Task{
		{ID: "t1", Status: v1.TaskStatusPending, Dependencies: []string{"t2"}},
		{ID: "t2", Status: v1.TaskStatusPending, Dependencies: []string{"t1"}},
		{ID: "t3", Status: v1.TaskStatusPending, Dependencies: []string{"t1"}},
	}

	conflicts := detectDependencyDeadlocks(tasks)
	require.Len(t, conflicts, 1)
	assert.Equal(t, v1.ConflictDependencyDeadlock, conflicts[0].Type)
	assert.Equal(t, v1.ConflictSeverityHigh, conflicts[0].Severity)
	assert.ElementsMatch(t, []string{"t1", "t2"}, conflicts[0].TaskIDs)
}

func TestDetectDependencyDeadlockSelfLoop(t *testing.T) {
	tasks := []*v1.Task{
		{ID: "t1", Status: v1.TaskStatusPending, Dependencies: []string{"t1"}},
	}

	conflicts := detectDependencyDeadlocks(tasks)
	require.Len(t, conflicts, 1)
	assert.Equal(t, []string{"t1"}, conflicts[0].TaskIDs)
}

func TestDetectDependencyDeadlockReportedOnce(t *testing.T) {
	// The same cycle is reachable from several entry points but must be
	// reported a single time.
	tasks := []*v1.Task{
		{ID: "a", Status: v1.TaskStatusPending, Dependencies: []string{"b"}},
		{ID: "b", Status: v1.TaskStatusPending, Dependencies: []string{"c"}},
		{ID: "c", Status: v1.TaskStatusPending, Dependencies: []string{"a"}},
		{ID: "d", Status: v1.TaskStatusPending, Dependencies: []string{"b"}},
	}

	conflicts := detectDependencyDeadlocks(tasks)
	require.Len(t, conflicts, 1)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, conflicts[0].TaskIDs)
}

func TestDetectDependencyDanglingIsNotDeadlock(t *testing.T) {
	tasks := []*v1.Task{
		{ID: "t1", Status: v1.TaskStatusPending, Dependencies: []string{"no-such-task"}},
	}
	assert.Empty(t, detectDependencyDeadlocks(tasks))
}

func TestDetectResourceContention(t *testing.T) {
	tasks := []*v1.Task{
		{ID: "t1", Status: v1.TaskStatusAssigned, AssignedAgent: "agent-1"},
		{ID: "t2", Status: v1.TaskStatusInProgress, AssignedAgent: "agent-1"},
		{ID: "t3", Status: v1.TaskStatusCompleted, AssignedAgent: "agent-1"},
	}
	agents := []*v1.Agent{
		{ID: "agent-1", Status: v1.AgentStatusBusy},
	}

	conflicts := detectResourceContention(tasks, agents)
	require.Len(t, conflicts, 1)
	assert.Equal(t, v1.ConflictResourceContention, conflicts[0].Type)
	assert.Equal(t, v1.ConflictSeverityMedium, conflicts[0].Severity)
	assert.ElementsMatch(t, []string{"t1", "t2"}, conflicts[0].TaskIDs)
	assert.Equal(t, []string{"agent-1"}, conflicts[0].AgentIDs)
}

func TestDetectResourceContentionSingleTaskIsFine(t *testing.T) {
	tasks := []*v1.Task{
		{ID: "t1", Status: v1.TaskStatusAssigned, AssignedAgent: "agent-1"},
	}
	agents := []*v1.Agent{
		{ID: "agent-1", Status: v1.AgentStatusBusy},
	}
	assert.Empty(t, detectResourceContention(tasks, agents))
}

func TestResolveEmitsProtocol(t *testing.T) {
	det, _, _, rec := newTestDetector(t)

	conflicts := []*v1.Conflict{{
		Type:       v1.ConflictCapabilityMismatch,
		Severity:   v1.ConflictSeverityLow,
		Resolution: "noop",
	}}

	start := time.Now()
	det.Resolve(context.Background(), conflicts)
	elapsed := time.Since(start)

	types := rec.types()
	assert.Contains(t, types, events.ConflictResolutionStarted)
	assert.Contains(t, types, events.ConflictResolved)
	assert.GreaterOrEqual(t, elapsed, defaultResolutionDelay)
}

func TestResolveHonorsContextCancellation(t *testing.T) {
	det, _, _, rec := newTestDetector(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	det.Resolve(ctx, []*v1.Conflict{{
		Type:     v1.ConflictDependencyDeadlock,
		Severity: v1.ConflictSeverityHigh,
	}})

	types := rec.types()
	assert.Contains(t, types, events.ConflictResolutionStarted)
	assert.NotContains(t, types, events.ConflictResolved)
}
