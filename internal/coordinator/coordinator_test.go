package coordinator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coordhub/coordhub/internal/common/errors"
	"github.com/coordhub/coordhub/internal/common/logger"
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

// lastOfType returns the most recent event of the given type, or nil.
func (r *eventRecorder) lastOfType(eventType string) *events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			return r.events[i]
		}
	}
	return nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *registry.Registry, *eventRecorder) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	rec := &eventRecorder{}
	reg := registry.NewRegistry(rec, log)
	return NewCoordinator(reg, rec, log), reg, rec
}

func intPtr(v int) *int { return &v }

func TestCreateTaskDefaults(t *testing.T) {
	coord, _, rec := newTestCoordinator(t)

	task, err := coord.CreateTask(&CreateTaskRequest{Description: "build the thing"})
	require.NoError(t, err)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, v1.TaskStatusPending, task.Status)
	assert.Equal(t, v1.TaskPriorityMedium, task.Priority)
	assert.Equal(t, 0, task.Progress)
	assert.Contains(t, rec.types(), events.TaskCreated)
}

func TestCreateTaskValidation(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)

	_, err := coord.CreateTask(&CreateTaskRequest{Description: "   "})
	assert.Error(t, err)

	_, err = coord.CreateTask(&CreateTaskRequest{Description: "x", Priority: "urgent"})
	assert.Error(t, err)
}

func TestAssignOptimal(t *testing.T) {
	coord, reg, rec := newTestCoordinator(t)
	reg.Register("agent-1", "", []string{"go"}, "ch-1")

	task, err := coord.CreateTask(&CreateTaskRequest{
		Description:          "build",
		RequiredCapabilities: []string{"go"},
	})
	require.NoError(t, err)

	assignment, err := coord.AssignOptimal(task.ID)
	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.Equal(t, task.ID, assignment.TaskID)
	assert.Equal(t, "agent-1", assignment.AgentID)
	assert.NotEmpty(t, assignment.Reason)

	current, err := coord.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusAssigned, current.Status)
	assert.Equal(t, "agent-1", current.AssignedAgent)

	agent, err := reg.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusBusy, agent.Status)
	assert.Equal(t, task.ID, agent.CurrentTask)

	assert.Contains(t, rec.types(), events.TaskAssigned)
}

func TestAssignOptimalNoAgent(t *testing.T) {
	coord, _, rec := newTestCoordinator(t)

	task, err := coord.CreateTask(&CreateTaskRequest{Description: "build"})
	require.NoError(t, err)

	assignment, err := coord.AssignOptimal(task.ID)
	require.NoError(t, err)
	assert.Nil(t, assignment)

	pending := rec.lastOfType(events.TaskPending)
	require.NotNil(t, pending)
	assert.Equal(t, "no suitable agent online", pending.Payload["reason"])
}

func TestAssignOptimalUnknownTask(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	_, err := coord.AssignOptimal("nope")
	assert.True(t, errors.IsNotFound(err))
}

func TestAssignOptimalNonPending(t *testing.T) {
	coord, reg, _ := newTestCoordinator(t)
	reg.Register("agent-1", "", nil, "ch-1")

	task, _ := coord.CreateTask(&CreateTaskRequest{Description: "build"})
	_, err := coord.AssignOptimal(task.ID)
	require.NoError(t, err)

	_, err = coord.AssignOptimal(task.ID)
	assert.True(t, errors.IsInvalidState(err))
}

func TestDependencyGating(t *testing.T) {
	coord, reg, rec := newTestCoordinator(t)
	reg.Register("agent-1", "", nil, "ch-1")

	dep, err := coord.CreateTask(&CreateTaskRequest{Description: "first"})
	require.NoError(t, err)
	blocked, err := coord.CreateTask(&CreateTaskRequest{
		Description:  "second",
		Dependencies: []string{dep.ID},
	})
	require.NoError(t, err)

	// The dependent task stays pending while its dependency is open.
	assignment, err := coord.AssignOptimal(blocked.ID)
	require.NoError(t, err)
	assert.Nil(t, assignment)
	pending := rec.lastOfType(events.TaskPending)
	require.NotNil(t, pending)
	assert.Contains(t, pending.Payload["reason"], "waiting on dependencies")

	// Drive the dependency to completion; the pending pass should then
	// pick up the blocked task with the freed agent.
	_, err = coord.AssignOptimal(dep.ID)
	require.NoError(t, err)
	_, err = coord.UpdateProgress(dep.ID, &ProgressUpdate{Status: v1.TaskStatusInProgress})
	require.NoError(t, err)
	_, err = coord.UpdateProgress(dep.ID, &ProgressUpdate{Status: v1.TaskStatusCompleted})
	require.NoError(t, err)

	current, err := coord.GetTask(blocked.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusAssigned, current.Status)
	assert.Equal(t, "agent-1", current.AssignedAgent)
}

func TestUnknownDependencyCountsAsUnmet(t *testing.T) {
	coord, reg, _ := newTestCoordinator(t)
	reg.Register("agent-1", "", nil, "ch-1")

	task, err := coord.CreateTask(&CreateTaskRequest{
		Description:  "blocked forever",
		Dependencies: []string{"no-such-task"},
	})
	require.NoError(t, err)

	assignment, err := coord.AssignOptimal(task.ID)
	require.NoError(t, err)
	assert.Nil(t, assignment)
}

func TestProgressClampAndMonotonic(t *testing.T) {
	coord, reg, _ := newTestCoordinator(t)
	reg.Register("agent-1", "", nil, "ch-1")

	task, _ := coord.CreateTask(&CreateTaskRequest{Description: "build"})
	_, err := coord.AssignOptimal(task.ID)
	require.NoError(t, err)

	current, err := coord.UpdateProgress(task.ID, &ProgressUpdate{Progress: intPtr(150)})
	require.NoError(t, err)
	assert.Equal(t, 100, current.Progress)

	// Progress never moves backwards.
	current, err = coord.UpdateProgress(task.ID, &ProgressUpdate{Progress: intPtr(30)})
	require.NoError(t, err)
	assert.Equal(t, 100, current.Progress)
}

func TestCompletionForcesProgress(t *testing.T) {
	coord, reg, _ := newTestCoordinator(t)
	reg.Register("agent-1", "", nil, "ch-1")

	task, _ := coord.CreateTask(&CreateTaskRequest{Description: "build"})
	_, err := coord.AssignOptimal(task.ID)
	require.NoError(t, err)

	_, err = coord.UpdateProgress(task.ID, &ProgressUpdate{Status: v1.TaskStatusInProgress, Progress: intPtr(10)})
	require.NoError(t, err)

	current, err := coord.UpdateProgress(task.ID, &ProgressUpdate{Status: v1.TaskStatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, 100, current.Progress)
	assert.NotNil(t, current.CompletedAt)
}

func TestIllegalTransitions(t *testing.T) {
	coord, reg, _ := newTestCoordinator(t)
	reg.Register("agent-1", "", nil, "ch-1")

	// A pending task cannot complete.
	pendingTask, _ := coord.CreateTask(&CreateTaskRequest{Description: "pending", Dependencies: []string{"missing"}})
	_, err := coord.UpdateProgress(pendingTask.ID, &ProgressUpdate{Status: v1.TaskStatusCompleted})
	assert.True(t, errors.IsInvalidState(err))

	// Terminal states absorb.
	done, _ := coord.CreateTask(&CreateTaskRequest{Description: "done"})
	_, err = coord.AssignOptimal(done.ID)
	require.NoError(t, err)
	_, err = coord.UpdateProgress(done.ID, &ProgressUpdate{Status: v1.TaskStatusCompleted})
	require.NoError(t, err)
	_, err = coord.UpdateProgress(done.ID, &ProgressUpdate{Status: v1.TaskStatusFailed})
	assert.True(t, errors.IsInvalidState(err))
}

func TestCompletionReleasesAgentAndRecordsPerformance(t *testing.T) {
	coord, reg, _ := newTestCoordinator(t)
	reg.Register("agent-1", "", nil, "ch-1")

	task, _ := coord.CreateTask(&CreateTaskRequest{Description: "build"})
	_, err := coord.AssignOptimal(task.ID)
	require.NoError(t, err)
	_, err = coord.UpdateProgress(task.ID, &ProgressUpdate{Status: v1.TaskStatusInProgress})
	require.NoError(t, err)
	_, err = coord.UpdateProgress(task.ID, &ProgressUpdate{Status: v1.TaskStatusCompleted})
	require.NoError(t, err)

	agent, err := reg.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusOnline, agent.Status)
	assert.Empty(t, agent.CurrentTask)
	assert.Equal(t, 1, agent.TasksCompleted)
	// A near-instant completion earns the maximum efficiency sample.
	assert.InDelta(t, 1.1, agent.PerformanceScore, 1e-9)
}

func TestFailurePenalizesAgent(t *testing.T) {
	coord, reg, _ := newTestCoordinator(t)
	reg.Register("agent-1", "", nil, "ch-1")

	task, _ := coord.CreateTask(&CreateTaskRequest{Description: "build"})
	_, err := coord.AssignOptimal(task.ID)
	require.NoError(t, err)
	_, err = coord.UpdateProgress(task.ID, &ProgressUpdate{Status: v1.TaskStatusFailed})
	require.NoError(t, err)

	agent, err := reg.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusOnline, agent.Status)
	assert.InDelta(t, 0.8, agent.PerformanceScore, 1e-9)
	assert.Equal(t, 0, agent.TasksCompleted)

	current, err := coord.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusFailed, current.Status)
}

func TestProcessPendingTasksOrder(t *testing.T) {
	coord, reg, _ := newTestCoordinator(t)

	first, _ := coord.CreateTask(&CreateTaskRequest{Description: "first"})
	second, _ := coord.CreateTask(&CreateTaskRequest{Description: "second"})

	// One idle agent: the older pending task wins the pass.
	reg.Register("agent-1", "", nil, "ch-1")
	assigned := coord.ProcessPendingTasks()
	assert.Equal(t, 1, assigned)

	a, _ := coord.GetTask(first.ID)
	b, _ := coord.GetTask(second.ID)
	assert.Equal(t, v1.TaskStatusAssigned, a.Status)
	assert.Equal(t, v1.TaskStatusPending, b.Status)
}

func TestListAssignments(t *testing.T) {
	coord, reg, _ := newTestCoordinator(t)
	reg.Register("agent-1", "", nil, "ch-1")

	task, _ := coord.CreateTask(&CreateTaskRequest{Description: "build"})
	_, err := coord.AssignOptimal(task.ID)
	require.NoError(t, err)

	assignments := coord.ListAssignments()
	require.Len(t, assignments, 1)
	assert.Equal(t, task.ID, assignments[0].TaskID)

	// Completion retires the assignment record.
	_, err = coord.UpdateProgress(task.ID, &ProgressUpdate{Status: v1.TaskStatusCompleted})
	require.NoError(t, err)
	assert.Empty(t, coord.ListAssignments())
}

func TestProjectStatus(t *testing.T) {
	coord, reg, _ := newTestCoordinator(t)

	status := coord.ProjectStatus()
	assert.Equal(t, "initializing", status.Status)
	assert.Equal(t, 0, status.Progress)

	reg.Register("agent-1", "", nil, "ch-1")
	t1, _ := coord.CreateTask(&CreateTaskRequest{Description: "one"})
	_, _ = coord.CreateTask(&CreateTaskRequest{Description: "two"})

	status = coord.ProjectStatus()
	assert.Equal(t, "active", status.Status)
	assert.Equal(t, 2, status.TotalTasks)
	assert.Equal(t, 1, status.ActiveAgents)

	_, err := coord.AssignOptimal(t1.ID)
	require.NoError(t, err)
	_, err = coord.UpdateProgress(t1.ID, &ProgressUpdate{Status: v1.TaskStatusCompleted})
	require.NoError(t, err)

	status = coord.ProjectStatus()
	assert.Equal(t, "active", status.Status)
	assert.Equal(t, 50, status.Progress)
	assert.Equal(t, 1, status.CompletedTasks)
}
