// Package coordinator owns tasks and their lifecycle: creation, dependency
// ordering, assignment through the registry, progress tracking, and the
// pending pass that re-examines blocked tasks when state changes.
package coordinator

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coordhub/coordhub/internal/common/errors"
	"github.com/coordhub/coordhub/internal/common/logger"
	"github.com/coordhub/coordhub/internal/events"
	"github.com/coordhub/coordhub/internal/registry"
	v1 "github.com/coordhub/coordhub/pkg/api/v1"

	"github.com/google/uuid"
)

// Task is the coordinator's record for a unit of work. Tasks are created on
// demand and never deleted; terminal states absorb.
type Task struct {
	ID                   string
	Description          string
	RequiredCapabilities []string
	Priority             v1.TaskPriority
	Status               v1.TaskStatus
	AssignedAgent        string
	Dependencies         []string
	Progress             int
	EstimatedDuration    int // ms, informational
	CreatedAt            time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
}

// ToAPI returns the public view of the task.
func (t *Task) ToAPI() *v1.Task {
	caps := make([]string, len(t.RequiredCapabilities))
	copy(caps, t.RequiredCapabilities)
	deps := make([]string, len(t.Dependencies))
	copy(deps, t.Dependencies)
	return &v1.Task{
		ID:                   t.ID,
		Description:          t.Description,
		RequiredCapabilities: caps,
		Priority:             t.Priority,
		Status:               t.Status,
		AssignedAgent:        t.AssignedAgent,
		Dependencies:         deps,
		Progress:             t.Progress,
		EstimatedDuration:    t.EstimatedDuration,
		CreatedAt:            t.CreatedAt,
		StartedAt:            t.StartedAt,
		CompletedAt:          t.CompletedAt,
	}
}

// CreateTaskRequest carries the fields accepted on task creation.
type CreateTaskRequest struct {
	Description          string
	RequiredCapabilities []string
	Priority             v1.TaskPriority
	Dependencies         []string
	EstimatedDuration    int
}

// ProgressUpdate carries an incremental task update. Nil Progress leaves
// progress untouched; empty Status leaves the state machine untouched.
type ProgressUpdate struct {
	Progress *int
	Status   v1.TaskStatus
	Message  string
}

// Coordinator serializes every task mutation under one lock and emits the
// corresponding coordination event inside the same critical section.
type Coordinator struct {
	mu          sync.RWMutex
	tasks       map[string]*Task
	order       []string // insertion order, drives the pending pass
	assignments map[string]*v1.Assignment
	registry    *registry.Registry
	emitter     events.Emitter
	logger      *logger.Logger
}

// NewCoordinator creates a task coordinator backed by the given registry.
func NewCoordinator(reg *registry.Registry, emitter events.Emitter, log *logger.Logger) *Coordinator {
	return &Coordinator{
		tasks:       make(map[string]*Task),
		assignments: make(map[string]*v1.Assignment),
		registry:    reg,
		emitter:     emitter,
		logger:      log.WithFields(zap.String("component", "coordinator")),
	}
}

// CreateTask validates and stores a new pending task.
func (c *Coordinator) CreateTask(req *CreateTaskRequest) (*v1.Task, error) {
	if strings.TrimSpace(req.Description) == "" {
		return nil, errors.ValidationError("description", "must not be empty")
	}

	priority := req.Priority
	if priority == "" {
		priority = v1.TaskPriorityMedium
	}
	if !v1.ValidPriority(priority) {
		return nil, errors.ValidationError("priority", fmt.Sprintf("unknown priority '%s'", priority))
	}

	task := &Task{
		ID:                   uuid.New().String(),
		Description:          req.Description,
		RequiredCapabilities: dedupe(req.RequiredCapabilities),
		Priority:             priority,
		Status:               v1.TaskStatusPending,
		Dependencies:         dedupe(req.Dependencies),
		EstimatedDuration:    req.EstimatedDuration,
		CreatedAt:            time.Now().UTC(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.tasks[task.ID] = task
	c.order = append(c.order, task.ID)

	c.logger.Info("Task created",
		zap.String("task_id", task.ID),
		zap.Strings("required_capabilities", task.RequiredCapabilities),
		zap.Int("dependencies", len(task.Dependencies)))

	c.emitter.Emit(events.New(events.TaskCreated, map[string]interface{}{
		"task": task.ToAPI(),
	}).WithTask(task.ID))

	return task.ToAPI(), nil
}

// AssignOptimal attempts to assign a pending task to the best available
// agent. A dependency-blocked task or a round with no viable agent is not
// an error: the task stays pending and (nil, nil) is returned. Calling it
// on a task that is not pending is reported as an invalid-state error.
func (c *Coordinator) AssignOptimal(taskID string) (*v1.Assignment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[taskID]
	if !ok {
		return nil, errors.NotFound("task", taskID)
	}
	if task.Status != v1.TaskStatusPending {
		return nil, errors.InvalidState(fmt.Sprintf("task %s is %s, not pending", taskID, task.Status))
	}

	return c.assignLocked(task, true), nil
}

// assignLocked runs one assignment attempt. The caller holds c.mu.
// When emitPending is set, an unassignable task produces a task_pending
// event; the quiet mode is used by the pending pass to avoid re-announcing
// every still-blocked task after each completion.
func (c *Coordinator) assignLocked(task *Task, emitPending bool) *v1.Assignment {
	if unmet := c.unmetDependenciesLocked(task); len(unmet) > 0 {
		if emitPending {
			c.emitter.Emit(events.New(events.TaskPending, map[string]interface{}{
				"task":   task.ToAPI(),
				"reason": fmt.Sprintf("waiting on dependencies: %s", strings.Join(unmet, ", ")),
			}).WithTask(task.ID))
		}
		return nil
	}

	agent := c.registry.Select(task.RequiredCapabilities)
	if agent == nil {
		if emitPending {
			c.emitter.Emit(events.New(events.TaskPending, map[string]interface{}{
				"task":   task.ToAPI(),
				"reason": "no suitable agent online",
			}).WithTask(task.ID))
		}
		return nil
	}

	assignment := &v1.Assignment{
		TaskID:     task.ID,
		AgentID:    agent.ID,
		AssignedAt: time.Now().UTC(),
		Reason:     assignmentReason(agent, task),
	}

	task.Status = v1.TaskStatusAssigned
	task.AssignedAgent = agent.ID
	c.assignments[task.ID] = assignment

	if err := c.registry.SetStatus(agent.ID, v1.AgentStatusBusy, task.ID); err != nil {
		c.logger.Error("Failed to mark agent busy",
			zap.String("agent_id", agent.ID),
			zap.String("task_id", task.ID),
			zap.Error(err))
	}

	c.logger.Info("Task assigned",
		zap.String("task_id", task.ID),
		zap.String("agent_id", agent.ID),
		zap.String("reason", assignment.Reason))

	c.emitter.Emit(events.New(events.TaskAssigned, map[string]interface{}{
		"task":       task.ToAPI(),
		"assignment": assignment,
		"reason":     assignment.Reason,
	}).WithTask(task.ID).WithAgent(agent.ID))

	return assignment
}

// assignmentReason explains why the agent was chosen, for the assignment
// record and the broadcast event.
func assignmentReason(agent *v1.Agent, task *Task) string {
	missing := missingFrom(agent.Capabilities, task.RequiredCapabilities)
	if len(task.RequiredCapabilities) == 0 {
		return fmt.Sprintf("agent %s is online and idle", agent.ID)
	}
	if len(missing) == 0 {
		return fmt.Sprintf("agent %s covers all required capabilities (score %.2f)",
			agent.ID, agent.PerformanceScore)
	}
	return fmt.Sprintf("agent %s is the best partial match, missing: %s",
		agent.ID, strings.Join(missing, ", "))
}

// UpdateProgress applies a progress/status update to a task, drives the
// registry's performance bookkeeping on terminal transitions, and re-runs
// the pending pass after every completion.
func (c *Coordinator) UpdateProgress(taskID string, upd *ProgressUpdate) (*v1.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[taskID]
	if !ok {
		return nil, errors.NotFound("task", taskID)
	}
	if task.Status.Terminal() {
		return nil, errors.InvalidState(fmt.Sprintf("task %s is already %s", taskID, task.Status))
	}

	if upd.Progress != nil {
		p := *upd.Progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		// Progress never moves backwards within a task's lifetime.
		if p > task.Progress {
			task.Progress = p
		}
	}

	completed := false
	if upd.Status != "" && upd.Status != task.Status {
		if err := c.transitionLocked(task, upd.Status); err != nil {
			return nil, err
		}
		completed = upd.Status == v1.TaskStatusCompleted
	}

	c.emitter.Emit(events.New(events.TaskProgressUpdated, map[string]interface{}{
		"task":     task.ToAPI(),
		"progress": task.Progress,
		"status":   task.Status,
		"message":  upd.Message,
	}).WithTask(task.ID).WithAgent(task.AssignedAgent))

	result := task.ToAPI()

	if completed {
		c.processPendingLocked()
	}

	return result, nil
}

// transitionLocked applies a status transition, enforcing the forward-only
// state machine. The caller holds c.mu.
func (c *Coordinator) transitionLocked(task *Task, next v1.TaskStatus) error {
	switch {
	case task.Status == v1.TaskStatusAssigned && next == v1.TaskStatusInProgress:
		if task.StartedAt == nil {
			now := time.Now().UTC()
			task.StartedAt = &now
		}
		task.Status = next
		return nil

	case (task.Status == v1.TaskStatusAssigned || task.Status == v1.TaskStatusInProgress) &&
		next == v1.TaskStatusCompleted:
		now := time.Now().UTC()
		task.CompletedAt = &now
		task.Status = next
		task.Progress = 100 // forced regardless of the accompanying progress field

		var duration time.Duration
		if task.StartedAt != nil {
			duration = now.Sub(*task.StartedAt)
		}
		c.finishLocked(task, duration, true)
		return nil

	case (task.Status == v1.TaskStatusAssigned || task.Status == v1.TaskStatusInProgress) &&
		next == v1.TaskStatusFailed:
		now := time.Now().UTC()
		task.CompletedAt = &now
		task.Status = next
		c.finishLocked(task, 0, false)
		return nil

	default:
		return errors.InvalidState(
			fmt.Sprintf("illegal transition %s -> %s for task %s", task.Status, next, task.ID))
	}
}

// finishLocked releases the agent and records performance after a terminal
// transition. The caller holds c.mu.
func (c *Coordinator) finishLocked(task *Task, duration time.Duration, success bool) {
	delete(c.assignments, task.ID)

	if task.AssignedAgent == "" {
		return
	}
	if err := c.registry.RecordPerformance(task.AssignedAgent, duration, success); err != nil {
		c.logger.Warn("Failed to record agent performance",
			zap.String("agent_id", task.AssignedAgent),
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
	if err := c.registry.SetStatus(task.AssignedAgent, v1.AgentStatusOnline, ""); err != nil {
		c.logger.Warn("Failed to release agent",
			zap.String("agent_id", task.AssignedAgent),
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

// ProcessPendingTasks attempts assignment for every pending task in
// creation order. Individual failures never abort the pass.
func (c *Coordinator) ProcessPendingTasks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processPendingLocked()
}

func (c *Coordinator) processPendingLocked() int {
	assigned := 0
	for _, id := range c.order {
		task := c.tasks[id]
		if task.Status != v1.TaskStatusPending {
			continue
		}
		if c.assignLocked(task, false) != nil {
			assigned++
		}
	}
	return assigned
}

// unmetDependenciesLocked returns the declared dependencies that are not
// yet completed. Unknown dependency ids count as unmet. The caller holds
// c.mu.
func (c *Coordinator) unmetDependenciesLocked(task *Task) []string {
	var unmet []string
	for _, depID := range task.Dependencies {
		dep, ok := c.tasks[depID]
		if !ok || dep.Status != v1.TaskStatusCompleted {
			unmet = append(unmet, depID)
		}
	}
	return unmet
}

// GetTask returns the public view of one task.
func (c *Coordinator) GetTask(id string) (*v1.Task, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	task, ok := c.tasks[id]
	if !ok {
		return nil, errors.NotFound("task", id)
	}
	return task.ToAPI(), nil
}

// ListTasks returns all tasks in creation order.
func (c *Coordinator) ListTasks() []*v1.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]*v1.Task, 0, len(c.order))
	for _, id := range c.order {
		result = append(result, c.tasks[id].ToAPI())
	}
	return result
}

// ListAssignments returns the currently active assignment records.
func (c *Coordinator) ListAssignments() []*v1.Assignment {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]*v1.Assignment, 0, len(c.assignments))
	for _, id := range c.order {
		if a, ok := c.assignments[id]; ok {
			result = append(result, a)
		}
	}
	return result
}

// ProjectStatus computes the aggregate view of coordination state.
func (c *Coordinator) ProjectStatus() *v1.ProjectStatus {
	c.mu.RLock()
	total := len(c.order)
	completedCount := 0
	for _, task := range c.tasks {
		if task.Status == v1.TaskStatusCompleted {
			completedCount++
		}
	}
	c.mu.RUnlock()

	status := "active"
	progress := 0
	switch {
	case total == 0:
		status = "initializing"
	case completedCount == total:
		status = "completed"
		progress = 100
	default:
		progress = int(float64(completedCount)/float64(total)*100 + 0.5)
	}

	return &v1.ProjectStatus{
		Status:         status,
		Progress:       progress,
		ActiveAgents:   c.registry.CountActive(),
		TotalTasks:     total,
		CompletedTasks: completedCount,
	}
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		result = append(result, v)
	}
	return result
}

func missingFrom(have, required []string) []string {
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	var missing []string
	for _, c := range required {
		if !set[c] {
			missing = append(missing, c)
		}
	}
	return missing
}
