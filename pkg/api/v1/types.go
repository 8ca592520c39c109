// Package v1 defines the wire-level types shared by the HTTP API and the
// WebSocket protocol. Field casing matches the client protocol (camelCase).
package v1

import "time"

// AgentStatus represents the availability of a registered agent.
type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusOffline AgentStatus = "offline"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// TaskPriority is stored on the task but deliberately ignored by the
// matcher; it exists for protocol compatibility.
type TaskPriority string

const (
	TaskPriorityLow      TaskPriority = "low"
	TaskPriorityMedium   TaskPriority = "medium"
	TaskPriorityHigh     TaskPriority = "high"
	TaskPriorityCritical TaskPriority = "critical"
)

// ValidPriority reports whether p is one of the known priority levels.
func ValidPriority(p TaskPriority) bool {
	switch p {
	case TaskPriorityLow, TaskPriorityMedium, TaskPriorityHigh, TaskPriorityCritical:
		return true
	}
	return false
}

// Agent is the public view of a registered agent.
type Agent struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Capabilities     []string    `json:"capabilities"`
	Status           AgentStatus `json:"status"`
	CurrentTask      string      `json:"currentTask,omitempty"`
	LastSeen         time.Time   `json:"lastSeen"`
	PerformanceScore float64     `json:"performanceScore"`
	TasksCompleted   int         `json:"tasksCompleted"`
	AverageTaskTime  float64     `json:"averageTaskTime"`
}

// Task is the public view of a coordinated task.
type Task struct {
	ID                   string       `json:"id"`
	Description          string       `json:"description"`
	RequiredCapabilities []string     `json:"requiredCapabilities"`
	Priority             TaskPriority `json:"priority"`
	Status               TaskStatus   `json:"status"`
	AssignedAgent        string       `json:"assignedAgent,omitempty"`
	Dependencies         []string     `json:"dependencies,omitempty"`
	Progress             int          `json:"progress"`
	EstimatedDuration    int          `json:"estimatedDuration,omitempty"`
	CreatedAt            time.Time    `json:"createdAt"`
	StartedAt            *time.Time   `json:"startedAt,omitempty"`
	CompletedAt          *time.Time   `json:"completedAt,omitempty"`
}

// Assignment is the binding between a task and the agent working it.
type Assignment struct {
	TaskID     string    `json:"taskId"`
	AgentID    string    `json:"agentId"`
	AssignedAt time.Time `json:"assignedAt"`
	Reason     string    `json:"reason"`
}

// ConflictSeverity tags a detected conflict.
type ConflictSeverity string

const (
	ConflictSeverityLow    ConflictSeverity = "low"
	ConflictSeverityMedium ConflictSeverity = "medium"
	ConflictSeverityHigh   ConflictSeverity = "high"
)

// ConflictType identifies the class of a detected conflict.
type ConflictType string

const (
	ConflictResourceContention ConflictType = "resource_contention"
	ConflictDependencyDeadlock ConflictType = "dependency_deadlock"
	ConflictCapabilityMismatch ConflictType = "capability_mismatch"
)

// Conflict describes a statically detectable anomaly in coordination state.
type Conflict struct {
	Type       ConflictType     `json:"type"`
	Severity   ConflictSeverity `json:"severity"`
	TaskIDs    []string         `json:"taskIds,omitempty"`
	AgentIDs   []string         `json:"agentIds,omitempty"`
	Resolution string           `json:"resolution"`
}

// ProjectStatus is the aggregate view reported to clients.
type ProjectStatus struct {
	Status         string `json:"status"` // initializing, active, completed
	Progress       int    `json:"progress"`
	ActiveAgents   int    `json:"activeAgents"`
	TotalTasks     int    `json:"totalTasks"`
	CompletedTasks int    `json:"completedTasks"`
}
