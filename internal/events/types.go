package events

// Event types for agents. AgentStatusUpdate is the channel-level echo of a
// client-sent status message; AgentStatusUpdated is emitted by the registry
// for every status mutation.
const (
	AgentRegistered         = "agent_registered"
	AgentJoined             = "agent_joined"
	AgentStatusUpdated      = "agent_status_updated"
	AgentStatusUpdate       = "agent_status_update"
	AgentPerformanceUpdated = "agent_performance_updated"
	AgentMessage            = "agent_message"

	// DemoAgentConnecting is part of the client protocol for demo drivers
	// announcing themselves; the hub itself never emits it.
	DemoAgentConnecting = "demo_agent_connecting"
)

// Event types for tasks
const (
	TaskCreated         = "task_created"
	TaskAssigned        = "task_assigned"
	TaskPending         = "task_pending"
	TaskProgressUpdated = "task_progress_updated"
	TaskProgress        = "task_progress"
)

// Event types for conflicts
const (
	ConflictsDetected         = "conflicts_detected"
	ConflictResolutionStarted = "conflict_resolution_started"
	ConflictResolved          = "conflict_resolved"
)

// SubjectPrefix is the event bus subject namespace for coordination events.
const SubjectPrefix = "coordination.event."

// Subject builds the event bus subject for an event type.
func Subject(eventType string) string {
	return SubjectPrefix + eventType
}

// SubjectWildcard matches every coordination event subject.
func SubjectWildcard() string {
	return SubjectPrefix + ">"
}
