package websocket

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/coordhub/coordhub/internal/coordinator"
	"github.com/coordhub/coordhub/internal/events"
	v1 "github.com/coordhub/coordhub/pkg/api/v1"
)

// Inbound message payloads. Field casing follows the client protocol.

type registerAgentMessage struct {
	AgentID      string   `json:"agentId"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

type createTaskMessage struct {
	Description          string          `json:"description"`
	RequiredCapabilities []string        `json:"requiredCapabilities"`
	Priority             v1.TaskPriority `json:"priority"`
	Dependencies         []string        `json:"dependencies"`
	EstimatedDuration    int             `json:"estimatedDuration"`
}

type taskProgressMessage struct {
	TaskID   string        `json:"taskId"`
	Progress *int          `json:"progress"`
	Status   v1.TaskStatus `json:"status"`
	Message  string        `json:"message"`
}

type agentStatusMessage struct {
	AgentID     string         `json:"agentId"`
	Status      v1.AgentStatus `json:"status"`
	CurrentTask string         `json:"currentTask"`
}

type agentMessageMessage struct {
	Sender  string      `json:"sender"`
	Message interface{} `json:"message"`
}

// dispatch routes one inbound frame by its type field. Unknown types are
// logged and dropped; a malformed or rejected message produces an error
// reply on the same channel, never a disconnect.
func (g *Gateway) dispatch(ctx context.Context, c *Client, msgType string, raw []byte) {
	g.logger.Debug("Received message",
		zap.String("client_id", c.ID),
		zap.String("type", msgType))

	switch msgType {
	case "register_agent":
		g.handleRegisterAgent(c, raw)
	case "create_task":
		g.handleCreateTask(c, raw)
	case "task_progress", "update_task_progress":
		g.handleTaskProgress(c, raw)
	case "agent_status":
		g.handleAgentStatus(c, raw)
	case "agent_message":
		g.handleAgentMessage(c, raw)
	case "get_project_status":
		c.Send(map[string]interface{}{
			"type":   "project_status_update",
			"status": g.coordinator.ProjectStatus(),
		})
	case "get_agent_registry":
		// Bootstrap: one frame per known agent, as if each had just joined.
		for _, agent := range g.registry.List() {
			c.Send(map[string]interface{}{
				"type":  "agent_registered",
				"agent": agent,
			})
		}
	case "get_tasks":
		// Bootstrap: one frame per known task.
		for _, task := range g.coordinator.ListTasks() {
			c.Send(map[string]interface{}{
				"type": "task_assigned",
				"task": task,
			})
		}
	default:
		g.logger.Warn("Unknown message type",
			zap.String("client_id", c.ID),
			zap.String("type", msgType))
	}
}

func (g *Gateway) handleRegisterAgent(c *Client, raw []byte) {
	var msg registerAgentMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.Send(registrationError("invalid register_agent payload"))
		return
	}
	if msg.AgentID == "" {
		c.Send(registrationError("agentId is required"))
		return
	}

	agent := g.registry.Register(msg.AgentID, msg.Name, msg.Capabilities, c.ID)

	c.Send(map[string]interface{}{
		"type":    "agent_registered",
		"success": true,
		"agentId": agent.ID,
		"agent":   agent,
	})

	g.hub.Emit(events.New(events.AgentJoined, map[string]interface{}{
		"agent": agent,
	}).WithAgent(agent.ID))

	// A new agent may unblock tasks parked for lack of a suitable worker.
	g.coordinator.ProcessPendingTasks()
}

func (g *Gateway) handleCreateTask(c *Client, raw []byte) {
	var msg createTaskMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.Send(taskError("", "invalid create_task payload"))
		return
	}

	task, err := g.coordinator.CreateTask(&coordinator.CreateTaskRequest{
		Description:          msg.Description,
		RequiredCapabilities: msg.RequiredCapabilities,
		Priority:             msg.Priority,
		Dependencies:         msg.Dependencies,
		EstimatedDuration:    msg.EstimatedDuration,
	})
	if err != nil {
		c.Send(taskError("", err.Error()))
		return
	}

	if _, err := g.coordinator.AssignOptimal(task.ID); err != nil {
		g.logger.Warn("Assignment attempt failed",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}

	// Re-read so the acknowledgment reflects any assignment just made.
	if current, err := g.coordinator.GetTask(task.ID); err == nil {
		task = current
	}
	c.Send(map[string]interface{}{
		"type":    "task_created",
		"success": true,
		"task":    task,
	})
}

func (g *Gateway) handleTaskProgress(c *Client, raw []byte) {
	var msg taskProgressMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.Send(taskError("", "invalid task progress payload"))
		return
	}
	if msg.TaskID == "" {
		c.Send(taskError("", "taskId is required"))
		return
	}

	task, err := g.coordinator.UpdateProgress(msg.TaskID, &coordinator.ProgressUpdate{
		Progress: msg.Progress,
		Status:   msg.Status,
		Message:  msg.Message,
	})
	if err != nil {
		c.Send(taskError(msg.TaskID, err.Error()))
		return
	}

	// Channel-level echo alongside the coordinator's own event.
	g.hub.Emit(events.New(events.TaskProgress, map[string]interface{}{
		"progress": task.Progress,
		"status":   task.Status,
		"message":  msg.Message,
	}).WithTask(task.ID).WithAgent(task.AssignedAgent))
}

func (g *Gateway) handleAgentStatus(c *Client, raw []byte) {
	var msg agentStatusMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.AgentID == "" {
		c.Send(agentStatusError("", "agentId is required"))
		return
	}

	switch msg.Status {
	case v1.AgentStatusOnline, v1.AgentStatusBusy, v1.AgentStatusOffline:
	default:
		c.Send(agentStatusError(msg.AgentID, "status must be online, busy, or offline"))
		return
	}

	if err := g.registry.SetStatus(msg.AgentID, msg.Status, msg.CurrentTask); err != nil {
		g.logger.Warn("Status update for unknown agent",
			zap.String("agent_id", msg.AgentID),
			zap.Error(err))
		c.Send(agentStatusError(msg.AgentID, err.Error()))
		return
	}

	g.hub.Emit(events.New(events.AgentStatusUpdate, map[string]interface{}{
		"status":      msg.Status,
		"currentTask": msg.CurrentTask,
	}).WithAgent(msg.AgentID))
}

// handleAgentMessage relays a free-form agent message to every other
// connected channel.
func (g *Gateway) handleAgentMessage(c *Client, raw []byte) {
	var msg agentMessageMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.logger.Warn("Invalid agent_message", zap.String("client_id", c.ID))
		return
	}

	g.relay(c, map[string]interface{}{
		"type":      "agent_message",
		"sender":    msg.Sender,
		"message":   msg.Message,
		"timestamp": time.Now().UTC(),
	})
}

func registrationError(reason string) map[string]interface{} {
	return map[string]interface{}{
		"type":  "registration_error",
		"error": reason,
	}
}

func agentStatusError(agentID, reason string) map[string]interface{} {
	out := map[string]interface{}{
		"type":  "agent_status_error",
		"error": reason,
	}
	if agentID != "" {
		out["agentId"] = agentID
	}
	return out
}

func taskError(taskID, reason string) map[string]interface{} {
	out := map[string]interface{}{
		"type":  "task_error",
		"error": reason,
	}
	if taskID != "" {
		out["taskId"] = taskID
	}
	return out
}
