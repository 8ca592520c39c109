// Package registry maintains the set of known agents, their declared
// capabilities, liveness, workload, and rolling performance score, and
// provides deterministic scored selection for the task coordinator.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coordhub/coordhub/internal/common/errors"
	"github.com/coordhub/coordhub/internal/common/logger"
	"github.com/coordhub/coordhub/internal/events"
	v1 "github.com/coordhub/coordhub/pkg/api/v1"
)

// Selection score weights. Capability coverage dominates; workload is a
// near-constant tiebreaker since candidates are already filtered to online.
const (
	capabilityWeight  = 0.6
	performanceWeight = 0.3
	workloadWeight    = 0.1
)

// Performance score bounds and blending factors.
const (
	minScore         = 0.1
	maxScore         = 2.0
	scoreBlendOld    = 0.9
	scoreBlendNew    = 0.1
	failurePenalty   = 0.8
	baselineDuration = 60000.0 // ms; a one-minute task has efficiency 1.0
)

// Agent is the registry's record for a registered worker endpoint.
// The ChannelID is an opaque token owned by the transport layer; the
// registry never touches the underlying connection.
type Agent struct {
	ID               string
	Name             string
	Capabilities     []string
	Status           v1.AgentStatus
	ChannelID        string
	CurrentTask      string
	LastSeen         time.Time
	PerformanceScore float64
	TasksCompleted   int
	AverageTaskTime  float64 // milliseconds, rolling
}

// ToAPI returns the public view of the agent.
func (a *Agent) ToAPI() *v1.Agent {
	caps := make([]string, len(a.Capabilities))
	copy(caps, a.Capabilities)
	return &v1.Agent{
		ID:               a.ID,
		Name:             a.Name,
		Capabilities:     caps,
		Status:           a.Status,
		CurrentTask:      a.CurrentTask,
		LastSeen:         a.LastSeen,
		PerformanceScore: a.PerformanceScore,
		TasksCompleted:   a.TasksCompleted,
		AverageTaskTime:  a.AverageTaskTime,
	}
}

// MissingCapabilities returns the required capabilities the agent does not
// declare. Matching is exact and case-sensitive.
func (a *Agent) MissingCapabilities(required []string) []string {
	have := make(map[string]bool, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = true
	}
	var missing []string
	seen := make(map[string]bool, len(required))
	for _, c := range required {
		if seen[c] {
			continue
		}
		seen[c] = true
		if !have[c] {
			missing = append(missing, c)
		}
	}
	return missing
}

// Registry owns the agent map. All mutations are serialized under one lock
// and emit their coordination event inside the same critical section.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*Agent
	order   []string // insertion order, for stable selection tie-breaks
	emitter events.Emitter
	logger  *logger.Logger
}

// NewRegistry creates a new agent registry.
func NewRegistry(emitter events.Emitter, log *logger.Logger) *Registry {
	return &Registry{
		agents:  make(map[string]*Agent),
		emitter: emitter,
		logger:  log.WithFields(zap.String("component", "registry")),
	}
}

// Register adds or rehydrates an agent. Idempotent on id: an existing
// record gets its name, capabilities and channel overwritten and returns to
// online with no current task, while performance counters are preserved.
func (r *Registry) Register(id, name string, capabilities []string, channelID string) *v1.Agent {
	if name == "" {
		name = id
	}
	caps := dedupe(capabilities)

	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[id]
	if !exists {
		agent = &Agent{
			ID:               id,
			PerformanceScore: 1.0,
		}
		r.agents[id] = agent
		r.order = append(r.order, id)
	}

	agent.Name = name
	agent.Capabilities = caps
	agent.ChannelID = channelID
	agent.Status = v1.AgentStatusOnline
	agent.CurrentTask = ""
	agent.LastSeen = time.Now().UTC()

	r.logger.Info("Agent registered",
		zap.String("agent_id", id),
		zap.Strings("capabilities", caps),
		zap.Bool("rehydrated", exists))

	r.emitter.Emit(events.New(events.AgentRegistered, map[string]interface{}{
		"agent": agent.ToAPI(),
	}).WithAgent(id))

	return agent.ToAPI()
}

// SetStatus updates an agent's status and last-seen timestamp. The current
// task is set only for busy; any other status clears it. Going offline also
// drops the channel token.
func (r *Registry) SetStatus(id string, status v1.AgentStatus, currentTask string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return errors.NotFound("agent", id)
	}

	agent.Status = status
	agent.LastSeen = time.Now().UTC()
	if status == v1.AgentStatusBusy {
		agent.CurrentTask = currentTask
	} else {
		agent.CurrentTask = ""
	}
	if status == v1.AgentStatusOffline {
		agent.ChannelID = ""
	}

	r.emitter.Emit(events.New(events.AgentStatusUpdated, map[string]interface{}{
		"status":      status,
		"currentTask": agent.CurrentTask,
	}).WithAgent(id))

	return nil
}

// RecordPerformance folds a completed or failed task into the agent's
// rolling score. The average deliberately weights the newest sample at one
// half rather than being a true moving average.
func (r *Registry) RecordPerformance(id string, duration time.Duration, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return errors.NotFound("agent", id)
	}

	agent.LastSeen = time.Now().UTC()

	if success {
		durationMS := float64(duration.Milliseconds())
		agent.TasksCompleted++
		if agent.TasksCompleted == 1 {
			agent.AverageTaskTime = durationMS
		} else {
			agent.AverageTaskTime = (agent.AverageTaskTime + durationMS) / 2
		}

		efficiency := maxScore
		if durationMS > 0 {
			efficiency = clamp(baselineDuration/durationMS, minScore, maxScore)
		}
		agent.PerformanceScore = clamp(
			scoreBlendOld*agent.PerformanceScore+scoreBlendNew*efficiency,
			minScore, maxScore)
	} else {
		agent.PerformanceScore = clamp(failurePenalty*agent.PerformanceScore, minScore, maxScore)
	}

	r.logger.Debug("Recorded agent performance",
		zap.String("agent_id", id),
		zap.Bool("success", success),
		zap.Float64("score", agent.PerformanceScore))

	r.emitter.Emit(events.New(events.AgentPerformanceUpdated, map[string]interface{}{
		"performanceScore": agent.PerformanceScore,
		"tasksCompleted":   agent.TasksCompleted,
		"averageTaskTime":  agent.AverageTaskTime,
	}).WithAgent(id))

	return nil
}

// Select returns the best-qualified online, idle agent for the required
// capabilities, or nil when none qualifies. Scoring uses capability
// coverage, not strict containment: an agent missing capabilities can still
// win when no better candidate exists. Ties break by registration order.
func (r *Registry) Select(required []string) *v1.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Agent
	bestScore := -1.0

	for _, id := range r.order {
		agent := r.agents[id]
		if agent.Status != v1.AgentStatusOnline || agent.CurrentTask != "" {
			continue
		}
		score := selectionScore(agent, required)
		if score > bestScore {
			best = agent
			bestScore = score
		}
	}

	if best == nil {
		return nil
	}
	return best.ToAPI()
}

// selectionScore computes the weighted total for one candidate.
func selectionScore(a *Agent, required []string) float64 {
	coverage := 1.0
	if len(required) > 0 {
		required = dedupe(required)
		missing := a.MissingCapabilities(required)
		coverage = float64(len(required)-len(missing)) / float64(len(required))
	}

	workload := 0.5
	if a.Status == v1.AgentStatusOnline {
		workload = 1.0
	}

	return capabilityWeight*coverage +
		performanceWeight*a.PerformanceScore +
		workloadWeight*workload
}

// Get returns the public view of one agent.
func (r *Registry) Get(id string) (*v1.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, errors.NotFound("agent", id)
	}
	return agent.ToAPI(), nil
}

// List returns all known agents in registration order.
func (r *Registry) List() []*v1.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*v1.Agent, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.agents[id].ToAPI())
	}
	return result
}

// CountActive returns the number of agents whose status is not offline.
func (r *Registry) CountActive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, agent := range r.agents {
		if agent.Status != v1.AgentStatusOffline {
			n++
		}
	}
	return n
}

// HandleChannelClosed transitions the agent bound to the given channel to
// offline and drops the token. In-flight assignments are left untouched so
// the task can be reassigned on a later pending pass. Returns the agent id,
// or "" when no agent was bound to the channel.
func (r *Registry) HandleChannelClosed(channelID string) string {
	if channelID == "" {
		return ""
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		agent := r.agents[id]
		if agent.ChannelID != channelID {
			continue
		}
		agent.ChannelID = ""
		agent.Status = v1.AgentStatusOffline
		agent.CurrentTask = ""
		agent.LastSeen = time.Now().UTC()

		r.logger.Info("Agent channel closed", zap.String("agent_id", id))

		r.emitter.Emit(events.New(events.AgentStatusUpdated, map[string]interface{}{
			"status": v1.AgentStatusOffline,
			"reason": "channel closed",
		}).WithAgent(id))
		return id
	}
	return ""
}

// Sweep marks every non-offline agent unseen for longer than staleAfter as
// offline. Returns the ids of the agents transitioned.
func (r *Registry) Sweep(staleAfter time.Duration) []string {
	cutoff := time.Now().UTC().Add(-staleAfter)

	r.mu.Lock()
	defer r.mu.Unlock()

	var swept []string
	for _, id := range r.order {
		agent := r.agents[id]
		if agent.Status == v1.AgentStatusOffline || !agent.LastSeen.Before(cutoff) {
			continue
		}
		agent.Status = v1.AgentStatusOffline
		agent.CurrentTask = ""
		agent.ChannelID = ""
		swept = append(swept, id)

		r.logger.Warn("Agent marked offline by liveness sweep", zap.String("agent_id", id))

		r.emitter.Emit(events.New(events.AgentStatusUpdated, map[string]interface{}{
			"status": v1.AgentStatusOffline,
			"reason": "liveness sweep",
		}).WithAgent(id))
	}
	return swept
}

// StartSweeper runs the liveness sweep on a ticker until the context is
// cancelled.
func (r *Registry) StartSweeper(ctx context.Context, interval, staleAfter time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(staleAfter)
			}
		}
	}()
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

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
