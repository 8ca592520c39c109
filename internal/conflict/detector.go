// Package conflict inspects current registry and coordinator state for
// coordination anomalies: resource contention, dependency deadlocks, and
// capability mismatches. Detection is pure; it never mutates state.
package conflict

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coordhub/coordhub/internal/common/logger"
	"github.com/coordhub/coordhub/internal/coordinator"
	"github.com/coordhub/coordhub/internal/events"
	"github.com/coordhub/coordhub/internal/registry"
	v1 "github.com/coordhub/coordhub/pkg/api/v1"
)

// Resolution delays by conflict type. The resolver announces the remedy,
// waits, and announces completion; the remediation itself is not performed
// yet, only surfaced through the protocol events.
const (
	deadlockResolutionDelay = 3 * time.Second
	defaultResolutionDelay  = 2 * time.Second
)

// Detector runs conflict detection passes over live coordination state.
type Detector struct {
	registry    *registry.Registry
	coordinator *coordinator.Coordinator
	emitter     events.Emitter
	logger      *logger.Logger
}

// NewDetector creates a conflict detector.
func NewDetector(reg *registry.Registry, coord *coordinator.Coordinator, emitter events.Emitter, log *logger.Logger) *Detector {
	return &Detector{
		registry:    reg,
		coordinator: coord,
		emitter:     emitter,
		logger:      log.WithFields(zap.String("component", "conflict_detector")),
	}
}

// Detect runs one detection pass and returns every conflict found. A
// non-empty result is broadcast as a conflicts_detected event.
func (d *Detector) Detect() []*v1.Conflict {
	tasks := d.coordinator.ListTasks()
	agents := d.registry.List()

	var conflicts []*v1.Conflict
	conflicts = append(conflicts, detectResourceContention(tasks, agents)...)
	conflicts = append(conflicts, detectDependencyDeadlocks(tasks)...)
	conflicts = append(conflicts, detectCapabilityMismatches(tasks, agents)...)

	if len(conflicts) > 0 {
		d.logger.Warn("Conflicts detected", zap.Int("count", len(conflicts)))
		d.emitter.Emit(events.New(events.ConflictsDetected, map[string]interface{}{
			"conflicts": conflicts,
			"count":     len(conflicts),
		}))
	}

	return conflicts
}

// Resolve surfaces the resolution protocol for each conflict: it announces
// the intended remedy, waits a bounded type-dependent delay, and announces
// completion. Actual remediation is intentionally not performed.
func (d *Detector) Resolve(ctx context.Context, conflicts []*v1.Conflict) {
	for _, conflict := range conflicts {
		d.emitter.Emit(events.New(events.ConflictResolutionStarted, map[string]interface{}{
			"conflict": conflict,
			"remedy":   conflict.Resolution,
		}))

		delay := defaultResolutionDelay
		if conflict.Type == v1.ConflictDependencyDeadlock {
			delay = deadlockResolutionDelay
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		d.emitter.Emit(events.New(events.ConflictResolved, map[string]interface{}{
			"conflict": conflict,
		}))
	}
}

// detectResourceContention finds agents bound to more than one non-terminal
// task. Under normal operation assignment is exclusive; this catches
// invariant violations such as a rehydrated registration orphaning a task.
func detectResourceContention(tasks []*v1.Task, agents []*v1.Agent) []*v1.Conflict {
	byAgent := make(map[string][]string)
	for _, task := range tasks {
		if task.Status == v1.TaskStatusAssigned || task.Status == v1.TaskStatusInProgress {
			byAgent[task.AssignedAgent] = append(byAgent[task.AssignedAgent], task.ID)
		}
	}

	var conflicts []*v1.Conflict
	for _, agent := range agents {
		taskIDs := byAgent[agent.ID]
		if agent.Status != v1.AgentStatusBusy || len(taskIDs) <= 1 {
			continue
		}
		conflicts = append(conflicts, &v1.Conflict{
			Type:     v1.ConflictResourceContention,
			Severity: v1.ConflictSeverityMedium,
			TaskIDs:  taskIDs,
			AgentIDs: []string{agent.ID},
			Resolution: fmt.Sprintf("agent %s holds %d active tasks; redistribute all but one",
				agent.ID, len(taskIDs)),
		})
	}
	return conflicts
}

// detectDependencyDeadlocks finds cycles in the dependency graph using a
// depth-first traversal with an explicit recursion stack. Each cycle is
// reported once, in traversal order.
func detectDependencyDeadlocks(tasks []*v1.Task) []*v1.Conflict {
	deps := make(map[string][]string, len(tasks))
	var order []string
	for _, task := range tasks {
		deps[task.ID] = task.Dependencies
		order = append(order, task.ID)
	}

	const (
		white = 0 // unvisited
		gray  = 1 // on the recursion stack
		black = 2 // fully explored
	)
	color := make(map[string]int, len(tasks))
	var stack []string
	seenCycles := make(map[string]bool)
	var conflicts []*v1.Conflict

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)

		for _, dep := range deps[id] {
			if _, known := deps[dep]; !known {
				continue // dangling dependency, not a cycle
			}
			switch color[dep] {
			case white:
				visit(dep)
			case gray:
				// Found a back edge; the cycle is the stack suffix from dep.
				start := 0
				for i, v := range stack {
					if v == dep {
						start = i
						break
					}
				}
				cycle := append([]string(nil), stack[start:]...)
				key := cycleKey(cycle)
				if !seenCycles[key] {
					seenCycles[key] = true
					conflicts = append(conflicts, &v1.Conflict{
						Type:     v1.ConflictDependencyDeadlock,
						Severity: v1.ConflictSeverityHigh,
						TaskIDs:  cycle,
						Resolution: fmt.Sprintf("break the dependency cycle [%s] by removing one edge",
							strings.Join(cycle, " -> ")),
					})
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range order {
		if color[id] == white {
			visit(id)
		}
	}
	return conflicts
}

// cycleKey canonicalizes a cycle's membership so each cycle is reported
// once regardless of entry point.
func cycleKey(cycle []string) string {
	members := append([]string(nil), cycle...)
	sort.Strings(members)
	return strings.Join(members, "|")
}

// detectCapabilityMismatches finds active assignments where the agent does
// not cover the task's required capabilities. The matcher allows partial
// coverage by design; this pass makes the gap visible.
func detectCapabilityMismatches(tasks []*v1.Task, agents []*v1.Agent) []*v1.Conflict {
	byID := make(map[string]*v1.Agent, len(agents))
	for _, agent := range agents {
		byID[agent.ID] = agent
	}

	var conflicts []*v1.Conflict
	for _, task := range tasks {
		if task.Status != v1.TaskStatusAssigned && task.Status != v1.TaskStatusInProgress {
			continue
		}
		agent, ok := byID[task.AssignedAgent]
		if !ok {
			continue
		}
		missing := missingFrom(agent.Capabilities, task.RequiredCapabilities)
		if len(missing) == 0 {
			continue
		}
		conflicts = append(conflicts, &v1.Conflict{
			Type:     v1.ConflictCapabilityMismatch,
			Severity: v1.ConflictSeverityLow,
			TaskIDs:  []string{task.ID},
			AgentIDs: []string{agent.ID},
			Resolution: fmt.Sprintf("agent %s lacks capabilities required by task %s: %s",
				agent.ID, task.ID, strings.Join(missing, ", ")),
		})
	}
	return conflicts
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
