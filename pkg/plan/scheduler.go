package plan

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/cgast/crewd/pkg/agent"
)

// DefaultPoolCaps are the per-wave resource pool limits.
func DefaultPoolCaps() map[agent.ResourceClass]int {
	return map[agent.ResourceClass]int{
		agent.ResourceCPU:   2,
		agent.ResourceIO:    3,
		agent.ResourceNet:   2,
		agent.ResourceMem:   2,
		agent.ResourceLight: 5,
	}
}

// ForbiddenFunc reports whether two agents may not share a wave.
// Typically agent.Registry.ForbiddenPair.
type ForbiddenFunc func(a, b string) bool

// Scheduler packs tasks into waves.
type Scheduler struct {
	caps      map[agent.ResourceClass]int
	forbidden ForbiddenFunc
	logger    *zap.Logger
}

// NewScheduler creates a scheduler. Nil caps fall back to the defaults;
// a nil forbidden func forbids nothing.
func NewScheduler(caps map[agent.ResourceClass]int, forbidden ForbiddenFunc, logger *zap.Logger) *Scheduler {
	if caps == nil {
		caps = DefaultPoolCaps()
	}
	if forbidden == nil {
		forbidden = func(a, b string) bool { return false }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{caps: caps, forbidden: forbidden, logger: logger}
}

// Build resolves dependencies into an ExecutionPlan:
//
//  1. Kahn-style layering: a task is a wave candidate once every
//     dependency sits in an earlier wave.
//  2. Candidates are ordered by priority desc, then id asc, and packed
//     greedily up to the per-class pool caps; displaced tasks roll over.
//  3. A candidate pairing as forbidden with any task already packed into
//     the wave rolls over (tie-break order makes the later-priority
//     member the one that rolls).
//
// A dependency cycle fails with ErrUnsatisfiableDependencies naming one
// cycle.
func (s *Scheduler) Build(planID string, tasks []Task) (*ExecutionPlan, error) {
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		if _, dup := byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
		}
	}

	indeg := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		indeg[t.ID] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	placed := make(map[string]bool, len(tasks))
	var waves []Wave

	// ready holds tasks whose dependencies are all placed but which have
	// not yet been packed (cap or pairing displacement keeps them here).
	var ready []string
	for _, t := range tasks {
		if indeg[t.ID] == 0 {
			ready = append(ready, t.ID)
		}
	}

	for len(placed) < len(tasks) {
		if len(ready) == 0 {
			return nil, cycleError(findCycle(tasks, placed))
		}

		sort.Slice(ready, func(i, j int) bool {
			a, b := byID[ready[i]], byID[ready[j]]
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return a.ID < b.ID
		})

		classCount := make(map[agent.ResourceClass]int)
		var wave Wave
		var rolled []string

		for _, id := range ready {
			t := byID[id]
			if classCount[t.ResourceClass] >= s.capFor(t.ResourceClass) {
				rolled = append(rolled, id)
				continue
			}
			if s.pairsForbidden(byID, wave, t) {
				rolled = append(rolled, id)
				continue
			}
			wave = append(wave, id)
			classCount[t.ResourceClass]++
		}

		if len(wave) == 0 {
			// Every ready task displaced each other; caps or pairing can
			// never admit them together, which only happens with a cap of
			// zero. Surface it rather than spin.
			return nil, fmt.Errorf("no task admissible into wave %d (check pool caps)", len(waves))
		}

		waves = append(waves, wave)
		for _, id := range wave {
			placed[id] = true
			for _, dep := range dependents[id] {
				indeg[dep]--
				if indeg[dep] == 0 {
					rolled = append(rolled, dep)
				}
			}
		}
		ready = rolled
	}

	s.logger.Debug("plan built",
		zap.String("plan_id", planID),
		zap.Int("tasks", len(tasks)),
		zap.Int("waves", len(waves)))

	return &ExecutionPlan{ID: planID, Tasks: sortedTasks(tasks), Waves: waves}, nil
}

func (s *Scheduler) capFor(c agent.ResourceClass) int {
	if cap, ok := s.caps[c]; ok {
		return cap
	}
	return 1
}

func (s *Scheduler) pairsForbidden(byID map[string]Task, wave Wave, t Task) bool {
	for _, id := range wave {
		if s.forbidden(byID[id].AgentID, t.AgentID) {
			return true
		}
	}
	return false
}

func sortedTasks(tasks []Task) []Task {
	out := make([]Task, len(tasks))
	copy(out, tasks)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// findCycle extracts one deterministic cycle witness among the unplaced
// tasks via DFS over ids in sorted order.
func findCycle(tasks []Task, placed map[string]bool) []string {
	deps := make(map[string][]string)
	var ids []string
	for _, t := range tasks {
		if placed[t.ID] {
			continue
		}
		ids = append(ids, t.ID)
		for _, d := range t.DependsOn {
			if !placed[d] {
				deps[t.ID] = append(deps[t.ID], d)
			}
		}
	}
	sort.Strings(ids)
	for id := range deps {
		sort.Strings(deps[id])
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	parent := make(map[string]string)
	var cycle []string

	var dfs func(u string) bool
	dfs = func(u string) bool {
		color[u] = gray
		for _, v := range deps[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// Back-edge u -> v closes a cycle v ... u.
				cycle = append(cycle, v)
				for cur := u; cur != v && cur != ""; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				return true
			}
		}
		color[u] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white && dfs(id) {
			break
		}
	}

	// Reverse into forward dependency order.
	for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
		cycle[i], cycle[j] = cycle[j], cycle[i]
	}
	return cycle
}
