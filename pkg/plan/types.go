// Package plan turns a task set with dependencies into a deterministic
// wave-ordered execution plan honoring resource pools and peer rules.
package plan

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cgast/crewd/pkg/agent"
	"github.com/cgast/crewd/pkg/validate"
)

// ErrUnsatisfiableDependencies means the dependency graph has a cycle.
// The wrapped message names one deterministic cycle witness.
var ErrUnsatisfiableDependencies = errors.New("unsatisfiable dependencies")

// Task is one unit of work bound to an agent.
type Task struct {
	ID            string               `json:"id"`
	Phase         string               `json:"phase"`
	AgentID       string               `json:"agent_id"`
	ResourceClass agent.ResourceClass  `json:"resource_class"`
	Criteria      []validate.Criterion `json:"success_criteria,omitempty"`
	Timeout       time.Duration        `json:"timeout"`
	Priority      int                  `json:"priority"`
	DependsOn     []string             `json:"depends_on,omitempty"`
	// HighRisk forces a checkpoint before the wave containing the task.
	HighRisk bool `json:"high_risk,omitempty"`
	// NonRetryable marks a task whose transport is not idempotent.
	NonRetryable bool `json:"non_retryable,omitempty"`
}

// Wave is an ordered set of task ids mutually safe to run in parallel.
type Wave []string

// ExecutionPlan is the scheduler's output. Waves are executed in order;
// tasks within one wave run concurrently.
type ExecutionPlan struct {
	ID    string `json:"id"`
	Tasks []Task `json:"tasks"`
	Waves []Wave `json:"waves"`
}

// Task returns the task with the given id.
func (p *ExecutionPlan) Task(id string) (Task, bool) {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// WaveOf returns the index of the wave containing the task, or -1.
func (p *ExecutionPlan) WaveOf(id string) int {
	for i, w := range p.Waves {
		for _, tid := range w {
			if tid == id {
				return i
			}
		}
	}
	return -1
}

func cycleError(path []string) error {
	return fmt.Errorf("%w: cycle {%s}", ErrUnsatisfiableDependencies, strings.Join(path, " -> "))
}
