package run

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cgast/crewd/pkg/exec"
	"github.com/cgast/crewd/pkg/plan"
	"github.com/cgast/crewd/pkg/store"
)

// TaskStatus is one line of a status report.
type TaskStatus struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	Wave    int    `json:"wave"`
	Status  string `json:"status"`
}

// StatusReport is the operator-facing view of a persisted run,
// reconstructed entirely from the store.
type StatusReport struct {
	RunID       string       `json:"run_id"`
	Phase       string       `json:"phase"`
	Waves       int          `json:"waves"`
	Tasks       []TaskStatus `json:"tasks"`
	Checkpoints int          `json:"checkpoints"`
}

// Status reconstructs the state of a run from its persisted plan,
// results, and checkpoints.
func (r *Runner) Status(runID string) (*StatusReport, error) {
	planData, err := r.deps.KV.Get(fmt.Sprintf("runs/%s/plan.json", runID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}
	var p plan.ExecutionPlan
	if err := json.Unmarshal(planData, &p); err != nil {
		return nil, fmt.Errorf("parse plan for run %s: %w", runID, err)
	}

	results, err := r.loadResults(runID)
	if err != nil {
		return nil, err
	}

	cps, err := r.deps.Checkpoints.List(runID)
	if err != nil {
		return nil, err
	}
	phase := string(PhaseInit)
	if len(cps) > 0 {
		phase = cps[len(cps)-1].Phase
	}

	report := &StatusReport{
		RunID:       runID,
		Phase:       phase,
		Waves:       len(p.Waves),
		Checkpoints: len(cps),
	}
	for _, t := range sortedPlanTasks(&p) {
		status := "pending"
		if res, ok := results[t.ID]; ok {
			status = string(res.Status)
		}
		report.Tasks = append(report.Tasks, TaskStatus{
			TaskID:  t.ID,
			AgentID: t.AgentID,
			Wave:    p.WaveOf(t.ID),
			Status:  status,
		})
	}
	return report, nil
}

// loadResults reads the persisted result files, keeping the latest
// attempt per task. Re-executions carry an attempt suffix in the key;
// the unsuffixed file is the first attempt.
func (r *Runner) loadResults(runID string) (map[string]exec.Result, error) {
	entries, err := r.deps.KV.Scan(fmt.Sprintf("runs/%s/results/", runID))
	if err != nil {
		return nil, err
	}
	results := make(map[string]exec.Result, len(entries))
	ranks := make(map[string]int, len(entries))
	for _, e := range entries {
		var res exec.Result
		if err := json.Unmarshal(e.Value, &res); err != nil {
			return nil, fmt.Errorf("parse result %s: %w", e.Key, err)
		}
		rank := attemptRank(e.Key)
		if rank >= ranks[res.TaskID] {
			ranks[res.TaskID] = rank
			results[res.TaskID] = res
		}
	}
	return results, nil
}

// attemptRank extracts the attempt number from a result key.
// ".../t2.json" is attempt 1, ".../t2.3.json" is attempt 3.
func attemptRank(key string) int {
	trimmed := strings.TrimSuffix(key, ".json")
	dot := strings.LastIndex(trimmed, ".")
	if dot < 0 {
		return 1
	}
	n := 0
	if _, err := fmt.Sscanf(trimmed[dot+1:], "%d", &n); err != nil || n < 1 {
		return 1
	}
	return n
}

// FormatStatus renders a status report for the terminal.
func FormatStatus(sr *StatusReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s  phase=%s  waves=%d  checkpoints=%d\n", sr.RunID, sr.Phase, sr.Waves, sr.Checkpoints)
	tasks := make([]TaskStatus, len(sr.Tasks))
	copy(tasks, sr.Tasks)
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Wave != tasks[j].Wave {
			return tasks[i].Wave < tasks[j].Wave
		}
		return tasks[i].TaskID < tasks[j].TaskID
	})
	for _, t := range tasks {
		fmt.Fprintf(&b, "  wave %d  %-20s %-16s %s\n", t.Wave, t.TaskID, t.AgentID, t.Status)
	}
	return b.String()
}
