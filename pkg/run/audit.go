package run

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cgast/crewd/pkg/events"
	"github.com/cgast/crewd/pkg/exec"
	"github.com/cgast/crewd/pkg/knowledge"
	"github.com/cgast/crewd/pkg/pack"
)

// audit writes one knowledge record per terminal task and publishes the
// run summary. Records are keyed by agent, criterion pattern, and the
// fingerprint of the context the task ran against.
func (r *Runner) audit(st *State) error {
	now := time.Now().UTC()
	var successes, failures int

	for _, t := range sortedPlanTasks(st.Plan) {
		res, ok := st.Results[t.ID]
		if !ok {
			continue
		}

		outcome := knowledge.OutcomeFailure
		if res.Status == exec.StatusSuccess {
			outcome = knowledge.OutcomeSuccess
			successes++
		} else {
			failures++
		}

		rec := knowledge.Record{
			PatternKey:  patternKey(t.AgentID, criterionPattern(st, t.ID)),
			Fingerprint: contextFingerprint(st, res),
			AgentID:     t.AgentID,
			Outcome:     outcome,
			Details:     strings.Join(res.Errors, "; "),
			Cascade:     isCascade(res),
			RecordedAt:  now,
		}
		if err := r.deps.Knowledge.Record(rec); err != nil {
			return fmt.Errorf("record outcome for task %s: %w", t.ID, err)
		}
		r.deps.Bus.Publish(events.NewEvent(events.EventKnowledgeWrite, st.RunID, rec.PatternKey))
	}

	summary := map[string]any{
		"tasks":      len(st.Results),
		"successes":  successes,
		"failures":   failures,
		"iterations": st.Iteration,
		"duration":   time.Since(st.StartedAt).String(),
	}
	r.logger.Info("run summary",
		zap.String("run_id", st.RunID),
		zap.Int("tasks", len(st.Results)),
		zap.Int("successes", successes),
		zap.Int("failures", failures),
		zap.Int("iterations", st.Iteration))
	r.deps.Bus.Publish(events.NewEvent(events.EventRunDone, st.RunID, summary))
	return nil
}

func patternKey(agentID, criterion string) string {
	return agentID + "/" + criterion
}

// criterionPattern names what the task was judged on: the joined
// criterion names, or "completion" for tasks without criteria.
func criterionPattern(st *State, taskID string) string {
	t, ok := st.Plan.Task(taskID)
	if !ok || len(t.Criteria) == 0 {
		return "completion"
	}
	names := make([]string, len(t.Criteria))
	for i, c := range t.Criteria {
		names[i] = c.Name
	}
	return strings.Join(names, "+")
}

// contextFingerprint identifies the context package the task consumed,
// falling back to the outputs when no package was built.
func contextFingerprint(st *State, res exec.Result) string {
	if p, ok := st.Packages[res.TaskID]; ok {
		return pack.Fingerprint(p.Payload)
	}
	return pack.Fingerprint(res.Outputs)
}

func isCascade(res exec.Result) bool {
	for _, e := range res.Errors {
		if strings.HasPrefix(e, depFailurePrefix) {
			return true
		}
	}
	return false
}
