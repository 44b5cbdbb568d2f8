// Package run drives the phase state machine of one coordinator run:
// integration, planning, research, synthesis, execution, validation,
// and audit, with checkpoints at every boundary.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cgast/crewd/internal/policy"
	"github.com/cgast/crewd/pkg/agent"
	"github.com/cgast/crewd/pkg/checkpoint"
	"github.com/cgast/crewd/pkg/events"
	"github.com/cgast/crewd/pkg/exec"
	"github.com/cgast/crewd/pkg/knowledge"
	"github.com/cgast/crewd/pkg/pack"
	"github.com/cgast/crewd/pkg/plan"
	"github.com/cgast/crewd/pkg/store"
	"github.com/cgast/crewd/pkg/validate"
)

// Errors surfaced by the run lifecycle.
var (
	ErrInvalidRequest    = errors.New("invalid run request")
	ErrMissingCapability = errors.New("required capability not available")
	ErrToolDenied        = errors.New("tool not permitted for agent")
	ErrRunNotFound       = errors.New("run not found")
	ErrPersistence       = errors.New("persistence failure")
)

// depFailurePrefix marks results rejected because a dependency did not
// succeed. The audit hook flags these records as cascade failures.
const depFailurePrefix = "dependency failure: "

// Deps wires the runner's collaborators.
type Deps struct {
	Registry    *agent.Registry
	Scheduler   *plan.Scheduler
	Packager    *pack.Packager
	Executor    *exec.Executor
	Validator   *validate.Validator
	Checkpoints *checkpoint.Manager
	Knowledge   *knowledge.KnowledgeStore
	KV          store.Store
	Bus         events.Bus
	Logger      *zap.Logger

	// AgentsDir is reloaded during the integration phase.
	AgentsDir string
	// IterationBudget bounds validation-to-synthesis loops.
	IterationBudget int
}

// Runner executes run requests. The coordinator itself is single
// threaded; only agent invocations within a wave run concurrently.
type Runner struct {
	deps   Deps
	logger *zap.Logger
}

// NewRunner creates a runner.
func NewRunner(deps Deps) *Runner {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Bus == nil {
		deps.Bus = events.NewMemoryBus()
	}
	return &Runner{deps: deps, logger: deps.Logger}
}

// Run executes a request to a terminal phase and reports the outcome.
// The error return covers infrastructure failures; task failures are
// reflected in the report's outcome.
func (r *Runner) Run(ctx context.Context, req *Request) (*Report, error) {
	if v := req.Validate(); !v.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, v.Error())
	}
	st := newState(req)
	r.deps.Bus.Publish(events.NewEvent(events.EventRunStart, st.RunID, req.Name))
	return r.drive(ctx, st)
}

// Resume restores state from a checkpoint and continues the run. The
// rollback mode decides which checkpointed results are reused; tasks
// without a restored result are re-executed.
func (r *Runner) Resume(ctx context.Context, req *Request, checkpointID string, mode checkpoint.Mode, opts checkpoint.RollbackOptions) (*Report, error) {
	if v := req.Validate(); !v.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, v.Error())
	}
	cp, err := r.deps.Checkpoints.Find(checkpointID)
	if err != nil {
		return nil, err
	}
	restoredPlan, results, err := r.deps.Checkpoints.Rollback(cp, mode, opts)
	if err != nil {
		return nil, err
	}

	st := newState(req)
	st.RunID = cp.RunID
	st.Plan = restoredPlan
	st.Results = results
	st.resumed = true

	r.deps.Bus.Publish(events.NewEvent(events.EventRollback, st.RunID, map[string]any{
		"checkpoint_id": checkpointID,
		"mode":          string(mode),
	}))
	r.deps.Bus.Publish(events.NewEvent(events.EventRunStart, st.RunID, req.Name))
	return r.drive(ctx, st)
}

// drive advances the state machine until a terminal phase.
func (r *Runner) drive(ctx context.Context, st *State) (*Report, error) {
	for {
		switch st.Phase {
		case PhaseInit:
			if err := r.transition(st, PhaseIntegration); err != nil {
				r.abort(st, err)
			}

		case PhaseIntegration:
			r.step(st, r.integrate(st), PhasePlanning)

		case PhasePlanning:
			r.step(st, r.plan(st), PhaseResearch)

		case PhaseResearch:
			r.step(st, r.research(ctx, st), PhaseSynthesis)

		case PhaseSynthesis:
			r.step(st, r.synthesize(ctx, st), PhaseExecution)

		case PhaseExecution:
			r.step(st, r.execute(ctx, st), PhaseValidation)

		case PhaseValidation:
			next := PhaseAudit
			if r.validateResults(st) && st.Iteration < r.deps.IterationBudget {
				next = PhaseIterate
			}
			r.step(st, nil, next)

		case PhaseIterate:
			r.iterate(st)
			r.step(st, nil, PhaseSynthesis)

		case PhaseAudit:
			r.step(st, r.audit(st), PhaseDone)

		case PhaseDone:
			// The audit hook already published the run.done summary.
			report := r.report(st)
			r.logger.Info("run finished",
				zap.String("run_id", st.RunID),
				zap.String("outcome", string(report.Outcome)),
				zap.Int("iterations", st.Iteration))
			return report, nil

		case PhaseAborted:
			report := r.report(st)
			r.deps.Bus.Publish(events.NewEvent(events.EventRunAborted, st.RunID, report.Outcome))
			r.logger.Warn("run aborted",
				zap.String("run_id", st.RunID),
				zap.Error(st.abortCause))
			return report, st.abortCause
		}
	}
}

// step applies a phase result: abort on error, advance otherwise.
func (r *Runner) step(st *State, err error, next Phase) {
	if err != nil {
		r.abort(st, err)
		return
	}
	if err := r.transition(st, next); err != nil {
		r.abort(st, err)
	}
}

// transition checkpoints the current state and moves to the next phase.
func (r *Runner) transition(st *State, next Phase) error {
	if err := r.checkpointNow(st); err != nil {
		return err
	}
	st.Phase = next
	r.deps.Bus.Publish(events.NewEvent(events.EventRunPhase, st.RunID, string(next)))
	r.logger.Debug("phase transition", zap.String("run_id", st.RunID), zap.String("phase", string(next)))
	return nil
}

func (r *Runner) checkpointNow(st *State) error {
	cp := &checkpoint.Checkpoint{
		RunID:           st.RunID,
		Phase:           string(st.Phase),
		Plan:            st.Plan,
		Results:         copyResults(st.Results),
		KnowledgeCursor: r.deps.Knowledge.Cursor(),
	}
	id, err := r.deps.Checkpoints.Save(cp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	st.Checkpoints = append(st.Checkpoints, id)
	r.deps.Bus.Publish(events.NewEvent(events.EventCheckpointSave, st.RunID, id))
	return nil
}

// abort moves the run to the terminal aborted state with a final
// checkpoint. Checkpoint failure at this point is logged, not fatal.
func (r *Runner) abort(st *State, cause error) {
	st.abortCause = cause
	if err := r.checkpointNow(st); err != nil {
		r.logger.Error("final checkpoint failed", zap.String("run_id", st.RunID), zap.Error(err))
	}
	st.Phase = PhaseAborted
}

// integrate reloads the registry and checks every requested capability
// has at least one provider.
func (r *Runner) integrate(st *State) error {
	if r.deps.AgentsDir != "" {
		n, err := r.deps.Registry.Load(r.deps.AgentsDir)
		if err != nil {
			return fmt.Errorf("registry reload: %w", err)
		}
		r.deps.Bus.Publish(events.NewEvent(events.EventRegistryReload, st.RunID, n))
	}

	for _, t := range st.Request.Tasks {
		if t.Agent != "" {
			if _, err := r.deps.Registry.Get(t.Agent); err != nil {
				return fmt.Errorf("%w: agent %q for task %q", ErrMissingCapability, t.Agent, t.ID)
			}
			continue
		}
		if len(r.deps.Registry.Select(t.Capability, nil)) == 0 {
			return fmt.Errorf("%w: %q for task %q", ErrMissingCapability, t.Capability, t.ID)
		}
	}
	return nil
}

// plan resolves agents and builds the wave plan. A resumed run keeps
// its restored plan so prior results stay aligned with task identity.
func (r *Runner) plan(st *State) error {
	if st.resumed && st.Plan != nil {
		return r.persistPlan(st)
	}

	tasks, err := r.resolveTasks(st.Request)
	if err != nil {
		return err
	}
	p, err := r.deps.Scheduler.Build(st.RunID, tasks)
	if err != nil {
		return err
	}
	st.Plan = p
	r.deps.Bus.Publish(events.NewEvent(events.EventPlanBuilt, st.RunID, map[string]any{
		"tasks": len(p.Tasks),
		"waves": len(p.Waves),
	}))
	return r.persistPlan(st)
}

func (r *Runner) resolveTasks(req *Request) ([]plan.Task, error) {
	tasks := make([]plan.Task, 0, len(req.Tasks))
	for _, ts := range req.Tasks {
		var d agent.Descriptor
		if ts.Agent != "" {
			var err error
			d, err = r.deps.Registry.Get(ts.Agent)
			if err != nil {
				return nil, err
			}
		} else {
			candidates := r.deps.Registry.Select(ts.Capability, nil)
			if len(candidates) == 0 {
				return nil, fmt.Errorf("%w: %q for task %q", ErrMissingCapability, ts.Capability, ts.ID)
			}
			// Candidates are sorted by id; the first is the deterministic pick.
			d = candidates[0]
		}
		if err := checkTools(d, ts); err != nil {
			return nil, err
		}
		tasks = append(tasks, plan.Task{
			ID:            ts.ID,
			Phase:         ts.phaseName(),
			AgentID:       d.ID,
			ResourceClass: d.ResourceClass,
			Criteria:      ts.criteria(),
			Timeout:       ts.timeout(),
			Priority:      ts.Priority,
			DependsOn:     ts.DependsOn,
			HighRisk:      ts.HighRisk,
			NonRetryable:  ts.NonRetryable,
		})
	}
	return tasks, nil
}

// checkTools verifies the agent's tool permissions cover every tool
// the task declares. Planning fails before any dispatch when they do
// not.
func checkTools(d agent.Descriptor, ts TaskSpec) error {
	if len(ts.Tools) == 0 {
		return nil
	}
	pol, err := policy.ForAgent(d.ToolPermissions)
	if err != nil {
		return fmt.Errorf("agent %s: %w", d.ID, err)
	}
	for _, tool := range ts.Tools {
		if err := pol.Check(tool); err != nil {
			return fmt.Errorf("%w: task %s needs %s, agent %s: %v", ErrToolDenied, ts.ID, tool, d.ID, err)
		}
	}
	return nil
}

func (r *Runner) persistPlan(st *State) error {
	data, err := json.Marshal(st.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	key := fmt.Sprintf("runs/%s/plan.json", st.RunID)
	if err := r.deps.KV.Put(key, data); err != nil && !errors.Is(err, store.ErrImmutableKey) {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// research packages and executes the research sub-plan.
func (r *Runner) research(ctx context.Context, st *State) error {
	isResearch := func(t plan.Task) bool { return t.Phase == "research" }
	if err := r.buildPackages(ctx, st, isResearch); err != nil {
		return err
	}
	return r.executeWaves(ctx, st, isResearch)
}

// synthesize produces context packages for every pending execution
// task. A task whose context cannot fit its agent's budget is rejected
// here and never dispatched.
func (r *Runner) synthesize(ctx context.Context, st *State) error {
	return r.buildPackages(ctx, st, func(t plan.Task) bool { return t.Phase != "research" })
}

func (r *Runner) buildPackages(ctx context.Context, st *State, include func(plan.Task) bool) error {
	recency := time.Now().Unix()
	for _, t := range sortedPlanTasks(st.Plan) {
		if !include(t) {
			continue
		}
		if _, done := st.Results[t.ID]; done {
			continue
		}
		ts, ok := st.Request.taskSpec(t.ID)
		if !ok {
			continue
		}
		desc, err := r.deps.Registry.Get(t.AgentID)
		if err != nil {
			return err
		}

		sections := ts.sections(recency)
		sections = append(sections, r.dependencySections(st, t)...)

		p, err := r.deps.Packager.Build(ctx, desc, st.Request.packKind(ts), sections)
		if err != nil {
			if errors.Is(err, pack.ErrContextOverflow) {
				now := time.Now()
				st.Results[t.ID] = exec.Result{
					TaskID:    t.ID,
					Status:    exec.StatusRejected,
					Errors:    []string{err.Error()},
					StartedAt: now,
					EndedAt:   now,
				}
				r.persistResult(st, st.Results[t.ID])
				r.deps.Bus.Publish(events.NewEvent(events.EventTaskEnd, st.RunID, t.ID))
				r.logger.Warn("context overflow",
					zap.String("run_id", st.RunID),
					zap.String("task_id", t.ID),
					zap.String("agent_id", t.AgentID))
				continue
			}
			return err
		}
		st.Packages[t.ID] = p
	}
	return nil
}

// dependencySections exposes successful dependency outputs to the task.
func (r *Runner) dependencySections(st *State, t plan.Task) []pack.Section {
	var out []pack.Section
	for _, dep := range t.DependsOn {
		res, ok := st.Results[dep]
		if !ok || res.Status != exec.StatusSuccess || res.Outputs == "" {
			continue
		}
		out = append(out, pack.Section{
			Label:    "result:" + dep,
			Priority: 1,
			Recency:  res.EndedAt.Unix(),
			Body:     res.Outputs,
		})
	}
	return out
}

// execute runs the remaining (non-research) waves.
func (r *Runner) execute(ctx context.Context, st *State) error {
	return r.executeWaves(ctx, st, func(t plan.Task) bool { return t.Phase != "research" })
}

// executeWaves walks the plan waves in order, skipping tasks that are
// already terminal or whose dependencies did not succeed. Transient
// transport failures re-queue into an extra wave placed before the next
// plan wave, bounded by the transport retry budget.
func (r *Runner) executeWaves(ctx context.Context, st *State, include func(plan.Task) bool) error {
	queue := make([]plan.Wave, len(st.Plan.Waves))
	copy(queue, st.Plan.Waves)

	for wi := 0; len(queue) > 0; wi++ {
		wave := queue[0]
		queue = queue[1:]

		var tasks []plan.Task
		for _, id := range wave {
			t, ok := st.Plan.Task(id)
			if !ok || !include(t) {
				continue
			}
			if _, done := st.Results[id]; done {
				continue
			}
			if cause, blocked := r.depBlocked(st, t); blocked {
				now := time.Now()
				st.Results[id] = exec.Result{
					TaskID:    id,
					Status:    exec.StatusRejected,
					Errors:    []string{depFailurePrefix + cause},
					StartedAt: now,
					EndedAt:   now,
				}
				r.persistResult(st, st.Results[id])
				r.deps.Bus.Publish(events.NewEvent(events.EventTaskEnd, st.RunID, id))
				continue
			}
			tasks = append(tasks, t)
		}
		if len(tasks) == 0 {
			continue
		}

		// Declared high-risk tasks get a checkpoint before dispatch.
		for _, t := range tasks {
			if t.HighRisk {
				if err := r.checkpointNow(st); err != nil {
					return err
				}
				break
			}
		}

		startEvent := events.NewEvent(events.EventWaveStart, st.RunID, taskIDs(tasks))
		startEvent.Wave = wi
		r.deps.Bus.Publish(startEvent)
		for _, t := range tasks {
			dispatchEvent := events.NewEvent(events.EventTaskDispatch, st.RunID, t.ID)
			dispatchEvent.Wave = wi
			r.deps.Bus.Publish(dispatchEvent)
		}
		waveStart := time.Now()

		results := r.deps.Executor.RunWave(ctx, tasks, st.Packages)

		var retry plan.Wave
		for _, res := range results {
			st.attempts[res.TaskID]++
			if res.Retryable && st.attempts[res.TaskID] <= r.deps.Executor.TransportRetries() {
				retry = append(retry, res.TaskID)
				retryEvent := events.NewEvent(events.EventTaskRetryQueue, st.RunID, res.TaskID)
				retryEvent.Wave = wi
				r.deps.Bus.Publish(retryEvent)
				continue
			}
			st.Results[res.TaskID] = res
			r.persistResult(st, res)
			endEvent := events.NewEvent(events.EventTaskEnd, st.RunID, res.TaskID)
			endEvent.Wave = wi
			endEvent.Duration = res.EndedAt.Sub(res.StartedAt)
			r.deps.Bus.Publish(endEvent)
		}

		endEvent := events.NewEvent(events.EventWaveEnd, st.RunID, len(results))
		endEvent.Wave = wi
		endEvent.Duration = time.Since(waveStart)
		r.deps.Bus.Publish(endEvent)

		// Retries run in their own wave, ahead of dependents.
		if len(retry) > 0 {
			queue = append([]plan.Wave{retry}, queue...)
		}

		// Cooperative cancellation: the wave that was in flight finished,
		// no further waves start.
		if ctx.Err() != nil {
			return fmt.Errorf("run cancelled during wave %d: %w", wi, ctx.Err())
		}
	}
	return nil
}

func (r *Runner) depBlocked(st *State, t plan.Task) (string, bool) {
	for _, dep := range t.DependsOn {
		res, ok := st.Results[dep]
		if !ok {
			return fmt.Sprintf("%s not executed", dep), true
		}
		if res.Status != exec.StatusSuccess {
			return fmt.Sprintf("%s %s", dep, res.Status), true
		}
	}
	return "", false
}

// validateResults judges successful results against their criteria and
// downgrades failures to rejected. Returns whether any task is left
// non-successful.
func (r *Runner) validateResults(st *State) bool {
	anyFailed := false
	for _, t := range sortedPlanTasks(st.Plan) {
		res, ok := st.Results[t.ID]
		if !ok {
			continue
		}
		if res.Status == exec.StatusSuccess && len(t.Criteria) > 0 && res.Criteria == nil {
			verdict := r.deps.Validator.Validate(res.Evidence, t.Criteria)
			res.Criteria = verdict.Results
			if !verdict.Passed {
				res.Status = exec.StatusRejected
				for _, cr := range verdict.Results {
					if !cr.Passed {
						res.Errors = append(res.Errors, cr.Note)
					}
				}
			}
			st.Results[t.ID] = res
			r.persistResult(st, res)
			r.deps.Bus.Publish(events.NewEvent(events.EventValidation, st.RunID, map[string]any{
				"task_id": t.ID,
				"passed":  verdict.Passed,
			}))
		}
		if res.Status != exec.StatusSuccess {
			anyFailed = true
		}
	}
	return anyFailed
}

// iterate resets failed execution tasks so synthesis can repackage and
// re-dispatch them. Research results are kept.
func (r *Runner) iterate(st *State) {
	st.Iteration++
	r.deps.Bus.Publish(events.NewEvent(events.EventIteration, st.RunID, st.Iteration))

	for _, t := range st.Plan.Tasks {
		if t.Phase == "research" {
			continue
		}
		res, ok := st.Results[t.ID]
		if !ok || res.Status == exec.StatusSuccess {
			continue
		}
		delete(st.Results, t.ID)
		delete(st.Packages, t.ID)
		st.attempts[t.ID] = 0
	}
}

// persistResult writes the result file. Re-executed tasks get an
// iteration-suffixed key; files are never rewritten in place.
func (r *Runner) persistResult(st *State, res exec.Result) {
	data, err := json.Marshal(res)
	if err != nil {
		r.logger.Error("marshal result", zap.String("task_id", res.TaskID), zap.Error(err))
		return
	}
	key := fmt.Sprintf("runs/%s/results/%s.json", st.RunID, res.TaskID)
	err = r.deps.KV.Put(key, data)
	for n := 2; errors.Is(err, store.ErrImmutableKey) && n <= 10; n++ {
		key = fmt.Sprintf("runs/%s/results/%s.%d.json", st.RunID, res.TaskID, n)
		err = r.deps.KV.Put(key, data)
	}
	if err != nil && !errors.Is(err, store.ErrImmutableKey) {
		r.logger.Error("persist result", zap.String("task_id", res.TaskID), zap.Error(err))
	}
}

func (r *Runner) report(st *State) *Report {
	outcome := OutcomeDone
	if st.Phase == PhaseAborted {
		outcome = OutcomeAborted
	} else {
		for _, res := range st.Results {
			if res.Status != exec.StatusSuccess {
				outcome = OutcomeValidationFailed
				break
			}
		}
	}
	return &Report{
		RunID:      st.RunID,
		Outcome:    outcome,
		FinalPhase: st.Phase,
		Results:    copyResults(st.Results),
		Iterations: st.Iteration,
		Duration:   time.Since(st.StartedAt),
	}
}

// taskSpec finds the request spec for a task id.
func (req *Request) taskSpec(id string) (TaskSpec, bool) {
	for _, t := range req.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return TaskSpec{}, false
}

func sortedPlanTasks(p *plan.ExecutionPlan) []plan.Task {
	out := make([]plan.Task, len(p.Tasks))
	copy(out, p.Tasks)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func taskIDs(tasks []plan.Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

func copyResults(in map[string]exec.Result) map[string]exec.Result {
	out := make(map[string]exec.Result, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
