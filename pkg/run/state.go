package run

import (
	"time"

	"github.com/google/uuid"

	"github.com/cgast/crewd/pkg/exec"
	"github.com/cgast/crewd/pkg/pack"
	"github.com/cgast/crewd/pkg/plan"
)

// Phase is one state of the run lifecycle.
type Phase string

const (
	PhaseInit        Phase = "init"
	PhaseIntegration Phase = "integration"
	PhasePlanning    Phase = "planning"
	PhaseResearch    Phase = "research"
	PhaseSynthesis   Phase = "synthesis"
	PhaseExecution   Phase = "execution"
	PhaseValidation  Phase = "validation"
	PhaseIterate     Phase = "iterate"
	PhaseAudit       Phase = "audit"
	PhaseDone        Phase = "done"
	PhaseAborted     Phase = "aborted"
)

// State is the coordinator's in-memory aggregate for one run. It is
// owned by the coordinator goroutine; workers return results and never
// touch it.
type State struct {
	RunID       string
	Phase       Phase
	Request     *Request
	Plan        *plan.ExecutionPlan
	Results     map[string]exec.Result
	Packages    map[string]pack.Package
	Checkpoints []string
	Iteration   int
	StartedAt   time.Time

	// attempts counts dispatches per task for the retry budget.
	attempts map[string]int
	// resumed marks a state seeded from a rollback; planning keeps the
	// restored plan instead of rebuilding.
	resumed bool
	// abortCause records why the run entered aborted.
	abortCause error
}

func newState(req *Request) *State {
	return &State{
		RunID:     uuid.NewString(),
		Phase:     PhaseInit,
		Request:   req,
		Results:   make(map[string]exec.Result),
		Packages:  make(map[string]pack.Package),
		StartedAt: time.Now(),
		attempts:  make(map[string]int),
	}
}

// Outcome is the terminal verdict of a run, mapped to the process exit
// code by the CLI.
type Outcome string

const (
	OutcomeDone             Outcome = "done"
	OutcomeAborted          Outcome = "aborted"
	OutcomeValidationFailed Outcome = "validation_failed"
)

// ExitCode maps the outcome to the CLI exit code.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeDone:
		return 0
	case OutcomeAborted:
		return 1
	default:
		return 2
	}
}

// Report summarizes a finished run.
type Report struct {
	RunID      string                 `json:"run_id"`
	Outcome    Outcome                `json:"outcome"`
	FinalPhase Phase                  `json:"final_phase"`
	Results    map[string]exec.Result `json:"results"`
	Iterations int                    `json:"iterations"`
	Duration   time.Duration          `json:"duration"`
}
