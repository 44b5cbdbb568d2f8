// Package validate judges task results against declared success criteria
// and evidence requirements. It never re-executes work; it only inspects
// artifacts the executor captured.
package validate

import "errors"

// Errors distinguishing why a criterion failed.
var (
	ErrEvidenceMissing = errors.New("evidence missing")
	ErrCriterionFailed = errors.New("criterion failed")
)

// Evidence is an artifact produced by an agent for the validator to
// inspect. Kind ties it to a criterion's evidence requirement.
type Evidence struct {
	Kind    string `json:"kind"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// Check is the machine-checkable part of a criterion.
type Check struct {
	Type     string `json:"type"`     // "contains", "not_empty", "matches_regex", "threshold_gte", "json_schema", "probe"
	Expected any    `json:"expected"` // the expected value/pattern
	Message  string `json:"message"`  // human-readable failure description
}

// Criterion pairs an evidence requirement with an acceptance check. A
// criterion with no matching evidence fails; self-reported success
// without artifacts is never accepted.
type Criterion struct {
	Name         string `json:"name"`
	EvidenceKind string `json:"evidence_kind"`
	Check        Check  `json:"check"`
}

// CriterionResult records the outcome of judging one criterion.
type CriterionResult struct {
	Criterion Criterion `json:"criterion"`
	Passed    bool      `json:"passed"`
	Actual    any       `json:"actual,omitempty"`
	Note      string    `json:"note"`
}

// Result is the validator's verdict over all criteria of one task.
type Result struct {
	Passed  bool              `json:"passed"`
	Results []CriterionResult `json:"results"`
}
