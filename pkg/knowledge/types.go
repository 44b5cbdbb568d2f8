// Package knowledge is the append-only log of past run outcomes, with
// indexed lookups by pattern and context fingerprint. Records outlive
// runs and are shared across them; they are never mutated.
package knowledge

import (
	"errors"
	"time"
)

// Common errors for knowledge operations.
var (
	ErrInvalidRecord = errors.New("invalid knowledge record")
	ErrEmptyPattern  = errors.New("pattern key cannot be empty")
)

// Outcome is the result type of a record.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// QueryKind selects the lookup filter.
type QueryKind string

const (
	QueryErrorPattern  QueryKind = "error_pattern"
	QuerySolution      QueryKind = "successful_solution"
	QueryAgentPerf     QueryKind = "agent_performance"
	QueryFailureChains QueryKind = "failure_cascade"
)

// Record is one persisted outcome. PatternKey identifies what was
// attempted (agent id + criterion pattern); Fingerprint identifies the
// context it ran against.
type Record struct {
	PatternKey  string    `json:"pattern_key"`
	Fingerprint string    `json:"context_fingerprint"`
	AgentID     string    `json:"agent_id"`
	Outcome     Outcome   `json:"outcome"`
	Details     string    `json:"details,omitempty"`
	Cascade     bool      `json:"cascade,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Validate checks record invariants before append.
func (r Record) Validate() error {
	if r.PatternKey == "" {
		return ErrEmptyPattern
	}
	if r.Outcome != OutcomeSuccess && r.Outcome != OutcomeFailure {
		return ErrInvalidRecord
	}
	if r.RecordedAt.IsZero() {
		return ErrInvalidRecord
	}
	return nil
}
