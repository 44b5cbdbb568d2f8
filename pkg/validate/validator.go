package validate

import (
	"fmt"
)

// Option configures the Validator.
type Option func(*Validator)

// WithFailFast stops validation on the first failed criterion.
func WithFailFast(ff bool) Option {
	return func(v *Validator) {
		v.failFast = ff
	}
}

// Validator judges evidence against criteria.
type Validator struct {
	failFast bool
}

// NewValidator creates a validator with the given options.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks every criterion against the evidence set. For each
// criterion it locates an artifact of the required kind and applies the
// acceptance check; the first artifact of the kind that passes satisfies
// the criterion. No matching artifact fails the criterion outright.
func (v *Validator) Validate(evidence []Evidence, criteria []Criterion) Result {
	result := Result{
		Passed:  true,
		Results: make([]CriterionResult, 0, len(criteria)),
	}

	for _, crit := range criteria {
		cr := v.judge(evidence, crit)
		result.Results = append(result.Results, cr)
		if !cr.Passed {
			result.Passed = false
			if v.failFast {
				return result
			}
		}
	}
	return result
}

func (v *Validator) judge(evidence []Evidence, crit Criterion) CriterionResult {
	checker := GetChecker(crit.Check.Type)
	if checker == nil {
		return CriterionResult{
			Criterion: crit,
			Passed:    false,
			Note:      fmt.Sprintf("unknown check type: %q", crit.Check.Type),
		}
	}

	var last *CriterionResult
	for _, ev := range evidence {
		if ev.Kind != crit.EvidenceKind {
			continue
		}
		cr := checker(ev, crit.Check)
		cr.Criterion = crit
		if cr.Passed {
			return cr
		}
		last = &cr
	}

	if last != nil {
		last.Note = fmt.Sprintf("%v: %s", ErrCriterionFailed, last.Note)
		return *last
	}
	return CriterionResult{
		Criterion: crit,
		Passed:    false,
		Note:      fmt.Sprintf("%v: no %q artifact", ErrEvidenceMissing, crit.EvidenceKind),
	}
}
