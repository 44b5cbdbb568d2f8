package validate

import (
	"strings"
	"testing"
)

func TestCheckers(t *testing.T) {
	tests := []struct {
		name    string
		ev      Evidence
		check   Check
		passed  bool
	}{
		{"contains pass", Evidence{Content: "build OK done"}, Check{Type: "contains", Expected: "OK"}, true},
		{"contains fail", Evidence{Content: "build failed"}, Check{Type: "contains", Expected: "OK"}, false},
		{"not_empty pass", Evidence{Content: "x"}, Check{Type: "not_empty"}, true},
		{"not_empty fail", Evidence{Content: "   "}, Check{Type: "not_empty"}, false},
		{"regex pass", Evidence{Content: "tests: 12 passed"}, Check{Type: "matches_regex", Expected: `\d+ passed`}, true},
		{"regex bad pattern", Evidence{Content: "x"}, Check{Type: "matches_regex", Expected: "("}, false},
		{"threshold pass", Evidence{Content: "0.93"}, Check{Type: "threshold_gte", Expected: 0.9}, true},
		{"threshold fail", Evidence{Content: "0.42"}, Check{Type: "threshold_gte", Expected: 0.9}, false},
		{"threshold not numeric", Evidence{Content: "high"}, Check{Type: "threshold_gte", Expected: 1}, false},
		{"json pass", Evidence{Content: `{"status":"ok","n":1}`}, Check{Type: "json_schema", Expected: map[string]any{"required": []any{"status"}}}, true},
		{"json missing key", Evidence{Content: `{"n":1}`}, Check{Type: "json_schema", Expected: map[string]any{"required": []any{"status"}}}, false},
		{"json invalid", Evidence{Content: "not json"}, Check{Type: "json_schema"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := GetChecker(tt.check.Type)
			if checker == nil {
				t.Fatalf("no checker for %q", tt.check.Type)
			}
			got := checker(tt.ev, tt.check)
			if got.Passed != tt.passed {
				t.Errorf("Passed = %v, want %v (note: %s)", got.Passed, tt.passed, got.Note)
			}
		})
	}
}

func TestValidateRequiresEvidence(t *testing.T) {
	v := NewValidator()

	criteria := []Criterion{{
		Name:         "output-ok",
		EvidenceKind: "output",
		Check:        Check{Type: "contains", Expected: "OK"},
	}}

	// Self-reported success with no artifacts is rejected.
	res := v.Validate(nil, criteria)
	if res.Passed {
		t.Fatal("validation passed without evidence")
	}
	if !strings.Contains(res.Results[0].Note, "evidence missing") {
		t.Errorf("note = %q, want evidence missing", res.Results[0].Note)
	}

	// Evidence of the wrong kind does not satisfy the criterion.
	res = v.Validate([]Evidence{{Kind: "log", Content: "OK"}}, criteria)
	if res.Passed {
		t.Fatal("wrong-kind evidence accepted")
	}

	// Matching kind and passing check.
	res = v.Validate([]Evidence{{Kind: "output", Content: "all OK"}}, criteria)
	if !res.Passed {
		t.Fatalf("validation failed: %+v", res.Results)
	}
}

func TestValidateAllCriteriaMustPass(t *testing.T) {
	v := NewValidator()
	evidence := []Evidence{
		{Kind: "output", Content: "finished OK"},
		{Kind: "coverage", Content: "0.50"},
	}
	criteria := []Criterion{
		{Name: "ok", EvidenceKind: "output", Check: Check{Type: "contains", Expected: "OK"}},
		{Name: "cov", EvidenceKind: "coverage", Check: Check{Type: "threshold_gte", Expected: 0.8}},
	}

	res := v.Validate(evidence, criteria)
	if res.Passed {
		t.Fatal("expected rejection with one failing criterion")
	}
	if len(res.Results) != 2 {
		t.Fatalf("got %d criterion results, want 2", len(res.Results))
	}
	if !res.Results[0].Passed || res.Results[1].Passed {
		t.Errorf("per-criterion outcomes wrong: %+v", res.Results)
	}
}

func TestValidateFailFast(t *testing.T) {
	v := NewValidator(WithFailFast(true))
	criteria := []Criterion{
		{Name: "a", EvidenceKind: "output", Check: Check{Type: "contains", Expected: "missing"}},
		{Name: "b", EvidenceKind: "output", Check: Check{Type: "not_empty"}},
	}

	res := v.Validate([]Evidence{{Kind: "output", Content: "text"}}, criteria)
	if len(res.Results) != 1 {
		t.Errorf("fail-fast produced %d results, want 1", len(res.Results))
	}
}

func TestFirstPassingArtifactWins(t *testing.T) {
	v := NewValidator()
	evidence := []Evidence{
		{Kind: "output", Name: "attempt-1", Content: "failed"},
		{Kind: "output", Name: "attempt-2", Content: "OK"},
	}
	criteria := []Criterion{{Name: "ok", EvidenceKind: "output", Check: Check{Type: "contains", Expected: "OK"}}}

	if res := v.Validate(evidence, criteria); !res.Passed {
		t.Fatalf("expected pass via second artifact: %+v", res.Results)
	}
}
