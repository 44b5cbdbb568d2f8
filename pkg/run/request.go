package run

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cgast/crewd/pkg/pack"
	"github.com/cgast/crewd/pkg/validate"
)

// Request is a declarative run request parsed from YAML.
type Request struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Kind        string     `yaml:"kind"` // default context package kind
	Params      []ParamDef `yaml:"params"`
	Tasks       []TaskSpec `yaml:"tasks"`
}

// ParamDef declares a template parameter with an optional default.
type ParamDef struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Default     any    `yaml:"default"`
}

// TaskSpec is one requested unit of work. Either Agent names a concrete
// agent or Capability selects one from the registry.
type TaskSpec struct {
	ID           string   `yaml:"id"`
	Phase        string   `yaml:"phase"` // "research" or "execution" (default)
	Capability   string   `yaml:"capability"`
	Agent        string   `yaml:"agent"`
	Kind         string   `yaml:"kind"`
	Priority     int      `yaml:"priority"`
	DependsOn    []string `yaml:"depends_on"`
	Timeout      string   `yaml:"timeout"`
	HighRisk     bool     `yaml:"high_risk"`
	NonRetryable bool     `yaml:"non_retryable"`
	// Tools the task needs, as namespace:command references. The assigned
	// agent's tool permissions must cover every one of them.
	Tools    []string        `yaml:"tools"`
	Context  []SectionSpec   `yaml:"context"`
	Criteria []CriterionSpec `yaml:"criteria"`
}

// SectionSpec is one labeled slice of raw context for the packager.
type SectionSpec struct {
	Label    string `yaml:"label"`
	Priority int    `yaml:"priority"`
	Body     string `yaml:"body"`
}

// CriterionSpec declares a success criterion with its evidence
// requirement.
type CriterionSpec struct {
	Name         string    `yaml:"name"`
	EvidenceKind string    `yaml:"evidence_kind"`
	Check        CheckSpec `yaml:"check"`
}

// CheckSpec is the machine-checkable part of a criterion.
type CheckSpec struct {
	Type     string `yaml:"type"`
	Expected any    `yaml:"expected"`
	Message  string `yaml:"message"`
}

// LoadRequest reads a YAML request file and returns a parsed Request.
// Template variables like {{date}} and {{param_name}} are interpolated
// using the provided params (or defaults from the request).
func LoadRequest(path string, params map[string]string) (*Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read request %s: %w", path, err)
	}
	return ParseRequest(data, params)
}

// ParseRequest parses YAML data into a Request with variable
// interpolation.
func ParseRequest(data []byte, params map[string]string) (*Request, error) {
	// First pass: parse to get param defaults.
	var raw Request
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}

	vars := buildVarMap(raw.Params, params)
	interpolated := interpolateVars(string(data), vars)

	// Second pass: parse the interpolated YAML.
	var req Request
	if err := yaml.Unmarshal([]byte(interpolated), &req); err != nil {
		return nil, fmt.Errorf("parse interpolated request: %w", err)
	}
	return &req, nil
}

// buildVarMap creates a variable map from param defaults and runtime
// overrides. Built-in variables like {{date}} are always available.
func buildVarMap(paramDefs []ParamDef, overrides map[string]string) map[string]string {
	vars := make(map[string]string)

	now := time.Now()
	vars["date"] = now.Format("2006-01-02")
	vars["datetime"] = now.Format("2006-01-02T15:04:05")
	vars["year"] = now.Format("2006")

	for _, p := range paramDefs {
		if p.Default != nil {
			vars[p.Name] = fmt.Sprintf("%v", p.Default)
		}
	}
	for k, v := range overrides {
		vars[k] = v
	}
	return vars
}

// templatePattern matches {{var_name}} patterns.
var templatePattern = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}`)

// interpolateVars replaces {{var_name}} patterns with values from the
// var map. Unknown variables are left as-is.
func interpolateVars(s string, vars map[string]string) string {
	return templatePattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}}"), "{{")
		if val, ok := vars[varName]; ok {
			return val
		}
		return match
	})
}

// RequestError is a single request validation finding.
type RequestError struct {
	Field   string
	Message string
}

func (e RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// RequestValidation aggregates request validation findings.
type RequestValidation struct {
	Errors []RequestError
}

// Valid reports whether the request passed validation.
func (r RequestValidation) Valid() bool { return len(r.Errors) == 0 }

// Error joins all findings into one message.
func (r RequestValidation) Error() string {
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

func (r *RequestValidation) add(field, format string, args ...any) {
	r.Errors = append(r.Errors, RequestError{Field: field, Message: fmt.Sprintf(format, args...)})
}

var validPhases = map[string]bool{"": true, "research": true, "execution": true}

// Result keys derive from task ids with a dotted attempt suffix, so ids
// keep to a dotless alphabet.
var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Validate checks the request for structural problems before any
// agent is consulted.
func (req *Request) Validate() RequestValidation {
	var v RequestValidation

	if strings.TrimSpace(req.Name) == "" {
		v.add("name", "is required")
	}
	if len(req.Tasks) == 0 {
		v.add("tasks", "at least one task is required")
	}
	if req.Kind != "" && !validKind(req.Kind) {
		v.add("kind", "unknown package kind %q", req.Kind)
	}

	seen := make(map[string]bool, len(req.Tasks))
	for i, t := range req.Tasks {
		field := fmt.Sprintf("tasks[%d]", i)
		if strings.TrimSpace(t.ID) == "" {
			v.add(field+".id", "is required")
			continue
		}
		if seen[t.ID] {
			v.add(field+".id", "duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
		if !taskIDPattern.MatchString(t.ID) {
			v.add(field+".id", "id %q may contain only letters, digits, '-' and '_'", t.ID)
		}

		if t.Capability == "" && t.Agent == "" {
			v.add(field, "either capability or agent is required")
		}
		if !validPhases[t.Phase] {
			v.add(field+".phase", "unknown phase %q", t.Phase)
		}
		if t.Kind != "" && !validKind(t.Kind) {
			v.add(field+".kind", "unknown package kind %q", t.Kind)
		}
		if t.Timeout != "" {
			if _, err := time.ParseDuration(t.Timeout); err != nil {
				v.add(field+".timeout", "invalid duration %q", t.Timeout)
			}
		}
		for _, tool := range t.Tools {
			if !strings.Contains(tool, ":") || strings.Contains(tool, "*") {
				v.add(field+".tools", "tool reference %q must be a concrete namespace:command", tool)
			}
		}
		for j, c := range t.Criteria {
			cf := fmt.Sprintf("%s.criteria[%d]", field, j)
			if c.Name == "" {
				v.add(cf+".name", "is required")
			}
			if c.EvidenceKind == "" {
				v.add(cf+".evidence_kind", "is required")
			}
			if validate.GetChecker(c.Check.Type) == nil {
				v.add(cf+".check.type", "unknown check type %q", c.Check.Type)
			}
		}
	}

	for i, t := range req.Tasks {
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				v.add(fmt.Sprintf("tasks[%d].depends_on", i), "unknown task %q", dep)
			}
		}
	}
	return v
}

func validKind(k string) bool {
	switch pack.Kind(k) {
	case pack.KindStrategic, pack.KindTechnical, pack.KindFrontend,
		pack.KindSecurity, pack.KindPerformance, pack.KindData:
		return true
	}
	return false
}

// packKind resolves the effective package kind for a task.
func (req *Request) packKind(t TaskSpec) pack.Kind {
	if t.Kind != "" {
		return pack.Kind(t.Kind)
	}
	if req.Kind != "" {
		return pack.Kind(req.Kind)
	}
	return pack.KindTechnical
}

// criteria converts the declared criteria into validator criteria.
func (t TaskSpec) criteria() []validate.Criterion {
	out := make([]validate.Criterion, 0, len(t.Criteria))
	for _, c := range t.Criteria {
		out = append(out, validate.Criterion{
			Name:         c.Name,
			EvidenceKind: c.EvidenceKind,
			Check: validate.Check{
				Type:     c.Check.Type,
				Expected: c.Check.Expected,
				Message:  c.Check.Message,
			},
		})
	}
	return out
}

// sections converts the declared context into packager sections.
func (t TaskSpec) sections(recency int64) []pack.Section {
	out := make([]pack.Section, 0, len(t.Context))
	for _, s := range t.Context {
		out = append(out, pack.Section{
			Label:    s.Label,
			Priority: s.Priority,
			Recency:  recency,
			Body:     s.Body,
		})
	}
	return out
}

// timeout parses the task timeout, zero when unset.
func (t TaskSpec) timeout() time.Duration {
	if t.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(t.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// phaseName returns the effective phase label.
func (t TaskSpec) phaseName() string {
	if t.Phase == "" {
		return "execution"
	}
	return t.Phase
}
