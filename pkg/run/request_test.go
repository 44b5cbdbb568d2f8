package run

import (
	"strings"
	"testing"
)

const sampleRequest = `
name: release check
description: verify the {{service}} release
kind: technical
params:
  - name: service
    default: billing
tasks:
  - id: t1
    capability: analyze
    priority: 2
    timeout: 30s
    context:
      - label: goal
        priority: 10
        body: "analyze the {{service}} service"
    criteria:
      - name: ok
        evidence_kind: log
        check:
          type: contains
          expected: OK
          message: output must contain OK
  - id: t2
    agent: reviewer
    depends_on: [t1]
`

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest([]byte(sampleRequest), nil)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}

	if req.Name != "release check" {
		t.Errorf("Name = %q", req.Name)
	}
	if req.Description != "verify the billing release" {
		t.Errorf("default param not interpolated: %q", req.Description)
	}
	if len(req.Tasks) != 2 {
		t.Fatalf("Tasks = %d, want 2", len(req.Tasks))
	}
	if req.Tasks[0].Context[0].Body != "analyze the billing service" {
		t.Errorf("context not interpolated: %q", req.Tasks[0].Context[0].Body)
	}
	if req.Tasks[0].timeout().Seconds() != 30 {
		t.Errorf("timeout = %v", req.Tasks[0].timeout())
	}

	if v := req.Validate(); !v.Valid() {
		t.Errorf("request should validate: %s", v.Error())
	}
}

func TestParseRequestParamOverride(t *testing.T) {
	req, err := ParseRequest([]byte(sampleRequest), map[string]string{"service": "payments"})
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Description != "verify the payments release" {
		t.Errorf("override not applied: %q", req.Description)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Request)
		wantMsg string
	}{
		{"missing name", func(r *Request) { r.Name = "" }, "name"},
		{"no tasks", func(r *Request) { r.Tasks = nil }, "tasks"},
		{"duplicate id", func(r *Request) { r.Tasks[1].ID = "t1" }, "duplicate"},
		{"dotted id", func(r *Request) { r.Tasks[0].ID = "etl.load" }, "letters, digits"},
		{"no agent or capability", func(r *Request) { r.Tasks[0].Capability = "" }, "capability or agent"},
		{"unknown phase", func(r *Request) { r.Tasks[0].Phase = "shipping" }, "phase"},
		{"bad timeout", func(r *Request) { r.Tasks[0].Timeout = "fast" }, "duration"},
		{"unknown check type", func(r *Request) { r.Tasks[0].Criteria[0].Check.Type = "vibes" }, "check type"},
		{"missing evidence kind", func(r *Request) { r.Tasks[0].Criteria[0].EvidenceKind = "" }, "evidence_kind"},
		{"unknown dependency", func(r *Request) { r.Tasks[1].DependsOn = []string{"t9"} }, "unknown task"},
		{"unknown kind", func(r *Request) { r.Kind = "mystic" }, "kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequest([]byte(sampleRequest), nil)
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(req)
			v := req.Validate()
			if v.Valid() {
				t.Fatal("expected validation failure")
			}
			if !strings.Contains(v.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", v.Error(), tt.wantMsg)
			}
		})
	}
}

func TestUnresolvedVarsAreKept(t *testing.T) {
	req, err := ParseRequest([]byte("name: x\ntasks:\n  - id: t1\n    capability: \"{{mystery}}\"\n"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if req.Tasks[0].Capability != "{{mystery}}" {
		t.Errorf("unresolved var rewritten: %q", req.Tasks[0].Capability)
	}
}
