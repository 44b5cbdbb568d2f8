package agent

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeDescriptor(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0644); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
}

const validAgent = `
id: researcher
name: Researcher
description: Gathers background material.
category: specialist
capabilities: [research, web-search]
max_concurrent: 2
resource_class: net
token_budget: 4000
tool_permissions: ["http:get", "fs:read"]
`

func TestRegistryLoad(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "researcher.yaml", validAgent)
	writeDescriptor(t, dir, "writer.yaml", `
id: writer
name: Writer
description: Produces documents.
category: specialist
capabilities: [writing]
max_concurrent: 1
resource_class: light
token_budget: 2000
`)

	r := NewRegistry()
	n, err := r.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 2 {
		t.Errorf("loaded %d descriptors, want 2", n)
	}

	d, err := r.Get("researcher")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if d.ResourceClass != ResourceNet {
		t.Errorf("ResourceClass = %q, want net", d.ResourceClass)
	}
	if _, err := r.Get("nobody"); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("Get(nobody) = %v, want ErrUnknownAgent", err)
	}
}

func TestRegistryLoadRejectsBatch(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"missing name", "id: x\ndescription: d\nresource_class: cpu\nmax_concurrent: 1\ntoken_budget: 100\n", ErrInvalidDescriptor},
		{"negative budget", "id: x\nname: X\ndescription: d\nresource_class: cpu\nmax_concurrent: 1\ntoken_budget: -5\n", ErrInvalidDescriptor},
		{"bad class", "id: x\nname: X\ndescription: d\nresource_class: gpu\nmax_concurrent: 1\ntoken_budget: 100\n", ErrInvalidDescriptor},
		{"self peer", "id: x\nname: X\ndescription: d\nresource_class: cpu\nmax_concurrent: 1\ntoken_budget: 100\nforbidden_peers: [x]\n", ErrInvalidDescriptor},
		{"duplicate id", validAgent, ErrDuplicateAgent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeDescriptor(t, dir, "a-researcher.yaml", validAgent)
			writeDescriptor(t, dir, "z-bad.yaml", tt.body)

			r := NewRegistry()
			if _, err := r.Load(dir); !errors.Is(err, tt.want) {
				t.Fatalf("Load = %v, want %v", err, tt.want)
			}
			// Atomic reload: nothing from the batch is visible.
			if _, err := r.Get("researcher"); !errors.Is(err, ErrUnknownAgent) {
				t.Errorf("registry not empty after rejected batch")
			}
		})
	}
}

func TestRegistryLoadDefaultTokenBudget(t *testing.T) {
	const noBudget = `
id: summarizer
name: Summarizer
description: Condenses material.
category: specialist
capabilities: [summarize]
max_concurrent: 1
resource_class: light
`
	dir := t.TempDir()
	writeDescriptor(t, dir, "summarizer.yaml", noBudget)

	r := NewRegistry()
	if _, err := r.Load(dir); err != nil {
		t.Fatalf("Load: %v", err)
	}
	d, err := r.Get("summarizer")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if d.TokenBudget != DefaultTokenBudget {
		t.Errorf("TokenBudget = %d, want default %d", d.TokenBudget, DefaultTokenBudget)
	}

	// A configured default applies to the next load.
	other := t.TempDir()
	writeDescriptor(t, other, "summarizer.yaml", noBudget)
	r2 := NewRegistry()
	r2.SetDefaultTokenBudget(1234)
	if _, err := r2.Load(other); err != nil {
		t.Fatalf("Load: %v", err)
	}
	d, err = r2.Get("summarizer")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if d.TokenBudget != 1234 {
		t.Errorf("TokenBudget = %d, want 1234", d.TokenBudget)
	}
}

func TestRegistryReloadUnchangedIsNoop(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "researcher.yaml", validAgent)

	r := NewRegistry()
	if _, err := r.Load(dir); err != nil {
		t.Fatalf("Load: %v", err)
	}
	fp := r.Fingerprint()

	if _, err := r.Load(dir); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if r.Fingerprint() != fp {
		t.Errorf("fingerprint changed on unchanged reload")
	}
}

func TestRegistrySelect(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "researcher.yaml", validAgent)
	writeDescriptor(t, dir, "scanner.yaml", `
id: scanner
name: Scanner
description: Security scans.
category: specialist
capabilities: [research, security-scan]
max_concurrent: 1
resource_class: cpu
token_budget: 1000
`)

	r := NewRegistry()
	if _, err := r.Load(dir); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := r.Select("research", nil)
	if len(got) != 2 || got[0].ID != "researcher" || got[1].ID != "scanner" {
		t.Fatalf("Select(research) = %v", got)
	}

	got = r.Select("research", map[string]bool{"researcher": true})
	if len(got) != 1 || got[0].ID != "scanner" {
		t.Fatalf("Select excluding = %v", got)
	}

	if ids := r.MatchCapability("security-*"); len(ids) != 1 || ids[0] != "scanner" {
		t.Fatalf("MatchCapability glob = %v", ids)
	}
}

func TestForbiddenPair(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "lead.yaml", `
id: lead
name: Lead
description: Orchestrates runs.
category: orchestrator
capabilities: [orchestration]
max_concurrent: 1
resource_class: light
token_budget: 4000
`)
	writeDescriptor(t, dir, "deputy.yaml", `
id: deputy
name: Deputy
description: Backup orchestrator.
category: orchestrator
capabilities: [orchestration]
max_concurrent: 1
resource_class: light
token_budget: 4000
`)
	writeDescriptor(t, dir, "rival.yaml", `
id: rival
name: Rival
description: Disagrees with the lead.
category: specialist
capabilities: [critique]
forbidden_peers: [lead]
max_concurrent: 1
resource_class: cpu
token_budget: 1000
`)

	r := NewRegistry()
	if _, err := r.Load(dir); err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		a, b string
		want bool
	}{
		{"lead", "deputy", true},  // two orchestrators
		{"deputy", "lead", true},  // symmetric
		{"rival", "lead", true},   // declared peer
		{"lead", "rival", true},   // symmetric via the other side
		{"rival", "deputy", false},
		{"lead", "lead", false},
	}
	for _, tt := range tests {
		if got := r.ForbiddenPair(tt.a, tt.b); got != tt.want {
			t.Errorf("ForbiddenPair(%s,%s) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestCallAllowed(t *testing.T) {
	r := NewRegistry()
	orch := Descriptor{ID: "lead", Category: "orchestrator"}
	spec := Descriptor{ID: "worker", Category: "specialist"}

	if r.CallAllowed("specialist", orch) {
		t.Error("specialist may not invoke an orchestrator")
	}
	if !r.CallAllowed("", orch) {
		t.Error("coordinator may invoke an orchestrator")
	}
	if !r.CallAllowed("orchestrator", spec) {
		t.Error("orchestrator may invoke a specialist")
	}
	if !r.CallAllowed("specialist", spec) {
		t.Error("specialist may invoke a specialist")
	}
}
