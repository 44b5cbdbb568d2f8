package pack

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cgast/crewd/pkg/agent"
)

func testAgent(budget int) agent.Descriptor {
	return agent.Descriptor{
		ID:            "writer",
		Name:          "Writer",
		ResourceClass: agent.ResourceLight,
		MaxConcurrent: 1,
		TokenBudget:   budget,
	}
}

func TestBuildFitsBudget(t *testing.T) {
	p := NewPackager(nil, nil)
	sections := []Section{
		{Label: "goal", Priority: 10, Body: "write the report"},
		{Label: "notes", Priority: 5, Body: strings.Repeat("background material ", 50)},
		{Label: "style", Priority: 1, Body: "short sentences"},
	}

	pkg, err := p.Build(context.Background(), testAgent(4000), KindTechnical, sections)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if pkg.TokenCount > 4000 {
		t.Errorf("TokenCount %d exceeds budget", pkg.TokenCount)
	}
	if pkg.Checksum == "" {
		t.Error("missing checksum")
	}
	// Highest priority section leads the payload.
	if !strings.HasPrefix(pkg.Payload, "## goal") {
		t.Errorf("payload does not start with top-priority section:\n%s", pkg.Payload)
	}
}

func TestBuildCompressesFirstOversizeSection(t *testing.T) {
	p := NewPackager(nil, nil)
	sections := []Section{
		{Label: "goal", Priority: 10, Body: "do the thing"},
		{Label: "history", Priority: 5, Body: strings.Repeat("older events here\n", 200)},
	}

	pkg, err := p.Build(context.Background(), testAgent(60), KindStrategic, sections)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if pkg.TokenCount > 60 {
		t.Errorf("TokenCount %d exceeds budget 60", pkg.TokenCount)
	}
	if len(pkg.DropNotes) == 0 {
		t.Fatal("expected a compression note")
	}
	if !strings.Contains(pkg.DropNotes[0], "compressed") {
		t.Errorf("note = %q, want compression note", pkg.DropNotes[0])
	}
}

func TestBuildDropsWhatCannotCompress(t *testing.T) {
	p := NewPackager(nil, nil)
	sections := []Section{
		{Label: "goal", Priority: 10, Body: "short"},
		// Single long line: truncating summarizer cannot keep any of it.
		{Label: "dump", Priority: 5, Body: strings.Repeat("x", 4000)},
	}

	pkg, err := p.Build(context.Background(), testAgent(10), KindData, sections)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	found := false
	for _, n := range pkg.DropNotes {
		if strings.Contains(n, `"dump" dropped`) {
			found = true
		}
	}
	if !found {
		t.Errorf("expected drop note for dump section, got %v", pkg.DropNotes)
	}
}

func TestBuildOverflow(t *testing.T) {
	p := NewPackager(nil, nil)

	// Zero budget fails unconditionally.
	_, err := p.Build(context.Background(), testAgent(0), KindTechnical, []Section{{Body: "x"}})
	if !errors.Is(err, ErrContextOverflow) {
		t.Errorf("zero budget = %v, want ErrContextOverflow", err)
	}

	// Nothing fits even after compression.
	_, err = p.Build(context.Background(), testAgent(2), KindTechnical, []Section{
		{Label: "dump", Priority: 1, Body: strings.Repeat("y", 900)},
	})
	if !errors.Is(err, ErrContextOverflow) {
		t.Errorf("unfittable section = %v, want ErrContextOverflow", err)
	}
}

func TestBuildDeterministic(t *testing.T) {
	p := NewPackager(nil, nil)
	sections := []Section{
		{Label: "a", Priority: 1, Recency: 2, Body: "newer"},
		{Label: "b", Priority: 1, Recency: 1, Body: "older"},
		{Label: "c", Priority: 9, Recency: 0, Body: "first"},
	}

	one, err := p.Build(context.Background(), testAgent(1000), KindTechnical, sections)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	two, err := p.Build(context.Background(), testAgent(1000), KindTechnical, sections)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if one.Checksum != two.Checksum || one.Payload != two.Payload {
		t.Error("identical inputs produced different packages")
	}

	// Priority ranks first, recency breaks the tie.
	wantOrder := []string{"## c", "## a", "## b"}
	pos := -1
	for _, marker := range wantOrder {
		idx := strings.Index(one.Payload, marker)
		if idx <= pos {
			t.Fatalf("section order wrong in payload:\n%s", one.Payload)
		}
		pos = idx
	}
}

func TestHeuristicTokenizer(t *testing.T) {
	tok := HeuristicTokenizer{}
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"word", 1},
		{"wordword", 2},
		{"a b c", 3},
		{"  spaced   out  ", 3},
	}
	for _, tt := range tests {
		if got := tok.Tokens(tt.text); got != tt.want {
			t.Errorf("Tokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
