// Package pack compresses free-form context into fixed-size packages per
// agent, enforcing token budgets with a pluggable tokenizer and summarizer.
package pack

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cgast/crewd/pkg/agent"
)

// ErrContextOverflow means no section fits the budget even after
// compression. The executor must not invoke the agent with an empty
// package.
var ErrContextOverflow = errors.New("context overflow")

// Kind labels the flavor of a context package.
type Kind string

const (
	KindStrategic   Kind = "strategic"
	KindTechnical   Kind = "technical"
	KindFrontend    Kind = "frontend"
	KindSecurity    Kind = "security"
	KindPerformance Kind = "performance"
	KindData        Kind = "data"
)

// Section is one labeled slice of raw context supplied by the caller.
// Priority ranks inclusion (higher first); Recency breaks ties (higher
// means newer).
type Section struct {
	Label    string `json:"label"`
	Priority int    `json:"priority"`
	Recency  int64  `json:"recency"`
	Body     string `json:"body"`
}

// Package is the sized input delivered to an agent for one task. Payload
// is opaque text to the coordinator.
type Package struct {
	TargetAgentID string   `json:"target_agent_id"`
	Kind          Kind     `json:"kind"`
	Payload       string   `json:"payload"`
	TokenCount    int      `json:"token_count"`
	Checksum      string   `json:"checksum"`
	DropNotes     []string `json:"drop_notes,omitempty"`
}

// Tokenizer measures text in tokens. Must be consistent across a run.
type Tokenizer interface {
	Name() string
	Tokens(text string) int
}

// Summarizer compresses text to approximately targetTokens. Version feeds
// the package checksum so non-deterministic backends are at least
// attributable.
type Summarizer interface {
	Version() string
	Summarize(ctx context.Context, text string, targetTokens int) (string, error)
}

// Packager produces context packages under each agent's token budget.
type Packager struct {
	tok Tokenizer
	sum Summarizer
}

// NewPackager creates a packager. A nil tokenizer falls back to the
// heuristic tokenizer; a nil summarizer falls back to head truncation.
func NewPackager(tok Tokenizer, sum Summarizer) *Packager {
	if tok == nil {
		tok = HeuristicTokenizer{}
	}
	if sum == nil {
		sum = TruncatingSummarizer{}
	}
	return &Packager{tok: tok, sum: sum}
}

// Build packages the sections for the target agent:
//
//  1. Rank sections by declared priority; for ties, by recency.
//  2. Greedily include sections until the budget would be exceeded.
//  3. For the first section that does not fit, summarize down to the
//     remaining budget; if still oversize, drop it and record a note.
//  4. Emit a checksum over the serialized payload.
//
// Deterministic given identical inputs, tokenizer, and summarizer version.
func (p *Packager) Build(ctx context.Context, d agent.Descriptor, kind Kind, sections []Section) (Package, error) {
	budget := d.TokenBudget
	if budget <= 0 {
		return Package{}, fmt.Errorf("%w: agent %s has token budget %d", ErrContextOverflow, d.ID, budget)
	}

	ranked := make([]Section, len(sections))
	copy(ranked, sections)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Priority != ranked[j].Priority {
			return ranked[i].Priority > ranked[j].Priority
		}
		return ranked[i].Recency > ranked[j].Recency
	})

	var (
		parts      []string
		notes      []string
		used       int
		compressed bool
	)

	for _, s := range ranked {
		rendered := renderSection(s)
		cost := p.tok.Tokens(rendered)

		if used+cost <= budget {
			parts = append(parts, rendered)
			used += cost
			continue
		}

		// Semantic compression is applied once, to the first section
		// that does not fit; everything after it is dropped outright.
		if !compressed {
			compressed = true
			remaining := budget - used
			if remaining > 0 {
				summary, err := p.sum.Summarize(ctx, s.Body, remaining)
				if err != nil {
					return Package{}, fmt.Errorf("summarize section %q: %w", s.Label, err)
				}
				shrunk := renderSection(Section{Label: s.Label, Body: summary})
				if c := p.tok.Tokens(shrunk); c <= remaining {
					parts = append(parts, shrunk)
					used += c
					notes = append(notes, fmt.Sprintf("section %q compressed to %d tokens", s.Label, c))
					continue
				}
			}
		}
		notes = append(notes, fmt.Sprintf("section %q dropped (over budget)", s.Label))
	}

	if len(parts) == 0 {
		return Package{}, fmt.Errorf("%w: no section fits budget %d for agent %s", ErrContextOverflow, budget, d.ID)
	}

	payload := strings.Join(parts, "\n")
	return Package{
		TargetAgentID: d.ID,
		Kind:          kind,
		Payload:       payload,
		TokenCount:    p.tok.Tokens(payload),
		Checksum:      p.checksum(payload),
		DropNotes:     notes,
	}, nil
}

// checksum covers the payload plus the tokenizer and summarizer identity,
// so packages built by different backends never collide silently.
func (p *Packager) checksum(payload string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n", p.tok.Name(), p.sum.Version())
	h.Write([]byte(payload))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Fingerprint hashes a payload alone. The knowledge store uses it as the
// context fingerprint for similarity lookups.
func Fingerprint(payload string) string {
	h := sha256.Sum256([]byte(payload))
	return fmt.Sprintf("%x", h[:16])
}

func renderSection(s Section) string {
	if s.Label == "" {
		return s.Body
	}
	return fmt.Sprintf("## %s\n%s", s.Label, s.Body)
}
