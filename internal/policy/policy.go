// Package policy enforces tool permissions for agents. Each agent
// declares the tools it may call as namespace:command patterns; the
// coordinator checks every tool reference against that allow list
// before dispatch.
package policy

import (
	"fmt"
	"strings"
)

// Policy evaluates tool references against allowed and denied patterns.
// Deny takes precedence over allow. An empty allow list permits any
// tool not explicitly denied.
type Policy struct {
	allowed []string
	denied  []string
}

// Config holds the policy patterns. Patterns take the form
// "namespace:command" where either side may be "*".
type Config struct {
	Allowed []string
	Denied  []string
}

// New creates a Policy from the given configuration. Malformed
// patterns are rejected.
func New(cfg Config) (*Policy, error) {
	p := &Policy{}

	for _, pat := range cfg.Allowed {
		if err := validatePattern(pat); err != nil {
			return nil, fmt.Errorf("policy: allowed pattern %q: %w", pat, err)
		}
		p.allowed = append(p.allowed, pat)
	}
	for _, pat := range cfg.Denied {
		if err := validatePattern(pat); err != nil {
			return nil, fmt.Errorf("policy: denied pattern %q: %w", pat, err)
		}
		p.denied = append(p.denied, pat)
	}

	return p, nil
}

// ForAgent builds a Policy from an agent descriptor's tool permissions.
func ForAgent(permissions []string) (*Policy, error) {
	return New(Config{Allowed: permissions})
}

// Check validates a tool reference such as "fs:write". Returns nil if
// the reference is permitted, or an error describing why it is not.
func (p *Policy) Check(tool string) error {
	if err := validatePattern(tool); err != nil {
		return fmt.Errorf("policy: tool reference %q: %w", tool, err)
	}

	for _, pat := range p.denied {
		if matchTool(pat, tool) {
			return fmt.Errorf("policy: tool %q matches denied pattern %q", tool, pat)
		}
	}

	if len(p.allowed) == 0 {
		return nil
	}

	for _, pat := range p.allowed {
		if matchTool(pat, tool) {
			return nil
		}
	}
	return fmt.Errorf("policy: tool %q is not in the allow list %v", tool, p.allowed)
}

// Allowed returns the configured allow patterns.
func (p *Policy) Allowed() []string {
	return p.allowed
}

// validatePattern accepts "*", "ns:*", "*:cmd", and "ns:cmd" forms.
func validatePattern(pat string) error {
	if pat == "*" {
		return nil
	}
	ns, cmd, ok := strings.Cut(pat, ":")
	if !ok {
		return fmt.Errorf("missing namespace separator")
	}
	if ns == "" || cmd == "" {
		return fmt.Errorf("empty namespace or command")
	}
	return nil
}

// matchTool matches a tool reference against a pattern. Wildcards
// cover a whole segment, not substrings.
func matchTool(pat, tool string) bool {
	if pat == "*" {
		return true
	}
	patNS, patCmd, _ := strings.Cut(pat, ":")
	toolNS, toolCmd, _ := strings.Cut(tool, ":")

	if patNS != "*" && patNS != toolNS {
		return false
	}
	return patCmd == "*" || patCmd == toolCmd
}
