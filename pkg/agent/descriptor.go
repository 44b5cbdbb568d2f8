// Package agent defines agent descriptors and the registry that loads,
// validates, and serves them to the planner and executor.
package agent

import (
	"fmt"
	"strings"
)

// ResourceClass assigns an agent to one of the bounded execution pools.
type ResourceClass string

const (
	ResourceCPU   ResourceClass = "cpu"
	ResourceIO    ResourceClass = "io"
	ResourceNet   ResourceClass = "net"
	ResourceMem   ResourceClass = "mem"
	ResourceLight ResourceClass = "light"
)

// ValidResourceClass reports whether c is one of the known pool classes.
func ValidResourceClass(c ResourceClass) bool {
	switch c {
	case ResourceCPU, ResourceIO, ResourceNet, ResourceMem, ResourceLight:
		return true
	default:
		return false
	}
}

// Descriptor is the declarative description of one agent. Descriptors are
// immutable once a registry snapshot is published; the coordinator never
// sees anything of an agent beyond its descriptor and its results.
type Descriptor struct {
	ID              string        `yaml:"id" json:"id"`
	Name            string        `yaml:"name" json:"name"`
	Description     string        `yaml:"description" json:"description"`
	Category        string        `yaml:"category" json:"category"`
	Capabilities    []string      `yaml:"capabilities" json:"capabilities"`
	ForbiddenPeers  []string      `yaml:"forbidden_peers" json:"forbidden_peers,omitempty"`
	MaxConcurrent   int           `yaml:"max_concurrent" json:"max_concurrent"`
	ResourceClass   ResourceClass `yaml:"resource_class" json:"resource_class"`
	TokenBudget     int           `yaml:"token_budget" json:"token_budget"`
	ToolPermissions []string      `yaml:"tool_permissions" json:"tool_permissions,omitempty"`
}

// HasCapability reports whether the descriptor declares the capability.
// Patterns with a trailing "*" match by prefix, mirroring the command
// pattern syntax used in tool permissions.
func (d Descriptor) HasCapability(pattern string) bool {
	for _, c := range d.Capabilities {
		if matchPattern(pattern, c) {
			return true
		}
	}
	return false
}

// matchPattern matches a capability or tool name against a glob-lite
// pattern: exact match, "*", or "prefix*".
func matchPattern(pattern, name string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// ValidationError represents a single descriptor validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationResult holds all validation errors for one descriptor.
type ValidationResult struct {
	Errors []ValidationError
}

// Valid returns true if no validation errors were found.
func (r ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Error returns a combined error message from all validation errors.
func (r ValidationResult) Error() string {
	if r.Valid() {
		return ""
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(msgs, "; "))
}

// Validate checks a descriptor for required fields and structural
// correctness. The registry rejects an entire load batch on any failure.
func Validate(d Descriptor) ValidationResult {
	var result ValidationResult

	add := func(field, msg string) {
		result.Errors = append(result.Errors, ValidationError{Field: field, Message: msg})
	}

	if d.ID == "" {
		add("id", "required")
	}
	if d.Name == "" {
		add("name", "required")
	}
	if strings.TrimSpace(d.Description) == "" {
		add("description", "required")
	}
	if d.ResourceClass == "" {
		add("resource_class", "required")
	} else if !ValidResourceClass(d.ResourceClass) {
		add("resource_class", fmt.Sprintf("unknown class %q", d.ResourceClass))
	}
	if d.MaxConcurrent < 1 {
		add("max_concurrent", fmt.Sprintf("must be >= 1, got %d", d.MaxConcurrent))
	}
	if d.TokenBudget <= 0 {
		add("token_budget", fmt.Sprintf("must be > 0, got %d", d.TokenBudget))
	}
	for i, peer := range d.ForbiddenPeers {
		if peer == d.ID {
			add(fmt.Sprintf("forbidden_peers[%d]", i), "descriptor may not name itself")
		}
	}
	for i, pattern := range d.ToolPermissions {
		if err := validateToolPattern(pattern); err != nil {
			add(fmt.Sprintf("tool_permissions[%d]", i), err.Error())
		}
	}

	return result
}

// validateToolPattern checks that a tool permission pattern is well-formed.
// Patterns use the format "namespace:command" or "namespace:*".
func validateToolPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty tool pattern")
	}
	if pattern == "*" {
		return nil
	}
	if !strings.Contains(pattern, ":") {
		return fmt.Errorf("invalid pattern %q (expected namespace:command format)", pattern)
	}
	if parts := strings.SplitN(pattern, ":", 2); parts[0] == "" {
		return fmt.Errorf("invalid pattern %q (empty namespace)", pattern)
	}
	return nil
}
