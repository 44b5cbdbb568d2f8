package agent

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Errors surfaced by registry operations.
var (
	ErrInvalidDescriptor = errors.New("invalid agent descriptor")
	ErrDuplicateAgent    = errors.New("duplicate agent id")
	ErrUnknownAgent      = errors.New("unknown agent")
)

// DefaultTokenBudget applies to descriptors that omit token_budget.
const DefaultTokenBudget = 4000

// Registry holds the current descriptor snapshot. Loads are atomic: the
// whole batch is validated before the snapshot is swapped, so readers
// never observe a partially loaded set.
type Registry struct {
	mu          sync.RWMutex
	byID        map[string]Descriptor
	fingerprint string
	tokenBudget int

	// exclusive categories may never share a wave, independent of
	// per-descriptor forbidden_peers. Default: orchestrator.
	exclusive map[string]bool
}

// NewRegistry creates an empty registry. exclusiveCategories defaults to
// {"orchestrator"} when empty.
func NewRegistry(exclusiveCategories ...string) *Registry {
	if len(exclusiveCategories) == 0 {
		exclusiveCategories = []string{"orchestrator"}
	}
	excl := make(map[string]bool, len(exclusiveCategories))
	for _, c := range exclusiveCategories {
		excl[c] = true
	}
	return &Registry{
		byID:        make(map[string]Descriptor),
		tokenBudget: DefaultTokenBudget,
		exclusive:   excl,
	}
}

// SetDefaultTokenBudget overrides the budget applied to descriptors that
// omit token_budget. It affects subsequent loads only.
func (r *Registry) SetDefaultTokenBudget(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > 0 {
		r.tokenBudget = n
	}
}

// Load reads every *.yaml / *.yml file under path as one descriptor and
// installs the batch atomically. It returns the number of descriptors
// loaded. Reloading an unchanged descriptor set is a no-op on in-memory
// state.
func (r *Registry) Load(path string) (int, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0, fmt.Errorf("read descriptor dir %s: %w", path, err)
	}

	r.mu.RLock()
	defaultBudget := r.tokenBudget
	r.mu.RUnlock()

	batch := make(map[string]Descriptor)
	hash := sha256.New()

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		full := filepath.Join(path, name)
		data, err := os.ReadFile(full)
		if err != nil {
			return 0, fmt.Errorf("read descriptor %s: %w", full, err)
		}

		var d Descriptor
		if err := yaml.Unmarshal(data, &d); err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidDescriptor, name, err)
		}
		if d.TokenBudget == 0 {
			d.TokenBudget = defaultBudget
		}
		if vr := Validate(d); !vr.Valid() {
			return 0, fmt.Errorf("%w: %s: %s", ErrInvalidDescriptor, name, vr.Error())
		}
		if _, exists := batch[d.ID]; exists {
			return 0, fmt.Errorf("%w: %q (in %s)", ErrDuplicateAgent, d.ID, name)
		}
		batch[d.ID] = d
		hash.Write(data)
	}

	fp := fmt.Sprintf("%x", hash.Sum(nil))

	r.mu.Lock()
	defer r.mu.Unlock()
	if fp == r.fingerprint {
		return len(r.byID), nil
	}
	r.byID = batch
	r.fingerprint = fp
	return len(batch), nil
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byID[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownAgent, id)
	}
	return d, nil
}

// Select returns candidates whose capability set matches the pattern and
// whose id is not in excluding, ordered by id for determinism.
func (r *Registry) Select(capability string, excluding map[string]bool) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Descriptor
	for id, d := range r.byID {
		if excluding[id] {
			continue
		}
		if d.HasCapability(capability) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Names returns all registered agent ids, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byID))
	for id := range r.byID {
		names = append(names, id)
	}
	sort.Strings(names)
	return names
}

// ForbiddenPair reports whether the two agents may not share a wave. The
// relation is symmetric: either descriptor naming the other, or both
// belonging to the same exclusive category, forbids the pairing.
func (r *Registry) ForbiddenPair(a, b string) bool {
	if a == b {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	da, okA := r.byID[a]
	db, okB := r.byID[b]
	if !okA || !okB {
		return false
	}
	if namesPeer(da, b) || namesPeer(db, a) {
		return true
	}
	return da.Category != "" && da.Category == db.Category && r.exclusive[da.Category]
}

func namesPeer(d Descriptor, id string) bool {
	for _, p := range d.ForbiddenPeers {
		if p == id {
			return true
		}
	}
	return false
}

// Fingerprint returns the content hash of the installed descriptor set.
// Used by the integration phase gate to confirm a reload took effect.
func (r *Registry) Fingerprint() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fingerprint
}

// CallAllowed reports whether an agent of callerCategory may dispatch to
// the target descriptor. Specialists invoking orchestrators is the
// canonical violation; exclusive categories accept calls only from other
// exclusive-category agents or from the coordinator itself (empty caller).
func (r *Registry) CallAllowed(callerCategory string, target Descriptor) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.exclusive[target.Category] {
		return true
	}
	return callerCategory == "" || r.exclusive[callerCategory]
}

// MatchCapability returns the ids of all agents matching a capability
// pattern, expanding globs the same way tool permissions do.
func (r *Registry) MatchCapability(pattern string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, d := range r.byID {
		if d.HasCapability(pattern) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
