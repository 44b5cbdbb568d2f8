// Package checkpoint snapshots coordinator state around phase
// transitions and high-risk tasks, and restores it for rollback.
// Checkpoints are content-addressed and immutable.
package checkpoint

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cgast/crewd/pkg/exec"
	"github.com/cgast/crewd/pkg/plan"
	"github.com/cgast/crewd/pkg/store"
)

// Errors surfaced by checkpoint operations.
var (
	ErrNotFound    = errors.New("checkpoint not found")
	ErrUnknownMode = errors.New("unknown rollback mode")
)

// Mode selects how much of a checkpoint a rollback restores.
type Mode string

const (
	// ModeFull restores the complete snapshot.
	ModeFull Mode = "full"
	// ModePartial restores results only for a named subset of tasks.
	ModePartial Mode = "partial"
	// ModeMerge replays selected task results onto the checkpointed plan.
	ModeMerge Mode = "merge"
)

// ParseMode validates a mode string from the CLI.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFull, ModePartial, ModeMerge:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Checkpoint is a deep snapshot of one run's state plus a cursor into
// the knowledge store.
type Checkpoint struct {
	ID              string                 `json:"id"`
	RunID           string                 `json:"run_id"`
	Phase           string                 `json:"phase"`
	Plan            *plan.ExecutionPlan    `json:"plan_snapshot"`
	Results         map[string]exec.Result `json:"results_snapshot"`
	KnowledgeCursor int                    `json:"knowledge_cursor"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Info is the listing entry for one saved checkpoint.
type Info struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Phase     string    `json:"phase"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager persists checkpoints through the kv store under
// runs/<run>/checkpoints/<id>.json.
type Manager struct {
	kv     store.Store
	logger *zap.Logger
}

// NewManager creates a checkpoint manager.
func NewManager(kv store.Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{kv: kv, logger: logger}
}

// Save assigns the content-addressed id and persists the checkpoint.
// Saving identical state twice yields the same id and is a no-op.
func (m *Manager) Save(cp *Checkpoint) (string, error) {
	id, err := contentID(cp)
	if err != nil {
		return "", err
	}
	cp.ID = id
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}
	key := fmt.Sprintf("runs/%s/checkpoints/%s.json", cp.RunID, id)
	if err := m.kv.Put(key, data); err != nil {
		// The content id already exists; identical state, nothing to do.
		if errors.Is(err, store.ErrImmutableKey) {
			return id, nil
		}
		return "", fmt.Errorf("persist checkpoint: %w", err)
	}

	m.logger.Debug("checkpoint saved",
		zap.String("run_id", cp.RunID),
		zap.String("checkpoint_id", id),
		zap.String("phase", cp.Phase))
	return id, nil
}

// contentID hashes phase, plan, results, and cursor. CreatedAt is
// excluded so a bitwise-identical replay addresses the same checkpoint.
func contentID(cp *Checkpoint) (string, error) {
	shadow := struct {
		Phase   string                 `json:"phase"`
		Plan    *plan.ExecutionPlan    `json:"plan"`
		Results map[string]exec.Result `json:"results"`
		Cursor  int                    `json:"cursor"`
	}{cp.Phase, cp.Plan, cp.Results, cp.KnowledgeCursor}

	data, err := json.Marshal(shadow)
	if err != nil {
		return "", fmt.Errorf("hash checkpoint: %w", err)
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:16]), nil
}

// List returns checkpoint metadata for a run, oldest first.
func (m *Manager) List(runID string) ([]Info, error) {
	entries, err := m.kv.Scan(fmt.Sprintf("runs/%s/checkpoints/", runID))
	if err != nil {
		return nil, fmt.Errorf("scan checkpoints: %w", err)
	}

	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		var cp Checkpoint
		if err := json.Unmarshal(e.Value, &cp); err != nil {
			m.logger.Warn("skipping unreadable checkpoint", zap.String("key", e.Key), zap.Error(err))
			continue
		}
		infos = append(infos, Info{ID: cp.ID, RunID: cp.RunID, Phase: cp.Phase, CreatedAt: cp.CreatedAt})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos, nil
}

// Load retrieves one checkpoint by run and id.
func (m *Manager) Load(runID, id string) (*Checkpoint, error) {
	key := fmt.Sprintf("runs/%s/checkpoints/%s.json", runID, id)
	data, err := m.kv.Get(key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", id, err)
	}
	return &cp, nil
}

// Find locates a checkpoint by id alone, scanning across runs. The CLI
// rollback surface only has the checkpoint id.
func (m *Manager) Find(id string) (*Checkpoint, error) {
	entries, err := m.kv.Scan("runs/")
	if err != nil {
		return nil, fmt.Errorf("scan runs: %w", err)
	}
	suffix := fmt.Sprintf("/checkpoints/%s.json", id)
	for _, e := range entries {
		if !strings.HasSuffix(e.Key, suffix) {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(e.Value, &cp); err != nil {
			return nil, fmt.Errorf("parse checkpoint %s: %w", id, err)
		}
		return &cp, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// RollbackOptions parameterize partial and merge restores.
type RollbackOptions struct {
	// Tasks names the subset restored under ModePartial.
	Tasks []string
	// Overlay carries later results replayed onto the checkpointed plan
	// under ModeMerge.
	Overlay map[string]exec.Result
}

// Rollback materializes the restored plan and result set from a
// checkpoint. The checkpoint itself is never mutated.
func (m *Manager) Rollback(cp *Checkpoint, mode Mode, opts RollbackOptions) (*plan.ExecutionPlan, map[string]exec.Result, error) {
	restoredPlan, err := copyPlan(cp.Plan)
	if err != nil {
		return nil, nil, err
	}

	switch mode {
	case ModeFull:
		return restoredPlan, copyResults(cp.Results), nil

	case ModePartial:
		subset := make(map[string]bool, len(opts.Tasks))
		for _, id := range opts.Tasks {
			subset[id] = true
		}
		results := make(map[string]exec.Result)
		for id, r := range cp.Results {
			if subset[id] {
				results[id] = r
			}
		}
		return restoredPlan, results, nil

	case ModeMerge:
		results := copyResults(cp.Results)
		for id, r := range opts.Overlay {
			if _, known := restoredPlan.Task(id); known {
				results[id] = r
			}
		}
		return restoredPlan, results, nil

	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// copyPlan deep-copies through JSON; snapshots must not alias live state.
func copyPlan(p *plan.ExecutionPlan) (*plan.ExecutionPlan, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("copy plan: %w", err)
	}
	var out plan.ExecutionPlan
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("copy plan: %w", err)
	}
	return &out, nil
}

func copyResults(in map[string]exec.Result) map[string]exec.Result {
	out := make(map[string]exec.Result, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
