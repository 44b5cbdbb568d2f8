package checkpoint

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgast/crewd/pkg/agent"
	"github.com/cgast/crewd/pkg/exec"
	"github.com/cgast/crewd/pkg/plan"
	"github.com/cgast/crewd/pkg/store"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	kv, err := store.NewBoltStore(filepath.Join(t.TempDir(), "cp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return NewManager(kv, nil)
}

func samplePlan() *plan.ExecutionPlan {
	return &plan.ExecutionPlan{
		ID: "plan-1",
		Tasks: []plan.Task{
			{ID: "t1", AgentID: "a", ResourceClass: agent.ResourceCPU},
			{ID: "t2", AgentID: "b", ResourceClass: agent.ResourceIO, DependsOn: []string{"t1"}},
		},
		Waves: []plan.Wave{{"t1"}, {"t2"}},
	}
}

func sampleCheckpoint(phase string) *Checkpoint {
	return &Checkpoint{
		RunID: "run-1",
		Phase: phase,
		Plan:  samplePlan(),
		Results: map[string]exec.Result{
			"t1": {TaskID: "t1", Status: exec.StatusSuccess, Outputs: "one"},
		},
		KnowledgeCursor: 3,
	}
}

func TestSaveLoadList(t *testing.T) {
	m := newManager(t)

	id, err := m.Save(sampleCheckpoint("planning"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	cp, err := m.Load("run-1", id)
	require.NoError(t, err)
	assert.Equal(t, "planning", cp.Phase)
	assert.Equal(t, 3, cp.KnowledgeCursor)
	assert.Len(t, cp.Plan.Waves, 2)

	_, err = m.Save(sampleCheckpoint("execution"))
	require.NoError(t, err)

	infos, err := m.List("run-1")
	require.NoError(t, err)
	assert.Len(t, infos, 2)

	found, err := m.Find(id)
	require.NoError(t, err)
	assert.Equal(t, id, found.ID)

	_, err = m.Find("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestContentAddressing(t *testing.T) {
	m := newManager(t)

	one, err := m.Save(sampleCheckpoint("planning"))
	require.NoError(t, err)

	// Identical state replayed later: same id, no error.
	replay := sampleCheckpoint("planning")
	replay.CreatedAt = time.Now().Add(time.Hour)
	two, err := m.Save(replay)
	require.NoError(t, err)
	assert.Equal(t, one, two)

	// Different state: different id.
	other := sampleCheckpoint("execution")
	three, err := m.Save(other)
	require.NoError(t, err)
	assert.NotEqual(t, one, three)
}

func TestRollbackModes(t *testing.T) {
	m := newManager(t)
	cp := sampleCheckpoint("execution")
	cp.Results["t2"] = exec.Result{TaskID: "t2", Status: exec.StatusRejected}

	fullPlan, fullResults, err := m.Rollback(cp, ModeFull, RollbackOptions{})
	require.NoError(t, err)
	assert.Len(t, fullResults, 2)
	assert.Equal(t, cp.Plan.ID, fullPlan.ID)
	// Deep copy: mutating the restored plan leaves the snapshot intact.
	fullPlan.Waves[0][0] = "mutated"
	assert.Equal(t, "t1", cp.Plan.Waves[0][0])

	_, partial, err := m.Rollback(cp, ModePartial, RollbackOptions{Tasks: []string{"t1"}})
	require.NoError(t, err)
	assert.Len(t, partial, 1)
	assert.Contains(t, partial, "t1")

	overlay := map[string]exec.Result{
		"t2":    {TaskID: "t2", Status: exec.StatusSuccess, Outputs: "retry"},
		"ghost": {TaskID: "ghost", Status: exec.StatusSuccess},
	}
	_, merged, err := m.Rollback(cp, ModeMerge, RollbackOptions{Overlay: overlay})
	require.NoError(t, err)
	assert.Equal(t, exec.StatusSuccess, merged["t2"].Status)
	assert.NotContains(t, merged, "ghost") // unknown tasks are not replayed

	_, _, err = m.Rollback(cp, Mode("sideways"), RollbackOptions{})
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestParseMode(t *testing.T) {
	for _, ok := range []string{"full", "partial", "merge"} {
		_, err := ParseMode(ok)
		assert.NoError(t, err)
	}
	_, err := ParseMode("half")
	assert.ErrorIs(t, err, ErrUnknownMode)
}
