package plan

import (
	"errors"
	"strings"
	"testing"

	"github.com/cgast/crewd/pkg/agent"
)

func task(id, agentID string, class agent.ResourceClass, priority int, deps ...string) Task {
	return Task{ID: id, AgentID: agentID, ResourceClass: class, Priority: priority, DependsOn: deps}
}

func TestBuildSingleWave(t *testing.T) {
	s := NewScheduler(nil, nil, nil)

	p, err := s.Build("p1", []Task{
		task("t1", "a", agent.ResourceCPU, 0),
		task("t2", "b", agent.ResourceIO, 0),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(p.Waves) != 1 || len(p.Waves[0]) != 2 {
		t.Fatalf("waves = %v, want one wave of two", p.Waves)
	}
}

func TestBuildDependencyLayering(t *testing.T) {
	s := NewScheduler(nil, nil, nil)

	p, err := s.Build("p1", []Task{
		task("t3", "c", agent.ResourceLight, 0, "t1", "t2"),
		task("t1", "a", agent.ResourceCPU, 0),
		task("t2", "b", agent.ResourceIO, 0),
		task("t4", "d", agent.ResourceLight, 0, "t3"),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(p.Waves) != 3 {
		t.Fatalf("waves = %v, want 3", p.Waves)
	}
	// Every dependency sits in an earlier wave.
	for _, tk := range p.Tasks {
		for _, dep := range tk.DependsOn {
			if p.WaveOf(dep) >= p.WaveOf(tk.ID) {
				t.Errorf("dep %s of %s not in earlier wave", dep, tk.ID)
			}
		}
	}
}

func TestBuildPoolCaps(t *testing.T) {
	s := NewScheduler(map[agent.ResourceClass]int{agent.ResourceCPU: 2}, nil, nil)

	p, err := s.Build("p1", []Task{
		task("t1", "a", agent.ResourceCPU, 0),
		task("t2", "b", agent.ResourceCPU, 0),
		task("t3", "c", agent.ResourceCPU, 0),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(p.Waves) != 2 {
		t.Fatalf("waves = %v, want cap-split into 2", p.Waves)
	}
	for _, w := range p.Waves {
		if len(w) > 2 {
			t.Errorf("wave %v exceeds cpu cap 2", w)
		}
	}
}

func TestBuildPriorityTieBreak(t *testing.T) {
	s := NewScheduler(map[agent.ResourceClass]int{agent.ResourceCPU: 1}, nil, nil)

	p, err := s.Build("p1", []Task{
		task("b-low", "x", agent.ResourceCPU, 1),
		task("a-high", "y", agent.ResourceCPU, 9),
		task("a-low", "z", agent.ResourceCPU, 1),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := [][]string{{"a-high"}, {"a-low"}, {"b-low"}}
	for i, w := range p.Waves {
		if len(w) != 1 || w[0] != want[i][0] {
			t.Fatalf("waves = %v, want %v", p.Waves, want)
		}
	}
}

func TestBuildForbiddenPairsSplit(t *testing.T) {
	forbidden := func(a, b string) bool {
		return (a == "lead" && b == "deputy") || (a == "deputy" && b == "lead")
	}
	s := NewScheduler(nil, forbidden, nil)

	p, err := s.Build("p1", []Task{
		{ID: "t1", AgentID: "lead", ResourceClass: agent.ResourceLight, Priority: 5},
		{ID: "t2", AgentID: "deputy", ResourceClass: agent.ResourceLight, Priority: 1},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(p.Waves) != 2 {
		t.Fatalf("waves = %v, want forbidden pair split into 2", p.Waves)
	}
	// The later-priority member rolls to the next wave.
	if p.Waves[0][0] != "t1" || p.Waves[1][0] != "t2" {
		t.Errorf("waves = %v, want [[t1] [t2]]", p.Waves)
	}
}

func TestBuildCycleDetection(t *testing.T) {
	s := NewScheduler(nil, nil, nil)

	_, err := s.Build("p1", []Task{
		task("t1", "a", agent.ResourceCPU, 0, "t2"),
		task("t2", "b", agent.ResourceCPU, 0, "t1"),
		task("t3", "c", agent.ResourceCPU, 0),
	})
	if !errors.Is(err, ErrUnsatisfiableDependencies) {
		t.Fatalf("Build = %v, want ErrUnsatisfiableDependencies", err)
	}
	if !strings.Contains(err.Error(), "t1") || !strings.Contains(err.Error(), "t2") {
		t.Errorf("cycle error %q does not name the cycle members", err)
	}
}

func TestBuildUnknownDependency(t *testing.T) {
	s := NewScheduler(nil, nil, nil)
	_, err := s.Build("p1", []Task{task("t1", "a", agent.ResourceCPU, 0, "ghost")})
	if err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}

func TestBuildDeterministic(t *testing.T) {
	s := NewScheduler(nil, nil, nil)
	tasks := []Task{
		task("t5", "e", agent.ResourceLight, 3),
		task("t1", "a", agent.ResourceCPU, 3),
		task("t4", "d", agent.ResourceIO, 1, "t1"),
		task("t2", "b", agent.ResourceCPU, 7),
		task("t3", "c", agent.ResourceCPU, 3),
	}

	one, err := s.Build("p1", tasks)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	two, err := s.Build("p1", tasks)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for i := range one.Waves {
		if strings.Join(one.Waves[i], ",") != strings.Join(two.Waves[i], ",") {
			t.Fatalf("nondeterministic waves: %v vs %v", one.Waves, two.Waves)
		}
	}
}
