package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Run.IterationBudget != 2 {
		t.Errorf("IterationBudget = %d, want 2", cfg.Run.IterationBudget)
	}
	if cfg.Packager.DefaultTokenBudget != 4000 {
		t.Errorf("DefaultTokenBudget = %d, want 4000", cfg.Packager.DefaultTokenBudget)
	}
	if cfg.Transport.Kind != "local" {
		t.Errorf("Transport.Kind = %q, want local", cfg.Transport.Kind)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
log_level: debug
agents_dir: /opt/agents
scheduler:
  pool_caps:
    cpu: 4
    io: 3
    net: 2
    mem: 2
    light: 5
executor:
  default_timeout: 30s
run:
  iteration_budget: 5
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.AgentsDir != "/opt/agents" {
		t.Errorf("AgentsDir = %q", cfg.AgentsDir)
	}
	if cfg.Scheduler.PoolCaps["cpu"] != 4 {
		t.Errorf("PoolCaps[cpu] = %d, want 4", cfg.Scheduler.PoolCaps["cpu"])
	}
	if cfg.Executor.DefaultTimeout != 30*time.Second {
		t.Errorf("DefaultTimeout = %v, want 30s", cfg.Executor.DefaultTimeout)
	}
	if cfg.Run.IterationBudget != 5 {
		t.Errorf("IterationBudget = %d, want 5", cfg.Run.IterationBudget)
	}
	// Untouched fields keep defaults.
	if cfg.Knowledge.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want default 30", cfg.Knowledge.RetentionDays)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Run.MaxParallel != 5 {
		t.Errorf("MaxParallel = %d, want default 5", cfg.Run.MaxParallel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CREWD_LOG_LEVEL", "warn")
	t.Setenv("CREWD_RUN_ITERATION_BUDGET", "7")
	t.Setenv("CREWD_PACKAGER_DEFAULT_TOKEN_BUDGET", "9000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
	if cfg.Run.IterationBudget != 7 {
		t.Errorf("IterationBudget = %d, want 7", cfg.Run.IterationBudget)
	}
	if cfg.Packager.DefaultTokenBudget != 9000 {
		t.Errorf("DefaultTokenBudget = %d, want 9000", cfg.Packager.DefaultTokenBudget)
	}
}

func TestEnvInterpolation(t *testing.T) {
	t.Setenv("CREWD_TEST_DATA_DIR", "/var/lib/crewd")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "data_path: ${CREWD_TEST_DATA_DIR}/state.db\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataPath != "/var/lib/crewd/state.db" {
		t.Errorf("DataPath = %q", cfg.DataPath)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative iteration budget", func(c *Config) { c.Run.IterationBudget = -1 }},
		{"zero token budget", func(c *Config) { c.Packager.DefaultTokenBudget = 0 }},
		{"similarity above one", func(c *Config) { c.Knowledge.SimilarityThreshold = 1.5 }},
		{"unknown transport", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }},
		{"http without base url", func(c *Config) { c.Transport.Kind = "http"; c.Transport.BaseURL = "" }},
		{"zero pool cap", func(c *Config) { c.Scheduler.PoolCaps["cpu"] = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}
