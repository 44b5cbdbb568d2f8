// Package config provides configuration loading for crewd.
//
// Precedence, highest to lowest: environment variables (CREWD_ prefix),
// YAML config file, hardcoded defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "CREWD_"

// Config is the full runtime configuration of the coordinator.
type Config struct {
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"` // "console" or "json"

	// AgentsDir holds the agent descriptor YAML files.
	AgentsDir string `koanf:"agents_dir"`
	// DataPath is the bbolt database file backing runs and knowledge.
	DataPath string `koanf:"data_path"`

	// ExclusiveCategories lists categories of which at most one agent may
	// appear in a run.
	ExclusiveCategories []string `koanf:"exclusive_categories"`

	Scheduler SchedulerConfig `koanf:"scheduler"`
	Executor  ExecutorConfig  `koanf:"executor"`
	Packager  PackagerConfig  `koanf:"packager"`
	Knowledge KnowledgeConfig `koanf:"knowledge"`
	Transport TransportConfig `koanf:"transport"`
	Run       RunConfig       `koanf:"run"`
}

// SchedulerConfig bounds wave packing.
type SchedulerConfig struct {
	// PoolCaps limits concurrent tasks per resource class within a wave.
	PoolCaps map[string]int `koanf:"pool_caps"`
}

// ExecutorConfig bounds task dispatch.
type ExecutorConfig struct {
	DefaultTimeout   time.Duration `koanf:"default_timeout"`
	TransportRetries int           `koanf:"transport_retries"`
	CallerCategory   string        `koanf:"caller_category"`
}

// PackagerConfig bounds context packaging.
type PackagerConfig struct {
	DefaultTokenBudget int `koanf:"default_token_budget"`
}

// KnowledgeConfig bounds the cross-run knowledge store.
type KnowledgeConfig struct {
	MaxResults          int     `koanf:"max_results"`
	SimilarityThreshold float64 `koanf:"similarity_threshold"`
	RetentionDays       int     `koanf:"retention_days"`
}

// TransportConfig selects how agents are invoked.
type TransportConfig struct {
	Kind    string `koanf:"kind"` // "local" or "http"
	BaseURL string `koanf:"base_url"`
}

// RunConfig bounds the run lifecycle.
type RunConfig struct {
	// IterationBudget is the number of validate-iterate cycles before a
	// run gives up.
	IterationBudget int `koanf:"iteration_budget"`
	// MaxParallel bounds concurrently executing agents within a wave.
	MaxParallel int `koanf:"max_parallel"`
}

// Default returns a Config with working defaults.
func Default() Config {
	return Config{
		LogLevel:            "info",
		LogFormat:           "console",
		AgentsDir:           ".crewd/agents",
		DataPath:            ".crewd/crewd.db",
		ExclusiveCategories: []string{"orchestrator"},
		Scheduler: SchedulerConfig{
			PoolCaps: map[string]int{"cpu": 2, "io": 3, "net": 2, "mem": 2, "light": 5},
		},
		Executor: ExecutorConfig{
			DefaultTimeout:   2 * time.Minute,
			TransportRetries: 2,
			CallerCategory:   "orchestrator",
		},
		Packager: PackagerConfig{
			DefaultTokenBudget: 4000,
		},
		Knowledge: KnowledgeConfig{
			MaxResults:          20,
			SimilarityThreshold: 0.3,
			RetentionDays:       30,
		},
		Transport: TransportConfig{
			Kind: "local",
		},
		Run: RunConfig{
			IterationBudget: 2,
			MaxParallel:     5,
		},
	}
}

// sections whose env variables map to nested keys, e.g.
// CREWD_RUN_ITERATION_BUDGET -> run.iteration_budget.
var envSections = []string{"scheduler", "executor", "packager", "knowledge", "transport", "run"}

func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	for _, sec := range envSections {
		if strings.HasPrefix(s, sec+"_") {
			return sec + "." + strings.TrimPrefix(s, sec+"_")
		}
	}
	return s
}

// Load reads configuration from path (skipped when empty or missing)
// and applies CREWD_* environment overrides on top of defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else {
			interpolated := interpolateEnvVars(string(data))
			if err := k.Load(rawbytes.Provider([]byte(interpolated)), yaml.Parser()); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return cfg, fmt.Errorf("load env overrides: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the coordinator cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Run.IterationBudget < 0 {
		errs = append(errs, fmt.Errorf("run.iteration_budget must be >= 0, got %d", c.Run.IterationBudget))
	}
	if c.Run.MaxParallel < 1 {
		errs = append(errs, fmt.Errorf("run.max_parallel must be >= 1, got %d", c.Run.MaxParallel))
	}
	if c.Packager.DefaultTokenBudget < 1 {
		errs = append(errs, fmt.Errorf("packager.default_token_budget must be >= 1, got %d", c.Packager.DefaultTokenBudget))
	}
	if c.Knowledge.SimilarityThreshold < 0 || c.Knowledge.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("knowledge.similarity_threshold must be in [0,1], got %g", c.Knowledge.SimilarityThreshold))
	}
	if c.Knowledge.RetentionDays < 1 {
		errs = append(errs, fmt.Errorf("knowledge.retention_days must be >= 1, got %d", c.Knowledge.RetentionDays))
	}
	switch c.Transport.Kind {
	case "local", "http":
	default:
		errs = append(errs, fmt.Errorf("transport.kind must be local or http, got %q", c.Transport.Kind))
	}
	if c.Transport.Kind == "http" && c.Transport.BaseURL == "" {
		errs = append(errs, errors.New("transport.base_url is required for http transport"))
	}
	for class, cap := range c.Scheduler.PoolCaps {
		if cap < 1 {
			errs = append(errs, fmt.Errorf("scheduler.pool_caps[%s] must be >= 1, got %d", class, cap))
		}
	}
	return errors.Join(errs...)
}

// envVarPattern matches ${VAR_NAME} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnvVars replaces ${VAR_NAME} patterns with environment
// variable values. Unset variables are left as-is.
func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}
