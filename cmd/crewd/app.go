package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/cgast/crewd/internal/config"
	"github.com/cgast/crewd/internal/logging"
	"github.com/cgast/crewd/pkg/agent"
	"github.com/cgast/crewd/pkg/checkpoint"
	"github.com/cgast/crewd/pkg/events"
	"github.com/cgast/crewd/pkg/exec"
	"github.com/cgast/crewd/pkg/knowledge"
	"github.com/cgast/crewd/pkg/pack"
	"github.com/cgast/crewd/pkg/plan"
	"github.com/cgast/crewd/pkg/run"
	"github.com/cgast/crewd/pkg/store"
	"github.com/cgast/crewd/pkg/validate"
)

// app wires the coordinator components from configuration. Every
// command builds one and closes it on exit.
type app struct {
	cfg         config.Config
	logger      *zap.Logger
	kv          store.Store
	registry    *agent.Registry
	checkpoints *checkpoint.Manager
	knowledge   *knowledge.KnowledgeStore
	bus         *events.MemoryBus
	runner      *run.Runner
}

func newApp() (*app, error) {
	path := cfgPath
	if path == "" {
		path = ".crewd/config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	kv, err := store.NewBoltStore(cfg.DataPath)
	if err != nil {
		logger.Sync()
		return nil, fmt.Errorf("open store %s: %w", cfg.DataPath, err)
	}

	registry := agent.NewRegistry(cfg.ExclusiveCategories...)
	registry.SetDefaultTokenBudget(cfg.Packager.DefaultTokenBudget)
	ks, err := knowledge.Open(kv, knowledge.Config{
		MaxResults:          cfg.Knowledge.MaxResults,
		SimilarityThreshold: cfg.Knowledge.SimilarityThreshold,
		RetentionDays:       cfg.Knowledge.RetentionDays,
	}, logger)
	if err != nil {
		kv.Close()
		return nil, err
	}

	var transport exec.Transport
	switch cfg.Transport.Kind {
	case "http":
		transport = exec.NewHTTPTransport(cfg.Transport.BaseURL)
	default:
		transport = exec.NewLocalTransport()
	}

	poolCaps := make(map[agent.ResourceClass]int, len(cfg.Scheduler.PoolCaps))
	for class, cap := range cfg.Scheduler.PoolCaps {
		poolCaps[agent.ResourceClass(class)] = cap
	}

	executor := exec.NewExecutor(exec.Config{
		DefaultTimeout:   cfg.Executor.DefaultTimeout,
		TransportRetries: cfg.Executor.TransportRetries,
		CallerCategory:   cfg.Executor.CallerCategory,
		PoolCaps:         poolCaps,
		MaxParallel:      cfg.Run.MaxParallel,
	}, registry, transport, logger)

	checkpoints := checkpoint.NewManager(kv, logger)
	bus := events.NewMemoryBus()

	runner := run.NewRunner(run.Deps{
		Registry:        registry,
		Scheduler:       plan.NewScheduler(poolCaps, registry.ForbiddenPair, logger),
		Packager:        pack.NewPackager(nil, nil),
		Executor:        executor,
		Validator:       validate.NewValidator(),
		Checkpoints:     checkpoints,
		Knowledge:       ks,
		KV:              kv,
		Bus:             bus,
		Logger:          logger,
		AgentsDir:       cfg.AgentsDir,
		IterationBudget: cfg.Run.IterationBudget,
	})

	return &app{
		cfg:         cfg,
		logger:      logger,
		kv:          kv,
		registry:    registry,
		checkpoints: checkpoints,
		knowledge:   ks,
		bus:         bus,
		runner:      runner,
	}, nil
}

func (a *app) Close() {
	a.kv.Close()
	_ = a.logger.Sync()
}
