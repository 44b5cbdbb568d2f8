// Package exec drives waves of agent invocations through a pluggable
// transport, enforcing timeouts, concurrency slots, resource pool caps,
// and inter-agent scope rules.
package exec

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cgast/crewd/pkg/agent"
	"github.com/cgast/crewd/pkg/pack"
	"github.com/cgast/crewd/pkg/plan"
	"github.com/cgast/crewd/pkg/validate"
)

// Status is the terminal state of one task attempt.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusTimeout  Status = "timeout"
	StatusRejected Status = "rejected"
)

// Result is the outcome of one task attempt. Status here is provisional
// for successes: the validator may still downgrade to rejected.
type Result struct {
	TaskID    string              `json:"task_id"`
	Status    Status              `json:"status"`
	Outputs   string              `json:"outputs,omitempty"`
	Evidence  []validate.Evidence `json:"evidence,omitempty"`
	Errors    []string            `json:"errors,omitempty"`
	StartedAt time.Time           `json:"started_at"`
	EndedAt   time.Time           `json:"ended_at"`
	// Retryable marks transport-level failures eligible for a retry in a
	// subsequent wave. Agent-level failures are never retryable.
	Retryable bool `json:"retryable,omitempty"`
	// Criteria carries the validator's per-criterion notes once judged.
	Criteria []validate.CriterionResult `json:"criteria,omitempty"`
}

// Config tunes the executor.
type Config struct {
	// DefaultTimeout applies to tasks that declare none.
	DefaultTimeout time.Duration
	// TransportRetries is the retry budget for transient transport
	// failures. Agent-level errors get zero retries.
	TransportRetries int
	// CallerCategory is the category on whose behalf dispatches happen.
	// Empty means the coordinator itself.
	CallerCategory string
	// PoolCaps bound concurrent invocations per resource class even when
	// retried tasks join a wave that is already full.
	PoolCaps map[agent.ResourceClass]int
	// MaxParallel bounds concurrently executing agents within a wave,
	// across all classes and agents.
	MaxParallel int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:   2 * time.Minute,
		TransportRetries: 2,
		PoolCaps:         plan.DefaultPoolCaps(),
		MaxParallel:      5,
	}
}

// Executor runs one wave at a time.
type Executor struct {
	cfg       Config
	registry  *agent.Registry
	transport Transport
	logger    *zap.Logger

	mu    sync.Mutex
	slots map[string]chan struct{}                     // per-agent concurrency slots
	pools map[agent.ResourceClass]*semaphore.Weighted // per-class caps
}

// NewExecutor creates an executor over the registry and transport.
func NewExecutor(cfg Config, reg *agent.Registry, transport Transport, logger *zap.Logger) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if cfg.PoolCaps == nil {
		cfg.PoolCaps = plan.DefaultPoolCaps()
	}
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = DefaultConfig().MaxParallel
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pools := make(map[agent.ResourceClass]*semaphore.Weighted, len(cfg.PoolCaps))
	for class, cap := range cfg.PoolCaps {
		if cap < 1 {
			cap = 1
		}
		pools[class] = semaphore.NewWeighted(int64(cap))
	}

	return &Executor{
		cfg:       cfg,
		registry:  reg,
		transport: transport,
		logger:    logger,
		slots:     make(map[string]chan struct{}),
		pools:     pools,
	}
}

// RunWave executes every task of one wave concurrently and returns the
// results in canonical task-id order. Cancellation is cooperative:
// in-flight invocations run to their own timeout; ctx cancellation only
// prevents tasks that have not yet started acquiring slots.
func (e *Executor) RunWave(ctx context.Context, tasks []plan.Task, packages map[string]pack.Package) []Result {
	results := make([]Result, len(tasks))

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxParallel)
	for i, t := range tasks {
		g.Go(func() error {
			results[i] = e.runTask(ctx, t, packages[t.ID])
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].TaskID < results[j].TaskID })
	return results
}

func (e *Executor) runTask(ctx context.Context, t plan.Task, cp pack.Package) Result {
	res := Result{TaskID: t.ID, StartedAt: time.Now()}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	desc, err := e.registry.Get(t.AgentID)
	if err != nil {
		res.Status = StatusRejected
		res.Errors = append(res.Errors, err.Error())
		res.EndedAt = time.Now()
		return res
	}

	// Scope rule: refuse before touching the transport.
	if !e.registry.CallAllowed(e.cfg.CallerCategory, desc) {
		res.Status = StatusRejected
		res.Errors = append(res.Errors,
			(&scopeErr{caller: e.cfg.CallerCategory, target: desc.ID}).Error())
		res.EndedAt = time.Now()
		e.logger.Warn("dispatch refused",
			zap.String("task", t.ID),
			zap.String("agent", desc.ID),
			zap.String("caller_category", e.cfg.CallerCategory))
		return res
	}

	// An empty package means the packager refused; never invoke.
	if cp.TargetAgentID == "" {
		res.Status = StatusRejected
		res.Errors = append(res.Errors, "no context package for task")
		res.EndedAt = time.Now()
		return res
	}

	release, err := e.acquire(ctx, desc, timeout)
	if err != nil {
		res.Status = StatusTimeout
		res.Errors = append(res.Errors, err.Error())
		res.EndedAt = time.Now()
		return res
	}
	defer release()

	// Detach from the run context so cooperative cancellation lets the
	// attempt finish; the wall clock is the only hard bound.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	resp, err := e.transport.Invoke(callCtx, desc.ID, cp)
	res.EndedAt = time.Now()

	switch {
	case err == nil:
		res.Status = StatusSuccess
		res.Outputs = resp.Outputs
		res.Evidence = resp.Evidence
	case errors.Is(err, context.DeadlineExceeded):
		res.Status = StatusTimeout
		res.Errors = append(res.Errors, err.Error())
	case IsTransient(err):
		res.Status = StatusFailed
		res.Errors = append(res.Errors, err.Error())
		res.Retryable = !t.NonRetryable && e.cfg.TransportRetries > 0
	default:
		res.Status = StatusFailed
		res.Errors = append(res.Errors, err.Error())
	}

	e.logger.Debug("task attempt finished",
		zap.String("task", t.ID),
		zap.String("agent", desc.ID),
		zap.String("status", string(res.Status)),
		zap.Duration("elapsed", res.EndedAt.Sub(res.StartedAt)))
	return res
}

// acquire takes the agent's concurrency slot and the class pool token,
// blocking up to the task timeout.
func (e *Executor) acquire(ctx context.Context, desc agent.Descriptor, timeout time.Duration) (func(), error) {
	slot := e.slotFor(desc)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case slot <- struct{}{}:
	case <-waitCtx.Done():
		return nil, ErrSlotTimeout
	}

	pool := e.poolFor(desc.ResourceClass)
	if err := pool.Acquire(waitCtx, 1); err != nil {
		<-slot
		return nil, ErrSlotTimeout
	}

	return func() {
		pool.Release(1)
		<-slot
	}, nil
}

func (e *Executor) poolFor(class agent.ResourceClass) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pools[class]; ok {
		return p
	}
	p := semaphore.NewWeighted(1)
	e.pools[class] = p
	return p
}

func (e *Executor) slotFor(desc agent.Descriptor) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.slots[desc.ID]; ok {
		return s
	}
	n := desc.MaxConcurrent
	if n < 1 {
		n = 1
	}
	s := make(chan struct{}, n)
	e.slots[desc.ID] = s
	return s
}

// TransportRetries exposes the configured retry budget for the
// coordinator's requeue decisions.
func (e *Executor) TransportRetries() int {
	return e.cfg.TransportRetries
}

type scopeErr struct {
	caller, target string
}

func (e *scopeErr) Error() string {
	caller := e.caller
	if caller == "" {
		caller = "coordinator"
	}
	return ErrScopeViolation.Error() + ": " + caller + " may not invoke " + e.target
}

func (e *scopeErr) Unwrap() error { return ErrScopeViolation }
