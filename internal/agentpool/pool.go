// Package agentpool bounds the number of agent sessions a single worker
// scheduler runs concurrently. It replaces the teacher's named multi-agent
// roster (internal/agent.Registry): there is exactly one Brain per worker
// process here, not a registry of independently configured named agents
// each owning their own task queue.
package agentpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/orchestrator/internal/brain"
	"github.com/basket/orchestrator/internal/config"
	"github.com/basket/orchestrator/internal/persistence"
)

// SessionResult is what an agent session produces for one task attempt.
type SessionResult struct {
	TaskID  string
	Output  string
	CostUSD float64
	Err     error
}

// Pool runs bounded concurrent agent sessions against tasks claimed by a
// single worker scheduler. Each session is a single Brain reasoning call
// (or, when cfg.Loop.Enabled, a budget-bounded LoopRunner) over one task.
type Pool struct {
	brain          brain.Brain
	store          *persistence.Store
	cfg            config.LoopConfig
	sessionTimeout time.Duration
	logger         *slog.Logger

	mu sync.Mutex

	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup

	maxConcurrent int
	running       chan struct{} // buffered semaphore of size maxConcurrent
}

// New builds a Pool bounded to maxConcurrent simultaneous agent sessions.
// sessionTimeout bounds a single agent session (config.AgentTimeoutMS,
// default 10 minutes); a session that runs past it is canceled and its
// result delivered as an error, freeing the slot for other work.
func New(b brain.Brain, store *persistence.Store, loopCfg config.LoopConfig, maxConcurrent int, sessionTimeout time.Duration, logger *slog.Logger) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	if sessionTimeout <= 0 {
		sessionTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		brain:          b,
		store:          store,
		cfg:            loopCfg,
		sessionTimeout: sessionTimeout,
		logger:         logger,
		cancels:        make(map[string]context.CancelFunc),
		maxConcurrent:  maxConcurrent,
		running:        make(chan struct{}, maxConcurrent),
	}
}

// TryAcquire reports whether the pool has a free slot, without blocking.
// The scheduler calls this before spawning a session so it can move on to
// other scheduling work (command draining, dependency promotion) instead of
// blocking its own tick on a full pool.
func (p *Pool) TryAcquire() bool {
	select {
	case p.running <- struct{}{}:
		return true
	default:
		return false
	}
}

// Spawn runs one bounded agent session for task in its own goroutine and
// delivers the result on the returned channel exactly once. The caller must
// have already called TryAcquire (or use SpawnBlocking, which acquires a
// slot itself).
func (p *Pool) Spawn(ctx context.Context, task *persistence.Task) <-chan SessionResult {
	return p.spawn(ctx, task)
}

// SpawnBlocking acquires a slot (blocking until one is free or ctx is done)
// and then spawns the session.
func (p *Pool) SpawnBlocking(ctx context.Context, task *persistence.Task) (<-chan SessionResult, error) {
	select {
	case p.running <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.spawn(ctx, task), nil
}

func (p *Pool) spawn(ctx context.Context, task *persistence.Task) <-chan SessionResult {
	out := make(chan SessionResult, 1)
	sessionCtx, cancel := context.WithTimeout(ctx, p.sessionTimeout)

	p.mu.Lock()
	p.cancels[task.ID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			<-p.running
			p.mu.Lock()
			delete(p.cancels, task.ID)
			p.mu.Unlock()
		}()

		output, cost, err := p.run(sessionCtx, task)
		out <- SessionResult{TaskID: task.ID, Output: output, CostUSD: cost, Err: err}
		close(out)
	}()

	return out
}

func (p *Pool) run(ctx context.Context, task *persistence.Task) (string, float64, error) {
	p.logger.Info("agent session starting", "task_id", task.ID, "worker_id", task.WorkerID, "capability_id", task.CapabilityID)

	if !p.cfg.Enabled {
		return p.brain.Respond(ctx, task.ID, task.Prompt)
	}

	runner := brain.NewLoopRunner(p.brain, p.store, nil, p.logger, p.cfg, task.WorkerID, task.ID)
	result, err := runner.Run(ctx, task.ID)
	if err != nil {
		return "", 0, fmt.Errorf("agent loop: %w", err)
	}
	if result.Status != brain.LoopStatusCompleted {
		return "", result.CostUSD, fmt.Errorf("agent loop ended with status %s: %w", result.Status, result.Error)
	}
	return result.Response, result.CostUSD, nil
}

// Abort cancels the session running for taskID, if any. Returns false if no
// session for that task is currently running in this pool.
func (p *Pool) Abort(taskID string) bool {
	p.mu.Lock()
	cancel, ok := p.cancels[taskID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Drain waits for all running sessions to finish, up to timeout, then
// returns. Sessions still running after timeout are left to be recovered by
// the store's own orphaned-task sweep on the next supervisor scan.
func (p *Pool) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Warn("agent pool drain timeout; sessions left running for orphan recovery", "timeout", timeout)
	}
}
