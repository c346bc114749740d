// Package scheduler implements the per-project worker scheduler state
// machine: a fixed-cadence tick that heartbeats the worker record, drains
// control commands, gates new work on pause/budget, runs root
// decomposition, promotes dependency-resolved tasks, spawns pending leaves
// under the agent pool's concurrency cap, and detects idle exit. Completion
// aggregation and the per-session hooks live alongside it in this package
// since both are driven by the same tick loop.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/orchestrator/internal/agentpool"
	"github.com/basket/orchestrator/internal/audit"
	"github.com/basket/orchestrator/internal/config"
	"github.com/basket/orchestrator/internal/decompose"
	"github.com/basket/orchestrator/internal/persistence"
	"github.com/basket/orchestrator/internal/policy"
	"github.com/basket/orchestrator/internal/resultschema"
	"github.com/basket/orchestrator/internal/skills"
)

// ErrFatal is wrapped into the error returned from Run when the
// consecutive-error governor trips; the caller (cmd/worker) exits 1.
var ErrFatal = errors.New("worker scheduler: consecutive tick error limit reached")

// SkillManifestSource supplies the skill descriptors the decomposition
// driver inlines into subtask prompts; the supervisor refreshes this
// process-wide cache, the scheduler just reads it per tick.
type SkillManifestSource interface {
	Manifest() []skills.LoadedSkill
}

// staticManifest is the zero-dependency SkillManifestSource used when no
// live sync is wired in (e.g. tests, or a worker run without a skill dir).
type staticManifest []skills.LoadedSkill

func (m staticManifest) Manifest() []skills.LoadedSkill { return m }

// StaticManifest wraps a fixed skill list as a SkillManifestSource.
func StaticManifest(list []skills.LoadedSkill) SkillManifestSource { return staticManifest(list) }

// Scheduler runs the tick loop for exactly one worker.
type Scheduler struct {
	store      *persistence.Store
	pool       *agentpool.Pool
	decomposer *decompose.Driver
	results    *resultschema.Validator
	manifest   SkillManifestSource
	policy     policy.Checker
	cfg        config.Config
	workerID   string
	workerName string
	logger     *slog.Logger

	mu                sync.Mutex
	paused            bool
	consecutiveErrors int
	inFlight          map[string]struct{}

	resultCh chan agentpool.SessionResult
}

// New builds a Scheduler for one worker. resultValidator may be built once
// per process via resultschema.New() and shared across workers. pol gates a
// task's capability_id before it launches; a nil pol disables the gate
// entirely (every capability is allowed).
func New(store *persistence.Store, pool *agentpool.Pool, decomposer *decompose.Driver, resultValidator *resultschema.Validator, manifest SkillManifestSource, pol policy.Checker, cfg config.Config, workerID, workerName string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if manifest == nil {
		manifest = StaticManifest(nil)
	}
	return &Scheduler{
		store:      store,
		pool:       pool,
		decomposer: decomposer,
		results:    resultValidator,
		manifest:   manifest,
		policy:     pol,
		cfg:        cfg,
		workerID:   workerID,
		workerName: workerName,
		logger:     logger,
		inFlight:   make(map[string]struct{}),
		resultCh:   make(chan agentpool.SessionResult, 32),
	}
}

// enforceCapability denies and fails a task whose capability_id is not
// permitted by the active policy, recording the decision to the audit log.
// Tasks with no capability_id are exempt, and a nil policy (no gate
// configured) allows everything — the gate only bites once a subtask
// explicitly requests a capability and a policy is wired in.
func (s *Scheduler) enforceCapability(ctx context.Context, t *persistence.Task) (bool, error) {
	if t.CapabilityID == "" || s.policy == nil {
		return true, nil
	}
	if s.policy.AllowCapability(t.CapabilityID) {
		audit.Record("allow", t.CapabilityID, "task capability gate", s.policy.PolicyVersion(), t.ID)
		return true, nil
	}
	audit.Record("deny", t.CapabilityID, "capability not permitted by policy", s.policy.PolicyVersion(), t.ID)
	reason := fmt.Sprintf("capability %q denied by policy", t.CapabilityID)
	if err := s.store.FailTask(ctx, t.ID, reason); err != nil {
		return false, err
	}
	_, _ = s.store.RecordEvent(ctx, s.workerID, t.ID, persistence.EventTaskFailed, map[string]string{"message": reason})
	return false, nil
}

// Run drives the scheduler until it goes idle, hits the consecutive-error
// governor, or ctx is canceled. A nil return means clean idle shutdown
// (exit code 0); a non-nil return wrapping ErrFatal means exit code 1.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.PollIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case res := <-s.resultCh:
			s.handleResult(ctx, res)
		case <-ticker.C:
			if err := s.safeTick(ctx); err != nil {
				s.logger.Error("scheduler tick failed", "worker", s.workerName, "error", err)
				s.mu.Lock()
				s.consecutiveErrors++
				exceeded := s.consecutiveErrors >= s.cfg.ConsecutiveErrorLimit
				s.mu.Unlock()
				if exceeded {
					_ = s.store.SetWorkerStatus(ctx, s.workerID, persistence.WorkerError)
					return fmt.Errorf("%w: %v", ErrFatal, err)
				}
				continue
			}
			s.mu.Lock()
			s.consecutiveErrors = 0
			s.mu.Unlock()

			idle, err := s.isIdle(ctx)
			if err != nil {
				s.logger.Warn("idle check failed", "worker", s.workerName, "error", err)
				continue
			}
			if idle {
				if err := s.store.SetWorkerStatus(ctx, s.workerID, persistence.WorkerDormant); err != nil {
					s.logger.Warn("failed to mark worker dormant", "worker", s.workerName, "error", err)
				}
				return nil
			}
		}
	}
}

// safeTick recovers a panicking tick body into an error so it counts toward
// the consecutive-error governor instead of crashing the process.
func (s *Scheduler) safeTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()
	return s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) error {
	if err := s.store.TouchWorker(ctx, s.workerID); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}

	if err := s.drainCommands(ctx); err != nil {
		return fmt.Errorf("drain commands: %w", err)
	}

	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	if paused {
		return nil
	}

	w, err := s.store.GetWorker(ctx, s.workerID)
	if err != nil {
		return fmt.Errorf("load worker: %w", err)
	}
	if s.cfg.BudgetCapUSD > 0 && w.AccumulatedCostUSD >= s.cfg.BudgetCapUSD {
		return nil
	}

	if err := s.runRootDecomposition(ctx); err != nil {
		return fmt.Errorf("root decomposition: %w", err)
	}

	if _, err := s.store.PromoteReadyDependents(ctx, s.workerID); err != nil {
		return fmt.Errorf("promote dependents: %w", err)
	}

	if err := s.spawnPending(ctx); err != nil {
		return fmt.Errorf("spawn pending: %w", err)
	}

	return nil
}

// drainCommands dispatches every unhandled command in order, marking each
// handled only after its dispatch returns.
func (s *Scheduler) drainCommands(ctx context.Context) error {
	cmds, err := s.store.DequeueCommands(ctx, s.workerID)
	if err != nil {
		return err
	}
	for _, c := range cmds {
		if err := s.dispatchCommand(ctx, c); err != nil {
			s.logger.Warn("command dispatch failed", "type", c.Type, "error", err)
		}
		if err := s.store.MarkCommandHandled(ctx, c.ID); err != nil {
			return fmt.Errorf("mark command %d handled: %w", c.ID, err)
		}
	}
	return nil
}

func (s *Scheduler) dispatchCommand(ctx context.Context, c *persistence.Command) error {
	switch c.Type {
	case persistence.CommandPause:
		s.mu.Lock()
		s.paused = true
		s.mu.Unlock()
		return nil

	case persistence.CommandResume:
		s.mu.Lock()
		s.paused = false
		s.mu.Unlock()
		return nil

	case persistence.CommandKill:
		return s.handleKill(ctx)

	case persistence.CommandAnswer:
		var p persistence.AnswerPayload
		if err := json.Unmarshal([]byte(c.Payload), &p); err != nil {
			return fmt.Errorf("decode answer payload: %w", err)
		}
		return s.handleAnswer(ctx, p)

	case persistence.CommandRetry:
		var p persistence.RetryPayload
		if err := json.Unmarshal([]byte(c.Payload), &p); err != nil {
			return fmt.Errorf("decode retry payload: %w", err)
		}
		return s.handleRetry(ctx, p.TaskID)

	default:
		return fmt.Errorf("unrecognized command type %q", c.Type)
	}
}

// handleKill implements the `kill` command's cancellation semantics: abort
// every in-flight agent, fail their tasks, go dormant.
func (s *Scheduler) handleKill(ctx context.Context) error {
	s.mu.Lock()
	taskIDs := make([]string, 0, len(s.inFlight))
	for id := range s.inFlight {
		taskIDs = append(taskIDs, id)
	}
	s.mu.Unlock()

	for _, id := range taskIDs {
		s.pool.Abort(id)
		if err := s.store.FailTask(ctx, id, "killed by user"); err != nil {
			s.logger.Warn("failed to fail task on kill", "task_id", id, "error", err)
		}
		_, _ = s.store.RecordEvent(ctx, s.workerID, id, persistence.EventTaskFailed, map[string]string{"message": "killed by user"})
	}
	return s.store.SetWorkerStatus(ctx, s.workerID, persistence.WorkerDormant)
}

// handleAnswer resumes the session bound to task, feeding it the user's text
// as the next turn. Unlike retry, which aborts a still-live session first,
// answer only applies when a session handle is still tracked.
func (s *Scheduler) handleAnswer(ctx context.Context, p persistence.AnswerPayload) error {
	t, err := s.store.GetTask(ctx, p.TaskID)
	if err != nil {
		return fmt.Errorf("load answered task %s: %w", p.TaskID, err)
	}
	if t.SessionHandle == "" {
		return fmt.Errorf("task %s has no live session to answer", p.TaskID)
	}
	if err := s.store.TransitionTask(ctx, p.TaskID, persistence.TaskRunning); err != nil {
		return err
	}
	// The session handle identifies the prior conversation to the reasoning
	// service; the answer text becomes this attempt's prompt, appended to
	// the original so context is not lost across the resume.
	resumed := *t
	resumed.Prompt = fmt.Sprintf("%s\n\nUser reply: %s", t.Prompt, p.Text)
	// Acquiring a pool slot can block when the pool is saturated; run it off
	// the tick goroutine so a full pool cannot stall command draining.
	go s.runSession(ctx, &resumed)
	return nil
}

// handleRetry aborts any still-tracked session for the task before the
// store resets it, so no two sessions are ever bound to the same task id.
func (s *Scheduler) handleRetry(ctx context.Context, taskID string) error {
	s.pool.Abort(taskID)
	return s.store.RetryTask(ctx, taskID)
}

// runRootDecomposition runs the root task's prompt through the decomposer
// once it's the only pending task, turning it into a subtask graph (or,
// on zero subtasks, running the root itself).
func (s *Scheduler) runRootDecomposition(ctx context.Context) error {
	root, err := s.store.RootTaskForWorker(ctx, s.workerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil // no root task yet (worker created without --prompt)
		}
		return fmt.Errorf("lookup root task: %w", err)
	}
	if root.Status != persistence.TaskPending {
		return nil
	}
	if err := s.store.TransitionTask(ctx, root.ID, persistence.TaskRunning); err != nil {
		return err
	}

	result, err := s.decomposer.Decompose(ctx, s.workerID, root.ID, root.ModelTier, root.Prompt, s.manifest.Manifest())
	if err != nil {
		reason := "decomposition failed"
		var derr *decompose.Error
		if errors.As(err, &derr) {
			reason = fmt.Sprintf("decomposition failed: %s", derr.UserMessage)
		}
		if ferr := s.store.FailTask(ctx, root.ID, reason); ferr != nil {
			return ferr
		}
		_, _ = s.store.RecordEvent(ctx, s.workerID, root.ID, persistence.EventTaskFailed, map[string]string{"message": reason})
		return nil
	}

	if len(result.ChildIDs) == 0 {
		// Zero subtasks means run the root itself.
		allowed, err := s.enforceCapability(ctx, root)
		if err != nil {
			return err
		}
		if !allowed {
			return nil
		}
		return s.spawnTask(ctx, root)
	}
	return nil
}

// spawnPending spawns up to the free agent pool capacity's worth of pending
// leaf tasks, oldest first, enforcing the max-task-depth gate before launch.
func (s *Scheduler) spawnPending(ctx context.Context) error {
	pending, err := s.store.PendingTasksForWorker(ctx, s.workerID)
	if err != nil {
		return err
	}
	for _, t := range pending {
		hasChildren, err := s.store.HasChildren(ctx, t.ID)
		if err != nil {
			return err
		}
		if hasChildren {
			continue // aggregated, not executed directly
		}
		if t.Depth > s.cfg.MaxTaskDepth {
			if err := s.store.FailTask(ctx, t.ID, "depth limit exceeded"); err != nil {
				return err
			}
			_, _ = s.store.RecordEvent(ctx, s.workerID, t.ID, persistence.EventDepthLimitExceeded, map[string]string{"message": "task depth exceeds configured maximum"})
			continue
		}
		allowed, err := s.enforceCapability(ctx, t)
		if err != nil {
			return err
		}
		if !allowed {
			continue
		}
		if !s.pool.TryAcquire() {
			break // pool at capacity; remaining pending tasks wait for next tick
		}
		if err := s.launchAcquired(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// launchAcquired assumes the caller already reserved a pool slot via
// TryAcquire and transitions+launches the task, releasing the slot on a
// synchronous launch failure.
func (s *Scheduler) launchAcquired(ctx context.Context, t *persistence.Task) error {
	if err := s.store.TransitionTask(ctx, t.ID, persistence.TaskRunning); err != nil {
		return err
	}
	// The reasoning-service abstraction (internal/brain) keys a resumable
	// session by task id; recording it here is what lets the `answer`
	// command's "task has a live session" check pass.
	if err := s.store.SetSessionHandle(ctx, t.ID, t.ID); err != nil {
		s.logger.Warn("failed to set session handle", "task_id", t.ID, "error", err)
	}
	if _, err := s.store.RecordEvent(ctx, s.workerID, t.ID, persistence.EventTaskStarted, map[string]string{}); err != nil {
		s.logger.Warn("failed to record task_started event", "task_id", t.ID, "error", err)
	}

	s.mu.Lock()
	s.inFlight[t.ID] = struct{}{}
	s.mu.Unlock()

	out := s.pool.Spawn(ctx, t)
	go s.forward(out)
	return nil
}

// spawnTask is used by the zero-children decomposition fallback, which must
// launch the root itself rather than going through the normal pending-scan
// path (the root is already `running`, not `pending`).
func (s *Scheduler) spawnTask(ctx context.Context, t *persistence.Task) error {
	if err := s.store.SetSessionHandle(ctx, t.ID, t.ID); err != nil {
		s.logger.Warn("failed to set session handle", "task_id", t.ID, "error", err)
	}
	slot, err := s.pool.SpawnBlocking(ctx, t)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.inFlight[t.ID] = struct{}{}
	s.mu.Unlock()
	go s.forward(slot)
	return nil
}

func (s *Scheduler) forward(ch <-chan agentpool.SessionResult) {
	res, ok := <-ch
	if !ok {
		return
	}
	s.resultCh <- res
}

// runSession is used by the `answer` command path to resume a task outside
// the normal pending-scan spawn flow. It blocks until a pool slot is free,
// same as the decomposition fallback's spawnTask — neither caller has
// already reserved one via TryAcquire.
func (s *Scheduler) runSession(ctx context.Context, t *persistence.Task) {
	out, err := s.pool.SpawnBlocking(ctx, t)
	if err != nil {
		s.logger.Warn("failed to resume session", "task_id", t.ID, "error", err)
		return
	}
	s.mu.Lock()
	s.inFlight[t.ID] = struct{}{}
	s.mu.Unlock()
	go s.forward(out)
}

// handleResult is the per-session completion/error callback that feeds
// aggregation. Called from Run's select loop, never concurrently with tick.
func (s *Scheduler) handleResult(ctx context.Context, res agentpool.SessionResult) {
	s.mu.Lock()
	delete(s.inFlight, res.TaskID)
	s.mu.Unlock()

	if res.CostUSD > 0 {
		if err := s.store.AddWorkerCost(ctx, s.workerID, res.CostUSD); err != nil {
			s.logger.Warn("failed to record session cost", "task_id", res.TaskID, "cost_usd", res.CostUSD, "error", err)
		}
	}

	_, _ = s.store.RecordEvent(ctx, s.workerID, res.TaskID, persistence.EventAgentStop, map[string]string{"reason": stopReason(res.Err)})

	if res.Err != nil {
		if err := s.store.FailTask(ctx, res.TaskID, fmt.Sprintf("spawn failed: %v", res.Err)); err != nil {
			s.logger.Warn("failed to fail task", "task_id", res.TaskID, "error", err)
			return
		}
		_, _ = s.store.RecordEvent(ctx, s.workerID, res.TaskID, persistence.EventTaskFailed, map[string]string{"message": res.Err.Error()})
		s.onTaskFailed(ctx, res.TaskID)
		return
	}

	tr, _ := s.results.Parse(res.Output)
	buf, _ := json.Marshal(tr)
	if tr.Status == resultschema.StatusError {
		if err := s.store.FailTask(ctx, res.TaskID, tr.Message); err != nil {
			s.logger.Warn("failed to fail task on error result", "task_id", res.TaskID, "error", err)
			return
		}
		_, _ = s.store.RecordEvent(ctx, s.workerID, res.TaskID, persistence.EventTaskFailed, map[string]string{"message": tr.Message})
		s.onTaskFailed(ctx, res.TaskID)
		return
	}

	if err := s.store.CompleteTask(ctx, res.TaskID, string(buf)); err != nil {
		s.logger.Warn("failed to complete task", "task_id", res.TaskID, "error", err)
		return
	}
	_, _ = s.store.RecordEvent(ctx, s.workerID, res.TaskID, persistence.EventTaskDone, map[string]string{"message": tr.Message})
	s.onTaskDone(ctx, res.TaskID)
}

func stopReason(err error) string {
	if err != nil {
		return err.Error()
	}
	return "completed"
}

// onTaskDone: if every sibling of the completed task is done, aggregate
// into the parent and recurse upward.
func (s *Scheduler) onTaskDone(ctx context.Context, taskID string) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		s.logger.Warn("onTaskDone: task lookup failed", "task_id", taskID, "error", err)
		return
	}
	if t.ParentID == "" {
		return
	}
	s.aggregateIfReady(ctx, t.ParentID)
}

// onTaskFailed is the failure-propagation half: if any sibling has failed
// and the parent is still running, fail the parent — in-flight siblings
// are left to finish on their own.
func (s *Scheduler) onTaskFailed(ctx context.Context, taskID string) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		s.logger.Warn("onTaskFailed: task lookup failed", "task_id", taskID, "error", err)
		return
	}
	if t.ParentID == "" {
		return
	}
	parent, err := s.store.GetTask(ctx, t.ParentID)
	if err != nil {
		s.logger.Warn("onTaskFailed: parent lookup failed", "task_id", t.ParentID, "error", err)
		return
	}
	if parent.Status != persistence.TaskRunning {
		return
	}
	anyFailed, err := s.store.AnyChildFailed(ctx, parent.ID)
	if err != nil {
		s.logger.Warn("onTaskFailed: child-failure check failed", "task_id", parent.ID, "error", err)
		return
	}
	if !anyFailed {
		return
	}
	if err := s.store.FailTask(ctx, parent.ID, "one or more subtasks failed"); err != nil {
		s.logger.Warn("failed to fail parent task", "task_id", parent.ID, "error", err)
		return
	}
	_, _ = s.store.RecordEvent(ctx, s.workerID, parent.ID, persistence.EventTaskFailed, map[string]string{"message": "one or more subtasks failed"})
	s.onTaskFailed(ctx, parent.ID) // recurse: parent's own parent may now need failing too
}

func (s *Scheduler) aggregateIfReady(ctx context.Context, parentID string) {
	allDone, err := s.store.AllChildrenDone(ctx, parentID)
	if err != nil {
		s.logger.Warn("aggregateIfReady: all-children-done check failed", "parent_id", parentID, "error", err)
		return
	}
	if !allDone {
		return
	}
	children, err := s.store.ChildrenOf(ctx, parentID)
	if err != nil {
		s.logger.Warn("failed to load children for aggregation", "parent_id", parentID, "error", err)
		return
	}

	entries := make([]resultschema.AggregatedEntry, 0, len(children))
	for _, c := range children {
		childResult, _ := s.results.Parse(c.Result)
		entries = append(entries, resultschema.AggregatedEntry{Title: c.Title, Result: childResult})
	}
	aggregated, err := resultschema.Aggregate(entries)
	if err != nil {
		s.logger.Warn("failed to marshal aggregated result", "parent_id", parentID, "error", err)
		return
	}

	if err := s.store.CompleteTask(ctx, parentID, aggregated); err != nil {
		s.logger.Warn("failed to complete aggregated parent", "parent_id", parentID, "error", err)
		return
	}
	_, _ = s.store.RecordEvent(ctx, s.workerID, parentID, persistence.EventTaskDone, map[string]string{"message": "all subtasks complete"})
	s.onTaskDone(ctx, parentID)
}

// isIdle reports whether the worker has no pending work, no in-flight
// agents, and its root task is done (or there is no root yet) — exit is
// safe.
func (s *Scheduler) isIdle(ctx context.Context) (bool, error) {
	s.mu.Lock()
	inFlight := len(s.inFlight)
	s.mu.Unlock()
	if inFlight > 0 {
		return false, nil
	}

	pending, err := s.store.PendingTasksForWorker(ctx, s.workerID)
	if err != nil {
		return false, err
	}
	if len(pending) > 0 {
		return false, nil
	}

	root, err := s.store.RootTaskForWorker(ctx, s.workerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil // no root task at all: nothing to do, go dormant
		}
		return false, err
	}
	return root.Status == persistence.TaskDone || root.Status == persistence.TaskFailed, nil
}
