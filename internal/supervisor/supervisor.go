// Package supervisor implements the always-on process that spawns,
// reconciles, and time-triggers per-project worker schedulers. It never
// touches a task directly; every decision is made by reading worker and
// trigger rows back from the shared store.
package supervisor

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/basket/orchestrator/internal/config"
	"github.com/basket/orchestrator/internal/cron"
	"github.com/basket/orchestrator/internal/persistence"
	"github.com/basket/orchestrator/internal/skills"
)

// Supervisor drives the scan loop on a fixed cadence
// (config.SupervisorScanIntervalMS, default 3s).
type Supervisor struct {
	store        *persistence.Store
	spawner      Spawner
	loader       *skills.Loader
	workerBinary string
	cfg          config.Config
	logger       *slog.Logger

	interval          time.Duration
	skillSyncInterval time.Duration
	lastSkillSync     time.Time
}

// New builds a Supervisor. loader may be nil, in which case the skill/
// capability manifest sync step is skipped (e.g. in tests that don't care
// about it).
func New(store *persistence.Store, spawner Spawner, loader *skills.Loader, workerBinary string, cfg config.Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	interval := time.Duration(cfg.SupervisorScanIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 3 * time.Second
	}
	skillSync := time.Duration(cfg.SkillSyncIntervalSeconds) * time.Second
	if skillSync <= 0 {
		skillSync = 60 * time.Second
	}
	return &Supervisor{
		store:             store,
		spawner:           spawner,
		loader:            loader,
		workerBinary:      workerBinary,
		cfg:               cfg,
		logger:            logger,
		interval:          interval,
		skillSyncInterval: skillSync,
	}
}

// Run drives the scan loop until ctx is canceled.
func (sup *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(sup.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sup.tick(ctx)
		}
	}
}

func (sup *Supervisor) tick(ctx context.Context) {
	sup.reconcileActiveWorkers(ctx)
	sup.sweepDormantWithWork(ctx)
	sup.fireDueTriggers(ctx)
	sup.maybeSyncSkillManifest(ctx)
}

// reconcileActiveWorkers: every worker recorded as active is checked for
// OS liveness (and, when a terminal-multiplexer
// session was used at spawn time, session liveness as a second signal).
// A dead worker whose heartbeat is still fresh is marked error rather than
// respawned immediately, to avoid a spawn storm against a worker that is
// merely slow to update its process record.
func (sup *Supervisor) reconcileActiveWorkers(ctx context.Context) {
	workers, err := sup.store.ListActiveWorkers(ctx)
	if err != nil {
		sup.logger.Warn("supervisor: list active workers failed", "error", err)
		return
	}
	staleAfter := time.Duration(sup.cfg.WorkerStaleAfterSeconds) * time.Second
	now := time.Now()
	for _, w := range workers {
		alive := false
		if pid := w.OSPidPtr(); pid != nil && sup.spawner.ProcessAlive(*pid) {
			alive = true
		}
		if !alive && w.LivenessSessionStr() != "" && sup.spawner.SessionAlive(w.LivenessSessionStr()) {
			alive = true
		}
		if alive {
			continue
		}

		if w.StaleSince(now) < staleAfter {
			// Record looks fresh even though the process check failed; the
			// worker may simply not have written its pid yet. Don't respawn
			// on top of a worker that is still starting up.
			if err := sup.store.SetWorkerStatus(ctx, w.ID, persistence.WorkerError); err != nil {
				sup.logger.Warn("supervisor: mark worker error failed", "worker", w.Name, "error", err)
			}
			continue
		}

		if err := sup.store.SetWorkerProcess(ctx, w.ID, nil, ""); err != nil {
			sup.logger.Warn("supervisor: clear stale process record failed", "worker", w.Name, "error", err)
			continue
		}
		sup.spawnWorker(ctx, w.ID, w.Name)
	}
}

// sweepDormantWithWork relaunches any dormant worker that still has
// unfinished tasks queued against it.
func (sup *Supervisor) sweepDormantWithWork(ctx context.Context) {
	workers, err := sup.store.ListDormantWorkersWithWork(ctx)
	if err != nil {
		sup.logger.Warn("supervisor: list dormant-with-work failed", "error", err)
		return
	}
	for _, w := range workers {
		sup.spawnWorker(ctx, w.ID, w.Name)
	}
}

// spawnWorker locates the worker binary and launches a detached child for
// workerID/workerName, recording the result back on the worker row. Spawn
// failure marks the worker error rather than leaving it dormant forever, so
// an operator watching worker status notices.
func (sup *Supervisor) spawnWorker(ctx context.Context, workerID, workerName string) {
	args := []string{"--name", workerName}
	pid, session, err := sup.spawner.Spawn(sup.workerBinary, args, sup.cfg.LogDir, workerName)
	if err != nil {
		sup.logger.Warn("supervisor: spawn failed", "worker", workerName, "error", err)
		if setErr := sup.store.SetWorkerStatus(ctx, workerID, persistence.WorkerError); setErr != nil {
			sup.logger.Warn("supervisor: mark worker error after spawn failure failed", "worker", workerName, "error", setErr)
		}
		return
	}
	if err := sup.store.SetWorkerProcess(ctx, workerID, &pid, session); err != nil {
		sup.logger.Warn("supervisor: record spawned process failed", "worker", workerName, "pid", pid, "error", err)
		return
	}
	if err := sup.store.SetWorkerStatus(ctx, workerID, persistence.WorkerActive); err != nil {
		sup.logger.Warn("supervisor: mark worker active failed", "worker", workerName, "error", err)
		return
	}
	sup.logger.Info("supervisor: spawned worker", "worker", workerName, "pid", pid, "session", session)
}

// fireDueTriggers: every enabled time trigger whose next run has arrived
// gets its idempotency key claimed exactly once per
// minute bucket (persistence.TryClaimCronFiring), a root task materialized
// under its target worker, and its next-run recomputed.
func (sup *Supervisor) fireDueTriggers(ctx context.Context) {
	now := time.Now()
	due, err := sup.store.DueTimeTriggers(ctx, now)
	if err != nil {
		sup.logger.Warn("supervisor: list due triggers failed", "error", err)
		return
	}
	for _, trig := range due {
		sup.fireTrigger(ctx, trig, now)
	}
}

func (sup *Supervisor) fireTrigger(ctx context.Context, trig *persistence.TimeTrigger, now time.Time) {
	claimed, err := sup.store.TryClaimCronFiring(ctx, trig.ID, cron.IsoMinute(now))
	if err != nil {
		sup.logger.Warn("supervisor: claim cron firing failed", "trigger", trig.ID, "error", err)
		return
	}
	if !claimed {
		return
	}

	w, err := sup.store.GetOrCreateWorker(ctx, trig.TargetWorkerName, "")
	if err != nil {
		sup.logger.Warn("supervisor: resolve trigger target worker failed", "trigger", trig.ID, "worker", trig.TargetWorkerName, "error", err)
		return
	}

	if _, err := sup.store.CreateTasksBatch(ctx, []persistence.NewTaskInput{{
		WorkerID:     w.ID,
		Title:        trig.Title,
		Prompt:       trig.Prompt,
		ModelTier:    trig.Overrides.ModelTier,
		SkillList:    trig.Overrides.Skills,
		CapabilityID: trig.Overrides.CapabilityID,
	}}); err != nil {
		sup.logger.Warn("supervisor: create root task for trigger failed", "trigger", trig.ID, "error", err)
		return
	}

	next, err := cron.NextRunTime(trig.ScheduleExpr, now)
	if err != nil {
		sup.logger.Warn("supervisor: compute next run failed", "trigger", trig.ID, "schedule", trig.ScheduleExpr, "error", err)
		return
	}
	if err := sup.store.UpdateTriggerRun(ctx, trig.ID, now, next); err != nil {
		sup.logger.Warn("supervisor: update trigger run failed", "trigger", trig.ID, "error", err)
	}
	if w.Status == persistence.WorkerDormant {
		sup.spawnWorker(ctx, w.ID, w.Name)
	}
}

// maybeSyncSkillManifest does an idempotent, cheap upsert of discovered
// skill descriptors, gated on its own cadence
// (independent of the 3s scan tick) and skipped entirely when no loader was
// configured. The manifest fingerprint is cached in the kv store so a
// restart doesn't immediately re-log a sync that just happened.
func (sup *Supervisor) maybeSyncSkillManifest(ctx context.Context) {
	if sup.loader == nil {
		return
	}
	now := time.Now()
	if !sup.lastSkillSync.IsZero() && now.Sub(sup.lastSkillSync) < sup.skillSyncInterval {
		return
	}
	sup.lastSkillSync = now

	loaded, err := sup.loader.LoadAll(ctx)
	if err != nil {
		sup.logger.Warn("supervisor: skill manifest load failed", "error", err)
	}
	fingerprint := manifestFingerprint(loaded)

	prev, ok, err := sup.store.KVGet(ctx, "skill_manifest_fingerprint")
	if err != nil {
		sup.logger.Warn("supervisor: read skill manifest fingerprint failed", "error", err)
		return
	}
	if ok && prev == fingerprint {
		return
	}
	if err := sup.store.KVSet(ctx, "skill_manifest_fingerprint", fingerprint); err != nil {
		sup.logger.Warn("supervisor: write skill manifest fingerprint failed", "error", err)
		return
	}
	sup.logger.Info("supervisor: skill manifest changed", "skill_count", len(loaded), "fingerprint", fingerprint)
}

// manifestFingerprint hashes the loaded skill set's identity (name, source,
// eligibility) so the sync can detect "nothing changed" without re-upserting
// on every tick.
func manifestFingerprint(loaded []skills.LoadedSkill) string {
	s := ""
	for _, l := range loaded {
		s += fmt.Sprintf("%s|%s|%v;", l.Skill.Name, l.Source, l.Eligible)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("%x", h.Sum64())
}
