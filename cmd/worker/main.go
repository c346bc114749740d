// Command worker runs a single project's scheduler: one instance per
// active project, spawned by the supervisor or launched directly with
// --name and --prompt for a first run.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/orchestrator/internal/agentpool"
	"github.com/basket/orchestrator/internal/audit"
	"github.com/basket/orchestrator/internal/brain"
	"github.com/basket/orchestrator/internal/bus"
	"github.com/basket/orchestrator/internal/config"
	"github.com/basket/orchestrator/internal/decompose"
	"github.com/basket/orchestrator/internal/doctor"
	"github.com/basket/orchestrator/internal/otel"
	"github.com/basket/orchestrator/internal/persistence"
	"github.com/basket/orchestrator/internal/policy"
	"github.com/basket/orchestrator/internal/resultschema"
	"github.com/basket/orchestrator/internal/scheduler"
	"github.com/basket/orchestrator/internal/skills"
	"github.com/basket/orchestrator/internal/telemetry"
)

var version = "dev"

func main() {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	args, err := config.ParseCLIArgs(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if args.Name == "" {
		fmt.Fprintln(os.Stderr, "worker: --name is required")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fatal(nil, "config load failed: %v", err)
	}

	if args.Doctor {
		d := doctor.Run(context.Background(), &cfg, version)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(d)
		return
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, "worker-"+args.Name, cfg.LogLevel, false)
	if err != nil {
		fatal(nil, "logger init failed: %v", err)
	}
	defer closer.Close()
	logger.Info("worker starting", "name", args.Name, "config_fingerprint", cfg.Fingerprint())

	if err := audit.Init(cfg.HomeDir); err != nil {
		logger.Warn("audit sink init failed", "error", err)
	}
	defer audit.Close()

	eventBus := bus.NewWithLogger(logger)
	store, err := persistence.Open(cfg.StorePath, eventBus)
	if err != nil {
		fatal(logger, "store open failed: %v", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())

	if args.Backup != "" {
		ctx := context.Background()
		if err := store.Backup(ctx, args.Backup); err != nil {
			fatal(logger, "backup failed: %v", err)
		}
		logger.Info("backup written", "path", args.Backup)
		return
	}

	w, err := store.GetOrCreateWorker(context.Background(), args.Name, args.ChatID)
	if err != nil {
		fatal(logger, "resolve worker record failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otel.Init(ctx, cfg.Otel)
	if err != nil {
		logger.Warn("otel init failed, continuing without tracing", "error", err)
		otelProvider, _ = otel.Init(ctx, otel.Config{Enabled: false})
	}
	defer otelProvider.Shutdown(context.Background())

	// A worker that starts after an ungraceful death (SIGKILL, OS crash)
	// leaves tasks stuck "running" with no agent behind them; fail them
	// before driving any new ticks.
	recovered, err := store.RecoverOrphanedTasks(ctx, w.ID, "daemon shutdown (crash recovery)")
	if err != nil {
		logger.Warn("orphaned task recovery failed", "error", err)
	} else if recovered > 0 {
		logger.Info("recovered orphaned tasks", "count", recovered)
	}

	if args.Prompt != "" {
		if _, err := store.CreateRootTask(ctx, w.ID, "root", args.Prompt); err != nil {
			logger.Warn("create root task from --prompt failed", "error", err)
		}
	}

	reasoning := cfg.Reasoning
	b := brain.NewGenkitBrain(ctx, brain.BrainConfig{
		Provider: reasoning.Provider,
		Model:    reasoning.DefaultModelTier,
		APIKey:   reasoning.APIKey(reasoning.Provider),
	})

	loader := skills.NewLoader(
		skillsDirFor(cfg, args.Name),
		cfg.SkillDir,
		cfg.SkillDir,
		logger,
	)
	loaded, err := loader.LoadAll(ctx)
	if err != nil {
		logger.Warn("skill manifest load failed", "error", err)
	}

	sessionTimeout := time.Duration(cfg.AgentTimeoutMS) * time.Millisecond
	pool := agentpool.New(b, store, cfg.Loop, cfg.MaxAgentsPerWorker, sessionTimeout, logger)
	decomposer := decompose.New(b, store, 0, 0)
	validator, err := resultschema.New()
	if err != nil {
		fatal(logger, "result schema validator init failed: %v", err)
	}

	pol, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		logger.Warn("policy load failed, falling back to default (deny all capabilities)", "error", err)
		pol = policy.Default()
	}
	livePolicy := policy.NewLivePolicy(pol, cfg.PolicyPath)

	sched := scheduler.New(store, pool, decomposer, validator, scheduler.StaticManifest(loaded), livePolicy, cfg, w.ID, w.Name, logger)

	runCtx, runSpan := otel.StartSpan(ctx, otelProvider.Tracer, "worker.run", otel.AttrSessionID.String(w.ID))
	runErr := sched.Run(runCtx)
	runSpan.End()

	reason := "daemon shutdown (graceful)"
	if sig := ctx.Err(); sig != nil {
		reason = "daemon shutdown (signal)"
	}
	if n, err := store.RecoverOrphanedTasks(context.Background(), w.ID, reason); err != nil {
		logger.Warn("shutdown task recovery failed", "error", err)
	} else if n > 0 {
		logger.Info("failed in-flight tasks on shutdown", "count", n)
	}
	if err := store.SetWorkerProcess(context.Background(), w.ID, nil, ""); err != nil {
		logger.Warn("clear process record on shutdown failed", "error", err)
	}
	if err := store.SetWorkerStatus(context.Background(), w.ID, persistence.WorkerDormant); err != nil {
		logger.Warn("mark worker dormant on shutdown failed", "error", err)
	}

	if runErr != nil {
		logger.Error("worker exiting after fatal error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("worker exiting cleanly")
}

func skillsDirFor(cfg config.Config, workerName string) string {
	return cfg.WorkspacesDir + "/" + workerName + "/skills"
}

func fatal(logger interface {
	Error(msg string, args ...any)
}, format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if logger != nil {
		logger.Error(msg)
	} else {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(1)
}
