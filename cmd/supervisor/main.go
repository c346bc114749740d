// Command supervisor is the single always-on process that spawns, reaps,
// and time-triggers per-project worker schedulers. It also hosts the
// notification dispatcher and chat channel adapters, since both are
// single global loops rather than per-project state.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/basket/orchestrator/internal/audit"
	"github.com/basket/orchestrator/internal/brain"
	"github.com/basket/orchestrator/internal/bus"
	"github.com/basket/orchestrator/internal/channels"
	"github.com/basket/orchestrator/internal/config"
	"github.com/basket/orchestrator/internal/doctor"
	"github.com/basket/orchestrator/internal/notify"
	"github.com/basket/orchestrator/internal/otel"
	"github.com/basket/orchestrator/internal/persistence"
	"github.com/basket/orchestrator/internal/skills"
	"github.com/basket/orchestrator/internal/supervisor"
	"github.com/basket/orchestrator/internal/telemetry"
)

var version = "dev"

func main() {
	fs := flag.NewFlagSet("supervisor", flag.ExitOnError)
	workerBin := fs.String("worker-bin", defaultWorkerBinary(), "path to the worker binary the supervisor spawns")
	args, err := config.ParseCLIArgs(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
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

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, "supervisor", cfg.LogLevel, false)
	if err != nil {
		fatal(nil, "logger init failed: %v", err)
	}
	defer closer.Close()
	logger.Info("supervisor starting", "config_fingerprint", cfg.Fingerprint(), "worker_bin", *workerBin)

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
		if err := store.Backup(context.Background(), args.Backup); err != nil {
			fatal(logger, "backup failed: %v", err)
		}
		logger.Info("backup written", "path", args.Backup)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otel.Init(ctx, cfg.Otel)
	if err != nil {
		logger.Warn("otel init failed, continuing without tracing", "error", err)
		otelProvider, _ = otel.Init(ctx, otel.Config{Enabled: false})
	}
	defer otelProvider.Shutdown(context.Background())

	spawner := supervisor.NewExecSpawner(cfg.UseTmux)
	loader := skills.NewLoader("", cfg.SkillDir, cfg.SkillDir, logger)
	sup := supervisor.New(store, spawner, loader, *workerBin, cfg, logger)

	var senders []notify.Sender
	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		tg := channels.NewTelegramChannel(cfg.Telegram.Token, cfg.Telegram.AllowedIDs, store, logger)
		senders = append(senders, tg)
		go func() {
			if err := tg.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("telegram channel stopped", "error", err)
			}
		}()
	}

	reasoning := cfg.Reasoning
	var notifyBrain brain.Brain
	if reasoning.APIKey(reasoning.Provider) != "" {
		notifyBrain = brain.NewGenkitBrain(ctx, brain.BrainConfig{
			Provider: reasoning.Provider,
			Model:    reasoning.DefaultModelTier,
			APIKey:   reasoning.APIKey(reasoning.Provider),
		})
	}
	dispatcher := notify.New(store, notifyBrain, senders, cfg.WorkspacesDir, logger)
	go dispatcher.Run(ctx)

	logger.Info("supervisor running", "scan_interval_ms", cfg.SupervisorScanIntervalMS)
	runCtx, runSpan := otel.StartSpan(ctx, otelProvider.Tracer, "supervisor.run")
	err = sup.Run(runCtx)
	runSpan.End()
	if err != nil {
		logger.Error("supervisor exiting after error", "error", err)
		os.Exit(1)
	}
	// SIGINT/SIGTERM detaches without touching already-spawned children:
	// their process ids and liveness sessions stay recorded on their worker
	// rows, so the next supervisor instance's reconciliation pass picks them
	// back up instead of respawning.
	logger.Info("supervisor exiting cleanly")
}

// defaultWorkerBinary assumes the worker binary is installed alongside the
// supervisor binary, the layout produced by building both cmd/ entries into
// the same bin directory.
func defaultWorkerBinary() string {
	self, err := os.Executable()
	if err != nil {
		return "worker"
	}
	candidate := filepath.Join(filepath.Dir(self), "worker")
	if _, err := exec.LookPath(candidate); err == nil {
		return candidate
	}
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return "worker"
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
