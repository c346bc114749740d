// Command dashboard is the read-only terminal status view over the shared
// store: it never creates, transitions, or retries a task — only the
// worker scheduler that owns a task does that.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/basket/orchestrator/internal/bus"
	"github.com/basket/orchestrator/internal/config"
	"github.com/basket/orchestrator/internal/persistence"
	"github.com/basket/orchestrator/internal/tui"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dashboard: config load failed: %v\n", err)
		os.Exit(1)
	}

	store, err := persistence.Open(cfg.StorePath, bus.New())
	if err != nil {
		fmt.Fprintf(os.Stderr, "dashboard: store open failed: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := tui.Run(ctx, store); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "dashboard: %v\n", err)
		os.Exit(1)
	}
}
