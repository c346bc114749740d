// Package notify implements the notification dispatcher: after every task
// completion or failure it asks the reasoning service to rewrite the raw
// event payload as a short human message and delivers it over a chat
// channel, then sweeps each worker's workspace for new image files. It owns
// the exactly-once event claim (persistence.ClaimUnnotifiedEvents) that
// internal/channels used to run itself — one claim loop shared by every
// channel, instead of one per adapter.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/orchestrator/internal/brain"
	"github.com/basket/orchestrator/internal/persistence"
)

// imageExtensions are the file types the workspace sweep forwards.
var imageExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {}, ".bmp": {},
}

// Sender is the delivery side of a chat channel adapter. internal/channels'
// TelegramChannel implements this; notify is the only caller of it for
// outbound traffic.
type Sender interface {
	Name() string
	SendText(ctx context.Context, workerID, text string) error
	SendImage(ctx context.Context, workerID, path string) error
	NotePendingQuestion(ctx context.Context, workerID, taskID string)
}

const rewritePrompt = `You turn a raw orchestrator event into a single short
chat message for a human to read. Be concise, plain language, no JSON, no
markdown headers. One or two sentences is enough.

Event type: %s
Task id: %s
Raw payload: %s`

// Dispatcher runs the notification loop on a fixed cadence.
type Dispatcher struct {
	store         *persistence.Store
	b             brain.Brain
	senders       []Sender
	logger        *slog.Logger
	interval      time.Duration
	workspacesDir string
}

// New builds a Dispatcher. b may be nil, in which case every event falls
// back to the raw-text formatting (the same path used when the reasoning
// service call itself fails). workspacesDir is
// config.Config.WorkspacesDir, the parent of each worker's workspace
// directory (workspacesDir/<worker name>), used by the image sweep.
func New(store *persistence.Store, b brain.Brain, senders []Sender, workspacesDir string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: store, b: b, senders: senders, logger: logger, interval: 2 * time.Second, workspacesDir: workspacesDir}
}

// Run drives the dispatch loop until ctx is canceled: claim-format-send for
// every worker with at least one bound chat, then an image sweep.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	workers, err := d.store.ListWorkers(ctx)
	if err != nil {
		d.logger.Warn("notify: list workers failed", "error", err)
		return
	}
	for _, w := range workers {
		d.dispatchEvents(ctx, w)
		d.sweepImages(ctx, w)
	}
}

func (d *Dispatcher) dispatchEvents(ctx context.Context, w *persistence.Worker) {
	events, err := d.store.ClaimUnnotifiedEvents(ctx, w.ID, 20)
	if err != nil {
		d.logger.Warn("notify: claim events failed", "worker", w.Name, "error", err)
		return
	}
	for _, ev := range events {
		text := d.format(ctx, w.ID, ev)
		for _, s := range d.senders {
			if err := s.SendText(ctx, w.ID, text); err != nil {
				d.logger.Warn("notify: send failed", "channel", s.Name(), "worker", w.Name, "error", err)
				continue
			}
			if ev.Type == persistence.EventNeedsInput && ev.TaskID != "" {
				s.NotePendingQuestion(ctx, w.ID, ev.TaskID)
			}
		}
	}
}

// format asks the reasoning service to rewrite the event as a short human
// message; on any failure (no brain configured, call error, empty
// response) it falls back to the first 500 characters of the raw payload.
func (d *Dispatcher) format(ctx context.Context, workerID string, ev *persistence.Event) string {
	if d.b == nil {
		return fallbackText(ev)
	}
	sessionID := fmt.Sprintf("notify:%d", ev.ID)
	prompt := fmt.Sprintf(rewritePrompt, ev.Type, ev.TaskID, ev.Payload)
	text, cost, err := d.b.Respond(ctx, sessionID, prompt)
	if cost > 0 {
		if err := d.store.AddWorkerCost(ctx, workerID, cost); err != nil {
			d.logger.Warn("notify: record cost failed", "worker_id", workerID, "error", err)
		}
	}
	if err != nil || strings.TrimSpace(text) == "" {
		return fallbackText(ev)
	}
	return strings.TrimSpace(text)
}

func fallbackText(ev *persistence.Event) string {
	raw := ev.Payload
	if len(raw) > 500 {
		raw = raw[:500]
	}
	if ev.TaskID != "" {
		return fmt.Sprintf("%s (task %s): %s", ev.Type, ev.TaskID, raw)
	}
	return fmt.Sprintf("%s: %s", ev.Type, raw)
}

// sweepImages walks the worker's workspace for image files not yet sent
// (persistence.WasImageSent/MarkImageSent), forwarding each exactly once.
func (d *Dispatcher) sweepImages(ctx context.Context, w *persistence.Worker) {
	if d.workspacesDir == "" {
		return
	}
	workspacePath := filepath.Join(d.workspacesDir, w.Name)
	if _, err := os.Stat(workspacePath); err != nil {
		return
	}
	_ = filepath.WalkDir(workspacePath, func(path string, entry os.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return nil
		}
		if _, ok := imageExtensions[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}
		sent, err := d.store.WasImageSent(ctx, w.ID, path)
		if err != nil || sent {
			return nil
		}
		for _, s := range d.senders {
			if err := s.SendImage(ctx, w.ID, path); err != nil {
				d.logger.Warn("notify: image send failed", "channel", s.Name(), "worker", w.Name, "path", path, "error", err)
				continue
			}
		}
		if err := d.store.MarkImageSent(ctx, w.ID, path); err != nil {
			d.logger.Warn("notify: mark image sent failed", "worker", w.Name, "path", path, "error", err)
		}
		return nil
	})
}
