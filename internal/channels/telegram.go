package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/orchestrator/internal/persistence"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel is the thin boundary adapter between the store and Telegram:
// it dispatches claimed notification-dispatcher events as chat messages to
// each worker's chat_channel_handle, and turns inbound chat messages into
// commands enqueued for the addressed worker. It never creates or mutates a
// task directly — only the worker scheduler that owns a task does that,
// reading the commands this adapter enqueues.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	store      *persistence.Store
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI

	pendingMu  sync.Mutex
	pendingAsk map[int64]string // chatID -> task_id awaiting a free-text answer
}

// NewTelegramChannel builds a channel gated by an allowed-user list; an empty
// list rejects every inbound user.
func NewTelegramChannel(token string, allowedIDs []int64, store *persistence.Store, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		store:      store,
		logger:     logger,
		pendingAsk: make(map[int64]string),
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

// Start connects the bot and runs inbound command ingestion (pollUpdates,
// with reconnect backoff) until ctx is canceled. Outbound notification
// delivery is owned by internal/notify, which drives this channel through
// the Sender methods below rather than a loop of its own — this keeps
// exactly-once event claiming (ClaimUnnotifiedEvents) and LLM rewriting in
// one place shared by every channel, not duplicated per adapter.
func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram channel started", "user", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (the
// library blocks on a dead connection rather than closing the channel).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// handleMessage parses an inbound chat message into a command for the
// worker addressed by this chat. Recognized commands: /pause, /resume,
// /kill <task_id>, /retry <task_id>. A message without a leading slash is
// treated as an answer to the most recent needs_input notification sent to
// this chat, if one is outstanding.
func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}
	chatID := msg.Chat.ID

	worker, err := t.store.GetWorkerByChatHandle(ctx, strconv.FormatInt(chatID, 10))
	if err != nil {
		t.reply(chatID, "This chat is not bound to a worker.")
		return
	}

	if strings.HasPrefix(content, "/") {
		t.handleCommand(ctx, worker.ID, chatID, content)
		return
	}

	t.pendingMu.Lock()
	taskID, ok := t.pendingAsk[chatID]
	if ok {
		delete(t.pendingAsk, chatID)
	}
	t.pendingMu.Unlock()
	if !ok {
		t.reply(chatID, "No pending question to answer; use /pause, /resume, /kill <task_id>, or /retry <task_id>.")
		return
	}

	if _, err := t.store.EnqueueCommand(ctx, worker.ID, persistence.CommandAnswer, persistence.AnswerPayload{TaskID: taskID, Text: content}); err != nil {
		t.logger.Error("failed to enqueue answer command", "error", err)
		t.reply(chatID, "Failed to record your answer; please retry.")
		return
	}
	t.reply(chatID, "Answer recorded.")
}

func (t *TelegramChannel) handleCommand(ctx context.Context, workerID string, chatID int64, content string) {
	fields := strings.Fields(content)
	cmd := strings.ToLower(fields[0])
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	var (
		typ     persistence.CommandType
		payload any
	)
	switch cmd {
	case "/pause":
		typ, payload = persistence.CommandPause, struct{}{}
	case "/resume":
		typ, payload = persistence.CommandResume, struct{}{}
	case "/kill":
		if arg == "" {
			t.reply(chatID, "usage: /kill <task_id>")
			return
		}
		typ, payload = persistence.CommandKill, persistence.RetryPayload{TaskID: arg}
	case "/retry":
		if arg == "" {
			t.reply(chatID, "usage: /retry <task_id>")
			return
		}
		typ, payload = persistence.CommandRetry, persistence.RetryPayload{TaskID: arg}
	default:
		t.reply(chatID, fmt.Sprintf("unrecognized command: %s", cmd))
		return
	}

	if _, err := t.store.EnqueueCommand(ctx, workerID, typ, payload); err != nil {
		t.logger.Error("failed to enqueue command", "type", typ, "error", err)
		t.reply(chatID, "Failed to enqueue command; please retry.")
		return
	}
	t.reply(chatID, fmt.Sprintf("%s queued.", cmd))
}

// SendText implements internal/notify's Sender interface: it resolves
// workerID to its bound chat and delivers text, the LLM-rewritten (or
// fallback) notification body. Workers with no chat channel configured are
// silently skipped — notify treats that as "nothing to deliver", not an
// error.
func (t *TelegramChannel) SendText(ctx context.Context, workerID, text string) error {
	chatID, ok, err := t.chatIDFor(ctx, workerID)
	if err != nil || !ok {
		return err
	}
	return t.send(tgbotapi.NewMessage(chatID, text))
}

// SendImage implements internal/notify's Sender interface for the workspace
// image sweep.
func (t *TelegramChannel) SendImage(ctx context.Context, workerID, path string) error {
	chatID, ok, err := t.chatIDFor(ctx, workerID)
	if err != nil || !ok {
		return err
	}
	return t.send(tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(path)))
}

// NotePendingQuestion records that chatID's next free-text message should be
// treated as the answer to taskID's needs_input prompt. notify calls this
// right after successfully delivering a needs_input event.
func (t *TelegramChannel) NotePendingQuestion(ctx context.Context, workerID, taskID string) {
	chatID, ok, err := t.chatIDFor(ctx, workerID)
	if err != nil || !ok {
		return
	}
	t.pendingMu.Lock()
	t.pendingAsk[chatID] = taskID
	t.pendingMu.Unlock()
}

func (t *TelegramChannel) chatIDFor(ctx context.Context, workerID string) (int64, bool, error) {
	w, err := t.store.GetWorker(ctx, workerID)
	if err != nil {
		return 0, false, err
	}
	if strings.TrimSpace(w.ChatChannelHandle) == "" {
		return 0, false, nil
	}
	chatID, err := strconv.ParseInt(w.ChatChannelHandle, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return chatID, true, nil
}

func (t *TelegramChannel) send(c tgbotapi.Chattable) error {
	if _, err := t.bot.Send(c); err != nil {
		t.logger.Error("failed to send telegram message", "error", err)
		return err
	}
	return nil
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	if err := t.send(tgbotapi.NewMessage(chatID, text)); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}
