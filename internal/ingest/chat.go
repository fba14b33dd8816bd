// Package ingest holds the adapters that turn external events into queued
// tasks. Each adapter exposes one Poll entry point returning the ids of the
// tasks it created; every adapter is idempotent against re-delivery.
package ingest

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"valet/internal/chatwire"
	"valet/internal/config"
	"valet/internal/store"
	"valet/internal/tag"
)

// ChatAdapter long-polls the chat platform, mirrors every observed message
// into the cache, and turns inbound messages addressed to the bot into
// foreground tasks.
type ChatAdapter struct {
	cfg    config.ChatConfig
	client *chatwire.Client
	names  *chatwire.NameCache
	store  *store.Store
	log    *slog.Logger
}

func NewChatAdapter(cfg config.ChatConfig, client *chatwire.Client, names *chatwire.NameCache, st *store.Store, log *slog.Logger) *ChatAdapter {
	return &ChatAdapter{
		cfg:    cfg,
		client: client,
		names:  names,
		store:  st,
		log:    log.With("adapter", "chat"),
	}
}

// Poll runs one long-poll cycle over every configured channel and returns
// the ids of the tasks created. A channel that fails to poll is skipped for
// this cycle; the next cycle retries it.
func (a *ChatAdapter) Poll(ctx context.Context) ([]int64, error) {
	wait := time.Duration(a.cfg.PollWaitSeconds) * time.Second
	var created []int64
	for _, channel := range a.cfg.Channels {
		ids, err := a.pollChannel(ctx, channel, wait)
		if err != nil {
			if ctx.Err() != nil {
				return created, ctx.Err()
			}
			a.log.Warn("channel poll failed", "channel", channel, "error", err)
			continue
		}
		created = append(created, ids...)
	}
	return created, nil
}

func (a *ChatAdapter) pollChannel(ctx context.Context, channel string, wait time.Duration) ([]int64, error) {
	watermark, err := a.store.ChatWatermark(ctx, channel)
	if err != nil {
		return nil, err
	}
	msgs, err := a.client.Poll(ctx, channel, watermark, wait)
	if err != nil {
		return nil, err
	}

	var created []int64
	for _, msg := range msgs {
		id, err := a.handleMessage(ctx, channel, msg)
		if err != nil {
			a.log.Warn("message handling failed", "channel", channel, "message_id", msg.ID, "error", err)
		} else if id != 0 {
			created = append(created, id)
		}
		// The watermark advances per message so a mid-batch failure on a
		// later message never replays the earlier ones.
		if err := a.store.SetChatWatermark(ctx, channel, msg.ID); err != nil {
			return created, err
		}
	}
	return created, nil
}

func (a *ChatAdapter) handleMessage(ctx context.Context, channel string, msg chatwire.Message) (int64, error) {
	seen, err := a.store.HasMessage(ctx, channel, msg.ID)
	if err != nil {
		return 0, err
	}

	cached := store.CachedMessage{
		Channel:   channel,
		MessageID: msg.ID,
		Sender:    a.names.Resolve(ctx, msg.Sender),
		Content:   msg.Text,
		FromMe:    msg.FromMe,
	}

	if msg.FromMe {
		// The bot's own messages never become tasks, but ones carrying a
		// reference tag link the cached message back to the task.
		if taskID, role, ok := findTaskTag(msg.Text); ok {
			cached.TaskRefID = taskID
			cached.TaskRefRole = role
		}
		return 0, a.store.UpsertMessage(ctx, cached)
	}

	prompt, addressed := stripMention(msg.Text, a.client.BotName())
	if !addressed || seen {
		return 0, a.store.UpsertMessage(ctx, cached)
	}

	// One transaction covers the task and its message, so a crash here
	// cannot leave a task behind for a message the next poll re-observes.
	taskID, err := a.store.CreateChatTask(ctx, store.NewTask{
		Prompt:  prompt,
		UserID:  msg.Sender,
		Channel: channel,
		Source:  store.SourceChat,
		Queue:   store.QueueForeground,
	}, cached)
	if err != nil {
		return 0, err
	}
	a.log.Info("task created from chat", "task_id", taskID, "channel", channel, "sender", msg.Sender)
	return taskID, nil
}

// Run polls continuously until ctx is cancelled, backing off on repeated
// failures. enqueue is invoked with each batch of created task ids.
func (a *ChatAdapter) Run(ctx context.Context, enqueue func([]int64)) {
	backoff := time.Second
	const maxBackoff = time.Minute
	for {
		if ctx.Err() != nil {
			return
		}
		ids, err := a.Poll(ctx)
		if len(ids) > 0 && enqueue != nil {
			enqueue(ids)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Warn("poll cycle failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
	}
}

// findTaskTag scans message text for the first parseable reference tag.
func findTaskTag(text string) (int64, tag.Role, bool) {
	for _, field := range strings.Fields(text) {
		field = strings.Trim(field, "[]()")
		if taskID, role, ok := tag.Parse(field); ok {
			return taskID, role, true
		}
	}
	return 0, tag.RoleNone, false
}

// stripMention reports whether text addresses the bot and returns the text
// with the leading mention removed.
func stripMention(text, botName string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if botName == "" {
		return trimmed, trimmed != ""
	}
	for _, prefix := range []string{"@" + botName, botName} {
		if len(trimmed) >= len(prefix) && strings.EqualFold(trimmed[:len(prefix)], prefix) {
			rest := strings.TrimLeft(trimmed[len(prefix):], " :,")
			return rest, rest != ""
		}
	}
	return "", false
}
