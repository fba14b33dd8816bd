package deliver

import (
	"context"
	"sync"
	"time"

	"valet/internal/store"
	"valet/internal/tag"
)

// TaskProgress reports one task's progress to its originating chat channel.
// The first update posts a message, later updates edit it in place.
// Updates arriving faster than the configured interval, or past the message
// cap, are dropped rather than queued.
type TaskProgress struct {
	d    *Deliverer
	task *store.Task

	mu        sync.Mutex
	messageID string
	lastSent  time.Time
	sent      int
}

// Progress returns the progress reporter for a task. Tasks without a chat
// channel get a reporter whose updates are no-ops.
func (d *Deliverer) Progress(task *store.Task) *TaskProgress {
	return &TaskProgress{d: d, task: task}
}

// Ack posts the initial acknowledgement. It does not count against the
// progress cap.
func (p *TaskProgress) Ack(ctx context.Context) {
	if p.d.chat == nil || p.task.Channel == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	text := "On it. [" + tag.Format(p.task.ID, tag.RoleAck) + "]"
	msgID, err := p.d.chat.Post(ctx, p.task.Channel, text)
	if err != nil {
		p.d.log.Warn("post ack", "task_id", p.task.ID, "error", err)
		return
	}
	p.d.recordOwn(ctx, p.task.Channel, msgID, text, p.task.ID, tag.RoleAck)
}

// Update reports a progress line, subject to debouncing.
func (p *TaskProgress) Update(ctx context.Context, line string) {
	if p.d.chat == nil || p.task.Channel == "" || line == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	minInterval := time.Duration(p.d.cfg.MinProgressIntervalSeconds) * time.Second
	now := p.d.now()
	if p.sent > 0 && now.Sub(p.lastSent) < minInterval {
		p.drop(ctx)
		return
	}
	if p.sent >= p.d.cfg.MaxProgressMessages {
		p.drop(ctx)
		return
	}

	text := line + " [" + tag.Format(p.task.ID, tag.RoleProgress) + "]"
	if p.messageID == "" {
		msgID, err := p.d.chat.Post(ctx, p.task.Channel, text)
		if err != nil {
			p.d.log.Warn("post progress", "task_id", p.task.ID, "error", err)
			return
		}
		p.messageID = msgID
		p.d.recordOwn(ctx, p.task.Channel, msgID, text, p.task.ID, tag.RoleProgress)
	} else {
		if err := p.d.chat.Edit(ctx, p.task.Channel, p.messageID, text); err != nil {
			p.d.log.Warn("edit progress", "task_id", p.task.ID, "error", err)
			return
		}
		p.d.recordOwn(ctx, p.task.Channel, p.messageID, text, p.task.ID, tag.RoleProgress)
	}
	p.lastSent = now
	p.sent++
}

func (p *TaskProgress) drop(ctx context.Context) {
	if p.d.metrics != nil {
		p.d.metrics.DeliveryDrops.Add(ctx, 1)
	}
}
