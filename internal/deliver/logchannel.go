package deliver

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"valet/internal/store"
)

const (
	maxLogLines = 20
	maxLogChars = 3500
)

// RunLog maintains one edited-in-place message per task in the user's log
// channel, so long-running background work stays observable without
// flooding anything.
type RunLog struct {
	d       *Deliverer
	task    *store.Task
	channel string

	mu        sync.Mutex
	messageID string
	lines     []string
}

// RunLogFor opens the run log for a task. The channel resolves from the
// user's notify preferences, then the deployment default; no channel means
// every method is a no-op.
func (d *Deliverer) RunLogFor(ctx context.Context, task *store.Task) *RunLog {
	l := &RunLog{d: d, task: task}
	if d.chat == nil {
		return l
	}
	prefs, err := d.st.GetNotifyPrefs(ctx, task.UserID)
	if err == nil && prefs.ChatChannel != "" {
		l.channel = prefs.ChatChannel
	} else {
		l.channel = d.cfg.DefaultLogChannel
	}
	return l
}

// Start posts the initial run log entry.
func (l *RunLog) Start(ctx context.Context) {
	if l.channel == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = []string{fmt.Sprintf("⏳ #%d (%s) %s", l.task.ID, l.task.Source, snippet(l.task.Prompt, 120))}
	l.flush(ctx)
}

// Append adds one line to the running summary.
func (l *RunLog) Append(ctx context.Context, line string) {
	if l.channel == "" || line == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, "• "+snippet(line, 200))
	if len(l.lines) > maxLogLines {
		// Keep the header and the most recent tail.
		l.lines = append(l.lines[:1], l.lines[len(l.lines)-maxLogLines+1:]...)
	}
	l.flush(ctx)
}

// Finalize rewrites the header with the outcome and the result text.
func (l *RunLog) Finalize(ctx context.Context, summary string, failed bool) {
	if l.channel == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	mark := "✅"
	if failed {
		mark = "❌"
	}
	header := fmt.Sprintf("%s #%d (%s) %s", mark, l.task.ID, l.task.Source, snippet(l.task.Prompt, 120))
	if len(l.lines) == 0 {
		l.lines = []string{header}
	} else {
		l.lines[0] = header
	}
	l.lines = append(l.lines, snippet(summary, 400))
	l.flush(ctx)
}

// flush edits the log message in place, or posts a fresh one when none
// exists yet, which recovers a Start that failed while chat was down.
func (l *RunLog) flush(ctx context.Context) {
	text := strings.Join(l.lines, "\n")
	if len(text) > maxLogChars {
		text = text[:maxLogChars]
	}
	if l.messageID == "" {
		msgID, err := l.d.chat.Post(ctx, l.channel, text)
		if err != nil {
			l.d.log.Warn("post run log", "task_id", l.task.ID, "error", err)
			return
		}
		l.messageID = msgID
		return
	}
	if err := l.d.chat.Edit(ctx, l.channel, l.messageID, text); err != nil {
		l.d.log.Warn("edit run log", "task_id", l.task.ID, "error", err)
	}
}

func snippet(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
