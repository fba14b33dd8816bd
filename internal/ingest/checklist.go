package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"valet/internal/config"
	"valet/internal/store"
)

// Checklist line markers.
const (
	markerPending    = "- [ ]"
	markerInProgress = "- [~]"
	markerCompleted  = "- [x]"
	markerFailed     = "- [!]"
)

var (
	timestampPrefixRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}(:\d{2})?\s*\|\s*`)
	whitespaceRe      = regexp.MustCompile(`\s+`)
)

// ChecklistAdapter turns pending lines of a markdown checklist into tasks
// and rewrites each line to track the task's lifecycle.
type ChecklistAdapter struct {
	cfg   config.ChecklistConfig
	store *store.Store
	log   *slog.Logger
}

func NewChecklistAdapter(cfg config.ChecklistConfig, st *store.Store, log *slog.Logger) *ChecklistAdapter {
	return &ChecklistAdapter{cfg: cfg, store: st, log: log.With("adapter", "checklist")}
}

// Poll reads the checklist once. Every untracked pending line becomes a
// task, its hash is recorded, and the line is rewritten to the in-progress
// marker. A poll that changes nothing writes nothing.
func (a *ChecklistAdapter) Poll(ctx context.Context) ([]int64, error) {
	data, err := os.ReadFile(a.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checklist: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	var created []int64
	dirty := false
	for i, line := range lines {
		text, ok := parsePendingLine(line)
		if !ok {
			continue
		}
		hash := NormalizedHash(text)
		owner, err := a.store.ChecklistTaskID(ctx, hash)
		if err != nil {
			return created, err
		}
		if owner != 0 {
			continue
		}

		taskID, fresh, err := a.store.CreateChecklistTask(ctx, hash, store.NewTask{
			Prompt: text,
			UserID: a.cfg.OwnerUserID,
			Source: store.SourceChecklist,
			Queue:  store.QueueBackground,
		})
		if err != nil {
			return created, err
		}
		if !fresh {
			// A concurrent poll won the hash.
			continue
		}

		indent := line[:strings.Index(line, markerPending)]
		lines[i] = indent + markerInProgress + " " + text + "..."
		dirty = true
		created = append(created, taskID)
		a.log.Info("task created from checklist", "task_id", taskID, "text", text)
	}

	if dirty {
		if err := a.writeLines(lines); err != nil {
			return created, err
		}
	}
	return created, nil
}

// Finalize rewrites a task's in-progress line to its terminal form, with
// the original text restored and the result or error appended.
func (a *ChecklistAdapter) Finalize(ctx context.Context, taskID int64, summary string, failed bool) error {
	task, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(a.cfg.Path)
	if err != nil {
		return fmt.Errorf("read checklist: %w", err)
	}

	targetHash := NormalizedHash(task.Prompt)
	lines := strings.Split(string(data), "\n")
	dirty := false
	for i, line := range lines {
		text, ok := parseInProgressLine(line)
		if !ok || NormalizedHash(text) != targetHash {
			continue
		}
		indent := line[:strings.Index(line, markerInProgress)]
		stamp := time.Now().Format("2006-01-02 15:04")
		if failed {
			lines[i] = fmt.Sprintf("%s%s %s | %s | Error: %s", indent, markerFailed, stamp, text, summary)
		} else {
			lines[i] = fmt.Sprintf("%s%s %s | %s | Result: %s", indent, markerCompleted, stamp, text, summary)
		}
		dirty = true
		break
	}
	if !dirty {
		return nil
	}
	return a.writeLines(lines)
}

func (a *ChecklistAdapter) writeLines(lines []string) error {
	if err := os.WriteFile(a.cfg.Path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return fmt.Errorf("write checklist: %w", err)
	}
	return nil
}

// Run polls on interval, and additionally on every file write when watching
// is enabled.
func (a *ChecklistAdapter) Run(ctx context.Context, interval time.Duration, enqueue func([]int64)) {
	var events chan struct{}
	if a.cfg.Watch {
		events = make(chan struct{}, 1)
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			a.log.Warn("file watch unavailable, polling only", "error", err)
		} else {
			defer watcher.Close()
			if err := watcher.Add(a.cfg.Path); err != nil {
				a.log.Warn("cannot watch checklist, polling only", "path", a.cfg.Path, "error", err)
			} else {
				go func() {
					for {
						select {
						case <-ctx.Done():
							return
						case ev, ok := <-watcher.Events:
							if !ok {
								return
							}
							if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
								select {
								case events <- struct{}{}:
								default:
								}
							}
						case <-watcher.Errors:
						}
					}
				}()
			}
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-events:
		}
		ids, err := a.Poll(ctx)
		if err != nil {
			a.log.Warn("checklist poll failed", "error", err)
			continue
		}
		if len(ids) > 0 && enqueue != nil {
			enqueue(ids)
		}
	}
}

// NormalizedHash hashes the logical identity of a checklist line: lower
// case, timestamp and result/error suffixes stripped, trailing ellipsis
// removed, whitespace collapsed. Cosmetic rewrites of the same task hash
// identically.
func NormalizedHash(text string) string {
	norm := strings.ToLower(strings.TrimSpace(text))
	norm = timestampPrefixRe.ReplaceAllString(norm, "")
	for _, sep := range []string{"| result:", "| error:"} {
		if idx := strings.Index(norm, sep); idx >= 0 {
			norm = norm[:idx]
		}
	}
	norm = strings.TrimRight(strings.TrimSpace(norm), ".")
	norm = whitespaceRe.ReplaceAllString(norm, " ")
	norm = strings.Trim(norm, " |")
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:8])
}

func parsePendingLine(line string) (string, bool) {
	return parseMarkedLine(line, markerPending, false)
}

func parseInProgressLine(line string) (string, bool) {
	text, ok := parseMarkedLine(line, markerInProgress, false)
	if !ok {
		return "", false
	}
	return strings.TrimRight(text, "."), true
}

func parseMarkedLine(line, marker string, allowEmpty bool) (string, bool) {
	trimmed := strings.TrimLeft(line, " \t")
	if !strings.HasPrefix(trimmed, marker) {
		return "", false
	}
	text := strings.TrimSpace(trimmed[len(marker):])
	if text == "" && !allowEmpty {
		return "", false
	}
	return text, true
}
