// Package audit appends security-relevant host decisions to a JSONL log
// under <home>/logs. Entries are redacted before they hit disk; the log is
// append-only and survives restarts.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"valet/internal/shared"
)

// Event kinds recorded by the host.
const (
	KindTaskCreated     = "task.created"
	KindTaskCompleted   = "task.completed"
	KindTaskFailed      = "task.failed"
	KindTaskCancelled   = "task.cancelled"
	KindSandboxDegraded = "sandbox.degraded"
	KindResourceGranted = "resource.granted"
	KindResourceRevoked = "resource.revoked"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	TaskID    int64  `json:"task_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu           sync.Mutex
	file         *os.File
	degradeCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DegradeCount returns how many tasks ran unsandboxed since startup.
func DegradeCount() int64 {
	return degradeCount.Load()
}

// Record appends one audit entry. Before Init, entries are dropped rather
// than buffered; the audit log is best-effort and never blocks a task.
func Record(kind string, taskID int64, userID, detail string) {
	if kind == KindSandboxDegraded {
		degradeCount.Add(1)
	}

	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Kind:      kind,
		TaskID:    taskID,
		UserID:    userID,
		Detail:    detail,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
