// Package doctor runs host diagnostics: configuration, database, isolation
// tooling, and the reachability of configured surfaces.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"valet/internal/config"
	"valet/internal/sandbox"
	"valet/internal/store"
	"valet/internal/telemetry"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: telemetry.Version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkAgentCommand,
		checkSandbox,
		checkChatEndpoint,
		checkEmailEndpoint,
		checkChecklist,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

// Failed reports whether any check is a hard failure.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  fmt.Sprintf("security=%s workers=%d", cfg.Security.Mode, cfg.WorkerCount),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	st, err := store.Open(cfg.TaskDBPath())
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer st.Close()

	counts, err := st.TaskStatusCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("pending=%d running=%d completed=%d failed=%d", counts.Pending, counts.Locked+counts.Running, counts.Completed, counts.Failed),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkAgentCommand(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || len(cfg.Agent.Command) == 0 {
		return CheckResult{Name: "Agent", Status: "FAIL", Message: "agent.command not configured"}
	}
	binary := cfg.Agent.Command[0]
	if _, err := exec.LookPath(binary); err != nil {
		return CheckResult{Name: "Agent", Status: "FAIL", Message: fmt.Sprintf("%s not found on PATH", binary)}
	}
	return CheckResult{Name: "Agent", Status: "PASS", Message: fmt.Sprintf("%s found", binary)}
}

func checkSandbox(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Sandbox", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Security.SandboxEnabled {
		return CheckResult{Name: "Sandbox", Status: "WARN", Message: "Isolation disabled by configuration"}
	}
	path := sandbox.BwrapPath()
	if path == "" || runtime.GOOS != "linux" {
		if cfg.Security.Permissive() {
			return CheckResult{Name: "Sandbox", Status: "WARN", Message: "Isolation tool unavailable, tasks will run unsandboxed"}
		}
		return CheckResult{Name: "Sandbox", Status: "FAIL", Message: "Isolation tool unavailable and policy is restricted"}
	}
	return CheckResult{Name: "Sandbox", Status: "PASS", Message: fmt.Sprintf("bwrap at %s", path)}
}

func checkChatEndpoint(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Chat.Enabled {
		return CheckResult{Name: "Chat", Status: "SKIP", Message: "Chat disabled"}
	}
	u, err := url.Parse(cfg.Chat.BaseURL)
	if err != nil || u.Host == "" {
		return CheckResult{Name: "Chat", Status: "FAIL", Message: fmt.Sprintf("Bad base_url %q", cfg.Chat.BaseURL)}
	}
	return resolveHost(ctx, "Chat", u.Hostname())
}

func checkEmailEndpoint(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Email.Enabled {
		return CheckResult{Name: "Email", Status: "SKIP", Message: "Email disabled"}
	}
	host, _, err := net.SplitHostPort(cfg.Email.IMAPAddr)
	if err != nil {
		return CheckResult{Name: "Email", Status: "FAIL", Message: fmt.Sprintf("Bad imap_addr %q", cfg.Email.IMAPAddr)}
	}
	return resolveHost(ctx, "Email", host)
}

func checkChecklist(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Checklist.Enabled {
		return CheckResult{Name: "Checklist", Status: "SKIP", Message: "Checklist disabled"}
	}
	if _, err := os.Stat(cfg.Checklist.Path); err != nil {
		// The adapter treats a missing file as empty; surface it anyway.
		return CheckResult{Name: "Checklist", Status: "WARN", Message: fmt.Sprintf("File not found: %s", cfg.Checklist.Path)}
	}
	return CheckResult{Name: "Checklist", Status: "PASS", Message: cfg.Checklist.Path}
}

func resolveHost(ctx context.Context, name, host string) CheckResult {
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    name,
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
		}
	}
	return CheckResult{
		Name:    name,
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}
