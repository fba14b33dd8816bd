package doctor

import (
	"context"
	"testing"

	"valet/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		HomeDir:     t.TempDir(),
		WorkerCount: 2,
		Security:    config.SecurityPolicy{Mode: "permissive"},
		Agent:       config.AgentConfig{Command: []string{"sh", "-c", "true"}},
	}
}

func resultFor(d Diagnosis, name string) (CheckResult, bool) {
	for _, r := range d.Results {
		if r.Name == name {
			return r, true
		}
	}
	return CheckResult{}, false
}

func TestRun_HealthyConfig(t *testing.T) {
	d := Run(context.Background(), testConfig(t))

	for _, name := range []string{"Config", "Database", "Permissions", "Agent"} {
		r, ok := resultFor(d, name)
		if !ok {
			t.Fatalf("missing check %s", name)
		}
		if r.Status != "PASS" {
			t.Errorf("%s = %s (%s)", name, r.Status, r.Message)
		}
	}
	if d.Failed() {
		t.Error("healthy config reported failure")
	}
	if d.System.OS == "" || d.System.Go == "" {
		t.Errorf("system info = %+v", d.System)
	}
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil)
	r, _ := resultFor(d, "Config")
	if r.Status != "FAIL" {
		t.Errorf("Config = %s", r.Status)
	}
	if !d.Failed() {
		t.Error("nil config must fail diagnosis")
	}
}

func TestRun_MissingAgentBinary(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.Command = []string{"definitely-not-a-real-binary-yx"}
	d := Run(context.Background(), cfg)
	r, _ := resultFor(d, "Agent")
	if r.Status != "FAIL" {
		t.Errorf("Agent = %s (%s)", r.Status, r.Message)
	}
}

func TestRun_DisabledSurfacesSkipped(t *testing.T) {
	d := Run(context.Background(), testConfig(t))
	for _, name := range []string{"Chat", "Email", "Checklist"} {
		r, _ := resultFor(d, name)
		if r.Status != "SKIP" {
			t.Errorf("%s = %s, want SKIP", name, r.Status)
		}
	}
}

func TestRun_SandboxDisabledWarns(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.SandboxEnabled = false
	d := Run(context.Background(), cfg)
	r, _ := resultFor(d, "Sandbox")
	if r.Status != "WARN" {
		t.Errorf("Sandbox = %s", r.Status)
	}
}

func TestRun_BadChatURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chat.Enabled = true
	cfg.Chat.BaseURL = "::not a url::"
	d := Run(context.Background(), cfg)
	r, _ := resultFor(d, "Chat")
	if r.Status != "FAIL" {
		t.Errorf("Chat = %s (%s)", r.Status, r.Message)
	}
}
