package sandbox

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"valet/internal/config"
	"valet/internal/store"
	"valet/internal/telemetry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testBuilder wires a builder against a synthetic filesystem layout with
// an identity path resolver, so tests never depend on host symlinks.
func testBuilder(t *testing.T, policy config.SecurityPolicy) (*Builder, string, string) {
	t.Helper()
	base := t.TempDir()
	sharedRoot := filepath.Join(base, "shared")
	homeDir := filepath.Join(base, "home")
	for _, dir := range []string{
		filepath.Join(sharedRoot, "Users", "alice"),
		filepath.Join(sharedRoot, "Users", "bob", ".config"),
		filepath.Join(sharedRoot, "Channels", "c1"),
		homeDir,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	dbPath := filepath.Join(homeDir, "valet.db")
	if err := os.WriteFile(dbPath, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	b := &Builder{
		policy:      policy,
		sharedRoot:  sharedRoot,
		homeDir:     homeDir,
		taskDBPath:  dbPath,
		bwrapPath:   "/usr/bin/bwrap",
		log:         testLogger(),
		resolvePath: func(p string) (string, error) { return p, nil },
	}
	return b, sharedRoot, homeDir
}

func hasPair(args []string, flag, path string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag && args[i+1] == path {
			return true
		}
	}
	return false
}

func enabledPolicy() config.SecurityPolicy {
	return config.SecurityPolicy{Mode: "permissive", SandboxEnabled: true}
}

func TestWrap_DisabledPassesThrough(t *testing.T) {
	b, _, _ := testBuilder(t, config.SecurityPolicy{Mode: "permissive", SandboxEnabled: false})
	cmd := []string{"agent", "--prompt", "hi"}
	argv, sandboxed, err := b.Wrap(Request{Command: cmd, Task: store.Task{UserID: "alice"}})
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if sandboxed {
		t.Fatal("sandboxed=true with isolation disabled")
	}
	if len(argv) != 3 || argv[0] != "agent" {
		t.Fatalf("argv = %v", argv)
	}
}

func TestWrap_UnavailablePermissiveDegrades(t *testing.T) {
	b, _, _ := testBuilder(t, enabledPolicy())
	b.bwrapPath = ""
	reader := sdkmetric.NewManualReader()
	m, err := telemetry.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	b.metrics = m

	argv, sandboxed, err := b.Wrap(Request{Command: []string{"agent"}, Task: store.Task{UserID: "alice"}})
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if sandboxed || argv[0] != "agent" {
		t.Fatalf("argv = %v sandboxed = %v", argv, sandboxed)
	}
	if got := degradeCount(t, reader); got != 1 {
		t.Fatalf("degrade count = %d, want 1", got)
	}
}

func degradeCount(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, scope := range rm.ScopeMetrics {
		for _, met := range scope.Metrics {
			if met.Name != "valet.sandbox.degrades" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatal("degrade metric is not an int64 sum")
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestWrap_UnavailableRestrictedFails(t *testing.T) {
	b, _, _ := testBuilder(t, config.SecurityPolicy{Mode: "restricted", SandboxEnabled: true})
	b.bwrapPath = ""
	if _, _, err := b.Wrap(Request{Command: []string{"agent"}, Task: store.Task{UserID: "alice"}}); err == nil {
		t.Fatal("restricted policy must refuse to run without isolation")
	}
}

func TestWrap_NonAdminBinds(t *testing.T) {
	b, sharedRoot, homeDir := testBuilder(t, enabledPolicy())
	cmd := []string{"agent", "run"}
	argv, sandboxed, err := b.Wrap(Request{
		Command: cmd,
		Task:    store.Task{ID: 1, UserID: "alice", Channel: "c1"},
	})
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if !sandboxed {
		t.Fatal("expected sandboxed command")
	}
	if argv[0] != "/usr/bin/bwrap" {
		t.Fatalf("argv[0] = %q", argv[0])
	}

	userDir := filepath.Join(sharedRoot, "Users", "alice")
	channelDir := filepath.Join(sharedRoot, "Channels", "c1")
	if !hasPair(argv, "--bind", userDir) {
		t.Errorf("missing rw bind for %s", userDir)
	}
	if !hasPair(argv, "--bind", channelDir) {
		t.Errorf("missing rw bind for %s", channelDir)
	}
	if hasPair(argv, "--bind", sharedRoot) {
		t.Error("non-admin must not get the whole shared root read-write")
	}
	if !hasPair(argv, "--tmpfs", homeDir) {
		t.Error("host state directory not masked")
	}
	if !hasPair(argv, "--tmpfs", filepath.Join(sharedRoot, "Users", "bob", ".config")) {
		t.Error("other user's config directory not masked")
	}
	if strings.Contains(strings.Join(argv, " "), b.taskDBPath) {
		t.Error("task database bound for non-admin")
	}

	// Original command follows the separator verbatim.
	sep := -1
	for i, a := range argv {
		if a == "--" {
			sep = i
		}
	}
	if sep < 0 || len(argv) != sep+1+len(cmd) || argv[sep+1] != "agent" || argv[sep+2] != "run" {
		t.Fatalf("argv tail = %v", argv[sep:])
	}
}

func TestWrap_NonAdminWithoutChannel(t *testing.T) {
	b, sharedRoot, _ := testBuilder(t, enabledPolicy())
	argv, _, err := b.Wrap(Request{Command: []string{"agent"}, Task: store.Task{UserID: "alice"}})
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if hasPair(argv, "--bind", filepath.Join(sharedRoot, "Channels", "c1")) {
		t.Error("channel bind present for a channel-less task")
	}
}

func TestWrap_AdminBinds(t *testing.T) {
	b, sharedRoot, _ := testBuilder(t, enabledPolicy())
	argv, _, err := b.Wrap(Request{Command: []string{"agent"}, Task: store.Task{UserID: "root"}, IsAdmin: true})
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if !hasPair(argv, "--bind", sharedRoot) {
		t.Error("admin missing rw bind of shared root")
	}
	if !hasPair(argv, "--ro-bind", b.taskDBPath) {
		t.Error("admin missing read-only task database")
	}
	if hasPair(argv, "--bind", b.taskDBPath) {
		t.Error("task database writable without admin_task_db_write")
	}
}

func TestWrap_AdminTaskDBWrite(t *testing.T) {
	policy := enabledPolicy()
	policy.AdminTaskDBWrite = true
	b, _, _ := testBuilder(t, policy)
	argv, _, err := b.Wrap(Request{Command: []string{"agent"}, Task: store.Task{UserID: "root"}, IsAdmin: true})
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if !hasPair(argv, "--bind", b.taskDBPath) {
		t.Error("task database not writable with admin_task_db_write")
	}
}

func TestWrap_ResourceGrants(t *testing.T) {
	b, sharedRoot, _ := testBuilder(t, enabledPolicy())
	outside := filepath.Join(t.TempDir(), "notes")
	if err := os.MkdirAll(outside, 0o755); err != nil {
		t.Fatal(err)
	}
	inside := filepath.Join(sharedRoot, "Users", "alice", "docs")

	argv, _, err := b.Wrap(Request{
		Command: []string{"agent"},
		Task:    store.Task{UserID: "alice"},
		Resources: []store.UserResource{
			{ID: 1, Path: outside, Permission: store.PermissionReadWrite},
			{ID: 2, Path: inside, Permission: store.PermissionRead},
		},
	})
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if !hasPair(argv, "--bind", outside) {
		t.Error("readwrite grant outside the shared root not bound")
	}
	if hasPair(argv, "--bind", inside) || hasPair(argv, "--ro-bind", inside) {
		t.Error("grant inside an already mounted directory must be skipped")
	}
}

func TestWrap_ReadOnlyResourceGrant(t *testing.T) {
	b, _, _ := testBuilder(t, enabledPolicy())
	ref := filepath.Join(t.TempDir(), "reference")
	if err := os.MkdirAll(ref, 0o755); err != nil {
		t.Fatal(err)
	}
	argv, _, err := b.Wrap(Request{
		Command:   []string{"agent"},
		Task:      store.Task{UserID: "alice"},
		Resources: []store.UserResource{{ID: 1, Path: ref, Permission: store.PermissionRead}},
	})
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if !hasPair(argv, "--ro-bind", ref) {
		t.Error("read grant not bound read-only")
	}
	if hasPair(argv, "--bind", ref) {
		t.Error("read grant bound read-write")
	}
}

func TestCoveredBy(t *testing.T) {
	mounted := []string{"/srv/shared", "/srv/shared/Users/alice"}
	if !coveredBy("/srv/shared/Users/alice/docs", mounted) {
		t.Error("nested path not covered")
	}
	if !coveredBy("/srv/shared", mounted) {
		t.Error("exact match not covered")
	}
	if coveredBy("/srv/sharedother", mounted) {
		t.Error("sibling prefix wrongly covered")
	}
}
