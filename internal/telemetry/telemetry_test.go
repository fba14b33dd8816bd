package telemetry_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"valet/internal/telemetry"
)

func TestNewLogger_WritesRedactedJSON(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := telemetry.NewLogger(dir, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Info("credentials loaded", "api_key", "super-secret-value", "user", "alice")
	if err := closer.Close(); err != nil {
		t.Fatalf("close log file: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "super-secret-value") {
		t.Fatalf("secret leaked into log: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected [REDACTED] in log output: %s", out)
	}
	if !strings.Contains(out, `"user":"alice"`) {
		t.Fatalf("expected plain attribute preserved: %s", out)
	}
	if !strings.Contains(out, `"timestamp"`) {
		t.Fatalf("expected timestamp key rename: %s", out)
	}
}

func TestInitOTel_DisabledIsNoop(t *testing.T) {
	provider, err := telemetry.InitOTel(context.Background(), telemetry.OTelConfig{Enabled: false})
	if err != nil {
		t.Fatalf("init otel: %v", err)
	}
	if provider.Meter == nil || provider.Tracer == nil {
		t.Fatal("expected non-nil noop tracer and meter")
	}
	metrics, err := telemetry.NewMetrics(provider.Meter)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	// Recording on a noop meter must not panic.
	metrics.TasksCreated.Add(context.Background(), 1)
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestRegisterQueueDepth(t *testing.T) {
	provider, err := telemetry.InitOTel(context.Background(), telemetry.OTelConfig{Enabled: false})
	if err != nil {
		t.Fatalf("init otel: %v", err)
	}
	reg, err := telemetry.RegisterQueueDepth(provider.Meter, func(context.Context) (int, error) {
		return 3, nil
	})
	if err != nil {
		t.Fatalf("register queue depth: %v", err)
	}
	if err := reg.Unregister(); err != nil {
		t.Fatalf("unregister: %v", err)
	}
}

func TestInitOTel_StdoutExporter(t *testing.T) {
	provider, err := telemetry.InitOTel(context.Background(), telemetry.OTelConfig{
		Enabled:  true,
		Exporter: "stdout",
	})
	if err != nil {
		t.Fatalf("init otel: %v", err)
	}
	_, span := provider.Tracer.Start(context.Background(), "test-span")
	span.End()
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitOTel_UnknownExporter(t *testing.T) {
	_, err := telemetry.InitOTel(context.Background(), telemetry.OTelConfig{
		Enabled:  true,
		Exporter: "carrier-pigeon",
	})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}
