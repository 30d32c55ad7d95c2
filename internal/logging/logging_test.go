package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("updater")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("update applied", "version", "1.0.2")

	out := buf.String()
	if !strings.Contains(out, "msg=\"update applied\"") {
		t.Fatalf("expected message, got: %s", out)
	}
	if !strings.Contains(out, "component=updater") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "version=1.0.2") {
		t.Fatalf("expected version field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("fetch")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "info", &buf)

	L("agent").Info("starting")

	out := buf.String()
	if !strings.Contains(out, `"component":"agent"`) {
		t.Fatalf("expected JSON component field, got: %s", out)
	}
}

func TestWithModuleAttachesName(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "info", &buf)

	WithModule(L("modules"), "network_bridge").Info("initialized")

	out := buf.String()
	if !strings.Contains(out, "module=network_bridge") {
		t.Fatalf("expected module field, got: %s", out)
	}
}
