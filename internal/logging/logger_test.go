package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"healthtree/internal/config"
)

func TestNewWritesJSONToRotatingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "healthtree.log")
	logger, closeFn, err := New(config.LogConfig{File: config.LogSinkConfig{
		Enabled:    true,
		Level:      "info",
		Format:     "json",
		Path:       path,
		MaxSizeMB:  1,
		MaxBackups: 1,
		MaxAgeDays: 1,
	}})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Debug("hidden", "environment", "prod")
	logger.Info("transition applied", "environment", "prod", "state", "Error")
	closeFn()

	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, `"msg":"transition applied"`) || !strings.Contains(text, `"environment":"prod"`) {
		t.Fatalf("unexpected log body: %s", text)
	}
	if strings.Contains(text, "hidden") {
		t.Fatalf("debug record must be filtered at info level: %s", text)
	}
}

func TestNewRequiresSink(t *testing.T) {
	t.Parallel()

	if _, _, err := New(config.LogConfig{}); err == nil {
		t.Fatalf("expected error without sinks")
	}
}

func TestColorLineWriterHighlightsStates(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	writer := &colorLineWriter{dst: &out}
	line := "level=WARN msg=\"element degraded\" state=Warning\n"
	n, err := writer.Write([]byte(line))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != len(line) {
		t.Fatalf("expected %d bytes reported, got %d", len(line), n)
	}
	if !strings.Contains(out.String(), ansiYellow+"state=Warning"+ansiReset) {
		t.Fatalf("expected highlighted state token, got %q", out.String())
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	t.Parallel()

	if _, err := parseLevel("verbose"); err == nil {
		t.Fatalf("expected unknown level error")
	}
}

func TestFanoutWritesEachSinkAtItsLevel(t *testing.T) {
	t.Parallel()

	var debugOut, warnOut bytes.Buffer
	debugSink, err := sinkHandler(config.LogSinkConfig{Level: "debug", Format: "json"}, &debugOut, false)
	if err != nil {
		t.Fatalf("debug sink: %v", err)
	}
	warnSink, err := sinkHandler(config.LogSinkConfig{Level: "WARN", Format: "line"}, &warnOut, true)
	if err != nil {
		t.Fatalf("warn sink: %v", err)
	}
	logger := ForEnvironment(slog.New(fanout{debugSink, warnSink}), "prod", "sub-1")
	logger.Info("batch applied", "transitions", 5)
	logger.Warn("heartbeat missing")

	if !strings.Contains(debugOut.String(), `"environment":"prod"`) || !strings.Contains(debugOut.String(), `"subscription_id":"sub-1"`) {
		t.Fatalf("expected environment attributes, got %s", debugOut.String())
	}
	if strings.Count(debugOut.String(), "\n") != 2 {
		t.Fatalf("expected both records in debug sink, got %s", debugOut.String())
	}
	if strings.Contains(warnOut.String(), "batch applied") || !strings.Contains(warnOut.String(), "heartbeat missing") {
		t.Fatalf("expected only warn record in warn sink, got %s", warnOut.String())
	}
	if strings.Contains(warnOut.String(), "time=") {
		t.Fatalf("console sink must drop timestamps: %s", warnOut.String())
	}
}
