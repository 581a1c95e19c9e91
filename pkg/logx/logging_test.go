package logx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestZeroLoggerIsSafeNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger not reported as zero")
	}
	l.Info("goes nowhere") // must not panic
	if l.Enabled(LevelError) {
		t.Fatal("zero logger claims to log")
	}
}

func TestNewConsoleLevel(t *testing.T) {
	l := NewConsole("debug")
	if l.IsZero() {
		t.Fatal("console logger is zero")
	}
	if !l.Enabled(LevelDebug) || l.Enabled(LevelTrace) {
		t.Fatal("console level not honored")
	}
}

func TestServiceFileSinkAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	cfg := Config{
		Level: "warn",
		File:  FileConfig{Enabled: true, Path: path},
	}
	svc, log := New(cfg)
	t.Cleanup(func() { svc.Close() })

	if log.Enabled(LevelDebug) {
		t.Fatal("debug enabled at warn level")
	}
	if !log.Enabled(LevelWarn) {
		t.Fatal("warn disabled at warn level")
	}

	log.Debug("below-level line")
	log.Warn("kept line", String("k", "v"))

	// Loggers stay live across Apply: the same value picks up the new level.
	cfg.Level = "debug"
	svc.Apply(cfg)
	if !log.Enabled(LevelDebug) {
		t.Fatal("Apply did not lower the level")
	}
	log.With(String("comp", "test")).Debug("derived line")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(b)
	if strings.Contains(out, "below-level line") {
		t.Fatal("below-level line was written")
	}
	if !strings.Contains(out, "kept line") || !strings.Contains(out, `"k":"v"`) {
		t.Fatalf("warn line missing fields: %q", out)
	}
	if !strings.Contains(out, "derived line") || !strings.Contains(out, `"comp":"test"`) {
		t.Fatalf("derived line missing With fields: %q", out)
	}
}
