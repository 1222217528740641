package logger

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecover_ConvertsPanicToError(t *testing.T) {
	SetBasePath(t.TempDir())
	SetVersion("test")

	run := func() (err error) {
		defer Recover(&err, "enrich", "n-123")
		panic("boom")
	}

	err := run()
	if err == nil || !strings.Contains(err.Error(), "panic in enrich: boom") {
		t.Fatalf("expected panic error, got %v", err)
	}

	logs, err := ListCrashLogs()
	if err != nil {
		t.Fatalf("list crash logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("crash logs = %d, want 1", len(logs))
	}
	content, _ := os.ReadFile(logs[0])
	for _, want := range []string{"Scope:     enrich", "Subject:   n-123", "boom", "STACK TRACE"} {
		if !strings.Contains(string(content), want) {
			t.Errorf("crash log missing %q", want)
		}
	}
}

func TestRecover_NoPanicLeavesErrorAlone(t *testing.T) {
	SetBasePath(t.TempDir())
	sentinel := errors.New("kept")

	run := func() (err error) {
		defer Recover(&err, "enrich", "")
		return sentinel
	}
	if err := run(); !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want sentinel", err)
	}
}

func TestCleanOldCrashLogs(t *testing.T) {
	dir := t.TempDir()
	for i := range MaxCrashLogs + 5 {
		name := filepath.Join(dir, fmt.Sprintf("crash_20250101_0000%02d_000000000.log", i))
		if err := os.WriteFile(name, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := cleanOldCrashLogs(dir, MaxCrashLogs); err != nil {
		t.Fatalf("clean: %v", err)
	}
	logs, _ := listCrashLogs(dir)
	if len(logs) != MaxCrashLogs {
		t.Fatalf("remaining = %d, want %d", len(logs), MaxCrashLogs)
	}
	if filepath.Base(logs[0]) != "crash_20250101_000005_000000000.log" {
		t.Errorf("oldest remaining = %s", filepath.Base(logs[0]))
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Error("non crash files must be kept")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}

	SetLevel("debug")
	if Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", Level())
	}
	SetLevel("info")
}
