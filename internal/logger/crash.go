package logger

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

const (
	// CrashLogDir is the directory for crash logs under the storage path.
	CrashLogDir = "crash_logs"

	// MaxCrashLogs is the maximum number of crash logs to keep.
	MaxCrashLogs = 10
)

var (
	mu       sync.RWMutex
	basePath string
	version  string
)

// SetBasePath sets the directory crash logs are written under.
func SetBasePath(path string) {
	mu.Lock()
	defer mu.Unlock()
	basePath = path
}

// SetVersion sets the application version recorded in crash logs.
func SetVersion(v string) {
	mu.Lock()
	defer mu.Unlock()
	version = v
}

// CrashLog is one recovered panic.
type CrashLog struct {
	Timestamp  time.Time
	Version    string
	Scope      string
	Subject    string
	PanicValue string
	StackTrace string
}

// Recover turns a panic in the deferring goroutine into an error stored in
// *errp, after writing a crash log. Scope names the component and subject the
// item being processed (a note id, a message id).
//
//	defer logger.Recover(&err, "enrich", noteID)
func Recover(errp *error, scope, subject string) {
	r := recover()
	if r == nil {
		return
	}

	entry := newCrashLog(r, scope, subject)
	path, werr := writeCrashLog(entry)
	if werr != nil {
		slog.Error("write crash log failed", "error", werr)
	}
	slog.Error("recovered panic", "scope", scope, "subject", subject, "panic", entry.PanicValue, "crash_log", path)

	if errp != nil {
		*errp = fmt.Errorf("panic in %s: %v", scope, r)
	}
}

// HandlePanic logs a panic that reached the top of the process and exits.
//
//	defer logger.HandlePanic()
func HandlePanic() {
	r := recover()
	if r == nil {
		return
	}
	entry := newCrashLog(r, "main", "")
	path, err := writeCrashLog(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\n[CRASH] Failed to write crash log: %v\n", err)
		fmt.Fprintf(os.Stderr, "[CRASH] Panic: %v\n%s\n", r, entry.StackTrace)
	} else {
		fmt.Fprintf(os.Stderr, "\nNoteWing crashed. A crash log has been saved to:\n  %s\n", path)
	}
	os.Exit(1)
}

func newCrashLog(panicValue any, scope, subject string) CrashLog {
	mu.RLock()
	defer mu.RUnlock()
	return CrashLog{
		Timestamp:  time.Now(),
		Version:    version,
		Scope:      scope,
		Subject:    subject,
		PanicValue: fmt.Sprintf("%v", panicValue),
		StackTrace: string(debug.Stack()),
	}
}

func crashLogDir() string {
	mu.RLock()
	dir := basePath
	mu.RUnlock()
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, CrashLogDir)
}

func writeCrashLog(entry CrashLog) (string, error) {
	dir := crashLogDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create crash log dir: %w", err)
	}
	if err := cleanOldCrashLogs(dir, MaxCrashLogs-1); err != nil {
		slog.Warn("clean old crash logs failed", "error", err)
	}

	// Nanoseconds keep concurrent worker panics from sharing a file.
	name := fmt.Sprintf("crash_%s_%09d.log", entry.Timestamp.Format("20060102_150405"), entry.Timestamp.Nanosecond())
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(formatCrashLog(entry)), 0644); err != nil {
		return "", fmt.Errorf("write crash log: %w", err)
	}
	return path, nil
}

func formatCrashLog(entry CrashLog) string {
	rule := strings.Repeat("-", 80) + "\n"
	var sb strings.Builder
	fmt.Fprintf(&sb, "NOTEWING CRASH LOG\n%s", rule)
	fmt.Fprintf(&sb, "Timestamp: %s\n", entry.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&sb, "Version:   %s\n", entry.Version)
	fmt.Fprintf(&sb, "Scope:     %s\n", entry.Scope)
	if entry.Subject != "" {
		fmt.Fprintf(&sb, "Subject:   %s\n", entry.Subject)
	}
	fmt.Fprintf(&sb, "Go:        %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&sb, "%sPANIC VALUE\n%s%s\n", rule, rule, entry.PanicValue)
	fmt.Fprintf(&sb, "%sSTACK TRACE\n%s%s", rule, rule, entry.StackTrace)
	return sb.String()
}

// cleanOldCrashLogs removes the oldest crash logs so at most keep remain.
func cleanOldCrashLogs(dir string, keep int) error {
	logs, err := listCrashLogs(dir)
	if err != nil || len(logs) <= keep {
		return err
	}
	// os.ReadDir sorts by name and names start with the timestamp.
	for _, path := range logs[:len(logs)-keep] {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove old crash log %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// ListCrashLogs returns the crash logs under the configured base path, oldest first.
func ListCrashLogs() ([]string, error) {
	return listCrashLogs(crashLogDir())
}

func listCrashLogs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var logs []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "crash_") && strings.HasSuffix(e.Name(), ".log") {
			logs = append(logs, filepath.Join(dir, e.Name()))
		}
	}
	return logs, nil
}
