package capture

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/metorial/capture-core/internal/eventstore"
	"github.com/metorial/capture-core/internal/log"
	"github.com/metorial/capture-core/internal/models"
	"github.com/metorial/capture-core/internal/policy"
)

const fakeScan = `Nmap scan report for 10.0.0.5
Host is up (0.00042s latency).
PORT   STATE SERVICE
22/tcp open  ssh
`

type fakeIngester struct {
	calls   []string
	sources []string
	err     error
}

func (f *fakeIngester) Ingest(ctx context.Context, output, source string) (models.IngestSummary, error) {
	f.calls = append(f.calls, output)
	f.sources = append(f.sources, source)
	if f.err != nil {
		return models.IngestSummary{}, f.err
	}
	return models.IngestSummary{Added: 1, Total: 1}, nil
}

type brokenRecorder struct{}

func (brokenRecorder) Create(event *models.CommandEvent) (string, error) {
	return "", eventstore.ErrWrite
}

func (brokenRecorder) Update(id string, mutate func(*models.CommandEvent) error) (*models.CommandEvent, error) {
	return nil, eventstore.ErrWrite
}

func setupTestStore(t *testing.T) *eventstore.Store {
	t.Helper()
	store, err := eventstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create event store: %v", err)
	}
	return store
}

func setupTestWrapper(t *testing.T, store EventRecorder, cfg WrapperConfig) (*Wrapper, *bytes.Buffer) {
	t.Helper()

	var session bytes.Buffer
	cfg.Logger = log.New(&session)
	cfg.User = "kali"
	cfg.WorkingDir = "/root"
	return NewWrapper(store, NewExecutor(nil, nil, nil), cfg), &session
}

func listEvents(t *testing.T, store *eventstore.Store) []models.CommandEvent {
	t.Helper()
	events, err := store.List(time.Time{}, 0)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	return events
}

func TestHookRecordPending(t *testing.T) {
	store := setupTestStore(t)
	hook := NewHookLogger(store, policy.DefaultWhitelist())

	id, err := hook.Record(context.Background(), Invocation{
		Command:    "  nmap -sV 10.0.0.5 ",
		User:       "kali",
		WorkingDir: "/root",
	})
	if err != nil {
		t.Fatalf("Failed to record command: %v", err)
	}

	event, err := store.Get(id)
	if err != nil {
		t.Fatalf("Failed to get event: %v", err)
	}

	if event.Command != "nmap -sV 10.0.0.5" {
		t.Errorf("Expected trimmed command, got %q", event.Command)
	}
	if event.Status != models.StatusPending || event.Source != models.SourceInteractiveShell {
		t.Errorf("Unexpected status/source: %s/%s", event.Status, event.Source)
	}
	if event.ExitCode != nil || event.Stdout != "" {
		t.Errorf("Expected metadata only, got %+v", event)
	}
	if event.Tool != "nmap" || event.User != "kali" {
		t.Errorf("Unexpected metadata: %+v", event)
	}
}

func TestHookRecordFinished(t *testing.T) {
	store := setupTestStore(t)
	hook := NewHookLogger(store, policy.DefaultWhitelist())
	now := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)
	hook.now = func() time.Time { return now }

	code := 1
	id, err := hook.Record(context.Background(), Invocation{
		Command:   "nikto -h 10.0.0.5",
		ExitCode:  &code,
		StartedAt: now.Add(-4 * time.Second),
	})
	if err != nil {
		t.Fatalf("Failed to record command: %v", err)
	}

	event, err := store.Get(id)
	if err != nil {
		t.Fatalf("Failed to get event: %v", err)
	}

	if event.Status != models.StatusFailed {
		t.Errorf("Expected failed, got %s", event.Status)
	}
	if event.ExitCode == nil || *event.ExitCode != 1 {
		t.Errorf("Expected exit code 1, got %v", event.ExitCode)
	}
	if event.DurationSeconds == nil || *event.DurationSeconds != 4 {
		t.Errorf("Expected duration 4, got %v", event.DurationSeconds)
	}
}

func TestHookUnknownStartHasZeroDuration(t *testing.T) {
	store := setupTestStore(t)
	hook := NewHookLogger(store, nil)

	code := 0
	id, err := hook.Record(context.Background(), Invocation{Command: "whoami", ExitCode: &code})
	if err != nil {
		t.Fatalf("Failed to record command: %v", err)
	}

	event, err := store.Get(id)
	if err != nil {
		t.Fatalf("Failed to get event: %v", err)
	}
	if event.Status != models.StatusCompleted {
		t.Errorf("Expected completed, got %s", event.Status)
	}
	if event.DurationSeconds == nil || *event.DurationSeconds != 0 {
		t.Errorf("Expected duration 0, got %v", event.DurationSeconds)
	}
}

func TestHookDropsCommands(t *testing.T) {
	tests := []struct {
		name    string
		command string
	}{
		{"empty", "   "},
		{"trivial cd", "cd /tmp"},
		{"trivial clear", "clear"},
		{"not allowed", "vim notes.txt"},
		{"blocked pattern", "cat /etc/passwd > /dev/sda"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupTestStore(t)
			hook := NewHookLogger(store, policy.DefaultWhitelist())

			_, err := hook.Record(context.Background(), Invocation{Command: tt.command})
			if !errors.Is(err, ErrDropped) {
				t.Errorf("Expected ErrDropped, got %v", err)
			}
			if events := listEvents(t, store); len(events) != 0 {
				t.Errorf("Expected no records, got %d", len(events))
			}
		})
	}
}

func TestHookStoreFailure(t *testing.T) {
	hook := NewHookLogger(brokenRecorder{}, nil)

	_, err := hook.Record(context.Background(), Invocation{Command: "nmap 10.0.0.5"})
	if !errors.Is(err, eventstore.ErrWrite) {
		t.Errorf("Expected ErrWrite, got %v", err)
	}
}

func TestWrapperRunCompleted(t *testing.T) {
	store := setupTestStore(t)
	wrapper, _ := setupTestWrapper(t, store, WrapperConfig{})

	result, err := wrapper.Run(context.Background(), "echo hello")
	if err != nil {
		t.Fatalf("Failed to run command: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d", result.ExitCode)
	}

	event, err := store.Get(result.EventID)
	if err != nil {
		t.Fatalf("Failed to get event: %v", err)
	}

	if event.Status != models.StatusCompleted || event.Source != models.SourceCaptureWrapper {
		t.Errorf("Unexpected status/source: %s/%s", event.Status, event.Source)
	}
	if event.Stdout != "hello\n" {
		t.Errorf("Expected stdout 'hello\\n', got %q", event.Stdout)
	}
	if event.ExitCode == nil || *event.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %v", event.ExitCode)
	}
	if event.CompletedAt == nil || event.DurationSeconds == nil {
		t.Errorf("Expected completion fields, got %+v", event)
	}
	if event.User != "kali" || event.WorkingDir != "/root" {
		t.Errorf("Unexpected metadata: %+v", event)
	}
}

func TestWrapperRunFailed(t *testing.T) {
	store := setupTestStore(t)
	wrapper, _ := setupTestWrapper(t, store, WrapperConfig{Whitelist: policy.AllowAll()})

	result, err := wrapper.Run(context.Background(), "echo partial; echo boom >&2; exit 42")
	if err != nil {
		t.Fatalf("Failed to run command: %v", err)
	}
	if result.ExitCode != 42 {
		t.Errorf("Expected exit code 42, got %d", result.ExitCode)
	}

	event, err := store.Get(result.EventID)
	if err != nil {
		t.Fatalf("Failed to get event: %v", err)
	}
	if event.Status != models.StatusFailed {
		t.Errorf("Expected failed, got %s", event.Status)
	}
	if event.Stdout != "partial\n" || event.Stderr != "boom\n" {
		t.Errorf("Unexpected output: stdout=%q stderr=%q", event.Stdout, event.Stderr)
	}
}

func TestWrapperRejectedCommandNotRun(t *testing.T) {
	store := setupTestStore(t)
	wrapper, _ := setupTestWrapper(t, store, WrapperConfig{})

	marker := filepath.Join(t.TempDir(), "marker")
	if err := os.WriteFile(marker, []byte("x"), 0o644); err != nil {
		t.Fatalf("Failed to write marker: %v", err)
	}

	_, err := wrapper.Run(context.Background(), "rm "+marker)
	if !errors.Is(err, policy.ErrRejected) {
		t.Fatalf("Expected ErrRejected, got %v", err)
	}

	if _, err := os.Stat(marker); err != nil {
		t.Errorf("Expected rejected command not to run: %v", err)
	}
	if events := listEvents(t, store); len(events) != 0 {
		t.Errorf("Expected no records, got %d", len(events))
	}
}

func TestWrapperStoreFailureStillRuns(t *testing.T) {
	wrapper, session := setupTestWrapper(t, brokenRecorder{}, WrapperConfig{Whitelist: policy.AllowAll()})

	result, err := wrapper.Run(context.Background(), "exit 3")
	if err != nil {
		t.Fatalf("Failed to run command: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", result.ExitCode)
	}
	if result.EventID != "" {
		t.Errorf("Expected no event id, got %s", result.EventID)
	}
	if !strings.Contains(session.String(), "will not be recorded") {
		t.Errorf("Expected diagnostic, got %q", session.String())
	}
}

// installFakeScanner puts an executable named nmap that prints fakeScan at
// the front of PATH.
func installFakeScanner(t *testing.T, exitCode int) {
	t.Helper()

	dir := t.TempDir()
	script := "#!/bin/sh\ncat <<'EOF'\n" + fakeScan + "EOF\nexit " + string(rune('0'+exitCode)) + "\n"
	if err := os.WriteFile(filepath.Join(dir, "nmap"), []byte(script), 0o755); err != nil {
		t.Fatalf("Failed to write fake scanner: %v", err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestWrapperScannerIngest(t *testing.T) {
	installFakeScanner(t, 0)

	store := setupTestStore(t)
	ingester := &fakeIngester{}
	wrapper, _ := setupTestWrapper(t, store, WrapperConfig{
		Scanners: policy.NewScanners([]string{"nmap"}),
		Ingester: ingester,
	})

	result, err := wrapper.Run(context.Background(), "nmap -sV 10.0.0.5")
	if err != nil {
		t.Fatalf("Failed to run command: %v", err)
	}

	if len(ingester.calls) != 1 {
		t.Fatalf("Expected one ingest call, got %d", len(ingester.calls))
	}
	if ingester.calls[0] != fakeScan {
		t.Errorf("Expected captured stdout to be ingested, got %q", ingester.calls[0])
	}
	if ingester.sources[0] != "capture_wrapper:nmap" {
		t.Errorf("Expected source capture_wrapper:nmap, got %s", ingester.sources[0])
	}
	if result.Ingest == nil || result.Ingest.Added != 1 {
		t.Errorf("Expected ingest summary, got %+v", result.Ingest)
	}
}

func TestWrapperScannerFailureSkipsIngest(t *testing.T) {
	installFakeScanner(t, 1)

	ingester := &fakeIngester{}
	wrapper, _ := setupTestWrapper(t, setupTestStore(t), WrapperConfig{
		Scanners: policy.NewScanners([]string{"nmap"}),
		Ingester: ingester,
	})

	result, err := wrapper.Run(context.Background(), "nmap 10.0.0.5")
	if err != nil {
		t.Fatalf("Failed to run command: %v", err)
	}
	if result.ExitCode != 1 {
		t.Errorf("Expected exit code 1, got %d", result.ExitCode)
	}
	if len(ingester.calls) != 0 {
		t.Errorf("Expected no ingest for a failed scan, got %d", len(ingester.calls))
	}
}

func TestWrapperIngestErrorKeepsExitCode(t *testing.T) {
	installFakeScanner(t, 0)

	ingester := &fakeIngester{err: errors.New("controller unreachable")}
	wrapper, session := setupTestWrapper(t, setupTestStore(t), WrapperConfig{
		Scanners: policy.NewScanners([]string{"nmap"}),
		Ingester: ingester,
	})

	result, err := wrapper.Run(context.Background(), "nmap 10.0.0.5")
	if err != nil {
		t.Fatalf("Failed to run command: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d", result.ExitCode)
	}
	if result.Ingest != nil {
		t.Errorf("Expected no ingest summary, got %+v", result.Ingest)
	}
	if !strings.Contains(session.String(), "controller unreachable") {
		t.Errorf("Expected ingest error in session output, got %q", session.String())
	}
}
