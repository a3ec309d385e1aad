package capture

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestExecutorCapturesStdout(t *testing.T) {
	var echo bytes.Buffer
	executor := NewExecutor(nil, &echo, nil)

	result, err := executor.Run(context.Background(), "echo hello")
	if err != nil {
		t.Fatalf("Failed to run command: %v", err)
	}

	if result.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d", result.ExitCode)
	}
	if result.Stdout != "hello\n" {
		t.Errorf("Expected stdout 'hello\\n', got %q", result.Stdout)
	}
	if echo.String() != "hello\n" {
		t.Errorf("Expected output echoed to terminal, got %q", echo.String())
	}
}

func TestExecutorExitCode(t *testing.T) {
	executor := NewExecutor(nil, nil, nil)

	result, err := executor.Run(context.Background(), "exit 42")
	if err != nil {
		t.Fatalf("Failed to run command: %v", err)
	}

	if result.ExitCode != 42 {
		t.Errorf("Expected exit code 42, got %d", result.ExitCode)
	}
}

func TestExecutorSeparatesStderr(t *testing.T) {
	var echoOut, echoErr bytes.Buffer
	executor := NewExecutor(nil, &echoOut, &echoErr)

	result, err := executor.Run(context.Background(), "echo out; echo err >&2")
	if err != nil {
		t.Fatalf("Failed to run command: %v", err)
	}

	if result.Stdout != "out\n" {
		t.Errorf("Expected stdout 'out\\n', got %q", result.Stdout)
	}
	if result.Stderr != "err\n" {
		t.Errorf("Expected stderr 'err\\n', got %q", result.Stderr)
	}
	if echoErr.String() != "err\n" {
		t.Errorf("Expected stderr echoed, got %q", echoErr.String())
	}
}

func TestExecutorShellSemantics(t *testing.T) {
	executor := NewExecutor(nil, nil, nil)

	result, err := executor.Run(context.Background(), "printf 'b\\na\\n' | sort | head -n 1")
	if err != nil {
		t.Fatalf("Failed to run command: %v", err)
	}
	if result.Stdout != "a\n" {
		t.Errorf("Expected pipeline output 'a\\n', got %q", result.Stdout)
	}
}

func TestExecutorStartFailure(t *testing.T) {
	executor := NewExecutor(nil, nil, nil)
	executor.Shell = "/nonexistent/shell"

	result, err := executor.Run(context.Background(), "echo hello")
	if err == nil {
		t.Fatal("Expected error for missing shell")
	}
	if result.ExitCode != -1 {
		t.Errorf("Expected exit code -1, got %d", result.ExitCode)
	}
}

func TestExecutorKilledBySignal(t *testing.T) {
	executor := NewExecutor(nil, nil, nil)

	result, err := executor.Run(context.Background(), "kill -TERM $$")
	if err != nil {
		t.Fatalf("Failed to run command: %v", err)
	}
	if result.ExitCode != 143 {
		t.Errorf("Expected exit code 143, got %d", result.ExitCode)
	}
}

func TestExecutorContextCancel(t *testing.T) {
	executor := NewExecutor(nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	result, err := executor.Run(ctx, "sleep 10")
	if err != nil {
		t.Fatalf("Failed to run command: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Expected cancellation to stop the command, took %s", time.Since(start))
	}
	if result.ExitCode == 0 {
		t.Error("Expected non-zero exit code after cancellation")
	}
}
