// Package capture records commands typed in an interactive shell and runs
// commands under capture so their output lands in the event store.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"
)

const defaultShell = "/bin/bash"

// Execution is the outcome of one command line.
type Execution struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	StartedAt time.Time
	Duration  time.Duration
}

// Executor runs command lines through a shell. Output is captured and, when
// Stdout or Stderr are set, echoed to them while the command runs.
type Executor struct {
	Shell  string
	Dir    string
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// ForwardSignals relays SIGINT and SIGTERM received by this process to
	// the child for the lifetime of the command.
	ForwardSignals bool
}

func NewExecutor(stdin io.Reader, stdout, stderr io.Writer) *Executor {
	return &Executor{
		Shell:  defaultShell,
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
	}
}

// Run executes cmdline with "<shell> -c". A command that exits non-zero is
// not an error; err is set only when the shell could not be started, in
// which case ExitCode is -1.
func (e *Executor) Run(ctx context.Context, cmdline string) (*Execution, error) {
	shell := e.Shell
	if shell == "" {
		shell = defaultShell
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, shell, "-c", cmdline)
	cmd.Dir = e.Dir
	cmd.Env = e.Env
	cmd.Stdin = e.Stdin
	cmd.Stdout = tee(&stdout, e.Stdout)
	cmd.Stderr = tee(&stderr, e.Stderr)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	result := &Execution{StartedAt: time.Now()}

	if err := cmd.Start(); err != nil {
		result.ExitCode = -1
		result.Stderr = err.Error()
		return result, fmt.Errorf("start command: %w", err)
	}

	if e.ForwardSignals {
		stop := forwardSignals(cmd.Process)
		defer stop()
	}

	err := cmd.Wait()
	result.Duration = time.Since(result.StartedAt)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.ExitCode = exitCode(err)
	return result, nil
}

func tee(buf *bytes.Buffer, echo io.Writer) io.Writer {
	if echo == nil {
		return buf
	}
	return io.MultiWriter(buf, echo)
}

// exitCode maps a Wait error to a shell-style status. Death by signal is
// reported as 128+signal.
func exitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return exitErr.ExitCode()
}

func forwardSignals(proc *os.Process) func() {
	sigs := make(chan os.Signal, 2)
	done := make(chan struct{})
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		for {
			select {
			case sig := <-sigs:
				proc.Signal(sig)
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
