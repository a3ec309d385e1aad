package models

import (
	"path/filepath"
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Rank orders statuses along the only allowed direction of travel.
func (s Status) Rank() int {
	switch s {
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return 0
	}
}

type Source string

const (
	SourceInteractiveShell Source = "interactive_shell"
	SourceCaptureWrapper   Source = "capture_wrapper"
)

// CommandEvent is one executed (or still executing) command line.
type CommandEvent struct {
	ID              string     `json:"id"`
	Command         string     `json:"command"`
	Tool            string     `json:"tool,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	User            string     `json:"user,omitempty"`
	Hostname        string     `json:"hostname,omitempty"`
	WorkingDir      string     `json:"working_dir,omitempty"`
	Source          Source     `json:"source"`
	Status          Status     `json:"status"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
	Stdout          string     `json:"stdout,omitempty"`
	Stderr          string     `json:"stderr,omitempty"`
}

// Finish moves the event to its terminal status from the exit code.
func (e *CommandEvent) Finish(exitCode int, completedAt time.Time, duration time.Duration) {
	if completedAt.Before(e.CreatedAt) {
		completedAt = e.CreatedAt
	}
	secs := int64(duration / time.Second)
	if secs < 0 {
		secs = 0
	}

	e.ExitCode = &exitCode
	e.DurationSeconds = &secs
	e.CompletedAt = &completedAt
	if exitCode == 0 {
		e.Status = StatusCompleted
	} else {
		e.Status = StatusFailed
	}
}

// ToolOf returns the basename of the first token of a command line.
func ToolOf(cmdline string) string {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return ""
	}
	return filepath.Base(fields[0])
}

type HistoryEntry struct {
	CommandEvent
	ImportedAt time.Time `json:"imported_at"`
}
