package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/metorial/capture-core/internal/models"
	"github.com/metorial/capture-core/internal/policy"
)

// ErrDropped means the hook chose not to record a command.
var ErrDropped = errors.New("command not recorded")

// EventRecorder is the slice of the event store the capture paths write to.
type EventRecorder interface {
	Create(event *models.CommandEvent) (string, error)
	Update(id string, mutate func(*models.CommandEvent) error) (*models.CommandEvent, error)
}

// Invocation describes a command the prompt hook saw. ExitCode is nil when
// the hook runs before the command finishes.
type Invocation struct {
	Command    string
	User       string
	Hostname   string
	WorkingDir string
	ExitCode   *int
	StartedAt  time.Time
}

type HookLogger struct {
	store     EventRecorder
	whitelist *policy.Whitelist
	now       func() time.Time
}

// NewHookLogger returns a logger for the interactive prompt hook. A nil
// whitelist records every non-trivial command.
func NewHookLogger(store EventRecorder, whitelist *policy.Whitelist) *HookLogger {
	return &HookLogger{
		store:     store,
		whitelist: whitelist,
		now:       time.Now,
	}
}

// Record writes one pending event for inv and returns its id. When the exit
// code is known the event is finished in the same call.
func (h *HookLogger) Record(ctx context.Context, inv Invocation) (string, error) {
	command := strings.TrimSpace(inv.Command)
	if policy.IsTrivial(command) {
		return "", fmt.Errorf("%w: trivial command", ErrDropped)
	}
	if h.whitelist != nil {
		if err := h.whitelist.Validate(command); err != nil {
			return "", fmt.Errorf("%w: %v", ErrDropped, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	createdAt := inv.StartedAt
	if createdAt.IsZero() {
		createdAt = h.now()
	}

	event := &models.CommandEvent{
		Command:    command,
		CreatedAt:  createdAt.UTC(),
		User:       inv.User,
		Hostname:   inv.Hostname,
		WorkingDir: inv.WorkingDir,
		Source:     models.SourceInteractiveShell,
		Status:     models.StatusPending,
	}

	id, err := h.store.Create(event)
	if err != nil {
		return "", fmt.Errorf("record command: %w", err)
	}
	if inv.ExitCode == nil {
		return id, nil
	}

	completedAt := h.now().UTC()
	var duration time.Duration
	if !inv.StartedAt.IsZero() {
		duration = completedAt.Sub(inv.StartedAt)
	}

	code := *inv.ExitCode
	_, err = h.store.Update(id, func(e *models.CommandEvent) error {
		e.Finish(code, completedAt, duration)
		return nil
	})
	if err != nil {
		return id, fmt.Errorf("finish command %s: %w", id, err)
	}
	return id, nil
}
