package capture

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/metorial/capture-core/internal/log"
	"github.com/metorial/capture-core/internal/models"
	"github.com/metorial/capture-core/internal/policy"
)

const DefaultIngestTimeout = 30 * time.Second

// HostIngester accepts raw scanner output for the host registry.
type HostIngester interface {
	Ingest(ctx context.Context, output, source string) (models.IngestSummary, error)
}

type WrapperConfig struct {
	Whitelist     *policy.Whitelist
	Scanners      *policy.Scanners
	Ingester      HostIngester
	IngestTimeout time.Duration
	Logger        *log.Logger

	User       string
	Hostname   string
	WorkingDir string
}

// Result is what a captured run reports back to the shell.
type Result struct {
	EventID  string
	ExitCode int
	Duration time.Duration
	Ingest   *models.IngestSummary
}

type Wrapper struct {
	store    EventRecorder
	executor *Executor
	cfg      WrapperConfig
	log      *log.Logger
	now      func() time.Time
}

func NewWrapper(store EventRecorder, executor *Executor, cfg WrapperConfig) *Wrapper {
	if cfg.Whitelist == nil {
		cfg.Whitelist = policy.DefaultWhitelist()
	}
	if cfg.IngestTimeout <= 0 {
		cfg.IngestTimeout = DefaultIngestTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Wrapper{
		store:    store,
		executor: executor,
		cfg:      cfg,
		log:      logger,
		now:      time.Now,
	}
}

// Run executes cmdline under capture. A command refused by the whitelist
// returns an error wrapping policy.ErrRejected and is neither run nor
// recorded. Failures to record never stop the command from running.
func (w *Wrapper) Run(ctx context.Context, cmdline string) (*Result, error) {
	cmdline = strings.TrimSpace(cmdline)
	if err := w.cfg.Whitelist.Validate(cmdline); err != nil {
		return nil, err
	}

	startedAt := w.now().UTC()
	event := &models.CommandEvent{
		Command:    cmdline,
		CreatedAt:  startedAt,
		User:       w.cfg.User,
		Hostname:   w.cfg.Hostname,
		WorkingDir: w.cfg.WorkingDir,
		Source:     models.SourceCaptureWrapper,
		Status:     models.StatusRunning,
	}

	id, err := w.store.Create(event)
	if err != nil {
		w.log.Warn("Command will not be recorded: %v", err)
		id = ""
	}

	out, runErr := w.executor.Run(ctx, cmdline)
	if runErr != nil {
		w.log.Error("Failed to run command: %v", runErr)
	}

	result := &Result{
		EventID:  id,
		ExitCode: out.ExitCode,
		Duration: out.Duration,
	}

	if id != "" {
		completedAt := startedAt.Add(out.Duration)
		_, err := w.store.Update(id, func(e *models.CommandEvent) error {
			e.Stdout = out.Stdout
			e.Stderr = out.Stderr
			e.Finish(out.ExitCode, completedAt, out.Duration)
			return nil
		})
		if err != nil {
			w.log.Warn("Failed to record result of %s: %v", id, err)
		}
	}

	if out.ExitCode == 0 && w.cfg.Ingester != nil && w.cfg.Scanners.Matches(cmdline) {
		result.Ingest = w.ingest(ctx, cmdline, out.Stdout)
	}

	return result, nil
}

func (w *Wrapper) ingest(ctx context.Context, cmdline, output string) *models.IngestSummary {
	if strings.TrimSpace(output) == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.IngestTimeout)
	defer cancel()

	source := fmt.Sprintf("%s:%s", models.SourceCaptureWrapper, policy.BaseCommand(cmdline))
	summary, err := w.cfg.Ingester.Ingest(ctx, output, source)
	if err != nil {
		w.log.Warn("Host registry not updated: %v", err)
		return nil
	}

	w.log.Success("Host registry updated: %d added, %d updated, %d total", summary.Added, summary.Updated, summary.Total)
	if summary.Skipped > 0 {
		w.log.Debug("Skipped %d unparseable host blocks", summary.Skipped)
	}
	return &summary
}
