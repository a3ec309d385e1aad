package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/metorial/capture-core/internal/eventstore"
	"github.com/metorial/capture-core/internal/models"
	"github.com/metorial/capture-core/internal/policy"
)

const (
	DefaultInterval  = 30 * time.Second
	DefaultRetryBase = time.Second
	DefaultRetryMax  = 5 * time.Minute

	ingestTimeout = 30 * time.Second
)

type Config struct {
	Interval  time.Duration
	RetryBase time.Duration
	RetryMax  time.Duration

	// Scanners and Ingester enable host registry correlation for imported
	// scan events. Either may be nil.
	Scanners *policy.Scanners
	Ingester HostIngester
}

// Result reports one import pass. Skipped is set when the pass was coalesced
// into one already running.
type Result struct {
	Imported int  `json:"imported_count"`
	Failed   int  `json:"failed_count"`
	Deferred int  `json:"deferred_count"`
	Skipped  bool `json:"skipped"`
}

type Service struct {
	store  EventSource
	ledger Ledger
	sink   Sink
	cfg    Config

	running atomic.Bool
	trigger chan struct{}
	retries *retryTable
	now     func() time.Time
}

func NewService(store EventSource, ledger Ledger, sink Sink, cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RetryBase < 0 {
		cfg.RetryBase = 0
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultRetryMax
	}

	return &Service{
		store:   store,
		ledger:  ledger,
		sink:    sink,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
		retries: newRetryTable(cfg.RetryBase, cfg.RetryMax),
		now:     time.Now,
	}
}

// SyncOnce forwards every finished event the ledger has not seen, oldest
// first. An event is marked imported only after the sink accepted it, so a
// crash in between causes a resend that the sink deduplicates by id.
func (s *Service) SyncOnce(ctx context.Context) (Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Result{Skipped: true}, nil
	}
	defer s.running.Store(false)

	headers, err := s.store.Headers()
	if err != nil {
		return Result{}, fmt.Errorf("list events: %w", err)
	}

	var result Result
	for _, header := range headers {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if !header.Status.Terminal() {
			continue
		}

		imported, err := s.ledger.IsImported(ctx, header.ID)
		if err != nil {
			return result, fmt.Errorf("check ledger for %s: %w", header.ID, err)
		}
		if imported {
			s.retries.clear(header.ID)
			continue
		}

		now := s.now()
		if s.retries.waiting(header.ID, now) {
			result.Deferred++
			continue
		}

		event, err := s.store.Get(header.ID)
		if err != nil {
			// Purged since the headers were read.
			if !errors.Is(err, eventstore.ErrNotFound) {
				log.Printf("Error loading event %s: %v", header.ID, err)
			}
			continue
		}

		if err := s.sink.Send(ctx, event); err != nil {
			delay := s.retries.failed(event.ID, now)
			log.Printf("Error forwarding event %s (retry in %s): %v", event.ID, delay, err)
			result.Failed++
			continue
		}

		if err := s.ledger.MarkImported(ctx, event.ID); err != nil {
			log.Printf("Error marking event %s imported: %v", event.ID, err)
			result.Failed++
			continue
		}
		s.retries.clear(event.ID)
		result.Imported++

		s.correlate(ctx, event)
	}

	s.retries.retain(headers)

	return result, nil
}

// correlate feeds scanner output into the host registry. Failures never undo
// the import.
func (s *Service) correlate(ctx context.Context, event *models.CommandEvent) {
	if s.cfg.Ingester == nil || event.Stdout == "" || !s.cfg.Scanners.Matches(event.Command) {
		return
	}

	ingestCtx, cancel := context.WithTimeout(ctx, ingestTimeout)
	defer cancel()

	summary, err := s.cfg.Ingester.Ingest(ingestCtx, event.Stdout, string(event.Source)+":"+event.Tool)
	if err != nil {
		log.Printf("Error ingesting scan output of event %s: %v", event.ID, err)
		return
	}
	log.Printf("Ingested scan output of event %s: added=%d updated=%d total=%d",
		event.ID, summary.Added, summary.Updated, summary.Total)
}

// Trigger asks the loop to run a pass now. It never blocks; requests made
// while one is already queued are coalesced.
func (s *Service) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run syncs on start and then every Interval or on Trigger until ctx is
// done. It returns an error only when the event store is unreadable.
func (s *Service) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-s.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		result, err := s.SyncOnce(ctx)
		switch {
		case errors.Is(err, eventstore.ErrCorrupt):
			return err
		case err != nil && ctx.Err() != nil:
			return nil
		case err != nil:
			log.Printf("Error syncing events: %v", err)
		case result.Imported > 0 || result.Failed > 0:
			log.Printf("Sync pass: imported=%d failed=%d deferred=%d",
				result.Imported, result.Failed, result.Deferred)
		}

		timer.Reset(s.cfg.Interval)
	}
}
