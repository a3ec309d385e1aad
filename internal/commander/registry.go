package commander

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/metorial/capture-core/internal/models"
	"github.com/metorial/capture-core/internal/nmap"
)

// Registry is the deduplicated inventory of hosts discovered by scans. All
// ingestions are serialised so concurrent scans never lose ports.
type Registry struct {
	db  *DB
	mu  sync.Mutex
	now func() time.Time
}

func NewRegistry(db *DB) *Registry {
	return &Registry{db: db, now: time.Now}
}

// Ingest parses scan output and merges every host into the registry inside
// one transaction.
func (r *Registry) Ingest(ctx context.Context, output, source string) (models.IngestSummary, error) {
	result := nmap.Parse(output)
	for _, s := range result.Skipped {
		log.Printf("Skipping scan host block %q: %s", s.Target, s.Reason)
	}

	summary, err := r.IngestHosts(ctx, result.Hosts, source)
	summary.Skipped = len(result.Skipped)
	return summary, err
}

// IngestHosts merges observations as produced by nmap.Parse.
func (r *Registry) IngestHosts(ctx context.Context, hosts []models.HostRecord, source string) (models.IngestSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	var summary models.IngestSummary

	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		summary = models.IngestSummary{}

		for _, obs := range hosts {
			if obs.IP == "" {
				continue
			}
			obs.Source = source
			sortPorts(obs.OpenPorts)

			existing, err := getHost(ctx, tx, obs.IP)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				obs.FirstSeenAt = now
				obs.LastSeenAt = now
				if obs.OpenPorts == nil {
					obs.OpenPorts = []models.Port{}
				}
				nmap.Classify(&obs)
				if err := saveHost(ctx, tx, &obs); err != nil {
					return err
				}
				summary.Added++
			case err != nil:
				return fmt.Errorf("load host %s: %w", obs.IP, err)
			default:
				merged, changed := mergeHost(*existing, obs, now)
				if err := saveHost(ctx, tx, &merged); err != nil {
					return err
				}
				if changed {
					summary.Updated++
				}
			}
		}

		total, err := countHosts(ctx, tx)
		if err != nil {
			return fmt.Errorf("count hosts: %w", err)
		}
		summary.Total = total
		return nil
	})
	if err != nil {
		return models.IngestSummary{}, err
	}

	return summary, nil
}

func (r *Registry) Hosts(ctx context.Context) ([]models.HostRecord, error) {
	return r.db.GetAllHosts(ctx)
}

// Host returns sql.ErrNoRows for an unknown IP.
func (r *Registry) Host(ctx context.Context, ip string) (*models.HostRecord, error) {
	return r.db.GetHost(ctx, ip)
}

func (r *Registry) Clear(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.db.ClearHosts(ctx)
}
