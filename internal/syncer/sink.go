// Package syncer moves finished command events from the local event store
// into the unified scan history.
package syncer

import (
	"context"
	"errors"

	"github.com/metorial/capture-core/internal/eventstore"
	"github.com/metorial/capture-core/internal/models"
)

// ErrSinkRejected is returned by a Sink that was reached but refused the event.
var ErrSinkRejected = errors.New("sink rejected event")

// Sink is the unified history an event is forwarded to. Implementations must
// treat a repeated id as already stored.
type Sink interface {
	Send(ctx context.Context, event *models.CommandEvent) error
}

// Ledger remembers which event ids the sink has accepted.
type Ledger interface {
	IsImported(ctx context.Context, id string) (bool, error)
	MarkImported(ctx context.Context, id string) error
}

// EventSource is the read side of the event store. Headers is cheap and
// drives each pass; Get loads the full record only for events being sent.
type EventSource interface {
	Headers() ([]eventstore.Header, error)
	Get(id string) (*models.CommandEvent, error)
}

// HostIngester merges scan output into the host registry.
type HostIngester interface {
	Ingest(ctx context.Context, output, source string) (models.IngestSummary, error)
}
