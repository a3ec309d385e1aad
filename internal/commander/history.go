package commander

import (
	"context"
	"time"

	"github.com/metorial/capture-core/internal/models"
)

// HistorySink writes forwarded events into the controller's own unified
// history table. Sending the same id twice is a no-op.
type HistorySink struct {
	db  *DB
	now func() time.Time
}

func NewHistorySink(db *DB) *HistorySink {
	return &HistorySink{db: db, now: time.Now}
}

func (s *HistorySink) Send(ctx context.Context, event *models.CommandEvent) error {
	_, err := s.db.InsertHistory(ctx, event, s.now().UTC())
	return err
}

func (s *HistorySink) Close() error {
	return nil
}
