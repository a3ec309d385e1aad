package syncer

import (
	"math"
	"sync"
	"time"

	"github.com/metorial/capture-core/internal/eventstore"
)

const maxBackoffAttempt = 30

// exponentialBackoff returns base * 2^attempt capped at maxDelay.
func exponentialBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxBackoffAttempt {
		attempt = maxBackoffAttempt
	}

	delay := time.Duration(math.Pow(2, float64(attempt))) * base
	if delay > maxDelay || delay < 0 {
		return maxDelay
	}
	return delay
}

type retryState struct {
	attempts int
	next     time.Time
}

// retryTable tracks per-event retry windows after sink rejections.
type retryTable struct {
	mu       sync.Mutex
	base     time.Duration
	maxDelay time.Duration
	entries  map[string]*retryState
}

func newRetryTable(base, maxDelay time.Duration) *retryTable {
	return &retryTable{base: base, maxDelay: maxDelay, entries: make(map[string]*retryState)}
}

func (t *retryTable) waiting(id string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.entries[id]
	return ok && now.Before(st.next)
}

func (t *retryTable) failed(id string, now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.entries[id]
	if !ok {
		st = &retryState{}
		t.entries[id] = st
	}
	delay := exponentialBackoff(st.attempts, t.base, t.maxDelay)
	st.attempts++
	st.next = now.Add(delay)
	return delay
}

func (t *retryTable) clear(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.entries, id)
}

// retain drops retry state for events no longer in the store.
func (t *retryTable) retain(headers []eventstore.Header) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) == 0 {
		return
	}
	listed := make(map[string]bool, len(headers))
	for _, h := range headers {
		listed[h.ID] = true
	}
	for id := range t.entries {
		if !listed[id] {
			delete(t.entries, id)
		}
	}
}

func (t *retryTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}
