// Package eventstore persists CommandEvents as one JSON file per event id.
//
// Records are published with write-to-temp followed by a link or rename in the
// same directory, so a concurrent reader sees either the previous version of a
// record or the new one, never a partial write. Many shell sessions and the
// sync service share one root directory.
package eventstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/metorial/capture-core/internal/models"
)

const (
	recordExt   = ".json"
	tempSuffix  = ".tmp"
	staleTempAt = time.Hour
)

type Store struct {
	root         string
	minFreeBytes uint64
	now          func() time.Time
	mu           sync.Mutex
}

type Option func(*Store)

// WithMinFreeBytes makes writes fail with ErrWrite when the filesystem has
// less free space than n.
func WithMinFreeBytes(n uint64) Option {
	return func(s *Store) {
		s.minFreeBytes = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: empty root directory", ErrWrite)
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrWrite, root, err)
	}

	s := &Store{
		root: root,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) path(id string) string {
	return filepath.Join(s.root, id+recordExt)
}

// Create publishes a new record and returns its id. Missing id, creation time,
// status and tool name are filled in.
func (s *Store) Create(event *models.CommandEvent) (string, error) {
	if event.ID == "" {
		event.ID = NewID()
	}
	if !validID(event.ID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, event.ID)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	if event.Status == "" {
		event.Status = models.StatusPending
	}
	if !event.Status.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, event.Status)
	}
	if event.Tool == "" {
		event.Tool = models.ToolOf(event.Command)
	}

	if err := s.checkSpace(); err != nil {
		return "", err
	}

	tmp, err := s.writeTemp(event)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp)

	final := s.path(event.ID)
	if err := os.Link(tmp, final); err != nil {
		if os.IsExist(err) {
			return "", fmt.Errorf("%w: event %s already exists", ErrWrite, event.ID)
		}
		// Filesystems without hard links fall back to rename.
		if _, statErr := os.Stat(final); statErr == nil {
			return "", fmt.Errorf("%w: event %s already exists", ErrWrite, event.ID)
		}
		if err := os.Rename(tmp, final); err != nil {
			return "", fmt.Errorf("%w: publish %s: %v", ErrWrite, event.ID, err)
		}
	}

	return event.ID, nil
}

// Get reads a single record.
func (s *Store) Get(id string) (*models.CommandEvent, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read event %s: %w", id, err)
	}

	var event models.CommandEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", id, err)
	}
	return &event, nil
}

// Update applies mutate to the stored record and republishes it atomically.
// Nothing is written when mutate fails or the result is not a legal forward
// transition.
func (s *Store) Update(id string, mutate func(*models.CommandEvent) error) (*models.CommandEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	next := *current
	if err := mutate(&next); err != nil {
		return nil, fmt.Errorf("mutate event %s: %w", id, err)
	}

	if err := checkTransition(current, &next); err != nil {
		return nil, fmt.Errorf("update event %s: %w", id, err)
	}

	if err := s.checkSpace(); err != nil {
		return nil, err
	}

	tmp, err := s.writeTemp(&next)
	if err != nil {
		return nil, err
	}

	if err := os.Rename(tmp, s.path(id)); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("%w: publish %s: %v", ErrWrite, id, err)
	}

	return &next, nil
}

func checkTransition(current, next *models.CommandEvent) error {
	switch {
	case next.ID != current.ID:
		return fmt.Errorf("%w: id is immutable", ErrInvalidTransition)
	case !next.CreatedAt.Equal(current.CreatedAt):
		return fmt.Errorf("%w: created_at is immutable", ErrInvalidTransition)
	case !next.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next.Status)
	case current.Status.Terminal() && next.Status != current.Status:
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, current.Status)
	case next.Status.Rank() < current.Status.Rank():
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next.Status)
	case next.CompletedAt != nil && next.CompletedAt.Before(next.CreatedAt):
		return fmt.Errorf("%w: completed_at before created_at", ErrInvalidTransition)
	}
	return nil
}

func (s *Store) writeTemp(event *models.CommandEvent) (string, error) {
	data, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode event %s: %w", event.ID, err)
	}

	f, err := os.CreateTemp(s.root, "."+event.ID+".*"+tempSuffix)
	if err != nil {
		return "", fmt.Errorf("%w: create temp file: %v", ErrWrite, err)
	}

	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("%w: write %s: %v", ErrWrite, name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("%w: sync %s: %v", ErrWrite, name, err)
	}
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("%w: chmod %s: %v", ErrWrite, name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("%w: close %s: %v", ErrWrite, name, err)
	}

	return name, nil
}

// List returns records created at or after since, oldest first. A zero since
// lists everything and limit <= 0 means no limit. Listing has no side effects,
// so callers may repeat it from the same cursor.
func (s *Store) List(since time.Time, limit int) ([]models.CommandEvent, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrCorrupt, s.root, err)
	}

	events := make([]models.CommandEvent, 0, len(entries))
	for _, entry := range entries {
		if !isRecord(entry) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.root, entry.Name()))
		if err != nil {
			// Purged between ReadDir and ReadFile.
			if os.IsNotExist(err) {
				continue
			}
			log.Printf("Error reading event %s: %v", entry.Name(), err)
			continue
		}

		var event models.CommandEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.Printf("Skipping unreadable event %s: %v", entry.Name(), err)
			continue
		}

		if !since.IsZero() && event.CreatedAt.Before(since) {
			continue
		}
		events = append(events, event)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})

	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

type Stats struct {
	Records int   `json:"records"`
	Bytes   int64 `json:"bytes"`
}

func (s *Store) Stats() (*Stats, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrCorrupt, s.root, err)
	}

	stats := &Stats{}
	for _, entry := range entries {
		if !isRecord(entry) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		stats.Records++
		stats.Bytes += info.Size()
	}
	return stats, nil
}

type PurgeResult struct {
	Removed        int   `json:"removed"`
	FreedBytes     int64 `json:"freed_bytes"`
	Remaining      int   `json:"remaining"`
	RemainingBytes int64 `json:"remaining_bytes"`
}

type purgeCandidate struct {
	name      string
	size      int64
	createdAt time.Time
	status    models.Status
}

// Purge deletes records older than maxAge, then the oldest remaining records
// until the store fits in maxBytes. A zero limit disables that bound. Running
// records are only removed by age.
func (s *Store) Purge(maxBytes int64, maxAge time.Duration) (*PurgeResult, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrCorrupt, s.root, err)
	}

	now := s.now()
	var candidates []purgeCandidate
	var total int64
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}

		if isStaleTemp(entry, info, now) {
			os.Remove(filepath.Join(s.root, entry.Name()))
			continue
		}
		if !isRecord(entry) {
			continue
		}

		c := purgeCandidate{name: entry.Name(), size: info.Size(), createdAt: info.ModTime()}
		if header, err := readHeader(filepath.Join(s.root, entry.Name())); err == nil {
			c.createdAt = header.CreatedAt
			c.status = header.Status
		}
		candidates = append(candidates, c)
		total += c.size
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].createdAt.Before(candidates[j].createdAt)
	})

	result := &PurgeResult{}
	cutoff := now.Add(-maxAge)
	for _, c := range candidates {
		expired := maxAge > 0 && c.createdAt.Before(cutoff)
		oversize := maxBytes > 0 && total > maxBytes && c.status != models.StatusRunning
		if !expired && !oversize {
			continue
		}

		if err := os.Remove(filepath.Join(s.root, c.name)); err != nil && !os.IsNotExist(err) {
			log.Printf("Error purging event %s: %v", c.name, err)
			continue
		}
		total -= c.size
		result.Removed++
		result.FreedBytes += c.size
	}

	result.Remaining = len(candidates) - result.Removed
	result.RemainingBytes = total
	return result, nil
}

// Header is the part of a record that decides whether it needs loading.
type Header struct {
	ID        string
	CreatedAt time.Time
	Status    models.Status
}

// Headers returns the header of every record, oldest first, without decoding
// captured output.
func (s *Store) Headers() ([]Header, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrCorrupt, s.root, err)
	}

	headers := make([]Header, 0, len(entries))
	for _, entry := range entries {
		if !isRecord(entry) {
			continue
		}

		header, err := readHeader(filepath.Join(s.root, entry.Name()))
		if err != nil {
			if !os.IsNotExist(err) {
				log.Printf("Skipping unreadable event %s: %v", entry.Name(), err)
			}
			continue
		}
		if header.ID == "" {
			header.ID = strings.TrimSuffix(entry.Name(), recordExt)
		}
		headers = append(headers, *header)
	}

	sort.SliceStable(headers, func(i, j int) bool {
		if headers[i].CreatedAt.Equal(headers[j].CreatedAt) {
			return headers[i].ID < headers[j].ID
		}
		return headers[i].CreatedAt.Before(headers[j].CreatedAt)
	})
	return headers, nil
}

// readHeader stops decoding once id, created_at and status are known. Records
// are written with those keys ahead of stdout and stderr.
func readHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, errors.New("not a json object")
	}

	var header Header
	for found := 0; found < 3 && dec.More(); {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := tok.(string)

		switch key {
		case "id":
			err = dec.Decode(&header.ID)
			found++
		case "created_at":
			err = dec.Decode(&header.CreatedAt)
			found++
		case "status":
			err = dec.Decode(&header.Status)
			found++
		default:
			var skip json.RawMessage
			err = dec.Decode(&skip)
		}
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
	}

	if header.CreatedAt.IsZero() {
		return nil, errors.New("missing created_at")
	}
	return &header, nil
}

func isRecord(entry os.DirEntry) bool {
	name := entry.Name()
	return !entry.IsDir() && !strings.HasPrefix(name, ".") && strings.HasSuffix(name, recordExt)
}

func isStaleTemp(entry os.DirEntry, info os.FileInfo, now time.Time) bool {
	name := entry.Name()
	return !entry.IsDir() && strings.HasPrefix(name, ".") && strings.HasSuffix(name, tempSuffix) &&
		now.Sub(info.ModTime()) > staleTempAt
}
