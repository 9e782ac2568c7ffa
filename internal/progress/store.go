// Package progress keeps short-lived, in-memory progress snapshots for files
// moving through the ingestion pipeline.
package progress

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/sheetflow/backend/internal/models"
)

// DefaultRetention is how long an entry stays readable after it was first written.
const DefaultRetention = 24 * time.Hour

// Stats summarises the store for observability endpoints.
type Stats struct {
	TotalEntries       int                   `json:"totalEntries"`
	ActiveEntries      int                   `json:"activeEntries"`
	ExpiredEntries     int                   `json:"expiredEntries"`
	StatusDistribution map[models.Status]int `json:"statusDistribution"`
	LastCleanup        *time.Time            `json:"lastCleanup,omitempty"`
}

// Store is a concurrency-safe registry of file ID -> progress entry with
// age-based expiry. Entries are replaced wholesale on every update and
// handed out as copies, so readers never observe a half-written entry.
type Store struct {
	mu          sync.RWMutex
	entries     map[string]models.ProgressEntry
	retention   time.Duration
	now         func() time.Time
	lastCleanup time.Time
	logger      *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used for rejected updates and sweeps.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		entries:   make(map[string]models.ProgressEntry),
		retention: DefaultRetention,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "progress-store")
	return s
}

// Retention returns the configured retention window.
func (s *Store) Retention() time.Duration {
	return s.retention
}

// Update inserts or replaces the entry for fileID. It returns false, leaving
// the store untouched, when the id is empty, the status is unknown or the
// progress value falls outside the band allowed for the status.
func (s *Store) Update(fileID string, status models.Status, progress int, extra map[string]any) bool {
	if fileID == "" {
		return false
	}
	if !status.AcceptsProgress(progress) {
		s.logger.Debug("rejected progress update",
			"file_id", fileID,
			"status", status,
			"progress", progress)
		return false
	}

	now := s.now()
	entry := models.ProgressEntry{
		FileID:      fileID,
		Status:      status,
		Progress:    progress,
		CreatedAt:   now,
		LastUpdated: now,
		Extra:       maps.Clone(extra),
	}
	if entry.Extra == nil {
		entry.Extra = make(map[string]any)
	}

	s.mu.Lock()
	// An expired entry is absent, so writing to its id starts a new window.
	if prev, ok := s.entries[fileID]; ok && !s.expired(prev, now) {
		entry.CreatedAt = prev.CreatedAt
	}
	s.entries[fileID] = entry
	s.mu.Unlock()

	return true
}

// Get returns the entry for fileID. Expired entries are deleted on the way
// out and reported as absent.
func (s *Store) Get(fileID string) (models.ProgressEntry, bool) {
	if fileID == "" {
		return models.ProgressEntry{}, false
	}

	s.mu.RLock()
	entry, ok := s.entries[fileID]
	s.mu.RUnlock()
	if !ok {
		return models.ProgressEntry{}, false
	}

	if s.expired(entry, s.now()) {
		s.mu.Lock()
		// Re-check: a concurrent Update may have refreshed it.
		if cur, ok := s.entries[fileID]; ok && s.expired(cur, s.now()) {
			delete(s.entries, fileID)
		}
		s.mu.Unlock()
		return models.ProgressEntry{}, false
	}

	return entry.Clone(), true
}

// Delete removes the entry for fileID and reports whether one existed.
func (s *Store) Delete(fileID string) bool {
	if fileID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[fileID]; !ok {
		return false
	}
	delete(s.entries, fileID)
	return true
}

// List returns copies of the stored entries ordered by creation time.
// Expired entries are filtered out unless includeExpired is set; listing
// never evicts anything.
func (s *Store) List(includeExpired bool) []models.ProgressEntry {
	now := s.now()

	s.mu.RLock()
	out := make([]models.ProgressEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if !includeExpired && s.expired(e, now) {
			continue
		}
		out = append(out, e.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b models.ProgressEntry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.FileID < b.FileID {
			return -1
		}
		if a.FileID > b.FileID {
			return 1
		}
		return 0
	})
	return out
}

// Cleanup removes every expired entry and returns how many were dropped.
func (s *Store) Cleanup() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, id)
			removed++
		}
	}
	s.lastCleanup = now
	return removed
}

// Stats reports entry counts and the status histogram.
func (s *Store) Stats() Stats {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		TotalEntries:       len(s.entries),
		StatusDistribution: make(map[models.Status]int),
	}
	for _, e := range s.entries {
		st.StatusDistribution[e.Status]++
		if s.expired(e, now) {
			st.ExpiredEntries++
		}
	}
	st.ActiveEntries = st.TotalEntries - st.ExpiredEntries
	if !s.lastCleanup.IsZero() {
		t := s.lastCleanup
		st.LastCleanup = &t
	}
	return st
}

func (s *Store) expired(e models.ProgressEntry, now time.Time) bool {
	return now.Sub(e.CreatedAt) > s.retention
}
