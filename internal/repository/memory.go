package repository

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/sheetflow/backend/internal/models"
)

// MemoryStore is a process-local Repository. Records do not survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.FileRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*models.FileRecord)}
}

func (m *MemoryStore) Create(ctx context.Context, rec *models.FileRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateStatus(rec.Status); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
	}
	stored := copyRecord(rec, true)
	stored.RowCount = len(stored.ParsedRows)
	rec.RowCount = stored.RowCount
	m.records[rec.ID] = stored
	return nil
}

func (m *MemoryStore) FindByID(ctx context.Context, id string) (*models.FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return copyRecord(rec, true), nil
}

func (m *MemoryStore) UpdateByID(ctx context.Context, id string, upd RecordUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateStatus(upd.Status); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.Status = upd.Status
	if upd.SetRows {
		rec.ParsedRows = copyRows(upd.Rows)
		rec.RowCount = len(rec.ParsedRows)
	}
	return nil
}

func (m *MemoryStore) DeleteByID(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) FindFiltered(ctx context.Context, f Filter, p Page) ([]*models.FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateFilter(f); err != nil {
		return nil, err
	}

	m.mu.RLock()
	matched := make([]*models.FileRecord, 0, len(m.records))
	for _, rec := range m.records {
		if f.Status == "" || rec.Status == f.Status {
			matched = append(matched, copyRecord(rec, false))
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(matched, func(a, b *models.FileRecord) int {
		c := compareBy(p.SortBy, a, b)
		if c == 0 {
			c = strings.Compare(a.ID, b.ID)
		}
		if !p.Ascending {
			c = -c
		}
		return c
	})

	if p.Skip >= len(matched) {
		return []*models.FileRecord{}, nil
	}
	matched = matched[p.Skip:]
	if p.Limit > 0 && p.Limit < len(matched) {
		matched = matched[:p.Limit]
	}
	return matched, nil
}

func (m *MemoryStore) Count(ctx context.Context, f Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validateFilter(f); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if f.Status == "" {
		return len(m.records), nil
	}
	n := 0
	for _, rec := range m.records {
		if rec.Status == f.Status {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }

func compareBy(field SortField, a, b *models.FileRecord) int {
	switch field {
	case SortByFilename:
		return strings.Compare(a.DisplayName, b.DisplayName)
	case SortByStatus:
		return strings.Compare(string(a.Status), string(b.Status))
	case SortByRowCount:
		return cmp.Compare(a.RowCount, b.RowCount)
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}

func copyRecord(rec *models.FileRecord, withRows bool) *models.FileRecord {
	out := *rec
	out.ParsedRows = nil
	if withRows {
		out.ParsedRows = copyRows(rec.ParsedRows)
	}
	return &out
}

func copyRows(rows []models.Row) []models.Row {
	out := make([]models.Row, len(rows))
	for i, r := range rows {
		out[i] = maps.Clone(r)
	}
	return out
}
