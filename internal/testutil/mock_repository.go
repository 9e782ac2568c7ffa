// mock_repository.go - Fault-injecting repository for pipeline tests
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/sheetflow/backend/internal/models"
	"github.com/sheetflow/backend/internal/repository"
)

// MockRepository wraps a MemoryStore and lets tests fail individual calls.
type MockRepository struct {
	*repository.MemoryStore

	mu        sync.Mutex
	createErr error
	updateErr func(id string, upd repository.RecordUpdate) error
	updates   []repository.RecordUpdate
}

// NewMockRepository returns a repository that behaves like MemoryStore until
// an error is injected.
func NewMockRepository() *MockRepository {
	return &MockRepository{MemoryStore: repository.NewMemoryStore()}
}

// FailCreate makes every Create return err.
func (m *MockRepository) FailCreate(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

// FailUpdatesTo makes UpdateByID return err whenever the target status is status.
func (m *MockRepository) FailUpdatesTo(status models.Status, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateErr = func(_ string, upd repository.RecordUpdate) error {
		if upd.Status == status {
			return err
		}
		return nil
	}
}

// Updates returns every update applied so far, in order.
func (m *MockRepository) Updates() []repository.RecordUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]repository.RecordUpdate(nil), m.updates...)
}

func (m *MockRepository) Create(ctx context.Context, rec *models.FileRecord) error {
	m.mu.Lock()
	err := m.createErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.MemoryStore.Create(ctx, rec)
}

func (m *MockRepository) UpdateByID(ctx context.Context, id string, upd repository.RecordUpdate) error {
	m.mu.Lock()
	hook := m.updateErr
	m.mu.Unlock()
	if hook != nil {
		if err := hook(id, upd); err != nil {
			return err
		}
	}
	if err := m.MemoryStore.UpdateByID(ctx, id, upd); err != nil {
		return err
	}
	m.mu.Lock()
	m.updates = append(m.updates, upd)
	m.mu.Unlock()
	return nil
}

// Ensure MockRepository implements repository.Repository
var _ repository.Repository = (*MockRepository)(nil)

var (
	idMu      sync.Mutex
	idCounter int
)

// SequentialIDs returns a generator yielding prefix-1, prefix-2, ...
func SequentialIDs(prefix string) func() string {
	return func() string {
		idMu.Lock()
		defer idMu.Unlock()
		idCounter++
		return fmt.Sprintf("%s-%d", prefix, idCounter)
	}
}
