// mock_decoder.go - Scripted decoder and job submitters for pipeline tests
package testutil

import (
	"context"
	"sync"

	"github.com/sheetflow/backend/internal/models"
	"github.com/sheetflow/backend/internal/parser"
	"github.com/sheetflow/backend/internal/worker"
)

// MockDecoder returns scripted rows or an error instead of reading files.
type MockDecoder struct {
	Rows  []models.Row
	Err   error
	Panic any
	// Gate, when set, blocks Decode until it is closed.
	Gate chan struct{}
	// Entered receives once per call before Decode waits on Gate.
	Entered chan struct{}

	mu    sync.Mutex
	calls []string
}

// NewMockDecoder returns a decoder that yields rows.
func NewMockDecoder(rows ...models.Row) *MockDecoder {
	return &MockDecoder{Rows: rows}
}

func (d *MockDecoder) Supports(declaredType string) bool {
	switch parser.NormalizeType(declaredType) {
	case ".csv", ".xlsx", ".xls":
		return true
	}
	return false
}

func (d *MockDecoder) Decode(path, declaredType string) ([]models.Row, error) {
	d.mu.Lock()
	d.calls = append(d.calls, path)
	d.mu.Unlock()

	if d.Entered != nil {
		d.Entered <- struct{}{}
	}
	if d.Gate != nil {
		<-d.Gate
	}
	if d.Panic != nil {
		panic(d.Panic)
	}
	if d.Err != nil {
		return nil, d.Err
	}
	out := make([]models.Row, len(d.Rows))
	copy(out, d.Rows)
	return out, nil
}

// Calls returns the paths Decode was invoked with.
func (d *MockDecoder) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// RejectingSubmitter refuses every job with Err.
type RejectingSubmitter struct {
	Err error
}

func (s RejectingSubmitter) Submit(worker.Job) error {
	return s.Err
}

// InlineSubmitter runs each job synchronously on the caller's goroutine.
type InlineSubmitter struct{}

func (InlineSubmitter) Submit(job worker.Job) error {
	job.Run(context.Background())
	return nil
}
