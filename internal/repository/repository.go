// Package repository persists FileRecords.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/sheetflow/backend/internal/models"
)

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("file record not found")
	// ErrInvalidStatus is returned when a write carries a status outside the closed set.
	ErrInvalidStatus = errors.New("invalid file status")
	// ErrDuplicateID is returned when Create reuses an existing id.
	ErrDuplicateID = errors.New("file record already exists")
)

// SortField names a column FindFiltered may order by.
type SortField string

const (
	SortByCreatedAt SortField = "created_at"
	SortByFilename  SortField = "filename"
	SortByStatus    SortField = "status"
	SortByRowCount  SortField = "total_records"
)

// ParseSortField maps a query value onto a SortField, defaulting to created_at.
func ParseSortField(s string) SortField {
	switch SortField(s) {
	case SortByFilename, SortByStatus, SortByRowCount:
		return SortField(s)
	}
	return SortByCreatedAt
}

// Filter narrows FindFiltered and Count.
type Filter struct {
	Status models.Status // empty matches all
}

// Page controls ordering and pagination of FindFiltered.
type Page struct {
	SortBy    SortField
	Ascending bool
	Skip      int
	Limit     int // 0 means no limit
}

// RecordUpdate lists the mutable fields of a record. Rows are written only
// when SetRows is true.
type RecordUpdate struct {
	Status  models.Status
	Rows    []models.Row
	SetRows bool
}

// Repository is the durable store of file records. Implementations must
// honour the supplied context for cancellation and timeouts.
type Repository interface {
	// Create inserts a new record.
	Create(ctx context.Context, rec *models.FileRecord) error

	// FindByID returns the record including its parsed rows.
	FindByID(ctx context.Context, id string) (*models.FileRecord, error)

	// UpdateByID applies upd to the record with the given id.
	UpdateByID(ctx context.Context, id string, upd RecordUpdate) error

	// DeleteByID removes the record.
	DeleteByID(ctx context.Context, id string) error

	// FindFiltered returns matching records without their rows; RowCount is set.
	FindFiltered(ctx context.Context, f Filter, p Page) ([]*models.FileRecord, error)

	// Count returns the number of records matching f.
	Count(ctx context.Context, f Filter) (int, error)

	// Close releases underlying resources.
	Close() error
}

func validateStatus(s models.Status) error {
	if !s.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return nil
}

func validateFilter(f Filter) error {
	if f.Status != "" {
		return validateStatus(f.Status)
	}
	return nil
}
