// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"
	"io"

	"github.com/labstack/echo/v4"

	"github.com/sheetflow/backend/internal/progress"
	"github.com/sheetflow/backend/internal/status"
	"github.com/sheetflow/backend/internal/upload"
)

// FileHandler handles file ingestion and retrieval
type FileHandler interface {
	HandleUploadFile(c echo.Context) error
	HandleListFiles(c echo.Context) error
	HandleGetFileContent(c echo.Context) error
	HandleDeleteFile(c echo.Context) error
}

// ProgressHandler handles progress reporting
type ProgressHandler interface {
	HandleGetProgress(c echo.Context) error
	HandleProgressStream(c echo.Context) error
	HandleProgressWebSocket(c echo.Context) error
	HandleProgressStats(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// Ingestor accepts uploads and deletes files. Implemented by upload.Manager.
type Ingestor interface {
	Submit(ctx context.Context, name, contentType string, r io.Reader) (*upload.Receipt, error)
	Delete(ctx context.Context, id string) (*upload.DeleteResult, error)
}

// StatusReader answers read queries. Implemented by status.Reconciler.
type StatusReader interface {
	Status(ctx context.Context, id string) (*status.Report, error)
	Content(ctx context.Context, id string) (*status.ContentReport, error)
	List(ctx context.Context, q status.Query) (*status.Listing, error)
}

// StatsSource exposes progress store statistics. Implemented by progress.Store.
type StatsSource interface {
	Stats() progress.Stats
}

// PipelineGauge reports pipeline load for health checks.
type PipelineGauge interface {
	InFlight() int
}

// WorkerGauge reports worker pool capacity and backlog.
type WorkerGauge interface {
	Workers() int
	Pending() int
}
