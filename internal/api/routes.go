// routes.go - Route registration helpers
package api

import (
	"log/slog"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// APIPrefix is the base path of every versioned route.
const APIPrefix = "/api/v1"

// Dependencies holds all handler dependencies
type Dependencies struct {
	Ingestor      Ingestor
	Reader        StatusReader
	Stats         StatsSource
	Pipeline      PipelineGauge
	Workers       WorkerGauge
	PublicBaseURL string
	PushInterval  time.Duration
	WSReadLimit   int64
	Version       string
	Logger        *slog.Logger
}

// Handlers holds all handler instances
type Handlers struct {
	Health   HealthHandler
	Files    FileHandler
	Progress ProgressHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	return &Handlers{
		Health:   NewHealthHandler(deps.Version, deps.Pipeline, deps.Workers, deps.Stats),
		Files:    NewFileHandler(deps.Ingestor, deps.Reader, deps.PublicBaseURL, deps.Logger),
		Progress: NewProgressHandler(deps.Reader, deps.Stats, deps.PushInterval, deps.WSReadLimit, deps.Logger),
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	e.GET("/health", handlers.Health.HandleHealth)

	v1 := e.Group(APIPrefix)
	v1.GET("/health", handlers.Health.HandleHealth)

	files := v1.Group("/files")
	files.POST("", handlers.Files.HandleUploadFile)
	files.GET("", handlers.Files.HandleListFiles)
	files.GET("/:file_id", handlers.Files.HandleGetFileContent)
	files.DELETE("/:file_id", handlers.Files.HandleDeleteFile)
	files.GET("/:file_id/progress", handlers.Progress.HandleGetProgress)
	files.GET("/:file_id/progress/stream", handlers.Progress.HandleProgressStream)
	files.GET("/:file_id/progress/ws", handlers.Progress.HandleProgressWebSocket)

	v1.GET("/progress/stats", handlers.Progress.HandleProgressStats)
}

// IsStreamPath reports whether path is a long-lived progress stream, which
// request timeouts and compression must not wrap.
func IsStreamPath(path string) bool {
	return strings.HasSuffix(path, "/progress/stream") || strings.HasSuffix(path, "/progress/ws")
}

// IsPollingPath reports whether path is polled often enough that access
// logging would drown everything else.
func IsPollingPath(path string) bool {
	return strings.HasSuffix(path, "/progress") || path == "/health" || path == APIPrefix+"/health"
}
