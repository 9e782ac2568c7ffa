// handlers_health.go - Health check handlers
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version  string
	started  time.Time
	pipeline PipelineGauge
	workers  WorkerGauge
	stats    StatsSource
}

// NewHealthHandler creates a new health handler. Any gauge may be nil.
func NewHealthHandler(version string, pipeline PipelineGauge, workers WorkerGauge, stats StatsSource) HealthHandler {
	return &HealthHandlerImpl{
		version:  version,
		started:  time.Now(),
		pipeline: pipeline,
		workers:  workers,
		stats:    stats,
	}
}

// HandleHealth returns server health status
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	body := map[string]any{
		"status":         "ok",
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	}
	if h.pipeline != nil {
		body["files_in_flight"] = h.pipeline.InFlight()
	}
	if h.workers != nil {
		body["workers"] = h.workers.Workers()
		body["jobs_queued"] = h.workers.Pending()
	}
	if h.stats != nil {
		body["progress_entries"] = h.stats.Stats().ActiveEntries
	}
	return c.JSON(http.StatusOK, body)
}
