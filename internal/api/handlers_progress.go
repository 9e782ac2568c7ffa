// handlers_progress.go - Progress polling, streaming and statistics handlers
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/sheetflow/backend/internal/repository"
	"github.com/sheetflow/backend/internal/status"
)

// DefaultPushInterval is how often streams re-read a file's status.
const DefaultPushInterval = 250 * time.Millisecond

// ProgressHandlerImpl implements the ProgressHandler interface
type ProgressHandlerImpl struct {
	reader   StatusReader
	stats    StatsSource
	interval time.Duration
	upgrader websocket.Upgrader
	wsLimit  int64
	logger   *slog.Logger
}

// NewProgressHandler creates a new progress handler. wsReadLimit bounds
// client frames on the websocket endpoint; zero leaves gorilla's default.
func NewProgressHandler(reader StatusReader, stats StatsSource, interval time.Duration, wsReadLimit int64, logger *slog.Logger) ProgressHandler {
	if interval <= 0 {
		interval = DefaultPushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressHandlerImpl{
		reader:   reader,
		stats:    stats,
		interval: interval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
		},
		wsLimit: wsReadLimit,
		logger:  logger.With("component", "progress_handler"),
	}
}

// HandleGetProgress returns the reconciled status of one file.
func (h *ProgressHandlerImpl) HandleGetProgress(c echo.Context) error {
	id := c.Param("file_id")
	if strings.TrimSpace(id) == "" {
		return NewValidationError("file_id", "File ID is required")
	}

	rep, err := h.reader.Status(c.Request().Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		return NewNotFoundError("file", id)
	}
	if err != nil {
		return fromDomain(err, "Error retrieving file status")
	}
	return c.JSON(http.StatusOK, rep)
}

// HandleProgressStream streams status reports via Server-Sent Events until
// the file reaches a terminal status, disappears or the client leaves.
// A report is only sent when status or progress changed.
func (h *ProgressHandlerImpl) HandleProgressStream(c echo.Context) error {
	id := c.Param("file_id")
	ctx := c.Request().Context()

	// Resolve the first report before committing to a stream so unknown
	// files still get a plain 404.
	rep, err := h.reader.Status(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return NewNotFoundError("file", id)
	}
	if err != nil {
		return fromDomain(err, "Error retrieving file status")
	}

	// Streams outlive the server's write timeout.
	if err := http.NewResponseController(c.Response()).SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("clearing write deadline", "error", err)
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	c.Response().WriteHeader(http.StatusOK)

	if err := h.writeEvent(c, "progress", rep); err != nil {
		return nil
	}
	if rep.Status.Terminal() {
		h.writeEvent(c, "done", rep)
		return nil
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	last := rep
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rep, err := h.reader.Status(ctx, id)
			if errors.Is(err, repository.ErrNotFound) {
				h.writeEvent(c, "error", map[string]string{"error": "file not found", "file_id": id})
				return nil
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				h.logger.Warn("progress stream read failed", "file_id", id, "error", err)
				continue
			}
			if changed(last, rep) {
				if err := h.writeEvent(c, "progress", rep); err != nil {
					return nil
				}
				last = rep
			}
			if rep.Status.Terminal() {
				h.writeEvent(c, "done", rep)
				return nil
			}
		}
	}
}

func (h *ProgressHandlerImpl) writeEvent(c echo.Context, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

// HandleProgressStats returns progress store statistics.
func (h *ProgressHandlerImpl) HandleProgressStats(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"stats":   h.stats.Stats(),
	})
}

func changed(prev, next *status.Report) bool {
	return prev.Status != next.Status || prev.Progress != next.Progress
}
