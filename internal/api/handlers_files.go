// handlers_files.go - File ingestion, listing, content and deletion handlers
package api

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sheetflow/backend/internal/models"
	"github.com/sheetflow/backend/internal/repository"
	"github.com/sheetflow/backend/internal/status"
)

// MIMEApplicationMsgpack is the content type of msgpack file content.
const MIMEApplicationMsgpack = "application/msgpack"

const processingTerminatedWarning = "File was being processed when deleted. Processing has been terminated."

// FileHandlerImpl implements the FileHandler interface
type FileHandlerImpl struct {
	ingest Ingestor
	reader StatusReader
	links  linkBuilder
	logger *slog.Logger
}

// NewFileHandler creates a new file handler instance
func NewFileHandler(ingest Ingestor, reader StatusReader, publicBaseURL string, logger *slog.Logger) FileHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileHandlerImpl{
		ingest: ingest,
		reader: reader,
		links:  linkBuilder{base: publicBaseURL},
		logger: logger.With("component", "file_handler"),
	}
}

type uploadResponse struct {
	Success     bool          `json:"success"`
	Message     string        `json:"message"`
	FileID      string        `json:"file_id"`
	Filename    string        `json:"filename"`
	Status      models.Status `json:"status"`
	FileSize    int64         `json:"file_size"`
	CheckStatus string        `json:"check_status"`
}

// HandleUploadFile accepts a multipart "file" field, stages it and starts
// processing. It responds as soon as the record exists.
func (h *FileHandlerImpl) HandleUploadFile(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		var httpErr *echo.HTTPError
		switch {
		case errors.As(err, &httpErr):
			return httpErr
		case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
			return NewValidationError("file", "No file uploaded")
		}
		return fromDomain(err, "failed to read upload")
	}

	src, err := fh.Open()
	if err != nil {
		return NewInternalError("failed to open upload", err)
	}
	defer src.Close()

	receipt, err := h.ingest.Submit(c.Request().Context(), fh.Filename, fh.Header.Get(echo.HeaderContentType), src)
	if err != nil {
		return fromDomain(err, "Error while indexing file")
	}

	return c.JSON(http.StatusOK, uploadResponse{
		Success:     true,
		Message:     "File uploaded, processing started",
		FileID:      receipt.FileID,
		Filename:    receipt.Filename,
		Status:      receipt.Status,
		FileSize:    receipt.Size,
		CheckStatus: h.links.progress(c, receipt.FileID),
	})
}

type fileActions struct {
	GetContent    string `json:"get_content"`
	CheckProgress string `json:"check_progress"`
	Delete        string `json:"delete"`
}

type fileView struct {
	status.FileSummary
	FileSizeFormatted           string      `json:"file_size_formatted,omitempty"`
	ProcessingTimeFormatted     string      `json:"processing_time_formatted,omitempty"`
	ProcessingDurationFormatted string      `json:"processing_duration_formatted,omitempty"`
	Actions                     fileActions `json:"actions"`
}

type summaryView struct {
	status.Summary
	TotalSizeFormatted string `json:"total_size_formatted"`
}

type listFilters struct {
	Status    string `json:"status"`
	SortBy    string `json:"sort_by"`
	SortOrder string `json:"sort_order"`
}

type listData struct {
	Files      []fileView        `json:"files"`
	Pagination status.Pagination `json:"pagination"`
	Summary    summaryView       `json:"summary"`
	Filters    listFilters       `json:"filters"`
}

type listResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Data    listData `json:"data"`
}

// HandleListFiles returns a page of files enriched with live progress.
// Unknown status filters match all files; malformed paging falls back to
// the defaults.
func (h *FileHandlerImpl) HandleListFiles(c echo.Context) error {
	q := status.Query{
		Page:      queryInt(c, "page", 1),
		Limit:     queryInt(c, "limit", status.DefaultPageSize),
		SortBy:    repository.ParseSortField(c.QueryParam("sort")),
		Ascending: strings.EqualFold(c.QueryParam("order"), "asc"),
	}
	if s := c.QueryParam("status"); s != "" {
		if st, err := models.ParseStatus(s); err == nil {
			q.Status = st
		}
	}

	listing, err := h.reader.List(c.Request().Context(), q)
	if err != nil {
		return fromDomain(err, "Error retrieving files list")
	}

	files := make([]fileView, 0, len(listing.Files))
	for _, f := range listing.Files {
		v := fileView{
			FileSummary: f,
			Actions: fileActions{
				GetContent:    h.links.file(c, f.FileID),
				CheckProgress: h.links.progress(c, f.FileID),
				Delete:        h.links.file(c, f.FileID),
			},
		}
		if f.FileSize > 0 {
			v.FileSizeFormatted = FormatFileSize(f.FileSize)
		}
		if f.ProcessingTimeMs > 0 {
			v.ProcessingTimeFormatted = FormatDuration(f.ProcessingTimeMs)
		}
		if f.ProcessingStarted != nil {
			v.ProcessingDurationFormatted = FormatDuration(f.ProcessingDurationMs)
		}
		files = append(files, v)
	}

	filters := listFilters{
		Status:    "all",
		SortBy:    string(q.SortBy),
		SortOrder: "desc",
	}
	if q.Status != "" {
		filters.Status = string(q.Status)
	}
	if filters.SortBy == "" {
		filters.SortBy = string(repository.SortByCreatedAt)
	}
	if q.Ascending {
		filters.SortOrder = "asc"
	}

	return c.JSON(http.StatusOK, listResponse{
		Success: true,
		Message: "Files retrieved successfully",
		Data: listData{
			Files:      files,
			Pagination: listing.Pagination,
			Summary: summaryView{
				Summary:            listing.Summary,
				TotalSizeFormatted: FormatFileSize(listing.Summary.TotalSizeBytes),
			},
			Filters: filters,
		},
	})
}

type readyContent struct {
	Success             bool         `json:"success"`
	FileID              string       `json:"file_id"`
	Filename            string       `json:"filename"`
	Status              string       `json:"status"`
	CreatedAt           time.Time    `json:"created_at"`
	Content             []models.Row `json:"content"`
	TotalRecords        int          `json:"total_records"`
	ProcessingCompleted *time.Time   `json:"processing_completed,omitempty"`
	ProcessingTimeMs    int64        `json:"processing_time_ms,omitempty"`
	FileSize            int64        `json:"file_size,omitempty"`
}

type failedContent struct {
	Success   bool       `json:"success"`
	Message   string     `json:"message"`
	FileID    string     `json:"file_id"`
	Filename  string     `json:"filename"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	Error     string     `json:"error,omitempty"`
	FailedAt  *time.Time `json:"failed_at,omitempty"`
}

type pendingContent struct {
	Success                    bool      `json:"success"`
	Message                    string    `json:"message"`
	FileID                     string    `json:"file_id"`
	Filename                   string    `json:"filename"`
	Status                     string    `json:"status"`
	CreatedAt                  time.Time `json:"created_at"`
	Progress                   int       `json:"progress"`
	Estimated                  bool      `json:"estimated,omitempty"`
	CheckStatus                string    `json:"check_status"`
	EstimatedCompletionSeconds *int      `json:"estimated_completion_seconds,omitempty"`
	Note                       string    `json:"note,omitempty"`
}

// HandleGetFileContent returns parsed rows for ready files (200), the
// failure for failed files (422) and progress for everything else (202).
// Ready content is msgpack-encoded when ?format=msgpack is given.
func (h *FileHandlerImpl) HandleGetFileContent(c echo.Context) error {
	id := c.Param("file_id")
	if strings.TrimSpace(id) == "" {
		return NewValidationError("file_id", "File ID is required")
	}

	rep, err := h.reader.Content(c.Request().Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		return NewNotFoundError("file", id)
	}
	if err != nil {
		return fromDomain(err, "Error retrieving file content")
	}

	switch rep.State {
	case status.ContentReady:
		body := readyContent{
			Success:             true,
			FileID:              rep.FileID,
			Filename:            rep.Filename,
			Status:              string(rep.Status),
			CreatedAt:           rep.CreatedAt,
			Content:             rep.Rows,
			TotalRecords:        rep.TotalRecords,
			ProcessingCompleted: rep.ProcessingCompleted,
			ProcessingTimeMs:    rep.ProcessingTimeMs,
			FileSize:            rep.FileSize,
		}
		if wantsMsgpack(c) {
			data, err := encodeMsgpack(body)
			if err != nil {
				return NewInternalError("failed to encode msgpack", err)
			}
			return c.Blob(http.StatusOK, MIMEApplicationMsgpack, data)
		}
		return c.JSON(http.StatusOK, body)

	case status.ContentFailed:
		return c.JSON(http.StatusUnprocessableEntity, failedContent{
			Message:   "File processing failed",
			FileID:    rep.FileID,
			Filename:  rep.Filename,
			Status:    string(rep.Status),
			CreatedAt: rep.CreatedAt,
			Error:     rep.Error,
			FailedAt:  rep.FailedAt,
		})
	}

	body := pendingContent{
		Message:     "File upload or processing in progress. Please try again later.",
		FileID:      rep.FileID,
		Filename:    rep.Filename,
		Status:      string(rep.Status),
		CreatedAt:   rep.CreatedAt,
		Progress:    rep.Progress,
		Estimated:   rep.Estimated,
		CheckStatus: h.links.progress(c, rep.FileID),
	}
	if rep.Timing != nil {
		secs := rep.Timing.EstimatedCompletionSeconds
		body.EstimatedCompletionSeconds = &secs
	}
	if !rep.Live {
		body.Note = "Use the check_status URL to monitor progress"
	}
	return c.JSON(http.StatusAccepted, body)
}

type deletedFile struct {
	FileID            string        `json:"file_id"`
	Filename          string        `json:"filename"`
	Status            models.Status `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	RecordsDeleted    int           `json:"records_deleted,omitempty"`
	FileSize          int64         `json:"file_size,omitempty"`
	FileSizeFormatted string        `json:"file_size_formatted,omitempty"`
	ProcessingTimeMs  int64         `json:"processing_time_ms,omitempty"`
}

type cleanupSummary struct {
	DatabaseRecordDeleted bool `json:"database_record_deleted"`
	ProgressDataDeleted   bool `json:"progress_data_deleted"`
	TemporaryFilesDeleted int  `json:"temporary_files_deleted"`
}

type deleteResponse struct {
	Success        bool           `json:"success"`
	Message        string         `json:"message"`
	DeletedFile    deletedFile    `json:"deleted_file"`
	CleanupSummary cleanupSummary `json:"cleanup_summary"`
	Warning        string         `json:"warning,omitempty"`
}

// HandleDeleteFile removes a file and stops its pipeline if it is running.
func (h *FileHandlerImpl) HandleDeleteFile(c echo.Context) error {
	id := c.Param("file_id")
	if strings.TrimSpace(id) == "" {
		return NewValidationError("file_id", "File ID is required")
	}

	res, err := h.ingest.Delete(c.Request().Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		return NewNotFoundError("file", id)
	}
	if err != nil {
		return fromDomain(err, "Error deleting file")
	}

	out := deleteResponse{
		Success: true,
		Message: "File deleted successfully",
		DeletedFile: deletedFile{
			FileID:         res.FileID,
			Filename:       res.Filename,
			Status:         res.Status,
			CreatedAt:      res.CreatedAt,
			RecordsDeleted: res.RowCount,
		},
		CleanupSummary: cleanupSummary{
			DatabaseRecordDeleted: true,
			ProgressDataDeleted:   res.ProgressDeleted,
			TemporaryFilesDeleted: res.TempFilesDeleted,
		},
	}
	if res.Progress != nil {
		if size, ok := res.Progress.Int64Value(models.ExtraFileSize); ok && size > 0 {
			out.DeletedFile.FileSize = size
			out.DeletedFile.FileSizeFormatted = FormatFileSize(size)
		}
		out.DeletedFile.ProcessingTimeMs, _ = res.Progress.Int64Value(models.ExtraTotalProcessingTime)
	}
	if res.WasProcessing {
		out.Warning = processingTerminatedWarning
	}

	h.logger.Info("file deleted via api", "file_id", id, "was_processing", res.WasProcessing)
	return c.JSON(http.StatusOK, out)
}

func wantsMsgpack(c echo.Context) bool {
	if strings.EqualFold(c.QueryParam("format"), "msgpack") {
		return true
	}
	accept := c.Request().Header.Get(echo.HeaderAccept)
	return strings.Contains(accept, MIMEApplicationMsgpack) || strings.Contains(accept, "application/x-msgpack")
}

// encodeMsgpack encodes v using its json tags as msgpack keys.
func encodeMsgpack(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func queryInt(c echo.Context, name string, def int) int {
	v, err := strconv.Atoi(c.QueryParam(name))
	if err != nil {
		return def
	}
	return v
}

// linkBuilder renders absolute links to file resources. Without a
// configured base URL the request's scheme and host are used.
type linkBuilder struct {
	base string
}

func (l linkBuilder) root(c echo.Context) string {
	if l.base != "" {
		return strings.TrimRight(l.base, "/")
	}
	return c.Scheme() + "://" + c.Request().Host
}

func (l linkBuilder) file(c echo.Context, id string) string {
	return l.root(c) + APIPrefix + "/files/" + id
}

func (l linkBuilder) progress(c echo.Context, id string) string {
	return l.file(c, id) + "/progress"
}
