// handlers_files_test.go - Tests for file handlers
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sheetflow/backend/internal/models"
	"github.com/sheetflow/backend/internal/parser"
	"github.com/sheetflow/backend/internal/progress"
	"github.com/sheetflow/backend/internal/repository"
	"github.com/sheetflow/backend/internal/status"
	"github.com/sheetflow/backend/internal/storage"
	"github.com/sheetflow/backend/internal/testutil"
	"github.com/sheetflow/backend/internal/upload"
	"github.com/sheetflow/backend/internal/worker"
)

const salesCSV = "region,amount\nnorth,10\nsouth,20\neast,30\n"

type apiEnv struct {
	e        *echo.Echo
	repo     *testutil.MockRepository
	progress *progress.Store
	mgr      *upload.Manager
}

type envOptions struct {
	decoder upload.Decoder
	pool    upload.Submitter
	maxSize int64
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAPIEnv(t *testing.T, opts envOptions) *apiEnv {
	t.Helper()
	if opts.decoder == nil {
		opts.decoder = parser.NewRegistry()
	}
	if opts.pool == nil {
		opts.pool = testutil.InlineSubmitter{}
	}

	stage, err := storage.NewStage(t.TempDir(), opts.maxSize)
	require.NoError(t, err)

	env := &apiEnv{
		repo:     testutil.NewMockRepository(),
		progress: progress.NewStore(progress.WithLogger(quietLogger())),
	}
	env.mgr = upload.NewManager(env.repo, env.progress, stage, opts.decoder, opts.pool,
		upload.WithThrottle(0, 0, 0),
		upload.WithLogger(quietLogger()),
	)
	reconciler := status.NewReconciler(env.repo, env.progress)

	env.e = echo.New()
	env.e.HTTPErrorHandler = NewErrorHandler(quietLogger(), true)
	RegisterRoutes(env.e, NewHandlers(&Dependencies{
		Ingestor:     env.mgr,
		Reader:       reconciler,
		Stats:        env.progress,
		Pipeline:     env.mgr,
		PushInterval: 10 * time.Millisecond,
		Version:      "test",
		Logger:       quietLogger(),
	}))
	return env
}

func (env *apiEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func (env *apiEnv) get(path string) *httptest.ResponseRecorder {
	return env.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func (env *apiEnv) upload(t *testing.T, name, content string) *httptest.ResponseRecorder {
	t.Helper()
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", body)
	req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())
	return env.do(req)
}

func (env *apiEnv) uploadID(t *testing.T, name, content string) string {
	t.Helper()
	rec := env.upload(t, name, content)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.FileID
}

func (env *apiEnv) seed(t *testing.T, id, name string, st models.Status) {
	t.Helper()
	rec := models.NewFileRecord(id, name, time.Now().UTC())
	rec.Status = st
	require.NoError(t, env.repo.Create(context.Background(), rec))
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr), rec.Body.String())
	return apiErr
}

func TestFileHandler_Upload(t *testing.T) {
	env := newAPIEnv(t, envOptions{})

	rec := env.upload(t, "sales.csv", salesCSV)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.FileID)
	assert.Equal(t, "sales.csv", resp.Filename)
	assert.Equal(t, models.StatusUploading, resp.Status)
	assert.Equal(t, int64(len(salesCSV)), resp.FileSize)
	assert.Equal(t, "http://example.com/api/v1/files/"+resp.FileID+"/progress", resp.CheckStatus)
}

func TestFileHandler_UploadErrors(t *testing.T) {
	tests := []struct {
		name       string
		opts       envOptions
		filename   string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "unsupported type",
			filename:   "report.pdf",
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeUnsupportedFileType,
		},
		{
			name:       "too large",
			opts:       envOptions{maxSize: 8},
			filename:   "sales.csv",
			wantStatus: http.StatusRequestEntityTooLarge,
			wantCode:   CodeFileTooLarge,
		},
		{
			name:       "queue full",
			opts:       envOptions{pool: testutil.RejectingSubmitter{Err: worker.ErrQueueFull}},
			filename:   "sales.csv",
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   CodeServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newAPIEnv(t, tt.opts)

			rec := env.upload(t, tt.filename, salesCSV)

			assert.Equal(t, tt.wantStatus, rec.Code)
			apiErr := decodeAPIError(t, rec)
			assert.Equal(t, tt.wantCode, apiErr.Code)
			assert.False(t, apiErr.Success)
		})
	}
}

func TestFileHandler_UploadUnsupportedCreatesNothing(t *testing.T) {
	env := newAPIEnv(t, envOptions{})

	rec := env.upload(t, "report.pdf", "%PDF-1.4")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	n, err := env.repo.Count(context.Background(), repository.Filter{})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 0, env.progress.Stats().TotalEntries)
}

func TestFileHandler_UploadMissingFile(t *testing.T) {
	env := newAPIEnv(t, envOptions{})

	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)
	require.NoError(t, writer.WriteField("name", "sales.csv"))
	require.NoError(t, writer.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", body)
	req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())

	rec := env.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeValidation, decodeAPIError(t, rec).Code)
}

func TestFileHandler_ContentReady(t *testing.T) {
	env := newAPIEnv(t, envOptions{})
	id := env.uploadID(t, "sales.csv", salesCSV)

	rec := env.get("/api/v1/files/" + id)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body readyContent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, 3, body.TotalRecords)
	require.Len(t, body.Content, 3)
	assert.Equal(t, "north", body.Content[0]["region"])
	assert.Equal(t, int64(len(salesCSV)), body.FileSize)
	assert.NotNil(t, body.ProcessingCompleted)
}

func TestFileHandler_ContentMsgpack(t *testing.T) {
	env := newAPIEnv(t, envOptions{})
	id := env.uploadID(t, "sales.csv", salesCSV)

	rec := env.get("/api/v1/files/" + id + "?format=msgpack")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, MIMEApplicationMsgpack, rec.Header().Get(echo.HeaderContentType))

	var body struct {
		FileID       string           `msgpack:"file_id"`
		Status       string           `msgpack:"status"`
		TotalRecords int              `msgpack:"total_records"`
		Content      []map[string]any `msgpack:"content"`
	}
	require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, id, body.FileID)
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, 3, body.TotalRecords)
	require.Len(t, body.Content, 3)
	assert.Equal(t, "30", body.Content[2]["amount"])
}

func TestFileHandler_ContentFailed(t *testing.T) {
	decoder := testutil.NewMockDecoder()
	decoder.Err = errors.New("sheet is corrupt")
	env := newAPIEnv(t, envOptions{decoder: decoder})
	id := env.uploadID(t, "sales.csv", salesCSV)

	rec := env.get("/api/v1/files/" + id)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	var body failedContent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, "failed", body.Status)
	assert.Contains(t, body.Error, "sheet is corrupt")
	assert.NotNil(t, body.FailedAt)
}

func TestFileHandler_ContentPending(t *testing.T) {
	t.Run("estimated from record", func(t *testing.T) {
		env := newAPIEnv(t, envOptions{})
		env.seed(t, "f-proc", "slow.csv", models.StatusProcessing)

		rec := env.get("/api/v1/files/f-proc")
		require.Equal(t, http.StatusAccepted, rec.Code)

		var body pendingContent
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, 50, body.Progress)
		assert.True(t, body.Estimated)
		assert.NotEmpty(t, body.Note)
		assert.Nil(t, body.EstimatedCompletionSeconds)
		assert.Equal(t, "http://example.com/api/v1/files/f-proc/progress", body.CheckStatus)
	})

	t.Run("live progress", func(t *testing.T) {
		env := newAPIEnv(t, envOptions{})
		env.seed(t, "f-live", "slow.csv", models.StatusProcessing)
		require.True(t, env.progress.Update("f-live", models.StatusProcessing, 60, map[string]any{
			models.ExtraProcessingStarted: time.Now().UTC(),
		}))

		rec := env.get("/api/v1/files/f-live")
		require.Equal(t, http.StatusAccepted, rec.Code)

		var body pendingContent
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, 60, body.Progress)
		assert.False(t, body.Estimated)
		assert.Empty(t, body.Note)
		require.NotNil(t, body.EstimatedCompletionSeconds)
		assert.LessOrEqual(t, *body.EstimatedCompletionSeconds, 5)
		assert.GreaterOrEqual(t, *body.EstimatedCompletionSeconds, 4)
	})
}

func TestFileHandler_ContentNotFound(t *testing.T) {
	env := newAPIEnv(t, envOptions{})

	rec := env.get("/api/v1/files/missing")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decodeAPIError(t, rec).Code)
}

type listBody struct {
	Success bool `json:"success"`
	Data    struct {
		Files []struct {
			FileID            string `json:"file_id"`
			Filename          string `json:"filename"`
			Status            string `json:"status"`
			Progress          int    `json:"progress"`
			Estimated         bool   `json:"estimated"`
			TotalRecords      int    `json:"total_records"`
			FileSizeFormatted string `json:"file_size_formatted"`
			Actions           struct {
				GetContent    string `json:"get_content"`
				CheckProgress string `json:"check_progress"`
			} `json:"actions"`
		} `json:"files"`
		Pagination struct {
			CurrentPage int  `json:"current_page"`
			TotalPages  int  `json:"total_pages"`
			TotalFiles  int  `json:"total_files"`
			HasNextPage bool `json:"has_next_page"`
			NextPage    *int `json:"next_page"`
			PrevPage    *int `json:"prev_page"`
		} `json:"pagination"`
		Summary struct {
			TotalFiles         int            `json:"total_files"`
			StatusDistribution map[string]int `json:"status_distribution"`
			TotalRecords       int            `json:"total_records"`
			TotalSizeFormatted string         `json:"total_size_formatted"`
		} `json:"summary"`
		Filters struct {
			Status    string `json:"status"`
			SortBy    string `json:"sort_by"`
			SortOrder string `json:"sort_order"`
		} `json:"filters"`
	} `json:"data"`
}

func TestFileHandler_List(t *testing.T) {
	env := newAPIEnv(t, envOptions{})
	for _, name := range []string{"c.csv", "a.csv", "b.csv"} {
		env.uploadID(t, name, salesCSV)
	}

	rec := env.get("/api/v1/files?limit=2&sort=filename&order=asc")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body listBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)

	files := body.Data.Files
	require.Len(t, files, 2)
	assert.Equal(t, "a.csv", files[0].Filename)
	assert.Equal(t, "b.csv", files[1].Filename)
	for _, f := range files {
		assert.Equal(t, "ready", f.Status)
		assert.Equal(t, 100, f.Progress)
		assert.Equal(t, 3, f.TotalRecords)
		assert.NotEmpty(t, f.FileSizeFormatted)
		assert.Equal(t, "http://example.com/api/v1/files/"+f.FileID, f.Actions.GetContent)
	}

	p := body.Data.Pagination
	assert.Equal(t, 1, p.CurrentPage)
	assert.Equal(t, 2, p.TotalPages)
	assert.Equal(t, 3, p.TotalFiles)
	assert.True(t, p.HasNextPage)
	require.NotNil(t, p.NextPage)
	assert.Equal(t, 2, *p.NextPage)
	assert.Nil(t, p.PrevPage)

	assert.Equal(t, 3, body.Data.Summary.TotalFiles)
	assert.Equal(t, 2, body.Data.Summary.StatusDistribution["ready"])
	assert.Equal(t, 6, body.Data.Summary.TotalRecords)

	assert.Equal(t, "all", body.Data.Filters.Status)
	assert.Equal(t, "filename", body.Data.Filters.SortBy)
	assert.Equal(t, "asc", body.Data.Filters.SortOrder)
}

func TestFileHandler_ListFilters(t *testing.T) {
	env := newAPIEnv(t, envOptions{})
	env.uploadID(t, "done.csv", salesCSV)
	env.seed(t, "f-proc", "slow.csv", models.StatusProcessing)

	t.Run("status filter", func(t *testing.T) {
		rec := env.get("/api/v1/files?status=processing")
		require.Equal(t, http.StatusOK, rec.Code)

		var body listBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.Data.Files, 1)
		assert.Equal(t, "f-proc", body.Data.Files[0].FileID)
		assert.Equal(t, 50, body.Data.Files[0].Progress)
		assert.True(t, body.Data.Files[0].Estimated)
		assert.Equal(t, "processing", body.Data.Filters.Status)
	})

	t.Run("unknown status matches all", func(t *testing.T) {
		rec := env.get("/api/v1/files?status=archived&page=abc&limit=-3")
		require.Equal(t, http.StatusOK, rec.Code)

		var body listBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Len(t, body.Data.Files, 2)
		assert.Equal(t, "all", body.Data.Filters.Status)
		assert.Equal(t, "desc", body.Data.Filters.SortOrder)
		assert.Equal(t, 1, body.Data.Pagination.CurrentPage)
	})
}

type deleteBody struct {
	Success     bool `json:"success"`
	DeletedFile struct {
		FileID            string `json:"file_id"`
		Status            string `json:"status"`
		RecordsDeleted    int    `json:"records_deleted"`
		FileSizeFormatted string `json:"file_size_formatted"`
	} `json:"deleted_file"`
	CleanupSummary struct {
		DatabaseRecordDeleted bool `json:"database_record_deleted"`
		ProgressDataDeleted   bool `json:"progress_data_deleted"`
		TemporaryFilesDeleted int  `json:"temporary_files_deleted"`
	} `json:"cleanup_summary"`
	Warning string `json:"warning"`
}

func TestFileHandler_Delete(t *testing.T) {
	env := newAPIEnv(t, envOptions{})
	id := env.uploadID(t, "sales.csv", salesCSV)

	rec := env.do(httptest.NewRequest(http.MethodDelete, "/api/v1/files/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body deleteBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, id, body.DeletedFile.FileID)
	assert.Equal(t, "ready", body.DeletedFile.Status)
	assert.Equal(t, 3, body.DeletedFile.RecordsDeleted)
	assert.NotEmpty(t, body.DeletedFile.FileSizeFormatted)
	assert.True(t, body.CleanupSummary.DatabaseRecordDeleted)
	assert.True(t, body.CleanupSummary.ProgressDataDeleted)
	assert.Empty(t, body.Warning)

	assert.Equal(t, http.StatusNotFound, env.get("/api/v1/files/"+id).Code)
	assert.Equal(t, http.StatusNotFound, env.get("/api/v1/files/"+id+"/progress").Code)
}

func TestFileHandler_DeleteProcessingWarns(t *testing.T) {
	env := newAPIEnv(t, envOptions{})
	env.seed(t, "f-proc", "slow.csv", models.StatusProcessing)
	require.True(t, env.progress.Update("f-proc", models.StatusProcessing, 40, nil))

	rec := env.do(httptest.NewRequest(http.MethodDelete, "/api/v1/files/f-proc", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body deleteBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, processingTerminatedWarning, body.Warning)
	assert.True(t, body.CleanupSummary.ProgressDataDeleted)
}

func TestFileHandler_DeleteNotFound(t *testing.T) {
	env := newAPIEnv(t, envOptions{})

	rec := env.do(httptest.NewRequest(http.MethodDelete, "/api/v1/files/missing", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decodeAPIError(t, rec).Code)
}

func TestLinkBuilder_ConfiguredBase(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	l := linkBuilder{base: "https://files.example.org/"}

	assert.Equal(t, "https://files.example.org/api/v1/files/abc", l.file(c, "abc"))
	assert.Equal(t, "https://files.example.org/api/v1/files/abc/progress", l.progress(c, "abc"))
}
