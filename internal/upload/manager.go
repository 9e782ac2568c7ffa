// Package upload drives a staged file through the ingestion state machine.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sheetflow/backend/internal/models"
	"github.com/sheetflow/backend/internal/parser"
	"github.com/sheetflow/backend/internal/progress"
	"github.com/sheetflow/backend/internal/repository"
	"github.com/sheetflow/backend/internal/storage"
	"github.com/sheetflow/backend/internal/worker"
)

var (
	// ErrUnsupportedType is returned when the file extension has no decoder.
	ErrUnsupportedType = parser.ErrUnsupportedType
	// ErrPipelineUnavailable is returned when the worker pool refuses the job.
	ErrPipelineUnavailable = errors.New("processing pipeline unavailable")
	// ErrInvalidTransition guards the state machine edges.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInterrupted is recorded for pipelines the worker pool cancelled
	// during shutdown.
	ErrInterrupted = errors.New("processing interrupted by server shutdown")
)

// interruptedWriteTimeout bounds the final store write for an interrupted
// pipeline.
const interruptedWriteTimeout = 5 * time.Second

// Processing stage names recorded in failure detail.
const (
	StageRecordCreation = "record_creation"
	StageQueue          = "queue"
	StageProcessing     = "processing_start"
	StageParsing        = "parsing"
	StageSaving         = "saving"
)

// Stager is the raw file stage the manager writes uploads to.
type Stager interface {
	Store(name, contentType string, r io.Reader) (*storage.StagedFile, error)
	Exists(path string) bool
	Remove(path string) error
}

// Decoder turns a staged file into rows.
type Decoder interface {
	Decode(path, declaredType string) ([]models.Row, error)
	Supports(declaredType string) bool
}

// Submitter accepts background jobs.
type Submitter interface {
	Submit(job worker.Job) error
}

// Receipt is returned to the caller as soon as the record exists.
type Receipt struct {
	FileID    string        `json:"file_id"`
	Filename  string        `json:"filename"`
	Status    models.Status `json:"status"`
	Size      int64         `json:"size"`
	Extension string        `json:"extension"`
}

// DeleteResult summarises what Delete removed.
type DeleteResult struct {
	FileID           string                `json:"file_id"`
	Filename         string                `json:"filename"`
	Status           models.Status         `json:"status"`
	CreatedAt        time.Time             `json:"created_at"`
	RowCount         int                   `json:"total_records"`
	Progress         *models.ProgressEntry `json:"progress,omitempty"`
	ProgressDeleted  bool                  `json:"progress_deleted"`
	TempFilesDeleted int                   `json:"temp_files_deleted"`
	WasProcessing    bool                  `json:"was_processing"`
}

type inflight struct {
	cancel context.CancelCauseFunc
	path   string
}

// Manager owns the upload -> processing -> ready/failed pipeline.
type Manager struct {
	repo     repository.Repository
	progress *progress.Store
	stage    Stager
	decoder  Decoder
	pool     Submitter
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string

	throttleMin        time.Duration
	throttleMax        time.Duration
	throttleBytesPerMs int64

	// mu guards inflight and orders progress writes against Delete.
	mu       sync.RWMutex
	inflight map[string]*inflight
}

// Option configures a Manager.
type Option func(*Manager)

// WithThrottle sets the pause before decoding: size/bytesPerMs milliseconds
// clamped to [lo, hi]. hi <= 0 disables it.
func WithThrottle(lo, hi time.Duration, bytesPerMs int64) Option {
	return func(m *Manager) {
		m.throttleMin = lo
		m.throttleMax = hi
		if bytesPerMs > 0 {
			m.throttleBytesPerMs = bytesPerMs
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides the uuid generator.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager wires the pipeline to its collaborators.
func NewManager(repo repository.Repository, store *progress.Store, stage Stager, decoder Decoder, pool Submitter, opts ...Option) *Manager {
	m := &Manager{
		repo:               repo,
		progress:           store,
		stage:              stage,
		decoder:            decoder,
		pool:               pool,
		logger:             slog.Default(),
		now:                time.Now,
		newID:              func() string { return uuid.New().String() },
		throttleMin:        500 * time.Millisecond,
		throttleMax:        2 * time.Second,
		throttleBytesPerMs: 1000,
		inflight:           make(map[string]*inflight),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "ingest")
	return m
}

// InFlight returns the number of pipelines queued or running.
func (m *Manager) InFlight() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.inflight)
}

// Submit validates and stages r, creates the record and queues processing.
// It returns once the record is in uploading state; the rest happens on
// the worker pool and is only observable through the stores.
func (m *Manager) Submit(ctx context.Context, name, contentType string, r io.Reader) (*Receipt, error) {
	ext := parser.NormalizeType(filepath.Ext(name))
	if !m.decoder.Supports(ext) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, name)
	}

	staged, err := m.stage.Store(name, contentType, r)
	if err != nil {
		return nil, err
	}

	id := m.newID()
	started := m.now().UTC()
	detail := map[string]any{
		models.ExtraFilename:      staged.OriginalName,
		models.ExtraFileSize:      staged.Size,
		models.ExtraFileExtension: ext,
		models.ExtraUploadStarted: started,
	}
	log := m.logger.With("file_id", id, "filename", staged.OriginalName)

	m.progress.Update(id, models.StatusUploading, 10, detail)

	rec := models.NewFileRecord(id, staged.OriginalName, started)
	if err := m.repo.Create(ctx, rec); err != nil {
		m.progress.Update(id, models.StatusFailed, 0, failure(detail, StageRecordCreation, err, m.now()))
		m.removeRaw(staged.Path, log)
		log.Error("record creation failed", "error", err)
		return nil, fmt.Errorf("creating file record: %w", err)
	}

	detail[models.ExtraDBRecordCreated] = m.now().UTC()
	m.progress.Update(id, models.StatusUploading, 25, detail)

	jobCtx, cancel := context.WithCancelCause(context.Background())
	m.mu.Lock()
	m.inflight[id] = &inflight{cancel: cancel, path: staged.Path}
	m.mu.Unlock()

	job := worker.Job{
		ID: id,
		Run: func(poolCtx context.Context) {
			interrupt := func() { cancel(ErrInterrupted) }
			if poolCtx.Err() != nil {
				interrupt()
			}
			stop := context.AfterFunc(poolCtx, interrupt)
			defer stop()
			m.process(jobCtx, id, staged, ext, maps.Clone(detail))
		},
	}
	if err := m.pool.Submit(job); err != nil {
		m.forget(id)
		cause := fmt.Errorf("%w: %w", ErrPipelineUnavailable, err)
		m.progress.Update(id, models.StatusFailed, 0, failure(detail, StageQueue, cause, m.now()))
		if uerr := m.repo.UpdateByID(ctx, id, repository.RecordUpdate{Status: models.StatusFailed}); uerr != nil {
			log.Error("marking record failed", "error", uerr)
		}
		m.removeRaw(staged.Path, log)
		log.Warn("job rejected by worker pool", "error", err)
		return nil, cause
	}

	log.Info("upload accepted", "size", staged.Size)
	return &Receipt{
		FileID:    id,
		Filename:  staged.OriginalName,
		Status:    models.StatusUploading,
		Size:      staged.Size,
		Extension: ext,
	}, nil
}

// process runs the asynchronous stages for one file. ctx is cancelled when
// the file is deleted or, with cause ErrInterrupted, when the pool gives up
// during shutdown.
func (m *Manager) process(ctx context.Context, id string, staged *storage.StagedFile, ext string, detail map[string]any) {
	log := m.logger.With("file_id", id)
	current := models.StatusUploading
	stageName := StageProcessing
	started := m.now()

	defer m.forget(id)
	defer m.removeRaw(staged.Path, log)
	defer func() {
		if r := recover(); r != nil {
			m.fail(ctx, id, current, stageName, fmt.Errorf("panic: %v", r), detail, log)
		}
	}()
	defer func() {
		if errors.Is(context.Cause(ctx), ErrInterrupted) {
			m.interrupted(id, current, stageName, detail, log)
		}
	}()

	advance := func(next models.Status) error {
		if !current.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
		}
		if err := m.repo.UpdateByID(ctx, id, repository.RecordUpdate{Status: next}); err != nil {
			return fmt.Errorf("updating record status: %w", err)
		}
		current = next
		return nil
	}

	if ctx.Err() != nil {
		return
	}

	detail[models.ExtraProcessingStarted] = started.UTC()
	if !m.publish(ctx, id, models.StatusProcessing, 40, detail) {
		return
	}
	if err := advance(models.StatusProcessing); err != nil {
		m.fail(ctx, id, current, stageName, err, detail, log)
		return
	}

	if !m.throttle(ctx, staged.Size) {
		return
	}

	stageName = StageParsing
	detail[models.ExtraParsingInitialized] = m.now().UTC()
	if !m.publish(ctx, id, models.StatusProcessing, 60, detail) {
		return
	}

	parseStart := m.now()
	rows, err := m.decoder.Decode(staged.Path, ext)
	if err != nil {
		m.fail(ctx, id, current, stageName, err, detail, log)
		return
	}
	parseTime := m.now().Sub(parseStart)

	detail[models.ExtraParsingCompleted] = m.now().UTC()
	detail[models.ExtraParseTime] = parseTime.Milliseconds()
	detail[models.ExtraRecordCount] = len(rows)
	if !m.publish(ctx, id, models.StatusProcessing, 85, detail) {
		return
	}

	stageName = StageSaving
	if !current.CanTransitionTo(models.StatusReady) {
		m.fail(ctx, id, current, stageName, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, models.StatusReady), detail, log)
		return
	}
	if err := m.repo.UpdateByID(ctx, id, repository.RecordUpdate{Status: models.StatusReady, Rows: rows, SetRows: true}); err != nil {
		m.fail(ctx, id, current, stageName, fmt.Errorf("saving rows: %w", err), detail, log)
		return
	}
	current = models.StatusReady

	total := m.now().Sub(started)
	detail[models.ExtraProcessingCompleted] = m.now().UTC()
	detail[models.ExtraTotalProcessingTime] = total.Milliseconds()
	detail[models.ExtraFinalRecordCount] = len(rows)
	detail[models.ExtraDBSaved] = true
	m.publish(ctx, id, models.StatusReady, 100, detail)

	log.Info("file processed", "rows", len(rows), "parse_ms", parseTime.Milliseconds(), "total_ms", total.Milliseconds())
}

// fail records a terminal failure unless the file was deleted meanwhile.
func (m *Manager) fail(ctx context.Context, id string, current models.Status, stageName string, cause error, detail map[string]any, log *slog.Logger) {
	if ctx.Err() != nil {
		log.Info("pipeline stopped", "stage", stageName, "reason", ctx.Err())
		return
	}
	log.Error("processing failed", "stage", stageName, "error", cause)

	m.publish(ctx, id, models.StatusFailed, 0, failure(detail, stageName, cause, m.now()))
	if !current.CanTransitionTo(models.StatusFailed) {
		return
	}
	if err := m.repo.UpdateByID(ctx, id, repository.RecordUpdate{Status: models.StatusFailed}); err != nil {
		log.Error("marking record failed", "error", err)
	}
}

// interrupted marks a pipeline stopped by pool shutdown as failed, so the
// record does not stay in a non-terminal status across a restart. Deleted
// files and pipelines that already reached a terminal status are left alone.
func (m *Manager) interrupted(id string, current models.Status, stageName string, detail map[string]any, log *slog.Logger) {
	if !current.CanTransitionTo(models.StatusFailed) {
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.inflight[id]; !ok {
		return
	}
	if entry, ok := m.progress.Get(id); ok && entry.Status.Terminal() {
		return
	}

	log.Warn("pipeline interrupted", "stage", stageName)
	m.progress.Update(id, models.StatusFailed, 0, failure(detail, stageName, ErrInterrupted, m.now()))

	ctx, cancel := context.WithTimeout(context.Background(), interruptedWriteTimeout)
	defer cancel()
	if err := m.repo.UpdateByID(ctx, id, repository.RecordUpdate{Status: models.StatusFailed}); err != nil {
		log.Error("marking interrupted record failed", "error", err)
	}
}

// publish writes a progress entry unless ctx is done. Holding the read lock
// means a concurrent Delete either happens entirely before or after.
func (m *Manager) publish(ctx context.Context, id string, status models.Status, pct int, detail map[string]any) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ctx.Err() != nil {
		return false
	}
	if !m.progress.Update(id, status, pct, detail) {
		m.logger.Warn("progress update rejected", "file_id", id, "status", status, "progress", pct)
	}
	return true
}

func (m *Manager) throttle(ctx context.Context, size int64) bool {
	if m.throttleMax <= 0 {
		return ctx.Err() == nil
	}
	delay := time.Duration(size/m.throttleBytesPerMs) * time.Millisecond
	delay = min(max(delay, m.throttleMin), m.throttleMax)

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Delete removes a file's record, progress entry and any staged raw file,
// and stops its pipeline if one is still running.
func (m *Manager) Delete(ctx context.Context, id string) (*DeleteResult, error) {
	rec, err := m.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	res := &DeleteResult{
		FileID:        rec.ID,
		Filename:      rec.DisplayName,
		Status:        rec.Status,
		CreatedAt:     rec.CreatedAt,
		RowCount:      rec.RowCount,
		WasProcessing: !rec.Status.Terminal(),
	}
	if entry, ok := m.progress.Get(id); ok {
		res.Progress = &entry
		if !entry.Status.Terminal() {
			res.WasProcessing = true
		}
	}

	var rawPath string
	m.mu.Lock()
	if f, ok := m.inflight[id]; ok {
		f.cancel(nil)
		rawPath = f.path
		delete(m.inflight, id)
	}
	m.mu.Unlock()

	if err := m.repo.DeleteByID(ctx, id); err != nil {
		return nil, err
	}
	res.ProgressDeleted = m.progress.Delete(id)

	if rawPath != "" && m.stage.Exists(rawPath) {
		if err := m.stage.Remove(rawPath); err != nil {
			m.logger.Warn("removing staged file", "file_id", id, "error", err)
		} else {
			res.TempFilesDeleted = 1
		}
	}

	m.logger.Info("file deleted", "file_id", id, "was_processing", res.WasProcessing)
	return res, nil
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.inflight[id]; ok {
		f.cancel(nil)
		delete(m.inflight, id)
	}
}

func (m *Manager) removeRaw(path string, log *slog.Logger) {
	if err := m.stage.Remove(path); err != nil {
		log.Warn("removing staged file", "path", path, "error", err)
	}
}

func failure(detail map[string]any, stageName string, cause error, at time.Time) map[string]any {
	out := maps.Clone(detail)
	out[models.ExtraError] = cause.Error()
	out[models.ExtraFailedAt] = at.UTC()
	out[models.ExtraProcessingStage] = stageName
	return out
}
