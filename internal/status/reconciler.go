// Package status merges live progress with durable records for read paths.
package status

import (
	"context"
	"time"

	"github.com/sheetflow/backend/internal/models"
	"github.com/sheetflow/backend/internal/progress"
	"github.com/sheetflow/backend/internal/repository"
)

// DefaultNominalDuration is the assumed total processing time used for
// remaining-time estimates.
const DefaultNominalDuration = 5 * time.Second

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// EstimatedNote accompanies progress derived from the record status alone.
const EstimatedNote = "Progress estimated from database status"

// Timing is the remaining-time estimate for a processing file.
type Timing struct {
	ElapsedMs                  int64 `json:"elapsed_ms"`
	RemainingMs                int64 `json:"remaining_ms"`
	EstimatedCompletionSeconds int   `json:"estimated_completion_seconds"`
}

// Report is the reconciled status of one file.
type Report struct {
	FileID              string        `json:"file_id"`
	Status              models.Status `json:"status"`
	Progress            int           `json:"progress"`
	Filename            string        `json:"filename,omitempty"`
	FileSize            int64         `json:"file_size,omitempty"`
	RecordCount         int64         `json:"record_count,omitempty"`
	ProcessingStarted   *time.Time    `json:"processing_started,omitempty"`
	ProcessingCompleted *time.Time    `json:"processing_completed,omitempty"`
	ProcessingTimeMs    int64         `json:"processing_time_ms,omitempty"`
	Error               string        `json:"error,omitempty"`
	FailedAt            *time.Time    `json:"failed_at,omitempty"`
	Estimated           bool          `json:"estimated,omitempty"`
	Note                string        `json:"note,omitempty"`
	*Timing             `json:",omitempty"`
}

// ContentState classifies a content request.
type ContentState int

const (
	ContentPending ContentState = iota
	ContentReady
	ContentFailed
)

// ContentReport is what a content request resolves to.
type ContentReport struct {
	State     ContentState
	FileID    string
	Filename  string
	Status    models.Status
	CreatedAt time.Time

	// ready
	Rows                []models.Row
	TotalRecords        int
	ProcessingCompleted *time.Time
	ProcessingTimeMs    int64
	FileSize            int64

	// failed
	Error    string
	FailedAt *time.Time

	// pending
	Progress  int
	Estimated bool
	Live      bool
	Timing    *Timing
}

// Query selects a page of files.
type Query struct {
	Status    models.Status // empty for all
	Page      int           // 1-based
	Limit     int
	SortBy    repository.SortField
	Ascending bool
}

// FileSummary is one enriched entry of a Listing.
type FileSummary struct {
	FileID               string        `json:"file_id"`
	Filename             string        `json:"filename"`
	Status               models.Status `json:"status"`
	CreatedAt            time.Time     `json:"created_at"`
	TotalRecords         int           `json:"total_records,omitempty"`
	Progress             int           `json:"progress"`
	Estimated            bool          `json:"estimated,omitempty"`
	FileSize             int64         `json:"file_size,omitempty"`
	ProcessingTimeMs     int64         `json:"processing_time_ms,omitempty"`
	Error                string        `json:"error,omitempty"`
	FailedAt             *time.Time    `json:"failed_at,omitempty"`
	ProcessingStarted    *time.Time    `json:"processing_started,omitempty"`
	ProcessingDurationMs int64         `json:"processing_duration_ms,omitempty"`
}

// Pagination describes where a Listing sits in the full result.
type Pagination struct {
	CurrentPage  int  `json:"current_page"`
	TotalPages   int  `json:"total_pages"`
	TotalFiles   int  `json:"total_files"`
	FilesPerPage int  `json:"files_per_page"`
	HasNextPage  bool `json:"has_next_page"`
	HasPrevPage  bool `json:"has_prev_page"`
	NextPage     *int `json:"next_page"`
	PrevPage     *int `json:"prev_page"`
}

// Summary aggregates the files of one page.
type Summary struct {
	TotalFiles         int                   `json:"total_files"`
	StatusDistribution map[models.Status]int `json:"status_distribution"`
	TotalSizeBytes     int64                 `json:"total_size_bytes"`
	TotalRecords       int                   `json:"total_records"`
}

// Listing is a reconciled page of files.
type Listing struct {
	Files      []FileSummary `json:"files"`
	Pagination Pagination    `json:"pagination"`
	Summary    Summary       `json:"summary"`
}

// Reconciler answers status, content and list queries. It is the only place
// that decides between live progress and record-derived estimates.
type Reconciler struct {
	repo     repository.Repository
	progress *progress.Store
	nominal  time.Duration
	now      func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithNominalDuration overrides DefaultNominalDuration.
func WithNominalDuration(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.nominal = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler creates a reconciler over the durable record store and the
// live progress store.
func NewReconciler(repo repository.Repository, store *progress.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		repo:     repo,
		progress: store,
		nominal:  DefaultNominalDuration,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Status returns the reconciled report for id, or repository.ErrNotFound.
func (r *Reconciler) Status(ctx context.Context, id string) (*Report, error) {
	rec, err := r.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if entry, ok := r.progress.Get(id); ok {
		rep := &Report{
			FileID:   id,
			Status:   entry.Status,
			Progress: entry.Progress,
			Filename: rec.DisplayName,
		}
		if name, ok := entry.StringValue(models.ExtraFilename); ok {
			rep.Filename = name
		}
		rep.FileSize, _ = entry.Int64Value(models.ExtraFileSize)
		if n, ok := entry.Int64Value(models.ExtraFinalRecordCount); ok {
			rep.RecordCount = n
		} else {
			rep.RecordCount, _ = entry.Int64Value(models.ExtraRecordCount)
		}
		rep.ProcessingStarted = timePtr(entry, models.ExtraProcessingStarted)
		rep.ProcessingCompleted = timePtr(entry, models.ExtraProcessingCompleted)
		rep.ProcessingTimeMs, _ = entry.Int64Value(models.ExtraTotalProcessingTime)
		if entry.Status == models.StatusFailed {
			rep.Error, _ = entry.StringValue(models.ExtraError)
			rep.FailedAt = timePtr(entry, models.ExtraFailedAt)
		}
		rep.Timing = r.timing(entry.Status, rep.ProcessingStarted)
		return rep, nil
	}

	rep := &Report{
		FileID:    id,
		Status:    rec.Status,
		Progress:  rec.Status.EstimatedProgress(),
		Filename:  rec.DisplayName,
		Estimated: true,
		Note:      EstimatedNote,
	}
	if rec.Status == models.StatusReady {
		rep.RecordCount = int64(rec.RowCount)
	}
	return rep, nil
}

// Content classifies id as ready, failed or pending and gathers what each
// case reports. repository.ErrNotFound is returned for unknown ids.
func (r *Reconciler) Content(ctx context.Context, id string) (*ContentReport, error) {
	rec, err := r.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	entry, live := r.progress.Get(id)

	rep := &ContentReport{
		FileID:    rec.ID,
		Filename:  rec.DisplayName,
		Status:    rec.Status,
		CreatedAt: rec.CreatedAt,
		Live:      live,
	}

	switch rec.Status {
	case models.StatusReady:
		rep.State = ContentReady
		rep.Rows = rec.ParsedRows
		if rep.Rows == nil {
			rep.Rows = []models.Row{}
		}
		rep.TotalRecords = len(rep.Rows)
		if live {
			rep.ProcessingCompleted = timePtr(entry, models.ExtraProcessingCompleted)
			rep.ProcessingTimeMs, _ = entry.Int64Value(models.ExtraTotalProcessingTime)
			rep.FileSize, _ = entry.Int64Value(models.ExtraFileSize)
		}

	case models.StatusFailed:
		rep.State = ContentFailed
		if live {
			rep.Error, _ = entry.StringValue(models.ExtraError)
			rep.FailedAt = timePtr(entry, models.ExtraFailedAt)
		}

	default:
		rep.State = ContentPending
		if live {
			rep.Progress = entry.Progress
			if rec.Status == models.StatusProcessing {
				rep.Timing = r.timing(models.StatusProcessing, timePtr(entry, models.ExtraProcessingStarted))
			}
		} else {
			rep.Progress = rec.Status.EstimatedProgress()
			rep.Estimated = true
		}
	}
	return rep, nil
}

// List returns one page of files, each enriched from a single snapshot of
// the live progress entries.
func (r *Reconciler) List(ctx context.Context, q Query) (*Listing, error) {
	q = normalize(q)
	filter := repository.Filter{Status: q.Status}

	total, err := r.repo.Count(ctx, filter)
	if err != nil {
		return nil, err
	}
	recs, err := r.repo.FindFiltered(ctx, filter, repository.Page{
		SortBy:    q.SortBy,
		Ascending: q.Ascending,
		Skip:      (q.Page - 1) * q.Limit,
		Limit:     q.Limit,
	})
	if err != nil {
		return nil, err
	}

	live := make(map[string]models.ProgressEntry)
	for _, e := range r.progress.List(false) {
		live[e.FileID] = e
	}

	now := r.now()
	out := &Listing{
		Files: make([]FileSummary, 0, len(recs)),
		Summary: Summary{
			TotalFiles:         total,
			StatusDistribution: make(map[models.Status]int),
		},
	}
	for _, rec := range recs {
		fs := FileSummary{
			FileID:    rec.ID,
			Filename:  rec.DisplayName,
			Status:    rec.Status,
			CreatedAt: rec.CreatedAt,
		}
		if rec.Status == models.StatusReady {
			fs.TotalRecords = rec.RowCount
		}

		if entry, ok := live[rec.ID]; ok {
			fs.Progress = entry.Progress
			fs.FileSize, _ = entry.Int64Value(models.ExtraFileSize)
			switch rec.Status {
			case models.StatusReady:
				fs.ProcessingTimeMs, _ = entry.Int64Value(models.ExtraTotalProcessingTime)
			case models.StatusFailed:
				fs.Error, _ = entry.StringValue(models.ExtraError)
				fs.FailedAt = timePtr(entry, models.ExtraFailedAt)
			case models.StatusProcessing:
				if started := timePtr(entry, models.ExtraProcessingStarted); started != nil {
					fs.ProcessingStarted = started
					fs.ProcessingDurationMs = max(0, now.Sub(*started).Milliseconds())
				}
			}
		} else {
			fs.Progress = rec.Status.EstimatedProgress()
			fs.Estimated = true
		}

		out.Summary.StatusDistribution[fs.Status]++
		out.Summary.TotalSizeBytes += fs.FileSize
		out.Summary.TotalRecords += fs.TotalRecords
		out.Files = append(out.Files, fs)
	}

	out.Pagination = paginate(q.Page, q.Limit, total)
	return out, nil
}

func (r *Reconciler) timing(status models.Status, started *time.Time) *Timing {
	if status != models.StatusProcessing || started == nil {
		return nil
	}
	elapsed := max(0, r.now().Sub(*started))
	remaining := max(0, r.nominal-elapsed)
	return &Timing{
		ElapsedMs:                  elapsed.Milliseconds(),
		RemainingMs:                remaining.Milliseconds(),
		EstimatedCompletionSeconds: int((remaining.Milliseconds() + 999) / 1000),
	}
}

func normalize(q Query) Query {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageSize
	}
	if q.Limit > MaxPageSize {
		q.Limit = MaxPageSize
	}
	if q.SortBy == "" {
		q.SortBy = repository.SortByCreatedAt
	}
	return q
}

func paginate(page, limit, total int) Pagination {
	pages := (total + limit - 1) / limit
	p := Pagination{
		CurrentPage:  page,
		TotalPages:   pages,
		TotalFiles:   total,
		FilesPerPage: limit,
		HasNextPage:  page < pages,
		HasPrevPage:  page > 1,
	}
	if p.HasNextPage {
		next := page + 1
		p.NextPage = &next
	}
	if p.HasPrevPage {
		prev := page - 1
		p.PrevPage = &prev
	}
	return p
}

func timePtr(e models.ProgressEntry, key string) *time.Time {
	t, ok := e.TimeValue(key)
	if !ok {
		return nil
	}
	return &t
}
