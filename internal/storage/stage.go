// Package storage stages uploaded files on local disk until the pipeline has
// decoded them.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxFileSize is the upload ceiling when none is configured.
const DefaultMaxFileSize int64 = 500 * 1024 * 1024

var (
	// ErrFileTooLarge is returned when the stream exceeds the size ceiling.
	ErrFileTooLarge = errors.New("file exceeds maximum upload size")
	// ErrInvalidFileType is returned when neither extension nor content type is tabular.
	ErrInvalidFileType = errors.New("only CSV or Excel files are allowed")
)

var (
	allowedExtensions = []string{".csv", ".xlsx", ".xls"}
	allowedMimeTypes  = []string{
		"text/csv",
		"application/csv",
		"application/vnd.ms-excel",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	}
)

// StagedFile describes a raw upload sitting on disk.
type StagedFile struct {
	Path         string
	OriginalName string
	StoredName   string
	Extension    string
	ContentType  string
	Size         int64
	StoredAt     time.Time
}

// Stage stores raw uploads under a single directory.
type Stage struct {
	dir     string
	maxSize int64
	now     func() time.Time
}

// NewStage creates the directory if needed. maxSize <= 0 uses DefaultMaxFileSize.
func NewStage(dir string, maxSize int64) (*Stage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return &Stage{dir: dir, maxSize: maxSize, now: time.Now}, nil
}

// Dir returns the staging directory.
func (s *Stage) Dir() string { return s.dir }

// MaxSize returns the upload ceiling in bytes.
func (s *Stage) MaxSize() int64 { return s.maxSize }

// Accepts reports whether a file with this name or content type may be staged.
// Either signal is enough.
func Accepts(name, contentType string) bool {
	if slices.Contains(allowedExtensions, strings.ToLower(filepath.Ext(name))) {
		return true
	}
	ct := strings.ToLower(contentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return slices.Contains(allowedMimeTypes, ct) ||
		strings.Contains(ct, "csv") ||
		strings.Contains(ct, "excel") ||
		strings.Contains(ct, "spreadsheet")
}

// Store copies r to a new file named "<base>-<unixms>-<short id><ext>".
// Nothing is left on disk when an error is returned.
func (s *Stage) Store(name, contentType string, r io.Reader) (*StagedFile, error) {
	if !Accepts(name, contentType) {
		return nil, ErrInvalidFileType
	}

	original := filepath.Base(name)
	ext := filepath.Ext(original)
	base := strings.TrimSuffix(original, ext)
	now := s.now()
	stored := fmt.Sprintf("%s-%d-%s%s", sanitize(base), now.UnixMilli(), uuid.New().String()[:8], ext)
	path := filepath.Join(s.dir, stored)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating file: %w", err)
	}

	// Read one byte past the ceiling so an oversize stream is detectable.
	size, err := io.Copy(f, io.LimitReader(r, s.maxSize+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing file: %w", err)
	}
	if size > s.maxSize {
		os.Remove(path)
		return nil, fmt.Errorf("%w: limit %d bytes", ErrFileTooLarge, s.maxSize)
	}

	return &StagedFile{
		Path:         path,
		OriginalName: original,
		StoredName:   stored,
		Extension:    strings.ToLower(ext),
		ContentType:  contentType,
		Size:         size,
		StoredAt:     now,
	}, nil
}

// Exists reports whether path is still on disk.
func (s *Stage) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Remove deletes a staged file. A missing file is not an error.
func (s *Stage) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

// PurgeStale removes regular files in the stage older than maxAge and
// returns how many were deleted.
func (s *Stage) PurgeStale(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("reading upload directory: %w", err)
	}

	cutoff := s.now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func sanitize(base string) string {
	base = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, base)
	if base == "" || base == "." || base == ".." {
		return "upload"
	}
	return base
}
