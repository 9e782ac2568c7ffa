// Package parser turns staged tabular files into rows.
package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sheetflow/backend/internal/models"
)

// ErrUnsupportedType is returned when no decoder handles the declared type.
var ErrUnsupportedType = errors.New("unsupported file type, only CSV and Excel files are allowed")

// Decoder produces the rows of a file. declaredType is the file extension
// the upload carried (".csv", "xlsx", ...).
type Decoder interface {
	Decode(path, declaredType string) ([]models.Row, error)
}

// Format decodes one family of file types.
type Format interface {
	// Name returns the unique name of the format.
	Name() string
	// Extensions lists the lower-case extensions, with leading dot, this format claims.
	Extensions() []string
	// Decode reads the whole file at path.
	Decode(path string) ([]models.Row, error)
}

// DecodeError reports a file that could not be turned into rows.
type DecodeError struct {
	Path   string
	Format string
	Line   int // 1-based; 0 when not line specific
	Err    error
}

func (e *DecodeError) Error() string {
	var b strings.Builder
	b.WriteString(e.Format)
	b.WriteString(" decode ")
	b.WriteString(e.Path)
	if e.Line > 0 {
		b.WriteString(" line ")
		b.WriteString(strconv.Itoa(e.Line))
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(format, path string, line int, err error) error {
	return &DecodeError{Path: path, Format: format, Line: line, Err: err}
}

// NormalizeType turns "CSV", "csv" or ".csv" into ".csv".
func NormalizeType(declared string) string {
	t := strings.ToLower(strings.TrimSpace(declared))
	if t != "" && !strings.HasPrefix(t, ".") {
		t = "." + t
	}
	return t
}

// uniqueHeaders fills blanks and suffixes repeats so every column keeps its
// own key: ["a", "", "a"] -> ["a", "__EMPTY", "a_1"].
func uniqueHeaders(raw []string) []string {
	seen := make(map[string]int, len(raw))
	out := make([]string, len(raw))
	for i, h := range raw {
		h = strings.TrimSpace(h)
		if h == "" {
			h = "__EMPTY"
		}
		name := h
		if n, ok := seen[h]; ok {
			name = fmt.Sprintf("%s_%d", h, n)
		}
		seen[h]++
		out[i] = name
	}
	return out
}
