package parser

import (
	"fmt"
	"sort"

	"github.com/sheetflow/backend/internal/models"
)

// Registry dispatches decoding to a Format by extension.
type Registry struct {
	formats map[string]Format
}

// NewRegistry returns a registry with the given formats, or CSV and XLSX when
// none are supplied.
func NewRegistry(formats ...Format) *Registry {
	if len(formats) == 0 {
		formats = []Format{NewCSVDecoder(), NewXLSXDecoder()}
	}
	r := &Registry{formats: make(map[string]Format)}
	for _, f := range formats {
		r.Register(f)
	}
	return r
}

// Register adds f, replacing any format that claimed the same extensions.
func (r *Registry) Register(f Format) {
	for _, ext := range f.Extensions() {
		r.formats[NormalizeType(ext)] = f
	}
}

// Supports reports whether declaredType has a decoder.
func (r *Registry) Supports(declaredType string) bool {
	_, ok := r.formats[NormalizeType(declaredType)]
	return ok
}

// Extensions returns the registered extensions, sorted.
func (r *Registry) Extensions() []string {
	out := make([]string, 0, len(r.formats))
	for ext := range r.formats {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Decode implements Decoder.
func (r *Registry) Decode(path, declaredType string) ([]models.Row, error) {
	f, ok := r.formats[NormalizeType(declaredType)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, declaredType)
	}
	return f.Decode(path)
}
