package models

import "time"

// Row is one decoded record of a tabular file, keyed by column name.
type Row map[string]any

// FileRecord is the durable description of an uploaded file.
type FileRecord struct {
	ID          string    `json:"file_id"`
	DisplayName string    `json:"filename"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	// RowCount mirrors len(ParsedRows) so summaries can skip loading rows.
	RowCount   int   `json:"total_records"`
	ParsedRows []Row `json:"content,omitempty"`
}

// NewFileRecord creates a record in uploading status with no rows.
func NewFileRecord(id, displayName string, createdAt time.Time) *FileRecord {
	return &FileRecord{
		ID:          id,
		DisplayName: displayName,
		Status:      StatusUploading,
		CreatedAt:   createdAt,
		ParsedRows:  make([]Row, 0),
	}
}
