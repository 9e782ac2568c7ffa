package models

import (
	"encoding/json"
	"maps"
	"time"
)

// Auxiliary keys written into ProgressEntry.Extra by the ingestion pipeline.
const (
	ExtraFilename            = "filename"
	ExtraFileSize            = "fileSize"
	ExtraFileExtension       = "fileExtension"
	ExtraUploadStarted       = "uploadStarted"
	ExtraDBRecordCreated     = "dbRecordCreated"
	ExtraProcessingStarted   = "processingStarted"
	ExtraParsingInitialized  = "parsingInitialized"
	ExtraParsingCompleted    = "parsingCompleted"
	ExtraParseTime           = "parseTime"
	ExtraRecordCount         = "recordCount"
	ExtraProcessingCompleted = "processingCompleted"
	ExtraTotalProcessingTime = "totalProcessingTime"
	ExtraFinalRecordCount    = "finalRecordCount"
	ExtraDBSaved             = "dbSaved"
	ExtraError               = "error"
	ExtraFailedAt            = "failedAt"
	ExtraProcessingStage     = "processingStage"
)

// ProgressEntry is an ephemeral snapshot of a file's processing state.
type ProgressEntry struct {
	FileID      string
	Status      Status
	Progress    int
	CreatedAt   time.Time
	LastUpdated time.Time
	Extra       map[string]any
}

// Clone returns a copy that shares no mutable state with e.
func (e ProgressEntry) Clone() ProgressEntry {
	e.Extra = maps.Clone(e.Extra)
	return e
}

// MarshalJSON flattens Extra next to the fixed fields.
func (e ProgressEntry) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Extra)+5)
	for k, v := range e.Extra {
		out[k] = v
	}
	out["fileId"] = e.FileID
	out["status"] = e.Status
	out["progress"] = e.Progress
	out["createdAt"] = e.CreatedAt
	out["lastUpdated"] = e.LastUpdated
	return json.Marshal(out)
}

// StringValue returns the auxiliary value stored under key when it is a string.
func (e ProgressEntry) StringValue(key string) (string, bool) {
	v, ok := e.Extra[key].(string)
	return v, ok && v != ""
}

// Int64Value returns the auxiliary value stored under key as an int64.
func (e ProgressEntry) Int64Value(key string) (int64, bool) {
	switch v := e.Extra[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// TimeValue returns the auxiliary timestamp stored under key.
func (e ProgressEntry) TimeValue(key string) (time.Time, bool) {
	switch v := e.Extra[key].(type) {
	case time.Time:
		return v, !v.IsZero()
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		return t, err == nil
	}
	return time.Time{}, false
}
