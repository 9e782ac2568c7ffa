package models

import "fmt"

// Status is the lifecycle state of an ingested file.
type Status string

const (
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

// ProgressRange is the inclusive progress band a status may report.
type ProgressRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Contains reports whether p lies inside the range.
func (r ProgressRange) Contains(p int) bool {
	return p >= r.Min && p <= r.Max
}

var progressRanges = map[Status]ProgressRange{
	StatusUploading:  {Min: 0, Max: 30},
	StatusProcessing: {Min: 30, Max: 90},
	StatusReady:      {Min: 100, Max: 100},
	StatusFailed:     {Min: 0, Max: 0},
}

// Used when no live progress exists for a record.
var estimatedProgress = map[Status]int{
	StatusUploading:  0,
	StatusProcessing: 50,
	StatusReady:      100,
	StatusFailed:     0,
}

// AllStatuses returns the closed set of statuses in lifecycle order.
func AllStatuses() []Status {
	return []Status{StatusUploading, StatusProcessing, StatusReady, StatusFailed}
}

// ParseStatus converts a wire string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the four recognised statuses.
func (s Status) Valid() bool {
	_, ok := progressRanges[s]
	return ok
}

// Range returns the progress band for s. ok is false for unknown statuses.
func (s Status) Range() (ProgressRange, bool) {
	r, ok := progressRanges[s]
	return r, ok
}

// AcceptsProgress reports whether p is a legal progress value for s.
func (s Status) AcceptsProgress(p int) bool {
	r, ok := progressRanges[s]
	return ok && r.Contains(p)
}

// EstimatedProgress is the coarse progress value reported for a record
// whose live progress entry is gone.
func (s Status) EstimatedProgress() int {
	return estimatedProgress[s]
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusUploading:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusReady || next == StatusFailed
	default:
		return false
	}
}
