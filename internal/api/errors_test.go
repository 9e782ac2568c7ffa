package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/sheetflow/backend/internal/storage"
	"github.com/sheetflow/backend/internal/upload"
	"github.com/sheetflow/backend/internal/worker"
)

func TestFromDomain(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"unsupported type", fmt.Errorf("%w: a.pdf", upload.ErrUnsupportedType), http.StatusBadRequest, CodeUnsupportedFileType},
		{"invalid mime", storage.ErrInvalidFileType, http.StatusBadRequest, CodeUnsupportedFileType},
		{"too large", fmt.Errorf("%w: limit 8 bytes", storage.ErrFileTooLarge), http.StatusRequestEntityTooLarge, CodeFileTooLarge},
		{"max bytes", &http.MaxBytesError{Limit: 8}, http.StatusRequestEntityTooLarge, CodeFileTooLarge},
		{"queue full", fmt.Errorf("%w: %w", upload.ErrPipelineUnavailable, worker.ErrQueueFull), http.StatusServiceUnavailable, CodeServiceUnavailable},
		{"deadline", fmt.Errorf("find: %w", context.DeadlineExceeded), http.StatusServiceUnavailable, CodeServiceUnavailable},
		{"api error passthrough", NewNotFoundError("file", "x"), http.StatusNotFound, CodeNotFound},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fromDomain(tt.err, "fallback")
			if got.Status != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, got.Status)
			}
			if got.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, got.Code)
			}
		})
	}
}

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		expose      bool
		wantStatus  int
		wantCode    string
		wantDetails bool
	}{
		{"api error", NewValidationError("file", "No file uploaded"), false, http.StatusBadRequest, CodeValidation, true},
		{"echo 404", echo.ErrNotFound, false, http.StatusNotFound, CodeHTTP, false},
		{"echo body limit", echo.ErrStatusRequestEntityTooLarge, false, http.StatusRequestEntityTooLarge, CodeFileTooLarge, false},
		{"plain error hidden", errors.New("secret path"), false, http.StatusInternalServerError, CodeInternal, false},
		{"plain error exposed", errors.New("secret path"), true, http.StatusInternalServerError, CodeInternal, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

			NewErrorHandler(quietLogger(), tt.expose)(tt.err, c)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			var body APIError
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid body %q: %v", rec.Body.String(), err)
			}
			if body.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, body.Code)
			}
			if body.Success {
				t.Errorf("error responses must carry success=false")
			}
			if got := body.Details != ""; got != tt.wantDetails {
				t.Errorf("details present = %v, want %v (%q)", got, tt.wantDetails, body.Details)
			}
		})
	}
}

func TestErrorHandler_CommittedResponse(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.String(http.StatusOK, "partial")

	NewErrorHandler(quietLogger(), false)(errors.New("late"), c)

	if rec.Body.String() != "partial" {
		t.Errorf("committed response was modified: %q", rec.Body.String())
	}
}
