// errors.go - Structured error handling for API responses
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sheetflow/backend/internal/storage"
	"github.com/sheetflow/backend/internal/upload"
)

// Error codes returned in APIError.Code.
const (
	CodeBadRequest          = "BAD_REQUEST"
	CodeValidation          = "VALIDATION_ERROR"
	CodeUnsupportedFileType = "UNSUPPORTED_FILE_TYPE"
	CodeFileTooLarge        = "FILE_TOO_LARGE"
	CodeNotFound            = "NOT_FOUND"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodeInternal            = "INTERNAL_ERROR"
	CodeHTTP                = "HTTP_ERROR"
)

// APIError represents a structured API error response
type APIError struct {
	Status  int    `json:"-"`
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewBadRequestError creates a 400 Bad Request error
func NewBadRequestError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusBadRequest,
		Code:    CodeBadRequest,
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewValidationError creates a 400 validation error for a specific field
func NewValidationError(field, message string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    CodeValidation,
		Message: message,
		Details: fmt.Sprintf("field: %s", field),
	}
}

// NewUnsupportedTypeError creates a 400 error for files that cannot be decoded
func NewUnsupportedTypeError(cause error) *APIError {
	err := &APIError{
		Status:  http.StatusBadRequest,
		Code:    CodeUnsupportedFileType,
		Message: "Unsupported file type. Only CSV and Excel files are allowed.",
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewFileTooLargeError creates a 413 error
func NewFileTooLargeError(cause error) *APIError {
	err := &APIError{
		Status:  http.StatusRequestEntityTooLarge,
		Code:    CodeFileTooLarge,
		Message: "File exceeds the maximum upload size",
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(resource string, id string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// NewInternalError creates a 500 Internal Server Error
func NewInternalError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusInternalServerError,
		Code:    CodeInternal,
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewServiceUnavailableError creates a 503 Service Unavailable error
func NewServiceUnavailableError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusServiceUnavailable,
		Code:    CodeServiceUnavailable,
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// fromDomain translates errors from the ingestion packages. message is used
// for anything that is not a known client error.
func fromDomain(err error, message string) *APIError {
	var apiErr *APIError
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, upload.ErrUnsupportedType), errors.Is(err, storage.ErrInvalidFileType):
		return NewUnsupportedTypeError(err)
	case errors.Is(err, storage.ErrFileTooLarge), errors.As(err, &maxBytes):
		return NewFileTooLargeError(err)
	case errors.Is(err, upload.ErrPipelineUnavailable):
		return NewServiceUnavailableError("Processing queue is full, please retry shortly", err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewServiceUnavailableError("Storage did not respond in time", err)
	}
	return NewInternalError(message, err)
}

// NewErrorHandler returns an echo.HTTPErrorHandler that renders every error
// as an APIError. Details of unexpected errors are only included when
// exposeDetails is set.
func NewErrorHandler(logger *slog.Logger, exposeDetails bool) echo.HTTPErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var apiErr *APIError
		var httpErr *echo.HTTPError
		switch {
		case errors.As(err, &apiErr):
		case errors.As(err, &httpErr):
			apiErr = &APIError{
				Status:  httpErr.Code,
				Code:    CodeHTTP,
				Message: fmt.Sprintf("%v", httpErr.Message),
			}
			if httpErr.Code == http.StatusRequestEntityTooLarge {
				apiErr.Code = CodeFileTooLarge
			}
		default:
			apiErr = &APIError{
				Status:  http.StatusInternalServerError,
				Code:    CodeInternal,
				Message: "An unexpected error occurred",
				Details: err.Error(),
			}
		}

		if apiErr.Status >= http.StatusInternalServerError {
			logger.Error("request failed",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"code", apiErr.Code,
				"error", err)
		}

		out := *apiErr
		out.Success = false
		if !exposeDetails && out.Status >= http.StatusInternalServerError {
			out.Details = ""
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(out.Status)
		} else {
			err = c.JSON(out.Status, &out)
		}
		if err != nil {
			logger.Warn("writing error response", "error", err)
		}
	}
}
