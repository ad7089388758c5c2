package generation

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Orchestration error kinds. Graph-level kinds (lease, unmet dependency) are
// rejected synchronously to the caller; service failures are recorded on the
// block and surfaced on the next read.
var (
	ErrDependencyUnmet  = errors.New("block is not eligible: dependencies unmet")
	ErrLeaseConflict    = errors.New("generation already in flight for this block")
	ErrGenerationFailed = errors.New("generation service failed")
)

// ErrorCategory classifies generation service errors for surfacing. The executor
// never retries on its own; the category tells the caller whether a manual retry
// is worth attempting.
type ErrorCategory int

const (
	ErrorCategoryUnknown ErrorCategory = iota
	ErrorCategoryTransient
	ErrorCategoryPermanent
)

// String returns a human-readable category name.
func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryTransient:
		return "transient"
	case ErrorCategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ServiceError wraps a generation-service failure with classification.
type ServiceError struct {
	Category   ErrorCategory
	Message    string
	StatusCode int
	Retryable  bool
	Cause      error
}

func (e *ServiceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%d] %s", e.StatusCode, e.Message)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error { return e.Cause }

// ClassifyHTTPError classifies an HTTP response from the generation service.
func ClassifyHTTPError(statusCode int, body string) *ServiceError {
	err := &ServiceError{
		StatusCode: statusCode,
		Message:    fmt.Sprintf("HTTP %d: %s", statusCode, truncateString(body, 200)),
	}
	switch {
	case statusCode == http.StatusTooManyRequests,
		statusCode >= 500 && statusCode < 600,
		statusCode == http.StatusRequestTimeout:
		err.Category = ErrorCategoryTransient
		err.Retryable = true
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden,
		statusCode == http.StatusBadRequest,
		statusCode == http.StatusNotFound,
		statusCode == http.StatusUnprocessableEntity:
		err.Category = ErrorCategoryPermanent
	default:
		err.Category = ErrorCategoryUnknown
	}
	return err
}

// ClassifyError classifies a general error from the generation service.
func ClassifyError(err error) *ServiceError {
	if err == nil {
		return nil
	}
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr
	}

	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "context deadline exceeded"):
		return &ServiceError{Category: ErrorCategoryTransient, Message: "request timed out", Retryable: true, Cause: err}
	case strings.Contains(errStr, "connection refused"),
		strings.Contains(errStr, "connection reset"),
		strings.Contains(errStr, "no such host"),
		strings.Contains(errStr, "network is unreachable"),
		strings.Contains(errStr, "i/o timeout"),
		strings.Contains(errStr, "EOF"):
		return &ServiceError{
			Category:  ErrorCategoryTransient,
			Message:   fmt.Sprintf("network error: %s", truncateString(errStr, 100)),
			Retryable: true,
			Cause:     err,
		}
	case strings.Contains(errStr, "certificate"),
		strings.Contains(errStr, "tls:"),
		strings.Contains(errStr, "x509:"):
		return &ServiceError{Category: ErrorCategoryPermanent, Message: "TLS/certificate error", Cause: err}
	}
	return &ServiceError{Category: ErrorCategoryUnknown, Message: truncateString(errStr, 200), Cause: err}
}

// truncateString truncates a string to maxLen characters.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
