package github

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// APIError represents a non-2xx response from the GitHub REST API.
type APIError struct {
	StatusCode       int
	Message          string
	DocumentationURL string
	Errors           []ValidationError

	// RateLimited is set for 429 responses and for 403 responses that
	// carry a rate-limit signal (X-RateLimit-Remaining: 0 or a rate limit
	// message). A plain 403 is a permission error.
	RateLimited bool

	// RetryAfter is the server-suggested wait, zero when absent.
	RetryAfter time.Duration
}

// ValidationError describes a field-level failure on a 422 response.
type ValidationError struct {
	Resource string `json:"resource"`
	Code     string `json:"code"`
	Field    string `json:"field"`
	Message  string `json:"message"`
}

func (err *APIError) Error() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "github: HTTP %d: %s", err.StatusCode, err.Message)
	for _, ve := range err.Errors {
		detail := ve.Message
		if detail == "" {
			detail = ve.Code
		}
		fmt.Fprintf(&builder, "; %s.%s: %s", ve.Resource, ve.Field, detail)
	}
	return builder.String()
}

// Temporary reports whether retrying the same request may succeed.
func (err *APIError) Temporary() bool {
	return err.RateLimited || err.StatusCode >= 500
}

// IsNotFound reports whether err is a GitHub API 404 Not Found response.
func IsNotFound(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && apiError.StatusCode == http.StatusNotFound
}

// IsRateLimited reports whether err is a GitHub API rate limit response.
func IsRateLimited(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && apiError.RateLimited
}

func isRateLimitMessage(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "abuse detection")
}

// TransportError is a request that never produced a complete response.
type TransportError struct {
	Method string
	Err    error
}

func (err *TransportError) Error() string {
	return fmt.Sprintf("github: %s request failed: %v", err.Method, err.Err)
}

func (err *TransportError) Unwrap() error { return err.Err }
