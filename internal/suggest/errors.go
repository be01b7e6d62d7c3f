package suggest

import (
	"errors"
	"fmt"
)

// ErrTimeout marks a request that hit the client deadline or was cancelled.
var ErrTimeout = errors.New("suggestion service request timed out")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("suggestion service %s returned %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// ParseError is returned when a 2xx response does not carry valid JSON.
type ParseError struct {
	Endpoint string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s response: %v", e.Endpoint, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
