package resource

import (
	"errors"
	"net/http"
)

// ValidationError reports malformed or missing input. The message names
// the offending field and is safe to show to clients.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}

// StoreError is a failure reported by the row backend. Its message is the
// backend's message, verbatim.
type StoreError struct {
	Resource string
	Op       string
	Err      error
}

func (e *StoreError) Error() string { return e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }

// ConfigurationError means the backend credentials were absent at startup.
// Every request fails with it; the process keeps running.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return e.Msg }

// NotFoundError is an unknown resource name.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return "Not found. Use /api/data/event-state, strategy-config, trades, or positions"
}

// MethodError is an unsupported HTTP method.
type MethodError struct {
	Method string
}

func (e *MethodError) Error() string { return "Method not allowed" }

// HTTPStatus maps an error of the taxonomy to its response status.
// Anything unrecognized is a 500.
func HTTPStatus(err error) int {
	var (
		verr *ValidationError
		nerr *NotFoundError
		merr *MethodError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &nerr):
		return http.StatusNotFound
	case errors.As(err, &merr):
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}
