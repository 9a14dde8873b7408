// Package errors defines the disjoint error kinds raised by the migration
// engine. Transport failures are retried inside the engines and surface as
// ApiOperationFailedError on exhaustion; everything else is fatal for the
// task or the run.
package errors

import (
	"errors"
	"fmt"
)

// AppError is the base interface for all engine errors.
type AppError interface {
	error
	Code() string
	// Fatal reports whether the error aborts the whole run (after reports
	// are flushed) as opposed to being handled by the caller's policy.
	Fatal() bool
}

// SchemaError indicates an object or required field is absent on one side.
// It is raised before any data moves.
type SchemaError struct {
	Object  string
	Field   string
	Message string
}

func (e *SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("schema error on %s.%s: %s", e.Object, e.Field, e.Message)
	}
	return fmt.Sprintf("schema error on %s: %s", e.Object, e.Message)
}

func (e *SchemaError) Code() string { return "SCHEMA_ERROR" }
func (e *SchemaError) Fatal() bool  { return true }

// NewSchemaError creates a SchemaError for an object-level problem.
func NewSchemaError(object, message string) *SchemaError {
	return &SchemaError{Object: object, Message: message}
}

// NewFieldSchemaError creates a SchemaError for a field-level problem.
func NewFieldSchemaError(object, field, message string) *SchemaError {
	return &SchemaError{Object: object, Field: field, Message: message}
}

// QueryMalformedError indicates the user's query text could not be parsed.
type QueryMalformedError struct {
	Query   string
	Message string
}

func (e *QueryMalformedError) Error() string {
	return fmt.Sprintf("malformed query %q: %s", e.Query, e.Message)
}

func (e *QueryMalformedError) Code() string { return "QUERY_MALFORMED" }
func (e *QueryMalformedError) Fatal() bool  { return true }

// NewQueryMalformedError creates a QueryMalformedError.
func NewQueryMalformedError(query, message string) *QueryMalformedError {
	return &QueryMalformedError{Query: query, Message: message}
}

// ApiTransportError wraps a single failed HTTP call. The engines retry these
// per their backoff policy before elevating to ApiOperationFailedError.
type ApiTransportError struct {
	Method     string
	Path       string
	StatusCode int
	Err        error
}

func (e *ApiTransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("api call %s %s failed with status %d: %v", e.Method, e.Path, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("api call %s %s failed: %v", e.Method, e.Path, e.Err)
}

func (e *ApiTransportError) Code() string  { return "API_TRANSPORT" }
func (e *ApiTransportError) Fatal() bool   { return false }
func (e *ApiTransportError) Unwrap() error { return e.Err }

// Retryable reports whether the engines may retry the call. Server-side
// and network failures are retryable; 4xx rejections are not.
func (e *ApiTransportError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500 || e.StatusCode == 429
}

// NewApiTransportError creates an ApiTransportError.
func NewApiTransportError(method, path string, status int, err error) *ApiTransportError {
	return &ApiTransportError{Method: method, Path: path, StatusCode: status, Err: err}
}

// ApiOperationFailedError indicates an engine terminated in a failed state;
// it is fatal for the task and aborts the job.
type ApiOperationFailedError struct {
	Object    string
	Operation string
	State     string
	Message   string
}

func (e *ApiOperationFailedError) Error() string {
	return fmt.Sprintf("%s of %s failed in state %s: %s", e.Operation, e.Object, e.State, e.Message)
}

func (e *ApiOperationFailedError) Code() string { return "API_OPERATION_FAILED" }
func (e *ApiOperationFailedError) Fatal() bool  { return true }

// NewApiOperationFailedError creates an ApiOperationFailedError.
func NewApiOperationFailedError(object, operation, state, message string) *ApiOperationFailedError {
	return &ApiOperationFailedError{Object: object, Operation: operation, State: state, Message: message}
}

// FilesystemError indicates report or cache I/O failed.
type FilesystemError struct {
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("filesystem error on %s: %v", e.Path, e.Err)
}

func (e *FilesystemError) Code() string  { return "FILESYSTEM" }
func (e *FilesystemError) Fatal() bool   { return true }
func (e *FilesystemError) Unwrap() error { return e.Err }

// NewFilesystemError creates a FilesystemError.
func NewFilesystemError(path string, err error) *FilesystemError {
	return &FilesystemError{Path: path, Err: err}
}

// UserAbortedError indicates the user declined to continue at a prompt.
type UserAbortedError struct{}

func (e *UserAbortedError) Error() string { return "aborted by user" }
func (e *UserAbortedError) Code() string  { return "USER_ABORTED" }
func (e *UserAbortedError) Fatal() bool   { return true }

// NewUserAbortedError creates a UserAbortedError.
func NewUserAbortedError() *UserAbortedError { return &UserAbortedError{} }

// IsRetryable reports whether err is a retryable transport error.
func IsRetryable(err error) bool {
	var te *ApiTransportError
	if errors.As(err, &te) {
		return te.Retryable()
	}
	return false
}

// AsAppError extracts the AppError from err's chain, if any.
func AsAppError(err error) (AppError, bool) {
	var ae AppError
	ok := errors.As(err, &ae)
	return ae, ok
}
