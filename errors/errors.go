// Package errors provides error handling for the exporter.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Hints and details for user-facing messages
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrRateLimited) {
//	    // retry with backoff
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	UnwrapAll     = crdb.UnwrapAll
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
)

// Common sentinel errors. Use these with errors.Is() for type-safe checks
// and errors.Wrap() to add context while preserving the kind.
var (
	// ErrNotFound indicates the requested entity does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")

	// ErrCanceled indicates an operation was canceled cooperatively
	ErrCanceled = New("canceled")
)

// Upstream bridge error taxonomy. Classification happens once in the bridge
// adapter; retry decisions elsewhere are errors.Is checks against these.
var (
	// ErrTransientNetwork indicates a retryable network-level failure
	ErrTransientNetwork = New("transient network error")

	// ErrRateLimited indicates the upstream throttled the call; retryable
	ErrRateLimited = New("rate limited")

	// ErrPermissionDenied indicates the upstream rejected the caller; fatal
	ErrPermissionDenied = New("permission denied")

	// ErrProtocol indicates a malformed upstream response; fatal
	ErrProtocol = New("protocol error")
)

// ErrCircuitOpen is returned by the resource downloader while its circuit
// breaker is open; downloads fail fast and the export still completes.
var ErrCircuitOpen = New("circuit-open")

// IsRetryable reports whether the upstream error kind is worth retrying.
func IsRetryable(err error) bool {
	return err != nil && IsAny(err, ErrTransientNetwork, ErrRateLimited, ErrTimeout)
}

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}
