package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperjump/nitamono/internal/models"
)

// Class separates failures caused by the request from failures of the engine itself.
type Class int

const (
	// UserError is a bad request: invalid content, unknown id, disabled operation.
	UserError Class = iota
	// SystemError means the engine handle can no longer be trusted and must be reopened.
	SystemError
)

func (c Class) String() string {
	if c == SystemError {
		return "system"
	}
	return "user"
}

// Re-exported so callers of the engine need not import models for error checks.
var (
	ErrInvalidContent = models.ErrInvalidContent
	ErrNotFound       = models.ErrNotFound
	ErrDisabled       = models.ErrDisabled
)

var (
	// ErrDatabaseExists is returned by CreateDatabase when the schema is already there.
	ErrDatabaseExists = errors.New("database already exists")
	// ErrClosed is returned by every operation on a closed adapter.
	ErrClosed = errors.New("engine closed")
)

// Error is the only error type an Adapter returns. The class is decided where the failure happens.
type Error struct {
	Op    string
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ClassOf returns the class of err. Errors that carry no class are user errors.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return UserError
}

// IsSystem reports whether err requires the engine to be reopened.
func IsSystem(err error) bool {
	return err != nil && ClassOf(err) == SystemError
}

func userError(op string, err error) error {
	return &Error{Op: op, Class: UserError, Err: err}
}

// systemError tags a storage failure. Cancellation comes from the caller, not the engine, and
// never warrants a reopen.
func systemError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return userError(op, err)
	}
	return &Error{Op: op, Class: SystemError, Err: err}
}
