// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-reflector.

package api

import (
	"errors"
	"fmt"
	"syscall"
)

// Common errors used across the library.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrNotSupported      = errors.New("operation not supported")
	ErrAlreadyExists     = errors.New("resource already exists")
	ErrNotFound          = errors.New("resource not found")
	ErrPoolClosed        = errors.New("buffer pool is closed")
	ErrPortState         = errors.New("port is in the wrong state")
	ErrStaleMbuf         = errors.New("mbuf handle is stale")
	ErrDoubleFree        = errors.New("mbuf already returned to pool")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeResourceExhausted
	ErrCodeNotSupported
	ErrCodeAlreadyExists
	ErrCodeNotFound
	ErrCodeAllocation
	ErrCodePoolPopulation
	ErrCodeDevice
	ErrCodeInternal
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                "ok",
	ErrCodeInvalidArgument:   "invalid argument",
	ErrCodeResourceExhausted: "resource exhausted",
	ErrCodeNotSupported:      "not supported",
	ErrCodeAlreadyExists:     "already exists",
	ErrCodeNotFound:          "not found",
	ErrCodeAllocation:        "allocation error",
	ErrCodePoolPopulation:    "pool population error",
	ErrCodeDevice:            "device error",
	ErrCodeInternal:          "internal error",
}

func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so callers can test
// errors.Is(err, &api.Error{Code: api.ErrCodeAllocation}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Wrap creates a structured error around a cause.
func Wrap(code ErrorCode, message string, err error) *Error {
	e := NewError(code, message)
	e.Err = err
	return e
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// AllocationError reports that aligned memory could not be obtained.
func AllocationError(err error) *Error {
	return Wrap(ErrCodeAllocation, "cannot allocate aligned pool memory", err)
}

// PoolPopulationError reports that slots could not be carved or registered.
func PoolPopulationError(err error) *Error {
	return Wrap(ErrCodePoolPopulation, "cannot populate pool", err)
}

// StatusOf maps an error onto a negative errno-style status code for
// one-line diagnostics. nil maps to 0.
func StatusOf(err error) int {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return -int(errno)
	}
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return -int(syscall.EINVAL)
	case errors.Is(err, ErrNotSupported):
		return -int(syscall.ENOTSUP)
	case errors.Is(err, ErrAlreadyExists):
		return -int(syscall.EEXIST)
	case errors.Is(err, ErrNotFound):
		return -int(syscall.ENODEV)
	case errors.Is(err, ErrResourceExhausted), errors.Is(err, ErrPoolClosed):
		return -int(syscall.ENOBUFS)
	case errors.Is(err, ErrPortState):
		return -int(syscall.EBUSY)
	}
	var e *Error
	if errors.As(err, &e) {
		switch e.Code {
		case ErrCodeAllocation, ErrCodeResourceExhausted:
			return -int(syscall.ENOMEM)
		case ErrCodePoolPopulation, ErrCodeInvalidArgument:
			return -int(syscall.EINVAL)
		}
	}
	return -1
}
