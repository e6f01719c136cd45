// Package core defines the fundamental types and errors for the world kernel.
package core

import (
	"errors"
	"fmt"
	"time"
)

// Code is the closed set of outcomes an action can end with besides "ok".
type Code string

const (
	CodeOK                 Code = "ok"
	CodeNotFound           Code = "NOT_FOUND"
	CodeAccessDenied       Code = "ACCESS_DENIED"
	CodeInsufficientFunds  Code = "INSUFFICIENT_FUNDS"
	CodeInsufficientQuota  Code = "INSUFFICIENT_QUOTA"
	CodeTooFast            Code = "TOO_FAST"
	CodeInvalidArgs        Code = "INVALID_ARGS"
	CodeExecutionError     Code = "EXECUTION_ERROR"
	CodeTimeout            Code = "TIMEOUT"
	CodeDeleted            Code = "DELETED"
	CodeDepthExceeded      Code = "DEPTH_EXCEEDED"
	CodeCycleDetected      Code = "CYCLE_DETECTED"
	CodeInvalidType        Code = "INVALID_TYPE"
	CodeAmbiguous          Code = "AMBIGUOUS"
	CodeScoringUnavailable Code = "SCORING_UNAVAILABLE"
	CodeInternal           Code = "INTERNAL"
)

// Error is the typed error every kernel component returns.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration // only set for TOO_FAST
	Cause      error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Code == CodeTooFast && e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on Code so sentinel values below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// TooFast builds a rate denial carrying the retry hint.
func TooFast(retryAfter time.Duration, format string, args ...any) *Error {
	return &Error{Code: CodeTooFast, Message: fmt.Sprintf(format, args...), RetryAfter: retryAfter}
}

// CodeOf returns the Code carried by err. Nil is CodeOK and any error that
// does not carry a code is CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// RetryAfterOf returns the retry hint of a TOO_FAST error, or zero.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) && e.Code == CodeTooFast {
		return e.RetryAfter
	}
	return 0
}

// Sentinel errors for errors.Is comparisons.
var (
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrAccessDenied       = &Error{Code: CodeAccessDenied}
	ErrInsufficientFunds  = &Error{Code: CodeInsufficientFunds}
	ErrInsufficientQuota  = &Error{Code: CodeInsufficientQuota}
	ErrTooFast            = &Error{Code: CodeTooFast}
	ErrInvalidArgs        = &Error{Code: CodeInvalidArgs}
	ErrExecution          = &Error{Code: CodeExecutionError}
	ErrTimeout            = &Error{Code: CodeTimeout}
	ErrDeleted            = &Error{Code: CodeDeleted}
	ErrDepthExceeded      = &Error{Code: CodeDepthExceeded}
	ErrCycleDetected      = &Error{Code: CodeCycleDetected}
	ErrInvalidType        = &Error{Code: CodeInvalidType}
	ErrAmbiguous          = &Error{Code: CodeAmbiguous}
	ErrScoringUnavailable = &Error{Code: CodeScoringUnavailable}
)
