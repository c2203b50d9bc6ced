package control

import (
	"context"
	"errors"

	"linkmux/internal/broadcast"
	"linkmux/internal/link"
	"linkmux/internal/session"
)

type Code string

const (
	CodeInvalid      Code = "invalid_argument"
	CodeNotConnected Code = "not_connected"
	CodeAborted      Code = "aborted"
	CodeTimeout      Code = "timeout"
	CodeUnavailable  Code = "unavailable"
	CodeFailed       Code = "failed"
)

// Error is returned by every request-driven operation. Detail is safe to show
// to the caller.
type Error struct {
	Code   Code
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return string(e.Code) + ": " + e.Detail
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func invalid(detail string) *Error {
	return &Error{Code: CodeInvalid, Detail: detail}
}

// wrap classifies err; nil stays nil.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	code := CodeFailed
	switch {
	case errors.Is(err, session.ErrInvalidID):
		code = CodeInvalid
	case errors.Is(err, broadcast.ErrNotConnected):
		code = CodeNotConnected
	case errors.Is(err, link.ErrConnectAborted):
		code = CodeAborted
	case errors.Is(err, link.ErrClosed):
		code = CodeUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		code = CodeTimeout
	}
	return &Error{Code: code, Detail: err.Error(), Err: err}
}

// CodeOf returns the code of a control error, or "" for other errors.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
