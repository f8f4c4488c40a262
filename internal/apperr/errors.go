// Package apperr defines the error taxonomy shared by the messaging stores,
// the HTTP surface and the realtime gateway.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

type Code string

const (
	CodeInvalidPair      Code = "INVALID_PAIR"
	CodeInvalidMessage   Code = "INVALID_MESSAGE"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeNotFound         Code = "NOT_FOUND"
	CodeForbidden        Code = "FORBIDDEN"
	CodeConflict         Code = "CONFLICT"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodeDeadlineExceeded Code = "DEADLINE_EXCEEDED"
	CodeInternal         Code = "INTERNAL"
)

type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Is matches any AppError carrying the same code, so wrapped sentinels compare equal.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if errors.As(target, &other) {
		return other.Code == e.Code && other.Cause == nil
	}
	return false
}

func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

var (
	ErrInvalidPair      = New(CodeInvalidPair, "a conversation needs two distinct participants")
	ErrSelfConversation = New(CodeInvalidPair, "cannot start a conversation about your own listing")
	ErrNotFound         = New(CodeNotFound, "conversation not found")
	ErrListingNotFound  = New(CodeNotFound, "listing not found")
	ErrForbidden        = New(CodeForbidden, "not a conversation participant")
	ErrInvalidMessage   = New(CodeInvalidMessage, "message needs a body or an attachment")
	ErrConflict         = New(CodeConflict, "conversation creation conflicted")
	ErrMissingRecipient = New(CodeInvalidArgument, "conversation id or recipient id is required")
	ErrPageOutOfRange   = New(CodeInvalidArgument, "page is out of range")
	ErrUnauthenticated  = New(CodeUnauthenticated, "invalid token")
	ErrDeadlineExceeded = New(CodeDeadlineExceeded, "operation timed out")
)

// CodeOf extracts the taxonomy code of err. Context deadlines map to
// DEADLINE_EXCEEDED and anything unclassified to INTERNAL.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeDeadlineExceeded
	}
	return CodeInternal
}

// Public returns the message safe to show to a caller.
func Public(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrDeadlineExceeded.Error()
	}
	return "internal error"
}
