// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-chat.

package api

import "fmt"

// Common errors used across the server.
var (
	ErrNotSupported = fmt.Errorf("operation not supported")
	ErrNotFound     = fmt.Errorf("resource not found")
)

// ErrorCode represents specific error conditions surfaced to clients.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeUnauthorized
	ErrCodeNotSupported
	ErrCodeAlreadyExists
	ErrCodeNotFound
	ErrCodeInternal
)

// HTTPStatus maps a code onto the status line used for HTTP replies.
func (c ErrorCode) HTTPStatus() (int, string) {
	switch c {
	case ErrCodeOK:
		return 200, "OK"
	case ErrCodeInvalidArgument, ErrCodeUnauthorized, ErrCodeAlreadyExists:
		return 400, "Bad Request"
	case ErrCodeNotFound:
		return 404, "Not Found"
	case ErrCodeNotSupported:
		return 501, "Not Implemented"
	default:
		return 500, "Internal Server Error"
	}
}

// Error is a client-facing failure. Message is sent verbatim: as the reason
// phrase of an HTTP reply or as the "message" of a WebSocket error packet.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string { return e.Message }

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}
