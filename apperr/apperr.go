// Package apperr defines the error taxonomy shared by the wallet
// engine and the HTTP layer. Every AppError carries the HTTP status
// the facade should answer with, so handlers map failures uniformly.
package apperr

import (
	"fmt"
	"net/http"
)

type Kind string

const (
	Connection    Kind = "CONNECTION"
	Database      Kind = "DATABASE"
	Validation    Kind = "VALIDATION"
	Unknown       Kind = "UNKNOWN"
	Timeout       Kind = "TIMEOUT"
	NotFound      Kind = "NOTFOUND"
	AlreadyExists Kind = "ALREADY_EXISTS"
	Unauthorized  Kind = "UNAUTHORIZED"
	Server        Kind = "SERVER"
	Limit         Kind = "LIMIT"
)

type AppError struct {
	StatusCode int            `json:"-"`
	Kind       Kind           `json:"kind"`
	Message    string         `json:"message"`
	Params     map[string]any `json:"params,omitempty"`
}

func (e *AppError) Error() string {
	return e.Message
}

func New(statusCode int, kind Kind, message string) *AppError {
	return &AppError{StatusCode: statusCode, Kind: kind, Message: message}
}

func Newf(statusCode int, kind Kind, format string, args ...any) *AppError {
	return &AppError{StatusCode: statusCode, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithParams attaches caller context without mutating the original.
func (e *AppError) WithParams(params map[string]any) *AppError {
	clone := *e
	clone.Params = params
	return &clone
}

func ValidationError(message string) *AppError {
	return New(http.StatusBadRequest, Validation, message)
}

func LimitError(message string) *AppError {
	return New(http.StatusBadRequest, Limit, message)
}

func UnauthorizedError(message string) *AppError {
	return New(http.StatusUnauthorized, Unauthorized, message)
}

func NotFoundError(message string) *AppError {
	return New(http.StatusNotFound, NotFound, message)
}

func ConnectionError(message string) *AppError {
	return New(http.StatusInternalServerError, Connection, message)
}

func DatabaseError(message string) *AppError {
	return New(http.StatusInternalServerError, Database, message)
}

// TimeoutError is used when a Lightning payment is still in flight:
// the 202 tells the caller to check the quote again later.
func TimeoutError(message string) *AppError {
	return New(http.StatusAccepted, Timeout, message)
}

func UnknownError(message string) *AppError {
	return New(http.StatusInternalServerError, Unknown, message)
}
