package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for API responses and logs.
type Code string

const (
	CodeAuth          Code = "auth"
	CodeTokenExchange Code = "token_exchange"
	CodeRemoteAPI     Code = "remote_api"
	CodePersistence   Code = "persistence"
	CodeValidation    Code = "validation"
	CodeConflict      Code = "conflict"
	CodeNotFound      Code = "not_found"
)

// Error is a classified application error. Message is safe to show to the
// calling UI; Err (if set) carries the underlying cause for logs.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the code to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeAuth:
		return http.StatusUnauthorized
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeTokenExchange, CodeRemoteAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause. A nil cause returns the same as New.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Err: cause}
}

// From extracts an *Error from err, or wraps it as an internal persistence
// failure so handlers always have a status + safe message to work with.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Code: CodePersistence, Message: "internal error", Err: err}
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == code
}
