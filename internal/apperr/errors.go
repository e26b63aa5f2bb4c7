// Package apperr carries coded errors between the HTTP layer, the
// reference backend and the client.
package apperr

import (
	"errors"
	"fmt"
)

type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Is matches any AppError with the same code, so sentinels below work
// with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// Constructors
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func InvalidArg(msg string) error {
	return New(CodeInvalidArgument, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

func Forbidden(msg string) error {
	return New(CodePermissionDenied, msg)
}

func Internal(msg string) error {
	return New(CodeInternal, msg)
}

func Unavailable(msg string, cause error) error {
	return Wrap(CodeUnavailable, msg, cause)
}

// FromStatus builds the error for a non-2xx API response.
func FromStatus(status int, msg string) error {
	if msg == "" {
		msg = fmt.Sprintf("request failed with status %d", status)
	}
	return &AppError{Code: CodeForStatus(status), Message: msg, Status: status}
}

// CodeOf returns the code of the first AppError in err's chain.
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeUnknown
}

// HTTPStatus picks the response status for err.
func HTTPStatus(err error) int {
	var ae *AppError
	if errors.As(err, &ae) {
		if ae.Status != 0 {
			return ae.Status
		}
		return ae.Code.Status()
	}
	return CodeInternal.Status()
}

// Sentinel codes for errors.Is checks.
var (
	ErrNotFound    = &AppError{Code: CodeNotFound}
	ErrForbidden   = &AppError{Code: CodePermissionDenied}
	ErrInvalid     = &AppError{Code: CodeInvalidArgument}
	ErrUnavailable = &AppError{Code: CodeUnavailable}
)
