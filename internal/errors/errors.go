// Package errors defines the structured application error used at the
// boundaries of the queue (stores, services, CLI) and the mapping of driver
// and domain errors onto it.
package errors

import (
	"errors"
	"fmt"

	"github.com/target/mmk-queue/internal/domain/model"
)

// ErrorCode is the category of an AppError.
type ErrorCode string

const (
	ErrCodeNotFound    ErrorCode = "not_found"
	ErrCodeConflict    ErrorCode = "conflict" // lost compare-and-swap or duplicate id
	ErrCodeValidation  ErrorCode = "validation"
	ErrCodeForeignKey  ErrorCode = "foreign_key"
	ErrCodeUnavailable ErrorCode = "unavailable" // backing store unreachable
	ErrCodeInternal    ErrorCode = "internal"
	ErrCodeTimeout     ErrorCode = "timeout"
	ErrCodeCanceled    ErrorCode = "canceled"
)

// AppError carries a code and a user-facing message. Field names the offending
// input for validation errors.
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Field   string
}

func (e *AppError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *AppError) Unwrap() error { return e.Cause }

func newError(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Validation(message string) *AppError { return newError(ErrCodeValidation, message) }

// ValidationField is a validation error attributed to one input field.
func ValidationField(field, message string) *AppError {
	e := newError(ErrCodeValidation, message)
	e.Field = field
	return e
}

// Wrap attaches code and message to err. A nil err stays nil.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	e := newError(code, message)
	e.Cause = err
	return e
}

func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// GetCode is the code of the first AppError in err's chain, or "".
func GetCode(err error) ErrorCode {
	var e *AppError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// GetField is the Field of the first AppError in err's chain, or "".
func GetField(err error) string {
	var e *AppError
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}

// HasCode reports whether err's chain holds an AppError with code.
func HasCode(err error, code ErrorCode) bool {
	return code != "" && GetCode(err) == code
}

func IsNotFound(err error) bool   { return HasCode(err, ErrCodeNotFound) }
func IsConflict(err error) bool   { return HasCode(err, ErrCodeConflict) }
func IsValidation(err error) bool { return HasCode(err, ErrCodeValidation) }

// Classify returns the code for any error: an AppError's own code, the
// closest code for queue sentinels and context errors, internal otherwise.
func Classify(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if code := GetCode(err); code != "" {
		return code
	}
	switch {
	case errors.Is(err, model.ErrJobNotFound):
		return ErrCodeNotFound
	case errors.Is(err, model.ErrConflict):
		return ErrCodeConflict
	case errors.Is(err, model.ErrInvalidCursor):
		return ErrCodeValidation
	case errors.Is(err, model.ErrTimeout):
		return ErrCodeTimeout
	}
	if mapped := mapContextError(err); mapped != nil {
		return GetCode(mapped)
	}
	return ErrCodeInternal
}
