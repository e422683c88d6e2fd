// Package apperr defines the error taxonomy shared by the ledger packages.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation              Code = "validation_error"
	CodeConflict                Code = "conflict"
	CodeInvalidStatusTransition Code = "invalid_status_transition"
	CodeReceiptLocked           Code = "receipt_locked"
	CodeReceiptNotFound         Code = "receipt_not_found"
	CodeNotFound                Code = "not_found"
	CodeCashboxClosed           Code = "cashbox_closed"
	CodeNoOpenSession           Code = "no_open_session"
	CodeInternal                Code = "internal_error"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Error struct {
	Code    Code
	Message string
	Fields  []FieldError
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) HTTPStatus() int {
	return StatusFor(e.Code)
}

var (
	ErrReceiptLocked   = &Error{Code: CodeReceiptLocked, Message: "receipt is completed and can no longer change"}
	ErrReceiptNotFound = &Error{Code: CodeReceiptNotFound, Message: "receipt not found"}
	ErrNotFound        = &Error{Code: CodeNotFound, Message: "resource not found"}
	ErrCashboxClosed   = &Error{Code: CodeCashboxClosed, Message: "no cashbox session is open"}
	ErrNoOpenSession   = &Error{Code: CodeNoOpenSession, Message: "no open cashbox session to close"}
	ErrValidation      = &Error{Code: CodeValidation, Message: "validation failed"}
	ErrConflict        = &Error{Code: CodeConflict, Message: "conflict"}
	ErrInvalidStatus   = &Error{Code: CodeInvalidStatusTransition, Message: "invalid status transition"}
	ErrInternal        = &Error{Code: CodeInternal, Message: "internal error"}
)

func Validation(message string, fields ...FieldError) *Error {
	return &Error{Code: CodeValidation, Message: message, Fields: fields}
}

func Validationf(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func Conflict(message string) *Error {
	return &Error{Code: CodeConflict, Message: message}
}

func InvalidTransition(receiptType string, from string, to string, reason string) *Error {
	msg := fmt.Sprintf("cannot move %s receipt from %s to %s", receiptType, from, to)
	if reason != "" {
		msg += ": " + reason
	}
	return &Error{Code: CodeInvalidStatusTransition, Message: msg}
}

func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}

// CodeOf returns the taxonomy code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

func StatusFor(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusUnprocessableEntity
	case CodeReceiptNotFound, CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeInvalidStatusTransition, CodeReceiptLocked, CodeCashboxClosed, CodeNoOpenSession:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
