// Package apperrors defines the error taxonomy shared by services and
// handlers. Every error a request can fail with carries a Kind that decides
// its HTTP status and a stable Code the signing UI keys its message on.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthorization
	KindNotFound
	KindConflict
	KindExpired
	KindDependency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindExpired:
		return "expired"
	case KindDependency:
		return "dependency"
	default:
		return "internal"
	}
}

// Stable error codes.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeInvalidToken      = "INVALID_TOKEN"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeNotFound          = "NOT_FOUND"
	CodeAlreadySigned     = "ALREADY_SIGNED"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeCancelled         = "CONTRACT_CANCELLED"
	CodeNotExecuted       = "NOT_FULLY_EXECUTED"
	CodeDuplicateNumber   = "DUPLICATE_CONTRACT_NUMBER"
	CodeExpired           = "EXPIRED"
	CodeDependency        = "DEPENDENCY_FAILURE"
	CodeInternal          = "INTERNAL_ERROR"
)

type Error struct {
	Kind    Kind
	Code    string
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

func NewValidation(msg string) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Message: msg}
}

func NewAuthorization(code, msg string) *Error {
	return &Error{Kind: KindAuthorization, Code: code, Message: msg}
}

func NewNotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: msg}
}

func NewConflict(code, msg string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: msg}
}

func NewAlreadySigned(msg string) *Error {
	return &Error{Kind: KindConflict, Code: CodeAlreadySigned, Message: msg}
}

func NewExpired(msg string) *Error {
	return &Error{Kind: KindExpired, Code: CodeExpired, Message: msg}
}

// NewDependency wraps a collaborator failure. These are logged, never
// returned to the caller of sign or send.
func NewDependency(msg string, err error) *Error {
	return &Error{Kind: KindDependency, Code: CodeDependency, Message: msg, Err: err}
}

// KindOf returns KindInternal for errors outside the taxonomy.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// CodeOf returns the stable code, CodeInternal for unknown errors.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return CodeOf(err) == code
}

func HTTPStatus(err error) int {
	var ae *Error
	if !errors.As(err, &ae) {
		return http.StatusInternalServerError
	}
	switch ae.Kind {
	case KindValidation, KindExpired:
		return http.StatusBadRequest
	case KindAuthorization:
		if ae.Code == CodeUnauthorized {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		if ae.Code == CodeAlreadySigned {
			return http.StatusBadRequest
		}
		return http.StatusConflict
	case KindDependency:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is safe to show to a caller; internal errors are masked.
func PublicMessage(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Kind != KindInternal {
		return ae.Message
	}
	return "An unexpected error occurred"
}
