package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/wlcxs123/prd-system-sub000/internal/db"
)

type ErrorCode string

const (
	ErrorValidation       ErrorCode = "VALIDATION_ERROR"
	ErrorAuthRequired     ErrorCode = "AUTH_REQUIRED"
	ErrorAuth             ErrorCode = "AUTH_ERROR"
	ErrorSessionExpired   ErrorCode = "SESSION_EXPIRED"
	ErrorPermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrorNotFound         ErrorCode = "NOT_FOUND"
	ErrorResourceExists   ErrorCode = "RESOURCE_EXISTS"
	ErrorBusiness         ErrorCode = "BUSINESS_ERROR"
	ErrorOperationFailed  ErrorCode = "OPERATION_FAILED"
	ErrorServer           ErrorCode = "SERVER_ERROR"
	ErrorDatabase         ErrorCode = "DATABASE_ERROR"
	ErrorNetwork          ErrorCode = "NETWORK_ERROR"
)

// ErrInUse marks a record leased by an in-flight update or export.
var ErrInUse = errors.New("record in use")

type ServiceError struct {
	Code    ErrorCode
	Message string
	Details []string
	// Technical is for operators; the transport hides it in production.
	Technical  string
	RetryAfter int
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Technical != "" {
		return e.Message + ": " + e.Technical
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error { return e.Err }

func NewValidationError(msg string, details ...string) error {
	return &ServiceError{Code: ErrorValidation, Message: msg, Details: details}
}

func NewAuthRequiredError(msg string) error {
	return &ServiceError{Code: ErrorAuthRequired, Message: msg}
}

func NewAuthError(msg string) error { return &ServiceError{Code: ErrorAuth, Message: msg} }

func NewSessionExpiredError(msg string) error {
	return &ServiceError{Code: ErrorSessionExpired, Message: msg}
}

func NewPermissionDeniedError(msg string) error {
	return &ServiceError{Code: ErrorPermissionDenied, Message: msg}
}

func NewNotFoundError(msg string) error { return &ServiceError{Code: ErrorNotFound, Message: msg} }

func NewResourceExistsError(msg string) error {
	return &ServiceError{Code: ErrorResourceExists, Message: msg}
}

func NewBusinessError(msg string, details ...string) error {
	return &ServiceError{Code: ErrorBusiness, Message: msg, Details: details}
}

func NewOperationFailedError(msg string, err error) error {
	return &ServiceError{Code: ErrorOperationFailed, Message: msg, Err: err, Technical: errText(err)}
}

func NewServerError(err error) error {
	return &ServiceError{Code: ErrorServer, Message: "internal error", Err: err, Technical: errText(err)}
}

func NewDatabaseError(err error) error {
	se := &ServiceError{Code: ErrorDatabase, Message: "database error", Err: err, Technical: errText(err)}
	if db.IsBusy(err) {
		se.RetryAfter = 1
	}
	return se
}

func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// storeError maps errors escaping a store call into the service taxonomy.
// Service errors returned from inside a transaction pass through unchanged.
func storeError(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return NewOperationFailedError("operation cancelled", err)
	}
	if se, ok := AsServiceError(err); ok {
		return se
	}
	switch {
	case errors.Is(err, db.ErrNotFound):
		return NewNotFoundError(what + " not found")
	case errors.Is(err, db.ErrDuplicate):
		return NewResourceExistsError(what + " already exists")
	}
	return NewDatabaseError(fmt.Errorf("%s: %w", what, err))
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
