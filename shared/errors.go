package shared

import (
	"errors"
	"net/http"
)

type AppError struct {
	StatusCode int         `json:"code"`
	Message    string      `json:"message"`
	Data       interface{} `json:"data,omitempty"`
	Err        error       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func newAppError(statusCode int, err error, message string) *AppError {
	return &AppError{
		StatusCode: statusCode,
		Message:    message,
		Err:        err,
	}
}

func NewBadRequestError(err error, message string) *AppError {
	return newAppError(http.StatusBadRequest, err, message)
}

func NewUnauthorizedError(err error, message string) *AppError {
	return newAppError(http.StatusUnauthorized, err, message)
}

func NewForbiddenError(err error, message string) *AppError {
	return newAppError(http.StatusForbidden, err, message)
}

func NewNotFoundError(err error, message string) *AppError {
	return newAppError(http.StatusNotFound, err, message)
}

// NewGoneError marks sessions past their lifetime, the caller is expected
// to start a fresh attempt.
func NewGoneError(err error, message string) *AppError {
	return newAppError(http.StatusGone, err, message)
}

func NewConflictError(err error, message string) *AppError {
	return newAppError(http.StatusConflict, err, message)
}

func NewTooManyRequestsError(err error, message string) *AppError {
	return newAppError(http.StatusTooManyRequests, err, message)
}

// NewServiceUnavailableError marks transient backing-store failures that
// survived the local retry budget. Retriable by the caller.
func NewServiceUnavailableError(err error, message string) *AppError {
	return newAppError(http.StatusServiceUnavailable, err, message)
}

func NewInternalError(err error, message string) *AppError {
	return newAppError(http.StatusInternalServerError, err, message)
}

// GetAppError unwraps err looking for an AppError anywhere in the chain.
func GetAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsStatus reports whether err carries an AppError with the given HTTP status.
func IsStatus(err error, statusCode int) bool {
	appErr, ok := GetAppError(err)
	return ok && appErr.StatusCode == statusCode
}
