package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"docroom/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput        ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden           ErrorCode = "FORBIDDEN"
	ErrCodeConflict            ErrorCode = "CONFLICT"
	ErrCodeRateLimit           ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal            ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable  ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeAuthorizationDenied ErrorCode = "AUTHORIZATION_DENIED"
	ErrCodeBusUnavailable      ErrorCode = "BUS_UNAVAILABLE"
	ErrCodeMediaUnavailable    ErrorCode = "MEDIA_UNAVAILABLE"
	ErrCodeSessionClosed       ErrorCode = "SESSION_CLOSED"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// Common error constructors
func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// FromDomain maps session errors onto HTTP responses. Errors it does not
// recognize become internal errors.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}

	var denial *domain.DenialError
	switch {
	case stderrors.As(err, &denial):
		return WrapError(err, ErrCodeAuthorizationDenied, denial.Error(), http.StatusForbidden).
			WithContext("reason", denial.Reason)
	case stderrors.Is(err, domain.ErrAuthorizationDenied):
		return WrapError(err, ErrCodeAuthorizationDenied, "join request denied", http.StatusForbidden)
	case stderrors.Is(err, domain.ErrNotAuthorized), stderrors.Is(err, domain.ErrJoinTimeout):
		return WrapError(err, ErrCodeForbidden, "session is not authorized", http.StatusForbidden)
	case stderrors.Is(err, domain.ErrVoiceNotReady):
		return WrapError(err, ErrCodeConflict, "voice channel is not ready", http.StatusConflict)
	case stderrors.Is(err, domain.ErrBusUnavailable), stderrors.Is(err, domain.ErrBusClosed):
		return WrapError(err, ErrCodeBusUnavailable, "room bus unavailable", http.StatusServiceUnavailable)
	case stderrors.Is(err, domain.ErrMediaAcquisition):
		return WrapError(err, ErrCodeMediaUnavailable, "microphone unavailable", http.StatusServiceUnavailable)
	case stderrors.Is(err, domain.ErrSessionClosed):
		return WrapError(err, ErrCodeSessionClosed, "session closed", http.StatusGone)
	case stderrors.Is(err, domain.ErrPeerNotFound):
		return WrapError(err, ErrCodeNotFound, "peer not found", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrMalformedMessage):
		return WrapError(err, ErrCodeInvalidInput, "malformed message", http.StatusBadRequest)
	}
	return WrapError(err, ErrCodeInternal, "Internal server error", http.StatusInternalServerError)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}
