// Package api serves provider webhooks and the tenant HTTP API.
package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/ihiteshgupta/channel-bridge/internal/connection"
	"github.com/ihiteshgupta/channel-bridge/internal/outbound"
	"github.com/ihiteshgupta/channel-bridge/internal/provider"
	"github.com/ihiteshgupta/channel-bridge/internal/store"
)

// Error codes
const (
	ErrInvalidInput    = "INVALID_INPUT"
	ErrNotFound        = "NOT_FOUND"
	ErrWrongChannel    = "WRONG_CHANNEL"
	ErrNotConfigured   = "NOT_CONFIGURED"
	ErrPhoneConflict   = "PHONE_CONFLICT"
	ErrProviderTimeout = "PROVIDER_TIMEOUT"
	ErrProviderError   = "PROVIDER_ERROR"
	ErrInternal        = "INTERNAL_ERROR"
)

// APIError represents a structured error for API responses.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Retry   bool   `json:"retry"`

	status int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Status returns the HTTP status the error is served with.
func (e *APIError) Status() int {
	if e.status == 0 {
		return http.StatusInternalServerError
	}
	return e.status
}

// NewInvalidInputError creates an error for invalid input.
func NewInvalidInputError(message string) *APIError {
	return &APIError{Code: ErrInvalidInput, Message: message, status: http.StatusBadRequest}
}

// NewNotFoundError creates an error for not found resources.
func NewNotFoundError(resource string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("Resource not found: %s", resource),
		status:  http.StatusNotFound,
	}
}

// NewInternalError creates an error for internal errors.
func NewInternalError(err error) *APIError {
	return &APIError{
		Code:    ErrInternal,
		Message: fmt.Sprintf("Internal error: %s", err.Error()),
		status:  http.StatusInternalServerError,
	}
}

// FromError classifies err into an APIError.
func FromError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var verrs validator.ValidationErrors
	var sendErr *outbound.ValidationError
	var perr *provider.Error

	switch {
	case errors.As(err, &verrs), errors.As(err, &sendErr):
		return NewInvalidInputError(err.Error())
	case errors.Is(err, store.ErrNotFound):
		return &APIError{Code: ErrNotFound, Message: err.Error(), status: http.StatusNotFound}
	case errors.Is(err, store.ErrConflict), errors.Is(err, outbound.ErrNotSent):
		return &APIError{Code: ErrInvalidInput, Message: err.Error(), status: http.StatusConflict}
	case errors.Is(err, outbound.ErrWrongChannel):
		return &APIError{Code: ErrWrongChannel, Message: err.Error(), status: http.StatusUnprocessableEntity}
	case errors.Is(err, connection.ErrPhoneConflict):
		return &APIError{Code: ErrPhoneConflict, Message: err.Error(), status: http.StatusConflict}
	case errors.Is(err, provider.ErrNotConfigured), errors.Is(err, outbound.ErrNoInstance):
		return &APIError{Code: ErrNotConfigured, Message: err.Error(), status: http.StatusPreconditionFailed}
	case errors.Is(err, provider.ErrTimeout):
		return &APIError{Code: ErrProviderTimeout, Message: err.Error(), Retry: true, status: http.StatusGatewayTimeout}
	case errors.Is(err, provider.ErrUnsupported):
		return &APIError{Code: ErrProviderError, Message: err.Error(), status: http.StatusNotImplemented}
	case errors.Is(err, provider.ErrConnectionClosed):
		return &APIError{Code: ErrProviderError, Message: err.Error(), Retry: true, status: http.StatusBadGateway}
	case errors.As(err, &perr):
		return &APIError{Code: ErrProviderError, Message: err.Error(), Retry: perr.Transient(), status: http.StatusBadGateway}
	case errors.Is(err, outbound.ErrClosed):
		return &APIError{Code: ErrInternal, Message: err.Error(), Retry: true, status: http.StatusServiceUnavailable}
	default:
		return NewInternalError(err)
	}
}

// writeError serves err as JSON.
func writeError(c echo.Context, err error) error {
	apiErr := FromError(err)
	return c.JSON(apiErr.Status(), apiErr)
}
