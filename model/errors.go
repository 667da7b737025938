package model

import (
	"fmt"
	"net/http"
)

// Error codes carried by ErrorEnvelope.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendError       = "BACKEND_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

var codeStatus = map[string]int{
	ErrBadRequest:         http.StatusBadRequest,
	ErrUnauthorized:       http.StatusUnauthorized,
	ErrForbidden:          http.StatusForbidden,
	ErrNotFound:           http.StatusNotFound,
	ErrConflict:           http.StatusConflict,
	ErrValidationError:    http.StatusUnprocessableEntity,
	ErrInternalError:      http.StatusInternalServerError,
	ErrBackendError:       http.StatusBadGateway,
	ErrBackendUnavailable: http.StatusBadGateway,
	ErrBackendTimeout:     http.StatusGatewayTimeout,
}

// ErrorEnvelope is the error body returned by the console API.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

func (e *ErrorEnvelope) Error() string { return e.Code + ": " + e.Message }

// HTTPStatus is the response status for the envelope's code. Unknown codes
// map to 500.
func (e *ErrorEnvelope) HTTPStatus() int {
	if s, ok := codeStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// FieldError describes one rejected field of an entity body.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EntityError is the failure shape produced at the entity store boundary.
// TechnicalError carries what the backend or transport reported; Text is
// the message shown to the operator.
type EntityError struct {
	Entity         string `json:"entity,omitempty"`
	Action         string `json:"action,omitempty"`
	Status         int    `json:"status,omitempty"`
	TechnicalError string `json:"technicalError"`
	Text           string `json:"text"`
}

func (e *EntityError) Error() string {
	if e.TechnicalError == "" {
		return e.Text
	}
	return fmt.Sprintf("%s (%s)", e.Text, e.TechnicalError)
}

func envelope(code, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: msg}
}

func NewBadRequestError(msg string) *ErrorEnvelope   { return envelope(ErrBadRequest, msg) }
func NewUnauthorizedError(msg string) *ErrorEnvelope { return envelope(ErrUnauthorized, msg) }
func NewForbiddenError(msg string) *ErrorEnvelope    { return envelope(ErrForbidden, msg) }
func NewNotFoundError(msg string) *ErrorEnvelope     { return envelope(ErrNotFound, msg) }
func NewConflictError(msg string) *ErrorEnvelope     { return envelope(ErrConflict, msg) }

// NewValidationError reports rejected fields.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	e := envelope(ErrValidationError, "One or more fields are invalid")
	e.Details = details
	return e
}

// NewInternalError hides the cause from the operator; it is logged instead.
func NewInternalError() *ErrorEnvelope {
	return envelope(ErrInternalError, "An unexpected error occurred")
}

// NewBackendError surfaces the operator text of a failed aiBridge call.
func NewBackendError(e *EntityError) *ErrorEnvelope {
	return envelope(ErrBackendError, e.Text)
}

func NewBackendUnavailableError() *ErrorEnvelope {
	return envelope(ErrBackendUnavailable, "The backend service is temporarily unavailable")
}

func NewBackendTimeoutError() *ErrorEnvelope {
	return envelope(ErrBackendTimeout, "The backend service did not respond in time")
}
