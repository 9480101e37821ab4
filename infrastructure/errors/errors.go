// Package errors provides the unified error taxonomy for the rollup engine
// core (§7 of the design). Every error the core returns to a caller is a
// *ServiceError so callers can branch on Code instead of string-matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a taxonomy member from §7.
type ErrorCode string

const (
	CodeValidation    ErrorCode = "VALIDATION"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeConflict      ErrorCode = "CONFLICT"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeExecution     ErrorCode = "EXECUTION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCircuitOpen   ErrorCode = "CIRCUIT_OPEN"
	CodeCache         ErrorCode = "CACHE"
	CodeIndexBuild    ErrorCode = "INDEX_BUILD"
	CodeLookup        ErrorCode = "LOOKUP"
)

// ServiceError is a structured error carrying a stable Code, a safe-to-expose
// Message, an HTTP status a caller may map to, and an internal Details map
// that must never reach an untrusted caller (see SafeResponse).
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"-"`
	Transient  bool                   `json:"-"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AsTransient marks the error retryable per §7's TransientError tag.
func (e *ServiceError) AsTransient() *ServiceError {
	e.Transient = true
	return e
}

// SafeResponse is what the safe-response rule in §7 allows an untrusted
// caller to see: code, message, and a correlation id, nothing else.
type SafeResponse struct {
	Code          ErrorCode `json:"code"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

func (e *ServiceError) SafeResponse(correlationID string) SafeResponse {
	return SafeResponse{Code: e.Code, Message: e.Message, CorrelationID: correlationID}
}

func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Validation errors (inputs rejected before any side effect).

func NewValidation(field, reason string) *ServiceError {
	return New(CodeValidation, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).WithDetails("reason", reason)
}

// Not-found errors (entity absent or tenant-scoped away — indistinguishable,
// per the authorization invariant in §4.F).

func NewNotFound(resource, id string) *ServiceError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound).
		WithDetails("resource", resource).WithDetails("id", id)
}

// Conflict errors (optimistic-concurrency version mismatch).

func NewConflict(message string) *ServiceError {
	return New(CodeConflict, message, http.StatusConflict)
}

// Configuration errors (policy-limit or cron-shape violations).

func NewConfiguration(message string) *ServiceError {
	return New(CodeConfiguration, message, http.StatusUnprocessableEntity)
}

// Execution errors carry the phase they failed in and whether the
// orchestrator should retry them (§4.G).

func NewExecution(phase string, retryable bool, cause error) *ServiceError {
	return Wrap(CodeExecution, fmt.Sprintf("execution failed in phase %q", phase), http.StatusInternalServerError, cause).
		WithDetails("phase", phase).WithDetails("retryable", retryable)
}

func (e *ServiceError) Retryable() bool {
	if e.Code != CodeExecution {
		return false
	}
	retryable, _ := e.Details["retryable"].(bool)
	return retryable
}

func (e *ServiceError) Phase() string {
	phase, _ := e.Details["phase"].(string)
	return phase
}

// Timeout errors (wall-clock budget exceeded).

func NewTimeout(operation string) *ServiceError {
	return New(CodeTimeout, "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

// CircuitOpenError carries a retry-after hint (§4.G circuit breaker).

func NewCircuitOpen(service string, retryAfterMs int64) *ServiceError {
	return New(CodeCircuitOpen, fmt.Sprintf("circuit open for %s", service), http.StatusServiceUnavailable).
		WithDetails("service", service).WithDetails("retryAfterMs", retryAfterMs)
}

func (e *ServiceError) RetryAfterMs() int64 {
	ms, _ := e.Details["retryAfterMs"].(int64)
	return ms
}

// Cache errors are always non-fatal to the caller — treat as a miss.

func NewCache(operation string, cause error) *ServiceError {
	return Wrap(CodeCache, "cache operation degraded", http.StatusOK, cause).
		WithDetails("operation", operation)
}

// Index subsystem errors.

func NewIndexBuild(created, errCount int, sampleErrorNodeIDs []string) *ServiceError {
	return New(CodeIndexBuild, "index build failed", http.StatusInternalServerError).
		WithDetails("created", created).
		WithDetails("errors", errCount).
		WithDetails("sampleErrorNodeIds", sampleErrorNodeIDs)
}

func NewLookup(message string) *ServiceError {
	return New(CodeLookup, message, http.StatusBadRequest)
}

// Helpers

func IsServiceError(err error) bool {
	var se *ServiceError
	return errors.As(err, &se)
}

func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

func GetHTTPStatus(err error) int {
	if se := GetServiceError(err); se != nil {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}

func Is(err error, code ErrorCode) bool {
	if se := GetServiceError(err); se != nil {
		return se.Code == code
	}
	return false
}
