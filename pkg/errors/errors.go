// Package errors defines the error taxonomy shared by every SICC component.
// Errors are classified by kind; the kind decides the HTTP status code and
// whether a background worker may retry the operation.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies an error independently of where it was raised.
type Kind string

const (
	KindValidation    Kind = "validation_error"
	KindNotFound      Kind = "not_found_error"
	KindForbidden     Kind = "forbidden_error"
	KindConfiguration Kind = "configuration_error"
	KindConflict      Kind = "conflict_error"
	KindTransient     Kind = "transient_error"
	KindInternal      Kind = "internal_error"
)

// Stable error codes surfaced in API responses.
const (
	CodeValidation          = "validation_failed"
	CodeContentEmpty        = "content_empty"
	CodeInvalidChunkType    = "invalid_chunk_type"
	CodeNotFound            = "not_found"
	CodeAgentNotFound       = "agent_not_found"
	CodeForbidden           = "forbidden"
	CodeAgentMissingClient  = "agent_missing_client"
	CodeModelUnavailable    = "embedding_model_unavailable"
	CodeSettingsOutOfRange  = "settings_out_of_range"
	CodeAlreadyConsolidated = "already_consolidated"
	CodeAlreadyTerminal     = "already_terminal"
	CodeInProgress          = "consolidation_in_progress"
	CodeTransient           = "transient"
	CodeInternal            = "internal"
)

// Error is the concrete error type returned by SICC services.
type Error struct {
	Kind      Kind   `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Hint      string `json:"hint,omitempty"`
	Retryable bool   `json:"-"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatusCode maps the error kind to a response status.
func (e *Error) HTTPStatusCode() int {
	return StatusForKind(e.Kind)
}

// StatusForKind returns the HTTP status used for a kind.
func StatusForKind(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// Input
// =============================================================================

// NewValidationError creates a 400 error for malformed input.
func NewValidationError(message string) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Message: message}
}

// NewContentEmptyError is returned when a memory has no content.
func NewContentEmptyError() *Error {
	return &Error{Kind: KindValidation, Code: CodeContentEmpty, Message: "content must not be empty"}
}

// =============================================================================
// Identity
// =============================================================================

// NewNotFoundError creates a 404 error for the named resource.
func NewNotFoundError(resource, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s %q not found", resource, id),
	}
}

// NewAgentNotFoundError is returned when an agent id does not resolve.
func NewAgentNotFoundError(agentID string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Code:    CodeAgentNotFound,
		Message: fmt.Sprintf("agent %q not found", agentID),
	}
}

// NewForbiddenError is returned for cross-tenant access.
func NewForbiddenError(message string) *Error {
	return &Error{Kind: KindForbidden, Code: CodeForbidden, Message: message}
}

// =============================================================================
// Configuration
// =============================================================================

// NewAgentMissingClientError is returned when an agent has no owning client.
func NewAgentMissingClientError(agentID string) *Error {
	return &Error{
		Kind:    KindConfiguration,
		Code:    CodeAgentMissingClient,
		Message: fmt.Sprintf("agent %q has no client_id", agentID),
		Hint:    "assign the agent to a client before storing knowledge for it",
	}
}

// NewModelUnavailableError is returned when the embedding backend cannot serve requests.
func NewModelUnavailableError(model string, cause error) *Error {
	return &Error{
		Kind:    KindConfiguration,
		Code:    CodeModelUnavailable,
		Message: fmt.Sprintf("embedding model %q is unavailable", model),
		Hint:    "check embedding.provider, embedding.api_base and the model identifier",
		Err:     cause,
	}
}

// NewSettingsOutOfRangeError is returned when per-agent settings violate their bounds.
func NewSettingsOutOfRangeError(message string) *Error {
	return &Error{
		Kind:    KindConfiguration,
		Code:    CodeSettingsOutOfRange,
		Message: message,
		Hint:    "thresholds must satisfy 0 <= manual_review_threshold <= auto_approve_threshold <= 1",
	}
}

// =============================================================================
// Conflict
// =============================================================================

// NewAlreadyConsolidatedError is returned when an approved log is approved again.
func NewAlreadyConsolidatedError(logID string) *Error {
	return &Error{
		Kind:    KindConflict,
		Code:    CodeAlreadyConsolidated,
		Message: fmt.Sprintf("learning %q is already consolidated", logID),
	}
}

// NewAlreadyTerminalError is returned for transitions out of a terminal status.
func NewAlreadyTerminalError(logID, status string) *Error {
	return &Error{
		Kind:    KindConflict,
		Code:    CodeAlreadyTerminal,
		Message: fmt.Sprintf("learning %q is already %s", logID, status),
	}
}

// NewInProgressError is returned when another worker holds the consolidation claim.
func NewInProgressError(logID string) *Error {
	return &Error{
		Kind:      KindConflict,
		Code:      CodeInProgress,
		Message:   fmt.Sprintf("learning %q is being consolidated", logID),
		Retryable: true,
	}
}

// =============================================================================
// Transient / internal
// =============================================================================

// NewTransientError wraps a failure that may succeed on retry.
func NewTransientError(message string, cause error) *Error {
	return &Error{
		Kind:      KindTransient,
		Code:      CodeTransient,
		Message:   message,
		Retryable: true,
		Err:       cause,
	}
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: message, Err: cause}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// IsRetryable reports whether a worker may retry the failed operation.
// Errors that do not belong to the taxonomy are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := As(err); ok {
		return e.Retryable || e.Kind == KindTransient
	}
	return true
}

// StatusCode returns the HTTP status for any error.
func StatusCode(err error) int {
	if e, ok := As(err); ok {
		return e.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}
