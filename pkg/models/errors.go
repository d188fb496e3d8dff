package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrorCode is the machine-readable code attached to every tool failure.
type ErrorCode string

const (
	ErrImageNotFound        ErrorCode = "IMAGE_NOT_FOUND"
	ErrFileNotFound         ErrorCode = "FILE_NOT_FOUND"
	ErrFileAccessDenied     ErrorCode = "FILE_ACCESS_DENIED"
	ErrSearchFailed         ErrorCode = "SEARCH_FAILED"
	ErrSearchRateLimited    ErrorCode = "SEARCH_RATE_LIMITED"
	ErrCodeExecutionFailed  ErrorCode = "CODE_EXECUTION_FAILED"
	ErrCodeExecutionTimeout ErrorCode = "CODE_EXECUTION_TIMEOUT"
	ErrCodeSandboxError     ErrorCode = "CODE_SANDBOX_ERROR"
	ErrAgentNotFound        ErrorCode = "AGENT_NOT_FOUND"
	ErrAgentNotReady        ErrorCode = "AGENT_NOT_READY"
	ErrAgentLimitReached    ErrorCode = "AGENT_LIMIT_REACHED"
	ErrToolCallLimitReached ErrorCode = "TOOL_CALL_LIMIT_REACHED"
	ErrAPIError             ErrorCode = "API_ERROR"
	ErrAPIKeyMissing        ErrorCode = "API_KEY_MISSING"
	ErrValidationFailed     ErrorCode = "VALIDATION_FAILED"
	ErrUnknown              ErrorCode = "UNKNOWN_ERROR"
)

// ToolError is the structured failure returned to a calling LLM. Tool
// failures are results the model reads and reacts to, never Go errors
// propagated up the stack.
type ToolError struct {
	Code            ErrorCode `json:"errorCode"`
	Message         string    `json:"message"`
	SuggestedAction string    `json:"suggestedAction"`
	CanRetry        bool      `json:"canRetry"`
	RetryAfterMs    int64     `json:"retryAfterMs,omitempty"`
}

// NewToolError builds a ToolError with the given code and texts.
func NewToolError(code ErrorCode, message, suggestedAction string, canRetry bool) *ToolError {
	return &ToolError{Code: code, Message: message, SuggestedAction: suggestedAction, CanRetry: canRetry}
}

// WithRetryAfter returns a copy carrying a provider-supplied retry delay.
func (e *ToolError) WithRetryAfter(d time.Duration) *ToolError {
	cp := *e
	cp.RetryAfterMs = d.Milliseconds()
	return &cp
}

// Error implements the error interface so ToolError values can travel
// through error returns inside the tool layer before being serialized.
func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// JSON renders the error as the tool-result body handed back to the LLM.
func (e *ToolError) JSON() json.RawMessage {
	data, err := json.Marshal(e)
	if err != nil {
		// Marshal of a flat struct cannot fail; keep a fallback anyway.
		return json.RawMessage(fmt.Sprintf(`{"errorCode":%q,"message":%q}`, e.Code, e.Message))
	}
	return data
}

// AsToolError extracts a ToolError from an error chain.
func AsToolError(err error) (*ToolError, bool) {
	var te *ToolError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// ToolErrorFrom converts any error into a ToolError: existing ToolErrors
// pass through, everything else becomes UNKNOWN_ERROR.
func ToolErrorFrom(err error) *ToolError {
	if te, ok := AsToolError(err); ok {
		return te
	}
	return NewToolError(ErrUnknown, err.Error(),
		"An unexpected error occurred. Try a different approach or continue with the information you have.", false)
}

// FailureType classifies provider failures for retry backoff and for the
// agent_failed event payload.
type FailureType string

const (
	FailureBadRequest  FailureType = "bad_request"
	FailureRateLimit   FailureType = "rate_limit"
	FailureServerError FailureType = "server_error"
	FailureAuthError   FailureType = "auth_error"
	FailureUnknown     FailureType = "unknown"
)

// BackoffBase returns the base delay before retrying a failed LLM call.
// Rate limits wait longer; the caller scales by 2^(attempt-1).
func (f FailureType) BackoffBase() time.Duration {
	if f == FailureRateLimit {
		return 5 * time.Second
	}
	return 2 * time.Second
}

// Retryable reports whether a failure of this type is worth retrying at all.
// Bad requests and auth failures will fail identically on every attempt.
func (f FailureType) Retryable() bool {
	switch f {
	case FailureBadRequest, FailureAuthError:
		return false
	}
	return true
}
