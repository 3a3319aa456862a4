package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All components MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField  ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidKind   ErrorCode = "validation_invalid_feature_kind"
	ErrCodeValidationInvalidPeriod ErrorCode = "validation_invalid_billing_period"

	// Auth (401)
	ErrCodeAuthTokenMissing ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid ErrorCode = "auth_token_invalid"

	// Quota decisions (403). These are decision outcomes feeding the upgrade
	// prompt flow, not faults; they still travel as AppError so the API layer
	// renders them uniformly.
	ErrCodeLimitCourses ErrorCode = "limit_courses_exceeded"
	ErrCodeLimitTasks   ErrorCode = "limit_tasks_exceeded"
	ErrCodeLimitNotes   ErrorCode = "limit_notes_exceeded"

	// Not Found (404)
	ErrCodeNotFoundProfile ErrorCode = "not_found_profile"
	ErrCodeNotFoundUser    ErrorCode = "not_found_user"

	// Resolvable billing-state errors (409/404): surfaced to the caller as
	// actionable messages, never silently swallowed.
	ErrCodeIdentityNotFound     ErrorCode = "identity_not_found"
	ErrCodeNoActiveSubscription ErrorCode = "no_active_subscription"

	// Programmer/config error: fatal to the single operation, not retried.
	ErrCodeInvalidPlanSelector ErrorCode = "invalid_plan_selector"

	// Cache-side failures (503): transient, retry on next trigger.
	ErrCodeStoreUnavailable ErrorCode = "store_unavailable"

	// Processor-side failures (502): "money movement failed", distinguished
	// from store_unavailable ("our bookkeeping failed").
	ErrCodeBillingProcessor    ErrorCode = "billing_processor_error"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"

	// Internal (500)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// LimitCodeFor returns the quota-exceeded error code for a feature kind.
func LimitCodeFor(kind FeatureKind) ErrorCode {
	switch kind {
	case FeatureCourses:
		return ErrCodeLimitCourses
	case FeatureTasks:
		return ErrCodeLimitTasks
	case FeatureNotes:
		return ErrCodeLimitNotes
	default:
		return ErrCodeInternalUnexpected
	}
}

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case strings.HasPrefix(s, "limit_"):
		return http.StatusForbidden // 403
	case strings.HasPrefix(s, "not_found_"), s == string(ErrCodeIdentityNotFound):
		return http.StatusNotFound // 404
	case s == string(ErrCodeNoActiveSubscription):
		return http.StatusConflict // 409
	case s == string(ErrCodeInvalidPlanSelector):
		return http.StatusBadRequest // 400
	case s == string(ErrCodeStoreUnavailable):
		return http.StatusServiceUnavailable // 503
	case strings.HasPrefix(s, "billing_processor"), strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	default:
		return http.StatusInternalServerError // 500
	}
}

// Transient reports whether the error code represents a condition that the
// caller should retry on the next trigger rather than treat as terminal.
func (c ErrorCode) Transient() bool {
	switch c {
	case ErrCodeStoreUnavailable, ErrCodeUpstreamUnavailable, ErrCodeUpstreamRateLimited:
		return true
	default:
		return false
	}
}

// AppError is the standard application error type used throughout the service.
// All domain errors are expressed as AppError to enable consistent error
// formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf extracts the ErrorCode from an error chain. Returns
// ErrCodeInternalUnexpected for non-AppError values.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}
