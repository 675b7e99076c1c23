// Package gatewayerr is the gateway's typed error taxonomy: every
// caller-observable failure carries a Code and a one-line message. It is
// transport-agnostic — the Connection Surface renders a *Error into an
// error frame at the edge, and internal callers check Code directly.
package gatewayerr

import "fmt"

// Code is one of the gateway's well-known error categories.
type Code string

const (
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeAuthRequired     Code = "AUTH_REQUIRED"
	CodeAuthFailed       Code = "AUTH_FAILED"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodePolicyBlocked    Code = "POLICY_BLOCKED"
	CodeApprovalRequired Code = "APPROVAL_REQUIRED"
	CodeApprovalDenied   Code = "APPROVAL_DENIED"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeBudgetExceeded   Code = "BUDGET_EXCEEDED"
	CodeNotFound         Code = "NOT_FOUND"
	CodeConflict         Code = "CONFLICT"
	CodeSanctioned       Code = "SANCTIONED"
	CodeUnsafeInput      Code = "UNSAFE_INPUT"
	CodeInvalidState     Code = "INVALID_STATE"
	CodeTimeout          Code = "TIMEOUT"
	CodeUpstreamError    Code = "UPSTREAM_ERROR"
	CodeInternal         Code = "INTERNAL_ERROR"
	CodeUnavailable      Code = "SERVICE_UNAVAILABLE"
)

// httpStatus maps a Code to its RFC 7807-equivalent HTTP status.
var httpStatus = map[Code]int{
	CodeValidation:       400,
	CodeAuthRequired:     401,
	CodeAuthFailed:       401,
	CodePermissionDenied: 403,
	CodePolicyBlocked:    403,
	CodeApprovalRequired: 412,
	CodeApprovalDenied:   403,
	CodeRateLimited:      429,
	CodeBudgetExceeded:   402,
	CodeNotFound:         404,
	CodeConflict:         409,
	CodeSanctioned:       423,
	CodeUnsafeInput:      400,
	CodeInvalidState:     409,
	CodeTimeout:          504,
	CodeUpstreamError:    502,
	CodeInternal:         500,
	CodeUnavailable:      503,
}

// Error is a typed, wrapped gateway error.
type Error struct {
	Code    Code
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

// HTTPStatus returns the HTTP status code this error maps to, defaulting
// to 500 for an unrecognized code.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return 500
}

// New constructs an *Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an *Error wrapping an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Convenience constructors matching the common gate-chain rejections.

func Validation(format string, args ...any) *Error {
	return New(CodeValidation, fmt.Sprintf(format, args...))
}

func PermissionDenied(format string, args ...any) *Error {
	return New(CodePermissionDenied, fmt.Sprintf(format, args...))
}

func AuthRequired(format string, args ...any) *Error {
	return New(CodeAuthRequired, fmt.Sprintf(format, args...))
}

func AuthFailed(format string, args ...any) *Error {
	return New(CodeAuthFailed, fmt.Sprintf(format, args...))
}

func PolicyBlocked(format string, args ...any) *Error {
	return New(CodePolicyBlocked, fmt.Sprintf(format, args...))
}

func ApprovalRequired(format string, args ...any) *Error {
	return New(CodeApprovalRequired, fmt.Sprintf(format, args...))
}

func ApprovalDenied(format string, args ...any) *Error {
	return New(CodeApprovalDenied, fmt.Sprintf(format, args...))
}

func Timeout(format string, args ...any) *Error {
	return New(CodeTimeout, fmt.Sprintf(format, args...))
}

func UpstreamError(err error, format string, args ...any) *Error {
	return Wrap(CodeUpstreamError, fmt.Sprintf(format, args...), err)
}

func RateLimited(format string, args ...any) *Error {
	return New(CodeRateLimited, fmt.Sprintf(format, args...))
}

func BudgetExceeded(format string, args ...any) *Error {
	return New(CodeBudgetExceeded, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) *Error {
	return New(CodeConflict, fmt.Sprintf(format, args...))
}

func Sanctioned(format string, args ...any) *Error {
	return New(CodeSanctioned, fmt.Sprintf(format, args...))
}

func UnsafeInput(format string, args ...any) *Error {
	return New(CodeUnsafeInput, fmt.Sprintf(format, args...))
}

func InvalidState(format string, args ...any) *Error {
	return New(CodeInvalidState, fmt.Sprintf(format, args...))
}

func Internal(err error, format string, args ...any) *Error {
	return Wrap(CodeInternal, fmt.Sprintf(format, args...), err)
}
