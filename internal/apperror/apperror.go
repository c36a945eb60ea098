// Package apperror provides the error taxonomy distinguishing caller-visible
// errors from background errors (reconcile, hooks, audit).
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants.
const (
	CodeNotFound             = "NOT_FOUND"
	CodeBadRequest           = "BAD_REQUEST"
	CodeConflict             = "CONFLICT"
	CodeInternal             = "INTERNAL_ERROR"
	CodeUnavailable          = "SERVICE_UNAVAILABLE"
	CodeReconcileExhausted   = "RECONCILE_EXHAUSTED"
	CodeCredentialReadOnly   = "CREDENTIAL_READONLY"
	CodeCredentialUnknown    = "CREDENTIAL_UNKNOWN_SERVICE"
	CodeProxyCAMissing       = "PROXY_CA_MISSING"
	CodeUnsupportedOperation = "UNSUPPORTED_OPERATION"
)

// AppError is the application-wide error envelope.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a not-found error for a named resource.
func NotFound(resource, id string) *AppError {
	return &AppError{Code: CodeNotFound, Message: fmt.Sprintf("%s with id %q not found", resource, id), HTTPStatus: http.StatusNotFound}
}

// BadRequest creates a caller-input error (spec.md "user errors").
func BadRequest(message string) *AppError {
	return &AppError{Code: CodeBadRequest, Message: message, HTTPStatus: http.StatusBadRequest}
}

// Conflict creates a name/resource collision error.
func Conflict(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message, HTTPStatus: http.StatusConflict}
}

// Internal wraps an unexpected or substrate error.
func Internal(message string, err error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// Unavailable marks a substrate or dependency as temporarily unreachable.
func Unavailable(service string) *AppError {
	return &AppError{Code: CodeUnavailable, Message: fmt.Sprintf("%s is currently unavailable", service), HTTPStatus: http.StatusServiceUnavailable}
}

// ReconcileExhausted marks a session whose reconcile_attempts budget is spent.
func ReconcileExhausted(sessionID string) *AppError {
	return &AppError{Code: CodeReconcileExhausted, Message: fmt.Sprintf("session %s exceeded reconcile attempt budget", sessionID), HTTPStatus: http.StatusConflict}
}

// CredentialReadOnly is returned when a caller tries to mutate an env-sourced credential.
func CredentialReadOnly(service string) *AppError {
	return &AppError{Code: CodeCredentialReadOnly, Message: fmt.Sprintf("credential %q is sourced from the environment and is readonly", service), HTTPStatus: http.StatusConflict}
}

// CredentialUnknown is returned for a service id outside the closed set.
func CredentialUnknown(service string) *AppError {
	return &AppError{Code: CodeCredentialUnknown, Message: fmt.Sprintf("invalid service id: %q", service), HTTPStatus: http.StatusBadRequest}
}

// ProxyCAMissing is returned by backend create() when the proxy CA is required
// but absent — the session-creation failure from spec.md §8 scenario 1.
func ProxyCAMissing(path string) *AppError {
	return &AppError{Code: CodeProxyCAMissing, Message: fmt.Sprintf("proxy CA not found at %s; run the daemon once to generate it", path), HTTPStatus: http.StatusPreconditionFailed}
}

// Unsupported marks a backend operation not offered by the current substrate
// (e.g. get_output on the Apple-native container runtime).
func Unsupported(op, substrate string) *AppError {
	return &AppError{Code: CodeUnsupportedOperation, Message: fmt.Sprintf("%s is unsupported on %s", op, substrate), HTTPStatus: http.StatusNotImplemented}
}

// Wrap preserves an AppError's code/status while prefixing its message, or
// wraps a plain error as Internal.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{Code: appErr.Code, Message: fmt.Sprintf("%s: %s", message, appErr.Message), HTTPStatus: appErr.HTTPStatus, Err: err}
	}
	return &AppError{Code: CodeInternal, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// IsNotFound reports whether err is a not-found AppError.
func IsNotFound(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == CodeNotFound
}

// GetHTTPStatus returns the status code for err, defaulting to 500.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
