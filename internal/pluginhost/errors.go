package pluginhost

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for HTTP-boundary mapping and retry policy.
// It mirrors the taxonomy used throughout the ting-reader plugin runtime
// (core/error.rs), not Go's own error-wrapping mechanism.
type Kind string

const (
	KindNotFound              Kind = "not_found"               // 404
	KindAlreadyRegistered     Kind = "already_registered"       // 409
	KindDependency            Kind = "dependency_error"         // 409
	KindLoad                  Kind = "load_error"
	KindExecution             Kind = "execution_error"
	KindTimeout               Kind = "timeout_error"
	KindPermissionDenied      Kind = "permission_denied"
	KindResourceLimitExceeded Kind = "resource_limit_exceeded"
	KindConfig                Kind = "config_error"
	KindValidation            Kind = "validation_error"
)

// retryable is true for error kinds the caller may reasonably retry:
// timeout and execution failures. Resource-limit, permission, load,
// validation, config, not-found, already-registered and dependency
// failures are not retryable because retrying them cannot change the
// outcome.
var retryable = map[Kind]bool{
	KindTimeout:               true,
	KindExecution:             true,
	KindResourceLimitExceeded: false,
	KindPermissionDenied:      false,
	KindLoad:                  false,
	KindValidation:            false,
	KindConfig:                false,
	KindNotFound:              false,
	KindAlreadyRegistered:     false,
	KindDependency:            false,
}

// Error is the typed error the core surfaces across every component
// boundary. The core never panics on guest input; guest panics are
// recovered at the ABI boundary and converted into an Error of Kind
// KindExecution.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the caller may reasonably retry the call
// that produced this error.
func (e *Error) Retryable() bool { return retryable[e.Kind] }

func newErr(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func NotFoundf(format string, args ...any) *Error {
	return newErr(KindNotFound, fmt.Sprintf(format, args...), nil)
}

func AlreadyRegisteredf(format string, args ...any) *Error {
	return newErr(KindAlreadyRegistered, fmt.Sprintf(format, args...), nil)
}

func DependencyErrorf(format string, args ...any) *Error {
	return newErr(KindDependency, fmt.Sprintf(format, args...), nil)
}

func LoadErrorf(format string, args ...any) *Error {
	return newErr(KindLoad, fmt.Sprintf(format, args...), nil)
}

func WrapLoadError(err error, format string, args ...any) *Error {
	return newErr(KindLoad, fmt.Sprintf(format, args...), err)
}

func ExecutionErrorf(format string, args ...any) *Error {
	return newErr(KindExecution, fmt.Sprintf(format, args...), nil)
}

func WrapExecutionError(err error, format string, args ...any) *Error {
	return newErr(KindExecution, fmt.Sprintf(format, args...), err)
}

func TimeoutErrorf(format string, args ...any) *Error {
	return newErr(KindTimeout, fmt.Sprintf(format, args...), nil)
}

func PermissionDeniedf(format string, args ...any) *Error {
	return newErr(KindPermissionDenied, fmt.Sprintf(format, args...), nil)
}

func ResourceLimitExceededf(format string, args ...any) *Error {
	return newErr(KindResourceLimitExceeded, fmt.Sprintf(format, args...), nil)
}

func ConfigErrorf(format string, args ...any) *Error {
	return newErr(KindConfig, fmt.Sprintf(format, args...), nil)
}

func WrapConfigError(err error, format string, args ...any) *Error {
	return newErr(KindConfig, fmt.Sprintf(format, args...), err)
}

func ValidationErrorf(format string, args ...any) *Error {
	return newErr(KindValidation, fmt.Sprintf(format, args...), nil)
}

// AsError extracts a *Error from err, if any wraps one.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Sentinel errors for simple equality checks in tests and callers that
// don't need the full Kind/Message/retryable shape.
var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyRegistered = errors.New("already registered")
	ErrDependency       = errors.New("dependency error")
	ErrLoad             = errors.New("load error")
	ErrExecution        = errors.New("execution error")
	ErrTimeout          = errors.New("timeout")
	ErrPermissionDenied = errors.New("permission denied")
	ErrResourceLimit    = errors.New("resource limit exceeded")
	ErrConfig           = errors.New("config error")
	ErrValidation       = errors.New("validation error")
)
