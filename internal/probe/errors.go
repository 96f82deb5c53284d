package probe

import (
	"errors"
	"fmt"
)

// LifecycleErrorCode categorizes lifecycle errors.
type LifecycleErrorCode string

const (
	// ErrCodeInvalidRequest indicates a request without a requester id.
	ErrCodeInvalidRequest LifecycleErrorCode = "INVALID_REQUEST"

	// ErrCodeHookFailed indicates a source hook returned an error.
	ErrCodeHookFailed LifecycleErrorCode = "HOOK_FAILED"

	// ErrCodeRunPanic indicates a run hook panicked.
	ErrCodeRunPanic LifecycleErrorCode = "RUN_PANIC"

	// ErrCodeSpecMismatch indicates two different sources were offered
	// for the same source key.
	ErrCodeSpecMismatch LifecycleErrorCode = "SPEC_MISMATCH"
)

// LifecycleError reports a failure inside a source lifecycle.
type LifecycleError struct {
	Code      LifecycleErrorCode
	SourceKey string
	Hook      string
	Err       error
}

// Error implements the error interface.
func (e *LifecycleError) Error() string {
	msg := fmt.Sprintf("%s: source %s", e.Code, e.SourceKey)
	if e.Hook != "" {
		msg += " hook " + e.Hook
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *LifecycleError) Unwrap() error {
	return e.Err
}

// IsLifecycleError reports whether err is a LifecycleError with the given
// code. Uses errors.As to handle wrapped errors.
func IsLifecycleError(err error, code LifecycleErrorCode) bool {
	var le *LifecycleError
	if errors.As(err, &le) {
		return le.Code == code
	}
	return false
}
