package compiler

import (
	"errors"
	"fmt"
)

// Configuration error codes (E200-E299)
const (
	ErrCodeParse          = "E200" // document could not be read or parsed
	ErrCodeUnknownType    = "E201" // @type names no registered type
	ErrCodeNotANode       = "E202" // value is not an object with @type
	ErrCodeBadDirective   = "E203" // directive value has the wrong shape
	ErrCodeUnresolvedType = "E204" // @action target type cannot be resolved
	ErrCodeBadValue       = "E205" // float, null or otherwise unsupported value
	ErrCodeBuild          = "E206" // factory rejected the node
)

// ConfigError is a problem with one node of a configuration document.
// Path locates the node, e.g. "$.data[0].@schedule".
type ConfigError struct {
	Code    string
	Path    string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Path == "" {
		return fmt.Sprintf("[%s] %s", e.Code, msg)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Path, msg)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err is a ConfigError, optionally with the
// given code ("" matches any).
func IsConfigError(err error, code string) bool {
	var ce *ConfigError
	if !errors.As(err, &ce) {
		return false
	}
	return code == "" || ce.Code == code
}

func configErrorf(code, path, format string, args ...any) *ConfigError {
	return &ConfigError{Code: code, Path: path, Message: fmt.Sprintf(format, args...)}
}
