package engine

import (
	"errors"
	"fmt"
)

// ClientError marks a request that can never succeed: malformed arguments,
// permission failures, references to records that do not exist. Client errors
// surface synchronously from the Check phase and are never retried.
type ClientError struct {
	Code    string
	Message string
}

// Client error codes.
const (
	CodeInvalidArgs  = "INVALID_ARGS"
	CodePermission   = "PERMISSION_DENIED"
	CodeNotFound     = "NOT_FOUND"
	CodeUnregistered = "UNKNOWN_METHOD"
)

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewClientError creates a ClientError with the given code.
func NewClientError(code, format string, args ...any) *ClientError {
	return &ClientError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsClientError reports whether err is (or wraps) a ClientError.
func IsClientError(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce)
}

// ErrQuarantined is returned when a caller asks to run an operation that has
// exhausted its retry budget and awaits operator intervention.
var ErrQuarantined = errors.New("operation is quarantined")
