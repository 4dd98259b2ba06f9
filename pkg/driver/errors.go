package driver

import (
	"errors"
	"fmt"

	"github.com/cuemby/strand/pkg/command"
)

// DriverError carries the taxonomy code reported to clients. Any error
// crossing the dispatcher boundary that is not a DriverError is reported
// as ErrGeneric.
type DriverError struct {
	Code    command.ErrorCode
	Message string
}

func (e *DriverError) Error() string {
	return e.Message
}

const (
	errCodeInternal = command.ErrInternalInvariant
	errCodeProtocol = command.ErrGeneric
)

// NewDriverError creates a typed error
func NewDriverError(code command.ErrorCode, format string, args ...any) *DriverError {
	return &DriverError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvalidChannel wraps a channel parse or option conflict failure
func InvalidChannel(err error) *DriverError {
	return &DriverError{Code: command.ErrInvalidChannel, Message: err.Error()}
}

// ErrorCodeOf extracts the taxonomy code, defaulting to ErrGeneric
func ErrorCodeOf(err error) command.ErrorCode {
	var de *DriverError
	if errors.As(err, &de) {
		return de.Code
	}
	return command.ErrGeneric
}
