package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique identifier for specific error conditions in the controller.
type ErrorCode int

const (
	ErrCodeUnknown       ErrorCode = 1000
	ErrCodeConfigInvalid ErrorCode = 1001
	ErrCodeStorageFailed ErrorCode = 1002

	// Device communication
	ErrCodeCommunicationTimeout ErrorCode = 2001
	ErrCodeDeviceRejected       ErrorCode = 2002

	// Running mode
	ErrCodeInvalidTransition ErrorCode = 3001

	// Glucose input
	ErrCodeStaleData ErrorCode = 4001

	// Command queue
	ErrCodeQueueSaturationTimeout ErrorCode = 5001
	ErrCodeCommandCancelled       ErrorCode = 5002
)

var codeNames = map[ErrorCode]string{
	ErrCodeUnknown:                "Unknown",
	ErrCodeConfigInvalid:          "ConfigInvalid",
	ErrCodeStorageFailed:          "StorageFailed",
	ErrCodeCommunicationTimeout:   "CommunicationTimeout",
	ErrCodeDeviceRejected:         "DeviceRejected",
	ErrCodeInvalidTransition:      "InvalidTransition",
	ErrCodeStaleData:              "StaleData",
	ErrCodeQueueSaturationTimeout: "QueueSaturationTimeout",
	ErrCodeCommandCancelled:       "CommandCancelled",
}

// String returns the symbolic name of the code.
func (c ErrorCode) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// LoopError is a custom error type that provides structured error information,
// including an error code, the operation being performed, and the underlying cause.
type LoopError struct {
	// Code is the specific error code.
	Code ErrorCode
	// Msg is a human-readable description of the error.
	Msg string
	// Operation describes the action being performed when the error occurred.
	Operation string
	// Err is the underlying error that caused this error, if any.
	Err error
}

// Error returns a formatted string representation of the error.
func (e *LoopError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %s (cause: %v)", e.Code, e.Operation, e.Msg, e.Err)
	}
	return fmt.Sprintf("[%d] %s: %s", e.Code, e.Operation, e.Msg)
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.Err
}

// New creates a new LoopError with the specified code, operation, message, and underlying error.
func New(code ErrorCode, op, msg string, err error) error {
	return &LoopError{
		Code:      code,
		Msg:       msg,
		Operation: op,
		Err:       err,
	}
}

// CodeOf returns the code of the first LoopError in err's chain,
// or ErrCodeUnknown when there is none.
func CodeOf(err error) ErrorCode {
	var le *LoopError
	if stderrors.As(err, &le) {
		return le.Code
	}
	return ErrCodeUnknown
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var le *LoopError
		if !stderrors.As(err, &le) {
			return false
		}
		if le.Code == code {
			return true
		}
		err = le.Err
	}
	return false
}

// Personal.AI order the ending
