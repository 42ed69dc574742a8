package replication

import (
	"errors"
	"time"
)

// Core replication errors
var (
	// Registration errors

	ErrUnsupportedType = errors.New("type is not a registered network object type")
	ErrNilObject       = errors.New("nil object")
	ErrOffline         = errors.New("replication is offline")

	// Authority errors

	ErrUnauthorizedWrite = errors.New("local role forbids this mutation")
	ErrNotOwner          = errors.New("peer does not own the object")
	ErrInvalidRole       = errors.New("role is not valid for this operation")

	// Serialization errors

	ErrNoSerializer        = errors.New("no serializer registered and no native fallback")
	ErrSerializationFailed = errors.New("serialization failed")

	// Object errors

	ErrObjectUnknown   = errors.New("object is not tracked")
	ErrObjectDespawned = errors.New("object id was despawned and cannot be reused")

	// Delivery errors

	ErrUnreachablePeer = errors.New("retry budget exhausted, peer unreachable")
	ErrStaleMessage    = errors.New("message version is stale")
)

// ErrorCode represents a numeric error code for diagnostics counters and
// wire-level error reporting.
type ErrorCode int

const (
	ErrorCodeSuccess ErrorCode = 0

	// Registration error codes (1000-1999)

	ErrorCodeUnsupportedType ErrorCode = 1001
	ErrorCodeNilObject       ErrorCode = 1002
	ErrorCodeOffline         ErrorCode = 1003

	// Authority error codes (2000-2999)

	ErrorCodeUnauthorizedWrite ErrorCode = 2001
	ErrorCodeNotOwner          ErrorCode = 2002
	ErrorCodeInvalidRole       ErrorCode = 2003

	// Serialization error codes (3000-3999)

	ErrorCodeNoSerializer        ErrorCode = 3001
	ErrorCodeSerializationFailed ErrorCode = 3002

	// Object error codes (4000-4999)

	ErrorCodeObjectUnknown   ErrorCode = 4001
	ErrorCodeObjectDespawned ErrorCode = 4002

	// Delivery error codes (5000-5999)

	ErrorCodeUnreachablePeer ErrorCode = 5001
	ErrorCodeStaleMessage    ErrorCode = 5002

	ErrorCodeUnknown ErrorCode = 9999
)

var errorCodeMap = map[error]ErrorCode{
	ErrUnsupportedType:     ErrorCodeUnsupportedType,
	ErrNilObject:           ErrorCodeNilObject,
	ErrOffline:             ErrorCodeOffline,
	ErrUnauthorizedWrite:   ErrorCodeUnauthorizedWrite,
	ErrNotOwner:            ErrorCodeNotOwner,
	ErrInvalidRole:         ErrorCodeInvalidRole,
	ErrNoSerializer:        ErrorCodeNoSerializer,
	ErrSerializationFailed: ErrorCodeSerializationFailed,
	ErrObjectUnknown:       ErrorCodeObjectUnknown,
	ErrObjectDespawned:     ErrorCodeObjectDespawned,
	ErrUnreachablePeer:     ErrorCodeUnreachablePeer,
	ErrStaleMessage:        ErrorCodeStaleMessage,
}

// Error is a replication error with context for diagnostics.
type Error struct {
	Code      ErrorCode
	Message   string
	Cause     error
	Timestamp int64
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a replication error wrapping cause.
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now().Unix(),
	}
}

// GetErrorCode returns the code mapped to err, unwrapping replication
// errors along the way.
func GetErrorCode(err error) ErrorCode {
	if code, exists := errorCodeMap[err]; exists {
		return code
	}
	var replErr *Error
	if errors.As(err, &replErr) {
		return replErr.Code
	}
	return ErrorCodeUnknown
}

// WrapError wraps err into a replication Error with its mapped code.
func WrapError(err error, message string) *Error {
	return NewError(GetErrorCode(err), message, err)
}
