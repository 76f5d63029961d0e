package nvme

import (
	"errors"
	"fmt"

	"github.com/driverkit/go-nvme/internal/wire"
)

// Error represents a structured driver error with context and, for device
// failures, the raw completion status for diagnostics.
type Error struct {
	Op     string    // Operation that failed (e.g., "INIT", "CREATE_CQ", "READ")
	QID    int       // Queue id (-1 if not applicable)
	Code   ErrorCode // High-level error category
	Status uint16    // Raw completion status (SCT+SC, 0 if not applicable)
	Msg    string    // Human-readable message
	Inner  error     // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	ctx := ""
	if e.Op != "" {
		ctx = fmt.Sprintf("op=%s", e.Op)
	}
	if e.QID >= 0 {
		ctx += fmt.Sprintf(" qid=%d", e.QID)
	}
	if e.Status != 0 {
		ctx += fmt.Sprintf(" status=0x%03x", e.Status)
	}

	if ctx != "" {
		return fmt.Sprintf("nvme: %s (%s)", msg, ctx)
	}
	return fmt.Sprintf("nvme: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches errors by category so callers can branch on kind without
// unpacking the struct.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories. The set is closed:
// every failure the driver reports carries one of these.
type ErrorCode string

const (
	// ErrCodeInitTimeout: the controller did not change ready state within
	// the capability-reported bound. Terminal for the controller instance.
	ErrCodeInitTimeout ErrorCode = "controller ready timeout"

	// ErrCodeControllerFatal: CSTS.CFS observed set. Unrecoverable without
	// a full reset.
	ErrCodeControllerFatal ErrorCode = "controller fatal status"

	// ErrCodeInvalidAlignment: buffer violates the descriptor builder's
	// alignment contract.
	ErrCodeInvalidAlignment ErrorCode = "invalid buffer alignment"

	// ErrCodeInvalidBufferSize: length is not a positive multiple of the
	// namespace block size.
	ErrCodeInvalidBufferSize ErrorCode = "invalid buffer size"

	// ErrCodeQueueFull: depth commands already outstanding on this queue.
	ErrCodeQueueFull ErrorCode = "submission queue full"

	// ErrCodeCommandFailed: the device reported a non-success status.
	ErrCodeCommandFailed ErrorCode = "command failed"

	// ErrCodeUnsupportedNamespace: identify returned no usable namespace.
	ErrCodeUnsupportedNamespace ErrorCode = "unsupported namespace"

	// ErrCodeTransferTooLarge: a single transfer exceeds the controller's
	// maximum data transfer size.
	ErrCodeTransferTooLarge ErrorCode = "transfer exceeds controller limit"

	// ErrCodeQueueClosed: the queue pair was deleted.
	ErrCodeQueueClosed ErrorCode = "queue pair closed"

	// ErrCodeInvalidParameters: caller-supplied configuration is unusable.
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
)

// Sentinel values usable with errors.Is.
var (
	ErrInitTimeout          = &Error{QID: -1, Code: ErrCodeInitTimeout}
	ErrControllerFatal      = &Error{QID: -1, Code: ErrCodeControllerFatal}
	ErrInvalidAlignment     = &Error{QID: -1, Code: ErrCodeInvalidAlignment}
	ErrInvalidBufferSize    = &Error{QID: -1, Code: ErrCodeInvalidBufferSize}
	ErrQueueFull            = &Error{QID: -1, Code: ErrCodeQueueFull}
	ErrCommandFailed        = &Error{QID: -1, Code: ErrCodeCommandFailed}
	ErrUnsupportedNamespace = &Error{QID: -1, Code: ErrCodeUnsupportedNamespace}
	ErrTransferTooLarge     = &Error{QID: -1, Code: ErrCodeTransferTooLarge}
	ErrQueueClosed          = &Error{QID: -1, Code: ErrCodeQueueClosed}
	ErrInvalidParameters    = &Error{QID: -1, Code: ErrCodeInvalidParameters}
)

// StatusCategory classifies a device-reported status for CommandFailed
// errors.
type StatusCategory string

const (
	StatusCategoryGeneric         StatusCategory = "generic"
	StatusCategoryCommandSpecific StatusCategory = "command-specific"
	StatusCategoryMedia           StatusCategory = "media"
	StatusCategoryPath            StatusCategory = "path"
	StatusCategoryUnknown         StatusCategory = "unknown"
)

// Category returns the status category of a CommandFailed error, or
// StatusCategoryUnknown for other errors.
func (e *Error) Category() StatusCategory {
	if e.Code != ErrCodeCommandFailed {
		return StatusCategoryUnknown
	}
	switch uint8(e.Status >> 8 & 0x7) {
	case wire.StatusTypeGeneric:
		return StatusCategoryGeneric
	case wire.StatusTypeCommandSpecific:
		return StatusCategoryCommandSpecific
	case wire.StatusTypeMediaError:
		return StatusCategoryMedia
	case wire.StatusTypePath:
		return StatusCategoryPath
	default:
		return StatusCategoryUnknown
	}
}

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, QID: -1, Code: code, Msg: msg}
}

// NewQueueError creates a new queue-scoped error
func NewQueueError(op string, qid uint16, code ErrorCode, msg string) *Error {
	return &Error{Op: op, QID: int(qid), Code: code, Msg: msg}
}

// NewCommandError creates a CommandFailed error from a completion status
func NewCommandError(op string, qid uint16, status uint16) *Error {
	return &Error{
		Op:     op,
		QID:    int(qid),
		Code:   ErrCodeCommandFailed,
		Status: status,
		Msg:    fmt.Sprintf("device status 0x%03x", status),
	}
}

// WrapError wraps an existing error with operation context
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	if de, ok := inner.(*Error); ok {
		return &Error{
			Op:     op,
			QID:    de.QID,
			Code:   de.Code,
			Status: de.Status,
			Msg:    de.Msg,
			Inner:  de.Inner,
		}
	}
	return &Error{
		Op:    op,
		QID:   -1,
		Code:  code,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// StatusOf returns the raw completion status carried by a CommandFailed
// error, or zero.
func StatusOf(err error) uint16 {
	var de *Error
	if errors.As(err, &de) {
		return de.Status
	}
	return 0
}
