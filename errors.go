package sgdd

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/ehrlich-b/go-sgdd/internal/queue"
	"github.com/ehrlich-b/go-sgdd/internal/uapi"
)

// Error represents a copy failure with the context it happened in
type Error struct {
	Op       string        // Phase that failed (e.g., "open", "setup", "probe", "copy")
	Role     string        // "read" or "write", empty when no command was involved
	Block    int64         // Block of the failing command (-1 if not applicable)
	Code     ErrorCode     // High-level error category
	Errno    syscall.Errno // Kernel errno (0 if not applicable)
	Category uapi.Category // SCSI outcome for failed commands
	Msg      string        // Human-readable message
	Inner    error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	var ctx string
	switch {
	case e.Role != "" && e.Block >= 0:
		ctx = fmt.Sprintf("%s block %d", e.Role, e.Block)
	case e.Op != "":
		ctx = "op=" + e.Op
	}
	if e.Errno != 0 && ctx != "" {
		ctx = fmt.Sprintf("%s, errno=%d", ctx, e.Errno)
	}

	if ctx != "" {
		return fmt.Sprintf("sgdd: %s (%s)", msg, ctx)
	}
	return fmt.Sprintf("sgdd: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches another *Error by code, so the Err* sentinels work with errors.Is
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return te.Code != "" && e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodeDeviceNotFound     ErrorCode = "device not found"
	ErrCodeDeviceBusy         ErrorCode = "device busy"
	ErrCodePermissionDenied   ErrorCode = "permission denied"
	ErrCodeNotSupported       ErrorCode = "not supported by the sg driver"
	ErrCodeInsufficientMemory ErrorCode = "insufficient memory"
	ErrCodeIOError            ErrorCode = "I/O error"
	ErrCodeSubmit             ErrorCode = "submission failed"
	ErrCodeCommand            ErrorCode = "command failed"
	ErrCodeDesync             ErrorCode = "completion desync"
	ErrCodeTimeout            ErrorCode = "timeout"
	ErrCodeCanceled           ErrorCode = "canceled"
	ErrCodeCountRequired      ErrorCode = "transfer size unknown"
)

// Sentinels for errors.Is
var (
	ErrInvalidParameters  = &Error{Code: ErrCodeInvalidParameters, Block: -1}
	ErrDeviceNotFound     = &Error{Code: ErrCodeDeviceNotFound, Block: -1}
	ErrDeviceBusy         = &Error{Code: ErrCodeDeviceBusy, Block: -1}
	ErrNotSupported       = &Error{Code: ErrCodeNotSupported, Block: -1}
	ErrInsufficientMemory = &Error{Code: ErrCodeInsufficientMemory, Block: -1}
	ErrCommand            = &Error{Code: ErrCodeCommand, Block: -1}
	ErrDesync             = &Error{Code: ErrCodeDesync, Block: -1}
	ErrTimeout            = &Error{Code: ErrCodeTimeout, Block: -1}
	ErrCanceled           = &Error{Code: ErrCodeCanceled, Block: -1}
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Block: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewErrorWithErrno creates a new structured error with errno
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{
		Op:    op,
		Block: -1,
		Code:  code,
		Errno: errno,
		Msg:   errno.Error(),
		Inner: errno,
	}
}

// WrapError wraps an existing error with copy context. Scheduler failures
// keep their slot context and are mapped onto codes by kind.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	var se *Error
	if errors.As(inner, &se) {
		wrapped := *se
		wrapped.Op = op
		return &wrapped
	}

	var qe *queue.Error
	if errors.As(inner, &qe) {
		return fromQueueError(op, qe)
	}

	e := &Error{Op: op, Block: -1, Code: ErrCodeIOError, Msg: inner.Error(), Inner: inner}
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		e.Errno = errno
		e.Code = mapErrnoToCode(errno)
	}
	return e
}

func fromQueueError(op string, qe *queue.Error) *Error {
	e := &Error{
		Op:       op,
		Block:    -1,
		Errno:    qe.Errno,
		Category: qe.Category,
		Msg:      qe.Kind.String(),
		Inner:    qe,
	}
	if qe.Msg != "" {
		e.Msg += ": " + qe.Msg
	}
	if qe.Err != nil {
		e.Msg += ": " + qe.Err.Error()
	}
	if qe.Slot >= 0 {
		e.Role = qe.Role.String()
		e.Block = int64(qe.Block)
	}

	switch qe.Kind {
	case queue.KindFatalSubmit:
		e.Code = ErrCodeSubmit
		if qe.Errno != 0 {
			if c := mapErrnoToCode(qe.Errno); c != ErrCodeIOError {
				e.Code = c
			}
		}
	case queue.KindResource:
		e.Code = ErrCodeInsufficientMemory
	case queue.KindFatalCompletion:
		e.Code = ErrCodeCommand
	case queue.KindDesync:
		e.Code = ErrCodeDesync
	case queue.KindWait:
		e.Code = ErrCodeTimeout
	case queue.KindCanceled:
		e.Code = ErrCodeCanceled
	default:
		e.Code = ErrCodeIOError
	}
	return e
}

// mapErrnoToCode maps syscall errno to error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT, syscall.ENXIO, syscall.ENODEV:
		return ErrCodeDeviceNotFound
	case syscall.EBUSY:
		return ErrCodeDeviceBusy
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.ENOSYS, syscall.ENOTSUP, syscall.ENOTTY:
		return ErrCodeNotSupported
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ENOMEM:
		return ErrCodeInsufficientMemory
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// Exit statuses follow the sg3_utils conventions
const (
	ExitOK            = 0
	ExitSyntax        = 1
	ExitNotReady      = 2
	ExitMediumHard    = 3
	ExitIllegalReq    = 5
	ExitUnitAttention = 6
	ExitDataProtect   = 7
	ExitAborted       = 11
	ExitFile          = 15
	ExitResource      = 25
	ExitCanceled      = 130
	ExitOther         = 99
)

// ExitStatus returns the process exit status for err
func ExitStatus(err error) int {
	if err == nil {
		return ExitOK
	}
	var e *Error
	if !errors.As(err, &e) {
		return ExitOther
	}
	switch e.Code {
	case ErrCodeInvalidParameters, ErrCodeCountRequired:
		return ExitSyntax
	case ErrCodeDeviceNotFound, ErrCodePermissionDenied, ErrCodeDeviceBusy:
		return ExitFile
	case ErrCodeInsufficientMemory:
		return ExitResource
	case ErrCodeCanceled:
		return ExitCanceled
	case ErrCodeCommand:
		switch e.Category {
		case uapi.CatNotReady:
			return ExitNotReady
		case uapi.CatMediumHard:
			return ExitMediumHard
		case uapi.CatIllegalRequest:
			return ExitIllegalReq
		case uapi.CatUnitAttention:
			return ExitUnitAttention
		case uapi.CatDataProtect:
			return ExitDataProtect
		case uapi.CatAbortedCommand:
			return ExitAborted
		}
	}
	return ExitOther
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Errno == errno
	}
	return false
}
