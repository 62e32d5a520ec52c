package sgdd

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/ehrlich-b/go-sgdd/internal/queue"
	"github.com/ehrlich-b/go-sgdd/internal/uapi"
)

func TestStructuredError(t *testing.T) {
	err := NewError("params", ErrCodeInvalidParameters, "bs=0 must be positive")

	if err.Op != "params" {
		t.Errorf("Expected Op=params, got %s", err.Op)
	}

	if err.Code != ErrCodeInvalidParameters {
		t.Errorf("Expected Code=ErrCodeInvalidParameters, got %s", err.Code)
	}

	expected := "sgdd: bs=0 must be positive (op=params)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestWrapError(t *testing.T) {
	inner := fmt.Errorf("open /dev/sg3: %w", syscall.ENOENT)
	err := WrapError("open", inner)

	if err.Code != ErrCodeDeviceNotFound {
		t.Errorf("Expected Code=ErrCodeDeviceNotFound, got %s", err.Code)
	}

	if err.Errno != syscall.ENOENT {
		t.Errorf("Expected Errno=ENOENT, got %v", err.Errno)
	}

	if !errors.Is(err, syscall.ENOENT) {
		t.Error("Expected wrapped error to satisfy errors.Is for ENOENT")
	}

	if WrapError("open", nil) != nil {
		t.Error("Wrapping nil should return nil")
	}

	rewrapped := WrapError("copy", err)
	if rewrapped.Op != "copy" || rewrapped.Code != ErrCodeDeviceNotFound {
		t.Errorf("Rewrapping should keep the code and replace the op, got %+v", rewrapped)
	}
}

func TestWrapQueueError(t *testing.T) {
	testCases := []struct {
		name     string
		qe       *queue.Error
		expected ErrorCode
		block    int64
		status   int
	}{
		{
			name:     "medium error",
			qe:       &queue.Error{Kind: queue.KindFatalCompletion, Slot: 2, Role: queue.RoleRead, Block: 32, Category: uapi.CatMediumHard},
			expected: ErrCodeCommand,
			block:    32,
			status:   ExitMediumHard,
		},
		{
			name:     "enomem",
			qe:       &queue.Error{Kind: queue.KindResource, Slot: 0, Role: queue.RoleRead, Errno: syscall.ENOMEM, Err: syscall.ENOMEM},
			expected: ErrCodeInsufficientMemory,
			status:   ExitResource,
		},
		{
			name:     "submit eio",
			qe:       &queue.Error{Kind: queue.KindFatalSubmit, Slot: 1, Role: queue.RoleWrite, Block: 7, Errno: syscall.EIO, Err: syscall.EIO},
			expected: ErrCodeSubmit,
			block:    7,
			status:   ExitOther,
		},
		{
			name:     "submit eperm",
			qe:       &queue.Error{Kind: queue.KindFatalSubmit, Slot: 1, Role: queue.RoleWrite, Errno: syscall.EPERM, Err: syscall.EPERM},
			expected: ErrCodePermissionDenied,
			status:   ExitFile,
		},
		{
			name:     "wait",
			qe:       &queue.Error{Kind: queue.KindWait, Slot: -1, Msg: "4 commands outstanding"},
			expected: ErrCodeTimeout,
			block:    -1,
			status:   ExitOther,
		},
		{
			name:     "canceled",
			qe:       &queue.Error{Kind: queue.KindCanceled, Slot: -1, Err: context.Canceled},
			expected: ErrCodeCanceled,
			block:    -1,
			status:   ExitCanceled,
		},
		{
			name:     "desync",
			qe:       &queue.Error{Kind: queue.KindDesync, Slot: -1, Msg: "unknown completion token 99"},
			expected: ErrCodeDesync,
			block:    -1,
			status:   ExitOther,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := WrapError("copy", fmt.Errorf("run: %w", tc.qe))
			if err.Code != tc.expected {
				t.Errorf("Expected code %s, got %s", tc.expected, err.Code)
			}
			if tc.block != 0 && err.Block != tc.block {
				t.Errorf("Expected block %d, got %d", tc.block, err.Block)
			}
			if got := ExitStatus(err); got != tc.status {
				t.Errorf("ExitStatus = %d, want %d", got, tc.status)
			}
			var qe *queue.Error
			if !errors.As(err, &qe) {
				t.Error("Scheduler error should stay reachable through errors.As")
			}
		})
	}
}

func TestQueueErrorMessage(t *testing.T) {
	qe := &queue.Error{Kind: queue.KindFatalCompletion, Slot: 3, Role: queue.RoleWrite, Block: 128,
		Category: uapi.CatIllegalRequest, Msg: "illegal request"}
	expected := "sgdd: command failed: illegal request (write block 128)"
	if got := WrapError("copy", qe).Error(); got != expected {
		t.Errorf("Expected %q, got %q", expected, got)
	}
}

func TestSentinelErrors(t *testing.T) {
	structuredErr := &Error{Code: ErrCodeDeviceNotFound}

	if !errors.Is(structuredErr, ErrDeviceNotFound) {
		t.Error("Structured error should match sentinel via errors.Is")
	}

	if errors.Is(structuredErr, ErrDeviceBusy) {
		t.Error("Structured error should not match a different sentinel")
	}

	if ErrCanceled.Error() != "sgdd: canceled" {
		t.Errorf("Expected sentinel error message, got %q", ErrCanceled.Error())
	}

	wrappedErr := WrapError("open", syscall.ENOENT)
	if !errors.Is(wrappedErr, ErrDeviceNotFound) {
		t.Error("Wrapped ENOENT should match ErrDeviceNotFound")
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("copy", ErrCodeTimeout, "no completion within 60s")

	if !IsCode(err, ErrCodeTimeout) {
		t.Error("IsCode should return true for matching code")
	}

	if IsCode(err, ErrCodeIOError) {
		t.Error("IsCode should return false for non-matching code")
	}

	if IsCode(nil, ErrCodeTimeout) {
		t.Error("IsCode should return false for nil error")
	}
}

func TestIsErrno(t *testing.T) {
	err := WrapError("copy", syscall.EIO)

	if !IsErrno(err, syscall.EIO) {
		t.Error("IsErrno should return true for matching errno")
	}

	if IsErrno(err, syscall.EPERM) {
		t.Error("IsErrno should return false for non-matching errno")
	}

	if IsErrno(nil, syscall.EIO) {
		t.Error("IsErrno should return false for nil error")
	}

	if e := NewErrorWithErrno("setup", ErrCodeNotSupported, syscall.ENOTSUP); !IsErrno(e, syscall.ENOTSUP) {
		t.Error("NewErrorWithErrno should carry the errno")
	}
}

func TestErrnoMapping(t *testing.T) {
	testCases := []struct {
		errno    syscall.Errno
		expected ErrorCode
	}{
		{syscall.ENOENT, ErrCodeDeviceNotFound},
		{syscall.ENXIO, ErrCodeDeviceNotFound},
		{syscall.EBUSY, ErrCodeDeviceBusy},
		{syscall.EINVAL, ErrCodeInvalidParameters},
		{syscall.EPERM, ErrCodePermissionDenied},
		{syscall.ENOMEM, ErrCodeInsufficientMemory},
		{syscall.ETIMEDOUT, ErrCodeTimeout},
		{syscall.ENOTSUP, ErrCodeNotSupported},
		{syscall.EIO, ErrCodeIOError},
	}

	for _, tc := range testCases {
		code := mapErrnoToCode(tc.errno)
		if code != tc.expected {
			t.Errorf("mapErrnoToCode(%v) = %s, want %s", tc.errno, code, tc.expected)
		}
	}
}

func TestExitStatusPlainErrors(t *testing.T) {
	if ExitStatus(nil) != ExitOK {
		t.Error("nil error should exit 0")
	}
	if ExitStatus(errors.New("boom")) != ExitOther {
		t.Error("unstructured error should exit with ExitOther")
	}
	if ExitStatus(NewError("probe", ErrCodeCountRequired, "")) != ExitSyntax {
		t.Error("missing count should be a syntax error")
	}
}
