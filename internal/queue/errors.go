package queue

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/ehrlich-b/go-sgdd/internal/uapi"
)

// Kind classifies why the scheduler stopped
type Kind int

const (
	KindFatalSubmit     Kind = iota + 1 // submission refused with a hard error
	KindResource                        // ENOMEM that shrinking could not cure
	KindFatalCompletion                 // command finished with a fatal status
	KindDesync                          // completion did not match a started slot
	KindWait                            // completion wait timed out or failed
	KindCanceled                        // context ended
)

func (k Kind) String() string {
	switch k {
	case KindFatalSubmit:
		return "submission failed"
	case KindResource:
		return "out of memory"
	case KindFatalCompletion:
		return "command failed"
	case KindDesync:
		return "completion desync"
	case KindWait:
		return "wait failed"
	case KindCanceled:
		return "canceled"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a scheduler failure with the slot context it occurred in
type Error struct {
	Kind     Kind
	Slot     int // -1 when no slot is involved
	Role     Role
	Block    uint64
	Errno    syscall.Errno
	Category uapi.Category
	Sense    uapi.Sense
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Slot >= 0 {
		s = fmt.Sprintf("%s: %s block %d", s, e.Role, e.Block)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, el *Element, msg string, err error) *Error {
	e := &Error{Kind: kind, Slot: -1, Msg: msg, Err: err}
	if el != nil {
		e.Slot = el.Index
		e.Role = el.Role
		e.Block = el.InLBA
		if el.Role == RoleWrite {
			e.Block = el.OutLBA
		}
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		e.Errno = errno
	}
	return e
}

// transient reports submission errnos that put a slot into WAIT
func transient(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.EDOM)
}
