// Package interfaces defines the contracts shared by the copy engine and its
// device drivers.
package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ehrlich-b/go-sgdd/internal/uapi"
)

// Command is the per-slot request payload. It lives inside a ring slot for
// the whole session, so the addresses of CDB, Sense and Buf stay valid while
// the kernel holds them.
type Command struct {
	Dir       uapi.Direction
	LBA       uint64
	Blocks    int
	BlockSize int
	Buf       []byte // slot-owned; len >= Blocks*BlockSize

	// Partial is the valid byte count of a truncated final record, 0 when
	// the transfer is whole blocks
	Partial int

	// Token identifies the slot in completions (stored in usr_ptr)
	Token  uint64
	PackID int32
	Tag    uint64 // tag yielded by the driver at submission (tag correlation)

	CDB    uapi.CDB10
	Sense  [32]byte
	Legacy uapi.SgIoHdr // populated by the legacy driver only
	Async  uapi.SgIoV4  // populated by the async driver only
}

// Length returns the transfer length in bytes
func (c *Command) Length() int {
	return c.Blocks * c.BlockSize
}

// DataLen returns the number of meaningful bytes in Buf
func (c *Command) DataLen() int {
	if c.Partial > 0 {
		return c.Partial
	}
	return c.Length()
}

// ErrWaitTimeout is returned by a Waiter whose bound expired
var ErrWaitTimeout = errors.New("timed out waiting for completion")

// Completion is the raw outcome of one finished command
type Completion struct {
	Token        uint64
	PackID       int32
	Tag          uint64
	Status       uint8
	HostStatus   uint16
	DriverStatus uint16
	Info         uint32
	Resid        int
	Duration     time.Duration
	SenseLen     int
	Sense        []byte // set by the caller from the slot's sense buffer
}

// Category classifies the completion
func (c *Completion) Category() uapi.Category {
	return uapi.Categorize(c.Status, c.HostStatus, c.DriverStatus, c.Sense)
}

// Driver is the submission/completion strategy for one endpoint. One
// implementation is chosen per endpoint at setup time.
type Driver interface {
	// Submit hands cmd to the device without waiting for it to finish.
	// Errors are returned as syscall.Errno where the kernel reported one.
	Submit(cmd *Command) error

	// Ready reports, without blocking, whether a completion can be received
	Ready() (bool, error)

	// Receive returns one finished command. It returns syscall.EAGAIN when
	// nothing is finished.
	Receive() (*Completion, error)

	// Async reports whether completions arrive asynchronously from the device
	Async() bool

	// Close releases driver resources (not the endpoint descriptor)
	Close() error
}

// Transport issues one command synchronously. Used for one-shot queries.
type Transport interface {
	Exec(cdb []byte, dir int, buf []byte, timeout time.Duration) (*Completion, error)
}

// Device is the control surface of a SCSI generic endpoint
type Device interface {
	Transport

	// Version returns the driver version number (SG_GET_VERSION_NUM)
	Version() (int, error)

	// SetReservedSize requests a reserved buffer of n bytes
	SetReservedSize(n int) error

	// ReservedSize returns the reserved buffer size actually granted
	ReservedSize() (int, error)

	// SetAsyncNotify directs completion notification to this process.
	// sig 0 selects the default completion signal.
	SetAsyncNotify(sig int) error

	// Driver builds the submission strategy for the negotiated capabilities
	Driver(caps Caps) (Driver, error)

	// Fd returns the underlying descriptor, or -1 for devices without one
	Fd() int

	Close() error
}

// Waiter blocks until a completion may be available
type Waiter interface {
	// Wait returns nil when woken by a completion notification,
	// ErrWaitTimeout when the bound expires, or ctx.Err() when ctx ends.
	Wait(ctx context.Context, timeout time.Duration) error

	// Close stops notification delivery
	Close() error
}

// SignalCounter is implemented by waiters that count notifications by signal
type SignalCounter interface {
	Signals() map[string]uint64
}
