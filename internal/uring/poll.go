// Package uring provides an io_uring based completion waiter for sg
// descriptors
package uring

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-sgdd/internal/interfaces"
	"github.com/ehrlich-b/go-sgdd/internal/logging"
)

// waitSlice bounds one io_uring_enter so cancellation is noticed promptly
const waitSlice = 50 * time.Millisecond

// Config contains configuration for creating a ring
type Config struct {
	Entries uint32 // Number of entries in the ring
	Logger  *logging.Logger
}

// PollWaiter arms a one-shot POLL_ADD for each watched descriptor and
// sleeps on the completion queue until one of them becomes readable.
type PollWaiter struct {
	ring   *giouring.Ring
	fds    []int
	armed  []bool
	cqes   []*giouring.CompletionQueueEvent
	wakeup uint64
	logger *logging.Logger
}

var (
	_ interfaces.Waiter        = (*PollWaiter)(nil)
	_ interfaces.SignalCounter = (*PollWaiter)(nil)
)

// NewPollWaiter creates a ring watching fds. Descriptors below zero are
// ignored.
func NewPollWaiter(config Config, fds ...int) (*PollWaiter, error) {
	if config.Entries == 0 {
		config.Entries = 8
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}

	var watched []int
	for _, fd := range fds {
		if fd >= 0 {
			watched = append(watched, fd)
		}
	}
	if len(watched) == 0 {
		return nil, fmt.Errorf("no descriptors to poll")
	}

	ring, err := giouring.CreateRing(config.Entries)
	if err != nil {
		return nil, fmt.Errorf("failed to create io_uring: %w", err)
	}
	logger.Debug("created io_uring poll waiter", "entries", config.Entries, "fds", watched)

	return &PollWaiter{
		ring:   ring,
		fds:    watched,
		armed:  make([]bool, len(watched)),
		cqes:   make([]*giouring.CompletionQueueEvent, config.Entries),
		logger: logger,
	}, nil
}

// Supported reports whether the running kernel lets us set up a ring
func Supported() bool {
	ring, err := giouring.CreateRing(2)
	if err != nil {
		return false
	}
	ring.QueueExit()
	return true
}

func (w *PollWaiter) arm() error {
	pending := 0
	for i, fd := range w.fds {
		if w.armed[i] {
			continue
		}
		sqe := w.ring.GetSQE()
		if sqe == nil {
			if _, err := w.ring.Submit(); err != nil {
				return fmt.Errorf("io_uring submit: %w", err)
			}
			pending = 0
			if sqe = w.ring.GetSQE(); sqe == nil {
				return fmt.Errorf("io_uring submission queue full")
			}
		}
		sqe.PreparePollAdd(fd, unix.POLLIN)
		sqe.UserData = uint64(i + 1)
		w.armed[i] = true
		pending++
	}
	if pending > 0 {
		if _, err := w.ring.Submit(); err != nil {
			return fmt.Errorf("io_uring submit: %w", err)
		}
	}
	return nil
}

// reap consumes ready CQEs and disarms their descriptors
func (w *PollWaiter) reap() uint32 {
	n := w.ring.PeekBatchCQE(w.cqes)
	for i := uint32(0); i < n; i++ {
		cqe := w.cqes[i]
		w.cqes[i] = nil
		idx := int(cqe.UserData) - 1
		if idx < 0 || idx >= len(w.armed) {
			continue
		}
		w.armed[idx] = false
		if cqe.Res < 0 {
			w.logger.Debug("poll completion error", "fd", w.fds[idx], "errno", syscall.Errno(-cqe.Res))
		}
	}
	if n > 0 {
		w.ring.CQAdvance(n)
		w.wakeup += uint64(n)
	}
	return n
}

func (w *PollWaiter) Wait(ctx context.Context, timeout time.Duration) error {
	if err := w.arm(); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.reap() > 0 {
			return nil
		}
		left := time.Until(deadline)
		if left <= 0 {
			return interfaces.ErrWaitTimeout
		}
		if left > waitSlice {
			left = waitSlice
		}
		ts := syscall.NsecToTimespec(left.Nanoseconds())
		if _, err := w.ring.WaitCQEs(1, &ts, nil); err != nil {
			if errors.Is(err, syscall.ETIME) || errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) {
				continue
			}
			return fmt.Errorf("io_uring wait: %w", err)
		}
	}
}

// Signals reports poll wakeups in the same shape as signal counts
func (w *PollWaiter) Signals() map[string]uint64 {
	return map[string]uint64{"uring-poll": w.wakeup}
}

func (w *PollWaiter) Close() error {
	if w.ring != nil {
		w.ring.QueueExit()
		w.ring = nil
	}
	return nil
}
