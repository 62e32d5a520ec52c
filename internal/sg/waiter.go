package sg

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ehrlich-b/go-sgdd/internal/interfaces"
)

// SignalWaiter sleeps until the sg driver raises its completion signal
type SignalWaiter struct {
	sig    syscall.Signal
	ch     chan os.Signal
	mu     sync.Mutex
	counts map[string]uint64
}

var (
	_ interfaces.Waiter        = (*SignalWaiter)(nil)
	_ interfaces.SignalCounter = (*SignalWaiter)(nil)
)

// NewSignalWaiter starts catching sig. Signals that arrive while the
// scheduler is busy stay buffered for the next Wait.
func NewSignalWaiter(sig syscall.Signal) *SignalWaiter {
	w := &SignalWaiter{
		sig:    sig,
		ch:     make(chan os.Signal, 256),
		counts: make(map[string]uint64),
	}
	signal.Notify(w.ch, sig)
	return w
}

func (w *SignalWaiter) Wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s := <-w.ch:
		w.count(s)
		return nil
	case <-timer.C:
		return interfaces.ErrWaitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *SignalWaiter) count(s os.Signal) {
	name := s.String()
	if ss, ok := s.(syscall.Signal); ok {
		name = SignalName(ss)
	}
	w.mu.Lock()
	w.counts[name]++
	w.mu.Unlock()
}

// Signals returns the number of notifications consumed, by signal name
func (w *SignalWaiter) Signals() map[string]uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]uint64, len(w.counts))
	for k, v := range w.counts {
		out[k] = v
	}
	return out
}

func (w *SignalWaiter) Close() error {
	signal.Stop(w.ch)
	return nil
}
