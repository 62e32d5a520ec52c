package sgdd

import (
	"sync"
	"syscall"

	"github.com/ehrlich-b/go-sgdd/backend"
	"github.com/ehrlich-b/go-sgdd/internal/ctrl"
	"github.com/ehrlich-b/go-sgdd/internal/interfaces"
)

// SimOpener provides an Opener backed by in-memory sg devices.
// Paths it does not know are opened as ordinary files, so a simulated
// device can be copied to or from a real file. It tracks opens for
// verification.
type SimOpener struct {
	mu     sync.Mutex
	devs   map[string]*backend.Memory
	opens  map[string]int
	excl   map[string]bool
	waiter *backend.Waiter
}

var _ Opener = (*SimOpener)(nil)

// NewSimOpener creates an opener with no devices.
// This is useful for unit testing applications that drive Copy.
func NewSimOpener() *SimOpener {
	return &SimOpener{
		devs:  make(map[string]*backend.Memory),
		opens: make(map[string]int),
		excl:  make(map[string]bool),
	}
}

// Add registers m under path and returns it
func (o *SimOpener) Add(path string, m *backend.Memory) *backend.Memory {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.devs[path] = m
	o.waiter = nil
	return m
}

// Open implements Opener. An exclusive open of a device that is already
// open fails with EBUSY, as the sg driver does.
func (o *SimOpener) Open(path string, excl bool) (interfaces.Device, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	m, ok := o.devs[path]
	if !ok {
		return nil, ctrl.ErrNotGeneric
	}
	if o.excl[path] || (excl && o.opens[path] > 0) {
		return nil, syscall.EBUSY
	}
	o.opens[path]++
	if excl {
		o.excl[path] = true
	}
	return m, nil
}

// Waiter returns a completion waiter over every registered device, for
// Options.Waiter
func (o *SimOpener) Waiter() *backend.Waiter {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.waiter == nil {
		devs := make([]*backend.Memory, 0, len(o.devs))
		for _, m := range o.devs {
			devs = append(devs, m)
		}
		o.waiter = backend.NewWaiter(devs...)
	}
	return o.waiter
}

// Testing utility methods

// Device returns the device registered under path
func (o *SimOpener) Device(path string) *backend.Memory {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.devs[path]
}

// Opens returns how many times path was opened
func (o *SimOpener) Opens(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[path]
}

// Reset forgets previous opens, including exclusive ones
func (o *SimOpener) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens = make(map[string]int)
	o.excl = make(map[string]bool)
}
