// Package backend provides an in-memory SCSI generic device for exercising
// the copy engine without hardware
package backend

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"syscall"
	"time"

	"github.com/ehrlich-b/go-sgdd/internal/interfaces"
	"github.com/ehrlich-b/go-sgdd/internal/uapi"
)

// Order controls how a Memory device releases finished commands
type Order int

const (
	// OrderFIFO completes commands in submission order
	OrderFIFO Order = iota
	// OrderLIFO completes the newest command first
	OrderLIFO
	// OrderShuffle completes commands in a seeded random order
	OrderShuffle
)

// Options configures a Memory device
type Options struct {
	Blocks    int64
	BlockSize int
	Version   int // SG_GET_VERSION_NUM, defaults to 40045

	// MaxReserved caps SetReservedSize; 0 means unlimited
	MaxReserved int
	// EnforceReserved fails indirect commands larger than the reserved
	// buffer with ENOMEM
	EnforceReserved bool

	// Eager completes commands at submission instead of on the next Wait
	Eager bool
	Order Order
	Seed  int64
	// Batch releases at most this many commands per Wait; 0 releases all
	Batch int

	// ProbeUnitAttention makes the first n READ CAPACITY commands report a
	// unit attention
	ProbeUnitAttention int

	// IndirectIO reports direct IO requests as having fallen back
	IndirectIO bool

	// OnSubmit may reject a command; seq counts submissions from 1
	OnSubmit func(cmd *interfaces.Command, seq int) error

	// OnComplete may alter a completion before it is released
	OnComplete func(cmd *interfaces.Command, c *interfaces.Completion)
}

type inflight struct {
	cmd  *interfaces.Command
	comp *interfaces.Completion
}

// Memory is a RAM-backed sg device. It implements interfaces.Device, and
// the drivers it hands out share its queues.
type Memory struct {
	opts     Options
	data     []byte
	reserved int
	rng      *rand.Rand
	mu       sync.Mutex

	caps    interfaces.Caps
	seq     int
	pending []*inflight
	ready   []*inflight
	closed  bool
	// commands still in flight when Close was first called
	closedInFlight int

	asyncSig    int
	asyncWired  bool
	inFlight    int
	maxInFlight int
	reads       []uint64
	writes      []uint64
	probes      int
}

var _ interfaces.Device = (*Memory)(nil)

// NewMemory creates a device of opts.Blocks blocks of opts.BlockSize bytes
func NewMemory(opts Options) *Memory {
	if opts.BlockSize <= 0 {
		opts.BlockSize = 512
	}
	if opts.Version == 0 {
		opts.Version = 40045
	}
	return &Memory{
		opts:     opts,
		data:     make([]byte, opts.Blocks*int64(opts.BlockSize)),
		reserved: uapi.SG_DEF_RESERVED_SIZE,
		rng:      rand.New(rand.NewSource(opts.Seed)),
	}
}

// Bytes exposes the device contents
func (m *Memory) Bytes() []byte {
	return m.data
}

// Fill sets every block to a byte derived from its LBA
func (m *Memory) Fill(pattern func(lba int64) byte) {
	bs := int64(m.opts.BlockSize)
	for i := range m.data {
		m.data[i] = pattern(int64(i) / bs)
	}
}

func (m *Memory) Fd() int { return -1 }

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closedInFlight = m.inFlight
	}
	m.closed = true
	return nil
}

func (m *Memory) Version() (int, error) {
	return m.opts.Version, nil
}

func (m *Memory) SetReservedSize(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 {
		return syscall.EINVAL
	}
	if m.opts.MaxReserved > 0 && n > m.opts.MaxReserved {
		n = m.opts.MaxReserved
	}
	m.reserved = n
	return nil
}

func (m *Memory) ReservedSize() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserved, nil
}

// ShrinkReserved lowers the reserved size reported from now on
func (m *Memory) ShrinkReserved(n int) {
	m.mu.Lock()
	m.reserved = n
	m.mu.Unlock()
}

func (m *Memory) SetAsyncNotify(sig int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.asyncWired = true
	m.asyncSig = sig
	return nil
}

// AsyncNotify reports whether async notification was wired and the signal
func (m *Memory) AsyncNotify() (bool, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.asyncWired, m.asyncSig
}

func (m *Memory) Driver(caps interfaces.Caps) (interfaces.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caps = caps
	return &memDriver{m: m}, nil
}

// Exec runs one command synchronously: READ CAPACITY(10/16), READ(10)
// and WRITE(10) are understood.
func (m *Memory) Exec(cdb []byte, dir int, buf []byte, timeout time.Duration) (*interfaces.Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(cdb) == 0 {
		return nil, syscall.EINVAL
	}

	c := &interfaces.Completion{}
	capacity := uapi.Capacity{LastLBA: uint64(m.opts.Blocks - 1), BlockSize: uint32(m.opts.BlockSize)}
	switch cdb[0] {
	case uapi.OP_READ_CAPACITY_10, uapi.OP_SERVICE_ACTION_IN:
		m.probes++
		if m.probes <= m.opts.ProbeUnitAttention {
			setCheckCondition(c, uapi.FixedSense(uapi.SENSE_UNIT_ATTENTION, 0x29, 0x00))
			return c, nil
		}
		var n int
		if cdb[0] == uapi.OP_READ_CAPACITY_10 {
			n = uapi.MarshalCapacity10(capacity, buf)
		} else {
			n = uapi.MarshalCapacity16(capacity, buf)
		}
		c.Resid = len(buf) - n
	case uapi.OP_READ_10, uapi.OP_WRITE_10:
		d, lba, blocks, err := uapi.ParseReadWrite10(cdb)
		if err != nil {
			return nil, err
		}
		cmd := &interfaces.Command{Dir: d, LBA: uint64(lba), Blocks: int(blocks), BlockSize: m.opts.BlockSize, Buf: buf}
		m.transfer(cmd, c)
	default:
		setCheckCondition(c, uapi.FixedSense(uapi.SENSE_ILLEGAL_REQUEST, 0x20, 0x00))
	}
	return c, nil
}

func setCheckCondition(c *interfaces.Completion, sense []byte) {
	c.Status = uapi.SAM_STAT_CHECK_CONDITION
	c.DriverStatus = uapi.DRIVER_SENSE
	c.Sense = sense
	c.SenseLen = len(sense)
}

// transfer moves data for cmd and fills c. Reads past the end are short;
// writes past the end fail with ILLEGAL REQUEST.
func (m *Memory) transfer(cmd *interfaces.Command, c *interfaces.Completion) {
	bs := int64(m.opts.BlockSize)
	n := int64(cmd.Length())
	off := int64(cmd.LBA) * bs
	size := int64(len(m.data))

	if cmd.Dir == uapi.DirWrite {
		if off+n > size {
			setCheckCondition(c, uapi.FixedSense(uapi.SENSE_ILLEGAL_REQUEST, 0x21, 0x00))
			return
		}
		if !m.caps.NoDxfer {
			copy(m.data[off:off+n], cmd.Buf[:n])
		}
		return
	}

	avail := size - off
	if avail < 0 {
		avail = 0
	}
	if avail < n {
		c.Resid = int(n - avail)
		n = avail
	}
	if n > 0 && !m.caps.NoDxfer {
		copy(cmd.Buf[:n], m.data[off:off+n])
	}
}

// Release moves up to Batch pending commands to the ready queue. It
// returns how many were released.
func (m *Memory) Release() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.release()
}

func (m *Memory) release() int {
	if len(m.pending) == 0 {
		return 0
	}
	switch m.opts.Order {
	case OrderLIFO:
		for i, j := 0, len(m.pending)-1; i < j; i, j = i+1, j-1 {
			m.pending[i], m.pending[j] = m.pending[j], m.pending[i]
		}
	case OrderShuffle:
		m.rng.Shuffle(len(m.pending), func(i, j int) {
			m.pending[i], m.pending[j] = m.pending[j], m.pending[i]
		})
	}
	n := len(m.pending)
	if m.opts.Batch > 0 && n > m.opts.Batch {
		n = m.opts.Batch
	}
	m.ready = append(m.ready, m.pending[:n]...)
	rest := copy(m.pending, m.pending[n:])
	for i := rest; i < len(m.pending); i++ {
		m.pending[i] = nil
	}
	m.pending = m.pending[:rest]
	return n
}

// Stats reports what the device has seen
type Stats struct {
	Reads       int
	Writes      int
	MaxInFlight int
	InFlight    int
	ReadLBAs    []uint64 // in submission order
	WriteLBAs   []uint64 // in submission order

	Closed         bool
	ClosedInFlight int
}

func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Reads:       len(m.reads),
		Writes:      len(m.writes),
		MaxInFlight: m.maxInFlight,
		InFlight:    m.inFlight,
		ReadLBAs:    append([]uint64(nil), m.reads...),
		WriteLBAs:   append([]uint64(nil), m.writes...),

		Closed:         m.closed,
		ClosedInFlight: m.closedInFlight,
	}
}

// memDriver is the submission side of a Memory device
type memDriver struct {
	m *Memory
}

func (d *memDriver) Async() bool { return true }

func (d *memDriver) Submit(cmd *interfaces.Command) error {
	m := d.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return syscall.EBADF
	}

	m.seq++
	if m.opts.OnSubmit != nil {
		if err := m.opts.OnSubmit(cmd, m.seq); err != nil {
			return err
		}
	}
	if m.opts.EnforceReserved && cmd.Length() > m.reserved && !m.caps.DirectIO {
		return syscall.ENOMEM
	}

	cmd.CDB = uapi.ReadWrite10(cmd.Dir, uint32(cmd.LBA), uint16(cmd.Blocks))
	cmd.Tag = uint64(m.seq)
	c := &interfaces.Completion{Token: cmd.Token, PackID: cmd.PackID, Tag: cmd.Tag}
	m.transfer(cmd, c)
	if m.caps.DirectIO && !m.opts.IndirectIO {
		c.Info |= uapi.SG_INFO_DIRECT_IO
	}
	if m.opts.OnComplete != nil {
		m.opts.OnComplete(cmd, c)
	}
	if len(c.Sense) > 0 {
		copy(cmd.Sense[:], c.Sense)
		c.SenseLen = len(c.Sense)
		c.Sense = nil
	}

	if cmd.Dir == uapi.DirWrite {
		m.writes = append(m.writes, cmd.LBA)
	} else {
		m.reads = append(m.reads, cmd.LBA)
	}
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}

	f := &inflight{cmd: cmd, comp: c}
	if m.opts.Eager {
		m.ready = append(m.ready, f)
	} else {
		m.pending = append(m.pending, f)
	}
	return nil
}

func (d *memDriver) Ready() (bool, error) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	return len(d.m.ready) > 0, nil
}

func (d *memDriver) Receive() (*interfaces.Completion, error) {
	m := d.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ready) == 0 {
		return nil, syscall.EAGAIN
	}
	f := m.ready[0]
	m.ready[0] = nil
	m.ready = m.ready[1:]
	m.inFlight--
	return f.comp, nil
}

func (d *memDriver) Close() error { return nil }

// Waiter wakes the copy engine for a set of Memory devices. Each Wait
// releases their pending commands; with nothing pending it reports a
// timeout at once instead of sleeping.
type Waiter struct {
	devs  []*Memory
	mu    sync.Mutex
	wakes uint64
}

var (
	_ interfaces.Waiter        = (*Waiter)(nil)
	_ interfaces.SignalCounter = (*Waiter)(nil)
)

// NewWaiter returns a waiter over devs
func NewWaiter(devs ...*Memory) *Waiter {
	return &Waiter{devs: devs}
}

func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	released := 0
	for _, m := range w.devs {
		if m != nil {
			released += m.Release()
		}
	}
	if released == 0 {
		return fmt.Errorf("%w after %s", interfaces.ErrWaitTimeout, timeout)
	}
	w.mu.Lock()
	w.wakes++
	w.mu.Unlock()
	return nil
}

func (w *Waiter) Signals() map[string]uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return map[string]uint64{"SIGIO": w.wakes}
}

func (w *Waiter) Close() error { return nil }
