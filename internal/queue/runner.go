// Package queue implements the overlapped copy scheduler: a ring of request
// slots that are read into from the input endpoint and written from to the
// output endpoint, with many commands in flight on each side.
package queue

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/ehrlich-b/go-sgdd/internal/constants"
	"github.com/ehrlich-b/go-sgdd/internal/interfaces"
	"github.com/ehrlich-b/go-sgdd/internal/uapi"
)

type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// Observer receives per-command statistics
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveQueueDepth(depth uint32)
	ObserveRetry()
	ObserveWait()
	ObserveShrink(blocksPerTransfer int)
}

// Endpoint is one side of the copy as the scheduler sees it
type Endpoint struct {
	Driver  interfaces.Driver
	Caps    interfaces.Caps
	Generic bool
	// MaxAhead caps outstanding commands on this side, 0 for no cap
	MaxAhead int
	// ReservedSize queries the driver's reserved buffer after ENOMEM
	ReservedSize func() (int, error)
}

type Config struct {
	In  Endpoint
	Out Endpoint

	BlockSize         int
	BlocksPerTransfer int
	Count             int64
	Skip              int64
	Seek              int64

	ReadAhead  int
	WriteAhead int

	Waiter      interfaces.Waiter
	WaitTimeout time.Duration

	Logger   Logger
	Observer Observer
}

// Stats is the outcome of a run, valid after failures too
type Stats struct {
	InFull     int64
	InPartial  int64
	OutFull    int64
	OutPartial int64

	ReadOps  int64
	WriteOps int64

	DioIncomplete int64
	NonzeroResid  int64
	SumResid      int64

	Retries    int64
	Waits      int64
	BptShrinks int64

	BlocksPerTransfer int
	Truncated         bool
}

// Runner owns the ring and drives one copy job. It is not safe for
// concurrent use; all slot state belongs to the goroutine calling Run.
type Runner struct {
	cfg     Config
	ring    *Ring
	pool    *BufferPool
	rdAhead int
	wrAhead int
	bpt     int

	inToSubmit   int64
	outToConfirm int64
	nextIn       uint64
	outstanding  int
	packID       int32
	shrunk       bool
	waitingSince time.Time
	retryDelay   time.Duration

	stats Stats
}

var errNoMem = errors.New("ENOMEM")

// NewRunner validates cfg and allocates the ring and its buffers
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.In.Driver == nil || cfg.Out.Driver == nil {
		return nil, fmt.Errorf("both endpoints need a driver")
	}
	if cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("invalid block size %d", cfg.BlockSize)
	}
	if cfg.BlocksPerTransfer <= 0 {
		cfg.BlocksPerTransfer = constants.DefaultBlocksPerTransfer(cfg.BlockSize)
	}
	if cfg.Count < 0 {
		return nil, fmt.Errorf("invalid count %d", cfg.Count)
	}
	if cfg.ReadAhead <= 0 {
		cfg.ReadAhead = constants.MaxReadAhead
	}
	if cfg.WriteAhead <= 0 {
		cfg.WriteAhead = constants.MaxWriteAhead
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = constants.CompletionWaitTimeout
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}
	if cfg.Waiter == nil && (cfg.In.Driver.Async() || cfg.Out.Driver.Async()) {
		return nil, fmt.Errorf("asynchronous endpoint needs a completion waiter")
	}

	rdAhead, wrAhead := cfg.ReadAhead, cfg.WriteAhead
	if m := cfg.In.MaxAhead; m > 0 && rdAhead > m {
		rdAhead = m
	}
	if m := cfg.Out.MaxAhead; m > 0 && wrAhead > m {
		wrAhead = m
	}

	slots := rdAhead + wrAhead + 1
	pool, err := NewBufferPool(slots, cfg.BlockSize*cfg.BlocksPerTransfer)
	if err != nil {
		return nil, err
	}
	ring, err := NewRing(rdAhead, wrAhead, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	for i := 0; i < ring.Cap(); i++ {
		ring.At(i).Cmd.BlockSize = cfg.BlockSize
	}

	r := &Runner{
		cfg:          cfg,
		ring:         ring,
		pool:         pool,
		rdAhead:      rdAhead,
		wrAhead:      wrAhead,
		bpt:          cfg.BlocksPerTransfer,
		inToSubmit:   cfg.Count,
		outToConfirm: cfg.Count,
		nextIn:       uint64(cfg.Skip),
	}
	r.stats.BlocksPerTransfer = r.bpt
	cfg.Logger.Debugf("ring of %d slots, rd_ahead=%d wr_ahead=%d bpt=%d count=%d",
		ring.Cap(), rdAhead, wrAhead, r.bpt, cfg.Count)
	return r, nil
}

// Ring exposes the slot ring
func (r *Runner) Ring() *Ring { return r.ring }

// Stats returns the counters accumulated so far
func (r *Runner) Stats() Stats { return r.stats }

// Outstanding returns how many submitted commands have not been received
func (r *Runner) Outstanding() int { return r.outstanding }

// Close releases the slot buffers. Commands still outstanding after a
// failed Run may target these buffers, so their endpoints must be closed
// first.
func (r *Runner) Close() error {
	if r.pool == nil {
		return nil
	}
	err := r.pool.Close()
	r.pool = nil
	return err
}

// Run executes scheduler passes until the output has confirmed every
// block, a short read's final write frees its slot, or an error occurs.
func (r *Runner) Run(ctx context.Context) (Stats, error) {
	for {
		if err := ctx.Err(); err != nil {
			return r.stats, newError(KindCanceled, nil, "", err)
		}
		done, err := r.pass(ctx)
		if err != nil {
			return r.stats, err
		}
		if done {
			r.cfg.Logger.Debugf("copy complete: %d+%d in, %d+%d out",
				r.stats.InFull, r.stats.InPartial, r.stats.OutFull, r.stats.OutPartial)
			return r.stats, r.drain(ctx)
		}
	}
}

func (r *Runner) endpoint(role Role) *Endpoint {
	if role == RoleWrite {
		return &r.cfg.Out
	}
	return &r.cfg.In
}

// pass is one scheduling decision
func (r *Runner) pass(ctx context.Context) (bool, error) {
	if err := r.harvest(&r.cfg.Out); err != nil {
		return false, err
	}
	stop := false
	r.ring.AdvanceWrite(func(e *Element) {
		if e.StopAfterWrite {
			stop = true
		}
	})
	if stop {
		return true, nil
	}
	if r.cfg.In.Driver != r.cfg.Out.Driver {
		if err := r.harvest(&r.cfg.In); err != nil {
			return false, err
		}
	}

	scan := r.ring.Scan()
	switch {
	case scan.Writable != nil && scan.Writing < r.wrAhead:
		return false, r.startWrite(scan.Writable)
	case scan.Reading < r.rdAhead && r.inToSubmit > 0 && scan.Waiting == 0:
		if e, ok := r.ring.NextFreeRead(); ok {
			return false, r.startRead(e)
		}
	}

	if r.outstanding == 0 && scan.Waiting == 0 {
		if r.outToConfirm <= 0 && scan.Writable == nil {
			return true, nil
		}
		if scan.Writable == nil {
			return false, newError(KindDesync, nil,
				fmt.Sprintf("no progress possible with %d blocks unwritten", r.outToConfirm), nil)
		}
		return false, nil
	}

	if r.outstanding > 0 {
		r.waitingSince = time.Time{}
		r.retryDelay = 0
		if err := r.wait(ctx); err != nil {
			return false, err
		}
	} else if err := r.backoff(ctx); err != nil {
		return false, err
	}
	return false, r.retryWaiting()
}

// backoff sleeps before refused submissions are retried when nothing is
// in flight to wake the waiter. The delay doubles up to a cap and the
// whole episode is bounded by WaitTimeout.
func (r *Runner) backoff(ctx context.Context) error {
	if r.waitingSince.IsZero() {
		r.waitingSince = time.Now()
		r.retryDelay = constants.RefusedRetryDelay
	} else if time.Since(r.waitingSince) > r.cfg.WaitTimeout {
		return newError(KindWait, nil, "submissions refused", interfaces.ErrWaitTimeout)
	}
	r.stats.Waits++
	r.cfg.Observer.ObserveWait()

	t := time.NewTimer(r.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return newError(KindCanceled, nil, "", ctx.Err())
	case <-t.C:
	}
	r.retryDelay *= 2
	if r.retryDelay > constants.MaxRefusedRetryDelay {
		r.retryDelay = constants.MaxRefusedRetryDelay
	}
	return nil
}

// drain receives the reads still in flight after a short read ended the
// job, so no command targets the slot buffers once Run returns
func (r *Runner) drain(ctx context.Context) error {
	for r.outstanding > 0 {
		before := r.outstanding
		if err := r.harvest(&r.cfg.In); err != nil {
			return err
		}
		if r.cfg.In.Driver != r.cfg.Out.Driver {
			if err := r.harvest(&r.cfg.Out); err != nil {
				return err
			}
		}
		if r.outstanding > 0 && r.outstanding == before {
			if err := r.wait(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Runner) wait(ctx context.Context) error {
	for _, ep := range []*Endpoint{&r.cfg.Out, &r.cfg.In} {
		ready, err := ep.Driver.Ready()
		if err != nil {
			return newError(KindWait, nil, "ready check", err)
		}
		if ready {
			return nil
		}
	}
	if r.cfg.Waiter == nil {
		return newError(KindWait, nil, fmt.Sprintf("%d commands outstanding and no waiter", r.outstanding), nil)
	}
	r.stats.Waits++
	r.cfg.Observer.ObserveWait()
	err := r.cfg.Waiter.Wait(ctx, r.cfg.WaitTimeout)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return newError(KindCanceled, nil, "", ctx.Err())
	default:
		return newError(KindWait, nil, fmt.Sprintf("%d commands outstanding", r.outstanding), err)
	}
}

// harvest drains every completion ep has ready
func (r *Runner) harvest(ep *Endpoint) error {
	for {
		ready, err := ep.Driver.Ready()
		if err != nil {
			return newError(KindWait, nil, "ready check", err)
		}
		if !ready {
			return nil
		}
		c, err := ep.Driver.Receive()
		if errors.Is(err, syscall.EAGAIN) {
			return nil
		}
		if err != nil {
			return newError(KindFatalCompletion, nil, "receive", err)
		}
		if err := r.complete(c); err != nil {
			return err
		}
	}
}

func (r *Runner) complete(c *interfaces.Completion) error {
	e, ok := r.ring.ByToken(c.Token)
	if !ok {
		return newError(KindDesync, nil, fmt.Sprintf("unknown completion token %d", c.Token), nil)
	}
	if e.State != StateStarted {
		return newError(KindDesync, e, fmt.Sprintf("completion for slot %d in state %s", e.Index, e.State), nil)
	}
	ep := r.endpoint(e.Role)
	switch ep.Caps.Correlation {
	case interfaces.CorrelatePackID:
		if c.PackID != e.Cmd.PackID {
			return newError(KindDesync, e, fmt.Sprintf("pack id %d, expected %d", c.PackID, e.Cmd.PackID), nil)
		}
	case interfaces.CorrelateTag:
		if c.Tag != e.Cmd.Tag {
			return newError(KindDesync, e, fmt.Sprintf("tag %d, expected %d", c.Tag, e.Cmd.Tag), nil)
		}
	}
	r.outstanding--

	if c.SenseLen > 0 && c.Sense == nil {
		n := c.SenseLen
		if n > len(e.Cmd.Sense) {
			n = len(e.Cmd.Sense)
		}
		c.Sense = e.Cmd.Sense[:n]
	}
	cat := c.Category()
	latency := uint64(c.Duration)

	if e.Discard {
		// past the end of a short input; its outcome is dropped
		e.State = StateFinished
		r.stats.ReadOps++
		r.observe(e, 0, latency, cat.Succeeded())
		return nil
	}

	if cat == uapi.CatUnitAttention && !e.UARetried {
		e.UARetried = true
		r.stats.Retries++
		r.cfg.Observer.ObserveRetry()
		r.cfg.Logger.Printf("unit attention on %s block %d, resubmitting", e.Role, e.Cmd.LBA)
		e.State = StateWait
		return r.resubmit(e)
	}
	if !cat.Succeeded() {
		e.State = StateError
		r.observe(e, 0, latency, false)
		qe := newError(KindFatalCompletion, e, "", nil)
		qe.Category = cat
		qe.Sense, _ = uapi.ParseSense(c.Sense)
		qe.Msg = fmt.Sprintf("%s, %s", cat, qe.Sense)
		return qe
	}
	if cat == uapi.CatRecovered {
		r.cfg.Logger.Printf("recovered error on %s block %d", e.Role, e.Cmd.LBA)
	}

	if ep.Generic && ep.Caps.DirectIO && c.Info&uapi.SG_INFO_DIRECT_IO_MASK != uapi.SG_INFO_DIRECT_IO {
		r.stats.DioIncomplete++
	}
	if c.Resid != 0 {
		r.stats.NonzeroResid++
		r.stats.SumResid += int64(c.Resid)
	}

	e.State = StateFinished
	if e.Role == RoleRead {
		r.finishRead(e, c, latency)
	} else {
		r.finishWrite(e, latency)
	}
	return nil
}

func (r *Runner) observe(e *Element, bytes int, latency uint64, ok bool) {
	if e.Role == RoleWrite {
		r.cfg.Observer.ObserveWrite(uint64(bytes), latency, ok)
	} else {
		r.cfg.Observer.ObserveRead(uint64(bytes), latency, ok)
	}
}

func (r *Runner) finishRead(e *Element, c *interfaces.Completion, latency uint64) {
	r.stats.ReadOps++
	n := e.Cmd.Length()
	got := n - c.Resid
	if got < 0 {
		got = 0
	}
	if got > n {
		got = n
	}
	r.observe(e, got, latency, true)

	bs := r.cfg.BlockSize
	e.Bytes = got
	if got == n {
		r.stats.InFull += int64(e.Blocks)
		return
	}

	full, tail := got/bs, got%bs
	r.stats.InFull += int64(full)
	e.Blocks = full
	if tail > 0 {
		r.stats.InPartial++
		e.Blocks++
	}
	r.truncateAfter(e)
	if e.Blocks == 0 {
		// nothing to write; the slot only marks where the job ends
		e.Role = RoleWrite
	}
}

// truncateAfter makes e the last slot of the job: no more reads are
// issued and every later slot is dropped unwritten
func (r *Runner) truncateAfter(e *Element) {
	r.cfg.Logger.Printf("short read at block %d: %d bytes, stopping after its write", e.InLBA, e.Bytes)
	r.stats.Truncated = true
	r.inToSubmit = 0
	e.StopAfterWrite = true
	bs := r.cfg.BlockSize
	after := false
	r.ring.Each(func(x *Element) bool {
		if after && !x.Discard {
			if x.State == StateFinished && x.Bytes > 0 {
				// already counted when it completed ahead of e
				r.stats.InFull -= int64(x.Bytes / bs)
				if x.Bytes%bs != 0 {
					r.stats.InPartial--
				}
			}
			if x.State == StateWait {
				// never went out, nothing to receive
				x.State = StateFinished
			}
			x.Discard = true
			x.StopAfterWrite = false
		}
		if x == e {
			after = true
		}
		return true
	})
}

func (r *Runner) finishWrite(e *Element, latency uint64) {
	r.stats.WriteOps++
	r.observe(e, e.Cmd.DataLen(), latency, true)
	if e.Cmd.Partial > 0 {
		r.stats.OutFull += int64(e.Blocks - 1)
		r.stats.OutPartial++
	} else {
		r.stats.OutFull += int64(e.Blocks)
	}
	r.outToConfirm -= int64(e.Blocks)
}

// submit hands e's command to its side's driver. Transient refusals leave
// the slot in WAIT; ENOMEM is returned as errNoMem for the caller to handle.
func (r *Runner) submit(e *Element) error {
	ep := r.endpoint(e.Role)
	cmd := &e.Cmd
	cmd.Dir = e.Role.dir()
	cmd.Blocks = e.Blocks
	cmd.LBA = e.InLBA
	if e.Role == RoleWrite {
		cmd.LBA = e.OutLBA
	}
	r.packID++
	if r.packID < 0 {
		r.packID = 1
	}
	cmd.PackID = r.packID

	err := ep.Driver.Submit(cmd)
	switch {
	case err == nil:
		e.State = StateStarted
		r.outstanding++
		r.cfg.Observer.ObserveQueueDepth(uint32(r.outstanding))
		r.cfg.Logger.Debugf("slot %d: %s lba=%d blocks=%d", e.Index, e.Role, cmd.LBA, cmd.Blocks)
		return nil
	case transient(err):
		r.cfg.Logger.Debugf("slot %d: %s lba=%d refused (%v), waiting", e.Index, e.Role, cmd.LBA, err)
		e.State = StateWait
		return nil
	case errors.Is(err, syscall.ENOMEM):
		return errNoMem
	default:
		e.State = StateError
		return newError(KindFatalSubmit, e, "", err)
	}
}

// resubmit retries a WAIT slot unchanged
func (r *Runner) resubmit(e *Element) error {
	err := r.submit(e)
	if errors.Is(err, errNoMem) {
		e.State = StateError
		return newError(KindResource, e, "", syscall.ENOMEM)
	}
	return err
}

func (r *Runner) retryWaiting() error {
	var waiting []*Element
	r.ring.Each(func(e *Element) bool {
		if e.State == StateWait {
			waiting = append(waiting, e)
		}
		return true
	})
	for _, e := range waiting {
		if err := r.resubmit(e); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) readBlocks() int {
	n := int64(r.bpt)
	if r.inToSubmit < n {
		n = r.inToSubmit
	}
	return int(n)
}

func (r *Runner) startRead(e *Element) error {
	e.Role = RoleRead
	e.Blocks = r.readBlocks()
	e.InLBA = r.nextIn
	e.OutLBA = r.nextIn - uint64(r.cfg.Skip) + uint64(r.cfg.Seek)

	err := r.submit(e)
	if errors.Is(err, errNoMem) {
		if err := r.shrink(e); err != nil {
			return err
		}
		e.Blocks = r.readBlocks()
		err = r.submit(e)
		if errors.Is(err, errNoMem) {
			e.State = StateError
			return newError(KindResource, e, fmt.Sprintf("still out of memory at bpt=%d", r.bpt), syscall.ENOMEM)
		}
	}
	if err != nil {
		return err
	}

	r.inToSubmit -= int64(e.Blocks)
	r.nextIn += uint64(e.Blocks)
	return r.ring.AdvanceRead()
}

// shrink lowers bpt to what the reserved buffer can hold. It is allowed
// once per job.
func (r *Runner) shrink(e *Element) error {
	if r.shrunk || r.cfg.In.ReservedSize == nil {
		e.State = StateError
		return newError(KindResource, e, "", syscall.ENOMEM)
	}
	r.shrunk = true
	reserved, err := r.cfg.In.ReservedSize()
	if err != nil {
		e.State = StateError
		return newError(KindResource, e, "querying reserved size", err)
	}
	bpt := reserved / r.cfg.BlockSize
	if bpt < 1 {
		bpt = 1
	}
	if bpt > r.bpt {
		bpt = r.bpt
	}
	r.cfg.Logger.Warnf("out of memory at bpt=%d, reserved buffer is %d bytes, retrying with bpt=%d", r.bpt, reserved, bpt)
	r.bpt = bpt
	r.stats.BptShrinks++
	r.stats.BlocksPerTransfer = bpt
	r.cfg.Observer.ObserveShrink(bpt)
	return nil
}

func (r *Runner) startWrite(e *Element) error {
	bs := r.cfg.BlockSize
	length := e.Blocks * bs
	if e.Bytes < length {
		clear(e.Cmd.Buf[e.Bytes:length])
		e.Cmd.Partial = e.Bytes
	}
	e.Role = RoleWrite
	err := r.submit(e)
	if errors.Is(err, errNoMem) {
		e.State = StateError
		return newError(KindResource, e, "", syscall.ENOMEM)
	}
	return err
}

type nopObserver struct{}

func (nopObserver) ObserveRead(uint64, uint64, bool)  {}
func (nopObserver) ObserveWrite(uint64, uint64, bool) {}
func (nopObserver) ObserveQueueDepth(uint32)          {}
func (nopObserver) ObserveRetry()                     {}
func (nopObserver) ObserveWait()                      {}
func (nopObserver) ObserveShrink(int)                 {}

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Warnf(string, ...interface{})  {}
