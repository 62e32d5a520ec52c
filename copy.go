// Package sgdd copies data between SCSI generic devices and files with many
// READ(10)/WRITE(10) commands in flight on each side
package sgdd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/ehrlich-b/go-sgdd/internal/constants"
	"github.com/ehrlich-b/go-sgdd/internal/ctrl"
	"github.com/ehrlich-b/go-sgdd/internal/interfaces"
	"github.com/ehrlich-b/go-sgdd/internal/logging"
	"github.com/ehrlich-b/go-sgdd/internal/queue"
	"github.com/ehrlich-b/go-sgdd/internal/sg"
	"github.com/ehrlich-b/go-sgdd/internal/uring"
)

// Flags are the capability tokens of iflag= and oflag=
type Flags = interfaces.Flags

// Caps is the capability set negotiated for an sg endpoint
type Caps = interfaces.Caps

// Stats are the block and command counts of a copy
type Stats = queue.Stats

// Opener opens sg devices by path; see ctrl.SysOpener
type Opener = ctrl.Opener

// Logger is the structured logger used throughout the copy
type Logger = logging.Logger

// ParseFlags parses a comma separated capability token list
func ParseFlags(s string) (Flags, error) {
	return interfaces.ParseFlags(s)
}

// NotifyMode selects how the copy sleeps until a completion is ready
type NotifyMode string

const (
	// NotifySignal has the sg driver raise SIGIO or SIGRTMIN+1
	NotifySignal NotifyMode = "signal"
	// NotifyUring polls the sg descriptors through io_uring
	NotifyUring NotifyMode = "uring"
)

// Params describes one copy job
type Params struct {
	In  string // "-" for stdin
	Out string // "-" for stdout, "." for /dev/null

	InFlags  Flags
	OutFlags Flags

	BlockSize         int   // bytes per block (default: 512)
	BlocksPerTransfer int   // blocks per command (default: 64KB worth)
	Count             int64 // blocks to copy, -1 to derive from device capacity
	Skip              int64 // input start block
	Seek              int64 // output start block

	ReadAhead  int // outstanding read bound (default: 4)
	WriteAhead int // outstanding write bound (default: 4)

	DirectIO       bool // dio=1, direct IO on both sides
	RealtimeSignal bool // rt_sig=1, complete on SIGRTMIN+1 instead of SIGIO
	Notify         NotifyMode

	WaitTimeout time.Duration // bound on one completion wait
}

// DefaultParams returns the parameters of a plain sgq_dd invocation
func DefaultParams() Params {
	return Params{
		In:                "-",
		Out:               ".",
		BlockSize:         constants.DefaultBlockSize,
		BlocksPerTransfer: constants.DefaultBlocksPerTransfer(constants.DefaultBlockSize),
		Count:             -1,
		ReadAhead:         constants.MaxReadAhead,
		WriteAhead:        constants.MaxWriteAhead,
		Notify:            NotifySignal,
		WaitTimeout:       constants.CompletionWaitTimeout,
	}
}

func (p *Params) validate() error {
	switch {
	case p.BlockSize <= 0:
		return NewError("params", ErrCodeInvalidParameters, fmt.Sprintf("bs=%d must be positive", p.BlockSize))
	case p.BlocksPerTransfer < 0:
		return NewError("params", ErrCodeInvalidParameters, fmt.Sprintf("bpt=%d must be positive", p.BlocksPerTransfer))
	case p.Skip < 0 || p.Seek < 0:
		return NewError("params", ErrCodeInvalidParameters, "skip= and seek= cannot be negative")
	case p.ReadAhead < 0 || p.WriteAhead < 0:
		return NewError("params", ErrCodeInvalidParameters, "rd_ahead= and wr_ahead= cannot be negative")
	}
	switch p.Notify {
	case "", NotifySignal, NotifyUring:
	default:
		return NewError("params", ErrCodeInvalidParameters, fmt.Sprintf("unknown notify=%s", p.Notify))
	}
	if p.BlocksPerTransfer == 0 {
		p.BlocksPerTransfer = constants.DefaultBlocksPerTransfer(p.BlockSize)
	}
	return nil
}

// Options contains collaborators for a copy. All fields are optional.
type Options struct {
	// Logger for progress and warnings (if nil, uses logging.Default())
	Logger *Logger

	// Observer for per-command statistics (if nil, Result.Metrics is filled)
	Observer Observer

	// Opener resolves sg device paths (if nil, real /dev/sg* nodes are opened)
	Opener Opener

	// Waiter replaces the completion wait chosen by Params.Notify
	Waiter interfaces.Waiter
}

// Result is the outcome of a copy. It is returned with partial counts
// when the copy fails.
type Result struct {
	Stats
	Count     int64 // blocks requested
	BlockSize int
	Elapsed   time.Duration
	InCaps    Caps
	OutCaps   Caps
	Signals   map[string]uint64
	Metrics   *MetricsSnapshot
}

// Copy runs one job to completion. It returns a non-nil Result whenever
// the job got as far as opening its endpoints.
func Copy(ctx context.Context, params Params, options *Options) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}
	opener := options.Opener
	if opener == nil {
		opener = ctrl.SysOpener{}
	}

	in, err := ctrl.OpenEndpoint(opener, ctrl.EndpointParams{
		Side: ctrl.SideIn, Path: params.In, Flags: params.InFlags, Offset: params.Skip,
	})
	if err != nil {
		return nil, WrapError("open", err)
	}
	defer in.Close()
	out, err := ctrl.OpenEndpoint(opener, ctrl.EndpointParams{
		Side: ctrl.SideOut, Path: params.Out, Flags: params.OutFlags, Offset: params.Seek,
	})
	if err != nil {
		return nil, WrapError("open", err)
	}
	defer out.Close()

	res := &Result{BlockSize: params.BlockSize, Count: params.Count}

	// The waiter must catch the completion signal before the driver is
	// told to raise it.
	notify := params.Notify
	if notify == NotifyUring && options.Waiter == nil && !uring.Supported() {
		logger.Warn("io_uring unavailable, falling back to signal notification")
		notify = NotifySignal
	}
	waiter := options.Waiter
	if waiter == nil && (in.IsGeneric() || out.IsGeneric()) {
		waiter, err = newWaiter(notify, params.RealtimeSignal, logger, in.Fd(), out.Fd())
		if err != nil {
			return res, WrapError("setup", err)
		}
		defer waiter.Close()
	}

	c := ctrl.NewController(ctrl.SessionConfig{
		BlockSize:         params.BlockSize,
		BlocksPerTransfer: params.BlocksPerTransfer,
		RealtimeSignal:    params.RealtimeSignal,
		DirectIO:          params.DirectIO,
		AsyncNotify:       notify != NotifyUring,
	}, logger)
	for _, e := range []*ctrl.Endpoint{in, out} {
		if err := c.Setup(e); err != nil {
			return res, WrapError("setup", err)
		}
	}
	res.InCaps, res.OutCaps = in.Caps, out.Caps

	if res.Count < 0 {
		n, err := c.ResolveCount(in, out)
		if err != nil {
			if errors.Is(err, ctrl.ErrCountRequired) {
				return res, &Error{Op: "probe", Block: -1, Code: ErrCodeCountRequired, Msg: err.Error(), Inner: err}
			}
			return res, WrapError("probe", err)
		}
		res.Count = n
		logger.Info("derived count from capacity", "count", n)
	}
	for _, e := range []*ctrl.Endpoint{in, out} {
		if err := c.CheckRange(e, res.Count); err != nil {
			return res, &Error{Op: "setup", Block: -1, Code: ErrCodeInvalidParameters, Msg: err.Error(), Inner: err}
		}
	}

	observer := options.Observer
	var metrics *Metrics
	if observer == nil {
		metrics = NewMetrics()
		observer = NewMetricsObserver(metrics)
	}

	runner, err := queue.NewRunner(queue.Config{
		In:                runnerEndpoint(in),
		Out:               runnerEndpoint(out),
		BlockSize:         params.BlockSize,
		BlocksPerTransfer: params.BlocksPerTransfer,
		Count:             res.Count,
		Skip:              params.Skip,
		Seek:              params.Seek,
		ReadAhead:         params.ReadAhead,
		WriteAhead:        params.WriteAhead,
		Waiter:            waiter,
		WaitTimeout:       params.WaitTimeout,
		Logger:            logger,
		Observer:          observer,
	})
	if err != nil {
		return res, WrapError("setup", err)
	}

	start := time.Now()
	stats, runErr := runner.Run(ctx)
	res.Elapsed = time.Since(start)

	// a failed run may leave commands targeting the slot buffers; closing
	// the descriptors first lets the driver drop them before the unmap
	in.Close()
	out.Close()
	runner.Close()
	res.Stats = stats
	if sc, ok := waiter.(interfaces.SignalCounter); ok {
		res.Signals = sc.Signals()
	}
	if metrics != nil {
		metrics.Stop()
		snap := metrics.Snapshot()
		res.Metrics = &snap
	}
	if runErr != nil {
		return res, WrapError("copy", runErr)
	}
	return res, nil
}

func newWaiter(mode NotifyMode, realtime bool, logger *Logger, fds ...int) (interfaces.Waiter, error) {
	if mode == NotifyUring {
		return uring.NewPollWaiter(uring.Config{Logger: logger}, fds...)
	}
	return sg.NewSignalWaiter(sg.CompletionSignal(realtime)), nil
}

func runnerEndpoint(e *ctrl.Endpoint) queue.Endpoint {
	q := queue.Endpoint{
		Driver:   e.Driver,
		Caps:     e.Caps,
		Generic:  e.IsGeneric(),
		MaxAhead: e.MaxAhead,
	}
	if e.Device != nil {
		q.ReservedSize = e.Device.ReservedSize
	}
	return q
}

// Report writes the dd style summary: records in and out, then the
// diagnostics that are nonzero.
func (r *Result) Report(w io.Writer, timing bool) {
	if r == nil {
		return
	}
	fmt.Fprintf(w, "%d+%d records in\n", r.InFull, r.InPartial)
	fmt.Fprintf(w, "%d+%d records out\n", r.OutFull, r.OutPartial)
	if r.Truncated {
		fmt.Fprintf(w, "  input ended early\n")
	}
	if r.DioIncomplete > 0 {
		fmt.Fprintf(w, "  >> direct IO requested but incomplete %d times\n", r.DioIncomplete)
	}
	if r.NonzeroResid > 0 {
		fmt.Fprintf(w, "  >> nonzero residual count %d times, %d bytes\n", r.NonzeroResid, r.SumResid)
	}
	if r.BptShrinks > 0 {
		fmt.Fprintf(w, "  >> bpt reduced to %d after ENOMEM\n", r.BlocksPerTransfer)
	}
	if r.Retries > 0 {
		fmt.Fprintf(w, "  >> %d unit attention retries\n", r.Retries)
	}
	if len(r.Signals) > 0 {
		names := make([]string, 0, len(r.Signals))
		for name := range r.Signals {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %s received %d times\n", name, r.Signals[name])
		}
	}
	if timing && r.Elapsed > 0 {
		bytes := float64(r.OutFull) * float64(r.BlockSize)
		secs := r.Elapsed.Seconds()
		fmt.Fprintf(w, "time to transfer data was %.6f secs, %.2f MB/sec\n", secs, bytes/secs/1e6)
	}
}
