package sgdd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-sgdd/backend"
	"github.com/ehrlich-b/go-sgdd/internal/interfaces"
	"github.com/ehrlich-b/go-sgdd/internal/logging"
	"github.com/ehrlich-b/go-sgdd/internal/uapi"
)

func pattern(lba int64) byte { return byte(lba*13 + 5) }

func simDevice(o *SimOpener, path string, opts backend.Options) *backend.Memory {
	m := o.Add(path, backend.NewMemory(opts))
	m.Fill(pattern)
	return m
}

func simOptions(o *SimOpener) *Options {
	return &Options{Opener: o, Waiter: o.Waiter(), Logger: logging.Nop()}
}

func TestCopyDerivedCount(t *testing.T) {
	o := NewSimOpener()
	in := simDevice(o, "/dev/sg0", backend.Options{Blocks: 1000})
	out := o.Add("/dev/sg1", backend.NewMemory(backend.Options{Blocks: 1000, Order: backend.OrderShuffle, Seed: 1}))

	params := DefaultParams()
	params.In, params.Out = "/dev/sg0", "/dev/sg1"
	params.BlocksPerTransfer = 100

	res, err := Copy(context.Background(), params, simOptions(o))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.Count)
	assert.Equal(t, int64(10), res.ReadOps)
	assert.Equal(t, int64(10), res.WriteOps)
	assert.Equal(t, 10, in.Stats().Reads)
	assert.Equal(t, 10, out.Stats().Writes)
	assert.True(t, bytes.Equal(in.Bytes(), out.Bytes()))

	var report bytes.Buffer
	res.Report(&report, false)
	assert.True(t, strings.HasPrefix(report.String(), "1000+0 records in\n1000+0 records out\n"), report.String())

	require.NotNil(t, res.Metrics)
	assert.Equal(t, uint64(10), res.Metrics.ReadOps)
	assert.Equal(t, uint64(1000*512), res.Metrics.WriteBytes)
	assert.Equal(t, interfaces.ProtocolLegacy, res.InCaps.Protocol)
	assert.Equal(t, 1, o.Opens("/dev/sg0"))
}

func TestCopyCountLimitedByOffsets(t *testing.T) {
	o := NewSimOpener()
	in := simDevice(o, "/dev/sg0", backend.Options{Blocks: 300})
	out := o.Add("/dev/sg1", backend.NewMemory(backend.Options{Blocks: 400}))

	params := DefaultParams()
	params.In, params.Out = "/dev/sg0", "/dev/sg1"
	params.Skip, params.Seek = 100, 250

	res, err := Copy(context.Background(), params, simOptions(o))
	require.NoError(t, err)
	assert.Equal(t, int64(150), res.Count, "output has 150 blocks left after seek")
	assert.True(t, bytes.Equal(in.Bytes()[100*512:250*512], out.Bytes()[250*512:]))
}

func TestCopyDeviceToFile(t *testing.T) {
	o := NewSimOpener()
	in := simDevice(o, "/dev/sg0", backend.Options{Blocks: 64, Order: backend.OrderLIFO})
	path := filepath.Join(t.TempDir(), "out.img")

	params := DefaultParams()
	params.In, params.Out = "/dev/sg0", path
	params.Count = 64
	params.BlocksPerTransfer = 5
	params.InFlags = Flags{Async: true, Tag: true}

	res, err := Copy(context.Background(), params, simOptions(o))
	require.NoError(t, err)
	assert.Equal(t, interfaces.ProtocolAsync, res.InCaps.Protocol)
	assert.Equal(t, interfaces.CorrelateTag, res.InCaps.Correlation)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, in.Bytes(), data)
}

func TestCopyFileToFilePartialRecord(t *testing.T) {
	dir := t.TempDir()
	src := make([]byte, 10000)
	for i := range src {
		src[i] = byte(i)
	}
	inPath := filepath.Join(dir, "in")
	outPath := filepath.Join(dir, "out")
	require.NoError(t, os.WriteFile(inPath, src, 0o644))

	params := DefaultParams()
	params.In, params.Out = inPath, outPath

	res, err := Copy(context.Background(), params, &Options{Logger: logging.Nop()})
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.Count)
	assert.Equal(t, int64(19), res.InFull)
	assert.Equal(t, int64(1), res.InPartial)
	assert.Equal(t, int64(19), res.OutFull)
	assert.Equal(t, int64(1), res.OutPartial)
	assert.Nil(t, res.Signals, "no waiter without an sg endpoint")

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, src, data)

	var report bytes.Buffer
	res.Report(&report, false)
	assert.Contains(t, report.String(), "19+1 records in\n19+1 records out\n")
}

func TestCopyZeroCount(t *testing.T) {
	o := NewSimOpener()
	in := simDevice(o, "/dev/sg0", backend.Options{Blocks: 10})

	params := DefaultParams()
	params.In = "/dev/sg0"
	params.Count = 0

	res, err := Copy(context.Background(), params, simOptions(o))
	require.NoError(t, err)
	assert.Zero(t, res.ReadOps)
	assert.Zero(t, in.Stats().Reads)
}

func TestCopySameDevice(t *testing.T) {
	o := NewSimOpener()
	m := simDevice(o, "/dev/sg0", backend.Options{Blocks: 1000, Order: backend.OrderShuffle, Seed: 5})
	want := append([]byte(nil), m.Bytes()[:500*512]...)

	params := DefaultParams()
	params.In, params.Out = "/dev/sg0", "/dev/sg0"
	params.Seek = 500
	params.BlocksPerTransfer = 32

	res, err := Copy(context.Background(), params, simOptions(o))
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.OutFull)
	assert.Equal(t, want, m.Bytes()[500*512:])
}

func TestCopyMediumError(t *testing.T) {
	o := NewSimOpener()
	simDevice(o, "/dev/sg0", backend.Options{Blocks: 256, OnComplete: func(cmd *interfaces.Command, c *interfaces.Completion) {
		if cmd.LBA == 128 {
			c.Status = uapi.SAM_STAT_CHECK_CONDITION
			c.DriverStatus = uapi.DRIVER_SENSE
			c.Sense = uapi.FixedSense(uapi.SENSE_MEDIUM_ERROR, 0x11, 0)
		}
	}})
	o.Add("/dev/sg1", backend.NewMemory(backend.Options{Blocks: 256}))

	params := DefaultParams()
	params.In, params.Out = "/dev/sg0", "/dev/sg1"
	params.BlocksPerTransfer = 64

	res, err := Copy(context.Background(), params, simOptions(o))
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeCommand))
	assert.Equal(t, ExitMediumHard, ExitStatus(err))
	require.NotNil(t, res, "partial counts are reported")
	assert.Less(t, res.OutFull, int64(256))

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "read", se.Role)
	assert.Equal(t, int64(128), se.Block)
}

func TestCopyFailureClosesDevicesFirst(t *testing.T) {
	o := NewSimOpener()
	in := simDevice(o, "/dev/sg0", backend.Options{Blocks: 256, OnComplete: func(cmd *interfaces.Command, c *interfaces.Completion) {
		if cmd.LBA == 128 {
			c.Status = uapi.SAM_STAT_CHECK_CONDITION
			c.DriverStatus = uapi.DRIVER_SENSE
			c.Sense = uapi.FixedSense(uapi.SENSE_MEDIUM_ERROR, 0x11, 0)
		}
	}})
	out := o.Add("/dev/sg1", backend.NewMemory(backend.Options{Blocks: 256}))

	params := DefaultParams()
	params.In, params.Out = "/dev/sg0", "/dev/sg1"
	params.BlocksPerTransfer = 64

	_, err := Copy(context.Background(), params, simOptions(o))
	require.Error(t, err)

	st := in.Stats()
	assert.True(t, st.Closed)
	assert.Positive(t, st.ClosedInFlight, "the read after the failed one was never received")
	assert.True(t, out.Stats().Closed)
}

func TestCopyCanceled(t *testing.T) {
	o := NewSimOpener()
	simDevice(o, "/dev/sg0", backend.Options{Blocks: 64})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	params := DefaultParams()
	params.In = "/dev/sg0"

	res, err := Copy(ctx, params, simOptions(o))
	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ExitCanceled, ExitStatus(err))
	require.NotNil(t, res)
	assert.Equal(t, int64(64), res.Count)
}

func TestCopyWaitTimeout(t *testing.T) {
	o := NewSimOpener()
	simDevice(o, "/dev/sg0", backend.Options{Blocks: 64})

	params := DefaultParams()
	params.In = "/dev/sg0"
	params.WaitTimeout = 10 * time.Millisecond

	// a waiter over no devices never releases a completion
	opts := simOptions(o)
	opts.Waiter = backend.NewWaiter()
	_, err := Copy(context.Background(), params, opts)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, interfaces.ErrWaitTimeout)
}

func TestCopyExclusiveOpenBusy(t *testing.T) {
	o := NewSimOpener()
	simDevice(o, "/dev/sg0", backend.Options{Blocks: 64})

	params := DefaultParams()
	params.In, params.Out = "/dev/sg0", "/dev/sg0"
	params.OutFlags = Flags{Exclusive: true}
	_, err := Copy(context.Background(), params, simOptions(o))
	assert.ErrorIs(t, err, ErrDeviceBusy)
	assert.Equal(t, ExitFile, ExitStatus(err))
}

func TestCopyCountRequired(t *testing.T) {
	params := DefaultParams()
	params.In, params.Out = "-", "."
	_, err := Copy(context.Background(), params, &Options{Logger: logging.Nop()})
	assert.True(t, IsCode(err, ErrCodeCountRequired))
	assert.Equal(t, ExitSyntax, ExitStatus(err))
}

func TestCopyRejectsAsyncOnOldDriver(t *testing.T) {
	o := NewSimOpener()
	simDevice(o, "/dev/sg0", backend.Options{Blocks: 64, Version: 30536})

	params := DefaultParams()
	params.In = "/dev/sg0"
	params.InFlags = Flags{Async: true}
	_, err := Copy(context.Background(), params, simOptions(o))
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestCopyInvalidParams(t *testing.T) {
	for _, mutate := range []func(*Params){
		func(p *Params) { p.BlockSize = 0 },
		func(p *Params) { p.Skip = -1 },
		func(p *Params) { p.ReadAhead = -2 },
		func(p *Params) { p.Notify = "poll" },
	} {
		params := DefaultParams()
		mutate(&params)
		_, err := Copy(context.Background(), params, nil)
		assert.ErrorIs(t, err, ErrInvalidParameters)
	}
}

func TestCopyObserver(t *testing.T) {
	o := NewSimOpener()
	simDevice(o, "/dev/sg0", backend.Options{Blocks: 100})

	m := NewMetrics()
	opts := simOptions(o)
	opts.Observer = NewMetricsObserver(m)
	params := DefaultParams()
	params.In = "/dev/sg0"
	params.BlocksPerTransfer = 10

	res, err := Copy(context.Background(), params, opts)
	require.NoError(t, err)
	assert.Nil(t, res.Metrics, "a caller supplied observer owns the metrics")
	assert.Equal(t, uint64(10), m.Snapshot().ReadOps)
	assert.LessOrEqual(t, m.Snapshot().MaxQueueDepth, uint32(MaxReadAhead+MaxWriteAhead))
}

func TestReport(t *testing.T) {
	res := &Result{
		Stats: Stats{
			InFull: 90, InPartial: 1, OutFull: 90, OutPartial: 1,
			DioIncomplete: 3, NonzeroResid: 1, SumResid: 412,
			BptShrinks: 1, BlocksPerTransfer: 16, Truncated: true,
		},
		BlockSize: 512,
		Elapsed:   time.Second,
		Signals:   map[string]uint64{"SIGRTMIN+1": 7, "SIGIO": 2},
	}
	var buf bytes.Buffer
	res.Report(&buf, true)
	out := buf.String()

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Equal(t, "90+1 records in", lines[0])
	assert.Equal(t, "90+1 records out", lines[1])
	assert.Contains(t, out, "direct IO requested but incomplete 3 times")
	assert.Contains(t, out, "nonzero residual count 1 times, 412 bytes")
	assert.Contains(t, out, "bpt reduced to 16")
	assert.Less(t, strings.Index(out, "SIGIO"), strings.Index(out, "SIGRTMIN+1"))
	assert.Contains(t, out, "time to transfer data was 1.000000 secs")

	var nilResult *Result
	nilResult.Report(&buf, true)
}

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	assert.Equal(t, 512, p.BlockSize)
	assert.Equal(t, 128, p.BlocksPerTransfer)
	assert.Equal(t, int64(-1), p.Count)
	assert.Equal(t, ".", p.Out)
	assert.Equal(t, NotifySignal, p.Notify)
	assert.Equal(t, CompletionWaitTimeout, p.WaitTimeout)
}
