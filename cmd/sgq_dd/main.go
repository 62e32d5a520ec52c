package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/ehrlich-b/go-sgdd"
	"github.com/ehrlich-b/go-sgdd/internal/logging"
)

const version = "sgq_dd 0.9.0"

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: sgq_dd [-v] [-h] [--version] [if=IFILE] [of=OFILE] [bs=BS] [bpt=BPT]
              [count=COUNT] [skip=SKIP] [seek=SEEK] [iflag=FLAGS] [oflag=FLAGS]
              [dio=0|1] [rt_sig=0|1] [time=0|1] [deb=VERB] [notify=signal|uring]
              [rd_ahead=N] [wr_ahead=N] [log=text|json]

Copy blocks between sg devices and files with several commands in flight.
IFILE defaults to stdin, OFILE of "." discards the data.
FLAGS: dio,excl,immed,mmap,no_dxfer,pack_id,tag,v3,v4

Send SIGUSR1 (kill -USR1 <pid>) to dump goroutine stacks.
`)
	flag.PrintDefaults()
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		verbose     = flag.Bool("v", false, "Verbose output (adds to deb=)")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Fprintln(os.Stderr, version)
		return sgdd.ExitOK
	}

	cfg, err := parseOperands(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "sgq_dd: %v\n", err)
		usage()
		return sgdd.ExitSyntax
	}
	if *verbose {
		cfg.verbose++
	}

	// Set up logging
	logConfig := logging.DefaultConfig()
	logConfig.Level = logging.LevelFromVerbosity(cfg.verbose)
	logConfig.Format = cfg.format
	logConfig.Sync = true
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go dumpStacksOnSignal(ctx, logger)

	p := cfg.params
	logger.Info("starting copy",
		"if", p.In, "of", p.Out,
		"bs", p.BlockSize, "bpt", p.BlocksPerTransfer,
		"count", p.Count, "skip", p.Skip, "seek", p.Seek,
		"iflag", fmt.Sprintf("%+v", p.InFlags), "oflag", fmt.Sprintf("%+v", p.OutFlags),
		"notify", string(p.Notify))

	res, err := sgdd.Copy(ctx, p, &sgdd.Options{Logger: logger})
	res.Report(os.Stderr, cfg.timing)
	if res != nil && res.Metrics != nil {
		logger.Debug("transfer metrics",
			"read_bytes", formatSize(int64(res.Metrics.ReadBytes)),
			"write_bytes", formatSize(int64(res.Metrics.WriteBytes)),
			"avg_latency_ns", res.Metrics.AvgLatencyNs)
	}
	if err != nil {
		if errors.Is(err, sgdd.ErrCanceled) {
			fmt.Fprintln(os.Stderr, "sgq_dd: interrupted")
		} else {
			fmt.Fprintf(os.Stderr, "sgq_dd: %v\n", err)
		}
	}
	return sgdd.ExitStatus(err)
}

// dumpStacksOnSignal writes every goroutine's stack to stderr and to a
// file each time SIGUSR1 arrives.
func dumpStacksOnSignal(ctx context.Context, logger *logging.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
		}
		buf := make([]byte, 1024*1024)
		n := runtime.Stack(buf, true)
		fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])

		filename := fmt.Sprintf("sgq_dd-stacks-%d.txt", time.Now().Unix())
		if f, err := os.Create(filename); err == nil {
			fmt.Fprintf(f, "Goroutine stack dump at %s\n", time.Now().Format(time.RFC3339))
			fmt.Fprintf(f, "Process ID: %d\n\n", os.Getpid())
			f.Write(buf[:n])
			fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
			pprof.Lookup("goroutine").WriteTo(f, 2)
			f.Close()
			logger.Info("stack trace written to file", "file", filename)
		}
	}
}
