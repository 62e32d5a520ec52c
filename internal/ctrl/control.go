// Package ctrl opens copy endpoints and negotiates their capabilities with
// the sg driver.
package ctrl

import (
	"fmt"
	"io"
	"syscall"

	"github.com/ehrlich-b/go-sgdd/internal/constants"
	"github.com/ehrlich-b/go-sgdd/internal/interfaces"
	"github.com/ehrlich-b/go-sgdd/internal/logging"
	"github.com/ehrlich-b/go-sgdd/internal/sg"
)

// SessionConfig holds the job-wide settings Setup needs
type SessionConfig struct {
	BlockSize         int
	BlocksPerTransfer int
	RealtimeSignal    bool
	// DirectIO forces direct IO on both sides (dio=1)
	DirectIO bool
	// AsyncNotify wires F_SETOWN/O_ASYNC; off for the io_uring waiter
	AsyncNotify bool
}

type Controller struct {
	cfg    SessionConfig
	logger *logging.Logger
}

func NewController(cfg SessionConfig, logger *logging.Logger) *Controller {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = constants.DefaultBlockSize
	}
	if cfg.BlocksPerTransfer <= 0 {
		cfg.BlocksPerTransfer = constants.DefaultBlocksPerTransfer(cfg.BlockSize)
	}
	return &Controller{cfg: cfg, logger: logger}
}

// Setup negotiates capabilities and builds the driver for e
func (c *Controller) Setup(e *Endpoint) error {
	log := c.logger.WithEndpoint(e.Side.String(), e.Path)
	if !e.IsGeneric() {
		return c.setupFile(e, log)
	}

	caps, err := c.Negotiate(e.Device, e.Flags, log)
	if err != nil {
		return err
	}
	if caps.MmapIO {
		e.MaxAhead = 1
	}

	if caps.Protocol == interfaces.ProtocolLegacy {
		if q, ok := e.Device.(interface{ SetCommandQueue(bool) error }); ok {
			if err := q.SetCommandQueue(true); err != nil {
				log.Warn("could not enable command queuing", "error", err)
			}
		}
		if caps.Correlation == interfaces.CorrelatePackID {
			if f, ok := e.Device.(interface{ SetForcePackID(bool) error }); ok {
				if err := f.SetForcePackID(true); err != nil {
					return fmt.Errorf("%s: %w", e.Path, err)
				}
			}
		}
	}

	if c.cfg.AsyncNotify {
		sig := 0
		if c.cfg.RealtimeSignal {
			sig = int(sg.CompletionSignal(true))
			caps.Signal = sig
		}
		if err := e.Device.SetAsyncNotify(sig); err != nil {
			return fmt.Errorf("%s: %w", e.Path, err)
		}
	}

	drv, err := e.Device.Driver(caps)
	if err != nil {
		return fmt.Errorf("%s: %w", e.Path, err)
	}
	e.Caps = caps
	e.Driver = drv
	log.Info("endpoint ready", "caps", caps.String(), "version", caps.Version, "reserved", caps.ReservedSize)
	return nil
}

// Negotiate computes the capability set for dev from the requested flags
// and what the driver version supports
func (c *Controller) Negotiate(dev interfaces.Device, flags interfaces.Flags, log *logging.Logger) (interfaces.Caps, error) {
	var caps interfaces.Caps
	want := c.cfg.BlockSize * c.cfg.BlocksPerTransfer

	if err := dev.SetReservedSize(want); err != nil {
		log.Warn("could not set reserved buffer size", "want", want, "error", err)
	}
	reserved, err := dev.ReservedSize()
	if err != nil {
		log.Warn("could not read reserved buffer size", "error", err)
	} else if reserved < want {
		log.Warn("reserved buffer smaller than transfer", "want", want, "got", reserved)
	}
	caps.ReservedSize = reserved

	version, err := dev.Version()
	if err != nil {
		return caps, err
	}
	caps.Version = version

	caps.Protocol = interfaces.ProtocolLegacy
	if flags.Async {
		if version < constants.MinVersionSubmitReceive {
			return caps, fmt.Errorf("v4 interface needs sg driver %d or later, have %d: %w",
				constants.MinVersionSubmitReceive, version, syscall.ENOTSUP)
		}
		caps.Protocol = interfaces.ProtocolAsync
	}

	extras := caps.Protocol == interfaces.ProtocolAsync && version >= constants.MinVersionAsyncExtras
	if flags.Immediate {
		if extras {
			caps.Immediate = true
		} else {
			log.Warn("immediate completion unsupported, ignoring", "protocol", caps.Protocol.String(), "version", version)
		}
	}

	switch {
	case flags.Tag && extras:
		caps.Correlation = interfaces.CorrelateTag
	case flags.Tag:
		log.Warn("tag correlation unsupported, using request token", "protocol", caps.Protocol.String(), "version", version)
	case flags.PackID:
		caps.Correlation = interfaces.CorrelatePackID
	}

	caps.DirectIO = flags.DirectIO || c.cfg.DirectIO
	caps.NoDxfer = flags.NoDxfer
	if flags.MmapIO {
		if caps.DirectIO {
			log.Warn("mmap and direct IO are exclusive, using mmap")
			caps.DirectIO = false
		}
		if reserved < want {
			return caps, fmt.Errorf("mmap IO needs a reserved buffer of %d bytes, have %d", want, reserved)
		}
		caps.MmapIO = true
	}
	return caps, nil
}

func (c *Controller) setupFile(e *Endpoint, log *logging.Logger) error {
	if e.Flags != (interfaces.Flags{}) {
		log.Debug("flags ignored on non sg endpoint")
	}
	if e.Offset > 0 && !e.seekable {
		if e.Side == SideOut {
			return fmt.Errorf("%s: seek= needs a seekable output", e.Path)
		}
		n := e.Offset * int64(c.cfg.BlockSize)
		skipped, err := io.CopyN(io.Discard, e.file, n)
		if err != nil && err != io.EOF {
			return fmt.Errorf("%s: skipping %d bytes: %w", e.Path, n, err)
		}
		log.Debug("skipped input", "bytes", skipped)
	}
	e.Caps = interfaces.Caps{}
	e.Driver = sg.NewFileDriver(e.file, e.seekable)
	return nil
}
