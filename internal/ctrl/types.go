package ctrl

import (
	"os"

	"github.com/ehrlich-b/go-sgdd/internal/interfaces"
)

// Side names which end of the copy an endpoint is
type Side int

const (
	SideIn Side = iota
	SideOut
)

func (s Side) String() string {
	if s == SideOut {
		return "out"
	}
	return "in"
}

// Kind is the type of I/O target behind an endpoint
type Kind int

const (
	KindFile Kind = iota
	KindStdio
	KindNull
	KindGeneric
)

func (k Kind) String() string {
	switch k {
	case KindStdio:
		return "stdio"
	case KindNull:
		return "null"
	case KindGeneric:
		return "sg"
	}
	return "file"
}

// EndpointParams describes one side as given on the command line
type EndpointParams struct {
	Side  Side
	Path  string // "" or "-" for stdio, "." for /dev/null
	Flags interfaces.Flags

	// Offset is skip= for the input and seek= for the output, in blocks
	Offset int64
}

// Endpoint is an open I/O target plus its negotiated capabilities
type Endpoint struct {
	Side   Side
	Path   string
	Kind   Kind
	Flags  interfaces.Flags
	Offset int64

	// Caps is set by Setup and not modified afterwards
	Caps   interfaces.Caps
	Device interfaces.Device // nil unless Kind == KindGeneric
	Driver interfaces.Driver

	// MaxAhead caps the outstanding commands on this side, 0 for no cap
	MaxAhead int

	file     *os.File
	ownsFile bool
	seekable bool
	size     int64 // regular file size, -1 when unknown
}

// IsGeneric reports whether the endpoint is an sg device
func (e *Endpoint) IsGeneric() bool {
	return e.Kind == KindGeneric
}

// Seekable reports whether positional I/O is possible
func (e *Endpoint) Seekable() bool {
	return e.IsGeneric() || e.seekable
}

// Fd returns the descriptor completions are signalled on, or -1
func (e *Endpoint) Fd() int {
	if e.Device != nil {
		return e.Device.Fd()
	}
	return -1
}

// Close releases the driver and the descriptor
func (e *Endpoint) Close() error {
	var first error
	if e.Driver != nil {
		first = e.Driver.Close()
		e.Driver = nil
	}
	if e.Device != nil {
		if err := e.Device.Close(); err != nil && first == nil {
			first = err
		}
		e.Device = nil
	}
	if e.file != nil && e.ownsFile {
		if err := e.file.Close(); err != nil && first == nil {
			first = err
		}
	}
	e.file = nil
	return first
}
