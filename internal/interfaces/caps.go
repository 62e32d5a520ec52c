package interfaces

import (
	"fmt"
	"strings"
)

// Protocol is the sg submission interface
type Protocol int

const (
	ProtocolDefault Protocol = iota
	ProtocolLegacy           // v3: write(2) / read(2)
	ProtocolAsync            // v4: SG_IOSUBMIT / SG_IORECEIVE
)

func (p Protocol) String() string {
	switch p {
	case ProtocolLegacy:
		return "v3"
	case ProtocolAsync:
		return "v4"
	}
	return "default"
}

// Correlation selects the key a completion is matched against
type Correlation int

const (
	CorrelateToken  Correlation = iota // usr_ptr only
	CorrelatePackID                    // usr_ptr plus pack id
	CorrelateTag                       // usr_ptr plus driver-yielded tag
)

// Flags are the capability tokens requested on the command line
type Flags struct {
	DirectIO  bool
	Exclusive bool
	Immediate bool
	MmapIO    bool
	NoDxfer   bool
	PackID    bool
	Tag       bool
	Legacy    bool
	Async     bool
}

var flagTokens = map[string]func(*Flags){
	"dio":                  func(f *Flags) { f.DirectIO = true },
	"direct-io":            func(f *Flags) { f.DirectIO = true },
	"excl":                 func(f *Flags) { f.Exclusive = true },
	"exclusive-open":       func(f *Flags) { f.Exclusive = true },
	"immed":                func(f *Flags) { f.Immediate = true },
	"immediate-completion": func(f *Flags) { f.Immediate = true },
	"mmap":                 func(f *Flags) { f.MmapIO = true },
	"memory-mapped-io":     func(f *Flags) { f.MmapIO = true },
	"no_dxfer":             func(f *Flags) { f.NoDxfer = true },
	"no-data-transfer":     func(f *Flags) { f.NoDxfer = true },
	"pack_id":              func(f *Flags) { f.PackID = true },
	"correlate-by-pack-id": func(f *Flags) { f.PackID = true },
	"tag":                  func(f *Flags) { f.Tag = true },
	"correlate-by-tag":     func(f *Flags) { f.Tag = true },
	"v3":                   func(f *Flags) { f.Legacy = true },
	"legacy-protocol":      func(f *Flags) { f.Legacy = true },
	"v4":                   func(f *Flags) { f.Async = true },
	"async-protocol":       func(f *Flags) { f.Async = true },
}

// ParseFlags parses a comma separated list of capability tokens
func ParseFlags(s string) (Flags, error) {
	var f Flags
	if s == "" {
		return f, nil
	}
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(strings.ToLower(tok))
		if tok == "" || tok == "null" {
			continue
		}
		set, ok := flagTokens[tok]
		if !ok {
			return f, fmt.Errorf("unrecognised flag: %q", tok)
		}
		set(&f)
	}
	if f.Legacy && f.Async {
		return f, fmt.Errorf("v3 and v4 are mutually exclusive")
	}
	if f.PackID && f.Tag {
		return f, fmt.Errorf("pack_id and tag are mutually exclusive")
	}
	return f, nil
}

// Caps is the capability set negotiated once at session setup. It is a
// value: drivers receive a copy and never observe later changes.
type Caps struct {
	Protocol     Protocol
	DirectIO     bool
	Immediate    bool
	MmapIO       bool
	NoDxfer      bool
	Correlation  Correlation
	Version      int
	ReservedSize int
	Signal       int // completion signal number, 0 for the default
}

func (c Caps) String() string {
	var parts []string
	parts = append(parts, c.Protocol.String())
	if c.DirectIO {
		parts = append(parts, "dio")
	}
	if c.Immediate {
		parts = append(parts, "immed")
	}
	if c.MmapIO {
		parts = append(parts, "mmap")
	}
	if c.NoDxfer {
		parts = append(parts, "no_dxfer")
	}
	switch c.Correlation {
	case CorrelatePackID:
		parts = append(parts, "pack_id")
	case CorrelateTag:
		parts = append(parts, "tag")
	}
	return strings.Join(parts, ",")
}
