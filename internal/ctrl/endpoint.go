package ctrl

import (
	"errors"
	"fmt"
	"os"

	"github.com/ehrlich-b/go-sgdd/internal/interfaces"
	"github.com/ehrlich-b/go-sgdd/internal/sg"
)

// ErrNotGeneric is returned by an Opener for paths that are not sg devices
var ErrNotGeneric = errors.New("not a SCSI generic device")

// Opener opens sg devices by path
type Opener interface {
	// Open returns the device at path or ErrNotGeneric
	Open(path string, excl bool) (interfaces.Device, error)
}

// SysOpener opens real /dev/sg* nodes
type SysOpener struct{}

func (SysOpener) Open(path string, excl bool) (interfaces.Device, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotGeneric
		}
		return nil, err
	}
	if !sg.IsGeneric(fi) {
		return nil, ErrNotGeneric
	}
	return sg.Open(path, excl)
}

// OpenEndpoint opens the target named by p. sg devices go through opener,
// everything else is opened as a file.
func OpenEndpoint(opener Opener, p EndpointParams) (*Endpoint, error) {
	e := &Endpoint{Side: p.Side, Path: p.Path, Flags: p.Flags, Offset: p.Offset, size: -1}

	switch p.Path {
	case "", "-":
		e.Kind = KindStdio
		if p.Side == SideIn {
			e.file = os.Stdin
		} else {
			e.file = os.Stdout
		}
		e.Path = "-"
		return e, nil
	case ".":
		e.Path = os.DevNull
	}

	if opener != nil {
		dev, err := opener.Open(e.Path, p.Flags.Exclusive)
		switch {
		case err == nil:
			e.Kind = KindGeneric
			e.Device = dev
			return e, nil
		case !errors.Is(err, ErrNotGeneric):
			return nil, fmt.Errorf("open %s: %w", e.Path, err)
		}
	}

	flags := os.O_RDONLY
	if p.Side == SideOut {
		flags = os.O_WRONLY | os.O_CREATE
	}
	if p.Flags.Exclusive && p.Side == SideOut {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(e.Path, flags, 0o666)
	if err != nil {
		return nil, err
	}
	e.file, e.ownsFile = f, true

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	switch {
	case e.Path == os.DevNull:
		e.Kind = KindNull
	case fi.Mode().IsRegular():
		e.Kind = KindFile
		e.seekable = true
		e.size = fi.Size()
	default:
		e.Kind = KindFile
	}
	return e, nil
}
