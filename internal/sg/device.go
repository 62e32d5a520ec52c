// Package sg drives Linux SCSI generic character devices and the plain
// file endpoints a copy job may use instead of them.
package sg

import (
	"fmt"
	"os"
	"runtime"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-sgdd/internal/interfaces"
	"github.com/ehrlich-b/go-sgdd/internal/uapi"
)

// SIGRTMIN as the kernel numbers it; glibc reserves the first two.
const sigRTMin = 34

// CompletionSignal returns the signal the driver raises on completion:
// SIGIO, or SIGRTMIN+1 when realtime signals are requested.
func CompletionSignal(realtime bool) syscall.Signal {
	if realtime {
		return syscall.Signal(sigRTMin + 1)
	}
	return syscall.SIGIO
}

// SignalName renders a completion signal for reports
func SignalName(sig syscall.Signal) string {
	if int(sig) >= sigRTMin {
		return fmt.Sprintf("SIGRTMIN+%d", int(sig)-sigRTMin)
	}
	if sig == syscall.SIGIO {
		return "SIGIO"
	}
	return sig.String()
}

// Device is an open sg character device
type Device struct {
	fd   int
	path string
}

var _ interfaces.Device = (*Device)(nil)

// IsGeneric reports whether fi describes a SCSI generic character device
func IsGeneric(fi os.FileInfo) bool {
	if fi.Mode()&os.ModeCharDevice == 0 {
		return false
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return unix.Major(uint64(st.Rdev)) == uapi.SCSI_GENERIC_MAJOR
}

// Open opens an sg device read-write. With excl the open fails with EBUSY
// while another process holds the device.
func Open(path string, excl bool) (*Device, error) {
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if excl {
		flags |= unix.O_EXCL
	}
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("fstat %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFCHR || unix.Major(uint64(st.Rdev)) != uapi.SCSI_GENERIC_MAJOR {
		unix.Close(fd)
		return nil, fmt.Errorf("%s is not a SCSI generic device", path)
	}
	return &Device{fd: fd, path: path}, nil
}

func (d *Device) Path() string { return d.path }
func (d *Device) Fd() int      { return d.fd }

func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

func (d *Device) Version() (int, error) {
	v, err := unix.IoctlGetInt(d.fd, uapi.SG_GET_VERSION_NUM)
	if err != nil {
		return 0, fmt.Errorf("SG_GET_VERSION_NUM: %w", err)
	}
	return v, nil
}

func (d *Device) SetReservedSize(n int) error {
	if err := unix.IoctlSetPointerInt(d.fd, uapi.SG_SET_RESERVED_SIZE, n); err != nil {
		return fmt.Errorf("SG_SET_RESERVED_SIZE: %w", err)
	}
	return nil
}

func (d *Device) ReservedSize() (int, error) {
	n, err := unix.IoctlGetInt(d.fd, uapi.SG_GET_RESERVED_SIZE)
	if err != nil {
		return 0, fmt.Errorf("SG_GET_RESERVED_SIZE: %w", err)
	}
	return n, nil
}

// SetCommandQueue enables queuing of more than one command per descriptor
// on the legacy interface
func (d *Device) SetCommandQueue(on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := unix.IoctlSetPointerInt(d.fd, uapi.SG_SET_COMMAND_Q, v); err != nil {
		return fmt.Errorf("SG_SET_COMMAND_Q: %w", err)
	}
	return nil
}

// SetForcePackID makes read(2) honour the pack id of the header passed in
func (d *Device) SetForcePackID(on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := unix.IoctlSetPointerInt(d.fd, uapi.SG_SET_FORCE_PACK_ID, v); err != nil {
		return fmt.Errorf("SG_SET_FORCE_PACK_ID: %w", err)
	}
	return nil
}

// SetAsyncNotify routes completion signals for this descriptor to the
// current process and switches it to non-blocking mode.
func (d *Device) SetAsyncNotify(sig int) error {
	if _, err := unix.FcntlInt(uintptr(d.fd), unix.F_SETOWN, os.Getpid()); err != nil {
		return fmt.Errorf("F_SETOWN: %w", err)
	}
	fl, err := unix.FcntlInt(uintptr(d.fd), unix.F_GETFL, 0)
	if err != nil {
		return fmt.Errorf("F_GETFL: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(d.fd), unix.F_SETFL, fl|unix.O_ASYNC|unix.O_NONBLOCK); err != nil {
		return fmt.Errorf("F_SETFL O_ASYNC: %w", err)
	}
	if sig != 0 {
		if _, err := unix.FcntlInt(uintptr(d.fd), unix.F_SETSIG, sig); err != nil {
			return fmt.Errorf("F_SETSIG %d: %w", sig, err)
		}
	}
	return nil
}

// Exec issues one command through SG_IO and waits for it
func (d *Device) Exec(cdb []byte, dir int, buf []byte, timeout time.Duration) (*interfaces.Completion, error) {
	var sense [uapi.SG_MAX_SENSE * 2]byte
	hdr := uapi.SgIoHdr{
		InterfaceID:    uapi.SG_INTERFACE_ID_V3,
		DxferDirection: int32(dir),
		CmdLen:         uint8(len(cdb)),
		MxSbLen:        uint8(len(sense)),
		DxferLen:       uint32(len(buf)),
		Cmdp:           uintptr(unsafe.Pointer(&cdb[0])),
		Sbp:            uintptr(unsafe.Pointer(&sense[0])),
		Timeout:        uint32(timeout / time.Millisecond),
	}
	if len(buf) > 0 {
		hdr.Dxferp = uintptr(unsafe.Pointer(&buf[0]))
	}

	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), uapi.SG_IO, uintptr(unsafe.Pointer(&hdr)))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return nil, fmt.Errorf("SG_IO: %w", errno)
		}
		break
	}
	runtime.KeepAlive(cdb)
	runtime.KeepAlive(buf)

	c := legacyCompletion(&hdr)
	c.Sense = append([]byte(nil), sense[:c.SenseLen]...)
	return c, nil
}

// Driver builds the submission strategy for caps
func (d *Device) Driver(caps interfaces.Caps) (interfaces.Driver, error) {
	var area []byte
	if caps.MmapIO {
		if caps.ReservedSize <= 0 {
			return nil, fmt.Errorf("mmap IO needs a reserved buffer")
		}
		var err error
		area, err = unix.Mmap(d.fd, 0, caps.ReservedSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("mmap reserved buffer: %w", err)
		}
	}
	switch caps.Protocol {
	case interfaces.ProtocolAsync:
		return &asyncDriver{fd: d.fd, caps: caps, mmapArea: area}, nil
	default:
		return &legacyDriver{fd: d.fd, caps: caps, mmapArea: area}, nil
	}
}

// readable polls fd without blocking
func readable(fd int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("poll: %w", err)
		}
		return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
	}
}

func requestFlags(caps interfaces.Caps) uint32 {
	var f uint32
	if caps.DirectIO {
		f |= uapi.SG_FLAG_DIRECT_IO
	}
	if caps.MmapIO {
		f |= uapi.SG_FLAG_MMAP_IO
	}
	if caps.NoDxfer {
		f |= uapi.SG_FLAG_NO_DXFER
	}
	return f
}
