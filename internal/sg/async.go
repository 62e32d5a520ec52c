package sg

import (
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-sgdd/internal/constants"
	"github.com/ehrlich-b/go-sgdd/internal/interfaces"
	"github.com/ehrlich-b/go-sgdd/internal/uapi"
)

// asyncDriver submits sg_io_v4 through SG_IOSUBMIT and collects it through
// SG_IORECEIVE
type asyncDriver struct {
	fd       int
	caps     interfaces.Caps
	mmapArea []byte
	mmapCmd  *interfaces.Command
	scratch  uapi.SgIoV4
}

func (d *asyncDriver) Async() bool { return true }

func (d *asyncDriver) flags() uint32 {
	f := requestFlags(d.caps)
	if d.caps.Immediate {
		f |= uapi.SGV4_FLAG_IMMED
	}
	if d.caps.Correlation == interfaces.CorrelateTag {
		f |= uapi.SGV4_FLAG_YIELD_TAG
	}
	return f
}

func (d *asyncDriver) Submit(cmd *interfaces.Command) error {
	n := cmd.Length()
	cmd.CDB = uapi.ReadWrite10(cmd.Dir, uint32(cmd.LBA), uint16(cmd.Blocks))
	h := &cmd.Async
	*h = uapi.SgIoV4{
		Guard:          uapi.SG_INTERFACE_ID_V4,
		Protocol:       uapi.BSG_PROTOCOL_SCSI,
		Subprotocol:    uapi.BSG_SUB_PROTOCOL_SCSI,
		RequestLen:     uint32(len(cmd.CDB)),
		Request:        uint64(uintptr(unsafe.Pointer(&cmd.CDB[0]))),
		RequestExtra:   uint32(cmd.PackID),
		MaxResponseLen: uint32(len(cmd.Sense)),
		Response:       uint64(uintptr(unsafe.Pointer(&cmd.Sense[0]))),
		Timeout:        uint32(constants.CommandTimeout / time.Millisecond),
		Flags:          d.flags(),
		UsrPtr:         cmd.Token,
	}

	var data uint64
	if d.mmapArea != nil {
		if cmd.Dir == uapi.DirWrite {
			copy(d.mmapArea, cmd.Buf[:n])
		}
		d.mmapCmd = cmd
	} else if n > 0 {
		data = uint64(uintptr(unsafe.Pointer(&cmd.Buf[0])))
	}
	if cmd.Dir == uapi.DirWrite {
		h.DoutXferLen, h.DoutXferp = uint32(n), data
	} else {
		h.DinXferLen, h.DinXferp = uint32(n), data
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), uapi.SG_IOSUBMIT, uintptr(unsafe.Pointer(h)))
	runtime.KeepAlive(cmd)
	if errno != 0 {
		d.mmapCmd = nil
		return errno
	}
	cmd.Tag = h.GeneratedTag
	return nil
}

func (d *asyncDriver) Ready() (bool, error) {
	return readable(d.fd)
}

func (d *asyncDriver) Receive() (*interfaces.Completion, error) {
	wildcard := int32(uapi.SG_PACK_ID_WILDCARD)
	d.scratch = uapi.SgIoV4{
		Guard:        uapi.SG_INTERFACE_ID_V4,
		Flags:        uapi.SGV4_FLAG_IMMED,
		RequestExtra: uint32(wildcard),
	}
	if d.caps.Correlation == interfaces.CorrelateTag {
		d.scratch.RequestTag = uapi.SG_TAG_WILDCARD
	}
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), uapi.SG_IORECEIVE, uintptr(unsafe.Pointer(&d.scratch)))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return nil, errno
		}
		break
	}

	h := &d.scratch
	resid := int(h.DinResid)
	if resid == 0 {
		resid = int(h.DoutResid)
	}
	c := &interfaces.Completion{
		Token:        h.UsrPtr,
		PackID:       int32(h.RequestExtra),
		Tag:          h.GeneratedTag,
		Status:       uint8(h.DeviceStatus),
		HostStatus:   uint16(h.TransportStatus),
		DriverStatus: uint16(h.DriverStatus),
		Info:         h.Info,
		Resid:        resid,
		Duration:     time.Duration(h.Duration) * time.Millisecond,
		SenseLen:     int(h.ResponseLen),
	}
	if d.mmapCmd != nil {
		if d.mmapCmd.Dir == uapi.DirRead {
			copy(d.mmapCmd.Buf[:d.mmapCmd.Length()], d.mmapArea)
		}
		d.mmapCmd = nil
	}
	return c, nil
}

func (d *asyncDriver) Close() error {
	if d.mmapArea == nil {
		return nil
	}
	err := unix.Munmap(d.mmapArea)
	d.mmapArea = nil
	return err
}
