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

// legacyDriver submits sg_io_hdr with write(2) and collects it with read(2)
type legacyDriver struct {
	fd       int
	caps     interfaces.Caps
	mmapArea []byte
	mmapCmd  *interfaces.Command
	scratch  uapi.SgIoHdr
}

func (d *legacyDriver) Async() bool { return true }

func (d *legacyDriver) Submit(cmd *interfaces.Command) error {
	n := cmd.Length()
	cmd.CDB = uapi.ReadWrite10(cmd.Dir, uint32(cmd.LBA), uint16(cmd.Blocks))
	h := &cmd.Legacy
	*h = uapi.SgIoHdr{
		InterfaceID: uapi.SG_INTERFACE_ID_V3,
		CmdLen:      uint8(len(cmd.CDB)),
		MxSbLen:     uint8(len(cmd.Sense)),
		DxferLen:    uint32(n),
		Cmdp:        uintptr(unsafe.Pointer(&cmd.CDB[0])),
		Sbp:         uintptr(unsafe.Pointer(&cmd.Sense[0])),
		Timeout:     uint32(constants.CommandTimeout / time.Millisecond),
		Flags:       requestFlags(d.caps),
		PackID:      cmd.PackID,
		UsrPtr:      uintptr(cmd.Token),
	}
	if cmd.Dir == uapi.DirWrite {
		h.DxferDirection = uapi.SG_DXFER_TO_DEV
	} else {
		h.DxferDirection = uapi.SG_DXFER_FROM_DEV
	}
	if d.mmapArea != nil {
		if cmd.Dir == uapi.DirWrite {
			copy(d.mmapArea, cmd.Buf[:n])
		}
		d.mmapCmd = cmd
	} else if n > 0 {
		h.Dxferp = uintptr(unsafe.Pointer(&cmd.Buf[0]))
	}

	_, err := unix.Write(d.fd, h.Bytes())
	runtime.KeepAlive(cmd)
	if err != nil {
		d.mmapCmd = nil
		return err
	}
	return nil
}

func (d *legacyDriver) Ready() (bool, error) {
	return readable(d.fd)
}

func (d *legacyDriver) Receive() (*interfaces.Completion, error) {
	d.scratch = uapi.SgIoHdr{InterfaceID: uapi.SG_INTERFACE_ID_V3, PackID: uapi.SG_PACK_ID_WILDCARD}
	for {
		_, err := unix.Read(d.fd, d.scratch.Bytes())
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	c := legacyCompletion(&d.scratch)
	if d.mmapCmd != nil {
		if d.mmapCmd.Dir == uapi.DirRead {
			copy(d.mmapCmd.Buf[:d.mmapCmd.Length()], d.mmapArea)
		}
		d.mmapCmd = nil
	}
	return c, nil
}

func (d *legacyDriver) Close() error {
	if d.mmapArea == nil {
		return nil
	}
	err := unix.Munmap(d.mmapArea)
	d.mmapArea = nil
	return err
}

func legacyCompletion(h *uapi.SgIoHdr) *interfaces.Completion {
	return &interfaces.Completion{
		Token:        uint64(h.UsrPtr),
		PackID:       h.PackID,
		Status:       h.Status,
		HostStatus:   h.HostStatus,
		DriverStatus: h.DriverStatus,
		Info:         h.Info,
		Resid:        int(h.Resid),
		Duration:     time.Duration(h.Duration) * time.Millisecond,
		SenseLen:     int(h.SbLenWr),
	}
}
