package uapi

import (
	"unsafe"
)

// SgIoHdr must match the kernel's struct sg_io_hdr (v3 interface).
// On 64-bit targets it is 88 bytes with a 4 byte hole after PackID.
//
//	struct sg_io_hdr {
//	  int interface_id;           // 'S'
//	  int dxfer_direction;        // SG_DXFER_*
//	  unsigned char cmd_len;
//	  unsigned char mx_sb_len;
//	  unsigned short iovec_count;
//	  unsigned int dxfer_len;
//	  void *dxferp;
//	  unsigned char *cmdp;
//	  void *sbp;
//	  unsigned int timeout;       // milliseconds
//	  unsigned int flags;         // SG_FLAG_*
//	  int pack_id;
//	  void *usr_ptr;
//	  unsigned char status;
//	  unsigned char masked_status;
//	  unsigned char msg_status;
//	  unsigned char sb_len_wr;
//	  unsigned short host_status;
//	  unsigned short driver_status;
//	  int resid;
//	  unsigned int duration;
//	  unsigned int info;
//	};
type SgIoHdr struct {
	InterfaceID    int32
	DxferDirection int32
	CmdLen         uint8
	MxSbLen        uint8
	IovecCount     uint16
	DxferLen       uint32
	Dxferp         uintptr
	Cmdp           uintptr
	Sbp            uintptr
	Timeout        uint32
	Flags          uint32
	PackID         int32
	UsrPtr         uintptr
	Status         uint8
	MaskedStatus   uint8
	MsgStatus      uint8
	SbLenWr        uint8
	HostStatus     uint16
	DriverStatus   uint16
	Resid          int32
	Duration       uint32
	Info           uint32
}

// SgIoHdrSize is sizeof(struct sg_io_hdr) for the build target
const SgIoHdrSize = unsafe.Sizeof(SgIoHdr{})

// Bytes exposes the header as the byte slice write(2)/read(2) exchange with the driver
func (h *SgIoHdr) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(h)), SgIoHdrSize)
}

// SgIoV4 must match the kernel's struct sg_io_v4 exactly (160 bytes).
type SgIoV4 struct {
	Guard           int32  // 'Q'
	Protocol        uint32 // BSG_PROTOCOL_SCSI
	Subprotocol     uint32 // BSG_SUB_PROTOCOL_SCSI
	RequestLen      uint32 // cdb length
	Request         uint64 // cdb address
	RequestTag      uint64
	RequestAttr     uint32
	RequestPriority uint32
	RequestExtra    uint32 // pack id
	MaxResponseLen  uint32 // sense buffer length
	Response        uint64 // sense buffer address
	DoutIovecCount  uint32
	DoutXferLen     uint32
	DinIovecCount   uint32
	DinXferLen      uint32
	DoutXferp       uint64
	DinXferp        uint64
	Timeout         uint32 // milliseconds
	Flags           uint32
	UsrPtr          uint64
	SpareIn         uint32
	DriverStatus    uint32
	TransportStatus uint32
	DeviceStatus    uint32
	RetryDelay      uint32
	Info            uint32
	Duration        uint32
	ResponseLen     uint32
	DinResid        int32
	DoutResid       int32
	GeneratedTag    uint64
	SpareOut        uint32
	Padding         uint32
}

// SgIoV4Size is sizeof(struct sg_io_v4)
const SgIoV4Size = 160

// Compile-time size check
var _ [SgIoV4Size]byte = [unsafe.Sizeof(SgIoV4{})]byte{}
