// Package uapi provides Linux kernel UAPI definitions for the SCSI generic (sg) driver
package uapi

// sg ioctl requests (include/scsi/sg.h)
const (
	SG_SET_TIMEOUT        = 0x2201
	SG_GET_TIMEOUT        = 0x2202
	SG_GET_COMMAND_Q      = 0x2270
	SG_SET_COMMAND_Q      = 0x2271
	SG_GET_RESERVED_SIZE  = 0x2272
	SG_SET_RESERVED_SIZE  = 0x2275
	SG_GET_SCSI_ID        = 0x2276
	SG_SET_FORCE_PACK_ID  = 0x227b
	SG_GET_PACK_ID        = 0x227c
	SG_GET_NUM_WAITING    = 0x227d
	SG_GET_SG_TABLESIZE   = 0x227f
	SG_GET_VERSION_NUM    = 0x2282
	SG_IO                 = 0x2285
	SG_GET_REQUEST_TABLE  = 0x2286
	SG_SET_KEEP_ORPHAN    = 0x2287
	SG_GET_KEEP_ORPHAN    = 0x2288
	SG_GET_ACCESS_COUNT   = 0x2289
	SG_IOCTL_MAGIC        = 0x22
	SG_IOSUBMIT_NR        = 0x41
	SG_IORECEIVE_NR       = 0x42
	SCSI_GENERIC_MAJOR    = 21
	SG_INTERFACE_ID_V3    = 'S'
	SG_INTERFACE_ID_V4    = 'Q'
	SG_DEFAULT_RESV_SIZE  = 32768
	SG_MAX_SENSE          = 16
	SG_MAX_QUEUE          = 16
	SG_SCATTER_SZ         = 8 * 4096
	SG_DEF_RESERVED_SIZE  = SG_SCATTER_SZ
	SG_BIG_BUFF           = SG_DEF_RESERVED_SIZE
	SG_PACK_ID_WILDCARD   = -1
	SG_TAG_WILDCARD       = ^uint64(0)
	BSG_PROTOCOL_SCSI     = 0
	BSG_SUB_PROTOCOL_SCSI = 0
)

// Data transfer directions (sg_io_hdr.dxfer_direction)
const (
	SG_DXFER_NONE        = -1
	SG_DXFER_TO_DEV      = -2
	SG_DXFER_FROM_DEV    = -3
	SG_DXFER_TO_FROM_DEV = -4
	SG_DXFER_UNKNOWN     = -5
)

// Request flags (sg_io_hdr.flags and sg_io_v4.flags)
const (
	SG_FLAG_DIRECT_IO   = 0x1
	SG_FLAG_MMAP_IO     = 0x4
	SG_FLAG_Q_AT_TAIL   = 0x10
	SG_FLAG_Q_AT_HEAD   = 0x20
	SG_FLAG_NO_DXFER    = 0x10000
	SGV4_FLAG_YIELD_TAG = 0x8
	SGV4_FLAG_IMMED     = 0x400
)

// Completion info bits (sg_io_hdr.info and sg_io_v4.info)
const (
	SG_INFO_OK_MASK        = 0x1
	SG_INFO_OK             = 0x0
	SG_INFO_CHECK          = 0x1
	SG_INFO_DIRECT_IO_MASK = 0x6
	SG_INFO_INDIRECT_IO    = 0x0
	SG_INFO_DIRECT_IO      = 0x2
	SG_INFO_MIXED_IO       = 0x4
)

// Host and driver status
const (
	DID_OK         = 0x00
	DID_NO_CONNECT = 0x01
	DID_BUS_BUSY   = 0x02
	DID_TIME_OUT   = 0x03
	DID_ABORT      = 0x05
	DID_RESET      = 0x08

	DRIVER_OK      = 0x00
	DRIVER_BUSY    = 0x01
	DRIVER_TIMEOUT = 0x06
	DRIVER_SENSE   = 0x08
	DRIVER_MASK    = 0x0f
)

// SCSI status byte
const (
	SAM_STAT_GOOD                 = 0x00
	SAM_STAT_CHECK_CONDITION      = 0x02
	SAM_STAT_CONDITION_MET        = 0x04
	SAM_STAT_BUSY                 = 0x08
	SAM_STAT_RESERVATION_CONFLICT = 0x18
	SAM_STAT_TASK_SET_FULL        = 0x28
	SAM_STAT_TASK_ABORTED         = 0x40
)

// SCSI operation codes used by the copy engine
const (
	OP_READ_10            = 0x28
	OP_WRITE_10           = 0x2a
	OP_READ_CAPACITY_10   = 0x25
	OP_SERVICE_ACTION_IN  = 0x9e
	SA_READ_CAPACITY_16   = 0x10
	READ_CAPACITY_10_LEN  = 8
	READ_CAPACITY_16_LEN  = 32
	READ_CAPACITY_10_CLIP = 0xffffffff
)

// Sense keys
const (
	SENSE_NO_SENSE        = 0x0
	SENSE_RECOVERED_ERROR = 0x1
	SENSE_NOT_READY       = 0x2
	SENSE_MEDIUM_ERROR    = 0x3
	SENSE_HARDWARE_ERROR  = 0x4
	SENSE_ILLEGAL_REQUEST = 0x5
	SENSE_UNIT_ATTENTION  = 0x6
	SENSE_DATA_PROTECT    = 0x7
	SENSE_BLANK_CHECK     = 0x8
	SENSE_COPY_ABORTED    = 0xa
	SENSE_ABORTED_COMMAND = 0xb
	SENSE_MISCOMPARE      = 0xe
)

// iowr encodes a Linux _IOWR ioctl request number
func iowr(typ, nr, size uintptr) uintptr {
	const (
		nrShift   = 0
		typeShift = 8
		sizeShift = 16
		dirShift  = 30
		dirRW     = 3
	)
	return dirRW<<dirShift | size<<sizeShift | typ<<typeShift | nr<<nrShift
}

// SG_IOSUBMIT is _IOWR(0x22, 0x41, struct sg_io_v4)
var SG_IOSUBMIT = iowr(SG_IOCTL_MAGIC, SG_IOSUBMIT_NR, SgIoV4Size)

// SG_IORECEIVE is _IOWR(0x22, 0x42, struct sg_io_v4)
var SG_IORECEIVE = iowr(SG_IOCTL_MAGIC, SG_IORECEIVE_NR, SgIoV4Size)
