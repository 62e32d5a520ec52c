package uapi

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInsufficientData is returned when a response buffer is shorter than its layout
var ErrInsufficientData = errors.New("insufficient data for response layout")

// CDB10 is a 10-byte command descriptor block
type CDB10 [10]byte

// CDB16 is a 16-byte command descriptor block
type CDB16 [16]byte

// Direction of a block transfer relative to the device
type Direction int

const (
	DirRead  Direction = iota // device -> host
	DirWrite                  // host -> device
)

func (d Direction) String() string {
	if d == DirWrite {
		return "write"
	}
	return "read"
}

// ReadWrite10 builds a READ(10) or WRITE(10) CDB.
//
//	byte 0     opcode (0x28 / 0x2a)
//	bytes 2-5  LBA, big-endian
//	bytes 7-8  transfer length in blocks, big-endian
func ReadWrite10(dir Direction, lba uint32, blocks uint16) CDB10 {
	var cdb CDB10
	cdb[0] = OP_READ_10
	if dir == DirWrite {
		cdb[0] = OP_WRITE_10
	}
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], blocks)
	return cdb
}

// ParseReadWrite10 extracts the direction, LBA and block count from a READ(10)/WRITE(10) CDB
func ParseReadWrite10(cdb []byte) (Direction, uint32, uint16, error) {
	if len(cdb) < 10 {
		return DirRead, 0, 0, ErrInsufficientData
	}
	var dir Direction
	switch cdb[0] {
	case OP_READ_10:
		dir = DirRead
	case OP_WRITE_10:
		dir = DirWrite
	default:
		return DirRead, 0, 0, fmt.Errorf("not a READ(10)/WRITE(10) opcode: %#02x", cdb[0])
	}
	return dir, binary.BigEndian.Uint32(cdb[2:6]), binary.BigEndian.Uint16(cdb[7:9]), nil
}

// ReadCapacity10 builds a READ CAPACITY(10) CDB
func ReadCapacity10() CDB10 {
	var cdb CDB10
	cdb[0] = OP_READ_CAPACITY_10
	return cdb
}

// ReadCapacity16 builds a READ CAPACITY(16) CDB requesting allocLen bytes
func ReadCapacity16(allocLen uint32) CDB16 {
	var cdb CDB16
	cdb[0] = OP_SERVICE_ACTION_IN
	cdb[1] = SA_READ_CAPACITY_16
	binary.BigEndian.PutUint32(cdb[10:14], allocLen)
	return cdb
}

// Capacity is decoded READ CAPACITY data
type Capacity struct {
	LastLBA   uint64
	BlockSize uint32
}

// Blocks returns the number of addressable blocks
func (c Capacity) Blocks() int64 {
	return int64(c.LastLBA) + 1
}

// UnmarshalCapacity10 decodes the 8-byte READ CAPACITY(10) response
func UnmarshalCapacity10(data []byte) (Capacity, error) {
	if len(data) < READ_CAPACITY_10_LEN {
		return Capacity{}, ErrInsufficientData
	}
	return Capacity{
		LastLBA:   uint64(binary.BigEndian.Uint32(data[0:4])),
		BlockSize: binary.BigEndian.Uint32(data[4:8]),
	}, nil
}

// UnmarshalCapacity16 decodes the leading fields of a READ CAPACITY(16) response
func UnmarshalCapacity16(data []byte) (Capacity, error) {
	if len(data) < 12 {
		return Capacity{}, ErrInsufficientData
	}
	return Capacity{
		LastLBA:   binary.BigEndian.Uint64(data[0:8]),
		BlockSize: binary.BigEndian.Uint32(data[8:12]),
	}, nil
}

// MarshalCapacity10 encodes a READ CAPACITY(10) response, clipping LBAs that do not fit
func MarshalCapacity10(c Capacity, buf []byte) int {
	if len(buf) < READ_CAPACITY_10_LEN {
		return 0
	}
	last := uint32(READ_CAPACITY_10_CLIP)
	if c.LastLBA < READ_CAPACITY_10_CLIP {
		last = uint32(c.LastLBA)
	}
	binary.BigEndian.PutUint32(buf[0:4], last)
	binary.BigEndian.PutUint32(buf[4:8], c.BlockSize)
	return READ_CAPACITY_10_LEN
}

// MarshalCapacity16 encodes a READ CAPACITY(16) response
func MarshalCapacity16(c Capacity, buf []byte) int {
	if len(buf) < 12 {
		return 0
	}
	binary.BigEndian.PutUint64(buf[0:8], c.LastLBA)
	binary.BigEndian.PutUint32(buf[8:12], c.BlockSize)
	return 12
}
