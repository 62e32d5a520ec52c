package queue

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// BufferPool is one anonymous mapping carved into page-aligned per-slot
// buffers. Slots keep their buffer for the life of the session, so the
// addresses handed to the driver never move.
type BufferPool struct {
	region []byte
	stride int
	size   int
	slots  int
}

// NewBufferPool maps slots buffers of size bytes each
func NewBufferPool(slots, size int) (*BufferPool, error) {
	if slots <= 0 || size <= 0 {
		return nil, fmt.Errorf("invalid buffer pool geometry: %d x %d", slots, size)
	}
	page := os.Getpagesize()
	stride := (size + page - 1) / page * page

	region, err := unix.Mmap(-1, 0, stride*slots,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate %d I/O buffers of %d bytes: %w", slots, size, err)
	}
	return &BufferPool{region: region, stride: stride, size: size, slots: slots}, nil
}

// Buffer returns slot i's buffer
func (p *BufferPool) Buffer(i int) []byte {
	off := i * p.stride
	return p.region[off : off+p.size : off+p.stride]
}

// Size returns the usable size of each buffer
func (p *BufferPool) Size() int { return p.size }

// Slots returns the number of buffers
func (p *BufferPool) Slots() int { return p.slots }

// Close unmaps the pool; buffers must not be used afterwards
func (p *BufferPool) Close() error {
	if p.region == nil {
		return nil
	}
	err := unix.Munmap(p.region)
	p.region = nil
	return err
}
