package ctrl

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-sgdd/internal/constants"
	"github.com/ehrlich-b/go-sgdd/internal/interfaces"
	"github.com/ehrlich-b/go-sgdd/internal/uapi"
)

// ErrCountRequired is returned when no endpoint can report its size
var ErrCountRequired = errors.New("unable to determine transfer size, give count=")

// CapacityError reports a READ CAPACITY that completed with a bad status
type CapacityError struct {
	Category uapi.Category
	Sense    uapi.Sense
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("read capacity failed: %s (%s)", e.Category, e.Sense)
}

func execCapacity(t interfaces.Transport, cdb []byte, buf []byte) (*interfaces.Completion, error) {
	var c *interfaces.Completion
	var err error
	// one unit attention retry
	for attempt := 0; attempt < 2; attempt++ {
		c, err = t.Exec(cdb, uapi.SG_DXFER_FROM_DEV, buf, constants.ProbeTimeout)
		if err != nil {
			return nil, err
		}
		if c.Category() != uapi.CatUnitAttention {
			break
		}
	}
	if cat := c.Category(); !cat.Succeeded() {
		s, _ := uapi.ParseSense(c.Sense)
		return nil, &CapacityError{Category: cat, Sense: s}
	}
	return c, nil
}

// ReadCapacity returns the geometry of the device behind t. The 16-byte
// form is used when the 10-byte form cannot represent the last LBA.
func ReadCapacity(t interfaces.Transport) (uapi.Capacity, error) {
	buf := make([]byte, uapi.READ_CAPACITY_16_LEN)
	rc10 := uapi.ReadCapacity10()
	if _, err := execCapacity(t, rc10[:], buf[:uapi.READ_CAPACITY_10_LEN]); err != nil {
		return uapi.Capacity{}, err
	}
	capacity, err := uapi.UnmarshalCapacity10(buf)
	if err != nil {
		return uapi.Capacity{}, err
	}
	if capacity.LastLBA != uapi.READ_CAPACITY_10_CLIP {
		return capacity, nil
	}

	rc16 := uapi.ReadCapacity16(uapi.READ_CAPACITY_16_LEN)
	if _, err := execCapacity(t, rc16[:], buf); err != nil {
		return uapi.Capacity{}, err
	}
	return uapi.UnmarshalCapacity16(buf)
}

// Blocks returns how many blocks of blockSize the endpoint holds, and
// whether that is known at all
func (c *Controller) Blocks(e *Endpoint) (int64, bool, error) {
	bs := int64(c.cfg.BlockSize)
	switch {
	case e.IsGeneric():
		capacity, err := ReadCapacity(e.Device)
		if err != nil {
			return 0, false, fmt.Errorf("%s: %w", e.Path, err)
		}
		if int64(capacity.BlockSize) != bs {
			c.logger.WithEndpoint(e.Side.String(), e.Path).Warn("device block size differs from bs=",
				"device", capacity.BlockSize, "bs", bs)
		}
		return capacity.Blocks(), true, nil
	case e.Side == SideIn && e.Kind == KindFile && e.size >= 0:
		return (e.size + bs - 1) / bs, true, nil
	}
	return 0, false, nil
}

// ResolveCount derives count= from the endpoints when it was not given
func (c *Controller) ResolveCount(in, out *Endpoint) (int64, error) {
	count := int64(-1)
	for _, e := range []*Endpoint{in, out} {
		blocks, ok, err := c.Blocks(e)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		avail := blocks - e.Offset
		if avail < 0 {
			avail = 0
		}
		c.logger.Debug("probed endpoint", "side", e.Side.String(), "blocks", blocks, "available", avail)
		if count < 0 || avail < count {
			count = avail
		}
	}
	if count < 0 {
		return 0, ErrCountRequired
	}
	return count, nil
}

// CheckRange rejects jobs a READ(10)/WRITE(10) cannot address on e
func (c *Controller) CheckRange(e *Endpoint, count int64) error {
	if !e.IsGeneric() {
		return nil
	}
	if c.cfg.BlocksPerTransfer > constants.MaxCDBBlocks {
		return fmt.Errorf("%s: bpt=%d exceeds the 16-bit transfer length", e.Path, c.cfg.BlocksPerTransfer)
	}
	if count > 0 && e.Offset+count-1 > constants.MaxCDBLBA {
		return fmt.Errorf("%s: last block %d exceeds the 32-bit LBA of READ(10)/WRITE(10)", e.Path, e.Offset+count-1)
	}
	return nil
}
