package queue

import (
	"fmt"

	"github.com/ehrlich-b/go-sgdd/internal/interfaces"
	"github.com/ehrlich-b/go-sgdd/internal/uapi"
)

// State of a ring slot
type State int

const (
	StateFree     State = iota // available for a new read
	StateStarted               // owned by the driver
	StateFinished              // completed, result recorded
	StateError                 // failed; the job is aborting
	StateWait                  // submission refused for now, retried later
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateStarted:
		return "started"
	case StateFinished:
		return "finished"
	case StateError:
		return "error"
	case StateWait:
		return "wait"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Role is the direction a slot is currently used for
type Role int

const (
	RoleRead Role = iota
	RoleWrite
)

func (r Role) String() string {
	if r == RoleWrite {
		return "write"
	}
	return "read"
}

func (r Role) dir() uapi.Direction {
	if r == RoleWrite {
		return uapi.DirWrite
	}
	return uapi.DirRead
}

// Element is one reusable request slot. A slot is read into, then flips to
// the write role and is written from the same buffer.
type Element struct {
	Index  int
	Role   Role
	State  State
	InLBA  uint64
	OutLBA uint64
	Blocks int
	// Bytes is the data held after the read finished
	Bytes int

	StopAfterWrite bool
	// Discard marks reads issued past a short read; they are never written
	Discard   bool
	UARetried bool

	Cmd interfaces.Command
}

func (e *Element) reset() {
	e.Role = RoleRead
	e.State = StateFree
	e.InLBA, e.OutLBA = 0, 0
	e.Blocks, e.Bytes = 0, 0
	e.StopAfterWrite, e.Discard, e.UARetried = false, false, false
	e.Cmd.Partial = 0
	e.Cmd.Tag = 0
}

// Ring is a fixed array of slots with a read cursor (next slot to read
// into) and a write cursor (oldest slot not yet fully written). Slots
// between the write and read cursors are in use, in block order.
type Ring struct {
	elems []Element
	rd    int
	wr    int
	used  int
}

// NewRing allocates readAhead+writeAhead+1 slots, each owning one buffer
// from pool
func NewRing(readAhead, writeAhead int, pool *BufferPool) (*Ring, error) {
	n := readAhead + writeAhead + 1
	if pool.Slots() < n {
		return nil, fmt.Errorf("buffer pool has %d slots, ring needs %d", pool.Slots(), n)
	}
	r := &Ring{elems: make([]Element, n)}
	for i := range r.elems {
		e := &r.elems[i]
		e.Index = i
		e.Cmd.Buf = pool.Buffer(i)
		e.Cmd.Token = uint64(i + 1)
		e.reset()
	}
	return r, nil
}

// Cap returns the number of slots
func (r *Ring) Cap() int { return len(r.elems) }

// Used returns the number of slots between the cursors
func (r *Ring) Used() int { return r.used }

// At returns slot i
func (r *Ring) At(i int) *Element { return &r.elems[i] }

// ByToken resolves a completion token to its slot
func (r *Ring) ByToken(token uint64) (*Element, bool) {
	if token == 0 || token > uint64(len(r.elems)) {
		return nil, false
	}
	return &r.elems[token-1], true
}

// NextFreeRead returns the slot under the read cursor if it is free
func (r *Ring) NextFreeRead() (*Element, bool) {
	if r.used == len(r.elems) {
		return nil, false
	}
	e := &r.elems[r.rd]
	if e.State != StateFree {
		return nil, false
	}
	return e, true
}

// AdvanceRead moves the read cursor past a slot that has just been claimed
// for a read
func (r *Ring) AdvanceRead() error {
	e := &r.elems[r.rd]
	if r.used == len(r.elems) || e.State == StateFree {
		return fmt.Errorf("read cursor at slot %d cannot advance (state %s)", r.rd, e.State)
	}
	r.rd = (r.rd + 1) % len(r.elems)
	r.used++
	return nil
}

// AdvanceWrite frees contiguous fully written slots from the write cursor
// and returns them in order. Slot state is reset; buffers stay attached.
func (r *Ring) AdvanceWrite(fn func(e *Element)) int {
	n := 0
	for r.used > 0 {
		e := &r.elems[r.wr]
		if e.Role != RoleWrite || e.State != StateFinished {
			break
		}
		if fn != nil {
			fn(e)
		}
		e.reset()
		r.wr = (r.wr + 1) % len(r.elems)
		r.used--
		n++
	}
	return n
}

// Each visits the in-use slots from the write cursor in block order
func (r *Ring) Each(fn func(e *Element) bool) {
	for i := 0; i < r.used; i++ {
		if !fn(&r.elems[(r.wr+i)%len(r.elems)]) {
			return
		}
	}
}

// Scan summarises the in-use slots
type Scan struct {
	Reading  int
	Writing  int
	Waiting  int
	Writable *Element
}

// Scan counts slots by activity and finds the next slot that may be
// written: a finished read all of whose predecessors are written or being
// written. A write waiting to be resubmitted holds back every later one,
// so writes are issued in increasing block order.
func (r *Ring) Scan() Scan {
	var s Scan
	ordered := true
	r.Each(func(e *Element) bool {
		switch e.State {
		case StateStarted:
			if e.Role == RoleRead {
				s.Reading++
			} else {
				s.Writing++
			}
		case StateWait:
			s.Waiting++
		}
		if !ordered || e.Discard {
			return true
		}
		if e.Role == RoleWrite && e.State == StateWait {
			// a refused write goes out again before any later one
			ordered = false
			return true
		}
		if e.Role == RoleRead {
			if e.State == StateFinished && s.Writable == nil {
				s.Writable = e
			}
			ordered = false
		}
		return true
	})
	return s
}
