package sg

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/ehrlich-b/go-sgdd/internal/interfaces"
	"github.com/ehrlich-b/go-sgdd/internal/uapi"
)

// FileDriver serves regular files, pipes, stdio and /dev/null. The I/O is
// done synchronously inside Submit and the completion is queued for Receive,
// so the scheduler treats it like any other driver.
type FileDriver struct {
	f        *os.File
	seekable bool
	pending  []*interfaces.Completion
}

var _ interfaces.Driver = (*FileDriver)(nil)

// NewFileDriver wraps f. Seekable files use positional I/O at LBA*block
// size; others are read and written sequentially.
func NewFileDriver(f *os.File, seekable bool) *FileDriver {
	return &FileDriver{f: f, seekable: seekable}
}

func (d *FileDriver) Async() bool { return false }

func (d *FileDriver) Submit(cmd *interfaces.Command) error {
	n := cmd.Length()
	if cmd.Dir == uapi.DirWrite {
		n = cmd.DataLen()
	}
	buf := cmd.Buf[:n]
	off := int64(cmd.LBA) * int64(cmd.BlockSize)
	start := time.Now()

	var done int
	var err error
	if cmd.Dir == uapi.DirRead {
		done, err = d.read(buf, off)
	} else {
		done, err = d.write(buf, off)
		if err == nil && done < n {
			err = io.ErrShortWrite
		}
	}
	if err != nil {
		return fileErrno(err)
	}

	d.pending = append(d.pending, &interfaces.Completion{
		Token:    cmd.Token,
		PackID:   cmd.PackID,
		Resid:    n - done,
		Duration: time.Since(start),
	})
	return nil
}

func (d *FileDriver) read(buf []byte, off int64) (int, error) {
	total := 0
	for total < len(buf) {
		var n int
		var err error
		if d.seekable {
			n, err = d.f.ReadAt(buf[total:], off+int64(total))
		} else {
			n, err = d.f.Read(buf[total:])
		}
		total += n
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, err
		}
		if n == 0 && !d.seekable {
			break
		}
	}
	return total, nil
}

func (d *FileDriver) write(buf []byte, off int64) (int, error) {
	if d.seekable {
		return d.f.WriteAt(buf, off)
	}
	return d.f.Write(buf)
}

func (d *FileDriver) Ready() (bool, error) {
	return len(d.pending) > 0, nil
}

func (d *FileDriver) Receive() (*interfaces.Completion, error) {
	if len(d.pending) == 0 {
		return nil, syscall.EAGAIN
	}
	c := d.pending[0]
	d.pending[0] = nil
	d.pending = d.pending[1:]
	return c, nil
}

func (d *FileDriver) Close() error { return nil }

// fileErrno surfaces the errno of a failed file operation so the
// submission classifier sees the same values a device would report
func fileErrno(err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	if errors.Is(err, io.ErrShortWrite) {
		return fmt.Errorf("short write: %w", syscall.EIO)
	}
	return err
}
