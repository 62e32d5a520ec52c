package constants

import "time"

// Default configuration constants
const (
	// DefaultBlockSize is the default logical block size in bytes
	DefaultBlockSize = 512

	// DefaultTransferBytes is the transfer size the default blocks-per-transfer is scaled to (64KB)
	DefaultTransferBytes = 64 * 1024

	// MaxReadAhead is the default bound on concurrently outstanding reads
	MaxReadAhead = 4

	// MaxWriteAhead is the default bound on concurrently outstanding writes
	MaxWriteAhead = 4

	// SenseBufferLen is the sense buffer length handed to the driver per command
	SenseBufferLen = 32

	// CDBLen is the length of the READ(10)/WRITE(10) command descriptor block
	CDBLen = 10

	// MaxCDBBlocks is the largest transfer a READ(10)/WRITE(10) can encode
	MaxCDBBlocks = 0xffff

	// MaxCDBLBA is the largest LBA a READ(10)/WRITE(10) can address
	MaxCDBLBA = 0xffffffff
)

// DefaultBlocksPerTransfer returns the default bpt for a block size: roughly 64KB worth of blocks.
func DefaultBlocksPerTransfer(blockSize int) int {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	bpt := DefaultTransferBytes / blockSize
	if bpt < 1 {
		bpt = 1
	}
	return bpt
}

// Driver version thresholds (SG_GET_VERSION_NUM encoding: major*10000 + minor*100 + patch)
const (
	// MinVersionSubmitReceive is the first driver that accepts SG_IOSUBMIT/SG_IORECEIVE
	MinVersionSubmitReceive = 40000

	// MinVersionAsyncExtras is the first driver with immediate receive and tag correlation
	MinVersionAsyncExtras = 40030
)

// Timing constants
const (
	// CommandTimeout is the per-command timeout passed to the driver
	CommandTimeout = 60 * time.Second

	// CompletionWaitTimeout bounds the cooperative wait for a completion; expiry is fatal
	CompletionWaitTimeout = 60 * time.Second

	// ProbeTimeout is the timeout for the one-shot capacity probe
	ProbeTimeout = 20 * time.Second

	// RefusedRetryDelay is the first sleep before retrying refused
	// submissions when nothing is in flight; it doubles up to MaxRefusedRetryDelay
	RefusedRetryDelay    = time.Millisecond
	MaxRefusedRetryDelay = 64 * time.Millisecond
)
