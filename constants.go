package sgdd

import "github.com/ehrlich-b/go-sgdd/internal/constants"

// Re-export constants for public API
const (
	DefaultBlockSize      = constants.DefaultBlockSize
	DefaultTransferBytes  = constants.DefaultTransferBytes
	MaxReadAhead          = constants.MaxReadAhead
	MaxWriteAhead         = constants.MaxWriteAhead
	CommandTimeout        = constants.CommandTimeout
	CompletionWaitTimeout = constants.CompletionWaitTimeout
)
