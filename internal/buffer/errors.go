package buffer

import (
	"errors"
	"fmt"

	"github.com/holmberd/go-tracebuf/internal/format"
)

var (
	ErrBufferCorrupted    = errors.New("buffer is corrupted")
	ErrAllocation         = errors.New("chunk allocation failed")
	ErrRecordTooLarge     = errors.New("record does not fit into an empty chunk")
	ErrIntegrity          = errors.New("trace data integrity fault")
	ErrLengthOverflow     = errors.New("record length exceeds its reserved length field")
	ErrPlaceholderActive  = errors.New("another record length placeholder is active")
	ErrInvalidCall        = errors.New("invalid call")
	ErrInvalidMode        = errors.New("operation not allowed in current buffer mode")
	ErrIO                 = errors.New("trace file I/O failure")
	ErrUnknownIndexFormat = errors.New("unknown chunk index format")

	// ErrInterrupted is returned by a record callback to stop ReadRecords early.
	ErrInterrupted = errors.New("interrupted by callback")
)

// IOError describes a failed file substrate operation.
// It matches both ErrIO and the underlying error with [errors.Is].
type IOError struct {
	Op       string
	FileType format.FileType
	Location uint64
	Offset   int64
	Err      error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s file of location %d at offset %d: %v", e.Op, e.FileType, e.Location, e.Offset, e.Err)
}

func (e *IOError) Unwrap() []error {
	return []error{ErrIO, e.Err}
}

func integrityError(msg string, args ...any) error {
	return fmt.Errorf("%w: "+msg, append([]any{ErrIntegrity}, args...)...)
}
