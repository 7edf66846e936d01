package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/holmberd/go-tracebuf/internal/format"
)

// minChunkSize is the smallest chunk a buffer works with. It must hold a chunk header,
// a timestamp, a buffer flush marker and at least one small record.
const minChunkSize = 64

type Mode int

const (
	ModeWrite Mode = iota
	ModeRead
	ModeModify // In-memory reading with timestamp rewriting.
)

func (m Mode) String() string {
	switch m {
	case ModeWrite:
		return "write"
	case ModeRead:
		return "read"
	case ModeModify:
		return "modify"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

type ChunkMode int

const (
	// Chunked buffers store the range of record indexes in every chunk header,
	// which makes them seekable.
	Chunked ChunkMode = iota
	NotChunked
)

// FlushDecision is the answer of a PreFlush callback.
type FlushDecision int

const (
	Flush   FlushDecision = iota // Spill resident chunks to the file.
	NoFlush                      // Keep chunks in memory.
)

// FlushCallbacks let the host control spilling of a write buffer.
type FlushCallbacks struct {
	// PreFlush is called whenever a chunk is full and on finalization (final=true).
	// When nil, event buffers keep growing in memory and all other buffers flush.
	PreFlush func(ft format.FileType, location uint64, b *Buffer, final bool) FlushDecision

	// PostFlush supplies the timestamp of the buffer flush marker written to an event
	// buffer after a non-final flush. When nil no marker is written.
	PostFlush func(ft format.FileType, location uint64) uint64
}

type Config struct {
	FileType  format.FileType
	Location  uint64
	Mode      Mode // Initial mode, ModeWrite or ModeRead.
	ChunkMode ChunkMode
	ChunkSize int // Chunk size in bytes.

	// ByteOrder used when writing. Readers take the byte order from each chunk header.
	ByteOrder binary.ByteOrder

	// DeltaTimestamps enables writing small timestamp increments as deltas.
	// Delta timestamps cannot be rewritten in modify mode.
	DeltaTimestamps bool

	Callbacks FlushCallbacks
}

func (c Config) Validate() error {
	var errs []error
	if c.Mode != ModeWrite && c.Mode != ModeRead {
		errs = append(errs, fmt.Errorf("invalid config: initial mode must be write or read, got %s", c.Mode))
	}
	if c.ChunkMode != Chunked && c.ChunkMode != NotChunked {
		errs = append(errs, fmt.Errorf("invalid config: unknown chunk mode %d", c.ChunkMode))
	}
	if c.ChunkSize < minChunkSize {
		errs = append(errs, fmt.Errorf("invalid config: chunk size %d must be at least %d", c.ChunkSize, minChunkSize))
	}
	if c.ByteOrder != nil && c.ByteOrder != binary.LittleEndian && c.ByteOrder != binary.BigEndian {
		errs = append(errs, errors.New("invalid config: byte order must be little or big endian"))
	}
	return errors.Join(errs...)
}

// DefaultConfig returns the configuration for writing a stream of the given file type.
func DefaultConfig(ft format.FileType, location uint64) Config {
	c := Config{
		FileType:        ft,
		Location:        location,
		Mode:            ModeWrite,
		ChunkMode:       Chunked,
		ChunkSize:       format.DefaultEventChunkSize,
		ByteOrder:       binary.LittleEndian,
		DeltaTimestamps: true,
	}
	switch ft {
	case format.FileTypeGlobalDefs, format.FileTypeLocalDefs:
		c.ChunkMode = NotChunked
		c.ChunkSize = format.DefaultDefChunkSize
	case format.FileTypeSnapshots:
		c.ChunkSize = format.DefaultSnapChunkSize
	}
	return c
}
