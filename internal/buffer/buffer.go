// Package buffer implements the chunked record buffer that trace streams are written
// to and read from.
//
// A Buffer owns a sequence of fixed-size chunks. In write mode records are appended to
// the current chunk; when it is full the buffer either chains a new chunk or spills the
// resident chunks to its File, as decided by the host's flush callbacks. In read mode
// chunks are loaded from the File (or taken from memory) one at a time, and records are
// returned with their declared lengths so unknown records can be skipped.
package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/holmberd/go-tracebuf/internal/format"
)

// File is the backing store a Buffer spills chunks to and loads chunks from.
type File interface {
	// WriteChunk appends one chunk. Only the final chunk may be shorter than the chunk size.
	WriteChunk(p []byte) error

	// ReadChunk reads chunk n into p and returns the number of valid bytes.
	// The error is [io.EOF] if the chunk does not exist.
	ReadChunk(n uint64, p []byte) (int, error)

	NumChunks() (uint64, error)
	Close() error
}

type bufferState int

const (
	stateActive bufferState = iota

	// stateCorrupted indicates internal corruption.
	// All operations are disabled.
	stateCorrupted
	stateClosed
)

// chunk is a resident chunk of the buffer.
type chunk struct {
	data        []byte
	seq         uint64 // Position of the chunk within the stream.
	used        int    // Valid bytes; set on completion and when loaded.
	firstRecord uint64 // Index of the first record starting in this chunk.
	endRecord   uint64 // Index following the last record in this chunk.
	firstTime   uint64 // First timestamp written to this chunk.
	dataOffset  int    // Offset of the first record; zero until one is counted.
	hasTime     bool
}

// Buffer is a chunked append-only record buffer for one trace stream.
// It is not safe for concurrent use; each stream has exactly one writer or reader.
type Buffer struct {
	logger    *slog.Logger
	alloc     Allocator
	slot      any // Owned by alloc.
	file      File
	callbacks FlushCallbacks

	fileType        format.FileType
	location        uint64
	chunkSize       int
	chunkMode       ChunkMode
	order           binary.ByteOrder // Write order, or the order of the current chunk when reading.
	deltaTimestamps bool

	mode      Mode
	state     bufferState
	finalized bool
	err       error // Sticky write error, see Err.

	chunks  []*chunk // Resident chunks in stream order.
	cur     int      // Index of the current chunk in chunks.
	pos     int      // Cursor within the current chunk.
	spare   [][]byte // Chunk memory cut off by a rewind, reused before allocating.
	nextSeq uint64   // Sequence number of the next chunk to be started.
	spilled uint64   // Number of chunks written to the file.
	records uint64   // Number of records written.
	time    uint64   // Last written or read timestamp.

	phActive bool // A record length placeholder is pending.

	index  []ChunkIndexEntry
	rewind []rewindPoint

	// Read state.
	fromFile    bool   // Chunks are loaded from the file instead of memory.
	numChunks   uint64 // Number of chunks in the read source.
	recordStart int    // Position of the tag of the current record.
	recordEnd   int    // End of the current record, or -1.
	nextRecord  uint64 // Index of the next record to be returned.
	timePos     int    // Position of the last read full timestamp value, or -1.

	scratch [9]byte
}

// New creates a Buffer. In write mode the first chunk is allocated immediately; in
// read mode the first chunk is loaded from the file.
func New(alloc Allocator, file File, logger *slog.Logger, config Config) (*Buffer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if s, ok := alloc.(interface{ Supports(int) bool }); ok && !s.Supports(config.ChunkSize) {
		return nil, fmt.Errorf("invalid config: chunk size %d is not supported by the allocator", config.ChunkSize)
	}
	if logger == nil {
		logger = slog.Default()
	}
	order := config.ByteOrder
	if order == nil {
		order = binary.LittleEndian
	}
	b := &Buffer{
		logger: logger.With(
			"fileType", config.FileType.String(),
			"location", config.Location,
		),
		alloc:           alloc,
		file:            file,
		callbacks:       config.Callbacks,
		fileType:        config.FileType,
		location:        config.Location,
		chunkSize:       config.ChunkSize,
		chunkMode:       config.ChunkMode,
		order:           order,
		deltaTimestamps: config.DeltaTimestamps,
		mode:            config.Mode,
		recordEnd:       -1,
		timePos:         -1,
	}

	switch config.Mode {
	case ModeWrite:
		data := b.allocate()
		if data == nil {
			return nil, fmt.Errorf("%w: no memory for the first chunk", ErrAllocation)
		}
		b.startChunk(data)
	case ModeRead:
		if file == nil {
			return nil, fmt.Errorf("%w: read mode requires a file", ErrInvalidCall)
		}
		if err := b.openFileSource(); err != nil {
			b.Close()
			return nil, err
		}
	}
	return b, nil
}

func (b *Buffer) FileType() format.FileType { return b.fileType }
func (b *Buffer) Location() uint64          { return b.location }
func (b *Buffer) ChunkSize() int            { return b.chunkSize }
func (b *Buffer) Mode() Mode                { return b.mode }

// ByteOrder returns the write byte order, or the byte order of the current chunk when reading.
func (b *Buffer) ByteOrder() binary.ByteOrder { return b.order }

// NumRecords returns the number of records written so far.
func (b *Buffer) NumRecords() uint64 { return b.records }

// Time returns the last written or read timestamp.
func (b *Buffer) Time() uint64 { return b.time }

// Err returns the first error of a write primitive since the last successful rewind.
func (b *Buffer) Err() error { return b.err }

func (b *Buffer) isCorrupted() bool {
	return b.state == stateCorrupted
}

// setCorrupted sets the buffer state to corrupted and logs the provided error.
// It returns ErrBufferCorrupted.
func (b *Buffer) setCorrupted(err error) error {
	b.state = stateCorrupted
	b.logger.Error(
		"Unrecoverable buffer corruption detected. All buffer operations are disabled",
		"error", err,
	)
	return fmt.Errorf("%w: %w", ErrBufferCorrupted, err)
}

func (b *Buffer) check(modes ...Mode) error {
	switch b.state {
	case stateCorrupted:
		return ErrBufferCorrupted
	case stateClosed:
		return fmt.Errorf("%w: buffer is closed", ErrInvalidCall)
	}
	for _, m := range modes {
		if b.mode == m {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidMode, b.mode)
}

func (b *Buffer) headerSize() int {
	if b.chunkMode == Chunked {
		return format.ChunkHeaderSize
	}
	return format.ChunkHeaderSizeUnchunked
}

func (b *Buffer) current() *chunk {
	if b.cur < len(b.chunks) {
		return b.chunks[b.cur]
	}
	return nil
}

// allocate returns memory for a new chunk, or nil if none is available.
func (b *Buffer) allocate() []byte {
	if n := len(b.spare); n > 0 {
		data := b.spare[n-1]
		b.spare = b.spare[:n-1]
		return data
	}
	data := b.alloc.Allocate(b.fileType, b.location, &b.slot, b.chunkSize)
	if data == nil {
		return nil
	}
	if cap(data) < b.chunkSize {
		b.logger.Warn("Allocator returned a short chunk", "size", cap(data))
		return nil
	}
	return data[:b.chunkSize]
}

// SwitchMode changes the buffer mode. The allowed transitions are write to read,
// write to modify and modify to read.
//
// Leaving write mode finalizes the stream. If chunks were already spilled, the rest
// is flushed and the buffer reads from its file; otherwise it reads from memory.
func (b *Buffer) SwitchMode(m Mode) error {
	if err := b.check(b.mode); err != nil {
		return err
	}
	switch {
	case b.mode == m:
		return nil
	case b.mode == ModeWrite && (m == ModeRead || m == ModeModify):
		if b.phActive {
			return ErrPlaceholderActive
		}
		if b.spilled > 0 && m == ModeModify {
			return fmt.Errorf("%w: chunks were spilled to the file, cannot modify", ErrInvalidMode)
		}
		if !b.finalized {
			b.terminate()
		}
		b.finalized = true
		if b.spilled > 0 {
			if len(b.chunks) > 0 {
				if err := b.flush(true); err != nil {
					return err
				}
			}
			b.mode = m
			return b.openFileSource()
		}
		b.mode = m
		b.openMemorySource()
		return nil
	case b.mode == ModeModify && m == ModeRead:
		b.mode = m
		return nil
	default:
		return fmt.Errorf("%w: cannot switch from %s to %s", ErrInvalidMode, b.mode, m)
	}
}

// Finalize terminates a write stream and hands the remaining chunks to the final
// PreFlush decision. It is a no-op if the buffer is already finalized.
func (b *Buffer) Finalize() error {
	if err := b.check(ModeWrite); err != nil {
		return err
	}
	if b.finalized {
		return nil
	}
	if b.phActive {
		return ErrPlaceholderActive
	}
	b.terminate()
	b.finalized = true
	if b.preFlush(true) == Flush {
		return b.flush(true)
	}
	return nil
}

// terminate writes the end of buffer marker and completes the current chunk.
func (b *Buffer) terminate() {
	c := b.current()
	if c == nil {
		return // Lost with a failed allocation.
	}
	c.data[b.pos] = format.TagEndOfBuffer // Reserve always leaves one free byte.
	b.pos++
	b.completeChunk()
}

// Close releases all chunks and closes the file. A write buffer is finalized first.
func (b *Buffer) Close() error {
	if b.state == stateClosed {
		return nil
	}
	var errs []error
	if b.mode == ModeWrite && !b.finalized && b.state == stateActive && !b.phActive {
		errs = append(errs, b.Finalize())
	}
	b.chunks = nil
	b.spare = nil
	b.rewind = nil
	b.alloc.FreeAll(b.fileType, b.location, &b.slot, true)
	if b.file != nil {
		if err := b.file.Close(); err != nil {
			errs = append(errs, &IOError{Op: "close", FileType: b.fileType, Location: b.location, Err: err})
		}
	}
	b.state = stateClosed
	return errors.Join(errs...)
}

// Print outputs a visual representation of the resident chunks for debugging purposes.
// It prints each chunk as a row of space-separated hexadecimal values.
func (b *Buffer) Print(w io.Writer) {
	if b == nil {
		return
	}
	fmt.Fprintf(w, "--- %s buffer of location %d (%s) ---\n", b.fileType, b.location, b.mode)
	if len(b.chunks) == 0 {
		fmt.Fprintf(w, "(empty)\n\n")
		return
	}

	// The width is the number of digits in the highest chunk sequence number.
	paddingWidth := len(strconv.FormatUint(b.chunks[len(b.chunks)-1].seq, 10))
	for i, c := range b.chunks {
		end := c.used
		if i == b.cur && b.mode == ModeWrite {
			end = b.pos
		}
		fmt.Fprintf(w, "%*d: [% x]\n", paddingWidth, c.seq, c.data[:end])
	}
	fmt.Fprintln(w)
}
