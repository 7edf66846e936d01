package buffer

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/holmberd/go-tracebuf/internal/format"
)

// Position is a saved read position, see GetPosition.
type Position struct {
	Chunk  uint64 // Sequence number of the chunk.
	Offset int    // Byte offset within the chunk.
	Record uint64 // Index of the next record.
	Time   uint64 // Timestamp in effect at the position.
}

// GetPosition returns the current read position. Positions taken inside a record
// refer to the start of the following record.
func (b *Buffer) GetPosition() (Position, error) {
	if err := b.check(ModeRead, ModeModify); err != nil {
		return Position{}, err
	}
	p := Position{Offset: b.pos, Record: b.nextRecord, Time: b.time}
	if b.recordEnd >= 0 {
		p.Offset = b.recordEnd
	}
	if c := b.current(); c != nil {
		p.Chunk = c.seq
	}
	return p, nil
}

// SetPosition restores a position returned by GetPosition.
func (b *Buffer) SetPosition(p Position) error {
	if err := b.check(ModeRead, ModeModify); err != nil {
		return err
	}
	if c := b.current(); c == nil || c.seq != p.Chunk {
		if err := b.loadChunk(p.Chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: chunk %d does not exist", ErrInvalidCall, p.Chunk)
			}
			return err
		}
	}
	if p.Offset < b.headerSize() || p.Offset > b.current().used {
		return fmt.Errorf("%w: offset %d is outside chunk %d", ErrInvalidCall, p.Offset, p.Chunk)
	}
	b.pos = p.Offset
	b.recordEnd = -1
	b.timePos = -1
	b.nextRecord = p.Record
	b.time = p.Time
	return nil
}

// ReadGetNextChunk positions the cursor at the first record of the next chunk.
// The error is [io.EOF] if the current chunk is the last one.
func (b *Buffer) ReadGetNextChunk() error {
	if err := b.check(ModeRead, ModeModify); err != nil {
		return err
	}
	return b.nextChunk()
}

// ReadGetPreviousChunk positions the cursor at the first record of the previous chunk.
func (b *Buffer) ReadGetPreviousChunk() error {
	if err := b.check(ModeRead, ModeModify); err != nil {
		return err
	}
	c := b.current()
	if c == nil || b.numChunks == 0 || c.seq == 0 {
		return fmt.Errorf("%w: no chunk before the current one", ErrInvalidCall)
	}
	return b.loadChunk(c.seq - 1)
}

// ReadSeekChunk positions the cursor at the start of the chunk containing the given
// record index. It uses the attached chunk index if there is one and otherwise
// binary-searches the chunk headers. Only chunked buffers can be searched.
func (b *Buffer) ReadSeekChunk(record uint64) (bool, error) {
	if err := b.check(ModeRead, ModeModify); err != nil {
		return false, err
	}
	if b.chunkMode != Chunked {
		return false, fmt.Errorf("%w: buffer is not chunked", ErrInvalidCall)
	}
	if len(b.index) > 0 {
		i := sort.Search(len(b.index), func(i int) bool { return b.index[i].FirstRecord > record }) - 1
		if i < 0 || record >= b.index[i].EndRecord {
			return false, nil
		}
		return true, b.loadChunk(b.index[i].Chunk)
	}

	lo, hi := int64(0), int64(b.numChunks)-1
	for lo <= hi {
		mid := lo + (hi-lo)/2
		if err := b.loadChunk(uint64(mid)); err != nil {
			return false, err
		}
		c := b.current()
		end := c.endRecord
		if end < c.firstRecord {
			end = math.MaxUint64 // Not completed.
		}
		switch {
		case record < c.firstRecord:
			hi = mid - 1
		case record >= end:
			lo = mid + 1
		default:
			return true, nil
		}
	}
	return false, nil
}

// SeekRecord positions the cursor so that the next ReadRecord returns the record
// with the given index.
func (b *Buffer) SeekRecord(record uint64) (bool, error) {
	found, err := b.ReadSeekChunk(record)
	if err != nil || !found {
		return false, err
	}
	for {
		_, _, err := b.ReadRecord()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		i := b.nextRecord - 1
		if i == record {
			// Unread the record.
			b.pos = b.recordStart
			b.recordEnd = -1
			b.nextRecord = record
			return true, nil
		}
		if i > record {
			return false, nil
		}
	}
}

// ReadSeekChunkTime positions the cursor at the start of the last chunk whose first
// timestamp is not after t. If every chunk starts after t the cursor is placed at the
// first chunk and false is returned.
func (b *Buffer) ReadSeekChunkTime(t uint64) (bool, error) {
	if err := b.check(ModeRead, ModeModify); err != nil {
		return false, err
	}
	if !b.fileType.HasTimestamps() {
		return false, fmt.Errorf("%w: %s records have no timestamps", ErrInvalidCall, b.fileType)
	}
	if b.numChunks == 0 {
		return false, nil
	}
	if len(b.index) > 0 {
		i := sort.Search(len(b.index), func(i int) bool { return b.index[i].FirstTimestamp > t }) - 1
		if i < 0 {
			return false, b.loadChunk(0)
		}
		return true, b.loadChunk(b.index[i].Chunk)
	}

	found := int64(-1)
	lo, hi := int64(0), int64(b.numChunks)-1
	for lo <= hi {
		mid := lo + (hi-lo)/2
		if err := b.loadChunk(uint64(mid)); err != nil {
			return false, err
		}
		if first, _ := b.chunkFirstTime(); first <= t {
			found = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if found < 0 {
		return false, b.loadChunk(0)
	}
	return true, b.loadChunk(uint64(found))
}

// chunkFirstTime returns the full timestamp following the header of the current chunk.
func (b *Buffer) chunkFirstTime() (uint64, bool) {
	c := b.current()
	hs := b.headerSize()
	if c == nil || c.used < hs+format.TimestampSize || c.data[hs] != format.TagTimestamp {
		return 0, false
	}
	return b.order.Uint64(c.data[hs+1:]), true
}
