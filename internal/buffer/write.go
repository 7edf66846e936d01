package buffer

import (
	"fmt"
	"math"
	"strings"

	"github.com/holmberd/go-tracebuf/internal/format"
	"github.com/holmberd/go-tracebuf/internal/varint"
)

// LengthPlaceholder marks a record length field that is patched once the record is
// complete. The field is one byte if the estimated length fits, otherwise an escape
// byte followed by a full 8-byte length. The reserved form is never changed afterwards.
type LengthPlaceholder struct {
	chunk *chunk
	at    int // Position of the length field.
	start int // Position of the first record data byte.
	wide  bool
}

// RecordSize returns the number of bytes needed for a record with the given payload
// length, including its tag and length field.
func RecordSize(payloadLen int) int {
	n := 1 + 1 + payloadLen
	if payloadLen > format.MaxShortLength {
		n += 8
	}
	return n
}

func (b *Buffer) free() int {
	c := b.current()
	if c == nil {
		return 0
	}
	return len(c.data) - b.pos
}

// Reserve ensures that a record of at most maxRecordBytes fits into the current chunk
// and counts it. If the chunk is full it is completed and, depending on the PreFlush
// decision, the resident chunks are spilled before a new chunk is started.
func (b *Buffer) Reserve(maxRecordBytes int) error {
	if err := b.checkAppend(); err != nil {
		return err
	}
	if err := b.recordRequest(b.time, maxRecordBytes); err != nil {
		return err
	}
	b.countRecord(b.pos)
	return nil
}

// WriteTimestamp reserves space for a record of at most recordLen bytes that happened
// at t, and writes t unless it equals the last written timestamp. Timestamps must not
// decrease.
func (b *Buffer) WriteTimestamp(t uint64, recordLen int) error {
	if err := b.checkAppend(); err != nil {
		return err
	}
	if t < b.time {
		return fmt.Errorf("%w: timestamp %d precedes last written timestamp %d", ErrInvalidCall, t, b.time)
	}
	if err := b.recordRequest(t, recordLen); err != nil {
		return err
	}
	if t > b.time || !b.current().hasTime {
		b.putTimestamp(t)
	}
	b.countRecord(b.pos)
	return b.err
}

// WriteEvent writes a complete timestamped record.
func (b *Buffer) WriteEvent(t uint64, tag byte, payload []byte) error {
	if err := checkTag(tag); err != nil {
		return err
	}
	if err := b.WriteTimestamp(t, RecordSize(len(payload))); err != nil {
		return err
	}
	return b.writeRecordBody(tag, payload)
}

// WriteRecord writes a complete record without a timestamp.
func (b *Buffer) WriteRecord(tag byte, payload []byte) error {
	if err := checkTag(tag); err != nil {
		return err
	}
	if err := b.Reserve(RecordSize(len(payload))); err != nil {
		return err
	}
	return b.writeRecordBody(tag, payload)
}

func checkTag(tag byte) error {
	if tag < format.FirstUserTag {
		return fmt.Errorf("%w: record tag %d is reserved", ErrInvalidCall, tag)
	}
	return nil
}

func (b *Buffer) writeRecordBody(tag byte, payload []byte) error {
	b.WriteUint8(tag)
	ph := b.WriteInitialRecordLength(uint64(len(payload)))
	b.WriteBytes(payload)
	return b.WriteFinalRecordLength(ph)
}

func (b *Buffer) checkAppend() error {
	if err := b.check(ModeWrite); err != nil {
		return err
	}
	if b.finalized {
		return fmt.Errorf("%w: buffer is finalized", ErrInvalidCall)
	}
	if b.phActive {
		return ErrPlaceholderActive
	}
	return b.err
}

// recordRequest makes room for n bytes plus a possible timestamp. A free byte is always
// left for the end of chunk marker.
func (b *Buffer) recordRequest(t uint64, n int) error {
	required := n
	overhead := b.headerSize()
	if b.fileType.HasTimestamps() {
		required += format.TimestampSize
		overhead += format.TimestampSize
	}
	if b.writesFlushMarker() {
		// A new chunk may start with a flush marker.
		overhead += format.BufferFlushSize
	}
	if required < b.free() {
		return nil
	}
	if required >= b.chunkSize-overhead {
		return fmt.Errorf("%w: %d bytes requested, at most %d bytes fit into a new chunk",
			ErrRecordTooLarge, required, b.chunkSize-overhead-1)
	}
	if err := b.requestNewChunk(t); err != nil {
		return err
	}
	if required >= b.free() {
		return fmt.Errorf("%w: %d bytes requested, %d bytes free in a new chunk", ErrRecordTooLarge, required, b.free())
	}
	return nil
}

// writesFlushMarker reports whether a spill is followed by a buffer flush marker.
func (b *Buffer) writesFlushMarker() bool {
	return b.fileType == format.FileTypeEvents && b.callbacks.PostFlush != nil
}

// requestNewChunk completes the current chunk and starts a new one.
func (b *Buffer) requestNewChunk(t uint64) error {
	b.completeChunk()

	flushed := false
	if b.preFlush(false) == Flush {
		if err := b.flush(false); err != nil {
			return err
		}
		flushed = true
	}

	data := b.allocate()
	if data == nil {
		b.logger.Warn("Chunk allocation failed", "chunkSize", b.chunkSize, "resident", len(b.chunks))
		b.err = fmt.Errorf("%w: %d byte chunk", ErrAllocation, b.chunkSize)
		return b.err
	}
	b.startChunk(data)
	if b.fileType.HasTimestamps() {
		b.putTimestamp(t)
	}
	if flushed && b.writesFlushMarker() {
		ts := b.callbacks.PostFlush(b.fileType, b.location)
		start := b.pos
		if p := b.grow(format.BufferFlushSize); p != nil {
			p[0] = format.TagBufferFlush
			p[1] = 8
			varint.PutUintFull(p[2:], ts, b.order)
			b.countRecord(start) // The marker is a record.
		}
	}
	return nil
}

// countRecord counts a record starting at offset start of the current chunk.
func (b *Buffer) countRecord(start int) {
	if c := b.current(); c.dataOffset == 0 {
		c.dataOffset = start
	}
	b.records++
}

// startChunk makes data the current chunk and writes its header.
func (b *Buffer) startChunk(data []byte) {
	c := &chunk{data: data, seq: b.nextSeq, firstRecord: b.records}
	b.nextSeq++
	b.chunks = append(b.chunks, c)
	b.cur = len(b.chunks) - 1

	data[0] = format.TagChunkHeader
	data[format.ChunkHeaderEndianness] = format.Marker(b.order)
	if b.chunkMode == Chunked {
		varint.PutUintFull(data[format.ChunkHeaderFirstRecord:], b.records, b.order)
		varint.PutUintFull(data[format.ChunkHeaderEndRecord:], uint64(0), b.order)
	}
	b.pos = b.headerSize()
}

// completeChunk patches the record range into the header of the current chunk, marks
// the rest of the chunk as unused and records its chunk index entry.
func (b *Buffer) completeChunk() {
	c := b.current()
	if c == nil {
		return
	}
	c.used = b.pos
	c.endRecord = b.records
	if b.chunkMode == Chunked {
		varint.PutUintFull(c.data[format.ChunkHeaderEndRecord:], c.endRecord, b.order)
	}
	clear(c.data[b.pos:]) // END_OF_CHUNK is zero.

	e := ChunkIndexEntry{
		Chunk:          c.seq,
		Offset:         c.seq * uint64(b.chunkSize),
		FirstRecord:    c.firstRecord,
		EndRecord:      c.endRecord,
		FirstTimestamp: c.firstTime,
		DataOffset:     uint64(c.dataOffset),
	}
	if n := len(b.index); n > 0 && b.index[n-1].Chunk == c.seq {
		b.index[n-1] = e // Completed again after a failed allocation.
		return
	}
	b.index = append(b.index, e)
}

func (b *Buffer) preFlush(final bool) FlushDecision {
	if b.callbacks.PreFlush != nil {
		return b.callbacks.PreFlush(b.fileType, b.location, b, final)
	}
	if b.fileType == format.FileTypeEvents {
		return NoFlush
	}
	return Flush
}

// flush writes all resident chunks to the file and releases their memory.
// On the final flush the last chunk is written up to its used bytes only.
func (b *Buffer) flush(final bool) error {
	if b.file == nil {
		return fmt.Errorf("%w: buffer has no file to flush to", ErrInvalidCall)
	}
	var n int
	for i, c := range b.chunks {
		p := c.data
		if final && i == len(b.chunks)-1 {
			p = c.data[:c.used]
		}
		if err := b.file.WriteChunk(p); err != nil {
			return b.setCorrupted(&IOError{
				Op:       "write",
				FileType: b.fileType,
				Location: b.location,
				Offset:   int64(c.seq) * int64(b.chunkSize),
				Err:      err,
			})
		}
		n += len(p)
	}
	b.logger.Debug("Flushed buffer", "chunks", len(b.chunks), "bytes", n, "final", final)

	b.spilled += uint64(len(b.chunks))
	clear(b.chunks)
	b.chunks = b.chunks[:0]
	b.cur = 0
	b.spare = nil
	b.rewind = nil // Rewind points cannot cross a flush.
	b.alloc.FreeAll(b.fileType, b.location, &b.slot, final)
	return nil
}

func (b *Buffer) putTimestamp(t uint64) {
	c := b.current()
	if b.deltaTimestamps && c.hasTime && t > b.time {
		delta := t - b.time
		if s := varint.SizeUint(delta); 2+s < format.TimestampSize {
			p := b.grow(2 + s)
			if p == nil {
				return
			}
			p[0] = format.TagTimestampDelta
			p[1] = byte(s)
			varint.PutUint(p[2:], delta, b.order)
			b.time = t
			return
		}
	}
	p := b.grow(format.TimestampSize)
	if p == nil {
		return
	}
	p[0] = format.TagTimestamp
	varint.PutUintFull(p[1:], t, b.order)
	if !c.hasTime {
		c.hasTime = true
		c.firstTime = t
	}
	b.time = t
}

// grow advances the write position by n bytes and returns them. It returns nil and
// records the error if the bytes would overwrite the last byte of the chunk, which is
// kept for the end of chunk marker.
func (b *Buffer) grow(n int) []byte {
	if b.err != nil {
		return nil
	}
	if err := b.check(ModeWrite); err != nil {
		b.err = err
		return nil
	}
	c := b.current()
	if c == nil || b.finalized {
		b.err = fmt.Errorf("%w: no chunk to write to", ErrInvalidCall)
		return nil
	}
	if b.pos+n >= len(c.data) {
		b.err = fmt.Errorf("%w: write of %d bytes at offset %d exceeds the reserved space", ErrRecordTooLarge, n, b.pos)
		return nil
	}
	p := c.data[b.pos : b.pos+n]
	b.pos += n
	return p
}

// WriteInitialRecordLength reserves the length field of the record being written.
func (b *Buffer) WriteInitialRecordLength(estimate uint64) LengthPlaceholder {
	if b.phActive {
		if b.err == nil {
			b.err = ErrPlaceholderActive
		}
		return LengthPlaceholder{}
	}
	wide := estimate > format.MaxShortLength
	n := 1
	if wide {
		n += 8
	}
	p := b.grow(n)
	if p == nil {
		return LengthPlaceholder{}
	}
	clear(p)
	if wide {
		p[0] = format.LengthEscape
	}
	b.phActive = true
	return LengthPlaceholder{chunk: b.current(), at: b.pos - n, start: b.pos, wide: wide}
}

// WriteFinalRecordLength patches the true record length into the placeholder.
// It also reports any error of the write primitives since the record started.
func (b *Buffer) WriteFinalRecordLength(ph LengthPlaceholder) error {
	if b.err != nil {
		b.phActive = false
		return b.err
	}
	if !b.phActive || ph.chunk == nil || ph.chunk != b.current() {
		return fmt.Errorf("%w: no matching record length placeholder", ErrInvalidCall)
	}
	b.phActive = false

	length := uint64(b.pos - ph.start)
	if !ph.wide {
		if length > format.MaxShortLength {
			b.err = fmt.Errorf("%w: %d bytes in a one byte length field", ErrLengthOverflow, length)
			return b.err
		}
		ph.chunk.data[ph.at] = byte(length)
		return nil
	}
	ph.chunk.data[ph.at] = format.LengthEscape
	varint.PutUintFull(ph.chunk.data[ph.at+1:], length, b.order)
	return nil
}

func (b *Buffer) WriteUint8(v uint8) {
	if p := b.grow(1); p != nil {
		p[0] = v
	}
}

func (b *Buffer) WriteInt8(v int8) {
	b.WriteUint8(uint8(v))
}

func (b *Buffer) WriteUint16(v uint16) { writeUint(b, v) }
func (b *Buffer) WriteUint32(v uint32) { writeUint(b, v) }
func (b *Buffer) WriteUint64(v uint64) { writeUint(b, v) }
func (b *Buffer) WriteInt16(v int16)   { writeInt(b, v) }
func (b *Buffer) WriteInt32(v int32)   { writeInt(b, v) }
func (b *Buffer) WriteInt64(v int64)   { writeInt(b, v) }

func (b *Buffer) WriteUint16Full(v uint16) { writeFull(b, v) }
func (b *Buffer) WriteUint32Full(v uint32) { writeFull(b, v) }
func (b *Buffer) WriteUint64Full(v uint64) { writeFull(b, v) }
func (b *Buffer) WriteInt32Full(v int32)   { writeFull(b, uint32(v)) }
func (b *Buffer) WriteInt64Full(v int64)   { writeFull(b, uint64(v)) }

func (b *Buffer) WriteFloat32(v float32) { writeFull(b, math.Float32bits(v)) }
func (b *Buffer) WriteFloat64(v float64) { writeFull(b, math.Float64bits(v)) }

// WriteString writes s followed by a NUL byte. s must not contain NUL bytes.
func (b *Buffer) WriteString(s string) {
	if strings.IndexByte(s, 0) >= 0 {
		if b.err == nil {
			b.err = fmt.Errorf("%w: string contains a NUL byte", ErrInvalidCall)
		}
		return
	}
	if p := b.grow(len(s) + 1); p != nil {
		copy(p, s)
		p[len(s)] = 0
	}
}

// WriteBytes writes p unframed.
func (b *Buffer) WriteBytes(p []byte) {
	if len(p) == 0 {
		return
	}
	if dst := b.grow(len(p)); dst != nil {
		copy(dst, p)
	}
}

// writeUint writes a size prefixed compressed value. Zero and the maximum value of T
// are written as a single 0x00 or 0xFF byte.
func writeUint[T varint.Unsigned](b *Buffer, v T) {
	if v == 0 || v == ^T(0) {
		if p := b.grow(1); p != nil {
			p[0] = byte(v)
		}
		return
	}
	s := varint.SizeUint(uint64(v))
	if p := b.grow(1 + s); p != nil {
		p[0] = byte(s)
		varint.PutUint(p[1:], v, b.order)
	}
}

func writeInt[T varint.Signed](b *Buffer, v T) {
	s := varint.SizeInt(int64(v))
	if p := b.grow(1 + s); p != nil {
		p[0] = byte(s)
		varint.PutInt(p[1:], v, b.order)
	}
}

func writeFull[T varint.Unsigned](b *Buffer, v T) {
	if p := b.grow(varint.Width[T]()); p != nil {
		varint.PutUintFull(p, v, b.order)
	}
}
