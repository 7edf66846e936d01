package buffer

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/holmberd/go-tracebuf/internal/format"
	"github.com/holmberd/go-tracebuf/internal/varint"
)

// openFileSource prepares reading chunks from the file, starting at the first chunk.
func (b *Buffer) openFileSource() error {
	n, err := b.file.NumChunks()
	if err != nil {
		return &IOError{Op: "stat", FileType: b.fileType, Location: b.location, Err: err}
	}
	data := b.allocate()
	if data == nil {
		return fmt.Errorf("%w: no memory for the read chunk", ErrAllocation)
	}
	b.fromFile = true
	b.numChunks = n
	b.chunks = append(b.chunks[:0], &chunk{data: data})
	b.cur = 0
	b.pos = 0
	b.resetRead()
	if n == 0 {
		return nil // Empty file; ReadRecord returns io.EOF.
	}
	return b.loadChunk(0)
}

// openMemorySource prepares reading the resident chunks.
func (b *Buffer) openMemorySource() {
	b.fromFile = false
	b.numChunks = uint64(len(b.chunks))
	b.resetRead()
	if err := b.loadChunk(b.chunks[0].seq); err != nil {
		// Resident chunks were written by this buffer.
		panic(fmt.Errorf("internal error: cannot read resident chunk: %w", err))
	}
}

func (b *Buffer) resetRead() {
	b.recordEnd = -1
	b.nextRecord = 0
	b.time = 0
	b.timePos = -1
}

// loadChunk makes the chunk with the given sequence number current and positions the
// cursor behind its header. It returns [io.EOF] if the chunk does not exist.
func (b *Buffer) loadChunk(seq uint64) error {
	if seq >= b.numChunks {
		return io.EOF
	}
	var c *chunk
	if b.fromFile {
		c = b.chunks[0]
		n, err := b.file.ReadChunk(seq, c.data)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return &IOError{
				Op:       "read",
				FileType: b.fileType,
				Location: b.location,
				Offset:   int64(seq) * int64(b.chunkSize),
				Err:      err,
			}
		}
		c.seq = seq
		c.used = n
		b.cur = 0
	} else {
		b.cur = int(seq - b.chunks[0].seq)
		c = b.chunks[b.cur]
	}
	b.recordEnd = -1
	b.timePos = -1
	return b.readChunkHeader(c)
}

func (b *Buffer) readChunkHeader(c *chunk) error {
	hs := b.headerSize()
	if c.used < hs || c.data[0] != format.TagChunkHeader {
		b.pos = c.used
		return integrityError("chunk %d does not start with a chunk header", c.seq)
	}
	order, err := format.ByteOrder(c.data[format.ChunkHeaderEndianness])
	if err != nil {
		b.pos = c.used
		return integrityError("chunk %d: %v", c.seq, err)
	}
	b.order = order
	if b.chunkMode == Chunked {
		c.firstRecord = order.Uint64(c.data[format.ChunkHeaderFirstRecord:])
		c.endRecord = order.Uint64(c.data[format.ChunkHeaderEndRecord:])
		b.nextRecord = c.firstRecord
	}
	b.pos = hs
	return nil
}

// nextChunk loads the chunk following the current one.
func (b *Buffer) nextChunk() error {
	c := b.current()
	if c == nil || b.numChunks == 0 {
		return io.EOF
	}
	return b.loadChunk(c.seq + 1)
}

// limit returns the end of the readable region: the end of the open record, or the
// end of the valid chunk bytes.
func (b *Buffer) limit() int {
	if b.recordEnd >= 0 {
		return b.recordEnd
	}
	if c := b.current(); c != nil {
		return c.used
	}
	return 0
}

// guarantee checks that n bytes can be read without crossing the current record or chunk.
func (b *Buffer) guarantee(n int) error {
	if n < 0 || b.pos+n > b.limit() {
		if b.recordEnd >= 0 {
			return integrityError("read of %d bytes at offset %d crosses the record end at %d", n, b.pos, b.recordEnd)
		}
		return integrityError("read of %d bytes at offset %d crosses the chunk end at %d", n, b.pos, b.limit())
	}
	return nil
}

// GuaranteeRead ensures that n bytes are available to read from the current position.
// If no record is open and the cursor is past the valid bytes of the current chunk the
// next chunk is loaded; the error is [io.EOF] if there is none. A cursor on the
// END_OF_CHUNK padding of a chunk is not advanced: the padding reads as zero tags and
// the caller moves on with ReadGetNextChunk. Records never span chunks, so a read
// that crosses the end of the open record or chunk is an integrity fault.
func (b *Buffer) GuaranteeRead(n int) error {
	if err := b.check(ModeRead, ModeModify); err != nil {
		return err
	}
	if b.recordEnd < 0 {
		if c := b.current(); c == nil || b.pos >= c.used {
			if err := b.nextChunk(); err != nil {
				return err
			}
		}
	}
	return b.guarantee(n)
}

// GuaranteeRecord reads the length field of the record whose tag was just read and
// ensures the declared bytes are available in the current chunk. The record stays
// open until the next call to ReadRecord, which continues after its declared end.
func (b *Buffer) GuaranteeRecord() (uint64, error) {
	if err := b.check(ModeRead, ModeModify); err != nil {
		return 0, err
	}
	b.recordEnd = -1
	c := b.current()
	if err := b.guarantee(1); err != nil {
		return 0, err
	}
	var length uint64
	if first := c.data[b.pos]; first != format.LengthEscape {
		length = uint64(first)
		b.pos++
	} else {
		if b.pos+9 > c.used {
			return 0, integrityError("truncated record length escape at offset %d of chunk %d", b.pos, c.seq)
		}
		length = b.order.Uint64(c.data[b.pos+1:])
		b.pos += 9
	}
	if length > uint64(c.used-b.pos) {
		return 0, integrityError("record length %d at offset %d exceeds chunk %d", length, b.pos, c.seq)
	}
	b.recordEnd = b.pos + int(length)
	return length, nil
}

// ReadRecord advances to the next record and returns its tag and declared length.
// The cursor is left at the first byte of the record data. Any data of the previous
// record that was not read is skipped, which lets readers ignore unknown records and
// trailing fields.
//
// Timestamp, end of chunk and other internal records are consumed transparently.
// The error is [io.EOF] at the end of the stream.
func (b *Buffer) ReadRecord() (tag byte, length uint64, err error) {
	if err := b.check(ModeRead, ModeModify); err != nil {
		return 0, 0, err
	}
	if b.recordEnd >= 0 {
		b.pos = b.recordEnd
		b.recordEnd = -1
	}
	for {
		c := b.current()
		if c == nil || b.pos >= c.used {
			if err := b.nextChunk(); err != nil {
				return 0, 0, err
			}
			continue
		}
		start := b.pos
		tag := c.data[b.pos]
		b.pos++
		switch tag {
		case format.TagEndOfChunk:
			if err := b.nextChunk(); err != nil {
				return 0, 0, err
			}
		case format.TagEndOfBuffer, format.TagEndOfFile:
			b.pos = start // Stay at the end.
			return 0, 0, io.EOF
		case format.TagTimestamp:
			if err := b.guarantee(8); err != nil {
				return 0, 0, err
			}
			b.timePos = b.pos
			b.time = b.order.Uint64(c.data[b.pos:])
			b.pos += 8
		case format.TagTimestampDelta:
			delta, err := readUint[uint64](b)
			if err != nil {
				return 0, 0, err
			}
			b.time += delta
			b.timePos = -1
		default:
			if tag < format.FirstUserTag {
				b.pos = start
				return 0, 0, integrityError("reserved record tag %d at offset %d of chunk %d", tag, start, c.seq)
			}
			length, err := b.GuaranteeRecord()
			if err != nil {
				b.pos = start
				return 0, 0, err
			}
			b.recordStart = start
			b.nextRecord++
			return tag, length, nil
		}
	}
}

// ReadRecords calls fn for every remaining record. If fn returns an error, reading
// stops with the cursor at the start of the following record and the error is
// returned; fn returns ErrInterrupted to stop early. The end of the stream is not an error.
func (b *Buffer) ReadRecords(fn func(tag byte, length uint64) error) error {
	for {
		tag, length, err := b.ReadRecord()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		err = fn(tag, length)
		if b.recordEnd >= 0 {
			b.pos = b.recordEnd
			b.recordEnd = -1
		}
		if err != nil {
			return err
		}
	}
}

// RecordIndex returns the index of the record last returned by ReadRecord.
func (b *Buffer) RecordIndex() uint64 {
	if b.nextRecord == 0 {
		return 0
	}
	return b.nextRecord - 1
}

// Remaining returns the number of unread bytes of the open record.
func (b *Buffer) Remaining() int {
	if b.recordEnd < 0 {
		return 0
	}
	return b.recordEnd - b.pos
}

func (b *Buffer) ReadUint8() (uint8, error) {
	if err := b.check(ModeRead, ModeModify); err != nil {
		return 0, err
	}
	if err := b.guarantee(1); err != nil {
		return 0, err
	}
	v := b.current().data[b.pos]
	b.pos++
	return v, nil
}

func (b *Buffer) ReadInt8() (int8, error) {
	v, err := b.ReadUint8()
	return int8(v), err
}

func (b *Buffer) ReadUint16() (uint16, error) { return readUint[uint16](b) }
func (b *Buffer) ReadUint32() (uint32, error) { return readUint[uint32](b) }
func (b *Buffer) ReadUint64() (uint64, error) { return readUint[uint64](b) }
func (b *Buffer) ReadInt16() (int16, error)   { return readInt[int16](b) }
func (b *Buffer) ReadInt32() (int32, error)   { return readInt[int32](b) }
func (b *Buffer) ReadInt64() (int64, error)   { return readInt[int64](b) }

func (b *Buffer) ReadUint16Full() (uint16, error) { return readFull[uint16](b) }
func (b *Buffer) ReadUint32Full() (uint32, error) { return readFull[uint32](b) }
func (b *Buffer) ReadUint64Full() (uint64, error) { return readFull[uint64](b) }

func (b *Buffer) ReadInt32Full() (int32, error) {
	v, err := readFull[uint32](b)
	return int32(v), err
}

func (b *Buffer) ReadInt64Full() (int64, error) {
	v, err := readFull[uint64](b)
	return int64(v), err
}

func (b *Buffer) ReadFloat32() (float32, error) {
	v, err := readFull[uint32](b)
	return math.Float32frombits(v), err
}

func (b *Buffer) ReadFloat64() (float64, error) {
	v, err := readFull[uint64](b)
	return math.Float64frombits(v), err
}

// ReadString reads a NUL terminated string.
func (b *Buffer) ReadString() (string, error) {
	if err := b.check(ModeRead, ModeModify); err != nil {
		return "", err
	}
	c := b.current()
	limit := b.limit()
	for i := b.pos; i < limit; i++ {
		if c.data[i] == 0 {
			s := string(c.data[b.pos:i])
			b.pos = i + 1
			return s, nil
		}
	}
	return "", integrityError("unterminated string at offset %d of chunk %d", b.pos, c.seq)
}

// ReadBytes reads n raw bytes into a new slice.
func (b *Buffer) ReadBytes(n int) ([]byte, error) {
	if err := b.check(ModeRead, ModeModify); err != nil {
		return nil, err
	}
	if err := b.guarantee(n); err != nil {
		return nil, err
	}
	p := make([]byte, n)
	copy(p, b.current().data[b.pos:])
	b.pos += n
	return p, nil
}

// Skip advances the cursor by n bytes.
func (b *Buffer) Skip(n int) error {
	if err := b.check(ModeRead, ModeModify); err != nil {
		return err
	}
	if err := b.guarantee(n); err != nil {
		return err
	}
	b.pos += n
	return nil
}

// SkipCompressed skips one compressed value without decoding it.
func (b *Buffer) SkipCompressed() error {
	if err := b.check(ModeRead, ModeModify); err != nil {
		return err
	}
	if err := b.guarantee(1); err != nil {
		return err
	}
	prefix := b.current().data[b.pos]
	n := 1
	switch {
	case prefix == 0x00 || prefix == 0xFF:
	case int(prefix) <= varint.MaxLen:
		n += int(prefix)
	default:
		return integrityError("invalid compressed value size %d at offset %d", prefix, b.pos)
	}
	if err := b.guarantee(n); err != nil {
		return err
	}
	b.pos += n
	return nil
}

func readUint[T varint.Unsigned](b *Buffer) (T, error) {
	if err := b.check(ModeRead, ModeModify); err != nil {
		return 0, err
	}
	if err := b.guarantee(1); err != nil {
		return 0, err
	}
	data := b.current().data
	prefix := data[b.pos]
	switch prefix {
	case 0x00:
		b.pos++
		return 0, nil
	case 0xFF:
		b.pos++
		return ^T(0), nil
	}
	s := int(prefix)
	if s > varint.Width[T]() {
		return 0, integrityError("compressed value of %d bytes for a %d byte field at offset %d", s, varint.Width[T](), b.pos)
	}
	if err := b.guarantee(1 + s); err != nil {
		return 0, err
	}
	v, err := varint.Uint[T](data[b.pos+1:b.pos+1+s], b.order)
	if err != nil {
		return 0, integrityError("%v", err)
	}
	b.pos += 1 + s
	return v, nil
}

func readInt[T varint.Signed](b *Buffer) (T, error) {
	if err := b.check(ModeRead, ModeModify); err != nil {
		return 0, err
	}
	if err := b.guarantee(1); err != nil {
		return 0, err
	}
	data := b.current().data
	s := int(data[b.pos])
	if s > varint.Width[T]() {
		return 0, integrityError("compressed value of %d bytes for a %d byte field at offset %d", s, varint.Width[T](), b.pos)
	}
	if err := b.guarantee(1 + s); err != nil {
		return 0, err
	}
	v, err := varint.Int[T](data[b.pos+1:b.pos+1+s], b.order)
	if err != nil {
		return 0, integrityError("%v", err)
	}
	b.pos += 1 + s
	return v, nil
}

func readFull[T varint.Unsigned](b *Buffer) (T, error) {
	if err := b.check(ModeRead, ModeModify); err != nil {
		return 0, err
	}
	n := varint.Width[T]()
	if err := b.guarantee(n); err != nil {
		return 0, err
	}
	v, err := varint.Uint[T](b.current().data[b.pos:b.pos+n], b.order)
	if err != nil {
		return 0, integrityError("%v", err)
	}
	b.pos += n
	return v, nil
}

// RewriteTimestamp overwrites the last read full-width timestamp. It is only allowed
// in modify mode.
func (b *Buffer) RewriteTimestamp(t uint64) error {
	if err := b.check(ModeModify); err != nil {
		return err
	}
	if b.timePos < 0 {
		return fmt.Errorf("%w: no full-width timestamp to rewrite at the current position", ErrInvalidCall)
	}
	varint.PutUintFull(b.current().data[b.timePos:], t, b.order)
	b.time = t
	return nil
}
