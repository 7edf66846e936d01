package buffer

import (
	"errors"
	"io"
)

// Record describes the record a Reader is positioned on.
type Record struct {
	Index  uint64 // Index of the record within the stream.
	Time   uint64 // Timestamp in effect, zero for untimed streams.
	Tag    byte
	Length uint64 // Declared payload length.
}

// Reader iterates the records of a buffer in read or modify mode.
// It implements the [io.Reader] and [io.ByteReader] interface over the payload of the
// current record.
type Reader struct {
	b   *Buffer
	rec Record
	ok  bool // Positioned on a record.
}

func NewReader(b *Buffer) *Reader {
	return &Reader{b: b}
}

// Next advances to the next record. The error is [io.EOF] at the end of the stream.
func (r *Reader) Next() (Record, error) {
	r.ok = false
	tag, length, err := r.b.ReadRecord()
	if err != nil {
		return Record{}, err
	}
	r.rec = Record{Index: r.b.RecordIndex(), Time: r.b.time, Tag: tag, Length: length}
	r.ok = true
	return r.rec, nil
}

// Record returns the current record.
func (r *Reader) Record() Record { return r.rec }

// Reset moves the reader back to the first record.
func (r *Reader) Reset() error {
	r.ok = false
	r.rec = Record{}
	return r.b.Restart()
}

// Read reads payload bytes of the current record. The error is [io.EOF] once the
// payload is exhausted.
func (r *Reader) Read(p []byte) (n int, err error) {
	if !r.ok {
		return 0, io.EOF
	}
	remaining := r.b.Remaining()
	if remaining == 0 {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil // No-op
	}
	n = copy(p, r.b.current().data[r.b.pos:r.b.pos+remaining])
	r.b.pos += n
	return n, nil
}

// ReadByte reads a single payload byte of the current record.
func (r *Reader) ReadByte() (byte, error) {
	if !r.ok || r.b.Remaining() == 0 {
		return 0, io.EOF
	}
	return r.b.ReadUint8()
}

// Payload returns a copy of the unread payload of the current record.
func (r *Reader) Payload() ([]byte, error) {
	if !r.ok {
		return nil, errors.New("reader is not positioned on a record")
	}
	return r.b.ReadBytes(r.b.Remaining())
}

// Restart positions a reading buffer at the first record of the stream.
func (b *Buffer) Restart() error {
	if err := b.check(ModeRead, ModeModify); err != nil {
		return err
	}
	b.resetRead()
	if b.numChunks == 0 {
		b.pos = 0
		if c := b.current(); c != nil {
			c.used = 0
		}
		return nil
	}
	return b.loadChunk(0)
}
