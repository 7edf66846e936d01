package file

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zlib"
)

const (
	frameMagic      uint64 = 0x54524143455A4C42 // "TRACEZLB"
	frameHeaderSize        = 8 + 4 + 4 + 8
)

// Blob is a raw byte store that a Compressed file appends frames to.
type Blob interface {
	io.ReaderAt
	io.WriterAt
	Size() (int64, error)
	Close() error
}

// OSBlob is a Blob backed by a regular file.
type OSBlob struct {
	path string
	f    *os.File
}

func NewOSBlob(path string) *OSBlob { return &OSBlob{path: path} }

func (b *OSBlob) open(create bool) error {
	if b.f != nil {
		return nil
	}
	flag := os.O_RDONLY
	if create {
		flag = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(b.path, flag, 0o644)
	if err != nil {
		return err
	}
	b.f = f
	return nil
}

func (b *OSBlob) ReadAt(p []byte, off int64) (int, error) {
	if err := b.open(false); err != nil {
		return 0, err
	}
	return b.f.ReadAt(p, off)
}

func (b *OSBlob) WriteAt(p []byte, off int64) (int, error) {
	if err := b.open(true); err != nil {
		return 0, err
	}
	return b.f.WriteAt(p, off)
}

func (b *OSBlob) Size() (int64, error) {
	if b.f == nil {
		st, err := os.Stat(b.path)
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return st.Size(), nil
	}
	st, err := b.f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (b *OSBlob) Close() error {
	if b.f == nil {
		return nil
	}
	err := b.f.Close()
	b.f = nil
	return err
}

// frame locates one compressed chunk.
type frame struct {
	off      int64 // Offset of the frame header.
	compSize uint32
}

// Compressed stores every chunk as a zlib frame:
//
//	[magic u64][compressed size u32][uncompressed size u32][xxhash64 of the chunk u64][payload]
//
// All integers are little endian. The frame table is built from the frame headers when
// the file is first read.
type Compressed struct {
	blob      Blob
	chunkSize int
	level     int

	frames  []frame
	scanned bool
	end     int64
	short   bool
	closed  bool

	out bytes.Buffer // Reusable compression output.
	in  []byte       // Reusable compressed input.
}

// NewCompressed returns a compressed chunk file over blob. The level is a zlib
// compression level.
func NewCompressed(blob Blob, chunkSize, level int) (*Compressed, error) {
	if level < zlib.HuffmanOnly || level > zlib.BestCompression {
		return nil, fmt.Errorf("invalid zlib compression level %d", level)
	}
	return &Compressed{blob: blob, chunkSize: chunkSize, level: level}, nil
}

func (c *Compressed) WriteChunk(p []byte) error {
	if c.closed {
		return ErrClosed
	}
	if err := checkChunk(p, c.chunkSize, c.short); err != nil {
		return err
	}
	if !c.scanned {
		// A writer starts a new file.
		c.frames, c.end, c.scanned = nil, 0, true
	}

	c.out.Reset()
	c.out.Write(make([]byte, frameHeaderSize))
	zw, err := zlib.NewWriterLevel(&c.out, c.level)
	if err != nil {
		return err
	}
	if _, err := zw.Write(p); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	buf := c.out.Bytes()
	compSize := len(buf) - frameHeaderSize
	binary.LittleEndian.PutUint64(buf[0:], frameMagic)
	binary.LittleEndian.PutUint32(buf[8:], uint32(compSize))
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(p)))
	binary.LittleEndian.PutUint64(buf[16:], xxhash.Sum64(p))

	if _, err := c.blob.WriteAt(buf, c.end); err != nil {
		return err
	}
	c.frames = append(c.frames, frame{off: c.end, compSize: uint32(compSize)})
	c.end += int64(len(buf))
	c.short = len(p) < c.chunkSize
	return nil
}

// scan builds the frame table from the frame headers.
func (c *Compressed) scan() error {
	if c.scanned {
		return nil
	}
	size, err := c.blob.Size()
	if err != nil {
		return err
	}
	var hdr [frameHeaderSize]byte
	var off int64
	for off < size {
		if _, err := c.blob.ReadAt(hdr[:], off); err != nil {
			if err == io.EOF {
				return fmt.Errorf("%w: truncated header at offset %d", ErrCorruptFrame, off)
			}
			return err
		}
		if binary.LittleEndian.Uint64(hdr[0:]) != frameMagic {
			return fmt.Errorf("%w: bad magic at offset %d", ErrCorruptFrame, off)
		}
		compSize := binary.LittleEndian.Uint32(hdr[8:])
		next := off + frameHeaderSize + int64(compSize)
		if next > size {
			return fmt.Errorf("%w: truncated payload at offset %d", ErrCorruptFrame, off)
		}
		c.frames = append(c.frames, frame{off: off, compSize: compSize})
		off = next
	}
	c.end = off
	c.scanned = true
	return nil
}

func (c *Compressed) ReadChunk(n uint64, p []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	if err := c.scan(); err != nil {
		return 0, err
	}
	if n >= uint64(len(c.frames)) {
		return 0, io.EOF
	}
	fr := c.frames[n]
	if need := frameHeaderSize + int(fr.compSize); cap(c.in) < need {
		c.in = make([]byte, need)
	}
	in := c.in[:frameHeaderSize+int(fr.compSize)]
	if _, err := c.blob.ReadAt(in, fr.off); err != nil && err != io.EOF {
		return 0, err
	}
	if binary.LittleEndian.Uint64(in[0:]) != frameMagic {
		return 0, fmt.Errorf("%w: bad magic in chunk %d", ErrCorruptFrame, n)
	}
	size := int(binary.LittleEndian.Uint32(in[12:]))
	if size > len(p) || size > c.chunkSize {
		return 0, fmt.Errorf("%w: chunk %d of %d bytes exceeds the chunk size", ErrCorruptFrame, n, size)
	}

	zr, err := zlib.NewReader(bytes.NewReader(in[frameHeaderSize:]))
	if err != nil {
		return 0, fmt.Errorf("%w: chunk %d: %w", ErrCorruptFrame, n, err)
	}
	defer zr.Close()
	if _, err := io.ReadFull(zr, p[:size]); err != nil {
		return 0, fmt.Errorf("%w: chunk %d: %w", ErrCorruptFrame, n, err)
	}
	if xxhash.Sum64(p[:size]) != binary.LittleEndian.Uint64(in[16:]) {
		return 0, fmt.Errorf("%w: checksum mismatch in chunk %d", ErrCorruptFrame, n)
	}
	return size, nil
}

func (c *Compressed) NumChunks() (uint64, error) {
	if c.closed {
		return 0, ErrClosed
	}
	if err := c.scan(); err != nil {
		return 0, err
	}
	return uint64(len(c.frames)), nil
}

func (c *Compressed) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.blob.Close()
}
