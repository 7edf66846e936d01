package file

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/ncw/directio"
)

// Direct stores chunks in a file opened for direct I/O, bypassing the page cache.
// Every chunk occupies a full chunk on disk; a short final chunk is zero padded, which
// reads back as end of chunk markers.
type Direct struct {
	path      string
	chunkSize int
	f         *os.File
	writable  bool
	block     []byte // Aligned transfer buffer of one chunk.
	written   uint64
	short     bool
	closed    bool
}

// NewDirect returns a direct I/O chunk file. The chunk size must be a multiple of
// the direct I/O block size.
func NewDirect(path string, chunkSize int) (*Direct, error) {
	if chunkSize <= 0 || chunkSize%directio.BlockSize != 0 {
		return nil, fmt.Errorf("chunk size %d is not a multiple of the direct I/O block size %d", chunkSize, directio.BlockSize)
	}
	return &Direct{path: path, chunkSize: chunkSize}, nil
}

func (d *Direct) Path() string { return d.path }

func (d *Direct) aligned() []byte {
	if d.block == nil {
		d.block = directio.AlignedBlock(d.chunkSize)
	}
	return d.block
}

func (d *Direct) WriteChunk(c []byte) error {
	if d.closed {
		return ErrClosed
	}
	if err := checkChunk(c, d.chunkSize, d.short); err != nil {
		return err
	}
	if !d.writable {
		if d.f != nil {
			d.f.Close()
		}
		f, err := directio.OpenFile(d.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		d.f, d.writable, d.written = f, true, 0
	}
	block := d.aligned()
	n := copy(block, c)
	clear(block[n:])
	if _, err := d.f.WriteAt(block, int64(d.written)*int64(d.chunkSize)); err != nil {
		return err
	}
	d.written++
	d.short = len(c) < d.chunkSize
	return nil
}

// openRead switches the file to reading. A file opened for writing is reopened.
func (d *Direct) openRead() error {
	if d.f != nil && !d.writable {
		return nil
	}
	if d.f != nil {
		if err := d.f.Close(); err != nil {
			return err
		}
		d.f = nil
	}
	f, err := directio.OpenFile(d.path, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	d.f, d.writable = f, false
	return nil
}

func (d *Direct) ReadChunk(n uint64, c []byte) (int, error) {
	if d.closed {
		return 0, ErrClosed
	}
	total, err := d.NumChunks()
	if err != nil {
		return 0, err
	}
	if n >= total {
		return 0, io.EOF
	}
	if err := d.openRead(); err != nil {
		return 0, err
	}
	block := d.aligned()
	if _, err := d.f.ReadAt(block, int64(n)*int64(d.chunkSize)); err != nil && err != io.EOF {
		return 0, err
	}
	return copy(c, block), nil
}

func (d *Direct) NumChunks() (uint64, error) {
	if d.closed {
		return 0, ErrClosed
	}
	st, err := os.Stat(d.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	return numChunks(st.Size(), d.chunkSize), nil
}

func (d *Direct) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	if d.f == nil {
		return nil
	}
	return d.f.Close()
}
