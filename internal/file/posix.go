package file

import (
	"errors"
	"io"
	"io/fs"
	"os"
)

// Posix stores chunks back to back in a regular file. The file is opened on first use:
// for writing (and truncated) by WriteChunk, read-only otherwise.
type Posix struct {
	path      string
	chunkSize int
	f         *os.File
	writable  bool
	size      int64
	short     bool // A short final chunk was written.
	closed    bool
}

func NewPosix(path string, chunkSize int) *Posix {
	return &Posix{path: path, chunkSize: chunkSize}
}

func (p *Posix) Path() string { return p.path }

func (p *Posix) WriteChunk(c []byte) error {
	if p.closed {
		return ErrClosed
	}
	if err := checkChunk(c, p.chunkSize, p.short); err != nil {
		return err
	}
	if !p.writable {
		if p.f != nil {
			p.f.Close()
		}
		f, err := os.OpenFile(p.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		p.f, p.writable, p.size = f, true, 0
	}
	n, err := p.f.WriteAt(c, p.size)
	p.size += int64(n)
	if err != nil {
		return err
	}
	p.short = len(c) < p.chunkSize
	return nil
}

func (p *Posix) open() error {
	if p.f != nil {
		return nil
	}
	f, err := os.Open(p.path)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	p.f, p.size = f, st.Size()
	return nil
}

func (p *Posix) ReadChunk(n uint64, c []byte) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	if err := p.open(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, io.EOF
		}
		return 0, err
	}
	off := int64(n) * int64(p.chunkSize)
	if off >= p.size {
		return 0, io.EOF
	}
	m, err := p.f.ReadAt(c[:min(len(c), p.chunkSize)], off)
	if err == io.EOF && m > 0 {
		err = nil // Short final chunk.
	}
	return m, err
}

func (p *Posix) NumChunks() (uint64, error) {
	if p.closed {
		return 0, ErrClosed
	}
	if err := p.open(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	return numChunks(p.size, p.chunkSize), nil
}

func (p *Posix) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if p.f == nil {
		return nil
	}
	if p.writable {
		if err := p.f.Sync(); err != nil {
			p.f.Close()
			return err
		}
	}
	return p.f.Close()
}
