package testutils

import (
	"errors"

	"github.com/holmberd/go-tracebuf/internal/file"
)

// MemFile is an in-memory chunk file for buffer tests.
type MemFile struct {
	file.Memory

	// FailWrites makes WriteChunk fail.
	FailWrites bool
	// FailReads makes ReadChunk fail.
	FailReads bool
}

func (f *MemFile) ReadChunk(n uint64, p []byte) (int, error) {
	if f.FailReads {
		return 0, errors.New("read failed")
	}
	return f.Memory.ReadChunk(n, p)
}

func (f *MemFile) WriteChunk(p []byte) error {
	if f.FailWrites {
		return errors.New("write failed")
	}
	return f.Memory.WriteChunk(p)
}
