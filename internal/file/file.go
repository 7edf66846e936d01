// Package file provides the chunk stores trace buffers spill to and load from.
package file

import (
	"errors"
	"fmt"
)

// ChunkFile is a store of fixed-size chunks. Only the final chunk may be short.
type ChunkFile interface {
	WriteChunk(p []byte) error
	ReadChunk(n uint64, p []byte) (int, error)
	NumChunks() (uint64, error)
	Close() error
}

var (
	ErrCorruptFrame = errors.New("corrupt compressed frame")
	ErrShortChunk   = errors.New("chunk written after a short chunk")
	ErrClosed       = errors.New("file is closed")
)

func checkChunk(p []byte, chunkSize int, short bool) error {
	if short {
		return ErrShortChunk
	}
	if len(p) > chunkSize {
		return fmt.Errorf("chunk of %d bytes exceeds the chunk size %d", len(p), chunkSize)
	}
	return nil
}

// numChunks returns the number of chunks of a store of the given size.
func numChunks(size int64, chunkSize int) uint64 {
	return uint64((size + int64(chunkSize) - 1) / int64(chunkSize))
}
