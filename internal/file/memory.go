package file

import (
	"io"
	"sync"
)

// Memory keeps chunks in memory. Closing it does not drop the chunks, so a stream
// written to a Memory file can be read back through the same value.
type Memory struct {
	mu     sync.Mutex
	chunks [][]byte
	closed bool
}

func (m *Memory) WriteChunk(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.chunks); n > 0 && len(m.chunks[n-1]) < len(p) {
		return ErrShortChunk
	}
	m.chunks = append(m.chunks, append([]byte(nil), p...))
	return nil
}

func (m *Memory) ReadChunk(n uint64, p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n >= uint64(len(m.chunks)) {
		return 0, io.EOF
	}
	return copy(p, m.chunks[n]), nil
}

func (m *Memory) NumChunks() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.chunks)), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Chunk returns a copy of chunk n.
func (m *Memory) Chunk(n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.chunks[n]...)
}
