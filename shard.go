package tracebuf

import (
	"errors"
	"fmt"
	"sync"

	"github.com/holmberd/go-tracebuf/internal/buffer"
	"github.com/holmberd/go-tracebuf/internal/file"
	"github.com/holmberd/go-tracebuf/internal/format"
)

type shardState int

const (
	stateIdle    shardState = iota // Normal operation.
	stateClosing                   // The archive is closing; no new buffers are opened.
	stateClosed                    // All buffers of the shard are closed.
)

func (s shardState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("shardState(%d)", s)
	}
}

// streamKey identifies a stream within the archive.
type streamKey struct {
	ft       format.FileType
	location uint64
}

// shard holds the open buffers of a subset of the locations.
type shard struct {
	sync.RWMutex
	state shardState

	writers map[streamKey]*buffer.Buffer
	readers map[streamKey]*buffer.Buffer

	// mem holds the stores of the memory substrate. They outlive their buffers so
	// a stream can be read back after its writer is closed.
	mem map[streamKey]*file.Memory

	locations map[uint64]struct{}
}

func (s *shard) init() {
	s.writers = make(map[streamKey]*buffer.Buffer)
	s.readers = make(map[streamKey]*buffer.Buffer)
	s.mem = make(map[streamKey]*file.Memory)
	s.locations = make(map[uint64]struct{})
}

// checkOpen returns ErrArchiveClosed unless the shard accepts new buffers.
// It assumes the caller holds the lock.
func (s *shard) checkOpen() error {
	if s.state != stateIdle {
		return fmt.Errorf("%w: shard is %s", ErrArchiveClosed, s.state)
	}
	return nil
}

// memFile returns the memory store of a stream. A new store is created for writing.
// It assumes the caller holds the lock.
func (s *shard) memFile(key streamKey, write bool) (*file.Memory, bool) {
	if write {
		m := &file.Memory{}
		s.mem[key] = m
		return m, true
	}
	m, ok := s.mem[key]
	return m, ok
}

// removeWriter unregisters the writer of a stream and returns it, or nil.
// It assumes the caller holds the lock.
func (s *shard) removeWriter(key streamKey) *buffer.Buffer {
	b := s.writers[key]
	delete(s.writers, key)
	return b
}

func (s *shard) removeReader(key streamKey) *buffer.Buffer {
	b := s.readers[key]
	delete(s.readers, key)
	return b
}

// Len returns the number of open buffers in the shard.
func (s *shard) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.writers) + len(s.readers)
}

// appendLocations appends the locations written through the shard to dst.
func (s *shard) appendLocations(dst []uint64) []uint64 {
	s.RLock()
	defer s.RUnlock()
	for loc := range s.locations {
		dst = append(dst, loc)
	}
	return dst
}

// close closes all buffers of the shard with closeWriter and closeReader and
// disables it. Errors are collected, closing continues past them.
func (s *shard) close(
	closeWriter func(streamKey, *buffer.Buffer) error,
	closeReader func(streamKey, *buffer.Buffer) error,
) error {
	s.Lock()
	defer s.Unlock()

	if s.state == stateClosed {
		return nil
	}
	s.state = stateClosing
	var errs []error
	for key := range s.writers {
		errs = append(errs, closeWriter(key, s.removeWriter(key)))
	}
	for key := range s.readers {
		errs = append(errs, closeReader(key, s.removeReader(key)))
	}
	s.mem = nil
	s.state = stateClosed
	return errors.Join(errs...)
}
