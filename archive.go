// Package tracebuf stores trace record streams in chunked buffers.
// An Archive opens one buffer per stream and spills it to files (or memory) as chunks fill up.
package tracebuf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/holmberd/go-tracebuf/internal/buffer"
	"github.com/holmberd/go-tracebuf/internal/file"
	"github.com/holmberd/go-tracebuf/internal/format"
	"github.com/holmberd/go-tracebuf/internal/index"
)

var (
	ErrArchiveClosed   = errors.New("archive is closed")
	ErrStreamBusy      = errors.New("stream is open for writing")
	ErrBufferCorrupted = buffer.ErrBufferCorrupted
	ErrAllocation      = buffer.ErrAllocation
	ErrRecordTooLarge  = buffer.ErrRecordTooLarge
	ErrIntegrity       = buffer.ErrIntegrity
)

const (
	shardCount = 64 // Must be a power of two for unbiased modulo.
)

func shardIndex(n uint64) uint64 {
	// Faster modulo via bitwise AND; requires shardCount to be a power of two.
	return n & (shardCount - 1)
}

func locationHash(location uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], location)
	return xxhash.Sum64(b[:])
}

// Archive owns the buffers of all streams of one trace archive.
// It is safe for concurrent use; each buffer it returns is used by one goroutine at a time.
type Archive[A buffer.Allocator] struct {
	config Config
	logger *slog.Logger
	alloc  A
	index  *index.Store     // Nil without Config.IndexDir.
	cache  *file.ChunkCache // Nil without Config.CacheBytes.
	closed atomic.Bool

	shards [shardCount]shard
}

func newArchive[A buffer.Allocator](alloc A, config Config) (*Archive[A], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if s, ok := any(alloc).(interface{ Supports(int) bool }); ok {
		for _, size := range []int{config.EventChunkSize, config.DefChunkSize, config.SnapChunkSize} {
			if !s.Supports(size) {
				return nil, fmt.Errorf("invalid config: chunk size %d is not supported by the allocator", size)
			}
		}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Archive[A]{
		config: config,
		logger: logger.With("archive", config.Name),
		alloc:  alloc,
	}
	if config.Substrate != SubstrateMemory {
		if err := os.MkdirAll(config.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create archive directory: %w", err)
		}
	}
	if config.CacheBytes > 0 {
		cache, err := file.NewChunkCache(config.CacheBytes)
		if err != nil {
			return nil, fmt.Errorf("create chunk cache: %w", err)
		}
		a.cache = cache
	}
	if config.IndexDir != "" {
		store, err := index.Open(index.Options{Dir: config.IndexDir})
		if err != nil {
			if a.cache != nil {
				a.cache.Close()
			}
			return nil, err
		}
		a.index = store
	}
	for i := range a.shards {
		a.shards[i].init()
	}
	return a, nil
}

// New creates an archive whose buffers share a sharded mmap chunk pool bounded by
// Config.MemoryBudget.
func New(config Config) (*Archive[*ShardedChunkPool], error) {
	poolConfig := DefaultChunkPoolConfig()
	poolConfig.MaxBytes = config.MemoryBudget
	poolConfig.Logger = config.Logger
	return newArchive(NewShardedChunkPool(config.PoolShards, poolConfig), config)
}

// Custom creates an archive with a host supplied allocator.
func Custom[A buffer.Allocator](alloc A, config Config) (*Archive[A], error) {
	return newArchive(alloc, config)
}

func (a *Archive[A]) shard(location uint64) *shard {
	return &a.shards[shardIndex(locationHash(location))]
}

// streamKey normalizes the location of streams that are not per location.
func (a *Archive[A]) streamKey(ft format.FileType, location uint64) streamKey {
	if !ft.PerLocation() {
		location = 0
	}
	return streamKey{ft: ft, location: location}
}

// Path returns the path of the file backing a stream.
func (a *Archive[A]) Path(ft format.FileType, location uint64) string {
	return filepath.Join(a.config.Dir, format.FileName(a.config.Name, ft, location))
}

func (a *Archive[A]) bufferConfig(ft format.FileType, location uint64, mode buffer.Mode) buffer.Config {
	c := buffer.DefaultConfig(ft, location)
	c.Mode = mode
	c.ChunkSize = a.config.chunkSize(ft)
	c.Callbacks = a.config.FlushCallbacks
	if c.Callbacks.PreFlush == nil {
		c.Callbacks.PreFlush = spillAlways
	}
	return c
}

func spillAlways(format.FileType, uint64, *buffer.Buffer, bool) buffer.FlushDecision {
	return buffer.Flush
}

// openFile opens the store of a stream on the configured substrate.
// It assumes the caller holds the lock of the stream's shard.
func (a *Archive[A]) openFile(s *shard, key streamKey, write bool) (file.ChunkFile, error) {
	chunkSize := a.config.chunkSize(key.ft)
	path := a.Path(key.ft, key.location)

	var f file.ChunkFile
	switch a.config.Substrate {
	case SubstrateMemory:
		m, ok := s.memFile(key, write)
		if !ok {
			m = &file.Memory{} // Never written; reads as empty like a missing file.
		}
		f = m
	case SubstrateDirect:
		d, err := file.NewDirect(path, chunkSize)
		if err != nil {
			return nil, err
		}
		f = d
	default:
		if a.config.Compression == CompressionZlib {
			c, err := file.NewCompressed(file.NewOSBlob(path), chunkSize, a.config.CompressionLevel)
			if err != nil {
				return nil, err
			}
			f = c
		} else {
			f = file.NewPosix(path, chunkSize)
		}
	}
	if a.cache != nil {
		// Writers go through the cache as well, to evict chunks of an overwritten stream.
		f = file.NewCached(f, path, a.cache)
	}
	return f, nil
}

// Writer returns the write buffer of a stream, opening it on first use.
// Opening a writer truncates an existing stream.
func (a *Archive[A]) Writer(ft format.FileType, location uint64) (*buffer.Buffer, error) {
	key := a.streamKey(ft, location)
	s := a.shard(key.location)
	s.Lock()
	defer s.Unlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if b, ok := s.writers[key]; ok {
		return b, nil
	}
	if _, ok := s.readers[key]; ok {
		return nil, fmt.Errorf("%w: %s stream of location %d is being read", buffer.ErrInvalidCall, ft, location)
	}
	f, err := a.openFile(s, key, true)
	if err != nil {
		return nil, err
	}
	b, err := buffer.New(a.alloc, f, a.logger, a.bufferConfig(ft, key.location, buffer.ModeWrite))
	if err != nil {
		f.Close()
		return nil, err
	}
	if a.index != nil && buffer.Indexable(ft) {
		if err := a.index.Delete(ft, key.location); err != nil {
			a.logger.Warn("Failed to drop stale chunk index", "fileType", ft.String(), "location", key.location, "error", err)
		}
	}
	s.writers[key] = b
	if ft.PerLocation() {
		s.locations[key.location] = struct{}{}
	}
	return b, nil
}

// CloseWriter finalizes and closes the write buffer of a stream and stores its chunk index.
// It is a no-op if the stream has no open writer.
func (a *Archive[A]) CloseWriter(ft format.FileType, location uint64) error {
	key := a.streamKey(ft, location)
	s := a.shard(key.location)
	s.Lock()
	defer s.Unlock()
	return a.closeWriter(key, s.removeWriter(key))
}

func (a *Archive[A]) closeWriter(key streamKey, b *buffer.Buffer) error {
	if b == nil {
		return nil
	}
	var errs []error
	if b.Mode() == buffer.ModeWrite {
		errs = append(errs, b.Finalize())
	}
	entries := b.ChunkIndex()
	errs = append(errs, b.Close())
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if a.index != nil && buffer.Indexable(key.ft) && len(entries) > 0 {
		if err := a.index.Put(key.ft, key.location, entries); err != nil {
			return fmt.Errorf("store chunk index of %s stream of location %d: %w", key.ft, key.location, err)
		}
	}
	a.logger.Debug("Closed writer", "fileType", key.ft.String(), "location", key.location, "chunks", len(entries))
	return nil
}

// Reader returns the read buffer of a stream, opening it on first use. A stored
// chunk index is attached to the buffer.
func (a *Archive[A]) Reader(ft format.FileType, location uint64) (*buffer.Buffer, error) {
	key := a.streamKey(ft, location)
	s := a.shard(key.location)
	s.Lock()
	defer s.Unlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if b, ok := s.readers[key]; ok {
		return b, nil
	}
	if _, ok := s.writers[key]; ok {
		return nil, fmt.Errorf("%w: %s stream of location %d", ErrStreamBusy, ft, location)
	}
	f, err := a.openFile(s, key, false)
	if err != nil {
		return nil, err
	}
	b, err := buffer.New(a.alloc, f, a.logger, a.bufferConfig(ft, key.location, buffer.ModeRead))
	if err != nil {
		return nil, err // New closes the file.
	}
	if a.index != nil && buffer.Indexable(ft) {
		entries, err := a.index.Load(ft, key.location)
		if err != nil {
			a.logger.Warn("Failed to load chunk index", "fileType", ft.String(), "location", key.location, "error", err)
		} else if len(entries) > 0 {
			if err := b.SetChunkIndex(entries); err != nil {
				a.logger.Warn("Ignoring stale chunk index", "fileType", ft.String(), "location", key.location, "error", err)
			}
		}
	}
	s.readers[key] = b
	return b, nil
}

// CloseReader closes the read buffer of a stream.
// It is a no-op if the stream has no open reader.
func (a *Archive[A]) CloseReader(ft format.FileType, location uint64) error {
	key := a.streamKey(ft, location)
	s := a.shard(key.location)
	s.Lock()
	defer s.Unlock()
	return a.closeReader(key, s.removeReader(key))
}

func (a *Archive[A]) closeReader(_ streamKey, b *buffer.Buffer) error {
	if b == nil {
		return nil
	}
	return b.Close()
}

// Locations returns the sorted locations that per-location streams were written for.
func (a *Archive[A]) Locations() []uint64 {
	var locs []uint64
	for i := range a.shards {
		locs = a.shards[i].appendLocations(locs)
	}
	slices.Sort(locs)
	return locs
}

// Len returns the number of open buffers.
func (a *Archive[A]) Len() int {
	n := 0
	for i := range a.shards {
		n += a.shards[i].Len()
	}
	return n
}

// Close finalizes all writers, closes all readers and the index store. The archive
// cannot be used afterwards.
//
// The index store and cache are released only after every shard is closed, so
// operations running concurrently with Close either complete before their shard
// closes or fail with ErrArchiveClosed.
func (a *Archive[A]) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for i := range a.shards {
		errs = append(errs, a.shards[i].close(a.closeWriter, a.closeReader))
	}
	if a.index != nil {
		errs = append(errs, a.index.Close())
	}
	if a.cache != nil {
		a.cache.Close()
	}
	return errors.Join(errs...)
}
