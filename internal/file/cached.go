package file

import (
	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"
)

// ChunkCache holds loaded chunks of many files, keyed by file and chunk number.
type ChunkCache = ristretto.Cache[uint64, []byte]

// NewChunkCache returns a cache holding up to maxBytes of chunk data.
func NewChunkCache(maxBytes int64) (*ChunkCache, error) {
	return ristretto.NewCache(&ristretto.Config[uint64, []byte]{
		NumCounters: max(maxBytes/(25*1024), 1000), // About ten counters per smallest chunk.
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
}

// Cached serves repeated chunk reads of a file from a shared cache. Binary search
// lookups by record or time revisit the same chunks, which then stay in memory.
type Cached struct {
	ChunkFile
	cache   *ChunkCache
	base    uint64
	written uint64
}

// NewCached wraps f. The name identifies the file within the cache.
func NewCached(f ChunkFile, name string, cache *ChunkCache) *Cached {
	return &Cached{ChunkFile: f, cache: cache, base: xxhash.Sum64String(name)}
}

func (c *Cached) key(n uint64) uint64 {
	return c.base ^ n
}

func (c *Cached) WriteChunk(p []byte) error {
	if err := c.ChunkFile.WriteChunk(p); err != nil {
		return err
	}
	c.cache.Del(c.key(c.written))
	c.written++
	return nil
}

func (c *Cached) ReadChunk(n uint64, p []byte) (int, error) {
	if v, ok := c.cache.Get(c.key(n)); ok {
		return copy(p, v), nil
	}
	m, err := c.ChunkFile.ReadChunk(n, p)
	if err != nil {
		return m, err
	}
	c.cache.Set(c.key(n), append([]byte(nil), p[:m]...), int64(m))
	return m, nil
}
