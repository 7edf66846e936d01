package tracebuf

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/holmberd/go-tracebuf/internal/format"
)

const chunksPerAlloc = 1

const (
	ChunkSize256K = 256 * format.KiB
	ChunkSize1M   = 1 * format.MiB
	ChunkSize4M   = 4 * format.MiB
	ChunkSize16M  = 16 * format.MiB
)

// chunkSizes represents the chunk sizes served by the pool, ordered by smallest to largest.
// They cover the accepted chunk size range and the default event and definition sizes.
var chunkSizes = [4]int{
	ChunkSize256K,
	ChunkSize1M,
	ChunkSize4M,
	ChunkSize16M,
}

func init() {
	// Runtime assertion.
	if !sort.IntsAreSorted(chunkSizes[:]) {
		panic(errors.New("chunk sizes must be sorted in ascending order"))
	}
}

// sizeClass returns the index of chunkSize in chunkSizes, or -1.
func sizeClass(chunkSize int) int {
	for i, s := range chunkSizes {
		if s == chunkSize {
			return i
		}
	}
	return -1
}

type ChunkPoolConfig struct {
	// MaxBytes bounds the bytes of chunks handed out and not yet returned.
	// Once reached, Get returns nil. Zero means no bound.
	MaxBytes int64

	// Number of free chunks for each chunk size the pool can hold before starting to release memory.
	FreeThresholds [len(chunkSizes)]int

	Logger *slog.Logger
}

func DefaultChunkPoolConfig() ChunkPoolConfig {
	return ChunkPoolConfig{
		MaxBytes: format.DefaultMemoryBudget,
		FreeThresholds: [len(chunkSizes)]int{
			128, // 32MB
			64,  // 64MB
			16,  // 64MB
			4,   // 64MB
		},
	}
}

// ChunkPool is a thread-safe pool of off-heap memory chunks of a pre-defined set of
// fixed sizes, bounded by a byte budget.
type ChunkPool struct {
	mu     sync.Mutex
	logger *slog.Logger
	free   [len(chunkSizes)][][]byte

	maxBytes int64
	inUse    int64 // Bytes of chunks handed out.

	// freeThresholds represents the number of free chunks for each size the pool
	// can hold before starting to release memory.
	freeThresholds [len(chunkSizes)]int
}

// NewChunkPool creates a new, empty chunk pool.
func NewChunkPool(config ChunkPoolConfig) *ChunkPool {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ChunkPool{
		logger:         logger,
		maxBytes:       config.MaxBytes,
		freeThresholds: config.FreeThresholds,
	}
}

// Sizes returns a slice of supported chunk sizes.
func (p *ChunkPool) Sizes() []int {
	return chunkSizes[:]
}

func (p *ChunkPool) IsSupported(chunkSize int) bool {
	return slices.Contains(p.Sizes(), chunkSize)
}

// Get retrieves a chunk of the specified size. It returns nil if the byte budget is
// exhausted or the memory cannot be mapped, and panics if an unsupported size is requested.
func (p *ChunkPool) Get(chunkSize int) []byte {
	i := sizeClass(chunkSize)
	if i < 0 {
		panic(fmt.Sprintf("unsupported chunk size requested: %d", chunkSize))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.maxBytes > 0 && p.inUse+int64(chunkSize) > p.maxBytes {
		return nil
	}
	if len(p.free[i]) == 0 {
		if err := p.alloc(i, chunksPerAlloc); err != nil {
			p.logger.Warn("Chunk allocation failed", "chunkSize", chunkSize, "error", err)
			return nil
		}
	}
	n := len(p.free[i]) - 1
	c := p.free[i][n]
	p.free[i][n] = nil
	p.free[i] = p.free[i][:n]
	p.inUse += int64(chunkSize)
	return c
}

// Put returns a byte slice to the pool.
// It does nothing if the chunk size is not a supported size.
func (p *ChunkPool) Put(c []byte) {
	if c == nil {
		return
	}
	size := cap(c)
	i := sizeClass(size)
	if i < 0 {
		return
	}
	c = c[:size] // Ensure the chunk is reset to its full capacity before returning.

	p.mu.Lock()
	p.inUse -= int64(size)
	var toUnmap [][]byte
	p.free[i] = append(p.free[i], c)
	p.free[i], toUnmap = releaseChunks(p.free[i], p.freeThresholds[i])
	p.mu.Unlock()

	// Perform unmap outside of the lock to avoid blocking other operations.
	for _, chunk := range toUnmap {
		p.unmap(chunk)
	}
}

// Allocate ensures that at least numChunks are available in the pool for the
// specified size. This is useful for pre-warming a pool to a specific capacity.
// Pre-warmed chunks do not count against the byte budget until they are handed out.
// It will panic if an unsupported size is requested.
func (p *ChunkPool) Allocate(chunkSize int, numChunks int) {
	i := sizeClass(chunkSize)
	if i < 0 {
		panic(fmt.Sprintf("unsupported chunk size for pre-allocation: %d", chunkSize))
	}
	if numChunks <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := numChunks - len(p.free[i]); n > 0 {
		if err := p.alloc(i, n); err != nil {
			p.logger.Warn("Chunk pre-allocation failed", "chunkSize", chunkSize, "numChunks", n, "error", err)
		}
	}
}

// BytesInUse returns the bytes of chunks handed out and not yet returned.
func (p *ChunkPool) BytesInUse() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// unmap releases the memory of a chunk back to the operating system.
func (p *ChunkPool) unmap(c []byte) {
	if err := unix.Munmap(c); err != nil {
		p.logger.Error("Failed to unmap chunk", "error", err)
	}
}

// alloc maps numChunks free chunks of size class i.
// It assumes the caller holds the mutex.
func (p *ChunkPool) alloc(i int, numChunks int) error {
	chunkSize := chunkSizes[i]
	for range numChunks {
		// Each chunk is its own mapping so it can be unmapped on release.
		// The memory is not part of the Go heap, which keeps it out of GC scans.
		data, err := unix.Mmap(-1, 0, chunkSize,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_ANON|unix.MAP_PRIVATE,
		)
		if err != nil {
			return fmt.Errorf("cannot allocate %d bytes via mmap: %w", chunkSize, err)
		}
		p.free[i] = append(p.free[i], data[:chunkSize:chunkSize])
	}
	return nil
}

// numFree returns the number of available chunks for a given chunk size.
// It is primarily intended as helper method in tests.
func (p *ChunkPool) numFree(size int) int {
	i := sizeClass(size)
	if i < 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free[i])
}

// releaseChunks is a generic helper that trims the free list if it exceeds the given threshold.
// It returns the updated list and a list of any chunks that were removed and should be unmapped.
func releaseChunks[P any](freeList []P, threshold int) (newList []P, toUnmap []P) {
	if threshold > 0 && len(freeList) > threshold {
		// Release half of the free chunks to prevent thrashing around the threshold.
		freeCount := len(freeList) / 2
		toUnmap = make([]P, freeCount)
		copy(toUnmap, freeList[:freeCount])
		newList = append(freeList[:0], freeList[freeCount:]...)
		return newList, toUnmap
	}
	return freeList, nil
}
