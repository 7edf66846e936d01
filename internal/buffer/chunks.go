package buffer

import (
	"slices"

	"github.com/holmberd/go-tracebuf/internal/format"
)

// ChunkPooler defines the contract for a memory pool that manages fixed-size chunks.
type ChunkPooler interface {
	Sizes() []int                          // Returns supported chunk sizes.
	IsSupported(chunkSize int) bool        // Checks if a chunk size is supported.
	Get(chunkSize int) []byte              // Get retrieves a chunk, or nil if the pool is exhausted.
	Put(c []byte)                          // Put returns a byte slice to the pool.
	Allocate(chunkSize int, numChunks int) // Allocates chunks in the pool (pre-warming).
}

// Allocator hands out chunks to buffers and takes them back.
//
// slot is owned by the allocator: a buffer passes the same slot on every call and
// never looks at it. FreeAll releases every chunk handed out for that slot; final is
// set when the buffer is done for good.
type Allocator interface {
	Allocate(ft format.FileType, location uint64, slot *any, chunkSize int) []byte
	FreeAll(ft format.FileType, location uint64, slot *any, final bool)
}

// PoolAllocator is the default Allocator. It takes chunks from a pool and records
// them in the buffer's slot so FreeAll can return them.
type PoolAllocator[P ChunkPooler] struct {
	Pool P
}

func NewPoolAllocator[P ChunkPooler](pool P) PoolAllocator[P] {
	return PoolAllocator[P]{Pool: pool}
}

func (a PoolAllocator[P]) Allocate(_ format.FileType, _ uint64, slot *any, chunkSize int) []byte {
	c := a.Pool.Get(chunkSize)
	if c == nil {
		return nil
	}
	chunks, _ := (*slot).(*[][]byte)
	if chunks == nil {
		chunks = &[][]byte{}
		*slot = chunks
	}
	*chunks = append(*chunks, c)
	return c
}

func (a PoolAllocator[P]) FreeAll(_ format.FileType, _ uint64, slot *any, final bool) {
	chunks, _ := (*slot).(*[][]byte)
	if chunks == nil {
		return
	}
	for _, c := range *chunks {
		a.Pool.Put(c)
	}
	clear(*chunks) // Unreference slice headers.
	*chunks = (*chunks)[:0]
	if final {
		*slot = nil
	}
}

// Supports reports whether the pool serves chunks of the given size.
func (a PoolAllocator[P]) Supports(chunkSize int) bool {
	return slices.Contains(a.Pool.Sizes(), chunkSize)
}
