package testutils

import (
	"fmt"
	"slices"
	"sync/atomic"
)

// MockChunkSizes are small enough for tests to fill chunks with a handful of records.
var MockChunkSizes = []int{256, 512, 2048, 4096}

// MockChunkPool hands out heap chunks and counts them. With a non-zero Budget, Get
// returns nil once Budget chunks are in use.
type MockChunkPool struct {
	Budget int64

	inUse    atomic.Int64
	denied   atomic.Int64
	returned atomic.Int64
}

func (p *MockChunkPool) Sizes() []int {
	return MockChunkSizes
}

func (p *MockChunkPool) IsSupported(chunkSize int) bool {
	return slices.Contains(MockChunkSizes, chunkSize)
}

func (p *MockChunkPool) Get(chunkSize int) []byte {
	if !p.IsSupported(chunkSize) {
		panic(fmt.Sprintf("mock chunk pool: unsupported chunk size %d", chunkSize))
	}
	if p.Budget > 0 && p.inUse.Load() >= p.Budget {
		p.denied.Add(1)
		return nil
	}
	p.inUse.Add(1)
	return make([]byte, chunkSize)
}

// Put panics on chunks the pool cannot have handed out.
func (p *MockChunkPool) Put(c []byte) {
	if !p.IsSupported(cap(c)) {
		panic(fmt.Sprintf("mock chunk pool: returned chunk has capacity %d", cap(c)))
	}
	p.inUse.Add(-1)
	p.returned.Add(1)
}

func (p *MockChunkPool) Allocate(chunkSize int, numChunks int) {}

// ChunksInUse returns the number of chunks handed out and not yet returned.
func (p *MockChunkPool) ChunksInUse() int64 {
	return p.inUse.Load()
}

// Denied returns the number of Get calls refused because of the budget.
func (p *MockChunkPool) Denied() int64 {
	return p.denied.Load()
}

// Returned returns the number of chunks given back with Put.
func (p *MockChunkPool) Returned() int64 {
	return p.returned.Load()
}
