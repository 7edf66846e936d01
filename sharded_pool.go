package tracebuf

import (
	"encoding/binary"
	"slices"

	"github.com/zhangxinngang/murmur"

	"github.com/holmberd/go-tracebuf/internal/buffer"
	"github.com/holmberd/go-tracebuf/internal/format"
)

// ShardedChunkPool spreads locations over independent chunk pools, so buffers of
// different locations rarely contend on the same pool mutex. Each shard gets an equal
// part of the byte budget.
//
// It implements [buffer.Allocator].
type ShardedChunkPool struct {
	shards []buffer.PoolAllocator[*ChunkPool]
}

// NewShardedChunkPool creates n shards, n is at least one.
func NewShardedChunkPool(n int, config ChunkPoolConfig) *ShardedChunkPool {
	n = max(n, 1)
	shardConfig := config
	if config.MaxBytes > 0 {
		shardConfig.MaxBytes = max(config.MaxBytes/int64(n), int64(chunkSizes[0]))
	}
	p := &ShardedChunkPool{shards: make([]buffer.PoolAllocator[*ChunkPool], n)}
	for i := range p.shards {
		p.shards[i] = buffer.NewPoolAllocator(NewChunkPool(shardConfig))
	}
	return p
}

func (p *ShardedChunkPool) shard(location uint64) buffer.PoolAllocator[*ChunkPool] {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], location)
	return p.shards[murmur.Murmur3(key[:])%uint32(len(p.shards))]
}

func (p *ShardedChunkPool) Allocate(ft format.FileType, location uint64, slot *any, chunkSize int) []byte {
	return p.shard(location).Allocate(ft, location, slot, chunkSize)
}

func (p *ShardedChunkPool) FreeAll(ft format.FileType, location uint64, slot *any, final bool) {
	p.shard(location).FreeAll(ft, location, slot, final)
}

// Supports reports whether the pool serves chunks of the given size.
func (p *ShardedChunkPool) Supports(chunkSize int) bool {
	return slices.Contains(chunkSizes[:], chunkSize)
}

// BytesInUse returns the bytes handed out over all shards.
func (p *ShardedChunkPool) BytesInUse() int64 {
	var n int64
	for _, s := range p.shards {
		n += s.Pool.BytesInUse()
	}
	return n
}
