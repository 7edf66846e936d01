package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/cespare/xxhash/v2"

	"github.com/holmberd/go-tracebuf/internal/format"
)

const (
	chunkIndexVersion   = 2
	chunkIndexEntrySize = 6 * 8
	chunkIndexHeader    = 1 + 4 // Version and entry count.
	chunkIndexTrailer   = 8     // xxhash64 of everything before it.
)

// ChunkIndexEntry locates one chunk of a chunked stream by record range and time.
type ChunkIndexEntry struct {
	Chunk          uint64 // Sequence number of the chunk.
	Offset         uint64 // Byte offset of the chunk within the stream.
	FirstRecord    uint64
	EndRecord      uint64 // Index following the last record of the chunk.
	FirstTimestamp uint64 // Zero if the chunk has no timestamp.
	DataOffset     uint64 // Offset of the first record within the chunk; zero if it has none.
}

// AppendChunkIndex appends the encoded entries to dst.
//
// The encoding is a version byte, a little endian entry count, the entries as six
// little endian uint64 values each and an xxhash64 checksum.
func AppendChunkIndex(dst []byte, entries []ChunkIndexEntry) []byte {
	start := len(dst)
	dst = append(dst, chunkIndexVersion)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(entries)))
	for _, e := range entries {
		dst = binary.LittleEndian.AppendUint64(dst, e.Chunk)
		dst = binary.LittleEndian.AppendUint64(dst, e.Offset)
		dst = binary.LittleEndian.AppendUint64(dst, e.FirstRecord)
		dst = binary.LittleEndian.AppendUint64(dst, e.EndRecord)
		dst = binary.LittleEndian.AppendUint64(dst, e.FirstTimestamp)
		dst = binary.LittleEndian.AppendUint64(dst, e.DataOffset)
	}
	return binary.LittleEndian.AppendUint64(dst, xxhash.Sum64(dst[start:]))
}

// DecodeChunkIndex decodes entries encoded by AppendChunkIndex.
func DecodeChunkIndex(p []byte) ([]ChunkIndexEntry, error) {
	if len(p) < chunkIndexHeader+chunkIndexTrailer {
		return nil, integrityError("chunk index of %d bytes is truncated", len(p))
	}
	if p[0] != chunkIndexVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnknownIndexFormat, p[0])
	}
	n := int(binary.LittleEndian.Uint32(p[1:]))
	if want := chunkIndexHeader + n*chunkIndexEntrySize + chunkIndexTrailer; len(p) != want {
		return nil, integrityError("chunk index of %d entries has %d bytes, want %d", n, len(p), want)
	}
	body := p[:len(p)-chunkIndexTrailer]
	if sum := binary.LittleEndian.Uint64(p[len(body):]); sum != xxhash.Sum64(body) {
		return nil, integrityError("chunk index checksum mismatch")
	}
	entries := make([]ChunkIndexEntry, n)
	q := body[chunkIndexHeader:]
	for i := range entries {
		entries[i] = ChunkIndexEntry{
			Chunk:          binary.LittleEndian.Uint64(q[0:]),
			Offset:         binary.LittleEndian.Uint64(q[8:]),
			FirstRecord:    binary.LittleEndian.Uint64(q[16:]),
			EndRecord:      binary.LittleEndian.Uint64(q[24:]),
			FirstTimestamp: binary.LittleEndian.Uint64(q[32:]),
			DataOffset:     binary.LittleEndian.Uint64(q[40:]),
		}
		q = q[chunkIndexEntrySize:]
	}
	return entries, nil
}

// ChunkIndex returns the entries of all chunks completed so far, or the attached index
// when reading.
func (b *Buffer) ChunkIndex() []ChunkIndexEntry {
	return slices.Clone(b.index)
}

// SetChunkIndex attaches an index to a reading buffer, which ReadSeekChunk and
// ReadSeekChunkTime use instead of probing chunk headers.
func (b *Buffer) SetChunkIndex(entries []ChunkIndexEntry) error {
	if err := b.check(ModeRead, ModeModify); err != nil {
		return err
	}
	for i, e := range entries {
		if e.Chunk >= b.numChunks {
			return fmt.Errorf("%w: index entry for chunk %d of %d", ErrInvalidCall, e.Chunk, b.numChunks)
		}
		if i > 0 && (e.Chunk <= entries[i-1].Chunk || e.FirstRecord < entries[i-1].EndRecord) {
			return fmt.Errorf("%w: index entries are not ordered at entry %d", ErrInvalidCall, i)
		}
	}
	b.index = slices.Clone(entries)
	return nil
}

// BuildChunkIndex scans all chunk headers of a chunked reading buffer and returns
// their index entries. The read position is restored afterwards.
func (b *Buffer) BuildChunkIndex() ([]ChunkIndexEntry, error) {
	if err := b.check(ModeRead, ModeModify); err != nil {
		return nil, err
	}
	if b.chunkMode != Chunked {
		return nil, fmt.Errorf("%w: buffer is not chunked", ErrInvalidCall)
	}
	if b.numChunks == 0 {
		return nil, nil
	}
	saved, err := b.GetPosition()
	if err != nil {
		return nil, err
	}
	entries := make([]ChunkIndexEntry, 0, b.numChunks)
	for seq := uint64(0); seq < b.numChunks; seq++ {
		if err := b.loadChunk(seq); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		c := b.current()
		e := ChunkIndexEntry{
			Chunk:       seq,
			Offset:      seq * uint64(b.chunkSize),
			FirstRecord: c.firstRecord,
			EndRecord:   c.endRecord,
		}
		if b.fileType.HasTimestamps() {
			e.FirstTimestamp, _ = b.chunkFirstTime()
		}
		if c.firstRecord < c.endRecord {
			if _, _, err := b.ReadRecord(); err != nil {
				return nil, err
			}
			e.DataOffset = uint64(b.recordStart)
		}
		entries = append(entries, e)
	}
	if err := b.SetPosition(saved); err != nil {
		return nil, err
	}
	return entries, nil
}

// indexedFileTypes are the file types with chunked streams worth indexing.
var indexedFileTypes = []format.FileType{format.FileTypeEvents, format.FileTypeSnapshots}

// Indexable reports whether streams of the file type carry chunk index entries.
func Indexable(ft format.FileType) bool {
	return slices.Contains(indexedFileTypes, ft)
}
