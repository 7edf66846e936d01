package file

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/ncw/directio"
	"github.com/stretchr/testify/require"
)

const testChunkSize = 4096

// testChunks returns two full chunks and a short final chunk with distinct content.
func testChunks() [][]byte {
	return [][]byte{
		bytes.Repeat([]byte{'a'}, testChunkSize),
		bytes.Repeat([]byte{'b', 'c'}, testChunkSize/2),
		[]byte("final"),
	}
}

// assertChunks reads back every chunk of f and compares it with the written chunks.
// Padded stores return full chunks; only the written prefix is compared then.
func assertChunks(t *testing.T, f ChunkFile, chunks [][]byte, padded bool) {
	t.Helper()
	n, err := f.NumChunks()
	require.NoError(t, err)
	require.Equal(t, uint64(len(chunks)), n)

	p := make([]byte, testChunkSize)
	for i, want := range chunks {
		m, err := f.ReadChunk(uint64(i), p)
		require.NoError(t, err)
		if padded {
			require.Equal(t, testChunkSize, m)
			require.Equal(t, want, p[:len(want)])
			require.Equal(t, make([]byte, m-len(want)), p[len(want):m])
			continue
		}
		require.Equal(t, want, p[:m])
	}
	_, err = f.ReadChunk(uint64(len(chunks)), p)
	require.ErrorIs(t, err, io.EOF)
}

func writeChunks(t *testing.T, f ChunkFile, chunks [][]byte) {
	t.Helper()
	for _, c := range chunks {
		require.NoError(t, f.WriteChunk(c))
	}
}

func TestPosix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1.evt")

	t.Run("Missing file is empty", func(t *testing.T) {
		f := NewPosix(path, testChunkSize)
		n, err := f.NumChunks()
		require.NoError(t, err)
		require.Zero(t, n)
		_, err = f.ReadChunk(0, make([]byte, testChunkSize))
		require.ErrorIs(t, err, io.EOF)
		require.NoError(t, f.Close())
	})

	t.Run("Write and read back", func(t *testing.T) {
		f := NewPosix(path, testChunkSize)
		writeChunks(t, f, testChunks())
		assertChunks(t, f, testChunks(), false)
		require.NoError(t, f.Close())

		st, err := os.Stat(path)
		require.NoError(t, err)
		require.Equal(t, int64(2*testChunkSize+len("final")), st.Size())
	})

	t.Run("Reopen for reading", func(t *testing.T) {
		f := NewPosix(path, testChunkSize)
		defer f.Close()
		assertChunks(t, f, testChunks(), false)
	})

	t.Run("No chunk after a short chunk", func(t *testing.T) {
		f := NewPosix(filepath.Join(t.TempDir(), "2.evt"), testChunkSize)
		defer f.Close()
		require.NoError(t, f.WriteChunk([]byte("short")))
		require.ErrorIs(t, f.WriteChunk([]byte("more")), ErrShortChunk)
	})

	t.Run("Closed", func(t *testing.T) {
		f := NewPosix(path, testChunkSize)
		require.NoError(t, f.Close())
		require.ErrorIs(t, f.WriteChunk([]byte("x")), ErrClosed)
		require.NoError(t, f.Close())
	})
}

func TestDirect(t *testing.T) {
	t.Run("Chunk size must be aligned", func(t *testing.T) {
		_, err := NewDirect(filepath.Join(t.TempDir(), "1.evt"), directio.BlockSize+1)
		require.Error(t, err)
	})

	t.Run("Write and read back", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "1.evt")
		f, err := NewDirect(path, testChunkSize)
		require.NoError(t, err)
		chunks := testChunks()
		err = f.WriteChunk(chunks[0])
		if errors.Is(err, syscall.EINVAL) {
			t.Skip("file system does not support direct I/O")
		}
		require.NoError(t, err)
		writeChunks(t, f, chunks[1:])
		assertChunks(t, f, testChunks(), true)
		require.NoError(t, f.Close())

		st, err := os.Stat(path)
		require.NoError(t, err)
		require.Equal(t, int64(3*testChunkSize), st.Size())
	})
}

func TestMemory(t *testing.T) {
	f := &Memory{}
	writeChunks(t, f, testChunks())
	require.NoError(t, f.Close())
	require.True(t, f.Closed())
	assertChunks(t, f, testChunks(), false)
	require.Equal(t, []byte("final"), f.Chunk(2))
	require.ErrorIs(t, f.WriteChunk(make([]byte, testChunkSize)), ErrShortChunk)
}

func TestCompressed(t *testing.T) {
	t.Run("Write and read back", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "1.evt")
		f, err := NewCompressed(NewOSBlob(path), testChunkSize, zlib.DefaultCompression)
		require.NoError(t, err)
		writeChunks(t, f, testChunks())
		assertChunks(t, f, testChunks(), false)
		require.NoError(t, f.Close())

		st, err := os.Stat(path)
		require.NoError(t, err)
		require.Less(t, st.Size(), int64(testChunkSize), "repetitive chunks must compress")

		// A new file scans the frame headers.
		f, err = NewCompressed(NewOSBlob(path), testChunkSize, zlib.BestSpeed)
		require.NoError(t, err)
		defer f.Close()
		assertChunks(t, f, testChunks(), false)
	})

	t.Run("Invalid level", func(t *testing.T) {
		_, err := NewCompressed(NewOSBlob("x"), testChunkSize, 42)
		require.Error(t, err)
	})

	corrupt := func(t *testing.T, at func(size int64) int64) *Compressed {
		t.Helper()
		path := filepath.Join(t.TempDir(), "1.evt")
		f, err := NewCompressed(NewOSBlob(path), testChunkSize, zlib.DefaultCompression)
		require.NoError(t, err)
		writeChunks(t, f, testChunks())
		require.NoError(t, f.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		data[at(int64(len(data)))] ^= 0xFF
		require.NoError(t, os.WriteFile(path, data, 0o644))

		f, err = NewCompressed(NewOSBlob(path), testChunkSize, zlib.DefaultCompression)
		require.NoError(t, err)
		t.Cleanup(func() { f.Close() })
		return f
	}

	t.Run("Bad magic", func(t *testing.T) {
		f := corrupt(t, func(int64) int64 { return 0 })
		_, err := f.NumChunks()
		require.ErrorIs(t, err, ErrCorruptFrame)
	})

	t.Run("Checksum mismatch", func(t *testing.T) {
		f := corrupt(t, func(int64) int64 { return 16 }) // First byte of the checksum.
		_, err := f.ReadChunk(0, make([]byte, testChunkSize))
		require.ErrorIs(t, err, ErrCorruptFrame)
	})

	t.Run("Oversized chunk", func(t *testing.T) {
		f := corrupt(t, func(int64) int64 { return 13 }) // Uncompressed size.
		_, err := f.ReadChunk(0, make([]byte, testChunkSize))
		require.ErrorIs(t, err, ErrCorruptFrame)
	})
}

// countingFile counts reads that reach the underlying file.
type countingFile struct {
	Memory
	reads int
}

func (f *countingFile) ReadChunk(n uint64, p []byte) (int, error) {
	f.reads++
	return f.Memory.ReadChunk(n, p)
}

func TestCached(t *testing.T) {
	cache, err := NewChunkCache(1 << 20)
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	inner := &countingFile{}
	f := NewCached(inner, "1.evt", cache)
	writeChunks(t, f, testChunks())

	p := make([]byte, testChunkSize)
	m, err := f.ReadChunk(1, p)
	require.NoError(t, err)
	require.Equal(t, testChunks()[1], p[:m])
	cache.Wait()

	clear(p)
	m, err = f.ReadChunk(1, p)
	require.NoError(t, err)
	require.Equal(t, testChunks()[1], p[:m])
	require.Equal(t, 1, inner.reads, "second read must be served from the cache")

	other := NewCached(&countingFile{}, "2.evt", cache)
	_, err = other.ReadChunk(1, p)
	require.ErrorIs(t, err, io.EOF, "files must not share cache entries")
}
