package main

import (
	"bytes"
	"encoding/binary"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/holmberd/go-tracebuf/internal/buffer"
	"github.com/holmberd/go-tracebuf/internal/file"
	"github.com/holmberd/go-tracebuf/internal/format"
)

const (
	testChunkSize = 256 * format.KiB
	testEvents    = 30_000 // Spans two chunks.
	testTag       = format.FirstUserTag + 1
)

// writeEventFile writes testEvents events at time 3*i to a new file. Every spill is
// followed by a buffer flush marker.
func writeEventFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "0.evt")
	var now uint64
	config := buffer.DefaultConfig(format.FileTypeEvents, 0)
	config.ChunkSize = testChunkSize
	config.Callbacks = buffer.FlushCallbacks{
		PreFlush: func(format.FileType, uint64, *buffer.Buffer, bool) buffer.FlushDecision {
			return buffer.Flush
		},
		PostFlush: func(format.FileType, uint64) uint64 { return now },
	}
	b, err := buffer.New(heapAllocator{}, file.NewPosix(path, testChunkSize), nil, config)
	require.NoError(t, err)
	for i := range testEvents {
		now = uint64(i * 3)
		require.NoError(t, b.WriteEvent(now, testTag, binary.LittleEndian.AppendUint32(nil, uint32(i))))
	}
	require.NoError(t, b.Close())
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand(&out, io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// rows returns the fields of all output lines after the header.
func rows(out string) [][]string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	var r [][]string
	for _, l := range lines[1:] {
		r = append(r, strings.Fields(l))
	}
	return r
}

func TestStat(t *testing.T) {
	path := writeEventFile(t)
	out, err := run(t, "stat", path, "--chunk-size", "262144")
	require.NoError(t, err)
	require.Contains(t, out, "chunks:        2\n")
	require.Contains(t, out, "endianness:    little\n")
	require.Contains(t, out, "records:       30001\n") // Events and one flush marker.
	require.Contains(t, out, "first time:    0\n")
	require.Contains(t, out, "last time:     89997\n")
	require.Contains(t, out, "flush markers: 1\n")
}

func TestDump(t *testing.T) {
	path := writeEventFile(t)
	chunk := []string{"--chunk-size", "262144"}

	t.Run("Limit", func(t *testing.T) {
		out, err := run(t, append([]string{"dump", path, "--limit", "3"}, chunk...)...)
		require.NoError(t, err)
		r := rows(out)
		require.Len(t, r, 3)
		require.Equal(t, []string{"0", "0", "11", "4"}, r[0])
		require.Equal(t, []string{"2", "6", "11", "4"}, r[2])
	})

	t.Run("From record", func(t *testing.T) {
		out, err := run(t, append([]string{"dump", path, "--from", "100", "--limit", "1"}, chunk...)...)
		require.NoError(t, err)
		r := rows(out)
		require.Len(t, r, 1)
		require.Equal(t, "100", r[0][0])
		require.Equal(t, "300", r[0][1])
	})

	t.Run("At time", func(t *testing.T) {
		out, err := run(t, append([]string{"dump", path, "--at", "31", "--limit", "1"}, chunk...)...)
		require.NoError(t, err)
		r := rows(out)
		require.Len(t, r, 1)
		require.Equal(t, []string{"11", "33"}, r[0][:2])
	})

	t.Run("Filter", func(t *testing.T) {
		out, err := run(t, append([]string{"dump", path, "--filter", "index == 5 || tag == 10"}, chunk...)...)
		require.NoError(t, err)
		r := rows(out)
		require.Len(t, r, 2) // Record 5 and the flush marker.
		require.Equal(t, "5", r[0][0])
		require.Equal(t, "10", r[1][2])
	})

	t.Run("Invalid filter", func(t *testing.T) {
		_, err := run(t, append([]string{"dump", path, "--filter", "tag + 1"}, chunk...)...)
		require.Error(t, err)
	})

	t.Run("From and at", func(t *testing.T) {
		_, err := run(t, "dump", path, "--from", "1", "--at", "1")
		require.Error(t, err)
	})

	t.Run("Missing file", func(t *testing.T) {
		_, err := run(t, "dump", filepath.Join(t.TempDir(), "missing.evt"))
		require.Error(t, err)
	})
}

func TestIndex(t *testing.T) {
	path := writeEventFile(t)
	store := t.TempDir()

	out, err := run(t, "index", "build", path, "--store", store, "--chunk-size", "262144")
	require.NoError(t, err)
	require.Equal(t, "indexed 2 chunks\n", out)

	out, err = run(t, "index", "show", "--store", store)
	require.NoError(t, err)
	r := rows(out)
	require.Len(t, r, 2)
	require.Equal(t, []string{"0", "0", "0"}, r[0][:3])
	require.Equal(t, "1", r[1][0])
	require.Equal(t, "262144", r[1][1])
	require.Equal(t, "30001", r[1][3])
	require.Equal(t, "27", r[0][5]) // Behind the chunk header and timestamp.
	require.Equal(t, "27", r[1][5]) // The flush marker.

	_, err = run(t, "index", "build", path)
	require.Error(t, err, "the store flag is required")
}

func TestLogLevel(t *testing.T) {
	path := writeEventFile(t)
	_, err := run(t, "stat", path, "--chunk-size", "262144", "--log-level", "debug")
	require.NoError(t, err)
	_, err = run(t, "stat", path, "--log-level", "loud")
	require.Error(t, err)
}
