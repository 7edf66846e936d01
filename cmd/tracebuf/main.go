// Command tracebuf inspects trace buffer files: it dumps records, prints stream
// statistics and maintains the persistent chunk index.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/klauspost/compress/zlib"
	"github.com/spf13/cobra"

	"github.com/holmberd/go-tracebuf"
	"github.com/holmberd/go-tracebuf/internal/buffer"
	"github.com/holmberd/go-tracebuf/internal/file"
	"github.com/holmberd/go-tracebuf/internal/format"
)

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries what all commands share.
type app struct {
	out    io.Writer
	logger *slog.Logger
}

// streamFlags locate and decode a stream file.
type streamFlags struct {
	fileType  string
	chunkSize int
	location  uint64
	zlib      bool
}

func (f *streamFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.fileType, "type", "events", "File type: events|defs|globalDefs|snaps|thumb|marker")
	cmd.Flags().IntVar(&f.chunkSize, "chunk-size", 0, "Chunk size in bytes (default depends on the file type)")
	cmd.Flags().Uint64Var(&f.location, "location", 0, "Location id of the stream")
	cmd.Flags().BoolVar(&f.zlib, "zlib", false, "The file holds zlib compressed chunks")
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{out: stdout, logger: slog.New(slog.NewTextHandler(stderr, nil))}
	var logLevel string

	rootCmd := &cobra.Command{
		Use:          "tracebuf",
		Short:        "Inspect trace buffer files",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var level slog.Level
			if logLevel != "" {
				if err := level.UnmarshalText([]byte(logLevel)); err != nil {
					return fmt.Errorf("invalid --log-level %q; use debug|info|warn|error", logLevel)
				}
			}
			a.logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
			return nil
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", os.Getenv("TRACEBUF_LOG_LEVEL"), "Log level: debug|info|warn|error")

	rootCmd.AddCommand(newDumpCommand(a))
	rootCmd.AddCommand(newStatCommand(a))
	rootCmd.AddCommand(newIndexCommand(a))
	return rootCmd
}

// openStream opens a stream file for reading.
func (a *app) openStream(path string, flags streamFlags) (*buffer.Buffer, error) {
	ft, err := format.ParseFileType(flags.fileType)
	if err != nil {
		return nil, err
	}
	config := buffer.DefaultConfig(ft, flags.location)
	config.Mode = buffer.ModeRead
	if flags.chunkSize > 0 {
		config.ChunkSize = flags.chunkSize
	}

	// A missing file would read as an empty stream.
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	var f buffer.File
	if flags.zlib {
		c, err := file.NewCompressed(file.NewOSBlob(path), config.ChunkSize, zlib.DefaultCompression)
		if err != nil {
			return nil, err
		}
		f = c
	} else {
		f = file.NewPosix(path, config.ChunkSize)
	}
	return buffer.New(allocator(config.ChunkSize), f, a.logger, config)
}

// allocator returns a pool allocator for the chunk sizes the pool serves and a heap
// allocator for any other size.
func allocator(chunkSize int) buffer.Allocator {
	pool := tracebuf.NewChunkPool(tracebuf.DefaultChunkPoolConfig())
	if pool.IsSupported(chunkSize) {
		return buffer.NewPoolAllocator(pool)
	}
	return heapAllocator{}
}

type heapAllocator struct{}

func (heapAllocator) Allocate(_ format.FileType, _ uint64, _ *any, chunkSize int) []byte {
	return make([]byte, chunkSize)
}

func (heapAllocator) FreeAll(format.FileType, uint64, *any, bool) {}

func endianness(b *buffer.Buffer) string {
	if format.Marker(b.ByteOrder()) == format.BigEndian {
		return "big"
	}
	return "little"
}
