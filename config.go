package tracebuf

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/klauspost/compress/zlib"
	"github.com/ncw/directio"

	"github.com/holmberd/go-tracebuf/internal/buffer"
	"github.com/holmberd/go-tracebuf/internal/format"
)

// Substrate selects the store streams are spilled to.
type Substrate int

const (
	SubstratePosix  Substrate = iota // Regular files in Config.Dir.
	SubstrateDirect                  // Files in Config.Dir written with O_DIRECT.
	SubstrateMemory                  // In-memory chunk stores owned by the archive.
)

func (s Substrate) String() string {
	switch s {
	case SubstratePosix:
		return "posix"
	case SubstrateDirect:
		return "direct"
	case SubstrateMemory:
		return "memory"
	default:
		return fmt.Sprintf("substrate(%d)", int(s))
	}
}

// ParseSubstrate parses the name returned by Substrate.String.
func ParseSubstrate(s string) (Substrate, error) {
	for _, v := range []Substrate{SubstratePosix, SubstrateDirect, SubstrateMemory} {
		if v.String() == s {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown substrate %q", s)
}

type Compression int

const (
	CompressionNone Compression = iota
	CompressionZlib
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZlib:
		return "zlib"
	default:
		return fmt.Sprintf("compression(%d)", int(c))
	}
}

type Config struct {
	// Dir is the directory stream files are created in. It is not used by the memory substrate.
	Dir string

	// Name is the archive name, which names the files of streams that are not per location.
	Name string

	Substrate   Substrate
	Compression Compression // Only supported by the posix substrate.

	// CompressionLevel is the zlib level used with CompressionZlib.
	CompressionLevel int

	// Chunk sizes per file type. Definitions and all auxiliary streams use DefChunkSize.
	EventChunkSize int
	DefChunkSize   int
	SnapChunkSize  int

	// MemoryBudget bounds the chunk memory of all buffers of the archive.
	MemoryBudget int64

	// PoolShards is the number of independent chunk pools locations are spread over.
	PoolShards int

	// IndexDir enables the persistent chunk index when set.
	IndexDir string

	// CacheBytes enables a shared cache of loaded chunks for readers when positive.
	CacheBytes int64

	// FlushCallbacks are handed to every buffer. When PreFlush is nil the archive
	// spills on every chunk rollover and on close.
	FlushCallbacks buffer.FlushCallbacks

	Logger *slog.Logger
}

func (c Config) Validate() error {
	var errs []error
	switch c.Substrate {
	case SubstratePosix, SubstrateDirect:
		if c.Dir == "" {
			errs = append(errs, fmt.Errorf("invalid config: the %s substrate requires a directory", c.Substrate))
		}
	case SubstrateMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid config: unknown substrate %d", c.Substrate))
	}
	if c.Name == "" {
		errs = append(errs, errors.New("invalid config: archive name must not be empty"))
	}

	switch c.Compression {
	case CompressionNone:
	case CompressionZlib:
		if c.Substrate != SubstratePosix {
			errs = append(errs, fmt.Errorf("invalid config: compression is not supported by the %s substrate", c.Substrate))
		}
		if c.CompressionLevel < zlib.HuffmanOnly || c.CompressionLevel > zlib.BestCompression {
			errs = append(errs, fmt.Errorf("invalid config: zlib compression level %d", c.CompressionLevel))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid config: unknown compression %d", c.Compression))
	}

	for _, cs := range []struct {
		name string
		size int
	}{
		{"event", c.EventChunkSize},
		{"definition", c.DefChunkSize},
		{"snapshot", c.SnapChunkSize},
	} {
		if !format.IsValidChunkSize(cs.size) {
			errs = append(errs, fmt.Errorf("invalid config: %s chunk size %d must be between %d and %d",
				cs.name, cs.size, format.MinChunkSize, format.MaxChunkSize))
		}
		if c.Substrate == SubstrateDirect && cs.size%directio.BlockSize != 0 {
			errs = append(errs, fmt.Errorf("invalid config: %s chunk size %d must be a multiple of %d for direct I/O",
				cs.name, cs.size, directio.BlockSize))
		}
	}

	if c.MemoryBudget < 0 {
		errs = append(errs, fmt.Errorf("invalid config: memory budget %d must not be negative", c.MemoryBudget))
	}
	if c.CacheBytes < 0 {
		errs = append(errs, fmt.Errorf("invalid config: cache bytes %d must not be negative", c.CacheBytes))
	}
	return errors.Join(errs...)
}

// chunkSize returns the configured chunk size of the file type.
func (c Config) chunkSize(ft format.FileType) int {
	switch ft {
	case format.FileTypeEvents:
		return c.EventChunkSize
	case format.FileTypeSnapshots:
		return c.SnapChunkSize
	default:
		return c.DefChunkSize
	}
}

// DefaultConfig returns the configuration of a posix archive in dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:              dir,
		Name:             "traces",
		Substrate:        SubstratePosix,
		Compression:      CompressionNone,
		CompressionLevel: zlib.DefaultCompression,
		EventChunkSize:   format.DefaultEventChunkSize,
		DefChunkSize:     format.DefaultDefChunkSize,
		SnapChunkSize:    format.DefaultSnapChunkSize,
		MemoryBudget:     format.DefaultMemoryBudget,
		PoolShards:       8,
	}
}
