// Package format defines the on-disk constants shared by the trace buffer,
// the file substrates and the index store.
package format

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

const (
	KiB = 1024
	MiB = KiB * KiB

	MinChunkSize = 256 * KiB // Smallest chunk size an archive accepts.
	MaxChunkSize = 16 * MiB  // Largest chunk size an archive accepts.

	DefaultEventChunkSize = 1 * MiB
	DefaultDefChunkSize   = 4 * MiB
	DefaultSnapChunkSize  = 1 * MiB

	// DefaultMemoryBudget bounds the bytes a default chunk pool hands out.
	DefaultMemoryBudget = 128 * MiB
)

// Record tags below FirstUserTag are reserved for the buffer itself.
const (
	TagEndOfChunk     byte = 0
	TagEndOfBuffer    byte = 1
	TagEndOfFile      byte = 2
	TagChunkHeader    byte = 3
	TagTimestampDelta byte = 4
	TagTimestamp      byte = 5
	TagAttributeList  byte = 6

	// TagBufferFlush marks a spill of the buffer to its file.
	// Its payload is a single full-width timestamp.
	TagBufferFlush byte = 10

	FirstUserTag byte = 10
)

const (
	// LengthEscape in the first length byte announces a full 8-byte length.
	LengthEscape byte = 0xFF

	// MaxShortLength is the largest record length stored in a single byte.
	MaxShortLength = 254

	// TimestampSize is the size of a full timestamp record (tag + 8 bytes).
	TimestampSize = 9

	// BufferFlushSize is the size of a buffer flush marker record.
	BufferFlushSize = 1 + 1 + 8
)

// Chunk header layout. The record index fields are only present in chunked mode.
const (
	ChunkHeaderSize          = 18 // tag + endianness + first record + end record.
	ChunkHeaderSizeUnchunked = 2  // tag + endianness.
	ChunkHeaderEndianness    = 1  // Offset of the endianness byte.
	ChunkHeaderFirstRecord   = 2  // Offset of the first record index.
	ChunkHeaderEndRecord     = 10 // Offset of the end record index.
)

// Endianness markers stored in every chunk header.
const (
	LittleEndian byte = 0x42
	BigEndian    byte = 0x23
)

// ByteOrder returns the byte order for an endianness marker.
func ByteOrder(marker byte) (binary.ByteOrder, error) {
	switch marker {
	case LittleEndian:
		return binary.LittleEndian, nil
	case BigEndian:
		return binary.BigEndian, nil
	default:
		return nil, fmt.Errorf("unknown endianness marker 0x%02x", marker)
	}
}

// Marker returns the endianness marker for a byte order.
func Marker(order binary.ByteOrder) byte {
	if order == binary.BigEndian {
		return BigEndian
	}
	return LittleEndian
}

// FileType identifies the record stream a buffer belongs to.
type FileType uint8

const (
	FileTypeAnchor FileType = iota
	FileTypeGlobalDefs
	FileTypeLocalDefs
	FileTypeEvents
	FileTypeSnapshots
	FileTypeThumbnail
	FileTypeMarker
	FileTypeSionRankMap
)

func (ft FileType) String() string {
	switch ft {
	case FileTypeAnchor:
		return "anchor"
	case FileTypeGlobalDefs:
		return "globalDefs"
	case FileTypeLocalDefs:
		return "localDefs"
	case FileTypeEvents:
		return "events"
	case FileTypeSnapshots:
		return "snapshots"
	case FileTypeThumbnail:
		return "thumbnail"
	case FileTypeMarker:
		return "marker"
	case FileTypeSionRankMap:
		return "sionRankMap"
	default:
		return fmt.Sprintf("fileType(%d)", uint8(ft))
	}
}

// HasTimestamps reports whether records of the file type carry timestamps.
func (ft FileType) HasTimestamps() bool {
	return ft == FileTypeEvents || ft == FileTypeSnapshots
}

// PerLocation reports whether the file type is stored once per location.
func (ft FileType) PerLocation() bool {
	return ft == FileTypeLocalDefs || ft == FileTypeEvents || ft == FileTypeSnapshots
}

// Ext returns the file name extension used for the file type.
func (ft FileType) Ext() string {
	switch ft {
	case FileTypeAnchor:
		return "otf2"
	case FileTypeGlobalDefs, FileTypeLocalDefs:
		return "def"
	case FileTypeEvents:
		return "evt"
	case FileTypeSnapshots:
		return "snap"
	case FileTypeThumbnail:
		return "thumb"
	case FileTypeMarker:
		return "marker"
	case FileTypeSionRankMap:
		return "srm"
	default:
		return "bin"
	}
}

// FileName returns the base name of the backing file for a stream.
// Per-location streams are named after the location, all others after the archive.
func FileName(archive string, ft FileType, location uint64) string {
	if ft.PerLocation() {
		return strconv.FormatUint(location, 10) + "." + ft.Ext()
	}
	return archive + "." + ft.Ext()
}

// ParseFileType parses the name used by the command line tools.
func ParseFileType(s string) (FileType, error) {
	switch s {
	case "events", "evt":
		return FileTypeEvents, nil
	case "defs", "def", "localDefs":
		return FileTypeLocalDefs, nil
	case "globalDefs":
		return FileTypeGlobalDefs, nil
	case "snaps", "snap", "snapshots":
		return FileTypeSnapshots, nil
	case "thumb", "thumbnail":
		return FileTypeThumbnail, nil
	case "marker":
		return FileTypeMarker, nil
	default:
		return 0, fmt.Errorf("unknown file type %q", s)
	}
}

// IsValidChunkSize reports whether size lies within the accepted bounds.
func IsValidChunkSize(size int) bool {
	return size >= MinChunkSize && size <= MaxChunkSize
}
