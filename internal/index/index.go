// Package index persists the chunk index of trace streams in a pebble store, so
// readers can seek by record or time without probing chunk headers.
package index

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/holmberd/go-tracebuf/internal/buffer"
	"github.com/holmberd/go-tracebuf/internal/format"
)

const keyPrefix = "ci/"

// Options configures the Store.
type Options struct {
	// Dir is the path to the pebble database directory.
	Dir string
	// FS overrides the file system, vfs.NewMem() in tests. Defaults to the OS.
	FS vfs.FS
	// Sync requests a WAL fsync on every Put and Delete.
	Sync bool
}

// Store maps (file type, location) to the chunk index entries of the stream.
type Store struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
}

func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("index: Options.Dir is required")
	}
	po := &pebble.Options{FS: opts.FS}
	db, err := pebble.Open(opts.Dir, po)
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", opts.Dir, err)
	}
	wo := pebble.NoSync
	if opts.Sync {
		wo = pebble.Sync
	}
	return &Store{db: db, writeOpts: wo}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// streamPrefix returns the key prefix of all entries of a stream.
func streamPrefix(ft format.FileType, location uint64) []byte {
	k := make([]byte, 0, len(keyPrefix)+1+8+8)
	k = append(k, keyPrefix...)
	k = append(k, byte(ft))
	return binary.BigEndian.AppendUint64(k, location)
}

func entryKey(ft format.FileType, location, firstRecord uint64) []byte {
	return binary.BigEndian.AppendUint64(streamPrefix(ft, location), firstRecord)
}

// prefixEnd returns the smallest key greater than all keys with the given prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // No upper bound.
}

func encodeEntry(e buffer.ChunkIndexEntry) []byte {
	return buffer.AppendChunkIndex(nil, []buffer.ChunkIndexEntry{e})
}

func decodeEntry(v []byte) (buffer.ChunkIndexEntry, error) {
	entries, err := buffer.DecodeChunkIndex(v)
	if err != nil {
		return buffer.ChunkIndexEntry{}, err
	}
	if len(entries) != 1 {
		return buffer.ChunkIndexEntry{}, fmt.Errorf("%w: index value holds %d entries", buffer.ErrIntegrity, len(entries))
	}
	return entries[0], nil
}

// Put replaces the stored entries of a stream in one batch.
func (s *Store) Put(ft format.FileType, location uint64, entries []buffer.ChunkIndexEntry) error {
	b := s.db.NewBatch()
	defer b.Close()
	prefix := streamPrefix(ft, location)
	if err := b.DeleteRange(prefix, prefixEnd(prefix), nil); err != nil {
		return err
	}
	for _, e := range entries {
		if err := b.Set(entryKey(ft, location, e.FirstRecord), encodeEntry(e), nil); err != nil {
			return err
		}
	}
	return b.Commit(s.writeOpts)
}

func (s *Store) iter(ft format.FileType, location uint64) (*pebble.Iterator, error) {
	prefix := streamPrefix(ft, location)
	return s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
}

// Load returns the stored entries of a stream ordered by record. A stream without
// entries yields an empty slice.
func (s *Store) Load(ft format.FileType, location uint64) ([]buffer.ChunkIndexEntry, error) {
	it, err := s.iter(ft, location)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var entries []buffer.ChunkIndexEntry
	for valid := it.First(); valid; valid = it.Next() {
		e, err := decodeEntry(it.Value())
		if err != nil {
			return nil, fmt.Errorf("index: %s stream of location %d: %w", ft, location, err)
		}
		entries = append(entries, e)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Lookup returns the entry of the chunk containing the given record.
func (s *Store) Lookup(ft format.FileType, location, record uint64) (buffer.ChunkIndexEntry, bool, error) {
	it, err := s.iter(ft, location)
	if err != nil {
		return buffer.ChunkIndexEntry{}, false, err
	}
	defer it.Close()

	var valid bool
	if record == ^uint64(0) {
		valid = it.Last()
	} else {
		valid = it.SeekLT(entryKey(ft, location, record+1))
	}
	if !valid {
		return buffer.ChunkIndexEntry{}, false, it.Error()
	}
	e, err := decodeEntry(it.Value())
	if err != nil {
		return buffer.ChunkIndexEntry{}, false, err
	}
	if record >= e.EndRecord {
		return buffer.ChunkIndexEntry{}, false, nil
	}
	return e, true, nil
}

// Delete removes all entries of a stream.
func (s *Store) Delete(ft format.FileType, location uint64) error {
	prefix := streamPrefix(ft, location)
	return s.db.DeleteRange(prefix, prefixEnd(prefix), s.writeOpts)
}
