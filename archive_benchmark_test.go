package tracebuf

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
	"testing"

	"github.com/holmberd/go-tracebuf/internal/buffer"
	"github.com/holmberd/go-tracebuf/internal/format"
)

// GOMAXPROCS=4 go clean -testcache && go test -bench=BenchmarkArchive -benchtime=10s -benchmem .

const benchEvents = 1 << 16

func newBenchArchive(b *testing.B, substrate Substrate) *Archive[*ShardedChunkPool] {
	b.Helper()
	config := DefaultConfig(b.TempDir())
	config.Substrate = substrate
	config.Logger = testLogger
	a, err := New(config)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { a.Close() })
	return a
}

// threadCounter assigns a unique location to each parallel goroutine.
var threadCounter atomic.Uint64

// BenchmarkArchiveWriteEvents measures event throughput with one writer per goroutine,
// the way each thread of a traced program owns its location.
func BenchmarkArchiveWriteEvents(b *testing.B) {
	for _, substrate := range []Substrate{SubstrateMemory, SubstratePosix} {
		b.Run(substrate.String(), func(b *testing.B) {
			a := newBenchArchive(b, substrate)

			b.SetBytes(benchEvents)
			b.ReportAllocs()
			b.RunParallel(func(pb *testing.PB) {
				loc := threadCounter.Add(1)
				w, err := a.Writer(format.FileTypeEvents, loc)
				if err != nil {
					panic(err)
				}
				var payload [8]byte
				var ts uint64
				for pb.Next() {
					for i := range benchEvents {
						ts++
						binary.LittleEndian.PutUint64(payload[:], uint64(i))
						if err := w.WriteEvent(ts, testTag, payload[:]); err != nil {
							panic(fmt.Errorf("failed to write event at location %d: %w", loc, err))
						}
					}
				}
				if err := a.CloseWriter(format.FileTypeEvents, loc); err != nil {
					panic(err)
				}
			})
			b.ReportMetric(float64(benchEvents), "events/op")
		})
	}
}

// BenchmarkArchiveReadEvents measures sequential record iteration of a single stream.
func BenchmarkArchiveReadEvents(b *testing.B) {
	a := newBenchArchive(b, SubstrateMemory)
	w, err := a.Writer(format.FileTypeEvents, 0)
	if err != nil {
		b.Fatal(err)
	}
	var payload [8]byte
	for i := range benchEvents {
		binary.LittleEndian.PutUint64(payload[:], uint64(i))
		if err := w.WriteEvent(uint64(i), testTag, payload[:]); err != nil {
			b.Fatal(err)
		}
	}
	if err := a.CloseWriter(format.FileTypeEvents, 0); err != nil {
		b.Fatal(err)
	}
	r, err := a.Reader(format.FileTypeEvents, 0)
	if err != nil {
		b.Fatal(err)
	}
	reader := buffer.NewReader(r)

	b.SetBytes(benchEvents)
	b.ReportAllocs()
	b.ResetTimer()
	for range b.N {
		if err := reader.Reset(); err != nil {
			b.Fatal(err)
		}
		n := 0
		for {
			if _, err := reader.Next(); err != nil {
				if err == io.EOF {
					break
				}
				b.Fatal(err)
			}
			n++
		}
		if n != benchEvents {
			b.Fatalf("expected %d events, got %d", benchEvents, n)
		}
	}
	b.ReportMetric(float64(benchEvents), "events/op")
}
