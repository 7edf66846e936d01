package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/holmberd/go-tracebuf/internal/buffer"
	"github.com/holmberd/go-tracebuf/internal/format"
)

// streamStats summarizes a stream.
type streamStats struct {
	chunks       uint64
	endianness   string
	records      uint64
	firstTime    uint64
	lastTime     uint64
	flushMarkers uint64
}

func newStatCommand(a *app) *cobra.Command {
	var flags streamFlags
	cmd := &cobra.Command{
		Use:   "stat <file>",
		Short: "Print chunk, record and timestamp statistics of a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.openStream(args[0], flags)
			if err != nil {
				return err
			}
			defer b.Close()
			s, err := collectStats(b)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "file type:     %s\n", b.FileType())
			fmt.Fprintf(a.out, "chunks:        %d\n", s.chunks)
			fmt.Fprintf(a.out, "endianness:    %s\n", s.endianness)
			fmt.Fprintf(a.out, "records:       %d\n", s.records)
			if b.FileType().HasTimestamps() {
				fmt.Fprintf(a.out, "first time:    %d\n", s.firstTime)
				fmt.Fprintf(a.out, "last time:     %d\n", s.lastTime)
			}
			if b.FileType() == format.FileTypeEvents {
				fmt.Fprintf(a.out, "flush markers: %d\n", s.flushMarkers)
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func collectStats(b *buffer.Buffer) (streamStats, error) {
	s := streamStats{endianness: endianness(b)}
	r := buffer.NewReader(b)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return s, err
		}
		if s.records == 0 {
			s.firstTime = rec.Time
		}
		s.records++
		s.lastTime = rec.Time
		if rec.Tag == format.TagBufferFlush && b.FileType() == format.FileTypeEvents {
			s.flushMarkers++
		}
	}
	pos, err := b.GetPosition()
	if err != nil {
		return s, err
	}
	if s.records > 0 {
		s.chunks = pos.Chunk + 1
	}
	return s, nil
}
