package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/holmberd/go-tracebuf/internal/buffer"
	"github.com/holmberd/go-tracebuf/internal/filter"
)

type dumpOptions struct {
	stream streamFlags
	from   int64 // Record index to start at, or -1.
	at     int64 // Timestamp to start at, or -1.
	limit  int
	filter string
}

func newDumpCommand(a *app) *cobra.Command {
	var opts dumpOptions
	cmd := &cobra.Command{
		Use:   "dump <file>",
		Short: "Print one line per record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.from >= 0 && opts.at >= 0 {
				return errors.New("--from and --at are mutually exclusive")
			}
			return a.dump(args[0], opts)
		},
	}
	opts.stream.register(cmd)
	cmd.Flags().Int64Var(&opts.from, "from", -1, "Start at the record with this index")
	cmd.Flags().Int64Var(&opts.at, "at", -1, "Start at the first record at or after this timestamp")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "Maximum number of records to print (0 prints all)")
	cmd.Flags().StringVar(&opts.filter, "filter", "", "CEL expression over tag, length, time, index and payload")
	return cmd
}

func (a *app) dump(path string, opts dumpOptions) error {
	f, err := filter.New(opts.filter)
	if err != nil {
		return err
	}
	b, err := a.openStream(path, opts.stream)
	if err != nil {
		return err
	}
	defer b.Close()

	switch {
	case opts.from >= 0:
		found, err := b.SeekRecord(uint64(opts.from))
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("record %d not found", opts.from)
		}
	case opts.at >= 0:
		if _, err := b.ReadSeekChunkTime(uint64(opts.at)); err != nil {
			return err
		}
	}

	w := tabwriter.NewWriter(a.out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tTIME\tTAG\tLENGTH")
	r := buffer.NewReader(b)
	printed := 0
	for opts.limit <= 0 || printed < opts.limit {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			w.Flush()
			return err
		}
		if opts.at >= 0 && rec.Time < uint64(opts.at) {
			continue
		}
		if f.Enabled() {
			payload, err := r.Payload()
			if err != nil {
				return err
			}
			ok, err := f.Match(rec, payload)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
		}
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\n", rec.Index, rec.Time, rec.Tag, rec.Length)
		printed++
	}
	return w.Flush()
}
