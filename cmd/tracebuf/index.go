package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/holmberd/go-tracebuf/internal/buffer"
	"github.com/holmberd/go-tracebuf/internal/format"
	"github.com/holmberd/go-tracebuf/internal/index"
)

func newIndexCommand(a *app) *cobra.Command {
	indexCmd := &cobra.Command{Use: "index", Short: "Chunk index operations"}

	var store string
	indexCmd.PersistentFlags().StringVar(&store, "store", "", "Directory of the chunk index store")
	indexCmd.MarkPersistentFlagRequired("store")

	var buildFlags streamFlags
	buildCmd := &cobra.Command{
		Use:   "build <file>",
		Short: "Scan the chunk headers of a stream and store its chunk index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.openStream(args[0], buildFlags)
			if err != nil {
				return err
			}
			defer b.Close()
			if !buffer.Indexable(b.FileType()) {
				return fmt.Errorf("%s streams are not indexed", b.FileType())
			}
			entries, err := b.BuildChunkIndex()
			if err != nil {
				return err
			}
			s, err := index.Open(index.Options{Dir: store, Sync: true})
			if err != nil {
				return err
			}
			if err := s.Put(b.FileType(), b.Location(), entries); err != nil {
				return errors.Join(err, s.Close())
			}
			a.logger.Info("Stored chunk index", "fileType", b.FileType().String(), "location", b.Location(), "chunks", len(entries))
			fmt.Fprintf(a.out, "indexed %d chunks\n", len(entries))
			return s.Close()
		},
	}
	buildFlags.register(buildCmd)

	var showType string
	var showLocation uint64
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "List the stored chunk index of a stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ft, err := format.ParseFileType(showType)
			if err != nil {
				return err
			}
			s, err := index.Open(index.Options{Dir: store})
			if err != nil {
				return err
			}
			defer s.Close()
			entries, err := s.Load(ft, showLocation)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(a.out, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "CHUNK\tOFFSET\tFIRST\tEND\tFIRST TIME\tDATA")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\n", e.Chunk, e.Offset, e.FirstRecord, e.EndRecord, e.FirstTimestamp, e.DataOffset)
			}
			return w.Flush()
		},
	}
	showCmd.Flags().StringVar(&showType, "type", "events", "File type: events|snaps")
	showCmd.Flags().Uint64Var(&showLocation, "location", 0, "Location id of the stream")

	indexCmd.AddCommand(buildCmd, showCmd)
	return indexCmd
}
