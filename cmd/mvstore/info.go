package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/hupe1980/mvstore"
	"github.com/spf13/cobra"
)

func newInfoCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info FILE",
		Short: "Show the maps, chunks and fill rates of a store file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := flags.open(args[0], mvstore.ReadOnly())
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := st.Stats()
			if err != nil {
				return err
			}
			maps, err := st.Maps()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "file:     %s\n", args[0])
			fmt.Fprintf(out, "version:  %d\n", stats.Version)
			fmt.Fprintf(out, "size:     %s (%s used, fill %d%%)\n",
				humanize.IBytes(uint64(stats.FileSize)),
				humanize.IBytes(stats.UsedBlocks*4096), stats.FillRate)
			fmt.Fprintf(out, "chunks:   %d (live pages %d%%)\n", stats.Chunks, stats.ChunkFill)
			if rec := st.Recovery(); rec != nil {
				fmt.Fprintf(out, "recovery: %v\n", rec)
			}

			fmt.Fprintln(out)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tMAP\tKIND\tKEY\tVALUE\tCREATED")
			for _, m := range maps {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\n", m.ID, m.Name, m.Kind, m.KeyType, m.ValueType, m.CreateVersion)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			fmt.Fprintln(out)
			tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CHUNK\tBLOCK\tSIZE\tPAGES\tLIVE\tFILL\tVERSION")
			for _, c := range st.Chunks() {
				fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%d\t%d%%\t%d\n",
					c.ID, c.Block, humanize.IBytes(uint64(c.Length)), c.Pages, c.Live, c.FillRate, c.Version)
			}
			return tw.Flush()
		},
	}
}
