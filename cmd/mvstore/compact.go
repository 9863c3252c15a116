package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newCompactCmd(flags *rootFlags) *cobra.Command {
	var fill int
	cmd := &cobra.Command{
		Use:   "compact FILE",
		Short: "Rewrite chunks below a fill rate and shrink the file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := flags.open(args[0])
			if err != nil {
				return err
			}
			before, err := st.Stats()
			if err != nil {
				_ = st.CloseImmediately()
				return err
			}
			n, err := st.CompactContext(cmd.Context(), fill)
			if err != nil {
				_ = st.CloseImmediately()
				return err
			}
			after, err := st.Stats()
			if err != nil {
				_ = st.CloseImmediately()
				return err
			}
			if err := st.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "compacted %d chunks: %s -> %s\n", n,
				humanize.IBytes(uint64(before.FileSize)), humanize.IBytes(uint64(after.FileSize)))
			return nil
		},
	}
	cmd.Flags().IntVar(&fill, "fill", 80, "target fill rate in percent")
	return cmd
}
