package main

import (
	"github.com/hupe1980/mvstore/dump"
	"github.com/hupe1980/mvstore/internal/fs"
	"github.com/spf13/cobra"
)

func newDumpCmd() *cobra.Command {
	var opts dump.Options
	cmd := &cobra.Command{
		Use:   "dump FILE",
		Short: "Print the headers, chunks and pages of a store file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := dump.ScanFile(fs.Default, args[0])
			if err != nil {
				return err
			}
			return rep.Write(cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().BoolVar(&opts.Pages, "pages", false, "list every page")
	cmd.Flags().BoolVar(&opts.Meta, "meta", false, "print meta map entries")
	return cmd
}
