package main

import (
	"fmt"

	"github.com/hupe1980/mvstore"
	"github.com/spf13/cobra"
)

func newVerifyCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify FILE",
		Short: "Check the checksums of every chunk of a store file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := flags.open(args[0], mvstore.ReadOnly(), mvstore.WithStrictRecovery())
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Verify(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: version %d, %d chunks ok\n", args[0], st.Version(), len(st.Chunks()))
			return nil
		},
	}
}
