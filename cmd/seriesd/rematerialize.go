package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRematerializeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rematerialize",
		Short: "Regenerate the stored occurrences of every series",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.controller.Rematerialize(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "rematerialized %d series\n", n)
			return err
		},
	}
}
