package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/copen/internal/process"
)

func newFuncsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "funcs",
		Short: "List the functions available to call and batch manifests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range process.Funcs() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
