package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func quitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "quit",
		Short: "Tell the vmount daemon to quit",
		Long:  "Tell the vmount daemon to quit. Every active mount is stopped first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			if err := client.Quit(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "The vmount daemon is quitting")
			return nil
		},
	}
}
