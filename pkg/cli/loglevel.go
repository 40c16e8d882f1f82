package cli

import (
	"github.com/spf13/cobra"
)

func loglevelCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "loglevel <level>",
		Short:     "Temporarily change the daemon's log level",
		Long:      "Temporarily change the log level of the vmount daemon. The configured level applies again after a restart.",
		Args:      cobra.ExactValidArgs(1),
		ValidArgs: []string{"trace", "debug", "info", "warning", "error"},
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			return client.SetLogLevel(cmd.Context(), args[0])
		},
	}
}
