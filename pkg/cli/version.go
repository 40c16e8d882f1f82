package cli

import (
	"fmt"

	"github.com/blang/semver"
	"github.com/spf13/cobra"

	"github.com/vmountio/vmount/pkg/version"
)

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		RunE:  printVersion,
	}
}

func printVersion(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	stdout := cmd.OutOrStdout()
	fmt.Fprintf(stdout, "Client: %s\n", version.Version)

	client, err := connect(ctx)
	if err != nil {
		fmt.Fprintln(stdout, "Daemon: not running")
		return nil
	}
	v, err := client.Version(ctx)
	if err != nil {
		fmt.Fprintf(stdout, "Daemon: error: %v\n", err)
		return nil
	}
	fmt.Fprintf(stdout, "Daemon: %s\n", v)
	if dv, err := semver.ParseTolerant(v); err == nil && dv.NE(version.Structured()) {
		fmt.Fprintf(stdout, "The daemon version differs; restart it with %q to run the new binary.\n", "vmount quit")
	}
	return nil
}
