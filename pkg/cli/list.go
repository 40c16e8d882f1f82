package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/vmountio/vmount/pkg/daemon"
)

func listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active mounts",
		Args:  cobra.NoArgs,
		RunE:  list,
	}
}

func list(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	client, err := connect(ctx)
	if err != nil {
		return err
	}
	mounts, err := client.List(ctx)
	if err != nil {
		return err
	}

	stdout := cmd.OutOrStdout()
	if len(mounts) == 0 {
		fmt.Fprintln(stdout, "No mounts")
		return nil
	}
	printMounts(stdout, mounts)
	return nil
}

func printMounts(stdout io.Writer, mounts []*daemon.MountInfo) {
	destLen := len("DESTINATION")
	for _, m := range mounts {
		if dl := len(m.Instance) + 1 + len(m.Target); dl > destLen {
			destLen = dl
		}
	}
	fmt.Fprintf(stdout, "%-36s  %-*s  %-8s  %s\n", "ID", destLen, "DESTINATION", "STATE", "SOURCE")
	for _, m := range mounts {
		fmt.Fprintf(stdout, "%-36s  %-*s  %-8s  %s\n",
			m.ID, destLen, m.Instance+":"+m.Target, m.State, m.Source)
	}
}
