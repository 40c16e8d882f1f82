package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/vmountio/vmount/pkg/daemon"
)

func unmountCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unmount MOUNT",
		Short: "Stop a mount",
		Long: `Stop a mount and remove it from the daemon. MOUNT is either a mount id as
shown by "vmount list", or INSTANCE:TARGET.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return unmount(cmd, args[0])
		},
	}
}

func unmount(cmd *cobra.Command, arg string) error {
	ctx := cmd.Context()
	client, err := connect(ctx)
	if err != nil {
		return err
	}

	id := arg
	if _, parseErr := uuid.Parse(arg); parseErr != nil {
		list, err := client.List(ctx)
		if err != nil {
			return err
		}
		m, err := findMount(list, arg)
		if err != nil {
			return err
		}
		id = m.ID
	}
	if err := client.Unmount(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Unmounted %s\n", arg)
	return nil
}

func findMount(list []*daemon.MountInfo, dest string) (*daemon.MountInfo, error) {
	instance, target, err := parseDest(dest)
	if err != nil {
		return nil, errors.Errorf("%q is neither a mount id nor INSTANCE:TARGET", dest)
	}
	for _, m := range list {
		if m.Instance == instance && m.Target == target {
			return m, nil
		}
	}
	return nil, errors.Errorf("%q is not mounted in '%s'", target, instance)
}
