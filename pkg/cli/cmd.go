// Package cli implements the vmount command tree. Every command except the
// hidden daemon-foreground talks to the daemon over its unix socket.
package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vmountio/vmount/pkg/daemon"
)

var help = `vmount shares host directories into virtual machine instances over SSH.

Establish a mount with:

vmount mount ~/project primary:/home/ubuntu/project

The mounts are owned by a long-lived background daemon; the CLI talks to it
over a local socket. The daemon is normally managed by the OS service
manager.`

// OnlySubcommands rejects positional arguments the way cobra.NoArgs does,
// adding suggestions for what the user may have meant.
func OnlySubcommands(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		err := fmt.Errorf("invalid subcommand %q", args[0])
		if cmd.SuggestionsMinimumDistance <= 0 {
			cmd.SuggestionsMinimumDistance = 2
		}
		if suggestions := cmd.SuggestionsFor(args[0]); len(suggestions) > 0 {
			err = fmt.Errorf("%w\nDid you mean one of these?\n\t%s", err, strings.Join(suggestions, "\n\t"))
		}
		return cmd.FlagErrorFunc()(cmd, err)
	}
	return nil
}

// RunSubcommands is the RunE of commands that only exist to group
// subcommands. A RunE must be set even though there is nothing to run;
// cobra would otherwise treat a mistyped subcommand as success.
func RunSubcommands(cmd *cobra.Command, args []string) error {
	cmd.HelpFunc()(cmd, args)
	return nil
}

// Command returns the top level "vmount" CLI command.
func Command(ctx context.Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:  "vmount",
		Args: OnlySubcommands,

		Short:         "Share host directories into VM instances",
		Long:          help,
		RunE:          RunSubcommands,
		SilenceErrors: true, // the error is reported by main()
		SilenceUsage:  true,
	}
	rootCmd.InitDefaultHelpCmd()
	rootCmd.AddCommand(
		mountCommand(),
		unmountCommand(),
		listCommand(),
		keyCommand(),
		loglevelCommand(),
		versionCommand(),
		quitCommand(),
		daemon.Command(),
	)
	return rootCmd
}

// connect returns a client for the daemon's socket, failing early with an
// actionable message when no daemon can be listening there.
func connect(ctx context.Context) (*daemon.Client, error) {
	socketName, err := daemon.SocketName(ctx)
	if err != nil {
		return nil, err
	}
	client := daemon.NewClient(socketName)
	running, err := client.Running()
	if err != nil {
		return nil, err
	}
	if !running {
		return nil, fmt.Errorf("the vmount daemon is not running; start it with %q or your service manager", "vmount daemon-foreground")
	}
	return client, nil
}
