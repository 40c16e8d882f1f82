package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vmountio/vmount/pkg/filelocation"
	"github.com/vmountio/vmount/pkg/sshkey"
)

func keyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "key",
		Short: "Print vmount's SSH public key",
		Long: `Print vmount's SSH public key in authorized_keys format, generating the
identity on first use. Mounting into an instance requires this key in the
instance user's ~/.ssh/authorized_keys.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			dir, err := filelocation.AppUserConfigDir(ctx)
			if err != nil {
				return err
			}
			keys, err := sshkey.Load(ctx, dir)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), keys.PublicKeyLine())
			return nil
		},
	}
}
