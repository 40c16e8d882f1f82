package main

import (
	"context"
	"encoding/base64"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/vmountio/vmount/pkg/idmap"
	"github.com/vmountio/vmount/pkg/log"
	"github.com/vmountio/vmount/pkg/server"
)

const processName = "vmount-server"

// keyEnv carries the base64 PEM private key. Passing secrets as CLI arguments
// is an anti-pattern (argv is visible in ps), so take it from an env-var.
const keyEnv = "VMOUNT_SERVER_KEY"

type args struct {
	host     string
	port     uint16
	user     string
	instance string
	source   string
	target   string
	uidMaps  []string
	gidMaps  []string
}

func main() {
	ctx := context.Background()
	ctx = log.MakeBaseLogger(ctx, os.Getenv("VMOUNT_LOG_LEVEL"))
	ctx = dgroup.WithGoroutineName(ctx, "/"+processName)

	var a args
	cmd := &cobra.Command{
		Use:   processName,
		Short: "Serve one directory mount for the vmount daemon",
		Args:  cobra.NoArgs,

		// main() handles errors after ExecuteContext() returns.
		SilenceErrors: true,
		SilenceUsage:  true,

		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), &a)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&a.host, "host", "", "address of the instance's SSH server")
	flags.Uint16Var(&a.port, "port", 22, "port of the instance's SSH server")
	flags.StringVar(&a.user, "user", "", "user to authenticate as")
	flags.StringVar(&a.instance, "instance", "", "name of the instance, used in messages")
	flags.StringVar(&a.source, "source", "", "host directory to expose")
	flags.StringVar(&a.target, "target", "", "path inside the instance to mount at")
	flags.StringArrayVar(&a.uidMaps, "uid-map", nil, "host:instance uid mapping, may repeat")
	flags.StringArrayVar(&a.gidMaps, "gid-map", nil, "host:instance gid mapping, may repeat")
	for _, name := range []string{"host", "user", "source", "target"} {
		_ = cmd.MarkFlagRequired(name)
	}

	if err := cmd.ExecuteContext(ctx); err != nil {
		dlog.Errorf(ctx, "quit: %v", err)
		if errors.Is(err, server.ErrSSHFSMissing) {
			os.Exit(server.MissingSupportExitCode)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, a *args) error {
	key64 := os.Getenv(keyEnv)
	if key64 == "" {
		return errors.Errorf("%s is not set; %s is launched by the vmount daemon", keyEnv, processName)
	}
	key, err := base64.StdEncoding.DecodeString(key64)
	if err != nil {
		return errors.Wrapf(err, "decoding %s", keyEnv)
	}
	uidMap, err := idmap.ParseTable(a.uidMaps)
	if err != nil {
		return errors.Wrap(err, "uid-map")
	}
	gidMap, err := idmap.ParseTable(a.gidMaps)
	if err != nil {
		return errors.Wrap(err, "gid-map")
	}

	conf := &server.Config{
		Host:     a.host,
		Port:     a.port,
		User:     a.user,
		Instance: a.instance,
		Key:      key,
		Source:   a.source,
		Target:   a.target,
		UIDMap:   uidMap,
		GIDMap:   gidMap,
	}

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: true,
	})
	g.Go("serve", func(ctx context.Context) error {
		return server.Run(ctx, conf)
	})
	return g.Wait()
}
