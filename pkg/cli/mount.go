package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/vmountio/vmount/pkg/daemon"
)

type mountArgs struct {
	uidMaps []string
	gidMaps []string
}

func (ma *mountArgs) addFlags(flags *pflag.FlagSet) {
	flags.StringArrayVar(&ma.uidMaps, "uid-map", nil,
		"Host-to-instance uid mapping HOST:INSTANCE, may repeat; INSTANCE may be \"default\"")
	flags.StringArrayVar(&ma.gidMaps, "gid-map", nil,
		"Host-to-instance gid mapping HOST:INSTANCE, may repeat; INSTANCE may be \"default\"")
}

func mountCommand() *cobra.Command {
	ma := &mountArgs{}
	cmd := &cobra.Command{
		Use:   "mount SOURCE INSTANCE:TARGET",
		Short: "Mount a host directory in an instance",
		Long: `Mount a host directory in an instance. SOURCE is a directory on this host;
TARGET is where it appears inside the instance.

File ownership is translated between host and instance ids with the
--uid-map and --gid-map tables; ids without a mapping pass through
unchanged. When no --uid-map is given, your own uid is mapped to the
instance user's default uid, and likewise for --gid-map.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ma.mount(cmd, args[0], args[1])
		},
	}
	ma.addFlags(cmd.Flags())
	return cmd
}

func (ma *mountArgs) mount(cmd *cobra.Command, source, dest string) error {
	ctx := cmd.Context()
	instance, target, err := parseDest(dest)
	if err != nil {
		return err
	}
	source, err = filepath.Abs(source)
	if err != nil {
		return err
	}

	client, err := connect(ctx)
	if err != nil {
		return err
	}

	req := &daemon.MountRequest{
		Instance: instance,
		Source:   source,
		Target:   target,
		UIDMaps:  ma.uidMaps,
		GIDMaps:  ma.gidMaps,
	}
	applyDefaultMaps(req, os.Getuid(), os.Getgid())

	stdout := cmd.OutOrStdout()
	p := newProgress(stdout)
	info, err := client.Mount(ctx, req, p.update)
	p.done()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Mounted %q in %s:%s\n", info.Source, info.Instance, info.Target)
	return nil
}

// parseDest splits INSTANCE:TARGET. The target may itself contain colons.
func parseDest(dest string) (instance, target string, err error) {
	instance, target, ok := strings.Cut(dest, ":")
	if !ok || instance == "" || target == "" {
		return "", "", errors.Errorf("invalid destination %q: use INSTANCE:TARGET", dest)
	}
	return instance, target, nil
}

// applyDefaultMaps fills in the identity mappings used when the caller gave
// none: the invoking user maps to the instance user's defaults.
func applyDefaultMaps(req *daemon.MountRequest, uid, gid int) {
	if len(req.UIDMaps) == 0 {
		req.UIDMaps = []string{fmt.Sprintf("%d:default", uid)}
	}
	if len(req.GIDMaps) == 0 {
		req.GIDMaps = []string{fmt.Sprintf("%d:default", gid)}
	}
}

// progress renders mount progress messages, overwriting in place when the
// output is a terminal.
type progress struct {
	out    io.Writer
	tty    bool
	active bool
}

func newProgress(out io.Writer) *progress {
	p := &progress{out: out}
	if f, ok := out.(*os.File); ok {
		p.tty = term.IsTerminal(int(f.Fd()))
	}
	return p
}

func (p *progress) update(msg string) {
	if p.tty {
		fmt.Fprintf(p.out, "\r\033[K%s...", msg)
		p.active = true
	} else {
		fmt.Fprintf(p.out, "%s...\n", msg)
	}
}

// done ends an in-place progress line so that normal output can follow it.
func (p *progress) done() {
	if p.active {
		fmt.Fprint(p.out, "\r\033[K")
		p.active = false
	}
}
