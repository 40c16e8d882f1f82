// Package daemon is the long-lived vmount service. It owns every active
// mount, exposes the HTTP API the CLI talks to over a unix socket, and winds
// the mounts down when it is told to quit.
package daemon

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/vmountio/vmount/pkg/config"
	"github.com/vmountio/vmount/pkg/filelocation"
	"github.com/vmountio/vmount/pkg/log"
	"github.com/vmountio/vmount/pkg/mount"
	"github.com/vmountio/vmount/pkg/sshkey"
	"github.com/vmountio/vmount/pkg/version"
	"github.com/vmountio/vmount/pkg/vm"
)

const ProcessName = "vmountd"

var help = `The vmount daemon is a long-lived background component that owns all active
mounts and their vmount-server subprocesses.

Launch it in the foreground:
    vmount daemon-foreground

It is normally managed by the OS service manager; the CLI talks to it over
the daemon socket.
`

// service is the running daemon: the mount registry plus the API serving it.
type service struct {
	quit   context.CancelFunc
	mounts *registry
}

// Command returns the vmount sub-command "daemon-foreground".
func Command() *cobra.Command {
	return &cobra.Command{
		Use:    "daemon-foreground",
		Short:  "Launch the vmount daemon in the foreground (debug)",
		Args:   cobra.NoArgs,
		Hidden: true,
		Long:   help,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
}

// run is the main function when executing as the daemon.
func run(c context.Context) error {
	cfg, err := config.LoadConfig(c)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	c = config.WithConfig(c, cfg)
	env, err := config.LoadEnv(c)
	if err != nil {
		return err
	}

	c = dgroup.WithGoroutineName(c, "/"+ProcessName)
	c = log.MakeBaseLogger(c, cfg.LogLevels.Daemon.String())

	dlog.Info(c, "---")
	dlog.Infof(c, "vmount daemon %s starting...", version.Version)
	dlog.Infof(c, "PID is %d", os.Getpid())
	dlog.Info(c, "")

	rtDir, err := filelocation.AppUserRuntimeDir(c)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(rtDir, 0o700); err != nil {
		return err
	}

	// One daemon per runtime directory.
	lock := flock.New(filepath.Join(rtDir, ProcessName+".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return errors.Wrapf(err, "locking %s", lock.Path())
	}
	if !locked {
		return errors.Errorf("another vmount daemon owns %s", lock.Path())
	}
	defer func() {
		_ = lock.Unlock()
	}()

	keyDir, err := filelocation.AppUserConfigDir(c)
	if err != nil {
		return err
	}
	keys, err := sshkey.Load(c, keyDir)
	if err != nil {
		return err
	}

	mount.ServerExecutable = serverExecutable(env)
	dlog.Debugf(c, "mounts are served by %s", mount.ServerExecutable)

	socketName, err := SocketName(c)
	if err != nil {
		return err
	}
	// The listener must be opened before other tasks because the CLI client
	// will only wait for a short period of time for the socket to appear
	// before it gives up.
	listener, err := listenSocket(c, socketName)
	if err != nil {
		return err
	}
	defer func() {
		_ = removeSocket(listener)
	}()
	dlog.Debugf(c, "Listening on %s", socketName)

	s := &service{
		mounts: newRegistry(vm.NewProvider(cfg), keys, cfg.Timeouts.Get(config.TimeoutDaemonQuit)),
	}

	g := dgroup.NewGroup(c, dgroup.GroupConfig{
		// The soft shutdown window must outlast the graceful teardown of the
		// mounts, or the hard cancel kills their subprocesses mid-SIGTERM.
		SoftShutdownTimeout:  cfg.Timeouts.Get(config.TimeoutDaemonQuit) + 2*time.Second,
		EnableSignalHandling: true,
		ShutdownOnNonError:   true,
	})
	g.Go("mounts", s.manageMounts)
	g.Go("api", func(c context.Context) error { return s.serveAPI(c, listener) })
	err = g.Wait()
	if err != nil {
		dlog.Error(c, err)
	}
	return err
}

// manageMounts runs the registry. The quit endpoint cancels this runner's
// context; ShutdownOnNonError then takes the rest of the daemon down.
func (s *service) manageMounts(c context.Context) error {
	c, s.quit = context.WithCancel(c)
	return s.mounts.run(c)
}

// serverExecutable decides which vmount-server program mounts launch: the
// VMOUNT_SERVER_EXE override when given, a vmount-server installed next to
// the daemon's own binary when there is one, and otherwise the PATH.
func serverExecutable(env config.Env) string {
	if env.ServerExecutable != "" {
		return env.ServerExecutable
	}
	if exe, err := os.Executable(); err == nil {
		cand := filepath.Join(filepath.Dir(exe), "vmount-server")
		if _, err = os.Stat(cand); err == nil {
			return cand
		}
	}
	return mount.ServerExecutable
}
