package mount

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/datawire/dlib/dlog"
	"github.com/vmountio/vmount/pkg/sshexec"
)

// Commands issued by the prober and the installer. Outcomes are classified
// strictly by exit code; captured output serves diagnostics only.
const (
	probeSnapCmd      = "which snap"
	probeInstalledCmd = "sudo snap list vmount-sshfs"
	probeClassicCmd   = "[ -e /snap ]"
	installCmd        = "sudo snap install vmount-sshfs"
)

// hasMountSupport reports whether the vmount-sshfs snap is installed in the
// instance. false with a nil error means the snap is installable there; an
// instance where it never will be yields UnsupportedRemoteEnvironment.
func hasMountSupport(ctx context.Context, instance string, sess Session) (bool, error) {
	code, err := run(ctx, instance, sess, probeSnapCmd)
	if err != nil {
		return false, err
	}
	if code != 0 {
		dlog.Warnf(ctx, "Snap support is not installed in '%s'", instance)
		return false, UnsupportedRemoteEnvironment.Newf(
			"Snap support needs to be installed in '%s' in order to support mounts.\n"+
				"Please see https://docs.snapcraft.io/installing-snapd for information on\n"+
				"how to install snap support for your instance's distribution.\n\n"+
				"If your distribution's instructions specify enabling classic snap support,\n"+
				"please do that as well.\n\n"+
				"Alternatively, install `sshfs` manually inside the instance.",
			instance)
	}

	code, err = run(ctx, instance, sess, probeInstalledCmd)
	if err != nil {
		return false, err
	}
	if code == 0 {
		dlog.Debugf(ctx, "The vmount-sshfs snap is already installed on '%s'", instance)
		return true, nil
	}

	code, err = run(ctx, instance, sess, probeClassicCmd)
	if err != nil {
		return false, err
	}
	if code != 0 {
		dlog.Warnf(ctx, "Classic snap support symlink is needed in '%s'", instance)
		return false, UnsupportedRemoteEnvironment.Newf(
			"Classic snap support is not enabled for '%s'!\n\n"+
				"Please see https://docs.snapcraft.io/installing-snapd for information on\n"+
				"how to enable classic snap support for your instance's distribution.",
			instance)
	}
	return false, nil
}

// installMountSupport installs the vmount-sshfs snap, waiting at most timeout
// for an exit code. A non-zero exit and an exitless timeout both mean the
// instance ends up without mount support.
func installMountSupport(ctx context.Context, instance string, sess Session, timeout time.Duration) error {
	dlog.Infof(ctx, "Installing the vmount-sshfs snap in '%s'", instance)
	proc, err := sess.Exec(ctx, installCmd)
	if err != nil {
		return ConnectionFailure.New(errors.Wrapf(err, "installing mount support in '%s'", instance))
	}
	code, err := proc.WaitTimeout(ctx, timeout)
	switch {
	case errors.Is(err, sshexec.ErrExitless):
		dlog.Infof(ctx, "Timeout while installing 'vmount-sshfs' in '%s'", instance)
		return MountSupportMissing.Newf("mount support could not be installed in '%s'", instance)
	case err != nil:
		return ConnectionFailure.New(errors.Wrapf(err, "installing mount support in '%s'", instance))
	case code != 0:
		dlog.Warnf(ctx, "Failed to install 'vmount-sshfs': %s", strings.TrimRight(proc.Stderr(), " \t\r\n"))
		return MountSupportMissing.Newf("mount support could not be installed in '%s'", instance)
	}
	return nil
}

// run executes command on sess and waits for its exit code. A failure here is
// the session itself breaking, not the command failing.
func run(ctx context.Context, instance string, sess Session, command string) (int, error) {
	proc, err := sess.Exec(ctx, command)
	if err != nil {
		return -1, ConnectionFailure.New(errors.Wrapf(err, "probing '%s'", instance))
	}
	code, err := proc.Wait(ctx)
	if err != nil {
		return -1, ConnectionFailure.New(errors.Wrapf(err, "probing '%s'", instance))
	}
	return code, nil
}
