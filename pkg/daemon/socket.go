package daemon

import (
	"context"
	"net"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/vmountio/vmount/pkg/config"
	"github.com/vmountio/vmount/pkg/filelocation"
)

const socketBase = "daemon.socket"

// SocketName returns the path of the daemon's API socket: VMOUNT_SOCKET when
// set, otherwise daemon.socket in the user's vmount runtime directory.
func SocketName(ctx context.Context) (string, error) {
	env, err := config.LoadEnv(ctx)
	if err != nil {
		return "", err
	}
	if env.Socket != "" {
		return env.Socket, nil
	}
	dir, err := filelocation.AppUserRuntimeDir(ctx)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, socketBase), nil
}

func listenSocket(_ context.Context, socketName string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketName), 0o700); err != nil {
		return nil, err
	}
	listener, err := net.Listen("unix", socketName)
	if err != nil {
		if errors.Is(err, unix.EADDRINUSE) {
			err = errors.Errorf("socket %q exists so the daemon is either already running or terminated ungracefully", socketName)
		}
		return nil, err
	}
	// Don't have dhttp.ServerConfig.Serve unlink the socket; defer unlinking
	// the socket until the process exits.
	listener.(*net.UnixListener).SetUnlinkOnClose(false)
	return listener, nil
}

func removeSocket(listener net.Listener) error {
	return os.Remove(listener.Addr().String())
}

// dialSocket connects to the daemon's socket, adding some vmount-specific
// commentary on what specific common errors mean.
func dialSocket(ctx context.Context, socketName string) (net.Conn, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", socketName)
	if err != nil {
		switch {
		case errors.Is(err, unix.ECONNREFUSED):
			err = errors.Wrap(err, "this usually means that the daemon has terminated ungracefully")
		case errors.Is(err, os.ErrNotExist):
			err = errors.Wrap(err, "this usually means that the daemon is not running")
		}
		return nil, err
	}
	return conn, nil
}

// socketExists returns true if a socket is found at the given path.
func socketExists(path string) (bool, error) {
	s, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			err = nil
		}
		return false, err
	}
	if s.Mode()&os.ModeSocket == 0 {
		return false, errors.Errorf("%q is not a socket", path)
	}
	return true, nil
}
