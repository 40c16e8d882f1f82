package mount

import (
	"context"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/vmountio/vmount/pkg/idmap"
)

// Spec describes one directory shared from the host into an instance. It is
// owned by the caller and immutable for the lifetime of any Handler that
// references it.
type Spec struct {
	// Source is the directory on the host.
	Source string
	// Target is where the directory appears in the instance.
	Target string
	// UIDMap and GIDMap translate numeric ids between host and instance,
	// first match wins.
	UIDMap idmap.Table
	GIDMap idmap.Table
}

// ServerConfig is everything one vmount-server subprocess needs to serve one
// mount. It is handed to Launch once and not mutated afterwards; the private
// key travels through the subprocess environment, never on the command line.
type ServerConfig struct {
	Host          string
	Port          uint16
	Username      string
	Instance      string
	PrivateKeyPEM []byte
	Source        string
	Target        string
	UIDMap        idmap.Table
	GIDMap        idmap.Table
}

// ExitState is the captured fate of a vmount-server subprocess. It is valid
// once the process has been observed to exit (or to fail structurally).
type ExitState struct {
	// Code is the exit code, or -1 when the process never delivered one.
	Code int
	// Errored is set when the process failed without exiting normally:
	// it could not be started, was signalled, or its wait failed.
	Errored bool
	// Failure is a human-readable description, empty on a clean exit.
	Failure string
}

// Success reports whether the process ran and exited with code 0.
func (s ExitState) Success() bool {
	return !s.Errored && s.Code == 0
}

// Machine identifies the instance that receives a mount. pkg/vm provides the
// production implementation; its address resolution is lazy because an
// instance may not be routable until it has finished booting.
type Machine interface {
	Name() string
	SSHHostname(ctx context.Context) (string, error)
	SSHPort() uint16
	SSHUsername() string
}

// KeyProvider supplies the SSH identity used both for provisioning sessions
// and by the vmount-server subprocess. pkg/sshkey provides the production
// implementation.
type KeyProvider interface {
	Signer() ssh.Signer
	PrivateKeyPEM() []byte
}

// Session is the established remote-shell connection used to probe and
// provision mount support. pkg/sshexec provides the production
// implementation; tests substitute scripted fakes.
type Session interface {
	Exec(ctx context.Context, command string) (RemoteProc, error)
	Close() error
}

// RemoteProc is one command running on the remote side of a Session.
// Classification of probe outcomes is strictly by exit code.
type RemoteProc interface {
	// Wait blocks until the command exits and returns its exit code.
	Wait(ctx context.Context) (int, error)
	// WaitTimeout is like Wait but gives up after d with an error matching
	// sshexec.ErrExitless when no exit status arrived in time.
	WaitTimeout(ctx context.Context, d time.Duration) (int, error)
	// Stderr returns the standard error received so far.
	Stderr() string
}

// DialFunc opens a Session to an instance.
type DialFunc func(ctx context.Context, host string, port uint16, user string, signer ssh.Signer) (Session, error)
