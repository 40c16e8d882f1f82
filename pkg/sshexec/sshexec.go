// Package sshexec runs commands in an instance over SSH. It exposes the
// small surface the mount machinery needs: capture-style execution with exit
// codes that can be awaited under a deadline, and pipe-style execution whose
// stdio is bridged to an in-process protocol server.
package sshexec

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/datawire/dlib/dlog"
)

// ErrExitless reports that a remote command delivered no exit status within
// the allotted time. It is distinct from a non-zero exit: the command may
// still be running, or the channel may have closed without a status.
var ErrExitless = errors.New("remote command did not report an exit status in time")

// Session is an established SSH connection to an instance. Each Exec runs on
// its own channel, so one Session serves any number of commands.
type Session struct {
	client *ssh.Client
	addr   string
}

// Dial connects to the instance at host:port and authenticates as user with
// the given identity. Host keys are not tracked: instances are addressed
// directly by the user's own configuration, and their keys change whenever
// an instance is rebuilt.
func Dial(ctx context.Context, host string, port uint16, user string, signer ssh.Signer) (*Session, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	conf := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // see above
	}
	dlog.Debugf(ctx, "dialing %s as %s", addr, user)

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", addr)
	}
	if dl, ok := ctx.Deadline(); ok {
		// Bound the SSH handshake by the context too.
		_ = conn.SetDeadline(dl)
	}
	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, conf)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "establishing SSH connection to %s", addr)
	}
	_ = conn.SetDeadline(time.Time{})
	return &Session{client: ssh.NewClient(cc, chans, reqs), addr: addr}, nil
}

// Close terminates the connection and every command still running on it.
func (s *Session) Close() error {
	return s.client.Close()
}

// Addr returns the dialed "host:port" address.
func (s *Session) Addr() string {
	return s.addr
}

// Exec starts command on the instance, capturing its output. Classification
// of the outcome is left to the caller via the returned process's exit code.
func (s *Session) Exec(ctx context.Context, command string) (*RemoteProcess, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, errors.Wrapf(err, "opening channel on %s", s.addr)
	}
	p := &RemoteProcess{command: command, sess: sess, done: make(chan struct{})}
	sess.Stdout = &p.stdout
	sess.Stderr = &p.stderr
	dlog.Debugf(ctx, "exec %q on %s", command, s.addr)
	if err := sess.Start(command); err != nil {
		sess.Close()
		return nil, errors.Wrapf(err, "starting %q on %s", command, s.addr)
	}
	go func() {
		p.code, p.err = exitCode(sess.Wait())
		sess.Close()
		close(p.done)
	}()
	return p, nil
}

// RemoteProcess is one command running on the remote side of a Session.
type RemoteProcess struct {
	command string
	sess    *ssh.Session
	stdout  syncBuffer
	stderr  syncBuffer
	done    chan struct{}
	code    int
	err     error
}

// Wait blocks until the command delivers an exit status and returns it.
func (p *RemoteProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.code, p.err
	case <-ctx.Done():
		return -1, errors.Wrapf(ctx.Err(), "waiting for %q", p.command)
	}
}

// WaitTimeout is like Wait but gives up after d, returning an error matching
// ErrExitless when no exit status arrived. Callers that must tell "remote
// refused" from "remote hung" test for it with errors.Is.
func (p *RemoteProcess) WaitTimeout(ctx context.Context, d time.Duration) (int, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		return p.code, p.err
	case <-timer.C:
		return -1, errors.Wrapf(ErrExitless, "%q after %s", p.command, d)
	case <-ctx.Done():
		return -1, errors.Wrapf(ctx.Err(), "waiting for %q", p.command)
	}
}

// Stdout returns the standard output received so far.
func (p *RemoteProcess) Stdout() string {
	return p.stdout.String()
}

// Stderr returns the standard error received so far.
func (p *RemoteProcess) Stderr() string {
	return p.stderr.String()
}

// exitCode maps an ssh.Session.Wait result to an exit code. A missing exit
// status (channel closed without one) is a structural error, not an exit.
func exitCode(err error) (int, error) {
	switch err := err.(type) {
	case nil:
		return 0, nil
	case *ssh.ExitError:
		return err.ExitStatus(), nil
	case *ssh.ExitMissingError:
		return -1, errors.Wrap(ErrExitless, "channel closed")
	default:
		return -1, errors.Wrap(err, "remote command failed")
	}
}

// syncBuffer is a bytes.Buffer that tolerates reads concurrent with the SSH
// transport's writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ExecPipe starts command with its stdin and stdout exposed as a stream.
// The returned process implements io.ReadWriteCloser; Close tears the
// channel down, which the remote side observes as EOF.
func (s *Session) ExecPipe(ctx context.Context, command string) (*PipeProcess, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, errors.Wrapf(err, "opening channel on %s", s.addr)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, errors.Wrap(err, "attaching stdin")
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, errors.Wrap(err, "attaching stdout")
	}
	p := &PipeProcess{command: command, sess: sess, stdin: stdin, stdout: stdout, done: make(chan struct{})}
	sess.Stderr = &p.stderr
	dlog.Debugf(ctx, "exec (piped) %q on %s", command, s.addr)
	if err := sess.Start(command); err != nil {
		sess.Close()
		return nil, errors.Wrapf(err, "starting %q on %s", command, s.addr)
	}
	go func() {
		p.code, p.err = exitCode(sess.Wait())
		close(p.done)
	}()
	return p, nil
}

// PipeProcess is a remote command whose stdio carries a protocol rather than
// capturable output.
type PipeProcess struct {
	command string
	sess    *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  syncBuffer
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error

	code int
	err  error
}

func (p *PipeProcess) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

func (p *PipeProcess) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
}

// Close closes the remote command's stdin and the channel it runs on.
func (p *PipeProcess) Close() error {
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()
		p.closeErr = p.sess.Close()
	})
	return p.closeErr
}

// Done is closed once the remote command has finished.
func (p *PipeProcess) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the remote command delivers an exit status and returns it.
func (p *PipeProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.code, p.err
	case <-ctx.Done():
		return -1, errors.Wrapf(ctx.Err(), "waiting for %q", p.command)
	}
}

// Stderr returns the standard error received so far.
func (p *PipeProcess) Stderr() string {
	return p.stderr.String()
}
