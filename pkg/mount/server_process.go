package mount

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec" //nolint:depguard // only for the ExitError type; processes run under dexec
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/datawire/dlib/dexec"
)

// Contract with the vmount-server subprocess. The handler treats the process
// as opaque; these are the only signals it interprets.
const (
	// readyToken is printed to stdout by vmount-server once the mount is
	// serving. Producing side: server.ReadyToken.
	readyToken = "Connected"
	// missingSupportExitCode is returned by vmount-server when the instance
	// turns out to have no sshfs after all. Producing side:
	// server.MissingSupportExitCode.
	missingSupportExitCode = 9
	// serverKeyEnv carries the base64 PEM private key to the subprocess so
	// that it never appears on a command line.
	serverKeyEnv = "VMOUNT_SERVER_KEY"
)

// ServerExecutable is the program launched for each mount. The daemon
// redirects it when VMOUNT_SERVER_EXE is set; tests point it at a scripted
// helper. An unqualified name resolves through the PATH.
var ServerExecutable = "vmount-server" //nolint:gochecknoglobals // deployment-specific replacement

// ServerProcess supervises one running vmount-server subprocess.
type ServerProcess struct {
	instance string
	target   string
	cmd      *dexec.Cmd
	watcher  *tokenWatcher
	stderr   memWriter
	done     chan struct{}
	exit     ExitState // valid once done is closed
}

// Launch starts one vmount-server for conf. The process is bound to ctx:
// cancelling it kills the process, which observers see as the exit event.
func Launch(ctx context.Context, conf *ServerConfig) (*ServerProcess, error) {
	cmd := dexec.CommandContext(ctx, ServerExecutable, serverArgs(conf)...)
	p := &ServerProcess{
		instance: conf.Instance,
		target:   conf.Target,
		cmd:      cmd,
		watcher:  newTokenWatcher(),
		done:     make(chan struct{}),
	}
	cmd.Stdout = p.watcher
	cmd.Stderr = &p.stderr
	cmd.Env = append(os.Environ(), serverKeyEnv+"="+base64.StdEncoding.EncodeToString(conf.PrivateKeyPEM))
	if err := cmd.Start(); err != nil {
		return nil, SubprocessFailure.New(errors.Wrapf(err, "starting %s for %q in instance '%s'",
			ServerExecutable, conf.Target, conf.Instance))
	}
	go func() {
		p.exit = exitStateOf(cmd.Wait())
		close(p.done)
	}()
	return p, nil
}

func serverArgs(conf *ServerConfig) []string {
	args := []string{
		"--host", conf.Host,
		"--port", strconv.Itoa(int(conf.Port)),
		"--user", conf.Username,
		"--instance", conf.Instance,
		"--source", conf.Source,
		"--target", conf.Target,
	}
	for _, m := range conf.UIDMap {
		args = append(args, "--uid-map", m.String())
	}
	for _, m := range conf.GIDMap {
		args = append(args, "--gid-map", m.String())
	}
	return args
}

// AwaitReady blocks until the readiness token has appeared on the process's
// stdout or the process has exited, whichever comes first. It has no timeout
// of its own; the launch context bounds the process's lifetime, so
// cancellation arrives here as the exit event. Callers must consult State
// afterwards: an exit that raced the token still counts as an exit.
func (p *ServerProcess) AwaitReady() {
	select {
	case <-p.watcher.found:
	case <-p.done:
	}
}

// State returns the process's exit state. ok is false while it still runs.
func (p *ServerProcess) State() (state ExitState, ok bool) {
	select {
	case <-p.done:
		return p.exit, true
	default:
		return ExitState{}, false
	}
}

// Done is closed once the process has exited.
func (p *ServerProcess) Done() <-chan struct{} {
	return p.done
}

// Stderr returns the standard error captured so far.
func (p *ServerProcess) Stderr() string {
	return p.stderr.String()
}

// Terminate asks the process to exit with SIGTERM and waits up to wait for
// it to oblige. Terminating an already-exited process is a no-op. On timeout
// the process is left running with the launch context as its backstop, and
// the returned error carries the stderr captured so far.
func (p *ServerProcess) Terminate(ctx context.Context, wait time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(unix.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return SubprocessFailure.New(errors.Wrapf(err, "terminating mount process for %q in instance '%s'",
			p.target, p.instance))
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		return TerminationTimeout.Newf("failed to terminate mount process for %q in instance '%s': %s",
			p.target, p.instance, p.Stderr())
	case <-ctx.Done():
		return TerminationTimeout.Newf("awaiting termination of mount process for %q in instance '%s': %v",
			p.target, p.instance, ctx.Err())
	}
}

// exitStateOf interprets the outcome of Cmd.Wait. A non-zero exit is a
// normal, classifiable outcome; anything without an exit code is structural.
func exitStateOf(err error) ExitState {
	if err == nil {
		return ExitState{Code: 0}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() >= 0 {
		return ExitState{Code: ee.ExitCode(), Failure: fmt.Sprintf("process returned exit code %d", ee.ExitCode())}
	}
	return ExitState{Code: -1, Errored: true, Failure: err.Error()}
}

// tokenWatcher scans a process's accumulated stdout for the readiness token,
// which may arrive split across any number of writes.
type tokenWatcher struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	seen  bool
	found chan struct{}
}

func newTokenWatcher() *tokenWatcher {
	return &tokenWatcher{found: make(chan struct{})}
}

func (w *tokenWatcher) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	if !w.seen && bytes.Contains(w.buf.Bytes(), []byte(readyToken)) {
		w.seen = true
		close(w.found)
	}
	return len(p), nil
}

// memWriter retains everything written to it, tolerating reads concurrent
// with the process's writes.
type memWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *memWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
