// Package mount starts and stops directory mounts between the host and an
// instance. A Handler owns one mount: it provisions sshfs support inside the
// instance over SSH, installing it when possible, then supervises the
// vmount-server subprocess that serves the host directory for as long as the
// mount lives.
package mount

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/datawire/dlib/dlog"
)

// State of a Handler. Transitions only move forward, except that a stop
// retry may run from StateStopping again.
type State int

const (
	StateConstructed = State(iota)
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state-%d", int(s))
	}
}

// stopWait is how long Stop waits for the subprocess to honor SIGTERM.
const stopWait = 5000 * time.Millisecond

// Handler drives the lifecycle of one mount. A single logical task must own
// Start and Stop; the subprocess and its I/O run concurrently underneath.
type Handler struct {
	machine Machine
	keys    KeyProvider
	spec    *Spec
	dial    DialFunc

	mu       sync.Mutex
	state    State
	server   *ServerProcess
	stopWait time.Duration
}

// New creates a Handler that will mount spec into machine. Nothing remote
// happens until Start.
func New(ctx context.Context, machine Machine, keys KeyProvider, spec *Spec) *Handler {
	dlog.Infof(ctx, "initializing mount %s => %s in '%s'", spec.Source, spec.Target, machine.Name())
	return &Handler{
		machine:  machine,
		keys:     keys,
		spec:     spec,
		dial:     DialSSH,
		stopWait: stopWait,
	}
}

// Instance returns the name of the instance the mount lives in.
func (h *Handler) Instance() string {
	return h.machine.Name()
}

// Spec returns the mount's immutable specification.
func (h *Handler) Spec() *Spec {
	return h.spec
}

// State returns the handler's current lifecycle state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Start provisions mount support in the instance when needed, launches the
// vmount-server subprocess, and blocks until the mount is serving or has
// failed. installTimeout bounds only the support installation step; the wait
// for readiness is bounded by ctx, which also caps the subprocess lifetime.
// sink may be nil. A handler starts at most once.
func (h *Handler) Start(ctx context.Context, sink ProgressSink, installTimeout time.Duration) error {
	h.mu.Lock()
	if h.state != StateConstructed {
		h.mu.Unlock()
		return errors.Errorf("start of mount %q in instance '%s' rejected in state %s",
			h.spec.Target, h.machine.Name(), h.state)
	}
	h.state = StateStarting
	h.mu.Unlock()

	server, err := h.start(ctx, sink, installTimeout)
	h.mu.Lock()
	if err != nil {
		// Nothing is left to stop: failures before launch never had a
		// process, and failures after launch mean it already exited.
		h.state = StateStopped
	} else {
		h.server = server
		h.state = StateRunning
	}
	h.mu.Unlock()
	return err
}

func (h *Handler) start(ctx context.Context, sink ProgressSink, installTimeout time.Duration) (*ServerProcess, error) {
	name := h.machine.Name()

	// The instance has no routable address until it is running, so this
	// cannot happen any earlier than Start.
	host, err := h.machine.SSHHostname(ctx)
	if err != nil {
		return nil, ConnectionFailure.New(errors.Wrapf(err, "resolving instance '%s'", name))
	}
	sess, err := h.dial(ctx, host, h.machine.SSHPort(), h.machine.SSHUsername(), h.keys.Signer())
	if err != nil {
		return nil, ConnectionFailure.New(errors.Wrapf(err, "connecting to instance '%s'", name))
	}
	defer sess.Close()

	ready, err := hasMountSupport(ctx, name, sess)
	if err != nil {
		return nil, err
	}
	if !ready {
		sink.Notify("Enabling support for mounting")
		if err = installMountSupport(ctx, name, sess, installTimeout); err != nil {
			return nil, err
		}
	}

	server, err := Launch(ctx, &ServerConfig{
		Host:          host,
		Port:          h.machine.SSHPort(),
		Username:      h.machine.SSHUsername(),
		Instance:      name,
		PrivateKeyPEM: h.keys.PrivateKeyPEM(),
		Source:        h.spec.Source,
		Target:        h.spec.Target,
		UIDMap:        h.spec.UIDMap,
		GIDMap:        h.spec.GIDMap,
	})
	if err != nil {
		return nil, err
	}
	h.observe(ctx, server)

	server.AwaitReady()
	if state, exited := server.State(); exited {
		if state.Code == missingSupportExitCode {
			return nil, MountSupportMissing.Newf("mount support is missing in instance '%s'", name)
		}
		return nil, SubprocessFailure.Newf("mount %q in instance '%s': %s: %s",
			h.spec.Target, name, state.Failure, server.Stderr())
	}
	return server, nil
}

// observe logs the server's fate once it exits. Logging is the only effect;
// classification of an exit that precedes readiness happens in Start.
func (h *Handler) observe(ctx context.Context, server *ServerProcess) {
	go func() {
		<-server.Done()
		state, _ := server.State()
		switch {
		case state.Success():
			dlog.Infof(ctx, "Mount %q in instance '%s' has stopped", h.spec.Target, h.machine.Name())
		case state.Errored:
			dlog.Errorf(ctx, "There was an error with vmount-server for instance '%s' with path %q: %s",
				h.machine.Name(), h.spec.Target, state.Failure)
		default:
			// not an error, a failed exit can just mean mount support
			// needs installing in the instance
			dlog.Warnf(ctx, "Mount %q in instance '%s' has stopped unsuccessfully: %s",
				h.spec.Target, h.machine.Name(), state.Failure)
		}
	}()
}

// Stop terminates the mount's subprocess, waiting up to the fixed deadline
// for it to exit. Stopping a handler that never reached Running, or stopping
// again after a successful Stop, is a no-op.
func (h *Handler) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.state == StateStarting {
		h.mu.Unlock()
		return errors.Errorf("stop of mount %q in instance '%s' rejected in state %s",
			h.spec.Target, h.machine.Name(), StateStarting)
	}
	if h.state == StateStopped || h.server == nil {
		h.state = StateStopped
		h.mu.Unlock()
		return nil
	}
	h.state = StateStopping
	server := h.server
	h.mu.Unlock()

	dlog.Infof(ctx, "Stopping mount %q in instance '%s'", h.spec.Target, h.machine.Name())
	if err := server.Terminate(ctx, h.stopWait); err != nil {
		return err
	}
	h.mu.Lock()
	h.state = StateStopped
	h.mu.Unlock()
	return nil
}

// Close discards the handler, attempting a best-effort Stop whose failure is
// logged and never propagated, so that teardown paths can always run it.
func (h *Handler) Close(ctx context.Context) {
	if err := h.Stop(ctx); err != nil {
		dlog.Warnf(ctx, "Failed to gracefully stop mount %q in instance '%s': %v",
			h.spec.Target, h.machine.Name(), err)
	}
}
