package mount

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/dlib/dlog"

	"github.com/vmountio/vmount/pkg/log"
	"github.com/vmountio/vmount/pkg/sshexec"
)

// scriptedProc is a RemoteProc whose outcome is decided up front.
type scriptedProc struct {
	code     int
	err      error
	exitless bool
	stderr   string
}

func (p *scriptedProc) Wait(_ context.Context) (int, error) {
	return p.code, p.err
}

func (p *scriptedProc) WaitTimeout(_ context.Context, _ time.Duration) (int, error) {
	if p.exitless {
		return -1, errors.Wrap(sshexec.ErrExitless, "scripted")
	}
	return p.code, p.err
}

func (p *scriptedProc) Stderr() string {
	return p.stderr
}

// scriptedSession maps commands to outcomes and counts how often each one
// runs, so tests can assert on probe order and short-circuiting.
type scriptedSession struct {
	procs  map[string]*scriptedProc
	counts map[string]int
	closed bool
}

func newScriptedSession() *scriptedSession {
	return &scriptedSession{procs: map[string]*scriptedProc{}, counts: map[string]int{}}
}

func (s *scriptedSession) script(command string, p *scriptedProc) {
	s.procs[command] = p
}

// exit is shorthand for scripting a command that exits with the given code.
func (s *scriptedSession) exit(command string, code int) {
	s.script(command, &scriptedProc{code: code})
}

func (s *scriptedSession) Exec(_ context.Context, command string) (RemoteProc, error) {
	s.counts[command]++
	p, ok := s.procs[command]
	if !ok {
		return nil, errors.Errorf("unscripted command %q", command)
	}
	return p, nil
}

func (s *scriptedSession) Close() error {
	s.closed = true
	return nil
}

func captureContext(t *testing.T) (context.Context, *log.Capture) {
	t.Helper()
	capture := log.NewCapture()
	return dlog.WithLogger(context.Background(), capture), capture
}

func TestHasMountSupport_AlreadyInstalled(t *testing.T) {
	ctx, capture := captureContext(t)
	sess := newScriptedSession()
	sess.exit(probeSnapCmd, 0)
	sess.exit(probeInstalledCmd, 0)

	ready, err := hasMountSupport(ctx, "primary", sess)
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Equal(t, 0, sess.counts[probeClassicCmd], "classic probe must be skipped when the snap is installed")
	assert.True(t, capture.Contains(dlog.LogLevelDebug, "already installed on 'primary'"))
}

func TestHasMountSupport_Installable(t *testing.T) {
	ctx, _ := captureContext(t)
	sess := newScriptedSession()
	sess.exit(probeSnapCmd, 0)
	sess.exit(probeInstalledCmd, 1)
	sess.exit(probeClassicCmd, 0)

	ready, err := hasMountSupport(ctx, "primary", sess)
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestHasMountSupport_NoSnap(t *testing.T) {
	ctx, capture := captureContext(t)
	sess := newScriptedSession()
	sess.exit(probeSnapCmd, 1)

	_, err := hasMountSupport(ctx, "primary", sess)
	require.Error(t, err)
	assert.Equal(t, UnsupportedRemoteEnvironment, GetKind(err))
	assert.Contains(t, err.Error(), "Snap support needs to be installed in 'primary'")
	assert.Contains(t, err.Error(), "install `sshfs` manually")
	assert.Equal(t, 0, sess.counts[probeInstalledCmd], "later probes must be skipped once one fails")
	assert.True(t, capture.Contains(dlog.LogLevelWarn, "Snap support is not installed in 'primary'"))
}

func TestHasMountSupport_NoClassicConfinement(t *testing.T) {
	ctx, capture := captureContext(t)
	sess := newScriptedSession()
	sess.exit(probeSnapCmd, 0)
	sess.exit(probeInstalledCmd, 2)
	sess.exit(probeClassicCmd, 1)

	_, err := hasMountSupport(ctx, "primary", sess)
	require.Error(t, err)
	assert.Equal(t, UnsupportedRemoteEnvironment, GetKind(err))
	assert.Contains(t, err.Error(), "Classic snap support is not enabled for 'primary'!")
	assert.True(t, capture.Contains(dlog.LogLevelWarn, "Classic snap support symlink is needed in 'primary'"))
}

func TestHasMountSupport_SessionBroken(t *testing.T) {
	ctx, _ := captureContext(t)
	sess := newScriptedSession() // nothing scripted, Exec fails

	_, err := hasMountSupport(ctx, "primary", sess)
	require.Error(t, err)
	assert.Equal(t, ConnectionFailure, GetKind(err))
}

func TestInstallMountSupport(t *testing.T) {
	ctx, capture := captureContext(t)
	sess := newScriptedSession()
	sess.exit(installCmd, 0)

	require.NoError(t, installMountSupport(ctx, "primary", sess, time.Minute))
	assert.Equal(t, 1, sess.counts[installCmd])
	assert.True(t, capture.Contains(dlog.LogLevelInfo, "Installing the vmount-sshfs snap in 'primary'"))
}

func TestInstallMountSupport_InstallFails(t *testing.T) {
	ctx, capture := captureContext(t)
	sess := newScriptedSession()
	sess.script(installCmd, &scriptedProc{code: 1, stderr: "error: snap \"vmount-sshfs\" not found\n"})

	err := installMountSupport(ctx, "primary", sess, time.Minute)
	require.Error(t, err)
	assert.Equal(t, MountSupportMissing, GetKind(err))
	assert.True(t, capture.Contains(dlog.LogLevelWarn, `Failed to install 'vmount-sshfs': error: snap "vmount-sshfs" not found`))
}

func TestInstallMountSupport_Exitless(t *testing.T) {
	ctx, capture := captureContext(t)
	sess := newScriptedSession()
	sess.script(installCmd, &scriptedProc{exitless: true})

	err := installMountSupport(ctx, "primary", sess, 10*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, MountSupportMissing, GetKind(err), "an exitless install must classify like a failed one")
	assert.True(t, capture.Contains(dlog.LogLevelInfo, "Timeout while installing 'vmount-sshfs' in 'primary'"))
}
