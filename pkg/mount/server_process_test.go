package mount

import (
	"context"
	"encoding/base64"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/dlib/dlog"

	"github.com/vmountio/vmount/pkg/idmap"
)

func TestMain(m *testing.M) {
	f, err := os.CreateTemp("", "fakeserver")
	if err != nil {
		panic(err)
	}
	fakeServer := f.Name()
	f.Close()
	if err = exec.Command("go", "build", "-o", fakeServer, "./testdata/fakeserver").Run(); err != nil {
		panic(err)
	}
	ServerExecutable = fakeServer
	defer os.Remove(fakeServer)
	m.Run()
}

func testConfig() *ServerConfig {
	return &ServerConfig{
		Host:          "192.168.64.2",
		Port:          22,
		Username:      "ubuntu",
		Instance:      "primary",
		PrivateKeyPEM: []byte("not really a key"),
		Source:        "/home/me/shared",
		Target:        "/shared",
	}
}

func launchContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(dlog.NewTestContext(t, false))
	t.Cleanup(cancel)
	return ctx
}

func TestLaunch_ReadyThenRunning(t *testing.T) {
	ctx := launchContext(t)
	t.Setenv("FAKESERVER_STDOUT", "Connected\n")

	p, err := Launch(ctx, testConfig())
	require.NoError(t, err)
	p.AwaitReady()
	_, exited := p.State()
	assert.False(t, exited, "the server must still be serving after the token")
	assert.NoError(t, p.Terminate(ctx, 5*time.Second))
}

func TestLaunch_TokenStraddlesWrites(t *testing.T) {
	ctx := launchContext(t)
	t.Setenv("FAKESERVER_STDOUT", "Conn|ected\n")

	p, err := Launch(ctx, testConfig())
	require.NoError(t, err)
	p.AwaitReady()
	_, exited := p.State()
	assert.False(t, exited, "a token split across writes must still be recognized")
	assert.NoError(t, p.Terminate(ctx, 5*time.Second))
}

func TestLaunch_ExitBeforeToken(t *testing.T) {
	ctx := launchContext(t)
	t.Setenv("FAKESERVER_EXIT", "3")
	t.Setenv("FAKESERVER_STDERR", "cannot mount: no such directory")

	p, err := Launch(ctx, testConfig())
	require.NoError(t, err)
	p.AwaitReady()
	state, exited := p.State()
	require.True(t, exited)
	assert.Equal(t, 3, state.Code)
	assert.False(t, state.Errored)
	assert.Equal(t, "cannot mount: no such directory", p.Stderr())
}

func TestLaunch_MissingSupportSentinel(t *testing.T) {
	ctx := launchContext(t)
	t.Setenv("FAKESERVER_EXIT", "9")

	p, err := Launch(ctx, testConfig())
	require.NoError(t, err)
	p.AwaitReady()
	state, exited := p.State()
	require.True(t, exited)
	assert.Equal(t, missingSupportExitCode, state.Code)
}

func TestLaunch_CleanExitBeforeToken(t *testing.T) {
	ctx := launchContext(t)
	t.Setenv("FAKESERVER_EXIT", "0")

	p, err := Launch(ctx, testConfig())
	require.NoError(t, err)
	p.AwaitReady()
	state, exited := p.State()
	require.True(t, exited, "an exit must unblock the wait even with code 0")
	assert.True(t, state.Success())
}

func TestLaunch_KeyTravelsInEnvironment(t *testing.T) {
	ctx := launchContext(t)
	t.Setenv("FAKESERVER_ECHO_KEY", "1")
	t.Setenv("FAKESERVER_EXIT", "7")

	conf := testConfig()
	p, err := Launch(ctx, conf)
	require.NoError(t, err)
	<-p.Done()
	assert.Equal(t, base64.StdEncoding.EncodeToString(conf.PrivateKeyPEM), p.Stderr())
}

func TestLaunch_MissingExecutable(t *testing.T) {
	ctx := launchContext(t)
	saved := ServerExecutable
	ServerExecutable = "/no/such/vmount-server"
	defer func() { ServerExecutable = saved }()

	_, err := Launch(ctx, testConfig())
	require.Error(t, err)
	assert.Equal(t, SubprocessFailure, GetKind(err))
}

func TestTerminate_Timeout(t *testing.T) {
	ctx := launchContext(t)
	t.Setenv("FAKESERVER_STDOUT", "Connected\n")
	t.Setenv("FAKESERVER_STDERR", "refusing to die")
	t.Setenv("FAKESERVER_IGNORE_TERM", "1")

	p, err := Launch(ctx, testConfig())
	require.NoError(t, err)
	p.AwaitReady()

	err = p.Terminate(ctx, 200*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, TerminationTimeout, GetKind(err))
	assert.Contains(t, err.Error(), "refusing to die", "the captured stderr must travel with the error")
	_, exited := p.State()
	assert.False(t, exited, "after a timeout the process is left running until the launch context ends it")
}

func TestTerminate_AfterExit(t *testing.T) {
	ctx := launchContext(t)
	t.Setenv("FAKESERVER_EXIT", "0")

	p, err := Launch(ctx, testConfig())
	require.NoError(t, err)
	<-p.Done()
	assert.NoError(t, p.Terminate(ctx, time.Second), "terminating an exited process is a no-op")
}

func TestServerArgs(t *testing.T) {
	conf := testConfig()
	conf.UIDMap = idmap.Table{{Host: 1000, Instance: idmap.Default}}
	conf.GIDMap = idmap.Table{{Host: 1000, Instance: 1001}, {Host: 500, Instance: 500}}
	assert.Equal(t, []string{
		"--host", "192.168.64.2",
		"--port", "22",
		"--user", "ubuntu",
		"--instance", "primary",
		"--source", "/home/me/shared",
		"--target", "/shared",
		"--uid-map", "1000:default",
		"--gid-map", "1000:1001",
		"--gid-map", "500:500",
	}, serverArgs(conf))
}
