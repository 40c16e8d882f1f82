package server

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/dlib/dlog"

	"github.com/vmountio/vmount/pkg/idmap"
)

func TestSSHFSCommand(t *testing.T) {
	conf := &Config{Source: "/home/me/shared", Target: "/shared"}
	assert.Equal(t,
		"sudo sshfs -o slave -o transform_symlinks -o allow_other :/home/me/shared /shared",
		sshfsCommand(conf))

	conf = &Config{Source: "/home/me/my shared", Target: "/shared; rm -rf /"}
	assert.Equal(t,
		`sudo sshfs -o slave -o transform_symlinks -o allow_other :'/home/me/my shared' '/shared; rm -rf /'`,
		sshfsCommand(conf))
}

func TestOwnerIDs(t *testing.T) {
	ids := remoteIDs{uid: 1000, gid: 1002}

	uid, gid := (&Config{}).ownerIDs(ids)
	assert.Equal(t, 1000, uid)
	assert.Equal(t, 1002, gid)

	conf := &Config{
		UIDMap: idmap.Table{{Host: 501, Instance: 1234}, {Host: 502, Instance: 4}},
		GIDMap: idmap.Table{{Host: 20, Instance: idmap.Default}},
	}
	uid, gid = conf.ownerIDs(ids)
	assert.Equal(t, 1234, uid, "the first mapping owns the target")
	assert.Equal(t, 1002, gid, "a default mapping owns it as the remote default")
}

type fakeSlave struct {
	net.Conn
	code   int
	stderr string
}

func (f *fakeSlave) Wait(context.Context) (int, error) { return f.code, nil }

func (f *fakeSlave) Stderr() string { return f.stderr }

func TestServe_ReadyThenCleanShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(dlog.NewTestContext(t, false))
	local, remote := net.Pipe()
	defer remote.Close()

	out := &bytes.Buffer{}
	done := make(chan error, 1)
	r := newRoot(t.TempDir(), nil, nil, remoteIDs{uid: 1000, gid: 1000})
	go func() { done <- serve(ctx, &fakeSlave{Conn: local}, r, out) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	require.NoError(t, <-done, "a context shutdown is a clean exit")
	assert.Equal(t, ReadyToken+"\n", out.String())
}

func TestServe_SlaveDies(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	local, remote := net.Pipe()

	out := &bytes.Buffer{}
	slave := &fakeSlave{Conn: local, code: 1, stderr: "fuse: bad mount point\n"}
	done := make(chan error, 1)
	r := newRoot(t.TempDir(), nil, nil, remoteIDs{uid: 1000, gid: 1000})
	go func() { done <- serve(ctx, slave, r, out) }()

	time.Sleep(50 * time.Millisecond)
	remote.Close()
	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 1")
	assert.Contains(t, err.Error(), "fuse: bad mount point")
	assert.Equal(t, ReadyToken+"\n", out.String(), "readiness was already announced")
}

func TestServe_SlaveCleanEOF(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	local, remote := net.Pipe()

	out := &bytes.Buffer{}
	done := make(chan error, 1)
	r := newRoot(t.TempDir(), nil, nil, remoteIDs{uid: 1000, gid: 1000})
	go func() { done <- serve(ctx, &fakeSlave{Conn: local}, r, out) }()

	time.Sleep(50 * time.Millisecond)
	remote.Close()
	assert.NoError(t, <-done, "a slave that exits 0 ends the mount cleanly")
}
