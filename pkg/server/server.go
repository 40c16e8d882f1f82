// Package server implements vmount-server, the per-mount helper process. It
// attaches an sshfs slave inside the instance over SSH and serves the host
// source directory to it over SFTP on the SSH channel's stdio, translating
// file ownership between host and instance ids.
package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/datawire/dlib/dlog"

	"github.com/vmountio/vmount/pkg/idmap"
	"github.com/vmountio/vmount/pkg/shellquote"
	"github.com/vmountio/vmount/pkg/sshexec"
)

// ReadyToken is printed to stdout once the mount is attached and serving.
// Consuming side: the readiness watcher in pkg/mount.
const ReadyToken = "Connected"

// MissingSupportExitCode is the exit code that reports ErrSSHFSMissing to
// the process supervising this one. Consuming side: the exit classification
// in pkg/mount.
const MissingSupportExitCode = 9

// ErrSSHFSMissing reports that the instance has no sshfs. The probe in
// pkg/mount normally prevents this, but support can disappear between that
// probe and this process's own check.
var ErrSSHFSMissing = errors.New("sshfs is not installed in the instance")

// Config is everything vmount-server needs to serve one mount. It arrives on
// the command line, except Key which arrives base64-encoded in the
// VMOUNT_SERVER_KEY environment variable.
type Config struct {
	Host     string
	Port     uint16
	User     string
	Instance string
	Key      []byte
	Source   string
	Target   string
	UIDMap   idmap.Table
	GIDMap   idmap.Table
}

// remoteIDs are the instance-side identities that anchor the mapping tables:
// "default" entries resolve to these.
type remoteIDs struct {
	uid int
	gid int
}

// Run executes one mount: it provisions the target directory in the
// instance, attaches the sshfs slave, and serves the source directory to it
// until ctx is done or the remote side goes away.
func Run(ctx context.Context, conf *Config) error {
	source, err := filepath.Abs(conf.Source)
	if err != nil {
		return errors.Wrapf(err, "source %q", conf.Source)
	}
	if fi, err := os.Stat(source); err != nil {
		return errors.Wrapf(err, "source %q", conf.Source)
	} else if !fi.IsDir() {
		return errors.Errorf("source %q is not a directory", conf.Source)
	}
	conf.Source = source

	signer, err := ssh.ParsePrivateKey(conf.Key)
	if err != nil {
		return errors.Wrap(err, "parsing private key")
	}
	sess, err := sshexec.Dial(ctx, conf.Host, conf.Port, conf.User, signer)
	if err != nil {
		return err
	}
	defer sess.Close()

	ids, err := prepare(ctx, sess, conf)
	if err != nil {
		return err
	}
	pipe, err := sess.ExecPipe(ctx, sshfsCommand(conf))
	if err != nil {
		return err
	}
	return serve(ctx, pipe, newRoot(conf.Source, conf.UIDMap, conf.GIDMap, ids), os.Stdout)
}

// prepare verifies that the instance can attach an sshfs slave and creates
// the target directory for it.
func prepare(ctx context.Context, sess *sshexec.Session, conf *Config) (remoteIDs, error) {
	proc, err := sess.Exec(ctx, "which sshfs")
	if err != nil {
		return remoteIDs{}, err
	}
	if code, err := proc.Wait(ctx); err != nil {
		return remoteIDs{}, err
	} else if code != 0 {
		return remoteIDs{}, ErrSSHFSMissing
	}

	uid, err := remoteID(ctx, sess, "id -u")
	if err != nil {
		return remoteIDs{}, err
	}
	gid, err := remoteID(ctx, sess, "id -g")
	if err != nil {
		return remoteIDs{}, err
	}
	ids := remoteIDs{uid: uid, gid: gid}

	target := shellquote.Quote(conf.Target)
	if _, err = output(ctx, sess, "sudo mkdir -p "+target); err != nil {
		return remoteIDs{}, errors.Wrapf(err, "creating %q in '%s'", conf.Target, conf.Instance)
	}
	ownerUID, ownerGID := conf.ownerIDs(ids)
	if _, err = output(ctx, sess, fmt.Sprintf("sudo chown %d:%d %s", ownerUID, ownerGID, target)); err != nil {
		return remoteIDs{}, errors.Wrapf(err, "owning %q in '%s'", conf.Target, conf.Instance)
	}
	dlog.Debugf(ctx, "target %s prepared, owner %d:%d", conf.Target, ownerUID, ownerGID)
	return ids, nil
}

// ownerIDs picks the instance-side owner for the target directory: the first
// mapping when one names a concrete id, the remote defaults otherwise.
func (c *Config) ownerIDs(ids remoteIDs) (int, int) {
	uid, gid := ids.uid, ids.gid
	if len(c.UIDMap) > 0 && c.UIDMap[0].Instance != idmap.Default {
		uid = c.UIDMap[0].Instance
	}
	if len(c.GIDMap) > 0 && c.GIDMap[0].Instance != idmap.Default {
		gid = c.GIDMap[0].Instance
	}
	return uid, gid
}

// sshfsCommand builds the remote command that attaches the slave side of the
// mount to the target. The slave reads its filesystem over stdio, which the
// SSH channel bridges to this process.
func sshfsCommand(conf *Config) string {
	return fmt.Sprintf("sudo sshfs -o slave -o transform_symlinks -o allow_other :%s %s",
		shellquote.Quote(conf.Source), shellquote.Quote(conf.Target))
}

// slaveConn is the bridged stdio of the remote sshfs slave.
type slaveConn interface {
	io.ReadWriteCloser
	Wait(ctx context.Context) (int, error)
	Stderr() string
}

// serve announces readiness on out and serves r to the slave until ctx is
// done (clean shutdown) or the slave goes away.
func serve(ctx context.Context, conn slaveConn, r *root, out io.Writer) error {
	srv := sftp.NewRequestServer(conn, r.handlers())
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve() }()

	fmt.Fprintln(out, ReadyToken)
	dlog.Infof(ctx, "serving %s over sftp", r.dir)

	select {
	case <-ctx.Done():
		_ = srv.Close()
		<-serveDone
		return nil
	case err := <-serveDone:
		_ = conn.Close()
		if code, werr := conn.Wait(ctx); werr == nil && code != 0 {
			return errors.Errorf("sshfs exited with code %d: %s", code, strings.TrimSpace(conn.Stderr()))
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return errors.Wrap(err, "sftp server stopped")
		}
		return nil
	}
}

// output runs command in the instance and returns its stdout, failing with
// the remote stderr when the command exits non-zero.
func output(ctx context.Context, sess *sshexec.Session, command string) (string, error) {
	proc, err := sess.Exec(ctx, command)
	if err != nil {
		return "", err
	}
	code, err := proc.Wait(ctx)
	if err != nil {
		return "", errors.Wrapf(err, "%q", command)
	}
	if code != 0 {
		return "", errors.Errorf("%q exited with code %d: %s", command, code, strings.TrimSpace(proc.Stderr()))
	}
	return proc.Stdout(), nil
}

func remoteID(ctx context.Context, sess *sshexec.Session, command string) (int, error) {
	out, err := output(ctx, sess, command)
	if err != nil {
		return 0, err
	}
	id, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %q output %q", command, out)
	}
	return id, nil
}
