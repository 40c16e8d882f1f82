package sshkey

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/datawire/dlib/dlog"
)

func TestLoadGeneratesOnFirstUse(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	dir := t.TempDir()

	p, err := Load(ctx, dir)
	require.NoError(t, err)
	require.NotNil(t, p.Signer())
	assert.Equal(t, "ssh-ed25519", p.Signer().PublicKey().Type())

	info, err := os.Stat(filepath.Join(dir, keyFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadReturnsSameIdentity(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	dir := t.TempDir()

	first, err := Load(ctx, dir)
	require.NoError(t, err)
	second, err := Load(ctx, dir)
	require.NoError(t, err)

	assert.Equal(t,
		first.Signer().PublicKey().Marshal(),
		second.Signer().PublicKey().Marshal())
	assert.Equal(t, first.PrivateKeyPEM(), second.PrivateKeyPEM())
}

func TestPrivateKeyPEMParses(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	p, err := Load(ctx, t.TempDir())
	require.NoError(t, err)

	signer, err := ssh.ParsePrivateKey(p.PrivateKeyPEM())
	require.NoError(t, err)
	assert.Equal(t, p.Signer().PublicKey().Marshal(), signer.PublicKey().Marshal())
}

func TestFromPEM(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	p, err := Load(ctx, t.TempDir())
	require.NoError(t, err)

	q, err := FromPEM(p.PrivateKeyPEM())
	require.NoError(t, err)
	assert.Equal(t, p.Signer().PublicKey().Marshal(), q.Signer().PublicKey().Marshal())

	_, err = FromPEM([]byte("not a key"))
	require.Error(t, err)
}

func TestPublicKeyLine(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	p, err := Load(ctx, t.TempDir())
	require.NoError(t, err)

	line := p.PublicKeyLine()
	assert.Contains(t, line, "ssh-ed25519 ")

	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	require.NoError(t, err)
	assert.Equal(t, p.Signer().PublicKey().Marshal(), pub.Marshal())
}
