// Package sshkey manages vmount's SSH identity: one private key, stored in
// the user's vmount config directory, used both for provisioning sessions and
// by the vmount-server subprocess.
package sshkey

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/datawire/dlib/dlog"
)

const keyFileName = "id_vmount"

// Provider holds the loaded identity. The key material never travels on a
// command line; callers hand PrivateKeyPEM to subprocesses through the
// environment.
type Provider struct {
	pemData []byte
	signer  ssh.Signer
}

// Load returns the identity stored in dir, generating a new ed25519 key on
// first use. The key file is created with mode 0600 and is written atomically
// so that a crash can never leave a truncated key behind.
func Load(ctx context.Context, dir string) (*Provider, error) {
	path := filepath.Join(dir, keyFileName)
	pemData, err := os.ReadFile(path)
	switch {
	case err == nil:
	case os.IsNotExist(err):
		if pemData, err = generate(ctx, path); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Wrapf(err, "reading SSH key %s", path)
	}

	signer, err := ssh.ParsePrivateKey(pemData)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing SSH key %s", path)
	}
	return &Provider{pemData: pemData, signer: signer}, nil
}

// FromPEM returns a Provider for key material obtained elsewhere, e.g. the
// environment of a vmount-server subprocess.
func FromPEM(pemData []byte) (*Provider, error) {
	signer, err := ssh.ParsePrivateKey(pemData)
	if err != nil {
		return nil, errors.Wrap(err, "parsing SSH key")
	}
	return &Provider{pemData: pemData, signer: signer}, nil
}

// Signer returns the identity in the form the SSH transport consumes.
func (p *Provider) Signer() ssh.Signer {
	return p.signer
}

// PrivateKeyPEM returns the PEM-encoded private key.
func (p *Provider) PrivateKeyPEM() []byte {
	pemData := make([]byte, len(p.pemData))
	copy(pemData, p.pemData)
	return pemData
}

// PublicKeyLine returns the public half in authorized_keys format, ready to
// be installed in an instance.
func (p *Provider) PublicKeyLine() string {
	return string(ssh.MarshalAuthorizedKey(p.signer.PublicKey()))
}

func generate(ctx context.Context, path string) ([]byte, error) {
	dlog.Infof(ctx, "Generating a new SSH identity in %s", path)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generating ed25519 key")
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, errors.Wrap(err, "encoding ed25519 key")
	}
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrapf(err, "creating %s", filepath.Dir(path))
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), keyFileName+".*")
	if err != nil {
		return nil, errors.Wrap(err, "creating key file")
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return nil, errors.Wrap(err, "restricting key file mode")
	}
	if _, err := tmp.Write(pemData); err != nil {
		tmp.Close()
		return nil, errors.Wrap(err, "writing key file")
	}
	if err := tmp.Close(); err != nil {
		return nil, errors.Wrap(err, "writing key file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, errors.Wrapf(err, "installing key file %s", path)
	}
	return pemData, nil
}
