package mount

import (
	"context"

	"golang.org/x/crypto/ssh"

	"github.com/vmountio/vmount/pkg/sshexec"
)

// DialSSH is the production DialFunc, backed by pkg/sshexec.
func DialSSH(ctx context.Context, host string, port uint16, user string, signer ssh.Signer) (Session, error) {
	s, err := sshexec.Dial(ctx, host, port, user, signer)
	if err != nil {
		return nil, err
	}
	return sshSession{s}, nil
}

// sshSession widens *sshexec.Session to the Session interface. Exec returns
// the concrete process type, so the conversion needs a shim.
type sshSession struct{ *sshexec.Session }

func (s sshSession) Exec(ctx context.Context, command string) (RemoteProc, error) {
	p, err := s.Session.Exec(ctx, command)
	if err != nil {
		return nil, err
	}
	return p, nil
}
