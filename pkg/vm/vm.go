// Package vm resolves the virtual machines declared in vmount's
// configuration into addressable SSH endpoints. Address resolution is lazy:
// an instance's name may only become resolvable once the instance is up, so
// nothing here touches the network until SSHHostname is called.
package vm

import (
	"context"
	"net"

	"github.com/pkg/errors"

	"github.com/vmountio/vmount/pkg/config"
)

// Instance is one configured virtual machine.
type Instance struct {
	name string
	host string
	port uint16
	user string

	// resolve is swapped out in tests; it is net.DefaultResolver's
	// LookupHost in production.
	resolve func(ctx context.Context, host string) ([]string, error)
}

// Provider looks up instances declared in the configuration.
type Provider struct {
	instances config.Instances
}

// ErrNotFound is wrapped by every lookup of an unknown instance name.
var ErrNotFound = errors.New("instance not found")

func NewProvider(cfg *config.Config) *Provider {
	return &Provider{instances: cfg.Instances}
}

// Get returns the named instance. Unknown names are an error carrying the
// set of known names, so the caller's message is actionable.
func (p *Provider) Get(name string) (*Instance, error) {
	decl, ok := p.instances[name]
	if !ok {
		known := make([]string, 0, len(p.instances))
		for n := range p.instances {
			known = append(known, n)
		}
		if len(known) == 0 {
			return nil, errors.Wrapf(ErrNotFound, "no instance %q: no instances are configured; add one to config.yml", name)
		}
		return nil, errors.Wrapf(ErrNotFound, "no instance %q: configured instances are %v", name, known)
	}
	return &Instance{
		name:    name,
		host:    decl.Host,
		port:    decl.SSHPort(),
		user:    decl.SSHUser(),
		resolve: net.DefaultResolver.LookupHost,
	}, nil
}

// Name returns the instance's configured name.
func (i *Instance) Name() string {
	return i.name
}

// SSHHostname resolves the instance's address. It fails while the instance
// has no routable address, e.g. before it has finished booting; callers are
// expected to resolve late and exactly once per operation.
func (i *Instance) SSHHostname(ctx context.Context) (string, error) {
	if i.host == "" {
		return "", errors.Errorf("instance '%s' has no configured address", i.name)
	}
	if ip := net.ParseIP(i.host); ip != nil {
		return i.host, nil
	}
	addrs, err := i.resolve(ctx, i.host)
	if err != nil {
		return "", errors.Wrapf(err, "instance '%s' has no routable address yet", i.name)
	}
	return addrs[0], nil
}

// SSHPort returns the instance's SSH port.
func (i *Instance) SSHPort() uint16 {
	return i.port
}

// SSHUsername returns the user that sessions and mounts authenticate as.
func (i *Instance) SSHUsername() string {
	return i.user
}
