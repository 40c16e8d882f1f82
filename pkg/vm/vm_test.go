package vm

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmountio/vmount/pkg/config"
)

func testProvider() *Provider {
	return NewProvider(&config.Config{
		Instances: config.Instances{
			"primary":   {Host: "192.168.64.2"},
			"build-box": {Host: "build.internal", Port: 2222, User: "builder"},
		},
	})
}

func TestGet(t *testing.T) {
	p := testProvider()

	i, err := p.Get("primary")
	require.NoError(t, err)
	assert.Equal(t, "primary", i.Name())
	assert.Equal(t, uint16(22), i.SSHPort())
	assert.Equal(t, "ubuntu", i.SSHUsername())

	i, err = p.Get("build-box")
	require.NoError(t, err)
	assert.Equal(t, uint16(2222), i.SSHPort())
	assert.Equal(t, "builder", i.SSHUsername())
}

func TestGetUnknown(t *testing.T) {
	_, err := testProvider().Get("nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), `no instance "nope"`)
	assert.Contains(t, err.Error(), "primary")

	_, err = NewProvider(&config.Config{}).Get("primary")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no instances are configured")
}

func TestSSHHostnameLiteralIP(t *testing.T) {
	i, err := testProvider().Get("primary")
	require.NoError(t, err)

	// Literal addresses resolve without touching the resolver.
	i.resolve = func(context.Context, string) ([]string, error) {
		t.Fatal("resolver must not be consulted for IP literals")
		return nil, nil
	}
	host, err := i.SSHHostname(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "192.168.64.2", host)
}

func TestSSHHostnameLazyResolution(t *testing.T) {
	i, err := testProvider().Get("build-box")
	require.NoError(t, err)

	booted := false
	i.resolve = func(_ context.Context, host string) ([]string, error) {
		assert.Equal(t, "build.internal", host)
		if !booted {
			return nil, errors.New("no such host")
		}
		return []string{"10.0.0.7"}, nil
	}

	_, err = i.SSHHostname(context.Background())
	require.Error(t, err, "resolution fails while the instance is down")
	assert.Contains(t, err.Error(), "no routable address")

	booted = true
	host, err := i.SSHHostname(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", host)
}

func TestSSHHostnameUnconfigured(t *testing.T) {
	p := NewProvider(&config.Config{Instances: config.Instances{"blank": {}}})
	i, err := p.Get("blank")
	require.NoError(t, err)
	_, err = i.SSHHostname(context.Background())
	require.Error(t, err)
}
