package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmountio/vmount/pkg/daemon"
)

func TestParseDest(t *testing.T) {
	instance, target, err := parseDest("primary:/home/ubuntu/project")
	require.NoError(t, err)
	assert.Equal(t, "primary", instance)
	assert.Equal(t, "/home/ubuntu/project", target)

	// Only the first colon separates; the target keeps the rest.
	instance, target, err = parseDest("primary:/odd:path")
	require.NoError(t, err)
	assert.Equal(t, "primary", instance)
	assert.Equal(t, "/odd:path", target)

	for _, bad := range []string{"/just/a/path", "primary:", ":/shared", ""} {
		_, _, err = parseDest(bad)
		assert.Error(t, err, "destination %q", bad)
	}
}

func TestApplyDefaultMaps(t *testing.T) {
	req := &daemon.MountRequest{}
	applyDefaultMaps(req, 501, 20)
	assert.Equal(t, []string{"501:default"}, req.UIDMaps)
	assert.Equal(t, []string{"20:default"}, req.GIDMaps)

	// Explicit mappings are kept as given.
	req = &daemon.MountRequest{UIDMaps: []string{"1000:1000"}}
	applyDefaultMaps(req, 501, 20)
	assert.Equal(t, []string{"1000:1000"}, req.UIDMaps)
	assert.Equal(t, []string{"20:default"}, req.GIDMaps)
}

func TestMountFlags(t *testing.T) {
	cmd := mountCommand()
	require.NoError(t, cmd.ParseFlags([]string{
		"--uid-map", "501:1000",
		"--uid-map", "502:default",
		"--gid-map", "20:1000",
	}))
	uidMaps, err := cmd.Flags().GetStringArray("uid-map")
	require.NoError(t, err)
	assert.Equal(t, []string{"501:1000", "502:default"}, uidMaps)
	gidMaps, err := cmd.Flags().GetStringArray("gid-map")
	require.NoError(t, err)
	assert.Equal(t, []string{"20:1000"}, gidMaps)
}

func TestFindMount(t *testing.T) {
	list := []*daemon.MountInfo{
		{ID: "a", Instance: "primary", Target: "/shared"},
		{ID: "b", Instance: "build-box", Target: "/shared"},
	}

	m, err := findMount(list, "build-box:/shared")
	require.NoError(t, err)
	assert.Equal(t, "b", m.ID)

	_, err = findMount(list, "primary:/other")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"/other" is not mounted in 'primary'`)

	_, err = findMount(list, "gibberish")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "neither a mount id nor INSTANCE:TARGET")
}

func TestProgressPlainOutput(t *testing.T) {
	out := &bytes.Buffer{}
	p := newProgress(out)
	require.False(t, p.tty, "a buffer is not a terminal")
	p.update("Enabling support for mounting")
	p.update("Still at it")
	p.done()
	assert.Equal(t, "Enabling support for mounting...\nStill at it...\n", out.String())
}

func TestPrintMounts(t *testing.T) {
	out := &bytes.Buffer{}
	printMounts(out, []*daemon.MountInfo{
		{ID: "6f9a6dc1-49c2-43ff-8c26-18d00efe1b71", Instance: "primary", Source: "/home/me/shared", Target: "/shared", State: "running"},
	})
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "DESTINATION")
	assert.Contains(t, lines[1], "primary:/shared")
	assert.Contains(t, lines[1], "running")
	assert.Contains(t, lines[1], "/home/me/shared")
}

func TestOnlySubcommands(t *testing.T) {
	cmd := Command(context.Background())
	cmd.SetArgs([]string{"mout"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid subcommand "mout"`)
	assert.Contains(t, err.Error(), "mount", "a near miss gets a suggestion")
}
