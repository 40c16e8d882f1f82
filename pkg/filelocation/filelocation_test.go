package filelocation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppDirs(t *testing.T) {
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_CACHE_HOME", "")
	ctx := WithUserHomeDir(context.Background(), home)

	t.Run("linux", func(t *testing.T) {
		ctx := WithGOOS(ctx, "linux")

		dir, err := AppUserConfigDir(ctx)
		require.NoError(t, err)
		assert.Equal(t, home+"/.config/vmount", dir)

		dir, err = AppUserLogDir(ctx)
		require.NoError(t, err)
		assert.Equal(t, home+"/.cache/vmount/logs", dir)
	})

	t.Run("darwin", func(t *testing.T) {
		ctx := WithGOOS(ctx, "darwin")

		dir, err := AppUserConfigDir(ctx)
		require.NoError(t, err)
		assert.Equal(t, home+"/Library/Application Support/vmount", dir)

		dir, err = AppUserLogDir(ctx)
		require.NoError(t, err)
		assert.Equal(t, home+"/Library/Logs/vmount", dir)

		dir, err = AppUserRuntimeDir(ctx)
		require.NoError(t, err)
		assert.Equal(t, home+"/Library/Application Support/vmount", dir)
	})

	t.Run("xdg overrides", func(t *testing.T) {
		ctx := WithGOOS(ctx, "linux")
		t.Setenv("XDG_CONFIG_HOME", "/xdg/conf")
		t.Setenv("XDG_CACHE_HOME", "/xdg/cache")
		t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")

		dir, err := AppUserConfigDir(ctx)
		require.NoError(t, err)
		assert.Equal(t, "/xdg/conf/vmount", dir)

		dir, err = AppUserLogDir(ctx)
		require.NoError(t, err)
		assert.Equal(t, "/xdg/cache/vmount/logs", dir)

		dir, err = AppUserRuntimeDir(ctx)
		require.NoError(t, err)
		assert.Equal(t, "/run/user/1000/vmount", dir)
	})

	t.Run("context spoofs win", func(t *testing.T) {
		ctx := WithAppUserConfigDir(ctx, "/spoofed")
		dir, err := AppUserConfigDir(ctx)
		require.NoError(t, err)
		assert.Equal(t, "/spoofed", dir)
	})
}
