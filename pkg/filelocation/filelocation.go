// Package filelocation resolves the per-user directories that vmount uses for
// configuration, logs, and runtime state. The directories can be spoofed
// through the context, which is useful for testing and for the
// VMOUNT_CONFIG_DIR/VMOUNT_LOG_DIR developer overrides.
package filelocation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const appName = "vmount"

type goosCtxKey struct{}
type homeCtxKey struct{}
type logCtxKey struct{}
type configCtxKey struct{}
type runtimeCtxKey struct{}

// WithGOOS overrides runtime.GOOS for this package's lookups. Only tests use
// it.
func WithGOOS(ctx context.Context, goos string) context.Context {
	return context.WithValue(ctx, goosCtxKey{}, goos)
}

func goos(ctx context.Context) string {
	if untyped := ctx.Value(goosCtxKey{}); untyped != nil {
		return untyped.(string)
	}
	return runtime.GOOS
}

// WithUserHomeDir spoofs the user's home directory and all values derived from it.
func WithUserHomeDir(ctx context.Context, home string) context.Context {
	return context.WithValue(ctx, homeCtxKey{}, home)
}

// WithAppUserLogDir spoofs the AppUserLogDir. This is useful for testing, or for when
// logging to a normal user's logs as root.
func WithAppUserLogDir(ctx context.Context, logDir string) context.Context {
	return context.WithValue(ctx, logCtxKey{}, logDir)
}

// WithAppUserConfigDir spoofs the AppUserConfigDir.
func WithAppUserConfigDir(ctx context.Context, configDir string) context.Context {
	return context.WithValue(ctx, configCtxKey{}, configDir)
}

// WithAppUserRuntimeDir spoofs the AppUserRuntimeDir.
func WithAppUserRuntimeDir(ctx context.Context, runtimeDir string) context.Context {
	return context.WithValue(ctx, runtimeCtxKey{}, runtimeDir)
}

// UserHomeDir returns the current user's home directory: $HOME on Unix
// (including macOS). If the location cannot be determined, it returns an
// error.
func UserHomeDir(ctx context.Context) (string, error) {
	if untyped := ctx.Value(homeCtxKey{}); untyped != nil {
		return untyped.(string), nil
	}
	if v := os.Getenv("HOME"); v != "" {
		return v, nil
	}
	return "", errors.New("$HOME is not defined")
}

// AppUserConfigDir returns the directory to use for vmount's user-specific
// configuration data (the config file, the SSH identity).
//
//   - On Darwin, it returns "$HOME/Library/Application Support/vmount".
//   - On everything else, it returns "$XDG_CONFIG_HOME/vmount", falling back
//     to "$HOME/.config/vmount" when XDG_CONFIG_HOME is unset. Specified by:
//     https://specifications.freedesktop.org/basedir-spec/basedir-spec-latest.html
func AppUserConfigDir(ctx context.Context) (string, error) {
	if untyped := ctx.Value(configCtxKey{}); untyped != nil {
		return untyped.(string), nil
	}
	switch goos(ctx) {
	case "darwin":
		home, err := UserHomeDir(ctx)
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", appName), nil
	default: // Unix
		if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
			return filepath.Join(dir, appName), nil
		}
		home, err := UserHomeDir(ctx)
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config", appName), nil
	}
}

// AppUserLogDir returns the directory to use for vmount's user-specific log
// files.
//
//   - On Darwin, it returns "$HOME/Library/Logs/vmount".
//   - On everything else, it returns "$XDG_CACHE_HOME/vmount/logs", falling
//     back to "$HOME/.cache/vmount/logs".
func AppUserLogDir(ctx context.Context) (string, error) {
	if untyped := ctx.Value(logCtxKey{}); untyped != nil {
		return untyped.(string), nil
	}
	switch goos(ctx) {
	case "darwin":
		home, err := UserHomeDir(ctx)
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Logs", appName), nil
	default: // Unix
		cache := os.Getenv("XDG_CACHE_HOME")
		if cache == "" {
			home, err := UserHomeDir(ctx)
			if err != nil {
				return "", err
			}
			cache = filepath.Join(home, ".cache")
		}
		return filepath.Join(cache, appName, "logs"), nil
	}
}

// AppUserRuntimeDir returns the directory for sockets and lock files owned by
// the vmount daemon.
//
//   - On Darwin, it returns "$HOME/Library/Application Support/vmount".
//   - On everything else, it returns "$XDG_RUNTIME_DIR/vmount", falling back
//     to "/tmp/vmount-$UID" when XDG_RUNTIME_DIR is unset.
func AppUserRuntimeDir(ctx context.Context) (string, error) {
	if untyped := ctx.Value(runtimeCtxKey{}); untyped != nil {
		return untyped.(string), nil
	}
	switch goos(ctx) {
	case "darwin":
		return AppUserConfigDir(ctx)
	default: // Unix
		if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
			return filepath.Join(dir, appName), nil
		}
		return filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d", appName, os.Getuid())), nil
	}
}
