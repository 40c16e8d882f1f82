// Package version carries the version of the vmount binaries.
package version

import (
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/blang/semver"
)

// Version is a "vSEMVER" string. Release builds inject it with
// `--ldflags -X`; init fills it from the binary's build info otherwise.
var Version string

func init() {
	if Version != "" {
		return
	}
	Version = "(unknown version)"
	if bi, ok := debug.ReadBuildInfo(); ok {
		Version = bi.Main.Version
	}
	_, err := semver.ParseTolerant(Version)
	if err == nil {
		return
	}
	// "(devel)" comes from runtime/debug, "(unknown version)" is ours.
	// Anything else that fails to parse means the build did not go through
	// the release tooling.
	if Version != "(devel)" && Version != "(unknown version)" {
		panic(fmt.Errorf("this binary's compiled-in version %q is not a semver: %w", Version, err))
	}
	if env := os.Getenv("VMOUNT_VERSION"); strings.HasPrefix(env, "v") {
		Version = env
	}
}

var (
	parsedFor string
	parsed    semver.Version
)

// Structured returns Version as a semver value. Tests may reassign Version,
// so the parse is redone whenever the input changed.
func Structured() semver.Version {
	if parsedFor == Version {
		return parsed
	}
	v := Version
	switch v {
	case "(devel)":
		v = "0.0.0-devel"
	case "(unknown version)":
		v = "0.0.0-unknownversion"
	}
	sv, err := semver.ParseTolerant(v)
	if err != nil {
		panic(fmt.Errorf("version %q is unparsable: %w", Version, err))
	}
	parsedFor, parsed = Version, sv
	return parsed
}
