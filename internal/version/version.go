// Package version carries the build identity stamped in by the linker, e.g.
//
//	-ldflags "-X .../internal/version.Version=v1.2.0 -X .../internal/version.GitSHA=abc1234"
package version

import "fmt"

var (
	// Version is the release tag, "dev" for untagged builds.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
)

// String renders the build identity as "version (sha)".
func String() string {
	return fmt.Sprintf("%s (%s)", Version, GitSHA)
}
