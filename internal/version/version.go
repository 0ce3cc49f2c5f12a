// Package version carries build metadata injected with -ldflags "-X".
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String formats the build metadata for logs and the -version flag.
func String() string {
	return fmt.Sprintf("pulsefeed %s (%s, built %s)", Version, GitSHA, BuildTime)
}
