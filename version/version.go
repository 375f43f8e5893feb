package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the current version of m365-audit-kit, set via build flags
	Version = "dev"

	// Commit is the git commit hash, set via build flags
	Commit = "none"

	// BuildTime is the build timestamp, set via build flags
	BuildTime = "unknown"
)

// FullVersion returns the full version string
func FullVersion() string {
	return fmt.Sprintf("m365-audit-kit %s, build %s, built at %s (%s)", Version, Commit, BuildTime, runtime.Version())
}

func AbbreviatedVersion() string {
	return fmt.Sprintf("%s-%s", Version, Commit)
}
