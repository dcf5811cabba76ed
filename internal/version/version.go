// Package version exposes build metadata for the eidolond binary.
package version

import (
	"fmt"
	"runtime"
)

// Populated at build time via -ldflags.
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Short returns the bare version string.
func Short() string {
	return Version
}

// Map returns the build metadata as a JSON-friendly map.
func Map() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_date": BuildDate,
		"go_version": runtime.Version(),
	}
}

// Info returns a human-readable version line.
func Info() string {
	return fmt.Sprintf("eidolond %s (commit %s, built %s, %s)",
		Version, GitCommit, BuildDate, runtime.Version())
}
