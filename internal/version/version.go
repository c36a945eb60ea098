// Package version carries build-time version information for clauderond.
package version

import (
	"fmt"
	"runtime"
)

// Build-time variables set via ldflags, e.g.
// go build -ldflags="-X github.com/clauderon/clauderon/internal/version.Version=v0.3.0"
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Short returns the semantic version alone.
func Short() string {
	return Version
}

// Info returns a single-line version summary.
func Info() string {
	commit := Commit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	return fmt.Sprintf("clauderond %s (commit: %s, built: %s, go: %s)", Version, commit, BuildDate, runtime.Version())
}
