// Package buildinfo carries version metadata stamped in with -ldflags "-X".
package buildinfo

import "fmt"

var (
	// Version is the release tag, e.g. v0.3.1.
	Version = "dev"
	// Commit is the short git hash the binary was built from.
	Commit = "none"
	// Date is the build time in RFC 3339.
	Date = "unknown"
)

// String formats the metadata for `tally --version`.
func String() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date)
}
