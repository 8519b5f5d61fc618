// Package buildinfo holds version metadata injected at link time with -ldflags -X.
package buildinfo

var (
	// Version is the release version, "dev" for local builds.
	Version = "dev"
	// Commit is the source revision.
	Commit = ""
	// BuildDate is the build timestamp.
	BuildDate = ""
)
