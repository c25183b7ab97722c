// Package version provides build version information for devtray binaries.
package version

//nolint:gochecknoglobals // set via ldflags during build
var (
	version = "dev"
	commit  = "unknown"
)

// Version returns the release version.
func Version() string {
	return version
}

// Commit returns the VCS commit the binary was built from.
func Commit() string {
	return commit
}

// Full returns the version with the commit appended.
func Full() string {
	return version + " (" + commit + ")"
}
