// Package version carries build-time version metadata, populated via
// -ldflags at release time.
package version

// Build metadata. Overridden by the release build:
//
//	go build -ldflags "-X .../pkg/version.Version=v1.2.0 ..."
var (
	// Version is the semantic version of the binary.
	Version = "dev"
	// Commit is the VCS revision the binary was built from.
	Commit = "none"
	// Date is the build timestamp.
	Date = "unknown"
)
