// Package version holds the build-time version string for the dagdriver
// binary, following the same pattern storetheindex's internal/version
// package is referenced by in main.go.
package version

// Version is overridden at build time with -ldflags, e.g.:
//
//	go build -ldflags "-X github.com/filecoin-project/dagdriver/internal/version.Version=$(git describe --tags)"
var Version = "dev"

// String returns the version string reported by `dagdriver --version`.
func String() string {
	return Version
}
