// Package version holds the engine version recorded on every persisted run
// and dataset definition.
package version

import "runtime"

var (
	// Version information - will be set at build time
	Version   = "0.4.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
	GoVersion = "unknown"
)

// Go returns the Go version the binary was built with
func Go() string {
	if GoVersion == "unknown" {
		return runtime.Version()
	}
	return GoVersion
}
