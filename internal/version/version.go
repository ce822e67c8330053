// Package version holds the exporter's build identity, injected at link time.
package version

import "fmt"

// Populated via -ldflags at build time, for example:
//
//	go build -ldflags "-X github.com/i2plabs/i2pcontrol-exporter/internal/version.Version=0.4.0"
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Short returns the bare version string, suitable for labels and headers.
func Short() string {
	return Version
}

// Info returns a single human-readable line describing the build.
func Info() string {
	return fmt.Sprintf("i2pcontrol-exporter %s (commit %s, built %s)", Version, Commit, BuildTime)
}
