// Package version provides dataloggerd's version string, set at build
// time via -ldflags.
package version

// Version is the current dataloggerd version.
// Override at build time: go build -ldflags "-X github.com/loganix/datalogger/internal/version.Version=1.0.0"
var Version = "1.0.0"

// BuildTime is the build timestamp.
// Override at build time: go build -ldflags "-X github.com/loganix/datalogger/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var BuildTime = "unknown"
