// Package version holds build metadata stamped at link time.
package version

// Version and BuildTime are overridden by -ldflags at release build time.
var (
	Version   = "0.3.0-dev"
	BuildTime = "unknown"
)
