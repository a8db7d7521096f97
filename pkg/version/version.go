// Package version exposes build metadata injected at link time.
package version

// Set via -ldflags "-X github.com/flowpay/realtime/pkg/version.GitCommit=..."
var (
	// GitCommit is the git commit hash of the build.
	GitCommit = "dev"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"
)
