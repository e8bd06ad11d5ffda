// Package version exposes build identification, injected at link time via
// -ldflags "-X github.com/rtm-vts/vts-collisions/internal/version.Version=...".
package version

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String renders the build identification for CLI output and the status API.
func String() string {
	return Version + " (" + GitSHA + ", built " + BuildTime + ")"
}
