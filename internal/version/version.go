package version

// Version is the service current released version.
// This value can be overridden at build time using ldflags:
//
//	go build -ldflags "-X github.com/jmandel/banterop-sub006/internal/version.Version=v0.4.0"
var Version = "0.0.0-dev"

// GitCommit is the git commit hash at build time.
// Set via ldflags: -X github.com/jmandel/banterop-sub006/internal/version.GitCommit=$(git rev-parse HEAD)
var GitCommit = "unknown"

// BuildTime is the build timestamp in RFC3339 format.
var BuildTime = "unknown"

// GetCurrentVersion returns the version string reported by the server.
// Development modes always report the raw dev version.
func GetCurrentVersion(mode string) string {
	return Version
}
