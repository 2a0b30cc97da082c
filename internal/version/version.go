package version

// Variables populated via -ldflags at build time.
// Example:
//   go build -ldflags "-X 'guardbridge/internal/version.Version=1.0.0' -X 'guardbridge/internal/version.Commit=$(git rev-parse --short HEAD)' -X 'guardbridge/internal/version.BuildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)'"
var (
	Version   = "dev"
	Commit    = ""
	BuildDate = ""
)

// Full returns a human friendly version string.
func Full() string {
	if Commit == "" {
		return Version
	}
	return Version + "+" + Commit
}
