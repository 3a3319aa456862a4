package config

// Linker-injected build metadata variables. Set at compile time via -ldflags:
//
//	go build -ldflags "-X tiergate/internal/config.version=1.2.3 \
//	    -X tiergate/internal/config.commit=$(git rev-parse --short HEAD) \
//	    -X tiergate/internal/config.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// Default values apply during local development when ldflags are not set.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo constructs a BuildInfo from the linker-injected variables.
func NewBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}
