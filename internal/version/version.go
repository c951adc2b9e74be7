// Package version holds build-time version information for ai-forward
// binaries. Version and BuildTime are injected via -ldflags:
//
//	-X github.com/TnZzZHlp/ai-forward/internal/version.Version=v0.1.0
//	-X github.com/TnZzZHlp/ai-forward/internal/version.BuildTime=2026-02-25T00:00:00Z
//
// so local builds without ldflags still produce sensible output.
package version

// Variables set at link time. Default to dev values.
var (
	Version   = "dev"
	BuildTime = "unknown"
)
