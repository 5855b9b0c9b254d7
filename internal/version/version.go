// Package version exposes build information set with -ldflags.
package version

import (
	"runtime"
	"runtime/debug"
)

// Set at build time:
//
//	go build -ldflags "-X github.com/maauso/studypod-api/internal/version.GitRelease=v1.2.0"
var (
	GitRelease = "dev"
	GitCommit  = ""
	GoInfo     = runtime.Version()
)

// Commit returns GitCommit, falling back to the VCS revision embedded by
// the Go toolchain.
func Commit() string {
	if GitCommit != "" {
		return GitCommit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				return s.Value
			}
		}
	}
	return "unknown"
}
