// Package versions reports build information and checks tool versions.
package versions

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const unknown = "unknown"

// Set at build time via -ldflags "-X github.com/tinyflake/git-server/internal/versions.Version=..."
var (
	Version   = "dev"
	Commit    = unknown
	BuildDate = unknown
)

// VersionInfo describes the running binary
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo returns the build information of the running binary
func GetVersionInfo() VersionInfo {
	return versionInfo(Version, Commit, BuildDate)
}

// versionInfo fills development builds in from the VCS settings the Go
// toolchain embeds, and names them after their commit
func versionInfo(version, commit, buildDate string) VersionInfo {
	if strings.HasPrefix(version, "dev") {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				switch {
				case s.Key == "vcs.revision" && commit == unknown:
					commit = s.Value
				case s.Key == "vcs.time" && buildDate == unknown:
					buildDate = s.Value
				}
			}
		}
	}

	if t, err := time.Parse(time.RFC3339, buildDate); err == nil {
		buildDate = t.UTC().Format("2006-01-02 15:04:05 MST")
	}

	if version == "dev" {
		version = fmt.Sprintf("build-%.8s", commit)
	}

	return VersionInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}
