// Package buildinfo describes the build of the deltaview binary.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// BuildInfo holds all sorts of information about the build of an executable artifact.
type BuildInfo struct {
	Version    string
	CommitHash string
	BuildDate  string
	GoVersion  string
}

// New returns the build info set at link time. The commit and the build date missing from the
// linker flags are taken from the VCS stamp of the binary, if any.
func New(version, commitHash, buildDate string) BuildInfo {
	i := BuildInfo{Version: version, CommitHash: commitHash, BuildDate: buildDate, GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return i
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if i.CommitHash == "" || i.CommitHash == "n/a" {
				i.CommitHash = s.Value
			}
		case "vcs.time":
			if i.BuildDate == "" || i.BuildDate == "<unknown>" {
				i.BuildDate = s.Value
			}
		}
	}
	return i
}

// String returns the build info as a string.
func (i BuildInfo) String() string {
	s := fmt.Sprintf("version %s (%s) built on %s", i.Version, i.CommitHash, i.BuildDate)
	if i.GoVersion != "" {
		s += " with " + i.GoVersion
	}
	return s
}
