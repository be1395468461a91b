// Package version carries ledgerd's build information.
//
// Release builds set the variables with ldflags:
//
//	go build -ldflags "-X github.com/budgetbook/ledgerd/version.Version=1.2.0 \
//	  -X github.com/budgetbook/ledgerd/version.GitCommit=$(git rev-parse --short HEAD)" ./cmd/ledgerd
//
// Without ldflags, Version is "dev" and the commit falls back to the VCS
// stamp the Go toolchain embeds.
package version

import (
	"runtime"
	"runtime/debug"
)

// Version is the release version.
var Version = "dev"

// GitCommit is the short commit hash.
var GitCommit = ""

// BuildTime is the UTC build timestamp.
var BuildTime = ""

// Info is the build information reported by "ledgerd --version" and the
// startup log line.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	GoVersion string `json:"go_version"`
}

// Get returns the build information, filling the commit and build time
// from the embedded VCS stamp when ldflags did not set them.
func Get() Info {
	info := Info{
		Version:   Version,
		Commit:    GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
	if info.Commit != "" && info.BuildTime != "" {
		return info
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" && len(s.Value) >= 7 {
				info.Commit = s.Value[:7]
			}
		case "vcs.time":
			if info.BuildTime == "" {
				info.BuildTime = s.Value
			}
		}
	}
	return info
}

// Full returns the version with the commit and build time when known.
func Full() string {
	return Get().String()
}

func (i Info) String() string {
	v := i.Version
	if i.Commit != "" {
		v += "-" + i.Commit
	}
	if i.BuildTime != "" {
		v += " (" + i.BuildTime + ")"
	}
	return v
}
