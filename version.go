package alloy

import (
	"fmt"
	"runtime"
)

// Version information, overridable at link time.
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

// VersionInfo describes the build.
type VersionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func GetVersion() VersionInfo {
	return VersionInfo{
		Version:   Version,
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

func (i VersionInfo) String() string {
	return fmt.Sprintf("alloy %s (commit %s, %s %s)", i.Version, i.GitCommit, i.GoVersion, i.Platform)
}
