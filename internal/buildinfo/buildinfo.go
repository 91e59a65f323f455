// Package buildinfo reports the ncrew version.
package buildinfo

import "runtime/debug"

// Build metadata variables set via linker flags during build.
var (
	// Version is the semantic version string (e.g., "0.4.0").
	Version = "dev"
	// Commit is the git commit SHA (e.g., "8d3f2a1").
	Commit = "unknown"
	// BuiltAt is the build timestamp in RFC3339 format.
	BuiltAt = "unknown"
)

// Info is the resolved build metadata.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	BuiltAt string `json:"builtAt"`
}

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo

// Resolve returns the linker-provided metadata, filling gaps from the
// module build info embedded by `go install`.
func Resolve() Info {
	info := Info{Version: Version, Commit: Commit, BuiltAt: BuiltAt}
	build, ok := readBuildInfo()
	if !ok || build == nil {
		return info
	}
	if info.Version == "dev" && build.Main.Version != "" && build.Main.Version != "(devel)" {
		info.Version = build.Main.Version
	}
	for _, setting := range build.Settings {
		switch setting.Key {
		case "vcs.revision":
			if info.Commit == "unknown" && setting.Value != "" {
				info.Commit = shortRevision(setting.Value)
			}
		case "vcs.time":
			if info.BuiltAt == "unknown" && setting.Value != "" {
				info.BuiltAt = setting.Value
			}
		}
	}
	return info
}

// String returns the version line printed by `ncrew version`.
// Format: "ncrew <version> (commit <sha>, built <rfc3339>)"
func String() string {
	info := Resolve()
	return "ncrew " + info.Version + " (commit " + info.Commit + ", built " + info.BuiltAt + ")"
}

func shortRevision(revision string) string {
	if len(revision) > 7 {
		return revision[:7]
	}
	return revision
}
