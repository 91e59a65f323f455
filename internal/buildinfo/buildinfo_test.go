package buildinfo

import (
	"runtime/debug"
	"testing"
)

// TestString verifies linker values take precedence over module metadata.
func TestString(t *testing.T) {
	tests := []struct {
		name     string
		version  string
		commit   string
		builtAt  string
		build    *debug.BuildInfo
		expected string
	}{
		{
			name:     "default values without build info",
			version:  "dev",
			commit:   "unknown",
			builtAt:  "unknown",
			expected: "ncrew dev (commit unknown, built unknown)",
		},
		{
			name:     "release values",
			version:  "1.2.3",
			commit:   "8d3f2a1",
			builtAt:  "2026-02-14T09:30:00Z",
			build:    &debug.BuildInfo{Main: debug.Module{Version: "v9.9.9"}},
			expected: "ncrew 1.2.3 (commit 8d3f2a1, built 2026-02-14T09:30:00Z)",
		},
		{
			name:    "module metadata fills gaps",
			version: "dev",
			commit:  "unknown",
			builtAt: "unknown",
			build: &debug.BuildInfo{
				Main: debug.Module{Version: "v0.4.0"},
				Settings: []debug.BuildSetting{
					{Key: "vcs.revision", Value: "8d3f2a1c0ffee"},
					{Key: "vcs.time", Value: "2026-10-01T12:00:00Z"},
				},
			},
			expected: "ncrew v0.4.0 (commit 8d3f2a1, built 2026-10-01T12:00:00Z)",
		},
		{
			name:     "devel module version is ignored",
			version:  "dev",
			commit:   "unknown",
			builtAt:  "unknown",
			build:    &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}},
			expected: "ncrew dev (commit unknown, built unknown)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			origVersion, origCommit, origBuiltAt, origRead := Version, Commit, BuiltAt, readBuildInfo
			t.Cleanup(func() {
				Version, Commit, BuiltAt, readBuildInfo = origVersion, origCommit, origBuiltAt, origRead
			})

			Version, Commit, BuiltAt = tt.version, tt.commit, tt.builtAt
			build := tt.build
			readBuildInfo = func() (*debug.BuildInfo, bool) { return build, build != nil }

			if result := String(); result != tt.expected {
				t.Errorf("String() = %q, want %q", result, tt.expected)
			}
		})
	}
}
