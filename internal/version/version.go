// Package version provides information about the agent build.
package version

// BuildInfo holds version information about the agent build.
type BuildInfo struct {
	Service string `json:"service"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Info returns the build information. The version, commit, and date variables
// are intended to be set at build time using -ldflags.
func Info() BuildInfo {
	// Set via -ldflags "-X 'flowsync/internal/version.version=v1.4.0'
	// -X 'flowsync/internal/version.commit=abcd' -X 'flowsync/internal/version.date=2026-08-25'"
	return BuildInfo{
		Service: "flowsync-agent",
		Version: version,
		Commit:  commit,
		Date:    date,
	}
}

// Current returns the bare semantic version string reported to the backend
func Current() string { return version }

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)
