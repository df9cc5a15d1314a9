// Package version exposes the anthill build version.
package version

var (
	// Version is the semantic version of this build. Overridden at link time:
	//
	//	-ldflags "-X github.com/anthill/anthill/internal/version.Version=1.2.3"
	Version = "0.4.0-dev"

	// Commit is the short git hash the binary was built from, when known.
	Commit = ""
)

// String returns the version formatted for human display.
func String() string {
	if Commit == "" {
		return "v" + Version
	}
	return "v" + Version + " (" + Commit + ")"
}
