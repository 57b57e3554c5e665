// Package version carries the build version of the leadqueue binaries.
package version

// Version is set at build time via -ldflags "-X .../version.Version=v1.2.3".
var Version = "main"

// Get returns the current version string
func Get() string {
	return Version
}

// UserAgent is the User-Agent sent on outbound HTTP calls.
func UserAgent() string {
	return "leadqueue/" + Version
}
