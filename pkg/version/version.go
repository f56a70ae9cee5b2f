// Package version provides version information for pgmeta.
//
// The version is read from version.txt, embedded at compile time.
package version

import (
	_ "embed"
	"strings"
)

//go:embed version.txt
var versionFile string

// Version is the current version of pgmeta.
var Version = strings.TrimSpace(versionFile)

// ServerVersion is the PostgreSQL version reported to clients in the
// server_version parameter status and by version().
const ServerVersion = "14.2"

// String returns the version string.
func String() string {
	return Version
}

// Full returns a full version string with the package name.
func Full() string {
	return "pgmeta version " + Version
}

// ServerVersionString returns the server_version value sent at startup.
func ServerVersionString() string {
	return ServerVersion + " (pgmeta " + Version + ")"
}
