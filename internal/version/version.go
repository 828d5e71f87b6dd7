// Package version carries the ldapgw binary's build-time identity, stamped
// via -ldflags the same way the teacher's own cmd/ldap-manager does, and
// logged once at startup by cmd/ldapgw-server.
package version

import "fmt"

// Version, CommitHash and BuildTimestamp are overridden at link time; the
// default values below only apply to `go run`/unlinked test builds.
var (
	Version        = "dev"
	CommitHash     = "n/a"
	BuildTimestamp = "n/a"
)

// FormatVersion renders the gateway's version banner for the startup log
// line. Dev builds (unstamped Version) collapse to "Development version"
// rather than printing the placeholder commit/timestamp values.
func FormatVersion() string {
	if Version == "dev" {
		return "Development version"
	}

	return fmt.Sprintf("%s (%s, built at %s)", Version, CommitHash, BuildTimestamp)
}
