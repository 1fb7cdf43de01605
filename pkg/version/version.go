// Package version carries build metadata injected with
// -ldflags "-X g3/pkg/version.Version=v0.3.0".
package version

import "fmt"

//nolint:gochecknoglobals // ldflags injection needs package vars.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String formats the build metadata for `g3 --version` and /healthz.
func String() string {
	if Commit == "none" {
		return Version
	}
	short := Commit
	if len(short) > 7 {
		short = short[:7]
	}
	return fmt.Sprintf("%s (%s, built %s)", Version, short, Date)
}
