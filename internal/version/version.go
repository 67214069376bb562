// Package version carries build metadata stamped in with -ldflags.
package version

import "runtime"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return "hark " + Version + " (commit=" + Commit + ", date=" + Date + ", go=" + runtime.Version() + ")"
}

// UserAgent identifies hark to recognition services.
func UserAgent() string {
	return "hark/" + Version + " (" + runtime.GOOS + "/" + runtime.GOARCH + ")"
}
