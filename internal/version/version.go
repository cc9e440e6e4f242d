// Package version carries build metadata injected with -ldflags -X.
package version

import "time"

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = ""
)

// BuiltAt parses BuildTime as RFC3339, returning the zero time when unset.
func BuiltAt() time.Time {
	t, err := time.Parse(time.RFC3339, BuildTime)
	if err != nil {
		return time.Time{}
	}
	return t
}
