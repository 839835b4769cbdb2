// Package buildinfo exposes the version stamped into the nls binary.
package buildinfo

import (
	"encoding/json"
	"net/http"
	"runtime"
)

// Set at build time via ldflags:
// -X github.com/otherjamesbrown/nls/pkg/buildinfo.Version=v0.3.0
// -X github.com/otherjamesbrown/nls/pkg/buildinfo.Commit=1f2e3d4
// -X github.com/otherjamesbrown/nls/pkg/buildinfo.BuildTime=2026-10-01T08:00:00Z
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info holds build information for a component.
type Info struct {
	Component string `json:"component"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// Get returns build info for the named component.
func Get(component string) Info {
	return Info{
		Component: component,
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}

// String returns a one-liner like "v0.3.0 (1f2e3d4, 2026-10-01T08:00:00Z)".
func String() string {
	return Version + " (" + Commit + ", " + BuildTime + ")"
}

// UserAgent returns the product token sent with outbound requests.
func UserAgent() string {
	return "nls/" + Version
}

// Handler serves build info as JSON, next to /metrics.
func Handler(component string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Get(component))
	}
}
