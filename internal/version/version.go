// Package version reports the build identity of the roomsync binaries.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/roomsync"

// buildVersion is set via -ldflags "-X pkt.systems/roomsync/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running build.
type Info struct {
	Module   string `json:"module"`
	Version  string `json:"version"`
	Revision string `json:"revision,omitempty"`
	Dirty    bool   `json:"dirty,omitempty"`
}

// Current returns the best available version string.
func Current() string {
	return Read().Version
}

// Module returns the module path from build info when available.
func Module() string {
	return Read().Module
}

// Read collects build identity from ldflags and the embedded build info.
func Read() Info {
	info, _ := debug.ReadBuildInfo()
	return fromBuildInfo(info, buildVersion)
}

func fromBuildInfo(info *debug.BuildInfo, override string) Info {
	out := Info{Module: defaultModule, Version: "v0.0.0-unknown"}
	var vcs vcsState
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			out.Module = path
		}
		vcs = readVCS(info)
		out.Revision = vcs.revision
		out.Dirty = vcs.modified
	}
	switch {
	case strings.TrimSpace(override) != "":
		out.Version = strings.TrimSuffix(strings.TrimSpace(override), "+dirty")
	case info != nil && info.Main.Version != "" && info.Main.Version != "(devel)":
		out.Version = strings.TrimSuffix(info.Main.Version, "+dirty")
	default:
		if v := vcs.pseudo(); v != "" {
			out.Version = v
		}
	}
	return out
}

type vcsState struct {
	revision string
	when     time.Time
	modified bool
}

func readVCS(info *debug.BuildInfo) vcsState {
	var state vcsState
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			state.revision = setting.Value
		case "vcs.time":
			if parsed, err := time.Parse(time.RFC3339, setting.Value); err == nil {
				state.when = parsed
			}
		case "vcs.modified":
			state.modified = setting.Value == "true"
		}
	}
	return state
}

func (s vcsState) pseudo() string {
	if s.revision == "" || s.when.IsZero() {
		return ""
	}
	rev := s.revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	return "v0.0.0-" + s.when.UTC().Format("20060102150405") + "-" + rev
}
