// Package buildinfo exposes the binary's version metadata. Values come from
// -ldflags at release time; dev builds fall back to the module's embedded
// VCS stamps.
package buildinfo

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"
)

// Overridden by the linker:
//
//	-X .../internal/buildinfo.Version=v1.2.3
var (
	Version    = "0.1.0"
	CommitHash = ""
	BuildDate  = ""
)

const devVersion = "0.1.0"

// Info is normalized build metadata for display.
type Info struct {
	Version    string
	CommitHash string
	BuildDate  string
}

// String renders the one-line form used by the version command and the web
// status endpoint.
func (i Info) String() string {
	return fmt.Sprintf("flywheel %s (commit %s, built %s)", i.Version, i.CommitHash, i.BuildDate)
}

// Current returns build metadata from linker overrides, filling gaps from
// the runtime's embedded build settings. Every field is non-empty; missing
// data reads "unknown".
func Current() Info {
	info := Info{
		Version:    strings.TrimSpace(Version),
		CommitHash: strings.TrimSpace(CommitHash),
		BuildDate:  strings.TrimSpace(BuildDate),
	}
	stamp := readVCS()

	if info.Version == "" || info.Version == devVersion {
		if stamp.modVersion != "" {
			info.Version = stamp.modVersion
		}
	}
	if info.CommitHash == "" {
		info.CommitHash = stamp.revision
	}
	if info.BuildDate == "" {
		info.BuildDate = stamp.time
	}
	if t, err := time.Parse(time.RFC3339, info.BuildDate); err == nil {
		info.BuildDate = t.UTC().Format("2006-01-02 15:04:05 UTC")
	}

	return Info{
		Version:    orUnknown(info.Version),
		CommitHash: orUnknown(info.CommitHash),
		BuildDate:  orUnknown(info.BuildDate),
	}
}

type vcsStamp struct {
	modVersion string
	revision   string
	time       string
}

func readVCS() vcsStamp {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return vcsStamp{}
	}
	var s vcsStamp
	if v := bi.Main.Version; v != "" && v != "(devel)" {
		s.modVersion = v
	}
	dirty := false
	for _, kv := range bi.Settings {
		v := strings.TrimSpace(kv.Value)
		switch kv.Key {
		case "vcs.revision":
			s.revision = v
		case "vcs.time":
			s.time = v
		case "vcs.modified":
			dirty = strings.EqualFold(v, "true")
		}
	}
	if dirty && s.revision != "" {
		s.revision += "-dirty"
	}
	return s
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
