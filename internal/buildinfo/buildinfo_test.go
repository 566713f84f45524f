package buildinfo

import (
	"strings"
	"testing"
)

// swap replaces the linker variables for one test and restores them after.
func swap(t *testing.T, version, commit, date string) {
	t.Helper()
	ov, oc, od := Version, CommitHash, BuildDate
	t.Cleanup(func() { Version, CommitHash, BuildDate = ov, oc, od })
	Version, CommitHash, BuildDate = version, commit, date
}

func TestCurrentUsesLinkerOverrides(t *testing.T) {
	swap(t, "v1.2.3", "abc1234", "2026-02-12T10:11:12Z")

	info := Current()
	if info.Version != "v1.2.3" {
		t.Fatalf("version = %q, want v1.2.3", info.Version)
	}
	if info.CommitHash != "abc1234" {
		t.Fatalf("commit = %q, want abc1234", info.CommitHash)
	}
	if info.BuildDate != "2026-02-12 10:11:12 UTC" {
		t.Fatalf("date = %q, want normalized UTC form", info.BuildDate)
	}
}

func TestCurrentNeverReturnsEmptyFields(t *testing.T) {
	swap(t, "", "", "")

	info := Current()
	for name, v := range map[string]string{
		"version": info.Version,
		"commit":  info.CommitHash,
		"date":    info.BuildDate,
	} {
		if v == "" {
			t.Fatalf("%s is empty, want a value or \"unknown\"", name)
		}
	}
}

func TestCurrentKeepsNonRFC3339DateVerbatim(t *testing.T) {
	swap(t, "v1.0.0", "c0ffee1", "yesterday")

	if got := Current().BuildDate; got != "yesterday" {
		t.Fatalf("date = %q, want verbatim passthrough", got)
	}
}

func TestInfoString(t *testing.T) {
	s := Info{Version: "v9.9.9", CommitHash: "deadbee", BuildDate: "2026-01-01 00:00:00 UTC"}.String()
	if !strings.Contains(s, "flywheel v9.9.9") || !strings.Contains(s, "deadbee") {
		t.Fatalf("unexpected render: %q", s)
	}
}

func TestOrUnknown(t *testing.T) {
	if orUnknown("") != "unknown" || orUnknown("x") != "x" {
		t.Fatal("orUnknown mapping wrong")
	}
}
