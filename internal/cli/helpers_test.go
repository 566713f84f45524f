package cli

import (
	"strings"
	"testing"
	"time"

	"github.com/flywheeldev/flywheel/internal/runner"
)

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{500 * time.Millisecond, "500ms"},
		{2500 * time.Millisecond, "2.5s"},
		{90 * time.Second, "1m30s"},
		{61 * time.Minute, "1h01m"},
	}
	for _, tc := range cases {
		if got := formatDuration(tc.in); got != tc.want {
			t.Fatalf("formatDuration(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("truncate() = %q, want %q", got, "short")
	}
	got := truncate("a very long string indeed", 10)
	if got != "a very ..." {
		t.Fatalf("truncate() = %q, want %q", got, "a very ...")
	}
	if len(got) != 10 {
		t.Fatalf("truncate() length = %d, want 10", len(got))
	}
	if got := truncate("abcdef", 2); got != "ab" {
		t.Fatalf("truncate() tiny = %q, want %q", got, "ab")
	}
}

func TestStripAnsi(t *testing.T) {
	in := colorGreen + "ok" + colorReset + " plain"
	if got := stripAnsi(in); got != "ok plain" {
		t.Fatalf("stripAnsi() = %q, want %q", got, "ok plain")
	}
}

func TestStateBadge(t *testing.T) {
	badge := stateBadge(runner.StateRunning)
	if stripAnsi(badge) != "[running]" {
		t.Fatalf("stateBadge() stripped = %q, want %q", stripAnsi(badge), "[running]")
	}
	if !strings.Contains(badge, colorGreen) {
		t.Fatalf("expected running badge to use green, got %q", badge)
	}
}

func TestGenerateToken(t *testing.T) {
	a := generateToken()
	b := generateToken()
	if len(a) != 64 {
		t.Fatalf("generateToken() length = %d, want 64", len(a))
	}
	if a == b {
		t.Fatalf("expected distinct tokens, got %q twice", a)
	}
}

func TestFormatTimeZero(t *testing.T) {
	if got := formatTime(time.Time{}); got != "-" {
		t.Fatalf("formatTime(zero) = %q, want %q", got, "-")
	}
}
