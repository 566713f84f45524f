package protocol

import (
	"strings"
	"testing"
)

func TestInstructionsUsesDefaultMarker(t *testing.T) {
	text := Instructions("")
	if !strings.Contains(text, "`DONE`") {
		t.Fatalf("expected default marker in instructions, got:\n%s", text)
	}
}

func TestInstructionsUsesCustomMarker(t *testing.T) {
	text := Instructions("ALL-TESTS-GREEN")
	if !strings.Contains(text, "`ALL-TESTS-GREEN`") {
		t.Fatalf("expected custom marker in instructions, got:\n%s", text)
	}
	if strings.Contains(text, "`DONE`") {
		t.Fatalf("default marker should be replaced, got:\n%s", text)
	}
}

func TestInstructionsMentionsCompaction(t *testing.T) {
	if !strings.Contains(Instructions(""), "please /compact") {
		t.Fatalf("instructions must teach the compaction signal")
	}
}
