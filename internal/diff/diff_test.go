package diff

import (
	"strings"
	"testing"
)

func TestTextDiffLines(t *testing.T) {
	before := "alpha\nbeta\n"
	after := "alpha\ngamma\n"
	hunks := TextDiff(before, after)
	if len(hunks) == 0 {
		t.Fatalf("expected hunks")
	}
	lines := hunks[0].Lines
	if len(lines) == 0 {
		t.Fatalf("expected lines")
	}
	foundAdded := false
	foundRemoved := false
	for _, line := range lines {
		if line.Type == LineAdded {
			foundAdded = true
		}
		if line.Type == LineRemoved {
			foundRemoved = true
		}
	}
	if !foundAdded || !foundRemoved {
		t.Fatalf("expected added and removed lines")
	}
}

func TestUnifiedTextProducesLiteralDiffMarkers(t *testing.T) {
	before := "alpha\nbeta\n"
	after := "alpha\ngamma\n"
	hunks := TextDiff(before, after)
	text := UnifiedText("notes.txt", hunks)

	for _, want := range []string{"--- notes.txt", "+++ notes.txt", "@@ -", "+gamma", "-beta"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected unified text to contain %q, got:\n%s", want, text)
		}
	}
}
