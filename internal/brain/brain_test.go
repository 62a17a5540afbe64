package brain

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wireloop/engine/internal/looprunner"
)

func writeFragment(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write fragment: %v", err)
	}
}

func TestSystemPromptConcatenatesPlainFragments(t *testing.T) {
	dir := t.TempDir()
	writeFragment(t, dir, "b.md", "second")
	writeFragment(t, dir, "a.md", "first")

	r, err := New(dir, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer r.Close()

	got, err := r.SystemPrompt(context.Background(), looprunner.SessionState{ModelName: "gpt-5.2"})
	if err != nil {
		t.Fatalf("system prompt: %v", err)
	}
	want := "first\n\nsecond"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSystemPromptHonorsPriorityOrder(t *testing.T) {
	dir := t.TempDir()
	writeFragment(t, dir, "first.md", "---\npriority: 1\n---\nfirst")
	writeFragment(t, dir, "zzz.md", "---\npriority: 0\n---\nzeroth")

	r, err := New(dir, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer r.Close()

	got, err := r.SystemPrompt(context.Background(), looprunner.SessionState{ModelName: "gpt-5.2"})
	if err != nil {
		t.Fatalf("system prompt: %v", err)
	}
	want := "zeroth\n\nfirst"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSystemPromptFiltersByModelHint(t *testing.T) {
	dir := t.TempDir()
	writeFragment(t, dir, "gemini-only.md", "---\nmodel_hints: [gemini-2.5-pro]\n---\ngemini persona")
	writeFragment(t, dir, "universal.md", "shared persona")

	r, err := New(dir, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer r.Close()

	got, err := r.SystemPrompt(context.Background(), looprunner.SessionState{ModelName: "claude-opus-4-6"})
	if err != nil {
		t.Fatalf("system prompt: %v", err)
	}
	want := "shared persona"
	if got != want {
		t.Fatalf("got %q, want %q (gemini-only fragment should have been excluded)", got, want)
	}

	got, err = r.SystemPrompt(context.Background(), looprunner.SessionState{ModelName: "gemini-2.5-pro"})
	if err != nil {
		t.Fatalf("system prompt: %v", err)
	}
	want = "gemini persona\n\nshared persona"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSystemPromptRereadsFromDiskEveryCall(t *testing.T) {
	dir := t.TempDir()
	writeFragment(t, dir, "a.md", "original")

	r, err := New(dir, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer r.Close()

	sess := looprunner.SessionState{ModelName: "gpt-5.2"}
	got, err := r.SystemPrompt(context.Background(), sess)
	if err != nil {
		t.Fatalf("system prompt: %v", err)
	}
	if got != "original" {
		t.Fatalf("got %q, want %q", got, "original")
	}

	writeFragment(t, dir, "a.md", "edited")

	got, err = r.SystemPrompt(context.Background(), sess)
	if err != nil {
		t.Fatalf("system prompt: %v", err)
	}
	if got != "edited" {
		t.Fatalf("expected re-read to observe the edit, got %q", got)
	}
}

func TestMalformedFrontMatterFallsBackToWholeFileAsBody(t *testing.T) {
	dir := t.TempDir()
	writeFragment(t, dir, "broken.md", "---\n: not valid yaml: [\n---\nbody text")

	r, err := New(dir, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer r.Close()

	got, err := r.SystemPrompt(context.Background(), looprunner.SessionState{ModelName: "gpt-5.2"})
	if err != nil {
		t.Fatalf("system prompt: %v", err)
	}
	if got == "" {
		t.Fatalf("expected malformed front matter to still surface the file's content")
	}
}

func TestMissingDirectoryProducesEmptyPrompt(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist-yet")
	r, err := New(dir, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer r.Close()

	// New creates the directory, so exercise the "no fragments present yet" path.
	got, err := r.SystemPrompt(context.Background(), looprunner.SessionState{ModelName: "gpt-5.2"})
	if err != nil {
		t.Fatalf("system prompt: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty prompt for empty directory, got %q", got)
	}
}

func TestChangesSurfacesDirectoryEdits(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer r.Close()

	writeFragment(t, dir, "new.md", "content")

	select {
	case <-r.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change notification after writing a new fragment")
	}
}
