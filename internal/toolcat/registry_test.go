package toolcat

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"wireloop/engine/internal/llm"
)

func echoTool() Tool {
	return Tool{
		Schema: llm.ToolSchema{
			Name:        "echo",
			Description: "echoes pattern back",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {"pattern": {"type": "string"}},
				"required": ["pattern"]
			}`),
		},
		Handler: func(ctx context.Context, tc *ToolContext, args json.RawMessage) (string, error) {
			var a struct {
				Pattern string `json:"pattern"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return "", err
			}
			return a.Pattern, nil
		},
	}
}

func TestRegisterRejectsDuplicateNames(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool()); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(echoTool()); err == nil {
		t.Fatal("expected error registering duplicate tool name")
	}
}

func TestListSchemasReturnsRegistered(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool()); err != nil {
		t.Fatal(err)
	}
	schemas := r.ListSchemas()
	if len(schemas) != 1 || schemas[0].Name != "echo" {
		t.Fatalf("unexpected schemas: %+v", schemas)
	}
}

func TestNormalizeAppliesAliasTable(t *testing.T) {
	r := NewRegistry()
	raw := json.RawMessage(`{"query":"foo","cmd":"ls","file":"a.txt"}`)
	normalized := r.Normalize(raw)
	var decoded map[string]string
	if err := json.Unmarshal(normalized, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["pattern"] != "foo" || decoded["command"] != "ls" || decoded["path"] != "a.txt" {
		t.Fatalf("alias normalization failed: %+v", decoded)
	}
}

// TestExecuteAliasEquivalence covers testable property 7: executing a
// tool with a canonical key or its alias must produce the same result.
func TestExecuteAliasEquivalence(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool()); err != nil {
		t.Fatal(err)
	}
	tc := &ToolContext{WorkingDirectory: t.TempDir()}

	canonical, err := r.Execute(context.Background(), tc, "echo", json.RawMessage(`{"pattern":"hello"}`))
	if err != nil {
		t.Fatalf("canonical execute: %v", err)
	}
	aliased, err := r.Execute(context.Background(), tc, "echo", json.RawMessage(`{"query":"hello"}`))
	if err != nil {
		t.Fatalf("aliased execute: %v", err)
	}
	if canonical != aliased {
		t.Fatalf("alias equivalence violated: %q != %q", canonical, aliased)
	}
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool()); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Validate("echo", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected validation error for missing required field")
	}
}

func TestExecuteUnknownToolErrors(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Execute(context.Background(), &ToolContext{}, "nope", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestExecuteRespectsCanceledContext(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Execute(ctx, &ToolContext{}, "echo", json.RawMessage(`{"pattern":"x"}`)); err == nil {
		t.Fatal("expected context-canceled error")
	}
}

func TestReadFileToolReadsContent(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := ReadFileTool()
	tc := &ToolContext{WorkingDirectory: dir}
	out, err := tool.Handler(context.Background(), tc, json.RawMessage(`{"path":"a.txt"}`))
	if err != nil {
		t.Fatal(err)
	}
	if out != "hello world" {
		t.Fatalf("got %q", out)
	}
}

func TestReadFileToolRejectsEscapingPath(t *testing.T) {
	dir := t.TempDir()
	tool := ReadFileTool()
	tc := &ToolContext{WorkingDirectory: dir}
	if _, err := tool.Handler(context.Background(), tc, json.RawMessage(`{"path":"../../etc/passwd"}`)); err == nil {
		t.Fatal("expected sandbox escape error")
	}
}

func TestWriteFileToolProducesUnifiedDiff(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("alpha\nbeta\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := WriteFileTool()
	tc := &ToolContext{WorkingDirectory: dir}
	out, err := tool.Handler(context.Background(), tc, json.RawMessage(`{"path":"a.txt","content":"alpha\ngamma\n"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "-beta") || !strings.Contains(out, "+gamma") {
		t.Fatalf("expected unified diff markers, got %q", out)
	}
	written, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(written) != "alpha\ngamma\n" {
		t.Fatalf("file not written as expected: %q", written)
	}
}

func TestEditFileToolReplacesFirstOccurrence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("foo bar foo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := EditFileTool()
	tc := &ToolContext{WorkingDirectory: dir}
	_, err := tool.Handler(context.Background(), tc, json.RawMessage(`{"path":"a.txt","old_text":"foo","new_text":"baz"}`))
	if err != nil {
		t.Fatal(err)
	}
	written, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(written) != "baz bar foo\n" {
		t.Fatalf("expected only first occurrence replaced, got %q", written)
	}
}

func TestEditFileToolErrorsWhenOldTextMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("foo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := EditFileTool()
	tc := &ToolContext{WorkingDirectory: dir}
	if _, err := tool.Handler(context.Background(), tc, json.RawMessage(`{"path":"a.txt","old_text":"nope","new_text":"baz"}`)); err == nil {
		t.Fatal("expected error when old_text not found")
	}
}

func TestBashToolRunsCommandAndCapturesOutput(t *testing.T) {
	tool := BashTool(nil)
	tc := &ToolContext{WorkingDirectory: t.TempDir()}
	out, err := tool.Handler(context.Background(), tc, json.RawMessage(`{"command":"echo hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "hi" {
		t.Fatalf("got %q", out)
	}
}

func TestBashToolRejectsCommandOutsideAllowlist(t *testing.T) {
	tool := BashTool([]string{"^echo "})
	tc := &ToolContext{WorkingDirectory: t.TempDir()}
	if _, err := tool.Handler(context.Background(), tc, json.RawMessage(`{"command":"rm -rf /"}`)); err == nil {
		t.Fatal("expected allowlist rejection")
	}
}

func TestBashToolTimesOutLongRunningCommand(t *testing.T) {
	tool := BashTool(nil)
	tc := &ToolContext{WorkingDirectory: t.TempDir()}
	_, err := tool.Handler(context.Background(), tc, json.RawMessage(`{"command":"sleep 5","timeout_secs":1}`))
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestSearchToolFindsMatchesAndScopesByGlob(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\nfunc Foo() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("Foo appears here too\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := SearchTool(nil)
	tc := &ToolContext{WorkingDirectory: dir}

	out, err := tool.Handler(context.Background(), tc, json.RawMessage(`{"pattern":"Foo"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "a.go") || !strings.Contains(out, "b.txt") {
		t.Fatalf("expected matches in both files, got %q", out)
	}

	scoped, err := tool.Handler(context.Background(), tc, json.RawMessage(`{"pattern":"Foo","glob":"*.go"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(scoped, "a.go") || strings.Contains(scoped, "b.txt") {
		t.Fatalf("glob scoping failed, got %q", scoped)
	}
}

func TestSearchToolReturnsNoMatchesSentinel(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("nothing relevant\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := SearchTool(nil)
	tc := &ToolContext{WorkingDirectory: dir}
	out, err := tool.Handler(context.Background(), tc, json.RawMessage(`{"pattern":"zzz_not_present"}`))
	if err != nil {
		t.Fatal(err)
	}
	if out != "no matches" {
		t.Fatalf("got %q", out)
	}
}
