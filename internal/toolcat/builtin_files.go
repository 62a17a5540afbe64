package toolcat

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"wireloop/engine/internal/diff"
	"wireloop/engine/internal/llm"
)

const maxReadBytes = 512 * 1024

// ReadFileTool returns the built-in "read" tool: reads a file's text
// content, bounded to the session's working directory. A file larger than
// maxReadBytes is cut to its first maxReadBytes bytes and a truncation
// note is appended.
func ReadFileTool() Tool {
	return Tool{
		Schema: llm.ToolSchema{
			Name:        "read",
			Description: "Read the text content of a file at the given path, relative to the working directory. Files over 512 KiB are truncated.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {"path": {"type": "string", "description": "File path"}},
				"required": ["path"]
			}`),
		},
		Metadata: Metadata{Idempotent: true},
		Handler:  handleReadFile,
	}
}

type readArgs struct {
	Path string `json:"path"`
}

func handleReadFile(ctx context.Context, tc *ToolContext, args json.RawMessage) (string, error) {
	var a readArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("toolcat: read: %w", err)
	}
	resolved, err := resolveWithinWorkingDir(tc.WorkingDirectory, a.Path)
	if err != nil {
		return "", err
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("toolcat: read %q: %w", a.Path, err)
	}
	if len(data) > maxReadBytes {
		return fmt.Sprintf("%s\n\n[truncated: file is %d bytes, showing first %d]", data[:maxReadBytes], len(data), maxReadBytes), nil
	}
	return string(data), nil
}

// WriteFileTool returns the built-in "write" tool: creates or overwrites
// a file, returning a unified diff against the previous content (spec
// §4.1: "tools that edit files must emit a unified diff in their result
// text").
func WriteFileTool() Tool {
	return Tool{
		Schema: llm.ToolSchema{
			Name:        "write",
			Description: "Create or overwrite a file with the given content. Returns a unified diff of the change.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string"},
					"content": {"type": "string"}
				},
				"required": ["path", "content"]
			}`),
		},
		Metadata: Metadata{Destructive: true, RequiresApprovalByDefault: true},
		Handler:  handleWriteFile,
	}
}

type writeArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func handleWriteFile(ctx context.Context, tc *ToolContext, args json.RawMessage) (string, error) {
	var a writeArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("toolcat: write: %w", err)
	}
	resolved, err := resolveWithinWorkingDir(tc.WorkingDirectory, a.Path)
	if err != nil {
		return "", err
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	before := ""
	if existing, err := os.ReadFile(resolved); err == nil {
		before = string(existing)
	}
	if err := os.WriteFile(resolved, []byte(a.Content), 0o644); err != nil {
		return "", fmt.Errorf("toolcat: write %q: %w", a.Path, err)
	}
	tc.subprogress(fmt.Sprintf("wrote %s", a.Path))
	hunks := diff.TextDiff(before, a.Content)
	return diff.UnifiedText(a.Path, hunks), nil
}

// EditFileTool returns the built-in "edit" tool: replaces one literal
// occurrence of old-text with new-text, returning a unified diff.
func EditFileTool() Tool {
	return Tool{
		Schema: llm.ToolSchema{
			Name:        "edit",
			Description: "Replace the first occurrence of old_text with new_text in a file. Returns a unified diff of the change.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string"},
					"old_text": {"type": "string"},
					"new_text": {"type": "string"}
				},
				"required": ["path", "old_text", "new_text"]
			}`),
		},
		Metadata: Metadata{Destructive: true, RequiresApprovalByDefault: true},
		Handler:  handleEditFile,
	}
}

type editArgs struct {
	Path    string `json:"path"`
	OldText string `json:"old_text"`
	NewText string `json:"new_text"`
}

func handleEditFile(ctx context.Context, tc *ToolContext, args json.RawMessage) (string, error) {
	var a editArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("toolcat: edit: %w", err)
	}
	resolved, err := resolveWithinWorkingDir(tc.WorkingDirectory, a.Path)
	if err != nil {
		return "", err
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("toolcat: edit %q: %w", a.Path, err)
	}
	before := string(data)
	idx := strings.Index(before, a.OldText)
	if idx < 0 {
		return "", fmt.Errorf("toolcat: edit %q: old_text not found", a.Path)
	}
	after := before[:idx] + a.NewText + before[idx+len(a.OldText):]
	if err := os.WriteFile(resolved, []byte(after), 0o644); err != nil {
		return "", fmt.Errorf("toolcat: edit %q: %w", a.Path, err)
	}
	tc.subprogress(fmt.Sprintf("edited %s", a.Path))
	hunks := diff.TextDiff(before, after)
	return diff.UnifiedText(a.Path, hunks), nil
}
