package mcp

import (
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"wireloop/engine/internal/settings"
)

func TestTransportForCommandServer(t *testing.T) {
	transport, err := transportFor(settings.MCPServerConfig{Name: "local", Command: "mcp-fs-server", Args: []string{"--root", "/tmp"}})
	if err != nil {
		t.Fatalf("transportFor: %v", err)
	}
	if _, ok := transport.(*mcpsdk.CommandTransport); !ok {
		t.Fatalf("expected a CommandTransport, got %T", transport)
	}
}

func TestTransportForSSEServer(t *testing.T) {
	transport, err := transportFor(settings.MCPServerConfig{Name: "remote", URL: "https://tools.example.com/sse"})
	if err != nil {
		t.Fatalf("transportFor: %v", err)
	}
	if transport == nil {
		t.Fatal("expected a non-nil transport")
	}
}

func TestTransportForRejectsEmptyConfig(t *testing.T) {
	if _, err := transportFor(settings.MCPServerConfig{Name: "broken"}); err == nil {
		t.Fatal("expected an error for a server with neither command nor url")
	}
}

func TestTextContentJoinsTextBlocks(t *testing.T) {
	result := &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: "first line"},
			&mcpsdk.TextContent{Text: "second line"},
		},
	}
	got := textContent(result)
	want := "first line\nsecond line"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTextContentEmptyOnNoTextBlocks(t *testing.T) {
	result := &mcpsdk.CallToolResult{}
	if got := textContent(result); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}
