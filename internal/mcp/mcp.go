// Package mcp folds external MCP tool servers into the same catalog the
// built-in tools live in (spec §4.1: "registers external tool servers into
// the same catalog as built-ins"). Each configured server is connected
// once at startup over stdio or SSE; every tool it advertises is wrapped
// as a toolcat.Tool whose Handler proxies the call back to that server.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"wireloop/engine/internal/llm"
	"wireloop/engine/internal/settings"
	"wireloop/engine/internal/toolcat"
)

const clientName = "wireloop-engine"

// Client owns one live session per configured external tool server.
type Client struct {
	log      *slog.Logger
	sessions []*mcpsdk.ClientSession
}

// Connect dials every configured server and returns a Client holding the
// live sessions; callers must Close it on shutdown. A server that fails
// to connect is logged and skipped rather than failing the whole batch —
// one misconfigured external tool server should not prevent every other
// tool (built-in or remote) from working.
func Connect(ctx context.Context, servers []settings.MCPServerConfig, log *slog.Logger) *Client {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	c := &Client{log: log}
	impl := &mcpsdk.Implementation{Name: clientName, Version: "1.0.0"}

	for _, srv := range servers {
		transport, err := transportFor(srv)
		if err != nil {
			log.Warn("mcp: skipping server with invalid config", "server", srv.Name, "error", err)
			continue
		}
		client := mcpsdk.NewClient(impl, nil)
		session, err := client.Connect(ctx, transport)
		if err != nil {
			log.Warn("mcp: failed to connect to server", "server", srv.Name, "error", err)
			continue
		}
		c.sessions = append(c.sessions, session)
	}
	return c
}

func transportFor(srv settings.MCPServerConfig) (mcpsdk.Transport, error) {
	switch {
	case srv.Command != "":
		return mcpsdk.NewCommandTransport(exec.Command(srv.Command, srv.Args...)), nil
	case srv.URL != "":
		return mcpsdk.NewSSEClientTransport(srv.URL, nil), nil
	default:
		return nil, fmt.Errorf("mcp: server %q has neither command nor url", srv.Name)
	}
}

// RegisterInto lists every tool each connected server advertises and adds
// it to reg under its own name, proxying execution back to the owning
// session. A name collision with a built-in or an earlier server's tool
// is logged and skipped — the built-in catalog wins.
func (c *Client) RegisterInto(ctx context.Context, reg *toolcat.Registry) {
	for _, session := range c.sessions {
		result, err := session.ListTools(ctx, &mcpsdk.ListToolsParams{})
		if err != nil {
			c.log.Warn("mcp: failed to list tools", "error", err)
			continue
		}
		for _, tool := range result.Tools {
			if err := reg.Register(c.toolcatTool(session, tool)); err != nil {
				c.log.Warn("mcp: skipping tool, registration failed", "tool", tool.Name, "error", err)
			}
		}
	}
}

func (c *Client) toolcatTool(session *mcpsdk.ClientSession, tool *mcpsdk.Tool) toolcat.Tool {
	schema, err := json.Marshal(tool.InputSchema)
	if err != nil || len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	return toolcat.Tool{
		Schema: llm.ToolSchema{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schema,
		},
		Metadata: toolcat.Metadata{
			// An external server's own cost/side-effect profile is
			// unknown; default to the conservative posture (spec §4.1's
			// destructive/approval metadata exists exactly for this).
			Destructive:               true,
			RequiresApprovalByDefault: true,
		},
		Handler: c.handlerFor(session, tool.Name),
	}
}

func (c *Client) handlerFor(session *mcpsdk.ClientSession, toolName string) toolcat.Handler {
	return func(ctx context.Context, tc *toolcat.ToolContext, args json.RawMessage) (string, error) {
		var arguments map[string]any
		if len(args) > 0 {
			if err := json.Unmarshal(args, &arguments); err != nil {
				return "", fmt.Errorf("mcp: %s: decode arguments: %w", toolName, err)
			}
		}
		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: toolName, Arguments: arguments})
		if err != nil {
			return "", fmt.Errorf("mcp: %s: %w", toolName, err)
		}
		text := textContent(result)
		if result.IsError {
			return text, fmt.Errorf("mcp: %s: tool reported an error", toolName)
		}
		return text, nil
	}
}

func textContent(result *mcpsdk.CallToolResult) string {
	var out string
	for _, block := range result.Content {
		if tc, ok := block.(*mcpsdk.TextContent); ok {
			if out != "" {
				out += "\n"
			}
			out += tc.Text
		}
	}
	return out
}

// Close tears down every live session. Errors are logged, not returned —
// shutdown proceeds regardless of which servers respond cleanly.
func (c *Client) Close() {
	for _, session := range c.sessions {
		if err := session.Close(); err != nil {
			c.log.Warn("mcp: error closing session", "error", err)
		}
	}
}
