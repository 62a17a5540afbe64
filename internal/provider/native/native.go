// Package native implements the Provider Adapter (spec §4.2) for
// Anthropic's native Messages API, streaming via the official SDK.
package native

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"wireloop/engine/internal/contextmgr"
	"wireloop/engine/internal/egress"
	"wireloop/engine/internal/llm"
	"wireloop/engine/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultMaxTokens = 8192

	// oauthCredentialPrefix marks a stored credential as a Claude Pro/Max
	// OAuth access token (see oauth.go) rather than a raw console API key.
	oauthCredentialPrefix = "oauth:"
	oauthBetaHeader       = "oauth-2025-04-20"
)

// Config configures one Adapter instance. APIKey is either a raw console
// API key, sent via x-api-key, or a Claude Pro/Max OAuth access token
// carrying an "oauth:" prefix (see oauth.go), sent as a bearer token with
// the oauth-2025-04-20 beta header instead.
type Config struct {
	APIKey  string
	BaseURL string
	Logger  *slog.Logger
}

// Adapter streams requests against Anthropic's Messages API.
type Adapter struct {
	client anthropicsdk.Client
	log    *slog.Logger
}

func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("native: api key required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	host := hostOf(baseURL)
	transport := egress.NewAllowlistRoundTripper(http.DefaultTransport, []string{host})
	httpClient := &http.Client{Timeout: 180 * time.Second, Transport: transport}

	opts := []option.RequestOption{option.WithHTTPClient(httpClient)}
	if token, ok := strings.CutPrefix(cfg.APIKey, oauthCredentialPrefix); ok {
		opts = append(opts,
			option.WithHeader("Authorization", "Bearer "+token),
			option.WithHeader("anthropic-beta", oauthBetaHeader),
		)
	} else {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Adapter{client: anthropicsdk.NewClient(opts...), log: log}, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// ValidateKey issues a minimal, cheap request to confirm the credential
// is accepted (spec §4.2's "validate this key" operation).
func (a *Adapter) ValidateKey(ctx context.Context, apiKey string) error {
	reqOpts := []option.RequestOption{}
	if token, ok := strings.CutPrefix(apiKey, oauthCredentialPrefix); ok {
		reqOpts = append(reqOpts,
			option.WithHeader("Authorization", "Bearer "+token),
			option.WithHeader("anthropic-beta", oauthBetaHeader),
		)
	} else {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}
	_, err := a.client.Messages.New(ctx, anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.ModelClaudeHaiku4_5,
		MaxTokens: 1,
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(".")),
		},
	}, reqOpts...)
	return wrapAPIError(err)
}

// Stream issues a streaming Messages request and translates Anthropic's
// SSE event stream into the canonical llm.Event sequence. Mid-stream
// failures close the channel without an EventStop, which the Session
// Loop treats as llm.ErrDroppedStream and retries (spec §4.5).
func (a *Adapter) Stream(ctx context.Context, req llm.Request) (<-chan llm.Event, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}
	events := make(chan llm.Event, provider.EventBufferSize)
	go a.run(ctx, params, contextmgr.EstimateRequestTokens(req), events)
	return events, nil
}

func (a *Adapter) run(ctx context.Context, params anthropicsdk.MessageNewParams, fallbackInputTokens int, events chan<- llm.Event) {
	defer close(events)

	stream := a.client.Messages.NewStreaming(ctx, params)
	if stream == nil {
		a.log.Error("native: nil stream returned")
		return
	}
	defer stream.Close()

	var currentToolID, currentToolName string
	var toolArgs strings.Builder
	inTool := false
	var usage llm.Usage
	var scrubber provider.HostileContentScrubber

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropicsdk.MessageStartEvent:
			usage.InputTokens = int(ev.Message.Usage.InputTokens)
			if usage.InputTokens == 0 {
				usage.InputTokens = fallbackInputTokens
			}

		case anthropicsdk.ContentBlockStartEvent:
			if block, ok := ev.ContentBlock.AsAny().(anthropicsdk.ToolUseBlock); ok {
				inTool = true
				currentToolID = block.ID
				currentToolName = block.Name
				toolArgs.Reset()
				events <- llm.Event{Kind: llm.EventToolUseStart, ToolCallID: currentToolID, ToolName: currentToolName}
			}

		case anthropicsdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropicsdk.TextDelta:
				if delta.Text != "" {
					visible, reasoning := scrubber.Append(delta.Text)
					if visible != "" {
						events <- llm.Event{Kind: llm.EventTextDelta, Text: visible}
					}
					if reasoning != "" {
						events <- llm.Event{Kind: llm.EventReasonDelta, Text: reasoning}
					}
				}
			case anthropicsdk.ThinkingDelta:
				if delta.Thinking != "" {
					events <- llm.Event{Kind: llm.EventReasonDelta, Text: delta.Thinking}
				}
			case anthropicsdk.InputJSONDelta:
				if delta.PartialJSON != "" {
					toolArgs.WriteString(delta.PartialJSON)
					events <- llm.Event{Kind: llm.EventToolArgDelta, ToolCallID: currentToolID, ArgsFragment: delta.PartialJSON}
				}
			}

		case anthropicsdk.ContentBlockStopEvent:
			if inTool {
				events <- llm.Event{Kind: llm.EventToolUseEnd, ToolCallID: currentToolID, ToolName: currentToolName, ArgsFinal: toolArgs.String()}
				inTool = false
			}

		case anthropicsdk.MessageDeltaEvent:
			if ev.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(ev.Usage.OutputTokens)
			}

		case anthropicsdk.MessageStopEvent:
			if rest := scrubber.Flush(); rest != "" {
				events <- llm.Event{Kind: llm.EventTextDelta, Text: rest}
			}
			events <- llm.Event{Kind: llm.EventUsage, Usage: usage}
			events <- llm.Event{Kind: llm.EventStop, StopReason: "stop"}
			return
		}
	}

	if err := stream.Err(); err != nil {
		a.log.Error("native: stream error", "error", err)
		if classified := wrapAPIError(err); errors.Is(classified, llm.ErrContextTooLong) {
			events <- llm.Event{Kind: llm.EventError, Err: classified}
			return
		}
	}
	// Falling off the loop without a MessageStopEvent or EventError means
	// the transport dropped the stream; closing without either signals
	// that to the caller (llm.ErrDroppedStream).
}

func buildParams(req llm.Request) (anthropicsdk.MessageNewParams, error) {
	systemBlocks, messages, err := convertMessages(req.Messages)
	if err != nil {
		return anthropicsdk.MessageNewParams{}, err
	}

	maxTokens := req.Sampling.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if budget := thinkingBudget(req.Sampling.ReasoningEffort, maxTokens); budget > 0 {
		params.Thinking = anthropicsdk.ThinkingConfigParamOfEnabled(budget)
	} else if req.Sampling.Temperature > 0 {
		// Anthropic rejects a temperature override alongside extended
		// thinking, so it's only sent when thinking is off.
		params.Temperature = param.NewOpt(req.Sampling.Temperature)
	}
	if req.System != "" {
		systemBlocks = append([]anthropicsdk.TextBlockParam{{Text: req.System}}, systemBlocks...)
	}
	if len(systemBlocks) > 0 {
		params.System = systemBlocks
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	return params, nil
}

// thinkingBudget maps a RequestProfile reasoning-effort label (spec §4.2,
// also threaded onto llm.SamplingParams) to an extended-thinking token
// budget, following the teacher's resolveReasoningEffort/defaultReasoningEffort
// tiering in internal/anthropic/client.go. Returns 0 when thinking should
// stay disabled, leaving room under maxTokens for the final answer.
func thinkingBudget(effort string, maxTokens int) int64 {
	var budget int64
	switch strings.ToLower(strings.TrimSpace(effort)) {
	case "low":
		budget = 4096
	case "medium":
		budget = 8192
	case "high":
		budget = 16384
	case "max":
		budget = 32768
	default:
		return 0
	}
	if room := int64(maxTokens) - 1024; room > 0 && budget > room {
		budget = room
	}
	if budget <= 0 {
		return 0
	}
	return budget
}

func convertMessages(messages []llm.Message) ([]anthropicsdk.TextBlockParam, []anthropicsdk.MessageParam, error) {
	var systemBlocks []anthropicsdk.TextBlockParam
	out := make([]anthropicsdk.MessageParam, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			for _, block := range msg.Content {
				if block.Kind == llm.ContentText && strings.TrimSpace(block.Text) != "" {
					systemBlocks = append(systemBlocks, anthropicsdk.TextBlockParam{Text: block.Text})
				}
			}
			continue
		case llm.RoleAssistant:
			content, err := convertAssistantContent(msg.Content)
			if err != nil {
				return nil, nil, err
			}
			if len(content) == 0 {
				continue
			}
			out = append(out, anthropicsdk.MessageParam{Role: anthropicsdk.MessageParamRoleAssistant, Content: content})
		case llm.RoleTool:
			out = append(out, anthropicsdk.MessageParam{
				Role:    anthropicsdk.MessageParamRoleUser,
				Content: convertToolResultContent(msg.Content),
			})
		default:
			out = append(out, anthropicsdk.MessageParam{
				Role:    anthropicsdk.MessageParamRoleUser,
				Content: convertUserContent(msg.Content),
			})
		}
	}
	return systemBlocks, out, nil
}

func convertAssistantContent(blocks []llm.ContentBlock) ([]anthropicsdk.ContentBlockParamUnion, error) {
	out := make([]anthropicsdk.ContentBlockParamUnion, 0, len(blocks))
	for _, block := range blocks {
		switch block.Kind {
		case llm.ContentText:
			if block.Text != "" {
				out = append(out, anthropicsdk.NewTextBlock(block.Text))
			}
		case llm.ContentToolUse:
			var input any
			if len(block.ToolArgs) > 0 {
				if err := json.Unmarshal(block.ToolArgs, &input); err != nil {
					return nil, err
				}
			}
			out = append(out, anthropicsdk.NewToolUseBlock(block.ToolUseID, input, block.ToolName))
		}
	}
	return out, nil
}

func convertToolResultContent(blocks []llm.ContentBlock) []anthropicsdk.ContentBlockParamUnion {
	out := make([]anthropicsdk.ContentBlockParamUnion, 0, len(blocks))
	for _, block := range blocks {
		if block.Kind == llm.ContentToolRes {
			out = append(out, anthropicsdk.NewToolResultBlock(block.ToolUseID, block.ToolResult, block.IsError))
		}
	}
	return out
}

func convertUserContent(blocks []llm.ContentBlock) []anthropicsdk.ContentBlockParamUnion {
	out := make([]anthropicsdk.ContentBlockParamUnion, 0, len(blocks))
	for _, block := range blocks {
		if block.Kind == llm.ContentText && block.Text != "" {
			out = append(out, anthropicsdk.NewTextBlock(block.Text))
		}
	}
	if len(out) == 0 {
		out = append(out, anthropicsdk.NewTextBlock("."))
	}
	return out
}

func convertTools(tools []llm.ToolSchema) []anthropicsdk.ToolUnionParam {
	out := make([]anthropicsdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropicsdk.ToolInputSchemaParam
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &schema)
		}
		if schema.Type == "" {
			schema.Type = "object"
		}
		tool := anthropicsdk.ToolParam{Name: t.Name, InputSchema: schema}
		if t.Description != "" {
			tool.Description = anthropicsdk.String(t.Description)
		}
		out = append(out, anthropicsdk.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func wrapAPIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return llm.ErrUnauthorized
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return llm.ErrRateLimited
		case apiErr.StatusCode == http.StatusBadRequest && isContextLengthMessage(apiErr.Error()):
			return llm.ErrContextTooLong
		case apiErr.StatusCode >= 500:
			return llm.ErrUnavailable
		}
	}
	return err
}

// isContextLengthMessage recognizes Anthropic's 400 response prose for a
// request that overflows the model's context window; there is no
// dedicated error type for it in the SDK, only message text.
func isContextLengthMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "prompt is too long") || strings.Contains(msg, "maximum context length") || strings.Contains(msg, "too many tokens")
}
