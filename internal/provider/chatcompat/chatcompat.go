// Package chatcompat implements the Provider Adapter (spec §4.2) for the
// OpenAI-compatible chat-completions wire family. It backs both OpenAI
// itself and Mistral, which exposes a wire-compatible
// /v1/chat/completions endpoint under a different base URL and model
// allowlist.
package chatcompat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"wireloop/engine/internal/contextmgr"
	"wireloop/engine/internal/egress"
	"wireloop/engine/internal/llm"
	"wireloop/engine/internal/provider"
)

// Config configures one Adapter instance. BaseURL distinguishes OpenAI
// from a wire-compatible backend like Mistral.
type Config struct {
	APIKey  string
	BaseURL string
	Logger  *slog.Logger
}

type Adapter struct {
	client openai.Client
	log    *slog.Logger
}

func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("chatcompat: api key required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("chatcompat: base url required")
	}
	host := hostOf(cfg.BaseURL)
	transport := egress.NewAllowlistRoundTripper(http.DefaultTransport, []string{host})
	httpClient := &http.Client{Timeout: 180 * time.Second, Transport: transport}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithHTTPClient(httpClient),
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Adapter{client: openai.NewClient(opts...), log: log}, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// ValidateKey issues a minimal completion request to confirm the
// credential is accepted.
func (a *Adapter) ValidateKey(ctx context.Context, apiKey string) error {
	_, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:     openai.ChatModel("gpt-4o-mini"),
		Messages:  []openai.ChatCompletionMessageParamUnion{openai.UserMessage(".")},
		MaxTokens: openai.Int(1),
	}, option.WithAPIKey(apiKey))
	return wrapAPIError(err)
}

// pendingToolCall accumulates one tool_calls[i] slot across chunks,
// keyed by its stream index per spec §4.2's "streaming tool-call
// accumulator keyed by tool_calls[i].index".
type pendingToolCall struct {
	id, name string
	args     strings.Builder
	started  bool
}

// Stream issues a streaming chat-completions request and translates
// OpenAI-compatible SSE chunks into the canonical llm.Event sequence.
func (a *Adapter) Stream(ctx context.Context, req llm.Request) (<-chan llm.Event, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}
	events := make(chan llm.Event, provider.EventBufferSize)
	go a.run(ctx, params, contextmgr.EstimateRequestTokens(req), events)
	return events, nil
}

func (a *Adapter) run(ctx context.Context, params openai.ChatCompletionNewParams, fallbackInputTokens int, events chan<- llm.Event) {
	defer close(events)

	stream := a.client.Chat.Completions.NewStreaming(ctx, params)
	if stream == nil {
		a.log.Error("chatcompat: nil stream returned")
		return
	}
	defer stream.Close()

	pending := make(map[int64]*pendingToolCall)
	var usage llm.Usage
	var scrubber provider.HostileContentScrubber
	sawFinish := false

	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			usage.InputTokens = int(chunk.Usage.PromptTokens)
			usage.OutputTokens = int(chunk.Usage.CompletionTokens)
		}
		if usage.InputTokens == 0 {
			usage.InputTokens = fallbackInputTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			visible, reasoning := scrubber.Append(choice.Delta.Content)
			if visible != "" {
				events <- llm.Event{Kind: llm.EventTextDelta, Text: visible}
			}
			if reasoning != "" {
				events <- llm.Event{Kind: llm.EventReasonDelta, Text: reasoning}
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			slot, ok := pending[tc.Index]
			if !ok {
				slot = &pendingToolCall{}
				pending[tc.Index] = slot
			}
			if tc.ID != "" {
				slot.id = tc.ID
			}
			if tc.Function.Name != "" {
				slot.name = tc.Function.Name
			}
			if !slot.started && slot.id != "" && slot.name != "" {
				slot.started = true
				events <- llm.Event{Kind: llm.EventToolUseStart, ToolCallID: slot.id, ToolName: slot.name}
			}
			if tc.Function.Arguments != "" {
				slot.args.WriteString(tc.Function.Arguments)
				if slot.started {
					events <- llm.Event{Kind: llm.EventToolArgDelta, ToolCallID: slot.id, ArgsFragment: tc.Function.Arguments}
				}
			}
		}

		if choice.FinishReason != "" {
			sawFinish = true
			for _, slot := range pending {
				if slot.started {
					events <- llm.Event{Kind: llm.EventToolUseEnd, ToolCallID: slot.id, ToolName: slot.name, ArgsFinal: slot.args.String()}
				}
			}
			if rest := scrubber.Flush(); rest != "" {
				events <- llm.Event{Kind: llm.EventTextDelta, Text: rest}
			}
			events <- llm.Event{Kind: llm.EventUsage, Usage: usage}
			events <- llm.Event{Kind: llm.EventStop, StopReason: string(choice.FinishReason)}
		}
	}

	if err := stream.Err(); err != nil {
		a.log.Error("chatcompat: stream error", "error", err)
		if classified := wrapAPIError(err); errors.Is(classified, llm.ErrContextTooLong) {
			events <- llm.Event{Kind: llm.EventError, Err: classified}
		}
		return
	}
	if !sawFinish {
		// Transport closed without a finish_reason: dropped stream,
		// signalled to the caller by a channel close with no EventStop.
		return
	}
}

func buildParams(req llm.Request) (openai.ChatCompletionNewParams, error) {
	messages, err := convertMessages(req.Messages, req.System)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.Sampling.MaxOutputTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.Sampling.MaxOutputTokens))
	}
	if req.Sampling.Temperature > 0 {
		params.Temperature = openai.Float(req.Sampling.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	return params, nil
}

func convertMessages(messages []llm.Message, system string) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if strings.TrimSpace(system) != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			if text := joinText(msg.Content); text != "" {
				out = append(out, openai.SystemMessage(text))
			}
		case llm.RoleAssistant:
			param, err := assistantMessage(msg.Content)
			if err != nil {
				return nil, err
			}
			out = append(out, param)
		case llm.RoleTool:
			for _, block := range msg.Content {
				if block.Kind == llm.ContentToolRes {
					out = append(out, openai.ToolMessage(block.ToolResult, block.ToolUseID))
				}
			}
		default:
			out = append(out, openai.UserMessage(joinText(msg.Content)))
		}
	}
	return out, nil
}

func joinText(blocks []llm.ContentBlock) string {
	var sb strings.Builder
	for _, block := range blocks {
		if block.Kind == llm.ContentText {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

func assistantMessage(blocks []llm.ContentBlock) (openai.ChatCompletionMessageParamUnion, error) {
	msg := openai.ChatCompletionAssistantMessageParam{}
	text := joinText(blocks)
	if text != "" {
		msg.Content.OfString = openai.String(text)
	}
	var calls []openai.ChatCompletionMessageToolCallUnionParam
	for _, block := range blocks {
		if block.Kind != llm.ContentToolUse {
			continue
		}
		calls = append(calls, openai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
				ID: block.ToolUseID,
				Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      block.ToolName,
					Arguments: string(block.ToolArgs),
				},
			},
		})
	}
	msg.ToolCalls = calls
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &msg}, nil
}

func convertTools(tools []llm.ToolSchema) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		params := openai.FunctionParameters{}
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &params)
		}
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  params,
		}))
	}
	return out
}

func wrapAPIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.Error
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

// isContextLengthMessage recognizes the chat-completions family's 400
// response prose ("context_length_exceeded") for a request that overflows
// the model's context window.
func isContextLengthMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "context_length_exceeded") || strings.Contains(msg, "maximum context length") || strings.Contains(msg, "too many tokens")
}
