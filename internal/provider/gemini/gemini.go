// Package gemini implements the Provider Adapter (spec §4.2) for
// Google's Gemini API via the generative-ai-go SDK.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"wireloop/engine/internal/contextmgr"
	"wireloop/engine/internal/egress"
	"wireloop/engine/internal/llm"
	"wireloop/engine/internal/provider"
)

const geminiHost = "generativelanguage.googleapis.com"

type Config struct {
	APIKey string
	Logger *slog.Logger
}

type Adapter struct {
	client *genai.Client
	log    *slog.Logger
}

func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini: api key required")
	}
	transport := egress.NewAllowlistRoundTripper(http.DefaultTransport, []string{geminiHost})
	httpClient := &http.Client{Timeout: 180 * time.Second, Transport: transport}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey), option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Adapter{client: client, log: log}, nil
}

// ValidateKey issues a minimal generation request to confirm the
// credential is accepted.
func (a *Adapter) ValidateKey(ctx context.Context, apiKey string) error {
	transport := egress.NewAllowlistRoundTripper(http.DefaultTransport, []string{geminiHost})
	httpClient := &http.Client{Timeout: 30 * time.Second, Transport: transport}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey), option.WithHTTPClient(httpClient))
	if err != nil {
		return err
	}
	defer client.Close()
	model := client.GenerativeModel("gemini-2.0-flash")
	_, err = model.GenerateContent(ctx, genai.Text("."))
	return wrapAPIError(err)
}

// Stream issues a streaming GenerateContent request and translates
// Gemini's response-chunk iterator into the canonical llm.Event
// sequence.
func (a *Adapter) Stream(ctx context.Context, req llm.Request) (<-chan llm.Event, error) {
	model := a.client.GenerativeModel(req.Model)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if len(req.Tools) > 0 {
		model.Tools = convertTools(req.Tools)
	}
	if req.Sampling.MaxOutputTokens > 0 {
		maxTokens := int32(req.Sampling.MaxOutputTokens)
		model.MaxOutputTokens = &maxTokens
	}

	history, lastParts, err := convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	cs := model.StartChat()
	cs.History = history

	events := make(chan llm.Event, provider.EventBufferSize)
	go a.run(ctx, cs, lastParts, contextmgr.EstimateRequestTokens(req), events)
	return events, nil
}

func (a *Adapter) run(ctx context.Context, cs *genai.ChatSession, parts []genai.Part, fallbackInputTokens int, events chan<- llm.Event) {
	defer close(events)

	iter := cs.SendMessageStream(ctx, parts...)
	var usage llm.Usage
	var scrubber provider.HostileContentScrubber
	toolSeq := 0
	sawStop := false

	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			a.log.Error("gemini: stream error", "error", err)
			if classified := wrapAPIError(err); errors.Is(classified, llm.ErrContextTooLong) {
				events <- llm.Event{Kind: llm.EventError, Err: classified}
			}
			return
		}
		if resp.UsageMetadata != nil {
			usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
			usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}
		if usage.InputTokens == 0 {
			usage.InputTokens = fallbackInputTokens
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			switch v := part.(type) {
			case genai.Text:
				if string(v) != "" {
					visible, reasoning := scrubber.Append(string(v))
					if visible != "" {
						events <- llm.Event{Kind: llm.EventTextDelta, Text: visible}
					}
					if reasoning != "" {
						events <- llm.Event{Kind: llm.EventReasonDelta, Text: reasoning}
					}
				}
			case genai.FunctionCall:
				toolSeq++
				id := syntheticToolCallID(toolSeq)
				args, _ := json.Marshal(v.Args)
				events <- llm.Event{Kind: llm.EventToolUseStart, ToolCallID: id, ToolName: v.Name}
				events <- llm.Event{Kind: llm.EventToolArgDelta, ToolCallID: id, ArgsFragment: string(args)}
				events <- llm.Event{Kind: llm.EventToolUseEnd, ToolCallID: id, ToolName: v.Name, ArgsFinal: string(args)}
			}
		}
		if reason := resp.Candidates[0].FinishReason; reason != genai.FinishReasonUnspecified {
			sawStop = true
			if rest := scrubber.Flush(); rest != "" {
				events <- llm.Event{Kind: llm.EventTextDelta, Text: rest}
			}
			events <- llm.Event{Kind: llm.EventUsage, Usage: usage}
			events <- llm.Event{Kind: llm.EventStop, StopReason: reason.String()}
		}
	}

	if !sawStop {
		// Iterator drained without a finish reason: treated as a
		// dropped stream by the caller (channel closed, no EventStop).
		return
	}
}

// syntheticToolCallID mints a stable per-turn id since Gemini function
// calls carry no provider-assigned call id, unlike the native and
// chat-compatible families.
func syntheticToolCallID(seq int) string {
	return "gemini-call-" + strconv.Itoa(seq)
}

func convertMessages(messages []llm.Message) ([]*genai.Content, []genai.Part, error) {
	var history []*genai.Content
	for i, msg := range messages {
		isLast := i == len(messages)-1
		switch msg.Role {
		case llm.RoleSystem:
			continue
		case llm.RoleTool:
			parts := toolResultParts(msg.Content)
			if isLast {
				return history, parts, nil
			}
			history = append(history, &genai.Content{Role: "function", Parts: parts})
		case llm.RoleAssistant:
			parts := assistantParts(msg.Content)
			if isLast {
				return history, parts, nil
			}
			history = append(history, &genai.Content{Role: "model", Parts: parts})
		default:
			parts := []genai.Part{genai.Text(joinText(msg.Content))}
			if isLast {
				return history, parts, nil
			}
			history = append(history, &genai.Content{Role: "user", Parts: parts})
		}
	}
	return history, []genai.Part{genai.Text(".")}, nil
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

func assistantParts(blocks []llm.ContentBlock) []genai.Part {
	var parts []genai.Part
	for _, block := range blocks {
		switch block.Kind {
		case llm.ContentText:
			if block.Text != "" {
				parts = append(parts, genai.Text(block.Text))
			}
		case llm.ContentToolUse:
			var args map[string]any
			if len(block.ToolArgs) > 0 {
				_ = json.Unmarshal(block.ToolArgs, &args)
			}
			parts = append(parts, genai.FunctionCall{Name: block.ToolName, Args: args})
		}
	}
	if len(parts) == 0 {
		parts = append(parts, genai.Text("."))
	}
	return parts
}

func toolResultParts(blocks []llm.ContentBlock) []genai.Part {
	var parts []genai.Part
	for _, block := range blocks {
		if block.Kind == llm.ContentToolRes {
			parts = append(parts, genai.FunctionResponse{
				Name:     block.ToolName,
				Response: map[string]any{"result": block.ToolResult},
			})
		}
	}
	if len(parts) == 0 {
		parts = append(parts, genai.Text("."))
	}
	return parts
}

func convertTools(tools []llm.ToolSchema) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		schema := convertSchema(t.Parameters)
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func convertSchema(raw json.RawMessage) *genai.Schema {
	if len(raw) == 0 {
		return &genai.Schema{Type: genai.TypeObject}
	}
	var decoded struct {
		Type       string                     `json:"type"`
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	props := make(map[string]*genai.Schema, len(decoded.Properties))
	for name, propRaw := range decoded.Properties {
		var prop struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		}
		_ = json.Unmarshal(propRaw, &prop)
		props[name] = &genai.Schema{Type: jsonTypeToGenai(prop.Type), Description: prop.Description}
	}
	return &genai.Schema{Type: genai.TypeObject, Properties: props, Required: decoded.Required}
}

func jsonTypeToGenai(t string) genai.Type {
	switch t {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

func wrapAPIError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "PERMISSION_DENIED") || strings.Contains(msg, "UNAUTHENTICATED"):
		return llm.ErrUnauthorized
	case strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED"):
		return llm.ErrRateLimited
	case strings.Contains(msg, "token count") || strings.Contains(msg, "exceeds the maximum") || strings.Contains(msg, "context length"):
		return llm.ErrContextTooLong
	case strings.Contains(msg, "500") || strings.Contains(msg, "503") || strings.Contains(msg, "UNAVAILABLE"):
		return llm.ErrUnavailable
	default:
		return err
	}
}
