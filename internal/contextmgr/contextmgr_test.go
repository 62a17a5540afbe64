package contextmgr

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"wireloop/engine/internal/llm"
)

func textMsg(role llm.Role, text string) llm.Message {
	return llm.Message{Role: role, Content: []llm.ContentBlock{{Kind: llm.ContentText, Text: text}}}
}

func TestFitDropsOldestMessagesFirst(t *testing.T) {
	m := New(DefaultConfig(), nil)
	var messages []llm.Message
	for i := 0; i < 50; i++ {
		messages = append(messages, textMsg(llm.RoleUser, strings.Repeat("x", 400)))
	}
	fitted := m.Fit(messages, nil, 2000)
	if len(fitted) == 0 || len(fitted) >= len(messages) {
		t.Fatalf("expected fit to drop some messages, kept %d of %d", len(fitted), len(messages))
	}
	// The retained messages must be a chronological suffix of the input.
	wantTail := messages[len(messages)-len(fitted):]
	for i := range fitted {
		if fitted[i].Content[0].Text != wantTail[i].Content[0].Text {
			t.Fatalf("expected fit to retain the most recent suffix in order")
		}
	}
}

func TestFitReservesToolSchemaBudget(t *testing.T) {
	m := New(DefaultConfig(), nil)
	messages := []llm.Message{textMsg(llm.RoleUser, strings.Repeat("y", 4000))}
	tools := make([]llm.ToolSchema, 10)
	withTools := m.Fit(messages, tools, 1000)
	withoutTools := m.Fit(messages, nil, 1000)
	if len(withTools) > 0 && len(withoutTools) == 0 {
		t.Fatalf("reserving tool schema tokens should never keep more than the no-tools case")
	}
}

func TestEstimateRequestTokensGrowsWithToolSchemas(t *testing.T) {
	base := llm.Request{
		System:   "be helpful",
		Messages: []llm.Message{textMsg(llm.RoleUser, "hello there")},
	}
	withTools := base
	withTools.Tools = []llm.ToolSchema{
		{Name: "read", Description: "read a file", Parameters: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`)},
	}
	if got, baseline := EstimateRequestTokens(withTools), EstimateRequestTokens(base); got <= baseline {
		t.Fatalf("expected tool schema bytes to grow the estimate, got %d vs baseline %d", got, baseline)
	}
}

func TestEstimateRequestTokensCountsSystemPrompt(t *testing.T) {
	withoutSystem := llm.Request{Messages: []llm.Message{textMsg(llm.RoleUser, "hi")}}
	withSystem := withoutSystem
	withSystem.System = strings.Repeat("s", 400)
	if got, baseline := EstimateRequestTokens(withSystem), EstimateRequestTokens(withoutSystem); got <= baseline {
		t.Fatalf("expected system prompt to grow the estimate, got %d vs baseline %d", got, baseline)
	}
}

func TestShouldCompactThreshold(t *testing.T) {
	m := New(DefaultConfig(), nil)
	if m.ShouldCompact(650, 1000) {
		t.Fatalf("65%% usage should not trigger compaction")
	}
	if !m.ShouldCompact(750, 1000) {
		t.Fatalf("75%% usage should trigger compaction")
	}
}

func TestDropLeadingOrphanToolResults(t *testing.T) {
	orphan := llm.Message{Role: llm.RoleUser, Content: []llm.ContentBlock{{Kind: llm.ContentToolRes, ToolUseID: "call-1", ToolResult: "stale"}}}
	toolUse := llm.Message{Role: llm.RoleAssistant, Content: []llm.ContentBlock{{Kind: llm.ContentToolUse, ToolUseID: "call-2", ToolName: "search"}}}
	toolResult := llm.Message{Role: llm.RoleUser, Content: []llm.ContentBlock{{Kind: llm.ContentToolRes, ToolUseID: "call-2", ToolResult: "ok"}}}
	trailing := textMsg(llm.RoleAssistant, "done")

	got := DropLeadingOrphanToolResults([]llm.Message{orphan, toolUse, toolResult, trailing})
	if len(got) != 3 {
		t.Fatalf("expected leading orphan dropped, got %d messages", len(got))
	}
	if got[0].Role != llm.RoleAssistant {
		t.Fatalf("expected history to now start at the tool-use message, got role %q", got[0].Role)
	}
}

func TestDropLeadingOrphanToolResultsKeepsAllOrphanHistory(t *testing.T) {
	orphan := llm.Message{Role: llm.RoleUser, Content: []llm.ContentBlock{{Kind: llm.ContentToolRes, ToolUseID: "call-1", ToolResult: "stale"}}}
	got := DropLeadingOrphanToolResults([]llm.Message{orphan, orphan})
	if len(got) != 0 {
		t.Fatalf("expected an all-orphan history to fully drop, got %d", len(got))
	}
}

type fakeStreamer struct {
	chunks []string
}

func (f *fakeStreamer) Stream(ctx context.Context, req llm.Request) (<-chan llm.Event, error) {
	ch := make(chan llm.Event, len(f.chunks)+1)
	for _, c := range f.chunks {
		ch <- llm.Event{Kind: llm.EventTextDelta, Text: c}
	}
	ch <- llm.Event{Kind: llm.EventStop, StopReason: "stop"}
	close(ch)
	return ch, nil
}

type recordingMemory struct {
	sessionID string
	summary   string
}

func (r *recordingMemory) AppendDaily(ctx context.Context, sessionID, summaryText string) error {
	r.sessionID = sessionID
	r.summary = summaryText
	return nil
}

func TestCompactProducesSummaryAndPreservesToolTriple(t *testing.T) {
	mem := &recordingMemory{}
	m := New(DefaultConfig(), mem)

	var messages []llm.Message
	for i := 0; i < 20; i++ {
		messages = append(messages, textMsg(llm.RoleUser, "earlier turn"))
	}
	toolUse := llm.Message{Role: llm.RoleAssistant, Content: []llm.ContentBlock{
		{Kind: llm.ContentText, Text: "checking the repo"},
		{Kind: llm.ContentToolUse, ToolUseID: "call-9", ToolName: "search", ToolArgs: json.RawMessage(`{}`)},
	}}
	toolResult := llm.Message{Role: llm.RoleUser, Content: []llm.ContentBlock{{Kind: llm.ContentToolRes, ToolUseID: "call-9", ToolResult: "3 matches"}}}
	messages = append(messages, toolUse, toolResult)
	for i := 0; i < 3; i++ {
		messages = append(messages, textMsg(llm.RoleAssistant, "recent turn"))
	}

	streamer := &fakeStreamer{chunks: []string{"Current Task: ", "fix the bug"}}
	summary, tail, err := m.Compact(context.Background(), "sess-1", "gpt-5.2", messages, 200000, streamer)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if summary != "Current Task: fix the bug" {
		t.Fatalf("expected summary to accumulate streamed chunks, got %q", summary)
	}
	if mem.summary != summary || mem.sessionID != "sess-1" {
		t.Fatalf("expected daily memory log to receive the summary")
	}
	if len(tail) == 0 {
		t.Fatalf("expected a non-empty retained tail")
	}
	// The tail must not start with an orphaned tool-result.
	first := tail[0]
	for _, b := range first.Content {
		if b.Kind == llm.ContentToolRes {
			t.Fatalf("retained tail must not begin with a tool-result block")
		}
	}
}

func TestCompactNoopWhenHistoryShorterThanTail(t *testing.T) {
	m := New(DefaultConfig(), nil)
	messages := []llm.Message{textMsg(llm.RoleUser, "hi")}
	summary, tail, err := m.Compact(context.Background(), "sess-2", "gpt-5.2", messages, 200000, &fakeStreamer{})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if summary != "" {
		t.Fatalf("expected no summary when under the preserve-tail size")
	}
	if len(tail) != len(messages) {
		t.Fatalf("expected unchanged messages back, got %d", len(tail))
	}
}
