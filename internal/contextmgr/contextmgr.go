// Package contextmgr implements the Context Manager (spec §4.3): token
// budget tracking, trim-to-budget, and streamed summarize-and-compact,
// plus the orphan-tool-result invariant enforced after every trim or
// compaction.
package contextmgr

import (
	"context"
	"fmt"
	"strings"

	"wireloop/engine/internal/llm"
)

// Config holds the budget ratios and reserves spec §4.3 names.
type Config struct {
	// TargetHistoryRatio bounds fit() output to this fraction of the
	// window (spec: "target history ≤ 60% of window").
	TargetHistoryRatio float64
	// CompactThreshold is the usage fraction past which should_compact
	// returns true (spec: "true when usage exceeds 70% of the window").
	CompactThreshold float64
	// ToolSchemaReserve is the fixed per-tool overhead reserved against
	// the budget (spec: "~500 tokens/tool").
	ToolSchemaReserve int
	// CompactWindowRatio and CompactReserve cap the summarization
	// request itself (spec: "capped at 75% of window with 16k reserve").
	CompactWindowRatio float64
	CompactReserve     int
	// PreserveTailMessages is the minimum number of trailing messages
	// compact() tries to keep intact before invariant adjustment.
	PreserveTailMessages int
}

func DefaultConfig() Config {
	return Config{
		TargetHistoryRatio:   0.60,
		CompactThreshold:     0.70,
		ToolSchemaReserve:    500,
		CompactWindowRatio:   0.75,
		CompactReserve:       16000,
		PreserveTailMessages: 6,
	}
}

// MemoryLogAppender is the daily-memory-log append seam (spec §4.3: the
// summary "is appended to a daily memory-log file (external
// collaborator)"). The Context Manager only needs to know it can hand a
// session's compaction summary to something; what that something does
// with it — file, search index, or nothing — is out of scope here.
type MemoryLogAppender interface {
	AppendDaily(ctx context.Context, sessionID, summaryText string) error
}

// Streamer is the subset of the Provider Adapter contract the Context
// Manager needs to run its own streamed summarization call.
type Streamer interface {
	Stream(ctx context.Context, req llm.Request) (<-chan llm.Event, error)
}

type Manager struct {
	cfg    Config
	memory MemoryLogAppender
}

func New(cfg Config, memory MemoryLogAppender) *Manager {
	return &Manager{cfg: cfg, memory: memory}
}

// EstimateTokens is a deterministic, BPE-compatible-enough estimator: no
// tokenizer table ships in this repo's dependency pack, so token count is
// approximated at one token per four characters of serialized content,
// which keeps fit()/should_compact() monotonic and reproducible across
// runs without pulling in a model-specific vocabulary.
func EstimateTokens(messages []llm.Message) int {
	total := 0
	for _, msg := range messages {
		total += estimateMessageTokens(msg)
	}
	return total
}

func estimateMessageTokens(msg llm.Message) int {
	total := 4 // role + framing overhead
	for _, b := range msg.Content {
		total += estimateBlockTokens(b)
	}
	return total
}

func estimateBlockTokens(b llm.ContentBlock) int {
	chars := len(b.Text) + len(b.RefURI) + len(b.ToolResult) + len(b.ToolArgs) + len(b.ToolName)
	tokens := (chars + 3) / 4
	switch b.Kind {
	case llm.ContentToolUse, llm.ContentToolRes:
		tokens += 8 // id/name/json framing overhead
	}
	return tokens
}

// toolSchemaTokens reserves a fixed overhead per tool schema attached to
// the request, rather than re-serializing each schema's JSON.
func toolSchemaTokens(tools []llm.ToolSchema, reservePerTool int) int {
	return len(tools) * reservePerTool
}

// EstimateRequestTokens approximates the token count of an outgoing
// request from its serialized shape, including tool schema bytes. A
// Provider Adapter falls back to this when a provider reports
// usage: {total_tokens: 0} mid-stream (spec §4.2): unlike
// toolSchemaTokens's fixed per-tool reserve (used for budget tracking,
// where exact schema size doesn't matter), the fallback has to reflect
// what was actually serialized onto the wire.
func EstimateRequestTokens(req llm.Request) int {
	total := EstimateTokens(req.Messages) + (len(req.System)+3)/4
	for _, t := range req.Tools {
		chars := len(t.Name) + len(t.Description) + len(t.Parameters)
		total += (chars + 3) / 4
	}
	return total
}

// Fit trims messages down to the target history budget, dropping the
// oldest messages first, then re-applies the orphan-tool-result
// invariant. It never drops the invariant itself — dropping can only
// remove whole leading messages, never split a message's content blocks.
func (m *Manager) Fit(messages []llm.Message, tools []llm.ToolSchema, windowTokens int) []llm.Message {
	reserve := toolSchemaTokens(tools, m.cfg.ToolSchemaReserve)
	budget := int(float64(windowTokens)*m.cfg.TargetHistoryRatio) - reserve
	if budget < 0 {
		budget = 0
	}

	kept := make([]llm.Message, 0, len(messages))
	total := 0
	for i := len(messages) - 1; i >= 0; i-- {
		cost := estimateMessageTokens(messages[i])
		if len(kept) > 0 && total+cost > budget {
			break
		}
		kept = append(kept, messages[i])
		total += cost
	}
	// kept was built newest-first; reverse back to chronological order.
	for l, r := 0, len(kept)-1; l < r; l, r = l+1, r-1 {
		kept[l], kept[r] = kept[r], kept[l]
	}
	return DropLeadingOrphanToolResults(kept)
}

// ShouldCompact reports whether usage has crossed the compaction
// threshold for the given window.
func (m *Manager) ShouldCompact(usedTokens, windowTokens int) bool {
	if windowTokens <= 0 {
		return false
	}
	return float64(usedTokens)/float64(windowTokens) > m.cfg.CompactThreshold
}

// DropLeadingOrphanToolResults strips any run of leading tool-result
// content blocks whose tool-use-id has no matching tool-use block earlier
// in the slice (spec §3: "a tool-result at the head of history without
// its originating tool-use is forbidden"). It operates on whole messages:
// a message is dropped only if every content block it carries is an
// orphaned tool-result; a mixed message is left untouched once its first
// tool-result is no longer at the very head of the sequence.
func DropLeadingOrphanToolResults(messages []llm.Message) []llm.Message {
	seenToolUse := map[string]bool{}
	start := 0
	for i, msg := range messages {
		allOrphanResults := len(msg.Content) > 0
		for _, b := range msg.Content {
			switch b.Kind {
			case llm.ContentToolUse:
				seenToolUse[b.ToolUseID] = true
				allOrphanResults = false
			case llm.ContentToolRes:
				if seenToolUse[b.ToolUseID] {
					allOrphanResults = false
				}
			default:
				allOrphanResults = false
			}
		}
		if !allOrphanResults {
			start = i
			break
		}
		start = i + 1
	}
	return messages[start:]
}

const summarySystemPrompt = `You are compressing a long-running coding-agent conversation into a dense,
structured handoff summary. Produce exactly these sections, each a short
paragraph or bullet list:

Current Task:
Decisions:
Files Modified:
State:
Errors:
Next Steps:

Preserve concrete facts: file paths, function names, error messages,
numbers, and anything left unresolved. Omit pleasantries. Output only the
summary body.`

// Compact summarizes the older portion of a session's history via a
// streamed LLM call and returns the summary text plus the retained tail
// of recent messages, unchanged in content. The caller is responsible for
// assembling the replacement message list (a synthetic assistant message
// carrying summaryText, followed by retainedTail) and persisting it.
func (m *Manager) Compact(ctx context.Context, sessionID, model string, messages []llm.Message, windowTokens int, streamer Streamer) (summaryText string, retainedTail []llm.Message, err error) {
	if len(messages) <= m.cfg.PreserveTailMessages {
		return "", messages, nil
	}
	cut := len(messages) - m.cfg.PreserveTailMessages
	cut = adjustCutForToolTriple(messages, cut)

	older := messages[:cut]
	tail := DropLeadingOrphanToolResults(messages[cut:])

	cap := int(float64(windowTokens)*m.cfg.CompactWindowRatio) - m.cfg.CompactReserve
	if cap < 0 {
		cap = 0
	}
	older = capToTokenBudget(older, cap)

	req := llm.Request{
		Model:    model,
		System:   summarySystemPrompt,
		Messages: older,
		Sampling: llm.SamplingParams{MaxOutputTokens: 1024},
	}
	events, err := streamer.Stream(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("contextmgr: compact stream: %w", err)
	}

	var buf strings.Builder
	for ev := range events {
		if ev.Kind == llm.EventTextDelta {
			buf.WriteString(ev.Text)
		}
	}
	summary := strings.TrimSpace(buf.String())
	if summary == "" {
		summary = "(summary unavailable: empty model response)"
	}

	if m.memory != nil {
		_ = m.memory.AppendDaily(ctx, sessionID, summary)
	}
	return summary, tail, nil
}

// adjustCutForToolTriple walks the cut point earlier if it would split an
// assistant message's tool-use blocks from their tool-result message,
// keeping the most recent such triple intact in the retained tail.
func adjustCutForToolTriple(messages []llm.Message, cut int) int {
	for cut > 0 && cut < len(messages) {
		prev := messages[cut-1]
		hasOpenToolUse := false
		for _, b := range prev.Content {
			if b.Kind == llm.ContentToolUse {
				hasOpenToolUse = true
				break
			}
		}
		if !hasOpenToolUse {
			break
		}
		cut--
	}
	if cut < 0 {
		cut = 0
	}
	return cut
}

// capToTokenBudget keeps the most recent messages that fit budget,
// dropping the earliest (least relevant to the handoff) ones first.
func capToTokenBudget(messages []llm.Message, budget int) []llm.Message {
	total := 0
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		cost := estimateMessageTokens(messages[i])
		if start < len(messages) && total+cost > budget {
			break
		}
		total += cost
		start = i
	}
	return messages[start:]
}
