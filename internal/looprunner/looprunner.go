// Package looprunner implements the Session Loop (spec §4.5): the single
// per-session goroutine that turns one user submission into a finished
// assistant turn, streaming a provider, dispatching tool calls through
// approval, detecting repeat-call loops, and recovering from a dropped
// stream or a context-window rejection.
package looprunner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"wireloop/engine/internal/approval"
	"wireloop/engine/internal/contextmgr"
	"wireloop/engine/internal/errinfo"
	"wireloop/engine/internal/llm"
	"wireloop/engine/internal/provider"
	"wireloop/engine/internal/settings"
	"wireloop/engine/internal/store"
	"wireloop/engine/internal/toolcat"
)

// ProviderResolver maps a session's configured provider name to the live
// Adapter that serves it. The Scheduler owns the concrete providers; the
// Loop only ever asks for one by name.
type ProviderResolver interface {
	Resolve(providerName string) (provider.Adapter, error)
}

// BrainReader supplies the system-prompt text re-read fresh at the start
// of every iteration (spec §9 "Re-reading the brain": never cached).
type BrainReader interface {
	SystemPrompt(ctx context.Context, sess SessionState) (string, error)
}

// MemoryRecaller is the try-lock boundary onto the embedding engine and
// memory-search index (external collaborators, out of scope — spec §1).
// TryRecall must never block the Loop: on contention with the embedding
// engine's own mutex it returns ok=false immediately, and the Loop
// proceeds on the reduced-quality path of no recalled context (spec §5).
type MemoryRecaller interface {
	TryRecall(sessionID, query string) (context string, ok bool)
}

// SessionState is the live state the Scheduler keeps for one session and
// hands to the Loop on every submission. The Loop mutates
// CompactionWatermark in place across a Run call; the Scheduler hands the
// Loop a pointer to its own SessionState, so the next submission sees the
// advanced watermark.
type SessionState struct {
	SessionID        string
	ProviderName     string
	ModelName        string
	WorkingDirectory string
	WindowTokens     int
	ToolContext      *toolcat.ToolContext

	// CompactionWatermark excludes every message at or before this store
	// sequence number from future requests: the session's durable record
	// is append-only (spec §4.6), so a compaction advances this watermark
	// rather than rewriting or deleting history.
	CompactionWatermark int64
}

const (
	rateLimitMaxAttempts = 5
	rateLimitBaseDelay   = 10 * time.Second
	rateLimitMaxDelay    = 4 * time.Minute
)

// Config mirrors the loop-detection and retry knobs from settings.Settings
// (spec §4.5), plus a hard iteration ceiling distinct from loop detection
// itself — a backstop against a session that never trips the repeat-call
// threshold but also never reaches a stop.
type Config struct {
	LoopWindowSize           int
	LoopRepeatThreshold      int
	LoopDestructiveThreshold int
	StreamRetryMax           int
	MaxIterations            int
}

// ConfigFromSettings builds a Config from the live settings document,
// which is itself the source of truth for the loop-detection and
// stream-retry numbers (spec §6 "configuration inputs").
func ConfigFromSettings(cfg *settings.Settings) Config {
	return Config{
		LoopWindowSize:           cfg.LoopDetection.WindowSize,
		LoopRepeatThreshold:      cfg.LoopDetection.RepeatThreshold,
		LoopDestructiveThreshold: cfg.LoopDetection.DestructiveThreshold,
		StreamRetryMax:           cfg.StreamRetryCount,
		MaxIterations:            200,
	}
}

// Runner drives the Session Loop for every session sharing this process;
// it carries no per-session state of its own (SessionState is supplied
// fresh on every call to Run).
type Runner struct {
	providers ProviderResolver
	context   *contextmgr.Manager
	approval  *approval.Gate
	tools     *toolcat.Registry
	store     *store.Store
	brain     BrainReader
	memory    MemoryRecaller
	cfg       Config
	log       *slog.Logger
}

func New(providers ProviderResolver, ctxMgr *contextmgr.Manager, gate *approval.Gate, tools *toolcat.Registry, st *store.Store, brain BrainReader, cfg Config, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Runner{providers: providers, context: ctxMgr, approval: gate, tools: tools, store: st, brain: brain, cfg: cfg, log: log}
}

// SetMemoryRecaller wires the optional embedding-engine try-lock seam.
// A Runner with none set always takes the reduced-quality path (spec §5).
func (r *Runner) SetMemoryRecaller(m MemoryRecaller) {
	r.memory = m
}

// toolCallAccum is one fully-accumulated tool call for a finished
// iteration, after the provider's own transient call id has been rewritten
// to a session-unique one.
type toolCallAccum struct {
	id, name, argsFinal string
}

type iterationResult struct {
	text      string
	reasoning string
	toolCalls []toolCallAccum
	usage     llm.Usage
}

// Run drives one user submission through the full iteration algorithm
// until the session returns to Idle or Failed (spec §4.5): persist the
// user message, then loop build-request → stream → consume → execute
// tools → re-enter, emitting progress to sink throughout. ctx carries the
// session's single cancellation token (spec §5); cancellation at any
// checkpoint persists whatever text has been produced and resolves
// outstanding approvals as denied before returning.
func (r *Runner) Run(ctx context.Context, sess *SessionState, userMessage llm.Message, sink Sink) *errinfo.ErrorInfo {
	adapter, err := r.providers.Resolve(sess.ProviderName)
	if err != nil {
		info := errinfo.ProviderNotConfigured(errinfo.PhaseSessionLoop, sess.ProviderName)
		sink.Emit(ProgressEvent{Kind: ProgressProviderError, SessionID: sess.SessionID, ErrorInfo: info})
		return info
	}

	if _, err := r.store.AppendMessage(ctx, sess.SessionID, userMessage, llm.Usage{}); err != nil {
		return errinfo.Internal(errinfo.PhaseSessionLoop, fmt.Sprintf("persist user message: %v", err))
	}

	var loopWindow []string
	contextOverflowRetried := false

	for iteration := 0; iteration < r.cfg.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			return r.handleCancel(sess, sink, "", "")
		}

		history, err := r.store.LoadSince(ctx, sess.SessionID, sess.CompactionWatermark)
		if err != nil {
			return errinfo.Internal(errinfo.PhaseSessionLoop, fmt.Sprintf("load history: %v", err))
		}
		fitted := r.context.Fit(history, r.tools.ListSchemas(), sess.WindowTokens)

		system := ""
		if r.brain != nil {
			system, _ = r.brain.SystemPrompt(ctx, *sess)
		}
		if r.memory != nil {
			if recalled, ok := r.memory.TryRecall(sess.SessionID, plainText(userMessage)); ok && recalled != "" {
				system = strings.TrimRight(system, "\n") + "\n\n" + recalled
			}
		}

		req := llm.Request{
			Model:    sess.ModelName,
			System:   system,
			Messages: fitted,
			Tools:    r.tools.ListSchemas(),
		}

		sink.Emit(ProgressEvent{Kind: ProgressThinking, SessionID: sess.SessionID})

		result, streamErr := r.streamWithRetry(ctx, adapter, req, sess, sink)
		if streamErr != nil {
			if ctx.Err() != nil {
				return r.handleCancel(sess, sink, result.text, result.reasoning)
			}

			if errors.Is(streamErr, llm.ErrContextTooLong) {
				detail := streamErr.Error()
				if !contextOverflowRetried {
					contextOverflowRetried = true
					sink.Emit(ProgressEvent{Kind: ProgressThinking, SessionID: sess.SessionID})
					if compactErr := r.compact(ctx, sess, sink, adapter); compactErr == nil {
						continue
					} else {
						detail = fmt.Sprintf("%s (compaction also failed: %v)", detail, compactErr)
					}
				}
				info := errinfo.ContextExceeded(errinfo.PhaseSessionLoop, detail)
				r.persistFinalAssistant(context.Background(), sess, result.text, result.reasoning)
				sink.Emit(ProgressEvent{Kind: ProgressProviderError, SessionID: sess.SessionID, ErrorInfo: info})
				return info
			}

			var info *errinfo.ErrorInfo
			switch {
			case errors.Is(streamErr, llm.ErrDroppedStream):
				info = errinfo.DroppedStream(errinfo.PhaseSessionLoop, streamErr.Error())
			case errors.Is(streamErr, llm.ErrUnauthorized):
				info = errinfo.ProviderAuthFailed(errinfo.PhaseSessionLoop, sess.ProviderName)
			default:
				info = errinfo.ProviderError(errinfo.PhaseSessionLoop, streamErr.Error())
			}
			r.persistFinalAssistant(context.Background(), sess, result.text, result.reasoning)
			sink.Emit(ProgressEvent{Kind: ProgressProviderError, SessionID: sess.SessionID, ErrorInfo: info})
			return info
		}

		sink.Emit(ProgressEvent{Kind: ProgressContextUsage, SessionID: sess.SessionID, InputTokens: result.usage.InputTokens, WindowTokens: sess.WindowTokens})
		_ = r.store.UpdateMetadata(ctx, sess.SessionID, sess.ProviderName, sess.ModelName, result.usage.InputTokens)

		if len(result.toolCalls) == 0 {
			r.persistFinalAssistant(ctx, sess, result.text, result.reasoning)
			sink.Emit(ProgressEvent{Kind: ProgressStop, SessionID: sess.SessionID})
			return nil
		}

		sink.Emit(ProgressEvent{Kind: ProgressIntermediateText, SessionID: sess.SessionID, Text: result.text})

		assistantMsg := buildAssistantMessage(result.text, result.reasoning, result.toolCalls)
		if _, err := r.store.AppendMessage(ctx, sess.SessionID, assistantMsg, result.usage); err != nil {
			return errinfo.Internal(errinfo.PhaseSessionLoop, fmt.Sprintf("persist tool-use message: %v", err))
		}

		toolResultBlocks := make([]llm.ContentBlock, 0, len(result.toolCalls))
		for _, call := range result.toolCalls {
			if ctx.Err() != nil {
				return r.handleCancel(sess, sink, "", "")
			}

			normalized, validErr := r.tools.Validate(call.name, []byte(call.argsFinal))
			if validErr != nil {
				toolResultBlocks = append(toolResultBlocks, syntheticErrorResult(call.id, call.name, "bad arguments: "+validErr.Error()))
				continue
			}

			sig := toolCallSignature(call.name, call.argsFinal)
			loopWindow = append(loopWindow, sig)
			if len(loopWindow) > r.cfg.LoopWindowSize {
				loopWindow = loopWindow[len(loopWindow)-r.cfg.LoopWindowSize:]
			}
			threshold := r.cfg.LoopRepeatThreshold
			if meta, ok := r.tools.Metadata(call.name); ok && meta.Destructive {
				threshold = r.cfg.LoopDestructiveThreshold
			}
			if countOccurrences(loopWindow, sig) >= threshold {
				note := fmt.Sprintf("Loop detected: %q called %d+ times with identical arguments in the last %d tool calls. Stopping.", call.name, threshold, r.cfg.LoopWindowSize)
				info := errinfo.LoopDetected(errinfo.PhaseSessionLoop, note)
				r.appendSyntheticNote(ctx, sess, note)
				sink.Emit(ProgressEvent{Kind: ProgressLoopDetected, SessionID: sess.SessionID, ToolName: call.name})
				sink.Emit(ProgressEvent{Kind: ProgressProviderError, SessionID: sess.SessionID, ErrorInfo: info})
				return info
			}

			approvalID := uuid.NewString()
			sink.Emit(ProgressEvent{Kind: ProgressApprovalRequested, SessionID: sess.SessionID, ApprovalID: approvalID, ToolName: call.name, ToolArgs: normalized})
			decision, approvErr := r.approval.Request(ctx, approval.Request{ID: approvalID, SessionID: sess.SessionID, ToolName: call.name, Args: normalized})
			sink.Emit(ProgressEvent{Kind: ProgressApprovalResolved, SessionID: sess.SessionID, ApprovalID: approvalID, ToolName: call.name, Decision: string(decision)})
			if approvErr != nil {
				return r.handleCancel(sess, sink, "", "")
			}
			if decision == approval.DecisionDeny {
				toolResultBlocks = append(toolResultBlocks, syntheticErrorResult(call.id, call.name, "denied by user"))
				continue
			}

			sink.Emit(ProgressEvent{Kind: ProgressToolStarted, SessionID: sess.SessionID, ToolName: call.name, ToolArgs: normalized})
			resultText, toolErr := r.tools.Execute(ctx, sess.ToolContext, call.name, normalized)
			status := "succeeded"
			var unifiedDiff string
			if toolErr != nil {
				status = "failed"
				// A tool that errors out (notably a Timeout: builtin_bash.go
				// returns whatever stdout/stderr it captured before the kill)
				// may still have produced output worth keeping in the
				// tool-result text, so the error is appended rather than
				// replacing it.
				if strings.TrimSpace(resultText) != "" {
					resultText = resultText + "\nError: " + toolErr.Error()
				} else {
					resultText = "Error: " + toolErr.Error()
				}
			} else if strings.HasPrefix(resultText, "--- ") {
				unifiedDiff = resultText
			}
			sink.Emit(ProgressEvent{Kind: ProgressToolCompleted, SessionID: sess.SessionID, ToolName: call.name, ToolStatus: status, UnifiedDiff: unifiedDiff, Text: summarize(resultText)})

			toolResultBlocks = append(toolResultBlocks, llm.ContentBlock{
				Kind: llm.ContentToolRes, ToolUseID: call.id, ToolName: call.name,
				ToolResult: resultText, IsError: toolErr != nil,
			})
		}

		toolResultMsg := llm.Message{Role: llm.RoleTool, Content: toolResultBlocks}
		if _, err := r.store.AppendMessage(ctx, sess.SessionID, toolResultMsg, llm.Usage{}); err != nil {
			return errinfo.Internal(errinfo.PhaseSessionLoop, fmt.Sprintf("persist tool results: %v", err))
		}
		// Re-enter at step 2 with the new tool-result message in history.
	}

	note := fmt.Sprintf("Reached the %d-iteration limit for this turn without completing.", r.cfg.MaxIterations)
	r.appendSyntheticNote(ctx, sess, note)
	info := errinfo.LoopDetected(errinfo.PhaseSessionLoop, note)
	sink.Emit(ProgressEvent{Kind: ProgressLoopDetected, SessionID: sess.SessionID})
	sink.Emit(ProgressEvent{Kind: ProgressProviderError, SessionID: sess.SessionID, ErrorInfo: info})
	return info
}

func (r *Runner) handleCancel(sess *SessionState, sink Sink, partialText, partialReasoning string) *errinfo.ErrorInfo {
	r.approval.CancelSession(sess.SessionID)
	r.persistFinalAssistant(context.Background(), sess, partialText, partialReasoning)
	sink.Emit(ProgressEvent{Kind: ProgressStop, SessionID: sess.SessionID})
	return errinfo.Cancelled(errinfo.PhaseSessionLoop)
}

// compact runs the Context Manager's summarize-and-compact against the
// session's history since the current watermark, persists the summary and
// a fresh copy of the retained tail, and advances the watermark so future
// requests see only the new, shorter view (spec §4.3, §4.5 "context-
// overflow recovery").
func (r *Runner) compact(ctx context.Context, sess *SessionState, sink Sink, adapter provider.Adapter) error {
	history, err := r.store.LoadSince(ctx, sess.SessionID, sess.CompactionWatermark)
	if err != nil {
		return err
	}
	summary, tail, err := r.context.Compact(ctx, sess.SessionID, sess.ModelName, history, sess.WindowTokens, adapter)
	if err != nil {
		return err
	}
	if summary == "" {
		return errors.New("looprunner: nothing left to compact")
	}

	summaryMsg := llm.Message{Role: llm.RoleAssistant, Content: []llm.ContentBlock{
		{Kind: llm.ContentText, Text: "Context compacted.\n\n" + summary},
	}}
	summarySeq, err := r.store.AppendMessage(ctx, sess.SessionID, summaryMsg, llm.Usage{})
	if err != nil {
		return err
	}
	sess.CompactionWatermark = summarySeq - 1
	for _, m := range tail {
		if _, err := r.store.AppendMessage(ctx, sess.SessionID, m, llm.Usage{}); err != nil {
			return err
		}
	}
	sink.Emit(ProgressEvent{Kind: ProgressCompactionSummary, SessionID: sess.SessionID, Text: summary})
	return nil
}

// streamWithRetry runs one iteration's stream, retrying a rate-limited
// request with exponential backoff and a dropped stream up to
// cfg.StreamRetryMax times (spec §4.5 "dropped-stream recovery": discard
// the partial iteration and retry with the same input; after the retry
// budget is exhausted, persist whatever text the last attempt produced).
func (r *Runner) streamWithRetry(ctx context.Context, adapter provider.Adapter, req llm.Request, sess *SessionState, sink Sink) (iterationResult, error) {
	droppedAttempts := 0
	rateLimitAttempts := 0
	for {
		result, err := r.streamOnce(ctx, adapter, req, sess, sink)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		if errors.Is(err, llm.ErrRateLimited) {
			if rateLimitAttempts >= rateLimitMaxAttempts {
				return result, err
			}
			rateLimitAttempts++
			wait := rateLimitBackoff(rateLimitAttempts)
			r.log.Warn("looprunner.rate_limited", "session_id", sess.SessionID, "attempt", rateLimitAttempts, "wait_ms", wait.Milliseconds())
			if sleepErr := sleepWithContext(ctx, wait); sleepErr != nil {
				return result, sleepErr
			}
			continue
		}

		if !errors.Is(err, llm.ErrDroppedStream) {
			return result, err
		}
		if droppedAttempts >= r.cfg.StreamRetryMax {
			return result, err
		}
		droppedAttempts++
		r.log.Warn("looprunner.dropped_stream_retry", "session_id", sess.SessionID, "attempt", droppedAttempts)
	}
}

func rateLimitBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	wait := rateLimitBaseDelay * time.Duration(uint(1)<<uint(attempt-1))
	if wait > rateLimitMaxDelay {
		return rateLimitMaxDelay
	}
	return wait
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// streamOnce consumes a single Stream() call end to end, accumulating text,
// reasoning, and tool calls and emitting chunk-level progress as it goes.
// Each tool call's provider-assigned id is rewritten to a session-unique
// one once the event stream has closed, so the id survives unchanged across
// a provider switch or a compaction boundary that might otherwise let two
// unrelated calls collide on the same provider-issued id.
func (r *Runner) streamOnce(ctx context.Context, adapter provider.Adapter, req llm.Request, sess *SessionState, sink Sink) (iterationResult, error) {
	events, err := adapter.Stream(ctx, req)
	if err != nil {
		return iterationResult{}, err
	}

	var result iterationResult
	pending := map[string]*toolCallAccum{}
	var order []string
	sawStop := false
	var streamErr error

	for ev := range events {
		switch ev.Kind {
		case llm.EventTextDelta:
			result.text += ev.Text
			sink.Emit(ProgressEvent{Kind: ProgressTextChunk, SessionID: sess.SessionID, Text: ev.Text})
		case llm.EventReasonDelta:
			result.reasoning += ev.Text
			sink.Emit(ProgressEvent{Kind: ProgressReasoningChunk, SessionID: sess.SessionID, Text: ev.Text})
		case llm.EventToolUseStart:
			if _, ok := pending[ev.ToolCallID]; !ok {
				pending[ev.ToolCallID] = &toolCallAccum{name: ev.ToolName}
				order = append(order, ev.ToolCallID)
			}
		case llm.EventToolArgDelta:
			if acc, ok := pending[ev.ToolCallID]; ok {
				acc.argsFinal += ev.ArgsFragment
			}
		case llm.EventToolUseEnd:
			acc, ok := pending[ev.ToolCallID]
			if !ok {
				acc = &toolCallAccum{}
				pending[ev.ToolCallID] = acc
				order = append(order, ev.ToolCallID)
			}
			if ev.ToolName != "" {
				acc.name = ev.ToolName
			}
			if ev.ArgsFinal != "" {
				acc.argsFinal = ev.ArgsFinal
			}
		case llm.EventUsage:
			result.usage = ev.Usage
		case llm.EventStop:
			sawStop = true
		case llm.EventError:
			streamErr = ev.Err
		}
	}

	for _, id := range order {
		acc := pending[id]
		acc.id = uuid.NewString()
		result.toolCalls = append(result.toolCalls, *acc)
	}

	if streamErr != nil {
		return result, streamErr
	}
	if !sawStop {
		return result, llm.ErrDroppedStream
	}
	return result, nil
}

// toolCallSignature hashes (tool name, canonical-JSON args) for the
// loop-detection window (spec §4.5): arguments are decoded and
// re-encoded so two calls differing only in key order or whitespace
// still collide on the same signature.
func toolCallSignature(name, argsJSON string) string {
	canon := strings.TrimSpace(argsJSON)
	var decoded any
	if err := json.Unmarshal([]byte(argsJSON), &decoded); err == nil {
		if reencoded, err := json.Marshal(decoded); err == nil {
			canon = string(reencoded)
		}
	}
	sum := sha256.Sum256([]byte(name + ":" + canon))
	return hex.EncodeToString(sum[:8])
}

func countOccurrences(window []string, sig string) int {
	n := 0
	for _, s := range window {
		if s == sig {
			n++
		}
	}
	return n
}

// plainText concatenates a message's text blocks for use as a recall
// query; non-text blocks (images, tool use) carry nothing a memory-search
// index over conversation text would index on.
func plainText(msg llm.Message) string {
	var sb strings.Builder
	for _, b := range msg.Content {
		if b.Kind != llm.ContentText {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(b.Text)
	}
	return sb.String()
}

func buildAssistantMessage(text, reasoning string, calls []toolCallAccum) llm.Message {
	var blocks []llm.ContentBlock
	if reasoning != "" {
		blocks = append(blocks, llm.ContentBlock{Kind: llm.ContentReasoning, Text: reasoning})
	}
	if text != "" {
		blocks = append(blocks, llm.ContentBlock{Kind: llm.ContentText, Text: text})
	}
	for _, c := range calls {
		blocks = append(blocks, llm.ContentBlock{Kind: llm.ContentToolUse, ToolUseID: c.id, ToolName: c.name, ToolArgs: json.RawMessage(c.argsFinal)})
	}
	return llm.Message{Role: llm.RoleAssistant, Content: blocks}
}

func syntheticErrorResult(id, name, message string) llm.ContentBlock {
	return llm.ContentBlock{Kind: llm.ContentToolRes, ToolUseID: id, ToolName: name, ToolResult: message, IsError: true}
}

func (r *Runner) persistFinalAssistant(ctx context.Context, sess *SessionState, text, reasoning string) {
	var blocks []llm.ContentBlock
	if reasoning != "" {
		blocks = append(blocks, llm.ContentBlock{Kind: llm.ContentReasoning, Text: reasoning})
	}
	if text != "" {
		blocks = append(blocks, llm.ContentBlock{Kind: llm.ContentText, Text: text})
	}
	if len(blocks) == 0 {
		return
	}
	msg := llm.Message{Role: llm.RoleAssistant, Content: blocks}
	if _, err := r.store.AppendMessage(ctx, sess.SessionID, msg, llm.Usage{}); err != nil {
		r.log.Error("looprunner.persist_final_failed", "session_id", sess.SessionID, "error", err.Error())
	}
}

func (r *Runner) appendSyntheticNote(ctx context.Context, sess *SessionState, note string) {
	msg := llm.Message{Role: llm.RoleAssistant, Content: []llm.ContentBlock{{Kind: llm.ContentText, Text: note}}}
	if _, err := r.store.AppendMessage(ctx, sess.SessionID, msg, llm.Usage{}); err != nil {
		r.log.Error("looprunner.persist_note_failed", "session_id", sess.SessionID, "error", err.Error())
	}
}

func summarize(text string) string {
	const maxSummary = 200
	if len(text) <= maxSummary {
		return text
	}
	return text[:maxSummary] + "..."
}
