package looprunner

import "wireloop/engine/internal/errinfo"

// ProgressKind enumerates the complete outward-facing event set the
// Session Loop emits (spec §6). A Scheduler forwards each one to its RPC
// notification channel; nothing downstream ever needs a tighter contract
// than this.
type ProgressKind string

const (
	ProgressThinking          ProgressKind = "thinking"
	ProgressTextChunk         ProgressKind = "text-chunk"
	ProgressReasoningChunk    ProgressKind = "reasoning-chunk"
	ProgressToolStarted       ProgressKind = "tool-started"
	ProgressToolCompleted     ProgressKind = "tool-completed"
	ProgressIntermediateText  ProgressKind = "intermediate-text"
	ProgressApprovalRequested ProgressKind = "approval-requested"
	ProgressApprovalResolved  ProgressKind = "approval-resolved"
	ProgressCompactionSummary ProgressKind = "compaction-summary"
	ProgressModelChanged      ProgressKind = "model-changed"
	ProgressContextUsage      ProgressKind = "context-usage"
	ProgressLoopDetected      ProgressKind = "loop-detected"
	ProgressProviderError     ProgressKind = "provider-error"
	ProgressStop              ProgressKind = "stop"
	ProgressRestartReady      ProgressKind = "restart-ready"
)

// ProgressEvent is one outward notification from a running session. Only
// the fields relevant to Kind are populated; the rest are zero.
type ProgressEvent struct {
	Kind      ProgressKind
	SessionID string

	Text        string // text-chunk, reasoning-chunk, intermediate-text, compaction-summary
	ToolName    string
	ToolArgs    []byte
	ToolStatus  string // "succeeded" | "failed", tool-completed only
	UnifiedDiff string // tool-completed, when the tool's result is a unified diff

	ApprovalID string // approval-requested / approval-resolved
	Decision   string // approval-resolved

	InputTokens  int // context-usage
	WindowTokens int // context-usage

	ModelName string // model-changed

	ErrorInfo *errinfo.ErrorInfo // provider-error
}

// Sink receives progress events as the Loop produces them. Implementations
// must not block the Loop goroutine for long; the Scheduler's Sink
// hands each event synchronously to its Notifier, with no buffering and
// no coalescing of text deltas.
type Sink interface {
	Emit(ev ProgressEvent)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(ev ProgressEvent)

func (f SinkFunc) Emit(ev ProgressEvent) { f(ev) }
