package scheduler

import (
	"encoding/json"
	"time"

	"wireloop/engine/internal/looprunner"
)

// rpcSink implements looprunner.Sink, translating each ProgressEvent into
// one outbound JSON-RPC notification and updating the Scheduler's
// Prometheus metrics as events arrive. The method-name mapping mirrors
// the teacher's own notify-by-event-kind convention
// (e.g. "WorkshopRunCancelRequested").
type rpcSink struct {
	m      *Manager
	notify Notifier

	pendingApprovalAt map[string]time.Time
}

func (s *rpcSink) Emit(ev looprunner.ProgressEvent) {
	switch ev.Kind {
	case looprunner.ProgressApprovalRequested:
		if s.pendingApprovalAt == nil {
			s.pendingApprovalAt = make(map[string]time.Time)
		}
		s.pendingApprovalAt[ev.ApprovalID] = time.Now()
	case looprunner.ProgressApprovalResolved:
		if started, ok := s.pendingApprovalAt[ev.ApprovalID]; ok {
			s.m.metrics.approvalLatency.Observe(time.Since(started).Seconds())
			delete(s.pendingApprovalAt, ev.ApprovalID)
		}
	case looprunner.ProgressToolCompleted:
		s.m.metrics.toolExecutions.WithLabelValues(ev.ToolName, ev.ToolStatus).Inc()
	}

	if s.notify == nil {
		return
	}
	s.notify(rpcMethodFor(ev.Kind), payloadFor(ev))
}

func rpcMethodFor(kind looprunner.ProgressKind) string {
	switch kind {
	case looprunner.ProgressThinking:
		return "SessionThinking"
	case looprunner.ProgressTextChunk:
		return "SessionTextChunk"
	case looprunner.ProgressReasoningChunk:
		return "SessionReasoningChunk"
	case looprunner.ProgressToolStarted:
		return "SessionToolStarted"
	case looprunner.ProgressToolCompleted:
		return "SessionToolCompleted"
	case looprunner.ProgressIntermediateText:
		return "SessionIntermediateText"
	case looprunner.ProgressApprovalRequested:
		return "SessionApprovalRequested"
	case looprunner.ProgressApprovalResolved:
		return "SessionApprovalResolved"
	case looprunner.ProgressCompactionSummary:
		return "SessionCompactionSummary"
	case looprunner.ProgressModelChanged:
		return "SessionModelChanged"
	case looprunner.ProgressContextUsage:
		return "SessionContextUsage"
	case looprunner.ProgressLoopDetected:
		return "SessionLoopDetected"
	case looprunner.ProgressProviderError:
		return "SessionProviderError"
	case looprunner.ProgressStop:
		return "SessionStop"
	case looprunner.ProgressRestartReady:
		return "SessionRestartReady"
	default:
		return "SessionProgress"
	}
}

func payloadFor(ev looprunner.ProgressEvent) map[string]any {
	payload := map[string]any{"session_id": ev.SessionID}
	if ev.Text != "" {
		payload["text"] = ev.Text
	}
	if ev.ToolName != "" {
		payload["tool_name"] = ev.ToolName
	}
	if len(ev.ToolArgs) > 0 {
		payload["tool_args"] = json.RawMessage(ev.ToolArgs)
	}
	if ev.ToolStatus != "" {
		payload["tool_status"] = ev.ToolStatus
	}
	if ev.UnifiedDiff != "" {
		payload["unified_diff"] = ev.UnifiedDiff
	}
	if ev.ApprovalID != "" {
		payload["approval_id"] = ev.ApprovalID
	}
	if ev.Decision != "" {
		payload["decision"] = ev.Decision
	}
	if ev.InputTokens != 0 || ev.WindowTokens != 0 {
		payload["input_tokens"] = ev.InputTokens
		payload["window_tokens"] = ev.WindowTokens
	}
	if ev.ModelName != "" {
		payload["model_name"] = ev.ModelName
	}
	if ev.ErrorInfo != nil {
		payload["error"] = ev.ErrorInfo
	}
	return payload
}
