package memoryrecall

import (
	"context"
	"time"

	"wireloop/engine/internal/toolworker"
)

// recallTimeout bounds how long a single subprocess round trip may take
// before TryRecall's caller (the Loop, mid-iteration) gives up on it.
const recallTimeout = 2 * time.Second

// SubprocessIndex is an Index backed by an out-of-process embedding
// engine speaking the same worker JSON-RPC protocol toolworker.Manager
// already frames (spec §5 names the embedding engine as an external
// collaborator, not something wireloop implements). The subprocess
// lifecycle, restart/health-check logic, and wire framing are entirely
// toolworker.Manager's; this adapter only shapes one RPC call into the
// Index interface memoryrecall.Gate expects.
type SubprocessIndex struct {
	client toolworker.Client
}

func NewSubprocessIndex(client toolworker.Client) *SubprocessIndex {
	return &SubprocessIndex{client: client}
}

type recallParams struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

type recallResult struct {
	Context string `json:"context"`
	Found   bool   `json:"found"`
}

// Recall proxies one recall request to the embedding-engine subprocess.
// Any transport error (including the worker being disabled after
// repeated failures) is treated as a miss rather than propagated — the
// caller already falls back to the reduced-quality path on ok=false, so
// a struggling embedding engine degrades the answer instead of the Loop.
func (s *SubprocessIndex) Recall(sessionID, query string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), recallTimeout)
	defer cancel()

	var result recallResult
	if err := s.client.Call(ctx, "Recall", recallParams{SessionID: sessionID, Query: query}, &result); err != nil {
		return "", false
	}
	if !result.Found {
		return "", false
	}
	return result.Context, true
}
