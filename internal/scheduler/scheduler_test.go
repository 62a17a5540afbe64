package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wireloop/engine/internal/approval"
	"wireloop/engine/internal/contextmgr"
	"wireloop/engine/internal/llm"
	"wireloop/engine/internal/looprunner"
	"wireloop/engine/internal/provider"
	"wireloop/engine/internal/store"
	"wireloop/engine/internal/toolcat"
)

// scriptedAdapter always answers with a single text-only stop event, so
// every Submit'd turn finishes in one iteration without needing tools or
// approvals wired up.
type scriptedAdapter struct{}

func (scriptedAdapter) Stream(ctx context.Context, req llm.Request) (<-chan llm.Event, error) {
	ch := make(chan llm.Event, 2)
	ch <- llm.Event{Kind: llm.EventTextDelta, Text: "done"}
	ch <- llm.Event{Kind: llm.EventStop, StopReason: "stop"}
	close(ch)
	return ch, nil
}

func (scriptedAdapter) ValidateKey(ctx context.Context, apiKey string) error { return nil }

// blockingAdapter holds its stop event back until release is closed, so a
// test can assert on the loop's "still running" window deterministically
// instead of racing a near-instant scriptedAdapter completion.
type blockingAdapter struct {
	release chan struct{}
}

func (a *blockingAdapter) Stream(ctx context.Context, req llm.Request) (<-chan llm.Event, error) {
	ch := make(chan llm.Event, 2)
	go func() {
		defer close(ch)
		select {
		case <-a.release:
		case <-ctx.Done():
			return
		}
		ch <- llm.Event{Kind: llm.EventTextDelta, Text: "done"}
		ch <- llm.Event{Kind: llm.EventStop, StopReason: "stop"}
	}()
	return ch, nil
}

func (a *blockingAdapter) ValidateKey(ctx context.Context, apiKey string) error { return nil }

type singleResolver struct{ adapter provider.Adapter }

func (r singleResolver) Resolve(string) (provider.Adapter, error) { return r.adapter, nil }

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) notify(method string, params any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, method)
}

func (n *recordingNotifier) has(method string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.calls {
		if c == method {
			return true
		}
	}
	return false
}

func newTestManagerWithAdapter(t *testing.T, adapter provider.Adapter) (*Manager, *recordingNotifier) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tools := toolcat.NewRegistry()
	gate := approval.NewGate(nil)
	ctxMgr := contextmgr.New(contextmgr.DefaultConfig(), nil)
	runner := looprunner.New(singleResolver{adapter}, ctxMgr, gate, tools, st, nil, looprunner.Config{
		LoopWindowSize: 10, LoopRepeatThreshold: 8, LoopDestructiveThreshold: 4, StreamRetryMax: 2, MaxIterations: 10,
	}, nil)

	notifier := &recordingNotifier{}
	mgr := New(st, runner, gate, notifier.notify, nil, nil)
	return mgr, notifier
}

func newTestManager(t *testing.T) (*Manager, *recordingNotifier) {
	t.Helper()
	return newTestManagerWithAdapter(t, scriptedAdapter{})
}

func newSession(t *testing.T, mgr *Manager, st *store.Store, id string) *looprunner.SessionState {
	t.Helper()
	if _, err := st.Create(context.Background(), store.SessionMeta{ID: id, ProviderName: "anthropic", ModelName: "claude-opus-4-6"}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	state := &looprunner.SessionState{SessionID: id, ProviderName: "anthropic", ModelName: "claude-opus-4-6", WindowTokens: 200000}
	mgr.Register(state, "ask")
	return state
}

func TestSubmitRunsToCompletionAndNotifiesStop(t *testing.T) {
	mgr, notifier := newTestManager(t)
	newSession(t, mgr, mgr.store, "sess-1")

	if _, errInfo := mgr.Submit(context.Background(), "sess-1", "hello"); errInfo != nil {
		t.Fatalf("submit: %+v", errInfo)
	}

	deadline := time.After(2 * time.Second)
	for mgr.IsRunning("sess-1") {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the loop to finish")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if !notifier.has("SessionStop") {
		t.Fatalf("expected a SessionStop notification, got %v", notifier.calls)
	}
	if !notifier.has("SessionThinking") {
		t.Fatalf("expected a SessionThinking notification, got %v", notifier.calls)
	}
}

func TestSubmitUnknownSessionReturnsNotFound(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, errInfo := mgr.Submit(context.Background(), "missing", "hi")
	if errInfo == nil {
		t.Fatal("expected an error for an unregistered session")
	}
}

func TestSubmitRejectsSecondConcurrentRun(t *testing.T) {
	adapter := &blockingAdapter{release: make(chan struct{})}
	mgr, _ := newTestManagerWithAdapter(t, adapter)
	newSession(t, mgr, mgr.store, "sess-2")

	if _, errInfo := mgr.Submit(context.Background(), "sess-2", "first"); errInfo != nil {
		t.Fatalf("first submit: %+v", errInfo)
	}
	_, errInfo := mgr.Submit(context.Background(), "sess-2", "second")
	if errInfo == nil {
		t.Fatal("expected the second concurrent submit to be rejected")
	}
	close(adapter.release)

	deadline := time.After(2 * time.Second)
	for mgr.IsRunning("sess-2") {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the loop to finish")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSwitchForegroundRejectsUnknownSession(t *testing.T) {
	mgr, _ := newTestManager(t)
	if errInfo := mgr.SwitchForeground("nope"); errInfo == nil {
		t.Fatal("expected an error switching to an unregistered session")
	}
}

func TestCancelOnIdleSessionIsFalse(t *testing.T) {
	mgr, _ := newTestManager(t)
	newSession(t, mgr, mgr.store, "sess-3")
	if mgr.Cancel("sess-3") {
		t.Fatal("expected Cancel to report false when nothing is running")
	}
}

func TestPayloadForIncludesToolArgsAsRawJSON(t *testing.T) {
	ev := looprunner.ProgressEvent{Kind: looprunner.ProgressToolStarted, SessionID: "s", ToolName: "echo", ToolArgs: json.RawMessage(`{"a":1}`)}
	payload := payloadFor(ev)
	if payload["tool_name"] != "echo" {
		t.Fatalf("expected tool_name echo, got %v", payload["tool_name"])
	}
	if _, ok := payload["tool_args"].(json.RawMessage); !ok {
		t.Fatalf("expected tool_args to round-trip as json.RawMessage, got %T", payload["tool_args"])
	}
}
