package approval

import (
	"context"
	"testing"
	"time"

	"wireloop/engine/internal/settings"
)

type recordingNotifier struct {
	requests []Request
}

func (n *recordingNotifier) ApprovalRequested(req Request) {
	n.requests = append(n.requests, req)
}

func TestAutoPolicyApprovesSilently(t *testing.T) {
	notifier := &recordingNotifier{}
	g := NewGate(notifier)
	g.EnsureSession("s1", settings.PolicyAutoAlways, true)

	decision, err := g.Request(context.Background(), Request{SessionID: "s1", ToolName: "bash"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if decision != DecisionAllowOnce {
		t.Fatalf("expected silent allow-once, got %q", decision)
	}
	if len(notifier.requests) != 0 {
		t.Fatalf("auto-always policy must never emit ApprovalRequested")
	}
}

func TestBackgroundSessionApprovesSilently(t *testing.T) {
	notifier := &recordingNotifier{}
	g := NewGate(notifier)
	g.EnsureSession("s1", settings.PolicyAsk, false)

	decision, err := g.Request(context.Background(), Request{SessionID: "s1", ToolName: "write"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if decision != DecisionAllowOnce {
		t.Fatalf("expected background session to auto-approve, got %q", decision)
	}
	if len(notifier.requests) != 0 {
		t.Fatalf("background session must never emit ApprovalRequested")
	}
}

func TestForegroundAskWaitsForResolve(t *testing.T) {
	notifier := &recordingNotifier{}
	g := NewGate(notifier)
	g.EnsureSession("s1", settings.PolicyAsk, true)

	done := make(chan Decision, 1)
	go func() {
		decision, err := g.Request(context.Background(), Request{ID: "req-1", SessionID: "s1", ToolName: "edit"})
		if err != nil {
			t.Errorf("request: %v", err)
		}
		done <- decision
	}()

	deadline := time.After(time.Second)
	for len(notifier.requests) == 0 {
		select {
		case <-deadline:
			t.Fatalf("expected ApprovalRequested to be emitted")
		default:
		}
	}

	if err := g.Resolve("req-1", DecisionAllowOnce); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	select {
	case decision := <-done:
		if decision != DecisionAllowOnce {
			t.Fatalf("expected allow-once, got %q", decision)
		}
	case <-time.After(time.Second):
		t.Fatalf("request never resolved")
	}
}

func TestResolveAllowSessionTransitionsPolicy(t *testing.T) {
	g := NewGate(nil)
	g.EnsureSession("s1", settings.PolicyAsk, true)

	done := make(chan Decision, 1)
	go func() {
		decision, _ := g.Request(context.Background(), Request{ID: "req-2", SessionID: "s1", ToolName: "bash"})
		done <- decision
	}()
	time.Sleep(20 * time.Millisecond)
	if err := g.Resolve("req-2", DecisionAllowSession); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	<-done

	// A subsequent request in the same session should now be silently approved.
	decision, err := g.Request(context.Background(), Request{SessionID: "s1", ToolName: "bash"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if decision != DecisionAllowOnce {
		t.Fatalf("expected session-wide auto-approval after allow-session, got %q", decision)
	}
}

func TestResolveAllowAlwaysToolApprovesOnlyThatTool(t *testing.T) {
	g := NewGate(nil)
	g.EnsureSession("s1", settings.PolicyAsk, true)

	done := make(chan Decision, 1)
	go func() {
		decision, _ := g.Request(context.Background(), Request{ID: "req-7", SessionID: "s1", ToolName: "bash"})
		done <- decision
	}()
	time.Sleep(20 * time.Millisecond)
	if err := g.Resolve("req-7", DecisionAllowAlwaysTool); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if decision := <-done; decision != DecisionAllowAlwaysTool {
		t.Fatalf("expected the pending call itself to resolve as allow-always-tool, got %q", decision)
	}

	// A later call to the same tool is silently approved...
	decision, err := g.Request(context.Background(), Request{SessionID: "s1", ToolName: "bash"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if decision != DecisionAllowOnce {
		t.Fatalf("expected bash to be silently approved after allow-always-tool, got %q", decision)
	}

	// ...but a different tool still waits on a human decision.
	otherDone := make(chan Decision, 1)
	notifier := &recordingNotifier{}
	g.notifier = notifier
	go func() {
		decision, _ := g.Request(context.Background(), Request{ID: "req-8", SessionID: "s1", ToolName: "write"})
		otherDone <- decision
	}()
	deadline := time.After(time.Second)
	for len(notifier.requests) == 0 {
		select {
		case <-deadline:
			t.Fatalf("expected write to still require approval")
		default:
		}
	}
	_ = g.Resolve("req-8", DecisionAllowOnce)
	<-otherDone
}

func TestCancelSessionResolvesPendingAsDeny(t *testing.T) {
	g := NewGate(nil)
	g.EnsureSession("s1", settings.PolicyAsk, true)

	done := make(chan Decision, 1)
	go func() {
		decision, _ := g.Request(context.Background(), Request{ID: "req-3", SessionID: "s1", ToolName: "bash"})
		done <- decision
	}()
	time.Sleep(20 * time.Millisecond)
	g.CancelSession("s1")

	select {
	case decision := <-done:
		if decision != DecisionDeny {
			t.Fatalf("expected cancel to resolve as deny, got %q", decision)
		}
	case <-time.After(time.Second):
		t.Fatalf("cancel did not resolve the pending approval")
	}
}

func TestSwitchForegroundAutoApprovesBackgroundedPending(t *testing.T) {
	g := NewGate(nil)
	g.EnsureSession("s1", settings.PolicyAsk, true)
	g.EnsureSession("s2", settings.PolicyAsk, false)

	done := make(chan Decision, 1)
	go func() {
		decision, _ := g.Request(context.Background(), Request{ID: "req-4", SessionID: "s1", ToolName: "bash"})
		done <- decision
	}()
	time.Sleep(20 * time.Millisecond)

	g.SwitchForeground("s2")

	select {
	case decision := <-done:
		if decision != DecisionAllowOnce {
			t.Fatalf("expected newly-backgrounded session's pending request to auto-approve, got %q", decision)
		}
	case <-time.After(time.Second):
		t.Fatalf("switching foreground did not resolve the pending approval")
	}
}

func TestShutdownResolvesAllPending(t *testing.T) {
	g := NewGate(nil)
	g.EnsureSession("s1", settings.PolicyAsk, true)

	done := make(chan Decision, 1)
	go func() {
		decision, _ := g.Request(context.Background(), Request{ID: "req-5", SessionID: "s1", ToolName: "bash"})
		done <- decision
	}()
	time.Sleep(20 * time.Millisecond)
	g.Shutdown()

	select {
	case decision := <-done:
		if decision != DecisionDeny {
			t.Fatalf("expected shutdown to resolve as deny, got %q", decision)
		}
	case <-time.After(time.Second):
		t.Fatalf("shutdown did not resolve the pending approval")
	}
}

func TestContextCancelResolvesWithoutLeak(t *testing.T) {
	g := NewGate(nil)
	g.EnsureSession("s1", settings.PolicyAsk, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g.Request(ctx, Request{ID: "req-6", SessionID: "s1", ToolName: "bash"})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected context cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatalf("context cancellation did not unblock Request")
	}

	g.mu.Lock()
	_, stillPending := g.pending["req-6"]
	g.mu.Unlock()
	if stillPending {
		t.Fatalf("expected pending entry to be cleaned up after context cancellation")
	}
}
