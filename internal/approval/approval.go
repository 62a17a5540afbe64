// Package approval implements the Approval Gate (spec §4.4): the
// per-session policy state machine that decides whether a proposed tool
// call runs silently or must wait on a human decision, delivered through
// a single-shot response channel rather than polling.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"wireloop/engine/internal/settings"
)

// Decision is the user's (or policy's) answer to one ApprovalRequest.
type Decision string

const (
	DecisionAllowOnce    Decision = "allow-once"
	DecisionAllowSession Decision = "allow-session"
	DecisionAllowAlways  Decision = "allow-always"
	// DecisionAllowAlwaysTool is the supplemented "always approve this
	// tool" shorthand (spec expansion §12): it allows the pending call
	// and records the tool itself as always-allowed for the session,
	// independent of the session-wide policy.
	DecisionAllowAlwaysTool Decision = "allow-always-tool"
	DecisionDeny            Decision = "deny"
)

// Request describes one tool invocation pending review.
type Request struct {
	ID        string
	SessionID string
	ToolName  string
	Args      json.RawMessage
	Reason    string
}

// Notifier is implemented by whatever delivers ApprovalRequested events to
// the outside world (the Scheduler's outbound channel, ultimately an RPC
// notification).
type Notifier interface {
	ApprovalRequested(req Request)
}

type sessionState struct {
	policy     string
	foreground bool
	toolAlways map[string]bool // supplemented per-tool "always allow" override
}

// Gate is the live approval-policy registry shared by every session in the
// process.
type Gate struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	pending  map[string]chan Decision // request id -> single-shot response channel
	bySession map[string]map[string]bool // session id -> set of its pending request ids
	notifier  Notifier
	nextID    uint64
}

func NewGate(notifier Notifier) *Gate {
	return &Gate{
		sessions:  make(map[string]*sessionState),
		pending:   make(map[string]chan Decision),
		bySession: make(map[string]map[string]bool),
		notifier:  notifier,
	}
}

// EnsureSession registers a session with a starting policy if it is not
// already known; safe to call repeatedly.
func (g *Gate) EnsureSession(sessionID, defaultPolicy string, foreground bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.sessions[sessionID]; ok {
		return
	}
	if defaultPolicy == "" {
		defaultPolicy = settings.PolicyAsk
	}
	g.sessions[sessionID] = &sessionState{policy: defaultPolicy, foreground: foreground, toolAlways: map[string]bool{}}
}

func (g *Gate) stateFor(sessionID string) *sessionState {
	s, ok := g.sessions[sessionID]
	if !ok {
		s = &sessionState{policy: settings.PolicyAsk, toolAlways: map[string]bool{}}
		g.sessions[sessionID] = s
	}
	return s
}

// SetPolicy changes a session's live approval policy (explicit user
// command, e.g. "always allow" or "ask me again").
func (g *Gate) SetPolicy(sessionID, policy string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stateFor(sessionID).policy = policy
}

// AllowAlwaysTool records the supplemented per-tool "always allow this
// tool" shorthand (spec expansion §12), independent of the session-wide
// policy.
func (g *Gate) AllowAlwaysTool(sessionID, toolName string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stateFor(sessionID).toolAlways[toolName] = true
}

func (g *Gate) nextRequestID() string {
	id := atomic.AddUint64(&g.nextID, 1)
	return fmt.Sprintf("appr-%d", id)
}

// evaluateSilently decides whether req can be approved without ever
// prompting a human: auto-session/auto-always policy, a per-tool "always
// allow" override, or the request belonging to a background session.
func (g *Gate) evaluateSilently(req Request) (Decision, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.stateFor(req.SessionID)
	switch {
	case s.policy == settings.PolicyAutoAlways, s.policy == settings.PolicyAutoSession:
		return DecisionAllowOnce, true
	case s.toolAlways[req.ToolName]:
		return DecisionAllowOnce, true
	case !s.foreground:
		return DecisionAllowOnce, true
	default:
		return "", false
	}
}

// Request submits a proposed tool call for approval and blocks until it is
// resolved: by policy, immediately; otherwise by a single-shot response
// delivered through Resolve, or by one of the liveness-guaranteed paths
// (CancelSession, SwitchForeground, Shutdown) if one of those fires
// first. ctx cancellation also resolves the wait as a denial, so the Loop
// is never blocked forever even if a registry-level liveness path runs
// late.
func (g *Gate) Request(ctx context.Context, req Request) (Decision, error) {
	if decision, ok := g.evaluateSilently(req); ok {
		return decision, nil
	}

	if req.ID == "" {
		req.ID = g.nextRequestID()
	}
	ch := make(chan Decision, 1)
	g.mu.Lock()
	g.pending[req.ID] = ch
	if g.bySession[req.SessionID] == nil {
		g.bySession[req.SessionID] = map[string]bool{}
	}
	g.bySession[req.SessionID][req.ID] = true
	g.mu.Unlock()

	if g.notifier != nil {
		g.notifier.ApprovalRequested(req)
	}

	select {
	case decision := <-ch:
		if decision == DecisionAllowAlwaysTool {
			g.AllowAlwaysTool(req.SessionID, req.ToolName)
		}
		g.applyDecisionPolicy(req, decision)
		return decision, nil
	case <-ctx.Done():
		g.forget(req.SessionID, req.ID)
		return DecisionDeny, ctx.Err()
	}
}

func (g *Gate) forget(sessionID, requestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, requestID)
	delete(g.bySession[sessionID], requestID)
}

// Resolve delivers a human decision to a pending request. It is a no-op
// (not an error) if the request already resolved through some other
// liveness path — the Loop side only ever reads one answer per request.
func (g *Gate) Resolve(requestID string, decision Decision) error {
	g.mu.Lock()
	ch, ok := g.pending[requestID]
	if ok {
		delete(g.pending, requestID)
		for sessionID, ids := range g.bySession {
			if ids[requestID] {
				delete(ids, requestID)
				_ = sessionID
				break
			}
		}
	}
	g.mu.Unlock()
	if !ok {
		return nil
	}
	ch <- decision
	return nil
}

// ResolveSession delivers decision to sessionID's one outstanding approval
// request. The external interface's Approval{session-id, response} (spec
// §6) carries no request id — the Loop only ever has one tool call
// awaiting approval at a time per session, so "the" pending request for a
// session is unambiguous. A no-op (not an error) if none is pending.
func (g *Gate) ResolveSession(sessionID string, decision Decision) error {
	g.mu.Lock()
	var requestID string
	for id := range g.bySession[sessionID] {
		requestID = id
		break
	}
	g.mu.Unlock()
	if requestID == "" {
		return nil
	}
	return g.Resolve(requestID, decision)
}

func (g *Gate) applyDecisionPolicy(req Request, decision Decision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.stateFor(req.SessionID)
	switch decision {
	case DecisionAllowSession:
		s.policy = settings.PolicyAutoSession
	case DecisionAllowAlways:
		s.policy = settings.PolicyAutoAlways
	}
}

// SwitchForeground marks newForeground as the single foreground session
// and every other known session as background, auto-approving every
// request still pending on a session that just became background (spec
// §4.4: "session switch — auto-approve or auto-deny per policy —
// specified as auto-approve for background").
func (g *Gate) SwitchForeground(newForeground string) {
	g.mu.Lock()
	g.stateFor(newForeground).foreground = true
	var toAutoApprove []string
	for id, s := range g.sessions {
		if id == newForeground {
			continue
		}
		if s.foreground {
			s.foreground = false
			for reqID := range g.bySession[id] {
				toAutoApprove = append(toAutoApprove, reqID)
			}
		}
	}
	g.mu.Unlock()

	for _, id := range toAutoApprove {
		_ = g.Resolve(id, DecisionAllowOnce)
	}
}

// CancelSession resolves every pending approval belonging to sessionID as
// a denial, so the Loop's waiting goroutine always observes a reply and
// can emit the synthetic tool-result describing the cancellation.
func (g *Gate) CancelSession(sessionID string) {
	g.mu.Lock()
	var ids []string
	for id := range g.bySession[sessionID] {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	for _, id := range ids {
		_ = g.Resolve(id, DecisionDeny)
	}
}

// Shutdown resolves every outstanding approval across all sessions as a
// denial, guaranteeing no Loop goroutine blocks past process shutdown.
func (g *Gate) Shutdown() {
	g.mu.Lock()
	var ids []string
	for id := range g.pending {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	for _, id := range ids {
		_ = g.Resolve(id, DecisionDeny)
	}
}
