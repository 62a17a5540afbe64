// Package scheduler implements the Multi-Session Scheduler (spec §4.7):
// it owns every session's live looprunner.SessionState, runs each
// session's Session Loop on its own goroutine bounded by a weighted
// semaphore, tracks which session is in the foreground, and hands every
// looprunner.ProgressEvent directly to a Notifier as an outbound
// notification.
// Grounded on the teacher's begin/end/cancelWorkshopRun run-handle map
// (internal/engine/engine.go), generalized from one workbench-scoped run
// at a time to arbitrarily many concurrent sessions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"wireloop/engine/internal/approval"
	"wireloop/engine/internal/errinfo"
	"wireloop/engine/internal/llm"
	"wireloop/engine/internal/looprunner"
	"wireloop/engine/internal/store"
)

// maxConcurrentLoops bounds how many sessions can have a Session Loop
// actively streaming at once (spec §5 "shared resource policy" — the
// provider HTTP clients and the host CPU are the shared resource; an
// unbounded session count must not unbound the concurrent request count).
const maxConcurrentLoops = 8

// Notifier delivers one named progress event to the outside world —
// ultimately one JSON-RPC notification per call (rpc.Server.Notify has
// this exact shape).
type Notifier func(method string, params any)

type entry struct {
	state      *looprunner.SessionState
	foreground bool
	running    bool
	cancel     context.CancelFunc
}

// Manager is the single Scheduler instance for the process; every known
// session is registered with it before Submit can run a turn against it.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*entry

	store    *store.Store
	runner   *looprunner.Runner
	approval *approval.Gate
	notify   Notifier
	log      *slog.Logger
	sem      *semaphore.Weighted

	metrics metrics
}

type metrics struct {
	liveSessions    prometheus.Gauge
	toolExecutions  *prometheus.CounterVec
	approvalLatency prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) metrics {
	m := metrics{
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wireloop", Subsystem: "scheduler", Name: "live_sessions",
			Help: "Sessions with a Session Loop goroutine currently running.",
		}),
		toolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wireloop", Subsystem: "scheduler", Name: "tool_executions_total",
			Help: "Tool executions, partitioned by tool name and outcome.",
		}, []string{"tool", "status"}),
		approvalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wireloop", Subsystem: "scheduler", Name: "approval_latency_seconds",
			Help:    "Time between an approval request being raised and its resolution.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.liveSessions, m.toolExecutions, m.approvalLatency)
	return m
}

func New(st *store.Store, runner *looprunner.Runner, gate *approval.Gate, notify Notifier, reg prometheus.Registerer, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Manager{
		sessions: make(map[string]*entry),
		store:    st,
		runner:   runner,
		approval: gate,
		notify:   notify,
		log:      log,
		sem:      semaphore.NewWeighted(maxConcurrentLoops),
		metrics:  newMetrics(reg),
	}
}

// Register attaches a session's live state to the Scheduler — called once
// at session creation and again at process startup for every session
// reloaded from the store. The first registered session becomes
// foreground by default.
func (m *Manager) Register(state *looprunner.SessionState, approvalPolicy string) {
	m.mu.Lock()
	foreground := len(m.sessions) == 0
	m.sessions[state.SessionID] = &entry{state: state, foreground: foreground}
	m.mu.Unlock()
	m.approval.EnsureSession(state.SessionID, approvalPolicy, foreground)
}

// Forget drops a deleted session from the Scheduler, cancelling any
// in-flight Loop first.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if ok && e.cancel != nil {
		e.cancel()
	}
}

// Submit starts a Session Loop turn for sessionID against userText. It
// returns once the turn's goroutine has started (spec §4.7: submission is
// asynchronous), first waiting for a free slot when maxConcurrentLoops
// turns are already running; progress
// streams out through Notifier. A session with a turn already running
// rejects the submission rather than queuing a second concurrent Loop
// over the same history.
func (m *Manager) Submit(parentCtx context.Context, sessionID, userText string) (string, *errinfo.ErrorInfo) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return "", errinfo.NotFound(errinfo.PhaseScheduler, fmt.Sprintf("session %q not found", sessionID))
	}
	if e.running {
		m.mu.Unlock()
		return "", errinfo.SessionBusy(errinfo.PhaseScheduler, sessionID)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e.running = true
	e.cancel = cancel
	m.mu.Unlock()

	messageID := fmt.Sprintf("u-%d", time.Now().UnixNano())
	userMessage := llm.Message{Role: llm.RoleUser, Content: []llm.ContentBlock{{Kind: llm.ContentText, Text: userText}}}

	if err := m.sem.Acquire(parentCtx, 1); err != nil {
		m.mu.Lock()
		e.running = false
		e.cancel = nil
		m.mu.Unlock()
		cancel()
		return "", errinfo.Cancelled(errinfo.PhaseScheduler)
	}

	m.metrics.liveSessions.Inc()
	sink := &rpcSink{m: m, notify: m.notify}

	go func() {
		defer m.sem.Release(1)
		defer m.metrics.liveSessions.Dec()
		defer func() {
			m.mu.Lock()
			e.running = false
			e.cancel = nil
			m.mu.Unlock()
		}()

		info := m.runner.Run(runCtx, e.state, userMessage, sink)
		if info != nil {
			m.log.Warn("scheduler: session loop ended with error", "session_id", sessionID, "code", info.ErrorCode)
		}
	}()

	return messageID, nil
}

// SwitchForeground marks sessionID as the sole foreground session (spec
// §4.7), auto-approving whatever was pending on the session that just
// became background.
func (m *Manager) SwitchForeground(sessionID string) *errinfo.ErrorInfo {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return errinfo.NotFound(errinfo.PhaseScheduler, fmt.Sprintf("session %q not found", sessionID))
	}
	for _, other := range m.sessions {
		other.foreground = false
	}
	e.foreground = true
	m.mu.Unlock()

	m.approval.SwitchForeground(sessionID)
	return nil
}

// Cancel stops sessionID's in-flight Loop, if any, and resolves any of
// its pending approvals as denied.
func (m *Manager) Cancel(sessionID string) bool {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	var cancel context.CancelFunc
	if ok {
		cancel = e.cancel
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.approval.CancelSession(sessionID)
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// IsRunning reports whether sessionID currently has a Loop goroutine in
// flight.
func (m *Manager) IsRunning(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	return ok && e.running
}
