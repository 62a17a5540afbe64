// Package engine wires every component into the process boundary spec §6
// describes: session lifecycle, provider credentials, and the inbound
// UserMessage/Approval/Cancel/SwitchForeground/SetPolicy operations the
// JSON-RPC server in cmd/wireloop-engine exposes.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"wireloop/engine/internal/appdirs"
	"wireloop/engine/internal/approval"
	"wireloop/engine/internal/brain"
	"wireloop/engine/internal/contextmgr"
	"wireloop/engine/internal/cpupool"
	"wireloop/engine/internal/errinfo"
	"wireloop/engine/internal/logging"
	"wireloop/engine/internal/looprunner"
	"wireloop/engine/internal/mcp"
	"wireloop/engine/internal/memorylog"
	"wireloop/engine/internal/memoryrecall"
	"wireloop/engine/internal/provider/native"
	"wireloop/engine/internal/providerset"
	"wireloop/engine/internal/scheduler"
	"wireloop/engine/internal/secrets"
	"wireloop/engine/internal/settings"
	"wireloop/engine/internal/store"
	"wireloop/engine/internal/toolcat"
	"wireloop/engine/internal/toolworker"
)

// oauthFlowTTL bounds how long a pending Claude Pro/Max login (the native
// adapter's "oauth:" credential path) waits for its browser redirect
// before ProvidersOAuthComplete rejects it as expired.
const oauthFlowTTL = 10 * time.Minute

// oauthFlow tracks one in-flight PKCE login between ProvidersOAuthStart and
// ProvidersOAuthComplete.
type oauthFlow struct {
	pkce      native.PKCEValues
	expiresAt time.Time
}

const (
	EngineVersion = "0.1.0"
	APIVersion    = "1"
)

const cpuPoolCapacity = 4

var supportedProviders = []struct {
	id          string
	displayName string
}{
	{settings.ProviderAnthropic, "Anthropic"},
	{settings.ProviderOpenAI, "OpenAI"},
	{settings.ProviderGoogle, "Google"},
	{settings.ProviderMistral, "Mistral"},
}

// Notifier delivers one outbound RPC notification; rpc.Server.Notify has
// this exact shape, so cmd/wireloop-engine wires it straight through.
type Notifier func(method string, params any)

// Engine owns every long-lived dependency the external interface operates
// on: config/credential stores, the tool catalog, the provider resolver,
// and the Multi-Session Scheduler that actually runs sessions' Loops.
type Engine struct {
	dataDir   string
	settings  *settings.Store
	secrets   *secrets.Store
	store     *store.Store
	tools     *toolcat.Registry
	brain     *brain.Reader
	memory    *memorylog.Appender
	cpuPool   *cpupool.Pool
	mcp       *mcp.Client
	providers *providerset.Resolver
	gate      *approval.Gate
	embedder  *toolworker.Manager
	runner    *looprunner.Runner
	sched     *scheduler.Manager
	log       *slog.Logger

	oauth     *native.OAuth
	oauthMu   sync.Mutex
	oauthByID map[string]*oauthFlow
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.log = logger
		}
	}
}

// New assembles the full dependency graph: stores, tool catalog, provider
// resolver, the embedding-engine try-lock seam, MCP servers, and the
// Scheduler that drives every session's Loop. notify is wired straight
// into the Scheduler at construction time, since a session's Loop can
// start emitting progress the moment Register/Submit are called.
func New(notify Notifier, reg prometheus.Registerer, opts ...Option) (*Engine, error) {
	e := &Engine{log: logging.Nop()}
	for _, opt := range opts {
		opt(e)
	}

	dataDir, err := appdirs.DataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	e.dataDir = dataDir

	e.settings = settings.NewStore(filepath.Join(dataDir, "settings.json"))
	e.secrets = secrets.NewStore(filepath.Join(dataDir, "secrets.enc"), filepath.Join(dataDir, "master.key"))

	st, err := store.Open(filepath.Join(appdirs.SessionsDir(dataDir), "sessions.db"))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	e.store = st

	brainReader, err := brain.New(appdirs.BrainDir(dataDir), e.log.With("component", "brain"))
	if err != nil {
		return nil, fmt.Errorf("open brain directory: %w", err)
	}
	e.brain = brainReader

	e.memory = memorylog.New(filepath.Join(dataDir, "memorylog"))
	e.cpuPool = cpupool.New(cpuPoolCapacity)

	e.tools = toolcat.NewRegistry()
	for _, tool := range []toolcat.Tool{
		toolcat.ReadFileTool(),
		toolcat.WriteFileTool(),
		toolcat.EditFileTool(),
		toolcat.SearchTool(nil),
		toolcat.BashTool(nil),
	} {
		if err := e.tools.Register(tool); err != nil {
			return nil, fmt.Errorf("register builtin tool %q: %w", tool.Schema.Name, err)
		}
	}
	e.tools.SetCPUPool(e.cpuPool)

	cfg, err := e.settings.Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	e.mcp = mcp.Connect(context.Background(), cfg.MCPServers, e.log.With("component", "mcp"))
	e.mcp.RegisterInto(context.Background(), e.tools)

	e.oauth = native.NewOAuth()
	e.oauthByID = make(map[string]*oauthFlow)

	e.gate = approval.NewGate(nil)
	ctxMgr := contextmgr.New(contextmgr.DefaultConfig(), e.memory)
	e.providers = providerset.New(e.secrets, e.log.With("component", "providerset"))
	e.runner = looprunner.New(e.providers, ctxMgr, e.gate, e.tools, e.store, e.brain,
		looprunner.ConfigFromSettings(cfg), e.log.With("component", "looprunner"))
	e.wireMemoryRecall(cfg)

	var schedNotify scheduler.Notifier
	if notify != nil {
		schedNotify = scheduler.Notifier(notify)
	}
	e.sched = scheduler.New(e.store, e.runner, e.gate, schedNotify, reg, e.log.With("component", "scheduler"))

	if err := e.rehydrateSessions(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("rehydrate sessions: %w", err)
	}

	e.log.Debug("engine.init", "data_dir", dataDir, "mcp_servers", len(cfg.MCPServers))
	return e, nil
}

// rehydrateSessions re-registers every session reloaded from the store with
// the Scheduler, the other half of Register's contract ("called once at
// session creation and again at process startup for every session reloaded
// from the store"): without this, a UserMessage against a session that
// predates the current process returns NotFound.
func (e *Engine) rehydrateSessions(ctx context.Context, cfg *settings.Settings) error {
	sessions, err := e.store.List(ctx)
	if err != nil {
		return err
	}
	for _, meta := range sessions {
		windowTokens := cfg.ContextWindowTokens[meta.ModelName]
		e.sched.Register(sessionStateFromMeta(meta, windowTokens), cfg.ApprovalPolicy)
	}
	return nil
}

// wireMemoryRecall starts the embedding-engine subprocess named by
// settings, if any, and gives the Loop a try-lock path to it. An unset
// command, or one that fails to start, leaves e.runner without a
// MemoryRecaller — which is a safe, supported state (spec §5's
// reduced-quality fallback), not an engine-init failure.
func (e *Engine) wireMemoryRecall(cfg *settings.Settings) {
	command := strings.TrimSpace(cfg.EmbeddingEngineCommand)
	if command == "" {
		return
	}
	fields := strings.Fields(command)
	mgr := toolworker.New("", e.log.With("component", "embedder"))
	mgr.SetCommand(fields[0], fields[1:])
	if err := mgr.Start(); err != nil {
		e.log.Warn("engine.embedding_engine_start_failed", "error", err.Error())
		return
	}
	e.embedder = mgr
	index := memoryrecall.NewSubprocessIndex(mgr)
	e.runner.SetMemoryRecaller(memoryrecall.NewGate(index))
}

// Close releases resources that outlive a single RPC call: the brain
// directory's fsnotify watcher, live MCP server sessions, the
// embedding-engine subprocess (if one was started), and the session
// store's database handle.
func (e *Engine) Close() error {
	e.gate.Shutdown()
	e.mcp.Close()
	_ = e.brain.Close()
	if e.embedder != nil {
		_ = e.embedder.Close()
	}
	return e.store.Close()
}

func (e *Engine) EngineGetInfo(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	return map[string]any{
		"engine_version": EngineVersion,
		"api_version":    APIVersion,
	}, nil
}

func (e *Engine) ProvidersGetStatus(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	cfg, err := e.settings.Load()
	if err != nil {
		return nil, errinfo.Internal(errinfo.PhaseSettings, err.Error())
	}
	status := make([]map[string]any, 0, len(supportedProviders))
	for _, p := range supportedProviders {
		entry := cfg.Providers[p.id]
		key, err := e.secrets.GetAPIKey(p.id)
		if err != nil {
			return nil, errinfo.Internal(errinfo.PhaseSettings, err.Error())
		}
		status = append(status, map[string]any{
			"provider_id":   p.id,
			"display_name":  p.displayName,
			"enabled":       entry.Enabled,
			"default_model": entry.DefaultModel,
			"configured":    strings.TrimSpace(key) != "",
		})
	}
	return map[string]any{"providers": status}, nil
}

func (e *Engine) ProvidersSetApiKey(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		ProviderID string `json:"provider_id"`
		APIKey     string `json:"api_key"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSettings, "invalid params")
	}
	if !isSupportedProvider(req.ProviderID) {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSettings, fmt.Sprintf("unknown provider %q", req.ProviderID))
	}
	if err := e.secrets.SetAPIKey(req.ProviderID, req.APIKey); err != nil {
		return nil, errinfo.Internal(errinfo.PhaseSettings, err.Error())
	}
	e.providers.Invalidate(req.ProviderID)
	return map[string]any{}, nil
}

func (e *Engine) ProvidersClearApiKey(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		ProviderID string `json:"provider_id"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSettings, "invalid params")
	}
	if err := e.secrets.ClearProviderKey(req.ProviderID); err != nil {
		return nil, errinfo.Internal(errinfo.PhaseSettings, err.Error())
	}
	e.providers.Invalidate(req.ProviderID)
	return map[string]any{}, nil
}

func (e *Engine) ProvidersValidate(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		ProviderID string `json:"provider_id"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSettings, "invalid params")
	}
	key, err := e.secrets.GetAPIKey(req.ProviderID)
	if err != nil {
		return nil, errinfo.Internal(errinfo.PhaseSettings, err.Error())
	}
	if strings.TrimSpace(key) == "" {
		return nil, errinfo.ProviderNotConfigured(errinfo.PhaseSettings, req.ProviderID)
	}
	adapter, resolveErr := e.providers.Resolve(req.ProviderID)
	if resolveErr != nil {
		return nil, errinfo.ProviderNotConfigured(errinfo.PhaseSettings, req.ProviderID)
	}
	if err := adapter.ValidateKey(ctx, key); err != nil {
		return nil, errinfo.ProviderAuthFailed(errinfo.PhaseSettings, req.ProviderID)
	}
	return map[string]any{"ok": true}, nil
}

func (e *Engine) ProvidersSetEnabled(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		ProviderID string `json:"provider_id"`
		Enabled    bool   `json:"enabled"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSettings, "invalid params")
	}
	if !isSupportedProvider(req.ProviderID) {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSettings, fmt.Sprintf("unknown provider %q", req.ProviderID))
	}
	if _, err := e.settings.Update(func(s *settings.Settings) {
		entry := s.Providers[req.ProviderID]
		entry.Enabled = req.Enabled
		s.Providers[req.ProviderID] = entry
	}); err != nil {
		return nil, errinfo.Internal(errinfo.PhaseSettings, err.Error())
	}
	return map[string]any{}, nil
}

// ProvidersOAuthStart begins the Claude Pro/Max PKCE login (the native
// adapter's "oauth:" credential path): it mints a PKCE challenge and
// returns the browser URL the host opens, keyed by a flow id the host
// echoes back to ProvidersOAuthComplete once the redirect lands.
func (e *Engine) ProvidersOAuthStart(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		ProviderID string `json:"provider_id"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSettings, "invalid params")
	}
	if req.ProviderID != settings.ProviderAnthropic {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSettings, fmt.Sprintf("oauth login not supported for provider %q", req.ProviderID))
	}

	pkce := native.GeneratePKCE()
	flowID := newOAuthFlowID()
	e.oauthMu.Lock()
	e.oauthByID[flowID] = &oauthFlow{pkce: pkce, expiresAt: time.Now().Add(oauthFlowTTL)}
	e.oauthMu.Unlock()

	return map[string]any{
		"flow_id":       flowID,
		"authorize_url": e.oauth.AuthCodeURL(pkce),
		"expires_at":    time.Now().Add(oauthFlowTTL).Format(time.RFC3339),
	}, nil
}

// ProvidersOAuthComplete exchanges the browser redirect URL for an access
// token, stores it under the "oauth:" prefix so native.Adapter sends it as
// a bearer token, and invalidates any cached adapter for the provider.
func (e *Engine) ProvidersOAuthComplete(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		ProviderID  string `json:"provider_id"`
		FlowID      string `json:"flow_id"`
		RedirectURL string `json:"redirect_url"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSettings, "invalid params")
	}
	if req.ProviderID != settings.ProviderAnthropic {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSettings, fmt.Sprintf("oauth login not supported for provider %q", req.ProviderID))
	}

	e.oauthMu.Lock()
	flow, ok := e.oauthByID[req.FlowID]
	if ok {
		delete(e.oauthByID, req.FlowID)
	}
	e.oauthMu.Unlock()
	if !ok {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSettings, "unknown or already-completed oauth flow")
	}
	if time.Now().After(flow.expiresAt) {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSettings, "oauth flow expired")
	}

	code, state, err := native.ParseRedirectURL(req.RedirectURL)
	if err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSettings, err.Error())
	}
	if state != flow.pkce.State {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSettings, "oauth state mismatch")
	}

	token, err := e.oauth.Exchange(ctx, code, flow.pkce)
	if err != nil {
		return nil, errinfo.ProviderAuthFailed(errinfo.PhaseSettings, req.ProviderID)
	}

	creds := &secrets.OAuthCredentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		creds.IDToken = idToken
		creds.AccountLabel = native.ExtractAccountID(idToken)
	}
	if err := e.secrets.SetOAuthCredentials(req.ProviderID, creds); err != nil {
		return nil, errinfo.Internal(errinfo.PhaseSettings, err.Error())
	}
	if err := e.secrets.SetAPIKey(req.ProviderID, "oauth:"+token.AccessToken); err != nil {
		return nil, errinfo.Internal(errinfo.PhaseSettings, err.Error())
	}
	e.providers.Invalidate(req.ProviderID)

	return map[string]any{
		"provider_id":   req.ProviderID,
		"account_label": creds.AccountLabel,
	}, nil
}

func newOAuthFlowID() string {
	return fmt.Sprintf("oauth-%d", time.Now().UnixNano())
}

// SessionsCreate starts a new session (spec §3: sessions are created on
// demand); no RPC method names this explicitly in spec §6's inbound
// contract, so it is modeled directly on the teacher's WorkbenchCreate.
func (e *Engine) SessionsCreate(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		Title            string `json:"title"`
		ProviderName     string `json:"provider_name"`
		ModelName        string `json:"model_name"`
		WorkingDirectory string `json:"working_directory"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseStore, "invalid params")
	}
	cfg, err := e.settings.Load()
	if err != nil {
		return nil, errinfo.Internal(errinfo.PhaseSettings, err.Error())
	}
	windowTokens := cfg.ContextWindowTokens[req.ModelName]

	id := newSessionID()
	meta := store.SessionMeta{
		ID: id, Title: req.Title, ProviderName: req.ProviderName,
		ModelName: req.ModelName, WorkingDirectory: req.WorkingDirectory,
	}
	if _, err := e.store.Create(ctx, meta); err != nil {
		return nil, errinfo.Internal(errinfo.PhaseStore, err.Error())
	}

	e.sched.Register(sessionStateFromMeta(meta, windowTokens), cfg.ApprovalPolicy)
	return map[string]any{"session_id": id}, nil
}

// sessionStateFromMeta builds the looprunner.SessionState the Scheduler
// needs to run a session's Loop from its persisted metadata — the same
// construction SessionsCreate and startup rehydration both need.
func sessionStateFromMeta(meta store.SessionMeta, windowTokens int) *looprunner.SessionState {
	return &looprunner.SessionState{
		SessionID: meta.ID, ProviderName: meta.ProviderName, ModelName: meta.ModelName,
		WorkingDirectory: meta.WorkingDirectory, WindowTokens: windowTokens,
		ToolContext: &toolcat.ToolContext{WorkingDirectory: meta.WorkingDirectory},
	}
}

func (e *Engine) SessionsList(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	sessions, err := e.store.List(ctx)
	if err != nil {
		return nil, errinfo.Internal(errinfo.PhaseStore, err.Error())
	}
	return map[string]any{"sessions": sessions}, nil
}

func (e *Engine) SessionsGet(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseStore, "invalid params")
	}
	meta, err := e.store.Get(ctx, req.SessionID)
	if err != nil {
		return nil, errinfo.Internal(errinfo.PhaseStore, err.Error())
	}
	if meta == nil {
		return nil, errinfo.NotFound(errinfo.PhaseStore, fmt.Sprintf("session %q not found", req.SessionID))
	}
	return meta, nil
}

func (e *Engine) SessionsDelete(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseStore, "invalid params")
	}
	e.sched.Cancel(req.SessionID)
	e.sched.Forget(req.SessionID)
	if err := e.store.Delete(ctx, req.SessionID); err != nil {
		return nil, errinfo.Internal(errinfo.PhaseStore, err.Error())
	}
	return map[string]any{}, nil
}

// UserMessage submits one user turn to a session's Loop (spec §6
// inbound). The Loop runs on its own goroutine; this call returns as
// soon as the turn is accepted, not when it finishes.
func (e *Engine) UserMessage(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		SessionID string `json:"session_id"`
		Text      string `json:"text"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSessionLoop, "invalid params")
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSessionLoop, "text is required")
	}
	messageID, errInfo := e.sched.Submit(context.Background(), req.SessionID, req.Text)
	if errInfo != nil {
		return nil, errInfo
	}
	return map[string]any{"message_id": messageID}, nil
}

// Approval delivers the host's decision for a session's one outstanding
// approval request (spec §6 inbound).
func (e *Engine) Approval(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		SessionID string `json:"session_id"`
		Response  string `json:"response"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseApproval, "invalid params")
	}
	decision := approval.Decision(req.Response)
	switch decision {
	case approval.DecisionAllowOnce, approval.DecisionAllowSession, approval.DecisionAllowAlways, approval.DecisionAllowAlwaysTool, approval.DecisionDeny:
	default:
		return nil, errinfo.ValidationFailed(errinfo.PhaseApproval, fmt.Sprintf("unknown response %q", req.Response))
	}
	if err := e.gate.ResolveSession(req.SessionID, decision); err != nil {
		return nil, errinfo.Internal(errinfo.PhaseApproval, err.Error())
	}
	return map[string]any{}, nil
}

// Cancel stops a session's in-flight Loop, if any (spec §6 inbound).
func (e *Engine) Cancel(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSessionLoop, "invalid params")
	}
	cancelled := e.sched.Cancel(req.SessionID)
	return map[string]any{"cancelled": cancelled}, nil
}

// SwitchForeground moves the single foreground session (spec §6 inbound;
// spec §4.4's background-session auto-approve policy).
func (e *Engine) SwitchForeground(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseScheduler, "invalid params")
	}
	if errInfo := e.sched.SwitchForeground(req.SessionID); errInfo != nil {
		return nil, errInfo
	}
	return map[string]any{}, nil
}

// SetPolicy changes a session's live approval policy (spec §6 inbound).
func (e *Engine) SetPolicy(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		SessionID string `json:"session_id"`
		Mode      string `json:"mode"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseApproval, "invalid params")
	}
	e.gate.SetPolicy(req.SessionID, req.Mode)
	return map[string]any{}, nil
}

func isSupportedProvider(id string) bool {
	for _, p := range supportedProviders {
		if p.id == id {
			return true
		}
	}
	return false
}

func newSessionID() string {
	return fmt.Sprintf("sess-%d", time.Now().UnixNano())
}
