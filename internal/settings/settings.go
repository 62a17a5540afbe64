// Package settings persists the engine's read-only-to-the-Loop
// configuration inputs (spec §6): approval-policy default, per-model
// context windows, loop-detection thresholds, and the stream-retry count.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

const schemaVersion = 2

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
	ProviderMistral   = "mistral"
)

const (
	PolicyAsk          = "ask"
	PolicyAutoSession  = "auto-session"
	PolicyAutoAlways   = "auto-always"
	defaultStreamRetry = 2
	defaultLoopThresh  = 8
	defaultDestructive = 4
)

// ProviderSettings holds per-provider enablement and default model choice.
type ProviderSettings struct {
	Enabled      bool   `json:"enabled"`
	DefaultModel string `json:"default_model,omitempty"`
}

// LoopDetection mirrors the thresholds in spec §4.5.
type LoopDetection struct {
	WindowSize           int `json:"window_size"`
	RepeatThreshold      int `json:"repeat_threshold"`
	DestructiveThreshold int `json:"destructive_threshold"`
}

// MCPServerConfig names one external tool server the Tool Registry should
// fold into its catalog alongside the built-ins (spec §4.1). Exactly one
// of Command or URL should be set: Command launches a stdio server,
// URL connects to an SSE server.
type MCPServerConfig struct {
	Name    string   `json:"name"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	URL     string   `json:"url,omitempty"`
}

// Settings is the schema-versioned, JSON-persisted configuration document.
type Settings struct {
	SchemaVersion       int                         `json:"schema_version"`
	Providers           map[string]ProviderSettings `json:"providers"`
	ApprovalPolicy      string                      `json:"approval_policy_default"`
	ContextWindowTokens map[string]int              `json:"context_window_tokens"`
	LoopDetection       LoopDetection               `json:"loop_detection"`
	StreamRetryCount    int                         `json:"stream_retry_count"`
	CompactThreshold    float64                     `json:"compact_threshold"`
	TargetHistoryRatio  float64                     `json:"target_history_ratio"`
	ToolSchemaReserve   int                         `json:"tool_schema_reserve_tokens"`
	MCPServers          []MCPServerConfig           `json:"mcp_servers,omitempty"`
	// EmbeddingEngineCommand launches the external embedding-engine /
	// memory-search subprocess memoryrecall.SubprocessIndex talks to.
	// Left empty, memory recall stays on the reduced-quality fallback
	// path (spec §5) rather than failing session startup.
	EmbeddingEngineCommand string `json:"embedding_engine_command,omitempty"`
}

// Store is a mutex-guarded JSON file store, matching the shape used
// throughout the engine for small config/credential documents.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Load() (*Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultSettings(), nil
		}
		return nil, err
	}
	var cfg Settings
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	backfill(&cfg)
	return &cfg, nil
}

func (s *Store) Save(cfg *Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	backfill(cfg)
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

func (s *Store) Update(fn func(*Settings)) (*Settings, error) {
	cfg, err := s.Load()
	if err != nil {
		return nil, err
	}
	fn(cfg)
	return cfg, s.Save(cfg)
}

func defaultSettings() *Settings {
	return &Settings{
		SchemaVersion: schemaVersion,
		Providers: map[string]ProviderSettings{
			ProviderOpenAI:    {Enabled: true, DefaultModel: "gpt-5.2"},
			ProviderAnthropic: {Enabled: true, DefaultModel: "claude-opus-4-6"},
			ProviderGoogle:    {Enabled: true, DefaultModel: "gemini-2.5-pro"},
			ProviderMistral:   {Enabled: true, DefaultModel: "mistral-large-latest"},
		},
		ApprovalPolicy: PolicyAsk,
		ContextWindowTokens: map[string]int{
			"gpt-5.2":              400000,
			"claude-opus-4-6":      200000,
			"gemini-2.5-pro":       1000000,
			"mistral-large-latest": 128000,
		},
		LoopDetection: LoopDetection{
			WindowSize:           50,
			RepeatThreshold:      defaultLoopThresh,
			DestructiveThreshold: defaultDestructive,
		},
		StreamRetryCount:   defaultStreamRetry,
		CompactThreshold:   0.70,
		TargetHistoryRatio: 0.60,
		ToolSchemaReserve:  500,
	}
}

func backfill(cfg *Settings) {
	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = schemaVersion
	}
	if cfg.Providers == nil {
		cfg.Providers = defaultSettings().Providers
	}
	if cfg.ApprovalPolicy == "" {
		cfg.ApprovalPolicy = PolicyAsk
	}
	if cfg.ContextWindowTokens == nil {
		cfg.ContextWindowTokens = defaultSettings().ContextWindowTokens
	}
	if cfg.LoopDetection.WindowSize == 0 {
		cfg.LoopDetection.WindowSize = 50
	}
	if cfg.LoopDetection.RepeatThreshold == 0 {
		cfg.LoopDetection.RepeatThreshold = defaultLoopThresh
	}
	if cfg.LoopDetection.DestructiveThreshold == 0 {
		cfg.LoopDetection.DestructiveThreshold = defaultDestructive
	}
	if cfg.StreamRetryCount == 0 {
		cfg.StreamRetryCount = defaultStreamRetry
	}
	if cfg.CompactThreshold == 0 {
		cfg.CompactThreshold = 0.70
	}
	if cfg.TargetHistoryRatio == 0 {
		cfg.TargetHistoryRatio = 0.60
	}
	if cfg.ToolSchemaReserve == 0 {
		cfg.ToolSchemaReserve = 500
	}
}
