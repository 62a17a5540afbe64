// Package toolcat implements the Tool Registry & Executor (spec §4.1):
// schema catalog, alias normalization, cancel-aware execution, and the
// built-in filesystem/shell/search tools a session loop drives.
package toolcat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"wireloop/engine/internal/llm"
)

// ToolContext is handed to every tool invocation (spec §6): the working
// directory boundary, a write-lock discipline identifier the tool must
// respect when mutating files, and callbacks into the host for
// elevation requests and fine-grained progress.
type ToolContext struct {
	WorkingDirectory string
	LockDiscipline   string
	RequestSudo      func(ctx context.Context, reason string) (string, error)
	EmitSubprogress  func(text string)
}

func (tc *ToolContext) subprogress(text string) {
	if tc != nil && tc.EmitSubprogress != nil {
		tc.EmitSubprogress(text)
	}
}

// Handler executes one tool call. ctx carries the session loop's
// cancellation signal; implementations must respect it at every await
// point (spec §4.1: "Execution respects a cancel signal at every await
// point").
type Handler func(ctx context.Context, tc *ToolContext, args json.RawMessage) (string, error)

// Metadata answers spec §4.1's metadata(name) operation.
type Metadata struct {
	Idempotent                bool
	Destructive               bool
	RequiresApprovalByDefault bool

	// CPUBound routes the tool's Handler onto the dedicated worker pool
	// (spec §5: "bash subprocess waits, local embeddings ... run on a
	// dedicated worker pool to avoid starving the executor") instead of
	// running inline on the Loop's own goroutine. A Registry with no pool
	// set ignores this and always runs inline.
	CPUBound bool
}

// Tool is one catalog entry: its schema, metadata, and handler.
type Tool struct {
	Schema   llm.ToolSchema
	Metadata Metadata
	Handler  Handler
}

// cpuDispatcher is the subset of cpupool.Pool the Registry needs; kept as
// a local interface so toolcat never imports cpupool (the dependency runs
// the other way: whatever wires the two together imports both).
type cpuDispatcher interface {
	Run(ctx context.Context, fn func() (string, error)) (string, error)
}

// Registry is the live tool catalog. Schemas are effectively immutable
// after startup (spec §5); the mutex only guards MCP tools registering
// after boot.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	aliases map[string]string
	cpuPool cpuDispatcher
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		aliases: defaultAliasTable(),
	}
}

// SetCPUPool wires a worker pool that every CPUBound tool's Handler
// dispatches onto instead of running inline.
func (r *Registry) SetCPUPool(pool cpuDispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cpuPool = pool
}

// defaultAliasTable is the registry-wide key rename table named in spec
// §4.1 ("e.g. query→pattern, cmd→command, file→path").
func defaultAliasTable() map[string]string {
	return map[string]string{
		"query":   "pattern",
		"cmd":     "command",
		"file":    "path",
		"filename": "path",
	}
}

// Register adds a tool to the catalog. Names must be unique.
func (r *Registry) Register(t Tool) error {
	if t.Schema.Name == "" {
		return fmt.Errorf("toolcat: tool name required")
	}
	compiled, err := compileSchema(t.Schema.Name, t.Schema.Parameters)
	if err != nil {
		return fmt.Errorf("toolcat: compile schema for %q: %w", t.Schema.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Schema.Name]; exists {
		return fmt.Errorf("toolcat: tool %q already registered", t.Schema.Name)
	}
	r.tools[t.Schema.Name] = t
	r.schemas[t.Schema.Name] = compiled
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	compiler := jsonschema.NewCompiler()
	resourceName := name + ".schema.json"
	if err := compiler.AddResource(resourceName, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(resourceName)
}

// ListSchemas returns the sequence of input schemas for the current
// turn. The catalog is a map, so the order is not stable between calls.
func (r *Registry) ListSchemas() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]llm.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		schemas = append(schemas, t.Schema)
	}
	return schemas
}

func (r *Registry) Metadata(name string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t.Metadata, ok
}

// Normalize applies the registry-wide alias table to raw-args' top-level
// keys before schema validation or execution (spec §4.1, property 7:
// execute(t,{k:v}) ≡ execute(t,{alias(k):v})).
func (r *Registry) Normalize(rawArgs json.RawMessage) json.RawMessage {
	if len(rawArgs) == 0 {
		return rawArgs
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(rawArgs, &decoded); err != nil {
		return rawArgs
	}
	r.mu.RLock()
	aliases := r.aliases
	r.mu.RUnlock()

	renamed := make(map[string]json.RawMessage, len(decoded))
	for k, v := range decoded {
		canonical := k
		if alias, ok := aliases[k]; ok {
			canonical = alias
		}
		renamed[canonical] = v
	}
	out, err := json.Marshal(renamed)
	if err != nil {
		return rawArgs
	}
	return out
}

// Validate normalizes then schema-validates args, returning a
// BadArguments-shaped error the Loop can feed back as a synthetic
// tool-result without counting it toward the loop-detection window.
func (r *Registry) Validate(name string, rawArgs json.RawMessage) (json.RawMessage, error) {
	normalized := r.Normalize(rawArgs)
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return normalized, fmt.Errorf("toolcat: unknown tool %q", name)
	}
	var decoded any
	if err := json.Unmarshal(normalized, &decoded); err != nil {
		return normalized, fmt.Errorf("toolcat: arguments are not valid JSON: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return normalized, fmt.Errorf("toolcat: arguments for %q failed validation: %w", name, err)
	}
	return normalized, nil
}

// Execute normalizes, validates, and runs a tool call, honoring ctx
// cancellation throughout.
func (r *Registry) Execute(ctx context.Context, tc *ToolContext, name string, rawArgs json.RawMessage) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("toolcat: unknown tool %q", name)
	}

	normalized, err := r.Validate(name, rawArgs)
	if err != nil {
		return "", err
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	r.mu.RLock()
	pool := r.cpuPool
	r.mu.RUnlock()
	if t.Metadata.CPUBound && pool != nil {
		return pool.Run(ctx, func() (string, error) { return t.Handler(ctx, tc, normalized) })
	}
	return t.Handler(ctx, tc, normalized)
}
