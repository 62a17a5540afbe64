// Package provider defines the canonical streaming contract every model
// family adapter implements (spec §4.2), so the Session Loop and Context
// Manager never see a provider-specific wire shape.
package provider

import (
	"context"

	"wireloop/engine/internal/llm"
)

// Adapter streams a Request against one model family and reports whether
// a bearer credential is still valid. It satisfies contextmgr.Streamer.
type Adapter interface {
	Stream(ctx context.Context, req llm.Request) (<-chan llm.Event, error)
	ValidateKey(ctx context.Context, apiKey string) error
}

// Family identifies which wire protocol a model name routes to.
type Family string

const (
	FamilyNative     Family = "native"     // Anthropic Messages API
	FamilyChatCompat Family = "chat-compat" // OpenAI-compatible /v1/chat/completions (OpenAI, Mistral)
	FamilyGemini     Family = "gemini"
)

// EventBufferSize sizes the channel every adapter streams events through;
// large enough that a burst of tool-arg deltas never blocks the read side
// of a single HTTP response goroutine.
const EventBufferSize = 32
