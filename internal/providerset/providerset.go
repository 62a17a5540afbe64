// Package providerset lazily builds and caches one Provider Adapter per
// configured provider id, resolving the credential from secrets.Store and
// routing to the right wire family (spec §4.2). It satisfies
// looprunner.ProviderResolver.
package providerset

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"wireloop/engine/internal/provider"
	"wireloop/engine/internal/provider/chatcompat"
	"wireloop/engine/internal/provider/gemini"
	"wireloop/engine/internal/provider/native"
	"wireloop/engine/internal/secrets"
	"wireloop/engine/internal/settings"
)

const mistralBaseURL = "https://api.mistral.ai/v1"

// Resolver builds provider.Adapter instances on first use and caches them
// for the lifetime of the process; a credential change (ProvidersSetApiKey,
// ProvidersClearApiKey) invalidates the relevant cache entry so the next
// Resolve rebuilds against the new key.
type Resolver struct {
	secrets *secrets.Store
	log     *slog.Logger

	mu       sync.Mutex
	adapters map[string]provider.Adapter
}

func New(secretsStore *secrets.Store, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Resolver{secrets: secretsStore, log: log, adapters: make(map[string]provider.Adapter)}
}

// Resolve returns the cached Adapter for providerName, building it on
// first use.
func (r *Resolver) Resolve(providerName string) (provider.Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.adapters[providerName]; ok {
		return a, nil
	}
	a, err := r.build(providerName)
	if err != nil {
		return nil, err
	}
	r.adapters[providerName] = a
	return a, nil
}

// Invalidate drops a cached adapter so the next Resolve rebuilds it
// against whatever credential secrets.Store now holds.
func (r *Resolver) Invalidate(providerName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, providerName)
}

func (r *Resolver) build(providerName string) (provider.Adapter, error) {
	apiKey, err := r.secrets.GetAPIKey(providerName)
	if err != nil {
		return nil, err
	}
	log := r.log.With("provider", providerName)
	switch providerName {
	case settings.ProviderAnthropic:
		return native.New(native.Config{APIKey: apiKey, Logger: log})
	case settings.ProviderOpenAI:
		return chatcompat.New(chatcompat.Config{APIKey: apiKey, BaseURL: "https://api.openai.com/v1", Logger: log})
	case settings.ProviderMistral:
		return chatcompat.New(chatcompat.Config{APIKey: apiKey, BaseURL: mistralBaseURL, Logger: log})
	case settings.ProviderGoogle:
		return gemini.New(context.Background(), gemini.Config{APIKey: apiKey, Logger: log})
	default:
		return nil, fmt.Errorf("providerset: unknown provider %q", providerName)
	}
}
