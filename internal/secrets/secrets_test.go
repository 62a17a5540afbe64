package secrets

import (
	"path/filepath"
	"testing"
	"time"
)

func TestAPIKeyRoundTrip(t *testing.T) {
	root := t.TempDir()
	store := NewStore(filepath.Join(root, "secrets.enc"), filepath.Join(root, "master.key"))
	if err := store.SetAPIKey("openai", "sk-test"); err != nil {
		t.Fatalf("set key: %v", err)
	}
	key, err := store.GetAPIKey("openai")
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if key != "sk-test" {
		t.Fatalf("expected key roundtrip, got %q", key)
	}
	if other, err := store.GetAPIKey("anthropic"); err != nil || other != "" {
		t.Fatalf("expected no key for unrelated provider, got %q err %v", other, err)
	}
}

func TestOAuthCredentialsRoundTrip(t *testing.T) {
	root := t.TempDir()
	store := NewStore(filepath.Join(root, "secrets.enc"), filepath.Join(root, "master.key"))

	expiresAt := time.Date(2026, 2, 17, 15, 4, 5, 0, time.UTC)
	input := &OAuthCredentials{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		IDToken:      "id-1",
		AccountLabel: "acct_123",
		ExpiresAt:    expiresAt,
	}
	if err := store.SetOAuthCredentials("openai-codex", input); err != nil {
		t.Fatalf("set oauth credentials: %v", err)
	}

	got, err := store.GetOAuthCredentials("openai-codex")
	if err != nil {
		t.Fatalf("get oauth credentials: %v", err)
	}
	if got == nil {
		t.Fatalf("expected oauth credentials")
	}
	if got.AccessToken != input.AccessToken {
		t.Fatalf("expected access token %q, got %q", input.AccessToken, got.AccessToken)
	}
	if !got.ExpiresAt.Equal(expiresAt) {
		t.Fatalf("expected expires_at %s, got %s", expiresAt.Format(time.RFC3339), got.ExpiresAt.Format(time.RFC3339))
	}
}

func TestClearProviderKey(t *testing.T) {
	root := t.TempDir()
	store := NewStore(filepath.Join(root, "secrets.enc"), filepath.Join(root, "master.key"))

	if err := store.SetOAuthCredentials("openai-codex", &OAuthCredentials{AccessToken: "access-1"}); err != nil {
		t.Fatalf("set oauth credentials: %v", err)
	}
	if err := store.SetAPIKey("openai-codex", "unused"); err != nil {
		t.Fatalf("set api key: %v", err)
	}
	if err := store.ClearProviderKey("openai-codex"); err != nil {
		t.Fatalf("clear provider key: %v", err)
	}
	got, err := store.GetOAuthCredentials("openai-codex")
	if err != nil {
		t.Fatalf("get oauth credentials: %v", err)
	}
	if got != nil {
		t.Fatalf("expected oauth credentials to be cleared, got %#v", got)
	}
	if key, _ := store.GetAPIKey("openai-codex"); key != "" {
		t.Fatalf("expected api key cleared, got %q", key)
	}
}
