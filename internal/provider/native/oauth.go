package native

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"wireloop/engine/internal/egress"
	"wireloop/engine/internal/llm"
)

// Claude Pro/Max login endpoints, mirroring Claude Code's own CLI OAuth
// flow (authorize against claude.ai, exchange/refresh against
// console.anthropic.com). The resulting access token is stored with the
// oauthCredentialPrefix and sent as a bearer token, not an x-api-key.
const (
	oauthAuthorizeBaseURL = "https://claude.ai"
	oauthAuthorizePath    = "/oauth/authorize"
	oauthTokenURL         = "https://console.anthropic.com/v1/oauth/token"
	oauthClientID         = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	oauthRedirectURI      = "http://localhost:54545/callback"
	oauthScope            = "org:create_api_key user:profile user:inference"
)

// PKCEValues holds one PKCE challenge/verifier/state triple for a single
// login attempt.
type PKCEValues struct {
	State         string
	CodeVerifier  string
	CodeChallenge string
}

// GeneratePKCE mints a fresh PKCE pair. CodeChallenge is derived for
// display/logging only; AuthCodeURL recomputes it internally via
// oauth2.S256ChallengeOption.
func GeneratePKCE() PKCEValues {
	verifier := oauth2.GenerateVerifier()
	sum := sha256.Sum256([]byte(verifier))
	return PKCEValues{
		State:         oauth2.GenerateVerifier(),
		CodeVerifier:  verifier,
		CodeChallenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}
}

// OAuth drives the browser-based PKCE login flow that exchanges a Claude
// Pro/Max account session for a bearer token accepted by the Messages API.
type OAuth struct {
	config     oauth2.Config
	httpClient *http.Client
}

func NewOAuth() *OAuth {
	transport := egress.NewAllowlistRoundTripper(http.DefaultTransport, []string{"claude.ai", "console.anthropic.com"})
	return &OAuth{
		config: oauth2.Config{
			ClientID:    oauthClientID,
			RedirectURL: oauthRedirectURI,
			Scopes:      strings.Fields(oauthScope),
			Endpoint: oauth2.Endpoint{
				AuthURL:  oauthAuthorizeBaseURL + oauthAuthorizePath,
				TokenURL: oauthTokenURL,
			},
		},
		httpClient: &http.Client{Timeout: 60 * time.Second, Transport: transport},
	}
}

func (o *OAuth) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
}

// AuthCodeURL builds the browser URL the user visits to approve access.
func (o *OAuth) AuthCodeURL(pkce PKCEValues) string {
	return o.config.AuthCodeURL(pkce.State, oauth2.S256ChallengeOption(pkce.CodeVerifier))
}

// ParseRedirectURL extracts the authorization code and state from the
// callback URL the local redirect listener receives.
func ParseRedirectURL(redirectURL string) (code, state string, err error) {
	parsed, err := url.Parse(strings.TrimSpace(redirectURL))
	if err != nil {
		return "", "", err
	}
	query := parsed.Query()
	if oauthErr := strings.TrimSpace(query.Get("error")); oauthErr != "" {
		if desc := strings.TrimSpace(query.Get("error_description")); desc != "" {
			return "", "", errors.New("oauth error: " + oauthErr + ": " + desc)
		}
		return "", "", errors.New("oauth error: " + oauthErr)
	}
	code = strings.TrimSpace(query.Get("code"))
	state = strings.TrimSpace(query.Get("state"))
	if code == "" {
		return "", "", errors.New("missing code in redirect url")
	}
	if state == "" {
		return "", "", errors.New("missing state in redirect url")
	}
	return code, state, nil
}

// Exchange trades an authorization code for an access/refresh token pair.
func (o *OAuth) Exchange(ctx context.Context, code string, pkce PKCEValues) (*oauth2.Token, error) {
	token, err := o.config.Exchange(o.withClient(ctx), code, oauth2.VerifierOption(pkce.CodeVerifier))
	if err != nil {
		return nil, wrapOAuthError(err)
	}
	return token, nil
}

// Refresh exchanges a refresh token for a new access token.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := o.config.TokenSource(o.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, wrapOAuthError(err)
	}
	return token, nil
}

// idTokenClaims decodes the subset of an Anthropic OAuth id_token this
// engine cares about. The signature is not verified: the token arrives
// over the same TLS-protected token-exchange response as the access
// token, and no Anthropic signing-key JWKS endpoint is published for
// third-party verification, matching the teacher's own id_token handling.
type idTokenClaims struct {
	AccountUUID string `json:"account_uuid"`
	jwt.RegisteredClaims
}

// ExtractAccountID pulls the Anthropic account id out of an id_token,
// replacing the teacher's hand-rolled base64+json claim decode
// (internal/openai/oauth_codex.go's ExtractCodexChatGPTAccountID) with a
// typed golang-jwt/jwt/v5 parse.
func ExtractAccountID(idToken string) string {
	var claims idTokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, &claims); err != nil {
		return ""
	}
	return claims.AccountUUID
}

func wrapOAuthError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		switch {
		case retrieveErr.Response.StatusCode == http.StatusUnauthorized,
			retrieveErr.Response.StatusCode == http.StatusForbidden,
			retrieveErr.Response.StatusCode == http.StatusBadRequest:
			return llm.ErrUnauthorized
		case retrieveErr.Response.StatusCode >= 500:
			return llm.ErrUnavailable
		}
	}
	return err
}
